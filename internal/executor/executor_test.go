package executor_test

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"testing"

	"github.com/panos-span/alexandria3k/internal/cache"
	"github.com/panos-span/alexandria3k/internal/decoder"
	"github.com/panos-span/alexandria3k/internal/executor"
	"github.com/panos-span/alexandria3k/internal/sample"
	"github.com/panos-span/alexandria3k/internal/sqliteutil"
	"github.com/panos-span/alexandria3k/internal/vtab"
)

// openEngine builds a two-container fixture for join tests:
// works joined to work_authors across container boundaries.
func openEngine(t *testing.T) (*sql.DB, *cache.FileCache) {
	t.Helper()

	c0 := &decoder.Container{ID: 0, Tables: map[string][]decoder.Row{
		"works": {
			{"10.1/a1", "Alpha", "", "P", "journal-article", 2020, 1, 1, "1", "1", "1-2"},
			{"10.1/a2", "Beta", "", "P", "journal-article", 2021, 1, 1, "1", "1", "1-2"},
		},
		"work_authors": {
			{1, "10.1/a1", "first", "Jane", "Doe", "0000-0001-0002-0003"},
			{2, "10.1/a2", "first", "Jo", "Smith", "0000-0001-0002-0004"},
		},
	}}
	c1 := &decoder.Container{ID: 1, Tables: map[string][]decoder.Row{
		"works": {
			{"10.1/b1", "Gamma", "", "Q", "journal-article", 2022, 1, 1, "1", "1", "1-2"},
		},
		"work_authors": {
			{3, "10.1/b1", "first", "Al", "Jones", "0000-0001-0002-0005"},
		},
	}}

	fc, err := cache.New(decoder.NewFixtureSource(c0, c1), cache.Bound{MaxFiles: 8})
	if err != nil {
		t.Fatal(err)
	}

	db, err := sqliteutil.OpenShared()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	raw, err := sqliteutil.Raw(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	if err := vtab.Register(ctx, raw, fc); err != nil {
		t.Fatal(err)
	}

	return db, fc
}

const joinQuery = `SELECT works.doi, work_authors.family FROM works
	JOIN work_authors ON works.doi = work_authors.work_doi`

func pairsOf(t *testing.T, r *executor.Result) []string {
	t.Helper()
	var out []string
	for _, row := range r.Rows {
		out = append(out, fmt.Sprintf("%v|%v", row[0], row[1]))
	}
	sort.Strings(out)
	return out
}

// TestPartitionedMatchesStreaming checks that the partitioned executor
// produces the same set of pairs as the streaming variant.
func TestPartitionedMatchesStreaming(t *testing.T) {
	db, fc := openEngine(t)
	ctx := context.Background()

	streamed, err := executor.Stream(ctx, db, joinQuery)
	if err != nil {
		t.Fatal(err)
	}
	partitioned, err := executor.Partitioned(ctx, db, fc, joinQuery, executor.Options{})
	if err != nil {
		t.Fatal(err)
	}

	want := pairsOf(t, streamed)
	got := pairsOf(t, partitioned)
	if len(want) != 3 {
		t.Fatalf("expected 3 pairs from the fixture, got %v", want)
	}
	if fmt.Sprint(want) != fmt.Sprint(got) {
		t.Fatalf("partitioned result %v does not match streaming result %v", got, want)
	}
}

func TestPartitionedMatchesStreamingInParallel(t *testing.T) {
	db, fc := openEngine(t)
	ctx := context.Background()

	streamed, err := executor.Stream(ctx, db, joinQuery)
	if err != nil {
		t.Fatal(err)
	}
	partitioned, err := executor.Partitioned(ctx, db, fc, joinQuery, executor.Options{Parallel: true})
	if err != nil {
		t.Fatal(err)
	}

	want := pairsOf(t, streamed)
	got := pairsOf(t, partitioned)
	if fmt.Sprint(want) != fmt.Sprint(got) {
		t.Fatalf("parallel partitioned result %v does not match streaming result %v", got, want)
	}
}

func TestPartitionedAppliesSamplePredicate(t *testing.T) {
	db, fc := openEngine(t)
	ctx := context.Background()

	pred, err := sample.Parse("MOD 2 0")
	if err != nil {
		t.Fatal(err)
	}

	result, err := executor.Partitioned(ctx, db, fc, joinQuery, executor.Options{Sample: pred})
	if err != nil {
		t.Fatal(err)
	}

	got := pairsOf(t, result)
	want := []string{"10.1/a1|Doe", "10.1/a2|Smith"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected only container 0's rows to survive MOD 2 0, got %v", got)
	}
}

func TestPartitionedPreservesContainerOrderSequentially(t *testing.T) {
	db, fc := openEngine(t)
	ctx := context.Background()

	result, err := executor.Partitioned(ctx, db, fc, joinQuery, executor.Options{})
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(result.Rows))
	}
	// Container 0's two rows must precede container 1's one row.
	last := fmt.Sprint(result.Rows[2][0])
	if last != "10.1/b1" {
		t.Fatalf("expected container 1's row last, got order %v", result.Rows)
	}
}
