package population_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/panos-span/alexandria3k/internal/cache"
	"github.com/panos-span/alexandria3k/internal/decoder"
	"github.com/panos-span/alexandria3k/internal/population"
	"github.com/panos-span/alexandria3k/internal/sqliteutil"
	"github.com/panos-span/alexandria3k/internal/vtab"
)

// openEngine builds a fixture corpus for population tests:
// two containers, four works, two titles starting with "A", and one
// author/work pair sharing an ORCID.
func openEngine(t *testing.T) (*sql.DB, *sql.Conn, *cache.FileCache) {
	t.Helper()

	c0 := &decoder.Container{ID: 0, Tables: map[string][]decoder.Row{
		"works": {
			{"10.1/a1", "Apples and oranges", "", "P", "journal-article", 2020, 1, 1, "1", "1", "1-2"},
			{"10.1/a2", "Bananas", "", "P", "journal-article", 2021, 1, 1, "1", "1", "1-2"},
		},
		"work_authors": {
			{1, "10.1/a1", "first", "Jane", "Doe", "0000-0001-0002-0003"},
			{2, "10.1/a2", "first", "Jo", "Smith", "0000-0001-0002-0004"},
		},
	}}
	c1 := &decoder.Container{ID: 1, Tables: map[string][]decoder.Row{
		"works": {
			{"10.1/a3", "Avocados", "", "Q", "journal-article", 2022, 1, 1, "1", "1", "1-2"},
			{"10.1/b1", "Cantaloupe", "", "Q", "journal-article", 2022, 1, 1, "1", "1", "1-2"},
		},
		"work_authors": {
			{3, "10.1/a3", "first", "Al", "Jones", "0000-0001-0002-0005"},
			{4, "10.1/b1", "first", "Sam", "Doe", "0000-0001-0002-0003"},
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

	return db, conn, fc
}

func countRows(t *testing.T, dbPath, query string) int {
	t.Helper()
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(query).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

// TestPopulateRowSelectionFiltersRoot checks that a row-selection
// condition on the root table restricts the populated rows.
func TestPopulateRowSelectionFiltersRoot(t *testing.T) {
	db, conn, fc := openEngine(t)
	ctx := context.Background()

	plan, err := population.NewPlan(ctx, db,
		[]string{"works.doi", "works.title"},
		"works.title LIKE 'A%'", nil)
	if err != nil {
		t.Fatal(err)
	}

	dbPath := filepath.Join(t.TempDir(), "populated.db")
	if err := population.Populate(ctx, conn, fc, dbPath, plan); err != nil {
		t.Fatal(err)
	}

	got := countRows(t, dbPath, "SELECT count(*) FROM works")
	if got != 2 {
		t.Fatalf("expected 2 matching works rows, got %d", got)
	}
	gotTitles := countRows(t, dbPath, "SELECT count(*) FROM works WHERE title LIKE 'A%'")
	if gotTitles != 2 {
		t.Fatalf("expected both rows to satisfy the condition, got %d", gotTitles)
	}
}

// TestPopulateJoinClosureFollowsCondition checks that, when the
// condition is expressed on work_authors.orcid, works.doi still gets
// populated via the automatic join closure.
func TestPopulateJoinClosureFollowsCondition(t *testing.T) {
	db, conn, fc := openEngine(t)
	ctx := context.Background()

	plan, err := population.NewPlan(ctx, db,
		[]string{"works.doi", "work_authors.family"},
		"work_authors.orcid='0000-0001-0002-0003'", nil)
	if err != nil {
		t.Fatal(err)
	}

	dbPath := filepath.Join(t.TempDir(), "populated.db")
	if err := population.Populate(ctx, conn, fc, dbPath, plan); err != nil {
		t.Fatal(err)
	}

	got := countRows(t, dbPath, "SELECT count(*) FROM work_authors")
	if got != 2 {
		t.Fatalf("expected 2 authors sharing the ORCID across both containers, got %d", got)
	}
	got = countRows(t, dbPath, "SELECT count(*) FROM work_authors WHERE family = 'Doe'")
	if got != 2 {
		t.Fatalf("expected both matching rows to carry family name Doe, got %d", got)
	}
	got = countRows(t, dbPath, "SELECT count(*) FROM works")
	if got != 2 {
		t.Fatalf("expected the 2 works whose author carries the ORCID, got %d", got)
	}
}

// TestPopulateWithoutConditionCopiesEverything exercises the "no
// condition" path: a plain per-container copy restricted to container_id.
func TestPopulateWithoutConditionCopiesEverything(t *testing.T) {
	db, conn, fc := openEngine(t)
	ctx := context.Background()

	plan, err := population.NewPlan(ctx, db, []string{"works.doi"}, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	dbPath := filepath.Join(t.TempDir(), "populated.db")
	if err := population.Populate(ctx, conn, fc, dbPath, plan); err != nil {
		t.Fatal(err)
	}

	got := countRows(t, dbPath, "SELECT count(*) FROM works")
	if got != 4 {
		t.Fatalf("expected all 4 works rows, got %d", got)
	}
}

// TestPopulateIsIdempotent checks that running population
// twice with identical arguments yields the same table contents.
func TestPopulateIsIdempotent(t *testing.T) {
	db, conn, fc := openEngine(t)
	ctx := context.Background()

	plan, err := population.NewPlan(ctx, db, []string{"works.doi", "works.title"}, "works.title LIKE 'A%'", nil)
	if err != nil {
		t.Fatal(err)
	}

	dbPath := filepath.Join(t.TempDir(), "populated.db")
	if err := population.Populate(ctx, conn, fc, dbPath, plan); err != nil {
		t.Fatal(err)
	}
	first := countRows(t, dbPath, "SELECT count(*) FROM works")

	if err := population.Populate(ctx, conn, fc, dbPath, plan); err != nil {
		t.Fatal(err)
	}
	second := countRows(t, dbPath, "SELECT count(*) FROM works")

	if first != second {
		t.Fatalf("expected idempotent row counts, got %d then %d", first, second)
	}
}

func TestParseIndexSpecRejectsUnknownTableOrColumn(t *testing.T) {
	if _, err := population.ParseIndexSpec("not_a_table(doi)"); err == nil {
		t.Fatal("expected error for unknown table")
	}
	if _, err := population.ParseIndexSpec("works(not_a_column)"); err == nil {
		t.Fatal("expected error for unknown column")
	}
	if _, err := population.ParseIndexSpec("works"); err == nil {
		t.Fatal("expected error for malformed spec with no parens")
	}
}

func TestParseIndexSpecAcceptsMultipleColumns(t *testing.T) {
	spec, err := population.ParseIndexSpec("works(published_year,type)")
	if err != nil {
		t.Fatal(err)
	}
	if spec.Table != "works" || len(spec.Columns) != 2 {
		t.Fatalf("got %+v", spec)
	}
}
