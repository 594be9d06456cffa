package vtab_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/panos-span/alexandria3k/internal/cache"
	"github.com/panos-span/alexandria3k/internal/decoder"
	"github.com/panos-span/alexandria3k/internal/sqliteutil"
	"github.com/panos-span/alexandria3k/internal/vtab"
)

// twoContainerFixture builds a small corpus for end-to-end tests:
// 3 works in container 0, 2 in container 1.
func twoContainerFixture() *decoder.FixtureSource {
	c0 := &decoder.Container{ID: 0, Tables: map[string][]decoder.Row{
		"works": {
			{"10.1/a1", "Alpha paper", "", "P", "journal-article", 2020, 1, 1, "1", "1", "1-2"},
			{"10.1/a2", "Another paper", "", "P", "journal-article", 2020, 1, 1, "1", "1", "3-4"},
			{"10.1/a3", "Bravo paper", "", "P", "journal-article", 2020, 1, 1, "1", "1", "5-6"},
		},
		"work_authors": {
			{1, "10.1/a1", "first", "Jane", "Doe", "0000-0001-0002-0003"},
		},
	}}
	c1 := &decoder.Container{ID: 1, Tables: map[string][]decoder.Row{
		"works": {
			{"10.1/b1", "Charlie paper", "", "Q", "journal-article", 2021, 2, 2, "2", "2", "1-2"},
			{"10.1/b2", "Delta paper", "", "Q", "journal-article", 2021, 2, 2, "2", "2", "3-4"},
		},
	}}
	return decoder.NewFixtureSource(c0, c1)
}

func openEngine(t *testing.T) (*sql.DB, *cache.FileCache) {
	t.Helper()

	fc, err := cache.New(twoContainerFixture(), cache.Bound{MaxFiles: 8})
	if err != nil {
		t.Fatal(err)
	}

	db, err := sqliteutil.OpenShared()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	sqlConn, err := db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlConn.Close() })

	raw, err := sqliteutil.Raw(ctx, sqlConn)
	if err != nil {
		t.Fatal(err)
	}
	if err := vtab.Register(ctx, raw, fc); err != nil {
		t.Fatal(err)
	}

	return db, fc
}

// TestWorksCountAcrossContainers sums works across both containers.
func TestWorksCountAcrossContainers(t *testing.T) {
	db, _ := openEngine(t)

	var count int
	if err := db.QueryRow("SELECT count(*) FROM works").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 5 {
		t.Fatalf("expected 5 works, got %d", count)
	}
}

func TestContainerIDPushdownScansOneContainer(t *testing.T) {
	db, fc := openEngine(t)

	var count int
	if err := db.QueryRow("SELECT count(*) FROM works WHERE container_id = 1").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected 2 works in container 1, got %d", count)
	}
	if got := fc.Reads(); got != 1 {
		t.Fatalf("expected container_id pushdown to decode exactly 1 container, got %d", got)
	}
}
