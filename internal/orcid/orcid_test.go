package orcid

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func TestFileLoaderLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orcid.ndjson")
	content := `{"orcid":"0000-0001-0002-0003","family":"Smith","given":"Jane"}
{"orcid":"0000-0004-0005-0006","family":"Doe","given":"John"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	records, err := FileLoader{}.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].ORCID != "0000-0001-0002-0003" || records[0].Family != "Smith" {
		t.Errorf("records[0] = %+v", records[0])
	}
}

func TestLinkedRecordsOnly(t *testing.T) {
	records := []Record{
		{Family: "Smith", Given: "Jane", ORCID: "a"},
		{Family: "Doe", Given: "John", ORCID: "b"},
	}

	t.Run("empty filter keeps everything", func(t *testing.T) {
		got := LinkedRecordsOnly(records, nil)
		if len(got) != 2 {
			t.Errorf("len(got) = %d, want 2", len(got))
		}
	})

	t.Run("filter restricts to named families", func(t *testing.T) {
		got := LinkedRecordsOnly(records, []string{"Smith"})
		if len(got) != 1 || got[0].Family != "Smith" {
			t.Errorf("got = %+v, want only Smith", got)
		}
	})
}

func TestPopulate(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	schema := `CREATE TABLE work_authors (id INTEGER, family TEXT, given TEXT, orcid TEXT)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		t.Fatal(err)
	}
	seed := `INSERT INTO work_authors (id, family, given, orcid) VALUES
		(1, 'Smith', 'Jane', ''),
		(2, 'Doe', 'John', '0000-existing')`
	if _, err := db.ExecContext(ctx, seed); err != nil {
		t.Fatal(err)
	}

	records := []Record{
		{ORCID: "0000-0001-0002-0003", Family: "Smith", Given: "Jane"},
		{ORCID: "0000-would-overwrite", Family: "Doe", Given: "John"},
	}

	n, err := Populate(ctx, db, records)
	if err != nil {
		t.Fatalf("Populate() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Populate() affected %d rows, want 1", n)
	}

	var smithOrcid, doeOrcid string
	if err := db.QueryRowContext(ctx, "SELECT orcid FROM work_authors WHERE family = 'Smith'").Scan(&smithOrcid); err != nil {
		t.Fatal(err)
	}
	if smithOrcid != "0000-0001-0002-0003" {
		t.Errorf("smith orcid = %q, want 0000-0001-0002-0003", smithOrcid)
	}
	if err := db.QueryRowContext(ctx, "SELECT orcid FROM work_authors WHERE family = 'Doe'").Scan(&doeOrcid); err != nil {
		t.Fatal(err)
	}
	if doeOrcid != "0000-existing" {
		t.Errorf("doe orcid = %q, want unchanged 0000-existing (never overwrite an existing value)", doeOrcid)
	}
}
