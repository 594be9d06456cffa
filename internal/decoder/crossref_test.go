package decoder

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeGzippedLines(t *testing.T, path string, lines []string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	for _, line := range lines {
		if _, err := gz.Write([]byte(line + "\n")); err != nil {
			t.Fatal(err)
		}
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestDecodeWorkKeepsIDsUniqueAcrossWorks guards against author/funder
// ids resetting per work record: a container with two works, each
// declaring one author (with one affiliation) and one funder (with one
// award), must mint four distinct work_authors ids and four distinct
// work_funders ids, not two of each reused across works.
func TestDecodeWorkKeepsIDsUniqueAcrossWorks(t *testing.T) {
	dir := t.TempDir()
	lines := []string{
		`{"DOI":"10.1/a1","title":["Alpha"],"author":[{"given":"Jane","family":"Doe","sequence":"first","affiliation":[{"name":"Alpha University"}]}],"funder":[{"name":"Alpha Foundation","award":["A1"]}]}`,
		`{"DOI":"10.1/a2","title":["Beta"],"author":[{"given":"Jo","family":"Smith","sequence":"first","affiliation":[{"name":"Beta University"}]}],"funder":[{"name":"Beta Foundation","award":["B1"]}]}`,
	}
	writeGzippedLines(t, filepath.Join(dir, "a.json.gz"), lines)

	src, err := NewCrossrefSource(dir)
	if err != nil {
		t.Fatal(err)
	}

	c, err := src.Decode(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}

	authors := c.Tables["work_authors"]
	if len(authors) != 2 {
		t.Fatalf("expected 2 work_authors rows, got %d", len(authors))
	}
	authorID1, authorID2 := authors[0][0], authors[1][0]
	if authorID1 == authorID2 {
		t.Fatalf("expected distinct author ids across works, got %v and %v", authorID1, authorID2)
	}

	affiliations := c.Tables["author_affiliations"]
	if len(affiliations) != 2 {
		t.Fatalf("expected 2 author_affiliations rows, got %d", len(affiliations))
	}
	if affiliations[0][0] != authorID1 || affiliations[1][0] != authorID2 {
		t.Fatalf("expected each affiliation to reference its own work's author id, got %v, %v for author ids %v, %v",
			affiliations[0][0], affiliations[1][0], authorID1, authorID2)
	}

	funders := c.Tables["work_funders"]
	if len(funders) != 2 {
		t.Fatalf("expected 2 work_funders rows, got %d", len(funders))
	}
	funderID1, funderID2 := funders[0][0], funders[1][0]
	if funderID1 == funderID2 {
		t.Fatalf("expected distinct funder ids across works, got %v and %v", funderID1, funderID2)
	}

	awards := c.Tables["funder_awards"]
	if len(awards) != 2 {
		t.Fatalf("expected 2 funder_awards rows, got %d", len(awards))
	}
	if awards[0][0] != funderID1 || awards[1][0] != funderID2 {
		t.Fatalf("expected each award to reference its own work's funder id, got %v, %v for funder ids %v, %v",
			awards[0][0], awards[1][0], funderID1, funderID2)
	}

	// Without the container-scoped counter fix, both works would mint
	// author id 1 and funder id 1, producing a 2x2 cross join instead of
	// the 1:1 pairing asserted above.
	if authorID1 != 1 || authorID2 != 2 {
		t.Fatalf("expected sequential author ids 1, 2 across the container, got %v, %v", authorID1, authorID2)
	}
	if funderID1 != 1 || funderID2 != 2 {
		t.Fatalf("expected sequential funder ids 1, 2 across the container, got %v, %v", funderID1, funderID2)
	}
}
