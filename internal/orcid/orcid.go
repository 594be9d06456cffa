// Package orcid implements the ORCID side-loader collaborator: given a
// populated database that already carries work_authors, it enriches
// rows lacking an orcid value by matching on (family, given) against a
// supplied ORCID records file, mirroring the source's --orcid-data /
// --linked-records pairing. The side-loader is intentionally small and
// kept out of the engine's core query path.
package orcid

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Record is one ORCID-linked author, decoded from the auxiliary data
// file given via --orcid-data.
type Record struct {
	ORCID  string `json:"orcid"`
	Family string `json:"family"`
	Given  string `json:"given"`
}

// Loader is the abstract side-loader interface: given a
// path, produce the ORCID records to match against work_authors.
type Loader interface {
	Load(ctx context.Context, path string) ([]Record, error)
}

// FileLoader reads newline-delimited JSON records, one Record per line
// -- the --orcid-data file format.
type FileLoader struct{}

func (FileLoader) Load(_ context.Context, path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("orcid: open %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("orcid: parse %s: %w", path, err)
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("orcid: read %s: %w", path, err)
	}
	return records, nil
}

// LinkedRecordsOnly filters records to those named in linkedFamilies --
// the --linked-records flag, which restricts side-loading to a known
// set of family names rather than every record in the data file.
func LinkedRecordsOnly(records []Record, linkedFamilies []string) []Record {
	if len(linkedFamilies) == 0 {
		return records
	}
	want := make(map[string]bool, len(linkedFamilies))
	for _, f := range linkedFamilies {
		want[f] = true
	}
	var out []Record
	for _, r := range records {
		if want[r.Family] {
			out = append(out, r)
		}
	}
	return out
}

// Populate updates populated.work_authors, setting orcid on every row
// whose (family, given) matches a record and whose orcid is currently
// empty. It never overwrites an orcid value the corpus already
// supplied -- the corpus is the trusted source of truth where it has an
// opinion: orcid values are only ever added, never replaced.
func Populate(ctx context.Context, pdb *sql.DB, records []Record) (int64, error) {
	stmt, err := pdb.PrepareContext(ctx, `
		UPDATE work_authors SET orcid = ?
		WHERE family = ? AND given = ? AND (orcid IS NULL OR orcid = '')`)
	if err != nil {
		return 0, fmt.Errorf("orcid: prepare update: %w", err)
	}
	defer stmt.Close()

	var total int64
	for _, r := range records {
		res, err := stmt.ExecContext(ctx, r.ORCID, r.Family, r.Given)
		if err != nil {
			return total, fmt.Errorf("orcid: update %s %s: %w", r.Given, r.Family, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("orcid: rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}
