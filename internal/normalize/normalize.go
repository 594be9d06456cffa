// Package normalize implements the post-hoc normalizer: it
// runs against an already-populated database and extracts many-to-many
// relations the raw corpus stores denormalized (an affiliation or
// subject name repeated on every row that mentions it) into dense
// id-name lookup tables plus join tables, mirroring the source's
// normalize_affiliations and normalize_subjects.
package normalize

import (
	"context"
	"database/sql"
	"fmt"
)

// Affiliations creates affiliation_names (a dense id-name table over
// every distinct name appearing in author_affiliations), authors_
// affiliations (author id -> affiliation id), and affiliations_works
// (affiliation id -> work doi, deduplicated).
func Affiliations(ctx context.Context, pdb *sql.DB) error {
	stmts := []string{
		"DROP TABLE IF EXISTS affiliation_names",
		`CREATE TABLE affiliation_names AS
			SELECT row_number() OVER (ORDER BY name) AS id, name
			FROM (SELECT DISTINCT name FROM author_affiliations)`,

		"DROP TABLE IF EXISTS authors_affiliations",
		`CREATE TABLE authors_affiliations AS
			SELECT affiliation_names.id AS affiliation_id,
				author_affiliations.author_id
			FROM affiliation_names INNER JOIN author_affiliations
				ON affiliation_names.name = author_affiliations.name`,

		"DROP TABLE IF EXISTS affiliations_works",
		`CREATE TABLE affiliations_works AS
			SELECT DISTINCT affiliation_id, work_authors.work_doi
			FROM authors_affiliations
			LEFT JOIN work_authors
				ON authors_affiliations.author_id = work_authors.id`,
	}
	return execAll(ctx, pdb, "normalize: affiliations", stmts)
}

// Subjects creates subject_names (a dense id-name table over every
// distinct name in work_subjects) and works_subjects (subject id -> work
// doi).
func Subjects(ctx context.Context, pdb *sql.DB) error {
	stmts := []string{
		"DROP TABLE IF EXISTS subject_names",
		`CREATE TABLE subject_names AS
			SELECT row_number() OVER (ORDER BY name) AS id, name
			FROM (SELECT DISTINCT name FROM work_subjects)`,

		"DROP TABLE IF EXISTS works_subjects",
		`CREATE TABLE works_subjects AS
			SELECT subject_names.id AS subject_id, work_doi
			FROM subject_names
			INNER JOIN work_subjects ON subject_names.name = work_subjects.name`,
	}
	return execAll(ctx, pdb, "normalize: subjects", stmts)
}

// All runs every normalization pass against pdb in the order the CLI's
// --normalize flag enumerates.
func All(ctx context.Context, pdb *sql.DB, kinds []string) error {
	for _, kind := range kinds {
		switch kind {
		case "affiliations":
			if err := Affiliations(ctx, pdb); err != nil {
				return err
			}
		case "subjects":
			if err := Subjects(ctx, pdb); err != nil {
				return err
			}
		default:
			return fmt.Errorf("normalize: unknown normalization kind %q", kind)
		}
	}
	return nil
}

func execAll(ctx context.Context, db *sql.DB, label string, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
	}
	return nil
}
