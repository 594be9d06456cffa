// Package catalog holds the static description of the logical tables
// exposed over the Crossref corpus: their columns, parent/child links,
// and primary/foreign keys. It is pure data plus projection helpers;
// nothing here touches a container or a database connection.
package catalog

import (
	"fmt"
	"strings"
)

// Column is one typed column of a logical table.
type Column struct {
	Name string
	Type string // SQL type used when emitting CREATE TABLE text
}

// Table describes one node of the forest rooted at "works".
type Table struct {
	Name       string
	Parent     string // empty for the root table
	PrimaryKey string // empty if the table has no identifier children reference
	ForeignKey string // empty for the root table
	Columns    []Column
}

// ColumnNames returns the table's column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether name is one of the table's declared columns.
func (t Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Tables is the full Crossref schema, root first. work_updates and
// work_links are childless siblings of work_references, direct children
// of works.
var Tables = []Table{
	{
		Name: "works",
		Columns: []Column{
			{"doi", "TEXT"},
			{"title", "TEXT"},
			{"abstract", "TEXT"},
			{"publisher", "TEXT"},
			{"type", "TEXT"},
			{"published_year", "INTEGER"},
			{"published_month", "INTEGER"},
			{"published_day", "INTEGER"},
			{"volume", "TEXT"},
			{"issue", "TEXT"},
			{"page", "TEXT"},
		},
		PrimaryKey: "doi",
	},
	{
		Name:   "work_authors",
		Parent: "works",
		Columns: []Column{
			{"id", "INTEGER"},
			{"work_doi", "TEXT"},
			{"sequence", "TEXT"},
			{"given", "TEXT"},
			{"family", "TEXT"},
			{"orcid", "TEXT"},
		},
		PrimaryKey: "id",
		ForeignKey: "work_doi",
	},
	{
		Name:   "author_affiliations",
		Parent: "work_authors",
		Columns: []Column{
			{"author_id", "INTEGER"},
			{"name", "TEXT"},
		},
		ForeignKey: "author_id",
	},
	{
		Name:   "work_references",
		Parent: "works",
		Columns: []Column{
			{"work_doi", "TEXT"},
			{"doi", "TEXT"},
			{"isbn", "TEXT"},
			{"first_page", "TEXT"},
			{"year", "INTEGER"},
		},
		ForeignKey: "work_doi",
	},
	{
		Name:   "work_subjects",
		Parent: "works",
		Columns: []Column{
			{"work_doi", "TEXT"},
			{"name", "TEXT"},
		},
		ForeignKey: "work_doi",
	},
	{
		Name:   "work_funders",
		Parent: "works",
		Columns: []Column{
			{"id", "INTEGER"},
			{"work_doi", "TEXT"},
			{"name", "TEXT"},
			{"doi", "TEXT"},
		},
		PrimaryKey: "id",
		ForeignKey: "work_doi",
	},
	{
		Name:   "funder_awards",
		Parent: "work_funders",
		Columns: []Column{
			{"funder_id", "INTEGER"},
			{"award", "TEXT"},
		},
		ForeignKey: "funder_id",
	},
	{
		Name:   "work_updates",
		Parent: "works",
		Columns: []Column{
			{"work_doi", "TEXT"},
			{"label", "TEXT"},
			{"doi", "TEXT"},
			{"updated_year", "INTEGER"},
		},
		ForeignKey: "work_doi",
	},
	{
		Name:   "work_links",
		Parent: "works",
		Columns: []Column{
			{"work_doi", "TEXT"},
			{"url", "TEXT"},
			{"content_type", "TEXT"},
			{"intended_application", "TEXT"},
		},
		ForeignKey: "work_doi",
	},
}

// byName is built once; the catalog is immutable for the process lifetime.
var byName = func() map[string]Table {
	m := make(map[string]Table, len(Tables))
	for _, t := range Tables {
		m[t.Name] = t
	}
	return m
}()

// Lookup returns the table descriptor for name.
func Lookup(name string) (Table, bool) {
	t, ok := byName[name]
	return t, ok
}

// MustLookup is Lookup but panics on an unknown table; used where the
// caller has already validated the name against the catalog (e.g. after
// ExpandSpecs, which itself validates).
func MustLookup(name string) Table {
	t, ok := byName[name]
	if !ok {
		panic("catalog: unknown table " + name)
	}
	return t
}

// Names returns every table name, in declaration (root-first) order.
func Names() []string {
	names := make([]string, len(Tables))
	for i, t := range Tables {
		names[i] = t.Name
	}
	return names
}

// TableSchema emits `CREATE TABLE <prefix><name> (...)` text restricted to
// columns. An empty columns slice emits every column the table declares.
// prefix is typically "" or "populated." and is concatenated verbatim, so
// callers must pass a catalog-validated table name.
func TableSchema(t Table, prefix string, columns []string) string {
	if len(columns) == 0 {
		columns = t.ColumnNames()
	}
	types := make(map[string]string, len(t.Columns))
	for _, c := range t.Columns {
		types[c.Name] = c.Type
	}

	defs := make([]string, 0, len(columns))
	for _, name := range columns {
		typ := types[name]
		if typ == "" {
			typ = "TEXT"
		}
		defs = append(defs, fmt.Sprintf("%s %s", name, typ))
	}

	return fmt.Sprintf("CREATE TABLE %s%s (%s)", prefix, t.Name, strings.Join(defs, ", "))
}

// ListSchema renders CREATE TABLE text for the whole catalog, one
// statement per table, full columns -- the --list-schema CLI flag.
func ListSchema() string {
	var b strings.Builder
	for _, t := range Tables {
		b.WriteString(TableSchema(t, "", nil))
		b.WriteString(";\n")
	}
	return b.String()
}
