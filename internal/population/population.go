// Package population implements the population planner and executor:
// materialize a filtered subset of the corpus into a
// persistent on-disk SQLite database, one container at a time, so the
// corpus never needs to be held in memory all at once.
//
// The algorithm mirrors the source's populate_database: a row-selection
// condition is first analyzed the same way a query is (internal/
// introspect), its columns plus every join-closure column are copied
// into real per-container temp tables, a temp_combined table captures
// which rowids across tables satisfy the condition, and each populated
// table is filled with an INSERT ... SELECT restricted to that
// container and (if a condition is set) an INNER JOIN against
// temp_combined. Without a condition, rows are copied straight from the
// virtual tables, one container at a time.
package population

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sqlite3 "github.com/ncruces/go-sqlite3"

	"github.com/panos-span/alexandria3k/internal/cache"
	"github.com/panos-span/alexandria3k/internal/catalog"
	"github.com/panos-span/alexandria3k/internal/introspect"
	"github.com/panos-span/alexandria3k/internal/sqliteutil"
	"github.com/panos-span/alexandria3k/internal/topo"
)

// IndexSpec is one --index table(col,...) auxiliary index request,
// created on the container's temp_<table> slice before the condition is
// evaluated.
type IndexSpec struct {
	Table   string
	Columns []string
}

// ParseIndexSpec parses the CLI's "table(col1,col2)" syntax.
func ParseIndexSpec(s string) (IndexSpec, error) {
	open := strings.Index(s, "(")
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return IndexSpec{}, fmt.Errorf("population: malformed --index %q, want table(col,...)", s)
	}
	table := s[:open]
	if _, ok := catalog.Lookup(table); !ok {
		return IndexSpec{}, fmt.Errorf("population: --index names unknown table %q", table)
	}
	t := catalog.MustLookup(table)
	var cols []string
	for _, c := range strings.Split(s[open+1:len(s)-1], ",") {
		c = strings.TrimSpace(c)
		if !t.HasColumn(c) {
			return IndexSpec{}, fmt.Errorf("population: --index names unknown column %s.%s", table, c)
		}
		cols = append(cols, c)
	}
	if len(cols) == 0 {
		return IndexSpec{}, fmt.Errorf("population: --index %q names no columns", s)
	}
	return IndexSpec{Table: table, Columns: cols}, nil
}

// Plan is the planner's output: what to populate, under what condition,
// and with which auxiliary indexes. Build one with NewPlan.
type Plan struct {
	// PopulationColumns is table name -> the columns of that table to
	// copy into the populated database, in the order the --columns
	// specifications name them ("table.*" adds catalog declaration order).
	PopulationColumns map[string][]string

	// Condition is the --row-selection SQL expression restricting which
	// records are populated. Empty means "populate everything".
	Condition string

	Indexes []IndexSpec

	// queryColumns is the condition's own column footprint, expanded
	// with the join-closure columns needed to connect every populated
	// table back to the root (set by addJoinColumns).
	queryColumns introspect.ColumnSet
}

// NewPlan analyzes condition (if any) against db -- which must already
// carry the virtual-table schema -- and builds a Plan. columnSpecs is
// the --columns flag's "table.column" / "table.*" entries; an empty
// slice means every catalog column of every table.
func NewPlan(ctx context.Context, db *sql.DB, columnSpecs []string, condition string, indexSpecs []string) (*Plan, error) {
	p := &Plan{
		PopulationColumns: make(map[string][]string),
		Condition:         strings.TrimSpace(condition),
	}

	if len(columnSpecs) == 0 {
		for _, t := range catalog.Tables {
			columnSpecs = append(columnSpecs, t.Name+".*")
		}
	}
	for _, spec := range columnSpecs {
		table, column, ok := strings.Cut(spec, ".")
		if !ok || table == "" || column == "" {
			return nil, fmt.Errorf("population: invalid column specification %q", spec)
		}
		t, ok := catalog.Lookup(table)
		if !ok {
			return nil, fmt.Errorf("population: unknown table in column specification %q", spec)
		}
		if column == "*" {
			p.PopulationColumns[table] = appendAllUnique(p.PopulationColumns[table], t.ColumnNames())
			continue
		}
		if !t.HasColumn(column) {
			return nil, fmt.Errorf("population: unknown column in specification %q", spec)
		}
		p.PopulationColumns[table] = appendUnique(p.PopulationColumns[table], column)
	}

	for _, raw := range indexSpecs {
		spec, err := ParseIndexSpec(raw)
		if err != nil {
			return nil, err
		}
		p.Indexes = append(p.Indexes, spec)
	}

	if p.Condition != "" {
		query := fmt.Sprintf("SELECT DISTINCT 1 FROM %s WHERE %s", strings.Join(catalog.Names(), ", "), p.Condition)
		cols, err := introspect.Discover(ctx, db, query)
		if err != nil {
			return nil, fmt.Errorf("population: analyze row-selection condition: %w", err)
		}
		p.queryColumns = cols
		p.addJoinColumns()
	}

	return p, nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func appendAllUnique(list []string, vs []string) []string {
	for _, v := range vs {
		list = appendUnique(list, v)
	}
	return list
}

// tables returns the union of tables being populated and tables the
// condition reads, in no particular order (callers that need
// determinism run it through topo.Sort).
func (p *Plan) tables() map[string]bool {
	set := make(map[string]bool)
	for t := range p.PopulationColumns {
		set[t] = true
	}
	for _, t := range p.queryColumns.Tables() {
		set[t] = true
	}
	return set
}

// addJoinColumns walks every table's parent chain, recording the
// foreign key column on the way up and the matching parent's primary
// key, so temp_<table> (built from queryColumns) always carries the
// columns joined_tables' LEFT JOIN chain needs -- even for tables that
// are only being populated, never referenced by the condition itself.
func (p *Plan) addJoinColumns() {
	if p.queryColumns == nil {
		p.queryColumns = make(introspect.ColumnSet)
	}
	for name := range p.tables() {
		for name != "" {
			t := catalog.MustLookup(name)
			if t.ForeignKey != "" {
				p.queryColumns.Add(name, t.ForeignKey)
			}
			if t.Parent != "" {
				parent := catalog.MustLookup(t.Parent)
				if parent.PrimaryKey != "" {
					p.queryColumns.Add(t.Parent, parent.PrimaryKey)
				}
			}
			name = t.Parent
		}
	}
}

// Populate runs the plan against dbPath, attaching it as "populated" on
// conn (which must already carry the virtual-table schema, e.g. via
// vtab.Register) and filling it one container at a time from fc.
func Populate(ctx context.Context, conn *sql.Conn, fc *cache.FileCache, dbPath string, plan *Plan) error {
	raw, err := sqliteutil.Raw(ctx, conn)
	if err != nil {
		return fmt.Errorf("population: unwrap connection: %w", err)
	}

	if err := raw.Exec(fmt.Sprintf("ATTACH DATABASE %s AS populated", sqlLiteral(dbPath))); err != nil {
		return fmt.Errorf("population: attach %s: %w", dbPath, err)
	}
	defer raw.Exec("DETACH populated")

	for table, cols := range plan.PopulationColumns {
		t := catalog.MustLookup(table)
		if err := raw.Exec(fmt.Sprintf("DROP TABLE IF EXISTS populated.%s", table)); err != nil {
			return fmt.Errorf("population: drop populated.%s: %w", table, err)
		}
		if err := raw.Exec(catalog.TableSchema(t, "populated.", cols)); err != nil {
			return fmt.Errorf("population: create populated.%s: %w", table, err)
		}
	}

	sortedAll, err := topo.Sort(plan.tables())
	if err != nil {
		return fmt.Errorf("population: order tables: %w", err)
	}
	populationOrder := filterPresent(sortedAll, plan.PopulationColumns)

	ids, err := fc.Source().FileIDs(ctx)
	if err != nil {
		return fmt.Errorf("population: list containers: %w", err)
	}

	for _, id := range ids {
		if plan.Condition != "" {
			if err := materializeCondition(raw, plan, sortedAll, id); err != nil {
				return fmt.Errorf("population: container %d: %w", id, err)
			}
		}
		for _, table := range populationOrder {
			if err := populateTable(raw, plan, table, id); err != nil {
				return fmt.Errorf("population: populate %s from container %d: %w", table, id, err)
			}
		}
	}

	return nil
}

func filterPresent(order []string, present map[string][]string) []string {
	out := make([]string, 0, len(present))
	for _, t := range order {
		if _, ok := present[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// materializeCondition builds, for one container, a real temp_<table>
// slice per table the condition touches (or that joins to one that
// does), then temp_combined: one row per rowid-tuple satisfying the
// condition, keyed by <table>_rowid for every table in the join chain.
func materializeCondition(raw *sqlite3.Conn, plan *Plan, sortedAll []string, containerID int) error {
	for _, table := range sortedAll {
		cols := appendUnique(append([]string{}, plan.queryColumns.Columns(table)...), "rowid")
		if err := raw.Exec(fmt.Sprintf("DROP TABLE IF EXISTS temp_%s", table)); err != nil {
			return fmt.Errorf("drop temp_%s: %w", table, err)
		}
		create := fmt.Sprintf(
			"CREATE TEMP TABLE temp_%s AS SELECT %s FROM %s WHERE container_id = %d",
			table, strings.Join(cols, ", "), table, containerID)
		if err := raw.Exec(create); err != nil {
			return fmt.Errorf("create temp_%s: %w", table, err)
		}
		for _, idx := range plan.Indexes {
			if idx.Table != table {
				continue
			}
			stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_temp_%s_%s ON temp_%s(%s)",
				table, strings.Join(idx.Columns, "_"), table, strings.Join(idx.Columns, ", "))
			if err := raw.Exec(stmt); err != nil {
				return fmt.Errorf("create auxiliary index on temp_%s: %w", table, err)
			}
		}
	}

	rowidCols := make([]string, 0, len(sortedAll))
	for _, table := range sortedAll {
		rowidCols = append(rowidCols, fmt.Sprintf("%s.rowid AS %s_rowid", table, table))
	}

	root := rootTable(sortedAll)
	create := "CREATE TEMP TABLE temp_combined AS SELECT " +
		strings.Join(rowidCols, ", ") +
		fmt.Sprintf(" FROM temp_%s AS %s", root, root) +
		buildJoinClause(sortedAll, root) +
		fmt.Sprintf(" WHERE (%s)", plan.Condition)

	if err := raw.Exec("DROP TABLE IF EXISTS temp_combined"); err != nil {
		return fmt.Errorf("drop temp_combined: %w", err)
	}
	if err := raw.Exec(create); err != nil {
		return fmt.Errorf("create temp_combined: %w", err)
	}
	return nil
}

// rootTable returns the one table in order with no parent -- "works" in
// the full catalog, but computed generically for a restricted subset.
func rootTable(order []string) string {
	for _, name := range order {
		if catalog.MustLookup(name).Parent == "" {
			return name
		}
	}
	return order[0]
}

// buildJoinClause emits one LEFT JOIN per non-root table in order,
// connecting it to its parent's slice by the parent's primary key and
// the child's own foreign key -- mirroring the source's joined_tables.
func buildJoinClause(order []string, root string) string {
	var b strings.Builder
	for _, name := range order {
		if name == root {
			continue
		}
		t := catalog.MustLookup(name)
		parentPK := catalog.MustLookup(t.Parent).PrimaryKey
		fmt.Fprintf(&b, " LEFT JOIN temp_%s AS %s ON %s.%s = %s.%s",
			name, name, t.Parent, parentPK, name, t.ForeignKey)
	}
	return b.String()
}

// populateTable inserts one container's rows for table into
// populated.<table>. With a condition set, it first refreshes
// temp_combined's covering index and restricts the insert to rowids
// present there.
func populateTable(raw *sqlite3.Conn, plan *Plan, table string, containerID int) error {
	cols := plan.PopulationColumns[table]
	qualified := make([]string, len(cols))
	for i, c := range cols {
		qualified[i] = fmt.Sprintf("%s.%s", table, c)
	}

	join := ""
	if plan.Condition != "" {
		if err := raw.Exec("DROP INDEX IF EXISTS temp_combined_idx"); err != nil {
			return fmt.Errorf("drop temp_combined_idx: %w", err)
		}
		idx := fmt.Sprintf("CREATE INDEX temp_combined_idx ON temp_combined(%s_rowid)", table)
		if err := raw.Exec(idx); err != nil {
			return fmt.Errorf("create temp_combined_idx: %w", err)
		}
		join = fmt.Sprintf("INNER JOIN temp_combined ON %s.rowid = temp_combined.%s_rowid", table, table)
	}

	stmt := fmt.Sprintf(
		"INSERT INTO populated.%s SELECT %s FROM %s %s WHERE %s.container_id = %d",
		table, strings.Join(qualified, ", "), table, join, table, containerID)
	if err := raw.Exec(stmt); err != nil {
		return fmt.Errorf("insert into populated.%s: %w", table, err)
	}
	return nil
}

// sqlLiteral quotes a string as an SQL text literal.
func sqlLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
