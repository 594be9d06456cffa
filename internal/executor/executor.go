// Package executor implements the partitioned query executor: streaming
// mode runs the user's query directly against the
// virtual-table schema; partitioned mode runs it once per container
// against a private, real-table copy of only the columns the query
// reads, so no single query plan ever holds the whole corpus decoded at
// once. Both modes must produce the same set of result rows -- only how
// they get there differs.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/panos-span/alexandria3k/internal/cache"
	"github.com/panos-span/alexandria3k/internal/catalog"
	"github.com/panos-span/alexandria3k/internal/decoder"
	"github.com/panos-span/alexandria3k/internal/introspect"
	"github.com/panos-span/alexandria3k/internal/sample"
)

// Result is a query's output: column names in select-list order, plus
// one []any per row, values typed the way database/sql scanned them.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Options controls partitioned execution.
type Options struct {
	// Sample restricts which rows of each container are copied into its
	// scratch tables before the query runs. Nil means every row passes.
	Sample sample.Predicate

	// Parallel fans container processing out across a worker pool
	// bounded by GOMAXPROCS, re-ordering results back into
	// container-iteration order before returning. Sequential execution
	// when false.
	Parallel bool
}

// Stream runs query directly against db's virtual-table schema. This is
// the simplest mode: the SQLite query planner decides what to scan, and
// internal/vtab's cursors decode containers on demand through the
// shared cache.
func Stream(ctx context.Context, db *sql.DB, query string) (*Result, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("executor: stream query: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// Partitioned runs query once per container against a private scratch
// database holding only the columns introspect.Discover reports the
// query reads, restricted to that container's rows. fc supplies both
// the container id list and the decoded containers; db must already
// carry the virtual-table schema so Discover can run its analysis pass
// against it.
func Partitioned(ctx context.Context, db *sql.DB, fc *cache.FileCache, query string, opts Options) (*Result, error) {
	cols, err := introspect.Discover(ctx, db, query)
	if err != nil {
		return nil, fmt.Errorf("executor: discover columns: %w", err)
	}

	plan := buildProjection(cols)

	ids, err := fc.Source().FileIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("executor: list containers: %w", err)
	}

	results := make([]*Result, len(ids))

	if !opts.Parallel {
		for i, id := range ids {
			r, err := runContainer(ctx, fc, id, plan, query, opts.Sample)
			if err != nil {
				return nil, fmt.Errorf("executor: container %d: %w", id, err)
			}
			results[i] = r
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(1, runtime.GOMAXPROCS(0)))
		for i, id := range ids {
			i, id := i, id
			g.Go(func() error {
				r, err := runContainer(gctx, fc, id, plan, query, opts.Sample)
				if err != nil {
					return fmt.Errorf("container %d: %w", id, err)
				}
				results[i] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("executor: %w", err)
		}
	}

	return merge(results), nil
}

// projection is what each table contributes to a container's scratch
// database: the columns to materialize, always including container_id.
type projection struct {
	tables map[string][]string // table name -> projected column names, PK/FK-inclusive
}

// buildProjection turns the discovered column set into a per-table
// column list, adding each table's primary and foreign key so joins
// across scratch tables still work even if the query only ever named
// the joined-to column (SQLite's authorizer already reports ON-clause
// columns, so this is a defensive superset, not the only source).
func buildProjection(cols introspect.ColumnSet) projection {
	tables := make(map[string][]string)
	for _, tableName := range cols.Tables() {
		t, ok := catalog.Lookup(tableName)
		if !ok {
			continue
		}
		want := make(map[string]bool)
		for _, c := range cols.Columns(tableName) {
			if c == "container_id" || t.HasColumn(c) {
				want[c] = true
			}
		}
		if t.PrimaryKey != "" {
			want[t.PrimaryKey] = true
		}
		if t.ForeignKey != "" {
			want[t.ForeignKey] = true
		}

		var ordered []string
		for _, c := range t.ColumnNames() {
			if want[c] {
				ordered = append(ordered, c)
			}
		}
		tables[tableName] = ordered
	}
	return projection{tables: tables}
}

// runContainer materializes plan's tables for one container into a
// private (non-shared) in-memory SQLite database, runs query against it,
// and scans the result. The database and its tables are gone the moment
// the connection closes, so no explicit teardown is needed between
// containers.
func runContainer(ctx context.Context, fc *cache.FileCache, id int, plan projection, query string, pred sample.Predicate) (*Result, error) {
	fc.Pin(id)
	defer fc.Unpin(id)
	container, err := fc.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	scratch, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open scratch database: %w", err)
	}
	defer scratch.Close()

	for tableName, cols := range plan.tables {
		t := catalog.MustLookup(tableName)
		if err := createScratchTable(ctx, scratch, t, cols); err != nil {
			return nil, err
		}
		rows := container.Tables[tableName]
		if err := populateScratchTable(ctx, scratch, t, tableName, cols, rows, id, pred); err != nil {
			return nil, err
		}
	}

	rows, err := scratch.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// createScratchTable declares cols plus an explicit INTEGER container_id
// -- appending it to cols and letting catalog.TableSchema's own
// unknown-column fallback apply would give it TEXT affinity, which
// silently stringifies the id on insert.
func createScratchTable(ctx context.Context, db *sql.DB, t catalog.Table, cols []string) error {
	withoutClose := strings.TrimSuffix(catalog.TableSchema(t, "", cols), ")")
	stmt := withoutClose + ", container_id INTEGER)"
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create scratch table %s: %w", t.Name, err)
	}
	return nil
}

func populateScratchTable(ctx context.Context, db *sql.DB, t catalog.Table, tableName string, cols []string, rows []decoder.Row, containerID int, pred sample.Predicate) error {
	if len(rows) == 0 {
		return nil
	}

	colIdx := make([]int, len(cols))
	for i, name := range cols {
		colIdx[i] = columnIndex(t, name)
	}

	insertCols := append(append([]string{}, cols...), "container_id")
	placeholders := strings.Repeat("?,", len(insertCols))
	placeholders = strings.TrimSuffix(placeholders, ",")
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", tableName, strings.Join(insertCols, ","), placeholders)

	stmt, err := db.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("prepare insert into %s: %w", tableName, err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if pred != nil && !pred.Match(rowFields(t, r, containerID)) {
			continue
		}
		args := make([]any, 0, len(insertCols))
		for _, idx := range colIdx {
			if idx < 0 {
				args = append(args, nil)
				continue
			}
			args = append(args, r[idx])
		}
		args = append(args, containerID)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", tableName, err)
		}
	}
	return nil
}

func columnIndex(t catalog.Table, name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func rowFields(t catalog.Table, r decoder.Row, containerID int) sample.Row {
	fields := make(map[string]string, len(t.Columns))
	for i, c := range t.Columns {
		if i < len(r) {
			fields[c.Name] = fmt.Sprint(r[i])
		}
	}
	return sample.Row{ContainerID: containerID, Fields: fields}
}

func scanAll(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	res := &Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// merge concatenates per-container results in container-iteration
// order, using the first non-empty result's column list.
func merge(results []*Result) *Result {
	out := &Result{}
	for _, r := range results {
		if r == nil {
			continue
		}
		if out.Columns == nil {
			out.Columns = r.Columns
		}
		out.Rows = append(out.Rows, r.Rows...)
	}
	return out
}
