// Package vtab implements the virtual-table module: every
// logical table in internal/catalog is exposed to SQLite as a virtual
// table backed by on-demand container decoding through internal/cache.
//
// One Module value is registered once per catalog table name (mirroring
// the source's single "filesource" module instantiated once per table:
// `CREATE VIRTUAL TABLE <table> USING filesource()`), each Connect call
// binding it to that table's catalog.Table descriptor.
package vtab

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	sqlite3 "github.com/ncruces/go-sqlite3"
	"github.com/ncruces/go-sqlite3/vtab"

	"github.com/panos-span/alexandria3k/internal/cache"
	"github.com/panos-span/alexandria3k/internal/catalog"
	"github.com/panos-span/alexandria3k/internal/decoder"
)

// Module is registered under the catalog table's own name, so
// `CREATE VIRTUAL TABLE work_authors USING work_authors()` is how the
// engine materializes a table; Register (below) does this for the
// whole catalog in one call.
type Module struct {
	Table catalog.Table
	Cache *cache.FileCache
}

// Register creates one virtual table per catalog table against conn,
// using the shared cache. It must be called once for every raw
// connection that will run queries over the virtual namespace (a plain
// database/sql connection cannot see them).
func Register(ctx context.Context, conn *sqlite3.Conn, fc *cache.FileCache) error {
	for _, t := range catalog.Tables {
		mod := &Module{Table: t, Cache: fc}
		if err := vtab.Register(conn, t.Name, mod); err != nil {
			return fmt.Errorf("vtab: register module %s: %w", t.Name, err)
		}
		stmt := fmt.Sprintf("CREATE VIRTUAL TABLE %s USING %s()", t.Name, t.Name)
		if err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("vtab: create virtual table %s: %w", t.Name, err)
		}
	}
	return nil
}

// Connect is invoked once per SQLite connection that opens the schema;
// it declares the table shape (catalog columns plus the hidden
// container_id partitioning column) to SQLite.
func (m *Module) Connect(c *sqlite3.Conn, _ ...string) (vtab.Table, error) {
	cols := append(append([]string{}, m.Table.ColumnNames()...), "container_id")
	if err := c.DeclareVTab(catalog.TableSchema(m.Table, "", cols)); err != nil {
		return nil, err
	}
	return &vtable{table: m.Table, cache: m.Cache}, nil
}

// vtable owns BestIndex (predicate pushdown) and creates cursors.
type vtable struct {
	table catalog.Table
	cache *cache.FileCache

	// colUsed is the column bitmask BestIndex last saw. Queries run
	// strictly sequentially within one engine session, so stashing it
	// here between BestIndex and the cursor's Filter call is safe
	// without extra locking.
	colUsed uint64
}

// containerIDColumn is the hidden column every table carries, always
// the last one declared in Connect.
func (t *vtable) containerIDColumn() int {
	return len(t.table.Columns)
}

// BestIndex accepts container_id = ? and, when present, an equality
// constraint on the table's primary or foreign key, and pushes both
// down -- the rest is left for SQLite to filter in the usual way. The
// constraints chosen are passed to Filter via idxStr (comma-joined
// "colIndex" list matching the ArgvIndex order); idxNum is not set, and
// the ColUsed mask reaches the cursor through vtable.colUsed instead.
func (t *vtable) BestIndex(info *vtab.IndexInfo) error {
	t.colUsed = info.ColUsed

	var pushed []int
	argv := 1

	for i, cons := range info.Constraints {
		if !cons.Usable || cons.Op != vtab.OpEQ {
			continue
		}
		switch {
		case cons.Column == t.containerIDColumn():
			info.ConstraintUsage[i] = vtab.ConstraintUsage{ArgvIndex: argv, Omit: true}
			pushed = append(pushed, cons.Column)
			argv++
			info.EstimatedCost = 1.0 // a single-container scan, not a full table scan
		case t.table.PrimaryKey != "" && t.colName(cons.Column) == t.table.PrimaryKey,
			t.table.ForeignKey != "" && t.colName(cons.Column) == t.table.ForeignKey:
			info.ConstraintUsage[i] = vtab.ConstraintUsage{ArgvIndex: argv, Omit: true}
			pushed = append(pushed, cons.Column)
			argv++
		}
	}

	if info.EstimatedCost == 0 {
		info.EstimatedCost = 1_000_000 // full corpus scan, discourage the planner
	}

	strs := make([]string, len(pushed))
	for i, c := range pushed {
		strs[i] = strconv.Itoa(c)
	}
	info.IdxStr = strings.Join(strs, ",")
	return nil
}

func (t *vtable) colName(i int) string {
	if i < 0 {
		return "rowid"
	}
	if i == t.containerIDColumn() {
		return "container_id"
	}
	return t.table.Columns[i].Name
}

func (t *vtable) Disconnect() error { return nil }
func (t *vtable) Destroy() error    { return nil }

func (t *vtable) Open() (vtab.Cursor, error) {
	return &cursor{table: t}, nil
}

// cursor implements (container, natural record order) scans with a
// deterministic synthesized rowid and column-materialize-on-demand: a
// column is read from the decoded container only if requested, per
// BestIndex.ColUsed -- everything else returns NULL without being
// looked at.
type cursor struct {
	table *vtable

	containerIDs []int
	ciPos        int

	rows    []decoder.Row
	rowPos  int
	colUsed uint64

	containerID int
	rowID       int64

	keyCol string // pushed-down key equality, applied to every container of the scan
	keyEq  *string
}

func (c *cursor) Filter(ctx context.Context, idxNum int, idxStr string, args ...sqlite3.Value) error {
	c.colUsed = c.table.colUsed
	_ = idxNum // unused: column-used tracking travels via vtable.colUsed, not idxNum

	pushedCols := splitIdxStr(idxStr)

	var wantContainer *int
	var wantKeyEq *string
	keyCol := ""

	for i, col := range pushedCols {
		if i >= len(args) {
			break
		}
		if col == c.table.containerIDColumn() {
			v := int(args[i].Int())
			wantContainer = &v
		} else {
			v := args[i].Text()
			wantKeyEq = &v
			keyCol = c.table.colName(col)
		}
	}

	fc := c.table.cache

	var ids []int
	if wantContainer != nil {
		ids = []int{*wantContainer}
	} else {
		all, err := fc.Source().FileIDs(ctx)
		if err != nil {
			return err
		}
		ids = all
	}
	c.containerIDs = ids
	c.ciPos = -1
	c.rowID = 0
	c.keyCol, c.keyEq = keyCol, wantKeyEq

	return c.advanceContainer(ctx, c.keyCol, c.keyEq)
}

func splitIdxStr(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}

// advanceContainer loads the next non-empty container's rows (applying
// the pushed-down key equality filter, if any) until one yields rows or
// containers are exhausted.
func (c *cursor) advanceContainer(ctx context.Context, keyCol string, keyEq *string) error {
	for {
		c.ciPos++
		if c.ciPos >= len(c.containerIDs) {
			c.rows = nil
			c.rowPos = 0
			return nil
		}
		id := c.containerIDs[c.ciPos]
		c.containerID = id

		c.table.cache.Pin(id)
		container, err := c.table.cache.Get(ctx, id)
		c.table.cache.Unpin(id)
		if err != nil {
			return err
		}

		rows := container.Tables[c.table.table.Name]
		if keyCol != "" && keyEq != nil {
			rows = filterByKey(c.table.table, rows, keyCol, *keyEq)
		}
		if len(rows) == 0 {
			continue
		}
		c.rows = rows
		c.rowPos = 0
		return nil
	}
}

func filterByKey(t catalog.Table, rows []decoder.Row, keyCol, want string) []decoder.Row {
	idx := -1
	for i, col := range t.Columns {
		if col.Name == keyCol {
			idx = i
			break
		}
	}
	if idx < 0 {
		return rows
	}
	var out []decoder.Row
	for _, r := range rows {
		if fmt.Sprint(r[idx]) == want {
			out = append(out, r)
		}
	}
	return out
}

func (c *cursor) Next(ctx context.Context) error {
	c.rowID++
	c.rowPos++
	if c.rowPos >= len(c.rows) {
		return c.advanceContainer(ctx, c.keyCol, c.keyEq)
	}
	return nil
}

func (c *cursor) EOF() bool {
	return c.rowPos >= len(c.rows)
}

func (c *cursor) Column(ctx *sqlite3.Context, col int) error {
	if col == c.table.containerIDColumn() {
		ctx.ResultInt(c.containerID)
		return nil
	}
	// Column materialization: only compute a cell if the executor
	// actually asked for it (ColUsed bit set); otherwise hand back NULL
	// without touching the decoded value. Columns at index 63+ share
	// the mask's top bit (SQLite's own colUsed convention), so they are
	// always treated as used rather than risk dropping one.
	if c.colUsed != 0 && col < 63 && c.colUsed&(1<<uint(col)) == 0 {
		ctx.ResultNull()
		return nil
	}
	v := c.rows[c.rowPos][col]
	switch val := v.(type) {
	case string:
		ctx.ResultText(val)
	case int:
		ctx.ResultInt(val)
	case int64:
		ctx.ResultInt64(val)
	case nil:
		ctx.ResultNull()
	default:
		ctx.ResultText(fmt.Sprint(val))
	}
	return nil
}

func (c *cursor) RowID() (int64, error) {
	return c.rowID, nil
}

func (c *cursor) Close() error { return nil }
