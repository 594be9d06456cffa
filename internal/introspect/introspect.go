// Package introspect implements a column/predicate introspector:
// given a user query, report which (table, column) pairs
// it would read, without ever producing a row or mutating data.
//
// SQLite's authorizer callback fires during statement *preparation*,
// once per column reference the compiler resolves -- including the
// columns a `SELECT *` expands to, identifiers qualified only by an
// alias (SQLite always hands the authorizer the real table name,
// already alias-resolved), and references inside sub-selects and WHERE
// clauses. So the column set is complete the moment Prepare returns;
// nothing needs to actually run. To guarantee the query never produces
// a row anyway, Step is called with an already-cancelled context, which
// SQLite reports as an interrupt before evaluating a single row. That
// interrupt is expected here and swallowed rather than surfaced to the
// caller.
package introspect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/ncruces/go-sqlite3"

	"github.com/panos-span/alexandria3k/internal/sqliteutil"
)

// ErrAborted names the expected "aborted-by-trace" outcome. Nothing in
// this package returns it: Discover recognises the interrupt by its
// SQLite error code or context error (see isAbort) and swallows it.
var ErrAborted = errors.New("introspect: query aborted by trace (expected)")

// ColumnSet is table name -> set of column names the query reads.
type ColumnSet map[string]map[string]bool

// Add records that table.column was read.
func (cs ColumnSet) Add(table, column string) {
	if cs[table] == nil {
		cs[table] = make(map[string]bool)
	}
	cs[table][column] = true
}

// Columns returns table's recorded columns as a sorted-free slice
// (callers that need determinism sort it themselves).
func (cs ColumnSet) Columns(table string) []string {
	m := cs[table]
	out := make([]string, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	return out
}

// Tables returns every table name with at least one recorded column.
func (cs ColumnSet) Tables() []string {
	out := make([]string, 0, len(cs))
	for t := range cs {
		out = append(out, t)
	}
	return out
}

// Merge adds every entry of other into cs.
func (cs ColumnSet) Merge(other ColumnSet) {
	for t, cols := range other {
		for c := range cols {
			cs.Add(t, c)
		}
	}
}

// Discover runs query on a dedicated analysis connection over db (which
// must already have the virtual-table schema visible, i.e. be another
// *sql.Conn against sqliteutil.SharedMemoryDSN) and returns the columns
// it would read. The query's own side effects on data are always zero.
func Discover(ctx context.Context, db *sql.DB, query string) (ColumnSet, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("introspect: open analysis connection: %w", err)
	}
	defer conn.Close()

	raw, err := sqliteutil.Raw(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("introspect: unwrap analysis connection: %w", err)
	}

	cols := make(ColumnSet)
	raw.SetAuthorizer(func(action sqlite3.AuthorizerAction) sqlite3.AuthorizerReturn {
		if action.Code == sqlite3.AuthRead && action.Column != "" {
			cols.Add(action.Table, action.Column)
		}
		return sqlite3.AuthOK
	})
	defer raw.SetAuthorizer(nil)

	stmt, _, err := raw.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("introspect: prepare: %w", err)
	}
	defer stmt.Close()

	aborted, cancel := context.WithCancel(ctx)
	cancel()
	raw.SetInterrupt(aborted)
	defer raw.SetInterrupt(ctx)

	_, stepErr := stmt.Step()
	if stepErr != nil && !isAbort(stepErr) {
		return nil, fmt.Errorf("introspect: query: %w", stepErr)
	}

	return cols, nil
}

// isAbort reports whether err is the expected interrupt-before-any-row
// signal rather than a genuine SQL error.
func isAbort(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlite3.INTERRUPT
	}
	return false
}
