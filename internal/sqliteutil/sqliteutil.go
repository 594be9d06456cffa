// Package sqliteutil centralizes the low-level SQLite wiring shared by
// the virtual-table module and the column/predicate introspector: both
// need a raw *sqlite3.Conn (for module registration,
// authorizer, and interrupt-based abort), not just a database/sql
// handle, and both need to see the same virtual-table namespace.
//
// Two separate database handles sharing an in-memory store becomes,
// here, one shared-cache in-memory SQLite database opened multiple
// times -- once per *sql.Conn -- each of which registers the same
// module implementation so its virtual tables are visible on that
// connection.
package sqliteutil

import (
	"context"
	"database/sql"
	"fmt"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SharedMemoryDSN is the connection string for the named, shared-cache,
// in-memory database that hosts the virtual tables for one engine
// session. Every *sql.Conn opened against it sees the same schema.
const SharedMemoryDSN = "file:a3k-virtual?mode=memory&cache=shared&_pragma=foreign_keys(ON)"

// OpenShared opens a *sql.DB against the session's shared in-memory
// database. Callers should keep at least one connection open for the
// lifetime of the session -- SQLite drops a shared in-memory database
// once its last connection closes.
func OpenShared() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", SharedMemoryDSN)
	if err != nil {
		return nil, fmt.Errorf("sqliteutil: open shared virtual database: %w", err)
	}
	return db, nil
}

// Raw returns the low-level *sqlite3.Conn backing conn, for the calls
// database/sql does not expose: virtual-table module registration,
// authorizer installation, and query interruption.
func Raw(ctx context.Context, conn *sql.Conn) (*sqlite3.Conn, error) {
	var raw *sqlite3.Conn
	err := conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*sqlite3.Conn)
		if !ok {
			return fmt.Errorf("sqliteutil: unexpected driver connection type %T", driverConn)
		}
		raw = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}
