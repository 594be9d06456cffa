// Package decoder defines the container decoder interface the engine
// consumes but does not own. A container is one compressed file in the
// source corpus; the decoder is the only component that knows its file
// layout. The engine treats container identifiers as an opaque set and
// rows as ordered tuples matching a catalog table's column order.
package decoder

import "context"

// Row is one record's values for a table, ordered per
// catalog.Table.ColumnNames. container_id is never part of the row
// itself -- it is supplied by the Container that produced it.
type Row []any

// Container is everything one source file decodes to: every catalog
// table's rows, already split out and in natural record order. Decoding
// is whole-container, not per-table, because the source format nests
// every logical table inside the same root record.
type Container struct {
	ID     int
	Tables map[string][]Row
}

// Source is the abstract container decoder the core consumes through
// get_file_id_iterator()/records(). Decode is
// the expensive operation; internal/cache is the only component allowed
// to call it directly, wrapping it with LRU eviction and single-flight.
type Source interface {
	// FileIDs returns every container identifier, in the stable order
	// the engine should iterate them.
	FileIDs(ctx context.Context) ([]int, error)

	// Decode opens and parses one container, splitting it into rows per
	// catalog table. A decode error is fatal for the run: the engine
	// does not silently skip a broken container.
	Decode(ctx context.Context, containerID int) (*Container, error)
}
