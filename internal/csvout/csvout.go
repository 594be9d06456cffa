// Package csvout is a thin wrapper over encoding/csv for the --output /
// --field-separator CLI flags: it renders an
// executor.Result (or any column/row pair) as delimited text.
package csvout

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
)

// Write renders columns as a header row followed by rows, using sep as
// the field delimiter (--field-separator, default ",").
// Non-string cells are rendered with fmt.Sprint; nil cells render as
// the empty field, matching the source's CSV writer treating None as
// blank rather than the literal string "<nil>".
func Write(w io.Writer, columns []string, rows [][]any, sep rune) error {
	bw := bufio.NewWriter(w)
	cw := csv.NewWriter(bw)
	if sep != 0 {
		cw.Comma = sep
	}

	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("csvout: write header: %w", err)
	}

	record := make([]string, len(columns))
	for _, row := range rows {
		for i, cell := range row {
			record[i] = format(cell)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("csvout: write row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("csvout: flush: %w", err)
	}
	return bw.Flush()
}

func format(cell any) string {
	if cell == nil {
		return ""
	}
	if s, ok := cell.(string); ok {
		return s
	}
	return fmt.Sprint(cell)
}
