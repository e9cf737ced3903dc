package csvio

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/leapstack-labs/crmsync/pkg/core"
)

// Writer writes records as CSV rows under a fixed header.
type Writer struct {
	csv         *csv.Writer
	columns     []string
	idColumn    string
	wroteHeader bool
}

// NewWriter creates a writer. The id column is written first and filled
// with the record's source id; columns lists the property columns.
func NewWriter(w io.Writer, idColumn string, columns []string) *Writer {
	if idColumn == "" {
		idColumn = core.IDProperty
	}
	cols := []string{idColumn}
	for _, c := range columns {
		if c != idColumn {
			cols = append(cols, c)
		}
	}
	return &Writer{csv: csv.NewWriter(w), columns: cols, idColumn: idColumn}
}

// Columns returns the header row.
func (w *Writer) Columns() []string {
	return w.columns
}

// Write writes one record. Association refs go into associations.<type> columns
// only when those columns were declared.
func (w *Writer) Write(rec core.Record) error {
	if !w.wroteHeader {
		if err := w.csv.Write(w.columns); err != nil {
			return fmt.Errorf("failed to write csv header: %w", err)
		}
		w.wroteHeader = true
	}

	row := make([]string, len(w.columns))
	for i, col := range w.columns {
		switch {
		case col == w.idColumn:
			row[i] = rec.SourceID
		case strings.HasPrefix(col, AssociationPrefix):
			row[i] = joinAssociations(rec.Associations, core.ObjectType(strings.TrimPrefix(col, AssociationPrefix)))
		default:
			row[i] = rec.Properties.Value(col)
		}
	}
	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("failed to write csv row for %s: %w", rec.SourceID, err)
	}
	return nil
}

// Flush writes buffered rows and reports any write error.
func (w *Writer) Flush() error {
	if !w.wroteHeader {
		if err := w.csv.Write(w.columns); err != nil {
			return fmt.Errorf("failed to write csv header: %w", err)
		}
		w.wroteHeader = true
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}

func joinAssociations(refs []core.AssociationRef, t core.ObjectType) string {
	var ids []string
	for _, ref := range refs {
		if ref.ToType == t {
			ids = append(ids, ref.ToSourceID)
		}
	}
	return strings.Join(ids, ";")
}
