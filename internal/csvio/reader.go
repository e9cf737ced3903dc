// Package csvio reads and writes records as CSV with one row per record and
// a header row naming the properties.
package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/leapstack-labs/crmsync/pkg/core"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// AssociationPrefix marks columns holding associated source ids, e.g.
// "associations.companies" with ids separated by ';'.
const AssociationPrefix = "associations."

// Encoding names accepted by ReaderOptions.
const (
	EncodingUTF8   = "utf-8"
	EncodingLatin1 = "latin-1"
)

// ReaderOptions configures how rows become records.
type ReaderOptions struct {
	Type core.ObjectType
	// IDColumn holds the source id. Defaults to hs_object_id.
	IDColumn string
	// CreatedColumn and ModifiedColumn default to the type's date properties.
	CreatedColumn  string
	ModifiedColumn string
	// Encoding is utf-8 (default, BOM aware; UTF-16 with BOM is accepted) or latin-1.
	Encoding string
}

// RowError is a malformed row. Reading continues after it.
type RowError struct {
	Row     int
	Message string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Message)
}

// Warning is a non-fatal issue found while reading.
type Warning struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Reader streams records from CSV input.
type Reader struct {
	csv      *csv.Reader
	opts     ReaderOptions
	header   []string
	row      int
	warnings []Warning
}

// NewReader reads the header row and returns a record reader.
func NewReader(r io.Reader, opts ReaderOptions) (*Reader, error) {
	if opts.Type == "" {
		return nil, fmt.Errorf("csv reader needs an object type")
	}
	if opts.IDColumn == "" {
		opts.IDColumn = core.IDProperty
	}
	if opts.CreatedColumn == "" {
		opts.CreatedColumn = opts.Type.CreatedProperty()
	}
	if opts.ModifiedColumn == "" {
		opts.ModifiedColumn = opts.Type.ModifiedProperty()
	}

	decoded, err := decode(r, opts.Encoding)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(decoded)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty file: no header row found")
		}
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	if indexOf(header, opts.IDColumn) < 0 {
		return nil, fmt.Errorf("id column %q not found in header %v", opts.IDColumn, header)
	}

	return &Reader{csv: cr, opts: opts, header: header, row: 1}, nil
}

func decode(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(encoding) {
	case "", EncodingUTF8, "utf8":
		return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())), nil
	case EncodingLatin1, "latin1", "iso-8859-1":
		return transform.NewReader(r, charmap.ISO8859_1.NewDecoder()), nil
	default:
		return nil, fmt.Errorf("unsupported csv encoding %q", encoding)
	}
}

// Header returns the trimmed header row.
func (r *Reader) Header() []string {
	out := make([]string, len(r.header))
	copy(out, r.header)
	return out
}

// Warnings returns the warnings collected so far.
func (r *Reader) Warnings() []Warning {
	return r.warnings
}

// Next returns the next record. It returns io.EOF after the last row and a
// *RowError for rows that cannot become a record.
func (r *Reader) Next() (core.Record, error) {
	for {
		fields, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			return core.Record{}, io.EOF
		}
		r.row++
		if err != nil {
			return core.Record{}, &RowError{Row: r.row, Message: fmt.Sprintf("parse error: %v", err)}
		}
		if isBlank(fields) {
			continue
		}
		return r.record(fields)
	}
}

// Records iterates over the remaining rows.
func (r *Reader) Records() iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		for {
			rec, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(rec, err) {
				return
			}
		}
	}
}

func (r *Reader) record(fields []string) (core.Record, error) {
	if len(fields) != len(r.header) {
		r.warn(fmt.Sprintf("row has %d columns, expected %d", len(fields), len(r.header)))
		padded := make([]string, len(r.header))
		copy(padded, fields)
		fields = padded
	}

	rec := core.Record{Type: r.opts.Type, Properties: &core.Properties{}}
	for i, col := range r.header {
		value := strings.TrimSpace(fields[i])
		switch {
		case col == r.opts.IDColumn:
			rec.SourceID = value
			rec.Properties.Set(col, value)
		case strings.HasPrefix(col, AssociationPrefix):
			toType, err := core.ParseObjectType(strings.TrimPrefix(col, AssociationPrefix))
			if err != nil {
				r.warn(fmt.Sprintf("ignoring association column %q: %v", col, err))
				continue
			}
			for _, id := range strings.Split(value, ";") {
				if id = strings.TrimSpace(id); id != "" {
					rec.Associations = append(rec.Associations, core.AssociationRef{ToType: toType, ToSourceID: id})
				}
			}
		default:
			rec.Properties.Set(col, value)
		}
	}

	if rec.SourceID == "" {
		return core.Record{}, &RowError{Row: r.row, Message: fmt.Sprintf("missing %s", r.opts.IDColumn)}
	}
	rec.CreatedAt = r.timestamp(rec.Properties.Value(r.opts.CreatedColumn))
	rec.UpdatedAt = r.timestamp(rec.Properties.Value(r.opts.ModifiedColumn))
	return rec, nil
}

// timestamp accepts offset-carrying timestamps and epoch milliseconds.
func (r *Reader) timestamp(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	t, err := core.ParseTimestamp(v)
	if err != nil {
		r.warn(err.Error())
		return time.Time{}
	}
	return t
}

func (r *Reader) warn(msg string) {
	r.warnings = append(r.warnings, Warning{Row: r.row, Message: msg})
}

// ReadIDs returns the distinct non-empty values of column in input order.
func ReadIDs(r io.Reader, column string) ([]string, error) {
	decoded, err := decode(r, "")
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(decoded)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	idx := indexOf(header, column)
	if idx < 0 {
		return nil, fmt.Errorf("column %q not found in header %v", column, header)
	}

	seen := make(map[string]bool)
	var ids []string
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read id list: %w", err)
		}
		if idx >= len(fields) {
			continue
		}
		id := strings.TrimSpace(fields[idx])
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

func isBlank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
