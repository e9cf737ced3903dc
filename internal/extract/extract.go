// Package extract reads source records page by page. Pagination is driven
// by opaque continuation cursors so a sequence can be resumed, and every page
// fetch goes through the shared retry policy.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/leapstack-labs/crmsync/internal/csvio"
	"github.com/leapstack-labs/crmsync/internal/retry"
	"github.com/leapstack-labs/crmsync/pkg/core"
	"github.com/leapstack-labs/crmsync/pkg/crm"
)

// Defaults.
const (
	DefaultPageSize     = 100
	DefaultSearchWindow = 10000
)

// ErrMissingWatermark is returned when incremental mode has no watermark.
var ErrMissingWatermark = errors.New("incremental extraction needs a watermark from a previous completed run")

// Config holds extractor dependencies.
type Config struct {
	Client core.Client
	Retry  retry.Policy
	// PageSize is the number of records requested per page.
	PageSize int
	// SearchWindow is the deepest offset search paging may reach before the
	// sequence restarts with an id threshold.
	SearchWindow int
	Logger       *slog.Logger
}

// Request selects what a sequence reads.
type Request struct {
	Mode   core.Mode
	Filter core.FilterSpec
	// Watermark is required in incremental mode.
	Watermark    *time.Time
	Properties   []string
	Associations []core.ObjectType
	// CSV is the input in csv mode.
	CSV        io.Reader
	CSVOptions csvio.ReaderOptions
}

// MissingRecordError reports an explicitly requested id that the source
// does not have.
type MissingRecordError struct {
	Type core.ObjectType
	ID   string
}

func (e *MissingRecordError) Error() string {
	return fmt.Sprintf("%s %s not found in source", e.Type, e.ID)
}

// Extractor opens record sequences against one source.
type Extractor struct {
	client       core.Client
	retry        retry.Policy
	pageSize     int
	searchWindow int
	logger       *slog.Logger
}

// New creates an extractor.
func New(cfg Config) *Extractor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	window := cfg.SearchWindow
	if window <= 0 {
		window = DefaultSearchWindow
	}
	return &Extractor{
		client:       cfg.Client,
		retry:        cfg.Retry,
		pageSize:     pageSize,
		searchWindow: window,
		logger:       logger,
	}
}

// Open validates req and returns a sequence positioned at the start.
func (e *Extractor) Open(req Request) (*Sequence, error) {
	if err := req.Filter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}

	filter := req.Filter
	kind := kindList
	switch req.Mode {
	case core.ModeFull, "":
	case core.ModeIncremental:
		if req.Watermark == nil {
			return nil, ErrMissingWatermark
		}
		if filter.ModifiedAfter == nil || req.Watermark.After(*filter.ModifiedAfter) {
			wm := *req.Watermark
			filter.ModifiedAfter = &wm
		}
	case core.ModeCSV:
		if req.CSV == nil {
			return nil, fmt.Errorf("csv mode needs an input file")
		}
		opts := req.CSVOptions
		opts.Type = filter.Type
		reader, err := csvio.NewReader(req.CSV, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open csv input: %w", err)
		}
		return &Sequence{ext: e, kind: kindCSV, filter: filter, csv: reader, logger: e.logger}, nil
	default:
		return nil, fmt.Errorf("unknown extraction mode %q", req.Mode)
	}

	if e.client == nil {
		return nil, fmt.Errorf("no source client configured")
	}
	switch {
	case len(filter.IDs) > 0:
		kind = kindIDs
	case filter.HasPredicates():
		kind = kindSearch
	}

	return &Sequence{
		ext:          e,
		kind:         kind,
		filter:       filter,
		properties:   req.Properties,
		associations: req.Associations,
		logger:       e.logger.With(slog.String("object_type", string(filter.Type)), slog.String("source", string(kind))),
	}, nil
}

type sourceKind string

const (
	kindList   sourceKind = "list"
	kindSearch sourceKind = "search"
	kindIDs    sourceKind = "ids"
	kindCSV    sourceKind = "csv"
)

// Cursor is the resumable position of a sequence.
type Cursor struct {
	// After is the portal's continuation token for the next page.
	After string `json:"after,omitempty"`
	// Threshold restarts search paging above this id once the search
	// window is exhausted.
	Threshold string `json:"threshold,omitempty"`
	// Window counts results read since the last restart.
	Window int `json:"window,omitempty"`
	// Offset indexes into an explicit id list.
	Offset int  `json:"offset,omitempty"`
	Done   bool `json:"done,omitempty"`
}

// Batch is one page of extracted records. Rejected holds per-record
// failures that do not stop the sequence.
type Batch struct {
	Records  []core.Record
	Rejected []error
}

// Sequence is a lazy, resumable stream of source records.
type Sequence struct {
	ext          *Extractor
	kind         sourceKind
	filter       core.FilterSpec
	properties   []string
	associations []core.ObjectType
	csv          *csvio.Reader
	cursor       Cursor
	pages        int
	logger       *slog.Logger
}

// Cursor returns the position after the last page returned.
func (s *Sequence) Cursor() Cursor {
	return s.cursor
}

// Resume repositions the sequence. CSV sequences cannot be repositioned.
func (s *Sequence) Resume(c Cursor) error {
	if s.kind == kindCSV {
		return fmt.Errorf("csv sequences cannot be resumed")
	}
	s.cursor = c
	return nil
}

// Next fetches the next page. It returns io.EOF when the sequence is
// exhausted. Any other error is fatal to the sequence.
func (s *Sequence) Next(ctx context.Context) (*Batch, error) {
	if s.cursor.Done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		batch *Batch
		err   error
	)
	switch s.kind {
	case kindCSV:
		batch, err = s.nextCSV()
	case kindIDs:
		batch, err = s.nextIDs(ctx)
	case kindSearch:
		batch, err = s.nextSearch(ctx)
	default:
		batch, err = s.nextList(ctx)
	}
	if err != nil {
		return nil, err
	}
	s.pages++
	s.logger.Debug("extracted page",
		slog.Int("page", s.pages),
		slog.Int("records", len(batch.Records)),
		slog.Int("rejected", len(batch.Rejected)))
	return batch, nil
}

// All iterates over every record. Rejected records are yielded with their
// error and iteration continues; a fatal error is yielded last.
func (s *Sequence) All(ctx context.Context) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		for {
			batch, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(core.Record{}, err)
				return
			}
			for _, rej := range batch.Rejected {
				if !yield(core.Record{}, rej) {
					return
				}
			}
			for _, rec := range batch.Records {
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

func (s *Sequence) fetch(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := s.ext.retry.Do(ctx, op, fn); err != nil {
		return fmt.Errorf("failed to fetch %s page: %w", s.filter.Type, err)
	}
	return nil
}

func (s *Sequence) nextList(ctx context.Context) (*Batch, error) {
	var page *core.Page
	err := s.fetch(ctx, "list "+string(s.filter.Type), func(ctx context.Context) error {
		var err error
		page, err = s.ext.client.List(ctx, s.filter.Type, core.ListRequest{
			Limit:        s.ext.pageSize,
			After:        s.cursor.After,
			Properties:   s.properties,
			Associations: s.associations,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.cursor.After = page.After
	s.cursor.Done = page.After == ""
	return &Batch{Records: s.toRecords(page.Results)}, nil
}

func (s *Sequence) nextSearch(ctx context.Context) (*Batch, error) {
	filters := s.filter.SearchFilters()
	if s.cursor.Threshold != "" {
		filters = append(filters, core.Filter{Property: core.IDProperty, Operator: core.OpGT, Value: s.cursor.Threshold})
	}

	var page *core.Page
	err := s.fetch(ctx, "search "+string(s.filter.Type), func(ctx context.Context) error {
		var err error
		page, err = s.ext.client.Search(ctx, s.filter.Type, core.SearchRequest{
			Filters:    filters,
			SortBy:     core.IDProperty,
			Properties: s.properties,
			Limit:      s.ext.pageSize,
			After:      s.cursor.After,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	records := s.toRecords(page.Results)
	if len(s.associations) > 0 {
		if err := s.fillAssociations(ctx, records); err != nil {
			return nil, err
		}
	}

	s.cursor.Window += len(page.Results)
	switch {
	case len(page.Results) == 0:
		s.cursor.Done = true
	case page.After == "" && s.cursor.Window < s.ext.searchWindow:
		s.cursor.Done = true
	case page.After == "" || s.cursor.Window+s.ext.pageSize > s.ext.searchWindow:
		// The next page would cross the search window; restart above the last id.
		last := page.Results[len(page.Results)-1].ID
		s.logger.Info("search window exhausted, restarting above last id",
			slog.String("threshold", last), slog.Int("window", s.cursor.Window))
		s.cursor = Cursor{Threshold: last}
	default:
		s.cursor.After = page.After
	}
	return &Batch{Records: records}, nil
}

// fillAssociations reads associations the search API does not return.
func (s *Sequence) fillAssociations(ctx context.Context, records []core.Record) error {
	for i := range records {
		var obj *core.RemoteObject
		err := s.fetch(ctx, "get "+string(s.filter.Type), func(ctx context.Context) error {
			var err error
			obj, err = s.ext.client.Get(ctx, s.filter.Type, records[i].SourceID, core.GetRequest{
				Properties:   []string{core.IDProperty},
				Associations: s.associations,
			})
			return err
		})
		if err != nil {
			return err
		}
		records[i].Associations = associationRefs(obj.Associations)
	}
	return nil
}

func (s *Sequence) nextIDs(ctx context.Context) (*Batch, error) {
	ids := s.filter.IDs
	end := min(s.cursor.Offset+s.ext.pageSize, len(ids))
	batch := &Batch{}
	props := s.properties
	if len(props) > 0 {
		for _, f := range s.filter.Properties {
			if !contains(props, f.Property) {
				props = append(props[:len(props):len(props)], f.Property)
			}
		}
	}

	for _, id := range ids[s.cursor.Offset:end] {
		var obj *core.RemoteObject
		err := s.fetch(ctx, "get "+string(s.filter.Type), func(ctx context.Context) error {
			var err error
			obj, err = s.ext.client.Get(ctx, s.filter.Type, id, core.GetRequest{
				Properties:   props,
				Associations: s.associations,
			})
			return err
		})
		if crm.IsNotFound(err) {
			batch.Rejected = append(batch.Rejected, &MissingRecordError{Type: s.filter.Type, ID: id})
			continue
		}
		if err != nil {
			return nil, err
		}
		// Get bypasses the portal's filtering, including the watermark.
		rec := s.toRecord(*obj)
		if !s.matchesLocally(rec) {
			s.logger.Debug("record outside filter", slog.String("source_id", id))
			continue
		}
		batch.Records = append(batch.Records, rec)
	}

	s.cursor.Offset = end
	s.cursor.Done = end >= len(ids)
	return batch, nil
}

func (s *Sequence) nextCSV() (*Batch, error) {
	batch := &Batch{}
	for len(batch.Records) < s.ext.pageSize {
		rec, err := s.csv.Next()
		if errors.Is(err, io.EOF) {
			s.cursor.Done = true
			break
		}
		var rowErr *csvio.RowError
		if errors.As(err, &rowErr) {
			batch.Rejected = append(batch.Rejected, rowErr)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		if s.matchesLocally(rec) {
			batch.Records = append(batch.Records, rec)
		}
	}
	return batch, nil
}

// matchesLocally applies the filter spec to records that bypassed the portal.
func (s *Sequence) matchesLocally(rec core.Record) bool {
	f := s.filter
	if len(f.IDs) > 0 && !contains(f.IDs, rec.SourceID) {
		return false
	}
	if f.CreatedAfter != nil && rec.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.ModifiedAfter != nil && rec.UpdatedAt.Before(*f.ModifiedAfter) {
		return false
	}
	for _, p := range f.Properties {
		v, ok := rec.Properties.Get(p.Property)
		if !p.Matches(v, ok && v != "") {
			return false
		}
	}
	return true
}

func (s *Sequence) toRecords(objs []core.RemoteObject) []core.Record {
	out := make([]core.Record, 0, len(objs))
	for _, obj := range objs {
		out = append(out, s.toRecord(obj))
	}
	return out
}

func (s *Sequence) toRecord(obj core.RemoteObject) core.Record {
	return core.Record{
		Type:         s.filter.Type,
		SourceID:     obj.ID,
		Properties:   core.PropertiesFromMap(obj.Properties, s.properties),
		CreatedAt:    obj.CreatedAt,
		UpdatedAt:    obj.UpdatedAt,
		Associations: associationRefs(obj.Associations),
	}
}

// associationRefs flattens portal associations in a stable type order.
func associationRefs(m map[core.ObjectType][]string) []core.AssociationRef {
	var refs []core.AssociationRef
	for _, t := range core.AllObjectTypes() {
		for _, id := range m[t] {
			refs = append(refs, core.AssociationRef{ToType: t, ToSourceID: id})
		}
	}
	return refs
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
