package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/crmsync/internal/crm/memory"
	"github.com/leapstack-labs/crmsync/internal/csvio"
	"github.com/leapstack-labs/crmsync/internal/extract"
	"github.com/leapstack-labs/crmsync/internal/retry"
	"github.com/leapstack-labs/crmsync/internal/state"
	"github.com/leapstack-labs/crmsync/internal/testutil"
	"github.com/leapstack-labs/crmsync/internal/transform"
	"github.com/leapstack-labs/crmsync/pkg/core"
	"github.com/leapstack-labs/crmsync/pkg/crm"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func testPlans() []core.ObjectPlan {
	return []core.ObjectPlan{
		{
			Type: core.ObjectContacts,
			Rules: []core.MappingRule{
				{Source: "email", Target: "email", Required: true, Transforms: []core.TransformRef{
					{Kind: core.TransformTrim},
					{Kind: core.TransformNormalizeEmail},
				}},
				{Source: "firstname", Target: "firstname", Transforms: []core.TransformRef{{Kind: core.TransformTitlecase}}},
				{Source: "associatedcompanyid", Target: "associatedcompanyid", Reference: core.ObjectCompanies},
			},
			Associations: []core.ObjectType{core.ObjectCompanies},
		},
		{
			Type: core.ObjectCompanies,
			Rules: []core.MappingRule{
				{Source: "name", Target: "name", Transforms: []core.TransformRef{{Kind: core.TransformStripCompanySuffix}}},
				{Source: "domain", Target: "domain"},
			},
			Associations: []core.ObjectType{core.ObjectContacts},
		},
	}
}

type fixture struct {
	source *memory.Portal
	target *memory.Portal
	store  *state.MemoryStore
	clock  *clock
	engine *Engine

	acme, john, jane string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		source: memory.NewPortal(),
		target: memory.NewPortal(),
		store:  state.NewMemoryStore(),
		clock:  &clock{now: t0},
	}
	old := t0.Add(-24 * time.Hour)
	f.acme = f.source.Seed(core.ObjectCompanies, map[string]string{"name": "Acme Inc.", "domain": "acme.com"}, old, old)
	f.john = f.source.Seed(core.ObjectContacts, map[string]string{
		"email": "john.doe@gmail.com", "firstname": "John", "associatedcompanyid": f.acme,
	}, old, old)
	f.jane = f.source.Seed(core.ObjectContacts, map[string]string{"email": "Jane@Acme.com", "firstname": "jane"}, old, old)
	f.source.Link(core.AssociationLink{FromType: core.ObjectContacts, FromID: f.john, ToType: core.ObjectCompanies, ToID: f.acme})

	f.engine = f.newEngine(t, f.source)
	return f
}

func (f *fixture) newEngine(t *testing.T, source core.Client) *Engine {
	t.Helper()
	e, err := New(Config{
		Source:      source,
		Target:      f.target,
		Store:       f.store,
		Plans:       testPlans(),
		MaxInFlight: 4,
		BatchSize:   10,
		Workers:     2,
		Retry:       retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Now:         f.clock.Now,
		Logger:      testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) targetIDs(t *testing.T, typ core.ObjectType) map[string]string {
	t.Helper()
	entries, err := f.store.ListIdentities(context.Background(), typ)
	require.NoError(t, err)
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.SourceID] = e.TargetID
	}
	return out
}

func (f *fixture) targetObject(t *testing.T, typ core.ObjectType, id string) core.RemoteObject {
	t.Helper()
	obj, err := f.target.Get(context.Background(), typ, id, core.GetRequest{})
	require.NoError(t, err)
	return *obj
}

func states(r *core.RunReport) map[core.ObjectType]core.StageState {
	out := make(map[core.ObjectType]core.StageState)
	for _, tr := range r.Types {
		out[tr.Type] = tr.State
	}
	return out
}

func TestRunFullMigration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.engine.Run(ctx, RunOptions{Types: []core.ObjectType{core.ObjectContacts, core.ObjectCompanies}})
	require.NoError(t, err)

	assert.Equal(t, core.RunStatusCompleted, report.Status)
	assert.NotEmpty(t, report.RunID)
	assert.Empty(t, report.Errors)
	assert.Equal(t, map[core.ObjectType]core.StageState{
		core.ObjectContacts:  core.StateCompleted,
		core.ObjectCompanies: core.StateCompleted,
	}, states(report))

	contacts := report.Type(core.ObjectContacts)
	assert.Equal(t, 2, contacts.Counts.Extracted)
	assert.Equal(t, 2, contacts.Counts.Transformed)
	assert.Equal(t, 2, contacts.Counts.Created)
	assert.Equal(t, 1, contacts.Counts.AssociationsCreated)
	assert.Equal(t, []core.StageState{core.StateExtracting, core.StateTransforming, core.StateLoading, core.StateCompleted},
		func() []core.StageState {
			var out []core.StageState
			for _, tr := range contacts.Transitions {
				out = append(out, tr.To)
			}
			return out
		}())

	contactIDs := f.targetIDs(t, core.ObjectContacts)
	companyIDs := f.targetIDs(t, core.ObjectCompanies)
	require.Len(t, contactIDs, 2)
	require.Len(t, companyIDs, 1)

	john := f.targetObject(t, core.ObjectContacts, contactIDs[f.john])
	assert.Equal(t, "johndoe@gmail.com", john.Properties["email"])
	assert.Equal(t, companyIDs[f.acme], john.Properties["associatedcompanyid"])
	assert.Equal(t, "jane@acme.com", f.targetObject(t, core.ObjectContacts, contactIDs[f.jane]).Properties["email"])
	assert.Equal(t, "Jane", f.targetObject(t, core.ObjectContacts, contactIDs[f.jane]).Properties["firstname"])
	assert.Equal(t, "Acme", f.targetObject(t, core.ObjectCompanies, companyIDs[f.acme]).Properties["name"])
	assert.True(t, f.target.HasAssociation(core.ObjectContacts, contactIDs[f.john], core.ObjectCompanies, companyIDs[f.acme]))

	wm, err := f.store.GetWatermark(ctx, core.ObjectContacts)
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.True(t, wm.Equal(t0))

	saved, err := f.store.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, saved.Status)
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := RunOptions{Types: []core.ObjectType{core.ObjectContacts, core.ObjectCompanies}}

	_, err := f.engine.Run(ctx, opts)
	require.NoError(t, err)
	firstContacts := f.targetIDs(t, core.ObjectContacts)
	firstCompanies := f.targetIDs(t, core.ObjectCompanies)

	f.clock.now = t0.Add(time.Hour)
	report, err := f.engine.Run(ctx, opts)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Totals().Created)
	assert.Equal(t, 3, report.Totals().Updated)
	assert.Equal(t, 2, f.target.Count(core.ObjectContacts))
	assert.Equal(t, 1, f.target.Count(core.ObjectCompanies))
	assert.Equal(t, firstContacts, f.targetIDs(t, core.ObjectContacts))
	assert.Equal(t, firstCompanies, f.targetIDs(t, core.ObjectCompanies))
	assert.Len(t, f.target.Associations(), 1)
}

func TestRunRetriesRateLimitedPage(t *testing.T) {
	f := newFixture(t)
	f.source.FailNext(memory.OpList, &crm.RateLimitError{RetryAfter: time.Millisecond, Message: "slow down"}, 1)

	report, err := f.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, core.RunStatusCompleted, report.Status)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 3, f.source.Calls(memory.OpList), "one retry plus one page per type")
	assert.Equal(t, 2, report.Type(core.ObjectContacts).Counts.Extracted)
}

func TestRunTargetUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.target.FailNext(memory.OpSearch, &crm.UnavailableError{Err: errors.New("connection refused")}, 100)

	report, err := f.engine.Run(ctx, RunOptions{Types: []core.ObjectType{core.ObjectContacts, core.ObjectCompanies}})
	require.Error(t, err)
	assert.True(t, crm.IsUnavailable(err))
	assert.Equal(t, core.KindRunFatal, Classify(err))

	assert.Equal(t, core.RunStatusFailed, report.Status)
	assert.False(t, report.Cancelled)
	assert.Equal(t, core.StateFailed, report.Type(core.ObjectContacts).State)
	assert.Equal(t, core.StateFailed, report.Type(core.ObjectCompanies).State)
	assert.Equal(t, "run aborted", report.Type(core.ObjectCompanies).Error)

	wm, err := f.store.GetWatermark(ctx, core.ObjectContacts)
	require.NoError(t, err)
	assert.Nil(t, wm, "no watermark after a failed run")

	saved, err := f.store.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, saved.Status)
	assert.NotEmpty(t, saved.Error)
}

func TestRunRecordFailureDoesNotStopRun(t *testing.T) {
	f := newFixture(t)
	old := t0.Add(-time.Hour)
	f.source.Seed(core.ObjectContacts, map[string]string{"firstname": "NoMail"}, old, old)

	report, err := f.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, core.RunStatusCompleted, report.Status)
	contacts := report.Type(core.ObjectContacts).Counts
	assert.Equal(t, 3, contacts.Extracted)
	assert.Equal(t, 2, contacts.Transformed)
	assert.Equal(t, 1, contacts.Failed)
	assert.Equal(t, 2, contacts.Loaded)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, core.StageTransform, report.Errors[0].Stage)
	assert.Equal(t, core.KindRecordFatal, report.Errors[0].Kind)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.engine.Run(ctx, RunOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, core.RunStatusFailed, report.Status)
	assert.True(t, report.Cancelled)
	assert.Equal(t, core.StateFailed, report.Type(core.ObjectContacts).State)
	assert.Zero(t, f.target.Count(core.ObjectContacts))
}

func TestRunIncremental(t *testing.T) {
	t.Run("needs a watermark", func(t *testing.T) {
		f := newFixture(t)
		report, err := f.engine.Run(context.Background(), RunOptions{Mode: core.ModeIncremental})
		require.ErrorIs(t, err, extract.ErrMissingWatermark)
		assert.Equal(t, core.KindRunFatal, Classify(err))
		assert.Equal(t, core.RunStatusFailed, report.Status)
	})

	t.Run("reads records modified since the last run", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		_, err := f.engine.Run(ctx, RunOptions{})
		require.NoError(t, err)

		changed := t0.Add(30 * time.Minute)
		f.source.Seed(core.ObjectContacts, map[string]string{"email": "new@acme.com"}, changed, changed)
		f.clock.now = t0.Add(time.Hour)

		report, err := f.engine.Run(ctx, RunOptions{Mode: core.ModeIncremental})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Type(core.ObjectContacts).Counts.Extracted)
		assert.Equal(t, 1, report.Type(core.ObjectContacts).Counts.Created)
		assert.Equal(t, 0, report.Type(core.ObjectCompanies).Counts.Extracted)

		wm, err := f.store.GetWatermark(ctx, core.ObjectContacts)
		require.NoError(t, err)
		assert.True(t, wm.Equal(t0.Add(time.Hour)))
	})
}

func TestRunVerify(t *testing.T) {
	f := newFixture(t)

	report, err := f.engine.Run(context.Background(), RunOptions{
		Types:  []core.ObjectType{core.ObjectContacts, core.ObjectCompanies},
		Verify: true,
	})
	require.NoError(t, err)
	require.NotNil(t, report.Verification)

	v := report.Verification
	assert.Equal(t, 3, v.Records)
	assert.Zero(t, v.Missing)
	assert.Zero(t, v.Unexplained)
	assert.Positive(t, v.Expected)

	var last []core.StageState
	for _, tr := range report.Type(core.ObjectCompanies).Transitions {
		last = append(last, tr.To)
	}
	assert.Equal(t, []core.StageState{core.StateExtracting, core.StateTransforming, core.StateLoading, core.StateVerifying, core.StateCompleted}, last)
}

func TestRunDryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.engine.Run(ctx, RunOptions{DryRun: true, Verify: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.Type(core.ObjectContacts).Counts.Created)
	assert.Zero(t, f.target.Count(core.ObjectContacts))
	assert.Zero(t, f.target.Count(core.ObjectCompanies))
	assert.Empty(t, f.targetIDs(t, core.ObjectContacts))
	assert.Nil(t, report.Verification)

	wm, err := f.store.GetWatermark(ctx, core.ObjectContacts)
	require.NoError(t, err)
	assert.Nil(t, wm)
}

func TestRunCSVMode(t *testing.T) {
	f := newFixture(t)
	e := f.newEngine(t, nil)
	inputs := map[core.ObjectType]string{
		core.ObjectContacts:  "hs_object_id,email,firstname,associatedcompanyid\nc-1,John.Doe@gmail.com,john,co-1\n,missing@acme.com,x,\n",
		core.ObjectCompanies: "hs_object_id,name,domain\nco-1,Globex LLC,globex.com\n",
	}

	report, err := e.Run(context.Background(), RunOptions{
		Mode: core.ModeCSV,
		OpenCSV: func(t core.ObjectType) (io.ReadCloser, error) {
			in, ok := inputs[t]
			if !ok {
				return nil, fmt.Errorf("no input for %s", t)
			}
			return io.NopCloser(strings.NewReader(in)), nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, core.RunStatusCompleted, report.Status)
	assert.Equal(t, 1, report.Type(core.ObjectContacts).Counts.Created)
	assert.Equal(t, 1, report.Type(core.ObjectContacts).Counts.Failed, "row without id")
	require.Len(t, report.Errors, 1)
	assert.Equal(t, core.StageExtract, report.Errors[0].Stage)

	contactID := f.targetIDs(t, core.ObjectContacts)["c-1"]
	companyID := f.targetIDs(t, core.ObjectCompanies)["co-1"]
	assert.Equal(t, companyID, f.targetObject(t, core.ObjectContacts, contactID).Properties["associatedcompanyid"])
	assert.Equal(t, "Globex", f.targetObject(t, core.ObjectCompanies, companyID).Properties["name"])

	wm, err := f.store.GetWatermark(context.Background(), core.ObjectContacts)
	require.NoError(t, err)
	assert.Nil(t, wm, "csv runs do not move the watermark")
}

func TestRunUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Run(context.Background(), RunOptions{Types: []core.ObjectType{core.ObjectDeals}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestTransformCSV(t *testing.T) {
	f := newFixture(t)
	in := strings.NewReader("hs_object_id,email,firstname,associatedcompanyid\n1,John.Doe@gmail.com,JOHN,\n2,,Jane,\n")
	var out bytes.Buffer

	report, err := f.engine.TransformCSV(context.Background(), core.ObjectContacts, in, &out, csvio.ReaderOptions{})
	require.NoError(t, err)

	assert.Equal(t, "hs_object_id,email,firstname,associatedcompanyid\n1,johndoe@gmail.com,John,\n", out.String())
	counts := report.Type(core.ObjectContacts).Counts
	assert.Equal(t, 2, counts.Extracted)
	assert.Equal(t, 1, counts.Transformed)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, core.ModeCSV, report.Mode)
	assert.Equal(t, core.RunStatusCompleted, report.Status)
	assert.Zero(t, f.target.Calls(memory.OpCreate))

	saved, err := f.store.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, saved.RunID)
	assert.Equal(t, []core.Transition{
		{From: core.StatePending, To: core.StateExtracting},
		{From: core.StateExtracting, To: core.StateTransforming},
		{From: core.StateTransforming, To: core.StateCompleted},
	}, stripTimes(saved.Type(core.ObjectContacts).Transitions))
}

func TestTransformCSVFailure(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		cancel bool
		want   []core.Transition
	}{
		{
			name:  "unreadable header",
			input: "",
			want: []core.Transition{
				{From: core.StatePending, To: core.StateExtracting},
				{From: core.StateExtracting, To: core.StateFailed},
			},
		},
		{
			name:   "cancelled mid-stream",
			input:  "hs_object_id,email\n1,a@acme.com\n",
			cancel: true,
			want: []core.Transition{
				{From: core.StatePending, To: core.StateExtracting},
				{From: core.StateExtracting, To: core.StateTransforming},
				{From: core.StateTransforming, To: core.StateFailed},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				cancel()
			}

			report, err := f.engine.TransformCSV(ctx, core.ObjectContacts, strings.NewReader(tt.input), io.Discard, csvio.ReaderOptions{})
			require.Error(t, err)
			require.NotNil(t, report)
			assert.Equal(t, core.RunStatusFailed, report.Status)

			saved, getErr := f.store.GetRun(context.Background(), report.RunID)
			require.NoError(t, getErr)
			tr := saved.Type(core.ObjectContacts)
			assert.Equal(t, core.StateFailed, tr.State)
			assert.Equal(t, err.Error(), tr.Error)
			assert.Equal(t, tt.want, stripTimes(tr.Transitions))
		})
	}
}

func stripTimes(in []core.Transition) []core.Transition {
	out := make([]core.Transition, len(in))
	for i, tr := range in {
		out[i] = core.Transition{From: tr.From, To: tr.To}
	}
	return out
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Run(ctx, RunOptions{})
	require.NoError(t, err)

	removed, err := f.engine.Reset(ctx, []core.ObjectType{core.ObjectCompanies}, true)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Len(t, f.targetIDs(t, core.ObjectCompanies), 1)

	removed, err = f.engine.Reset(ctx, []core.ObjectType{core.ObjectContacts}, false)
	require.NoError(t, err)
	assert.Equal(t, map[core.ObjectType]int64{core.ObjectContacts: 2}, removed)
	assert.Empty(t, f.targetIDs(t, core.ObjectContacts))
	assert.Len(t, f.targetIDs(t, core.ObjectCompanies), 1)

	wm, err := f.store.GetWatermark(ctx, core.ObjectContacts)
	require.NoError(t, err)
	assert.Nil(t, wm)
}

func TestNewErrors(t *testing.T) {
	store := state.NewMemoryStore()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "missing store",
			cfg:     Config{Plans: testPlans()},
			wantErr: "state store is required",
		},
		{
			name: "duplicate type",
			cfg: Config{Store: store, Plans: []core.ObjectPlan{
				{Type: core.ObjectContacts}, {Type: core.ObjectContacts},
			}},
			wantErr: "configured twice",
		},
		{
			name: "unknown transform",
			cfg: Config{Store: store, Plans: []core.ObjectPlan{{
				Type:  core.ObjectContacts,
				Rules: []core.MappingRule{{Source: "a", Target: "b", Transforms: []core.TransformRef{{Kind: "reverse"}}}},
			}}},
			wantErr: "unknown transform",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want core.ErrorKind
	}{
		{"nil", nil, ""},
		{"cancelled", fmt.Errorf("failed to load: %w", context.Canceled), core.KindRunFatal},
		{"store", fmt.Errorf("lookup: %w", state.ErrUnavailable), core.KindRunFatal},
		{"portal unreachable", &crm.UnavailableError{Err: errors.New("dial tcp")}, core.KindRunFatal},
		{"unreachable after retries", &retry.ExhaustedError{Op: "list", Attempts: 5, Err: &crm.UnavailableError{Err: io.EOF}}, core.KindRunFatal},
		{"missing watermark", extract.ErrMissingWatermark, core.KindRunFatal},
		{"bad config", &transform.UnknownTransformError{Kind: "reverse"}, core.KindRunFatal},
		{"malformed record", &transform.RecordError{Type: core.ObjectContacts, Property: "email"}, core.KindRecordFatal},
		{"missing source record", &extract.MissingRecordError{Type: core.ObjectContacts, ID: "9"}, core.KindRecordFatal},
		{"server error after retries", &retry.ExhaustedError{Op: "create", Attempts: 5, Err: &crm.ServerError{StatusCode: 502}}, core.KindRecordFatal},
		{"rate limit", &crm.RateLimitError{RetryAfter: time.Second}, core.KindTransient},
		{"client error", &crm.ClientError{StatusCode: 400}, core.KindRecordFatal},
		{"duplicate", &crm.DuplicateError{ExistingID: "1"}, core.KindRecordFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRunLogsOutcome(t *testing.T) {
	f := newFixture(t)
	logger, logs := testutil.NewRecordingLogger(t)
	e, err := New(Config{
		Source:      f.source,
		Target:      f.target,
		Store:       f.store,
		Plans:       testPlans(),
		MaxInFlight: 2,
		BatchSize:   10,
		Workers:     1,
		Retry:       retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Now:         f.clock.Now,
		Logger:      logger,
	})
	require.NoError(t, err)

	report, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	entry, ok := logs.Find("run completed")
	require.True(t, ok)
	assert.Equal(t, report.RunID, entry.Attrs["run_id"])
	assert.Equal(t, int64(3), entry.Attrs["created"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Run(ctx, RunOptions{})
	require.Error(t, err)

	entry, ok = logs.Find("run failed")
	require.True(t, ok)
	assert.Equal(t, true, entry.Attrs["cancelled"])
	assert.Equal(t, string(core.KindRunFatal), entry.Attrs["kind"])
}
