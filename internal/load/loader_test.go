package load

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/crmsync/internal/crm/memory"
	"github.com/leapstack-labs/crmsync/internal/dedupe"
	"github.com/leapstack-labs/crmsync/internal/retry"
	"github.com/leapstack-labs/crmsync/internal/state"
	"github.com/leapstack-labs/crmsync/internal/testutil"
	"github.com/leapstack-labs/crmsync/pkg/core"
	"github.com/leapstack-labs/crmsync/pkg/crm"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	portal *memory.Portal
	store  *state.MemoryStore
	report *core.RunReport
	loader *Loader
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func newFixture(t *testing.T, portal *memory.Portal, store *state.MemoryStore, mutate func(cfg *Config)) *fixture {
	t.Helper()
	if portal == nil {
		portal = memory.NewPortal()
	}
	if store == nil {
		store = state.NewMemoryStore()
	}
	report := core.NewRunReport("run-1", core.ModeFull, []core.ObjectType{core.ObjectCompanies, core.ObjectContacts}, epoch)
	logger := testutil.NewTestLogger(t)
	cfg := Config{
		Client: portal,
		Store:  store,
		Resolver: dedupe.New(dedupe.Config{
			Client: portal,
			Retry:  fastRetry(),
			Logger: logger,
		}),
		Retry:  fastRetry(),
		Report: report,
		RunID:  "run-1",
		References: map[core.ObjectType]map[string]core.ObjectType{
			core.ObjectContacts: {"associatedcompanyid": core.ObjectCompanies},
		},
		Now:    func() time.Time { return epoch },
		Logger: logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{portal: portal, store: store, report: report, loader: New(cfg)}
}

func contact(id string, pairs ...string) core.Record {
	return core.Record{Type: core.ObjectContacts, SourceID: id, Properties: core.NewProperties(pairs...)}
}

func company(id string, pairs ...string) core.Record {
	return core.Record{Type: core.ObjectCompanies, SourceID: id, Properties: core.NewProperties(pairs...)}
}

func counts(f *fixture, t core.ObjectType) core.Counts {
	return f.report.Type(t).Counts
}

func object(t *testing.T, p *memory.Portal, typ core.ObjectType, id string) core.RemoteObject {
	t.Helper()
	for _, o := range p.Objects(typ) {
		if o.ID == id {
			return o
		}
	}
	t.Fatalf("%s %s not found", typ, id)
	return core.RemoteObject{}
}

func targetIDs(t *testing.T, s *state.MemoryStore, typ core.ObjectType) map[string]string {
	t.Helper()
	entries, err := s.ListIdentities(context.Background(), typ)
	require.NoError(t, err)
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.SourceID] = e.TargetID
	}
	return out
}

func TestLoadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	portal := memory.NewPortal()
	store := state.NewMemoryStore()

	records := []core.Record{
		contact("s1", "email", "johndoe@gmail.com", "firstname", "John"),
		contact("s2", "email", "jane@acme.com", "firstname", "Jane"),
		contact("s3", "email", "max@acme.com"),
	}

	first := newFixture(t, portal, store, nil)
	require.NoError(t, first.loader.Load(ctx, core.ObjectContacts, records))
	c := counts(first, core.ObjectContacts)
	assert.Equal(t, 3, c.Created)
	assert.Equal(t, 3, c.Loaded)
	assert.Equal(t, 3, portal.Count(core.ObjectContacts))
	before := targetIDs(t, store, core.ObjectContacts)
	require.Len(t, before, 3)

	records[0].Properties.Set("firstname", "Johnny")
	second := newFixture(t, portal, store, nil)
	require.NoError(t, second.loader.Load(ctx, core.ObjectContacts, records))
	c = counts(second, core.ObjectContacts)
	assert.Equal(t, 0, c.Created)
	assert.Equal(t, 3, c.Updated)
	assert.Equal(t, 3, portal.Count(core.ObjectContacts), "second run must not create")
	assert.Equal(t, before, targetIDs(t, store, core.ObjectContacts))
	assert.Equal(t, "Johnny", object(t, portal, core.ObjectContacts, before["s1"]).Properties["firstname"])
}

func TestLoadMergesDuplicate(t *testing.T) {
	ctx := context.Background()
	portal := memory.NewPortal()
	store := state.NewMemoryStore()
	existing := portal.Seed(core.ObjectContacts, map[string]string{"email": "jane@acme.com", "firstname": "", "lastname": "Existing"}, epoch, epoch)

	f := newFixture(t, portal, store, nil)
	rec := contact("s1", "email", "jane@acme.com", "firstname", "Jane", "lastname", "Source")
	require.NoError(t, f.loader.Load(ctx, core.ObjectContacts, []core.Record{rec}))

	c := counts(f, core.ObjectContacts)
	assert.Equal(t, 1, c.DuplicatesMerged)
	assert.Equal(t, 0, c.Created)
	assert.Equal(t, 1, portal.Count(core.ObjectContacts))
	obj := object(t, portal, core.ObjectContacts, existing)
	assert.Equal(t, "Jane", obj.Properties["firstname"], "blank field filled")
	assert.Equal(t, "Existing", obj.Properties["lastname"], "populated field kept")

	entry, err := store.LookupIdentity(ctx, core.ObjectContacts, "s1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, existing, entry.TargetID)
	assert.Equal(t, core.OriginMerged, entry.Origin)

	// A later load of a merged record keeps honoring the merge policy.
	rec.Properties.Set("lastname", "Changed")
	again := newFixture(t, portal, store, nil)
	require.NoError(t, again.loader.Load(ctx, core.ObjectContacts, []core.Record{rec}))
	assert.Equal(t, 1, counts(again, core.ObjectContacts).Updated)
	assert.Equal(t, "Existing", object(t, portal, core.ObjectContacts, existing).Properties["lastname"])
}

func TestLoadMergesNormalizedDuplicate(t *testing.T) {
	tests := []struct {
		name   string
		typ    core.ObjectType
		seed   map[string]string
		record core.Record
	}{
		{
			name:   "company with legal suffix",
			typ:    core.ObjectCompanies,
			seed:   map[string]string{"name": "Acme Inc.", "domain": "acme.com"},
			record: company("c1", "name", "Acme", "domain", "acme.com"),
		},
		{
			name:   "dotted gmail address",
			typ:    core.ObjectContacts,
			seed:   map[string]string{"email": "john.doe@gmail.com"},
			record: contact("s1", "email", "johndoe@gmail.com", "firstname", "John"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			portal := memory.NewPortal()
			existing := portal.Seed(tt.typ, tt.seed, epoch, epoch)

			f := newFixture(t, portal, nil, nil)
			require.NoError(t, f.loader.Load(ctx, tt.typ, []core.Record{tt.record}))

			c := counts(f, tt.typ)
			assert.Equal(t, 1, c.DuplicatesMerged)
			assert.Zero(t, c.Created)
			assert.Equal(t, 1, portal.Count(tt.typ), "no duplicate created")

			entry, err := f.store.LookupIdentity(ctx, tt.typ, tt.record.SourceID)
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, existing, entry.TargetID)
			assert.Equal(t, core.OriginMerged, entry.Origin)
		})
	}
}

func TestLoadOverwritePolicy(t *testing.T) {
	portal := memory.NewPortal()
	existing := portal.Seed(core.ObjectContacts, map[string]string{"email": "jane@acme.com", "lastname": "Existing"}, epoch, epoch)

	f := newFixture(t, portal, nil, func(cfg *Config) { cfg.MergePolicy = core.MergeOverwrite })
	require.NoError(t, f.loader.Load(context.Background(), core.ObjectContacts, []core.Record{
		contact("s1", "email", "jane@acme.com", "lastname", "Source"),
	}))
	assert.Equal(t, "Source", object(t, portal, core.ObjectContacts, existing).Properties["lastname"])
}

func TestLoadSkipsAmbiguousDuplicate(t *testing.T) {
	portal := memory.NewPortal()
	portal.Seed(core.ObjectCompanies, map[string]string{"name": "Acme", "domain": "acme.com"}, epoch, epoch)
	portal.Seed(core.ObjectCompanies, map[string]string{"name": "acme", "domain": "ACME.com"}, epoch, epoch)

	f := newFixture(t, portal, nil, nil)
	require.NoError(t, f.loader.Load(context.Background(), core.ObjectCompanies, []core.Record{
		company("c1", "name", "Acme", "domain", "acme.com"),
	}))

	c := counts(f, core.ObjectCompanies)
	assert.Equal(t, 1, c.Skipped)
	assert.Equal(t, 0, c.Loaded)
	assert.Equal(t, 2, portal.Count(core.ObjectCompanies))
	require.Len(t, f.report.Errors, 1)
	assert.Equal(t, core.StageDedupe, f.report.Errors[0].Stage)
	assert.Equal(t, core.KindRecordFatal, f.report.Errors[0].Kind)
	assert.Contains(t, f.report.Errors[0].Message, "ambiguous duplicate")
	assert.Equal(t, []core.BatchOutcome{{Index: 1, Size: 1}}, f.report.Type(core.ObjectCompanies).Batches)
}

func TestLoadContainsRecordFailure(t *testing.T) {
	portal := memory.NewPortal()
	portal.OnCall(func(c memory.Call) error {
		if c.Op == memory.OpCreate && c.Properties["email"] == "bad@acme.com" {
			return &crm.ClientError{StatusCode: 400, Message: "Property values were not valid"}
		}
		return nil
	})
	f := newFixture(t, portal, nil, nil)

	var records []core.Record
	for i := range 5 {
		email := fmt.Sprintf("user%d@acme.com", i)
		if i == 2 {
			email = "bad@acme.com"
		}
		records = append(records, contact(fmt.Sprintf("s%d", i), "email", email))
	}
	require.NoError(t, f.loader.Load(context.Background(), core.ObjectContacts, records))

	assert.Equal(t, []core.BatchOutcome{{Index: 1, Size: 5, Loaded: 4, Failed: 1}}, f.report.Type(core.ObjectContacts).Batches)
	c := counts(f, core.ObjectContacts)
	assert.Equal(t, 4, c.Created)
	assert.Equal(t, 1, c.Failed)
	require.Len(t, f.report.Errors, 1)
	e := f.report.Errors[0]
	assert.Equal(t, "s2", e.SourceID)
	assert.Equal(t, core.StageLoad, e.Stage)
	assert.Equal(t, core.KindRecordFatal, e.Kind)
	assert.Equal(t, 1, e.Batch)
	assert.Len(t, targetIDs(t, f.store, core.ObjectContacts), 4)
}

func TestLoadBatchesIndependently(t *testing.T) {
	portal := memory.NewPortal()
	portal.OnCall(func(c memory.Call) error {
		if c.Op == memory.OpCreate && c.Properties["email"] == "bad@acme.com" {
			return &crm.ClientError{StatusCode: 400, Message: "invalid"}
		}
		return nil
	})
	f := newFixture(t, portal, nil, func(cfg *Config) { cfg.BatchSize = 2 })

	records := []core.Record{
		contact("s1", "email", "a@acme.com"),
		contact("s2", "email", "bad@acme.com"),
		contact("s3", "email", "c@acme.com"),
		contact("s4", "email", "d@acme.com"),
		contact("s5", "email", "e@acme.com"),
	}
	require.NoError(t, f.loader.Load(context.Background(), core.ObjectContacts, records))
	assert.Equal(t, []core.BatchOutcome{
		{Index: 1, Size: 2, Loaded: 1, Failed: 1},
		{Index: 2, Size: 2, Loaded: 2},
		{Index: 3, Size: 1, Loaded: 1},
	}, f.report.Type(core.ObjectContacts).Batches)
}

// slowCreates delays creates of the given emails to reorder batch completion.
type slowCreates struct {
	*memory.Portal
	delay map[string]time.Duration
}

func (c slowCreates) Create(ctx context.Context, t core.ObjectType, properties map[string]string) (*core.RemoteObject, error) {
	if d := c.delay[properties["email"]]; d > 0 {
		time.Sleep(d)
	}
	return c.Portal.Create(ctx, t, properties)
}

func TestLoadOrdersErrorsByBatch(t *testing.T) {
	portal := memory.NewPortal()
	portal.OnCall(func(c memory.Call) error {
		if c.Op == memory.OpCreate && strings.HasPrefix(c.Properties["email"], "bad") {
			return &crm.ClientError{StatusCode: 400, Message: "invalid"}
		}
		return nil
	})
	client := slowCreates{Portal: portal, delay: map[string]time.Duration{"bad1@acme.com": 50 * time.Millisecond}}
	f := newFixture(t, portal, nil, func(cfg *Config) {
		cfg.Client = client
		cfg.BatchSize = 2
		cfg.Workers = 3
	})
	f.report.AddError(core.RecordError{Type: core.ObjectContacts, SourceID: "x0", Stage: core.StageTransform, Batch: 9})

	records := []core.Record{
		contact("s1", "email", "bad1@acme.com"),
		contact("s2", "email", "a@acme.com"),
		contact("s3", "email", "bad2@acme.com"),
		contact("s4", "email", "b@acme.com"),
		contact("s5", "email", "bad3@acme.com"),
	}
	require.NoError(t, f.loader.Load(context.Background(), core.ObjectContacts, records))

	var got []string
	var batches []int
	for _, e := range f.report.Errors {
		got = append(got, e.SourceID)
		batches = append(batches, e.Batch)
	}
	assert.Equal(t, []string{"x0", "s1", "s3", "s5"}, got, "errors from earlier stages keep their place")
	assert.Equal(t, []int{9, 1, 2, 3}, batches)
}

func TestLoadDefersUntilReferencedRecordCommits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil, nil)

	c := contact("s1", "email", "a@acme.com", "associatedcompanyid", "c1")
	c.Associations = []core.AssociationRef{{ToType: core.ObjectCompanies, ToSourceID: "c1"}}
	require.NoError(t, f.loader.Load(ctx, core.ObjectContacts, []core.Record{c}))

	contactID := targetIDs(t, f.store, core.ObjectContacts)["s1"]
	require.NotEmpty(t, contactID)
	assert.NotContains(t, object(t, f.portal, core.ObjectContacts, contactID).Properties, "associatedcompanyid")
	assert.Equal(t, 2, f.loader.Pending())

	co := company("c1", "name", "Acme", "domain", "acme.com")
	co.Associations = []core.AssociationRef{{ToType: core.ObjectContacts, ToSourceID: "s1"}}
	require.NoError(t, f.loader.Load(ctx, core.ObjectCompanies, []core.Record{co}))

	companyID := targetIDs(t, f.store, core.ObjectCompanies)["c1"]
	assert.Equal(t, 0, f.loader.Pending())
	assert.Equal(t, companyID, object(t, f.portal, core.ObjectContacts, contactID).Properties["associatedcompanyid"])
	assert.True(t, f.portal.HasAssociation(core.ObjectContacts, contactID, core.ObjectCompanies, companyID))
	assert.Len(t, f.portal.Associations(), 1, "both directions resolve to one link")
	assert.Equal(t, 1, counts(f, core.ObjectContacts).AssociationsCreated)
	assert.Equal(t, 0, counts(f, core.ObjectCompanies).AssociationsCreated)

	dropped, err := f.loader.Finish(ctx)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Empty(t, f.report.Errors)
}

func TestLoadResolvesMappedReferencesImmediately(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	require.NoError(t, store.PutIdentity(ctx, core.IdentityEntry{Type: core.ObjectCompanies, SourceID: "c1", TargetID: "555", Origin: core.OriginCreated}))
	portal := memory.NewPortal()
	f := newFixture(t, portal, store, nil)

	require.NoError(t, f.loader.Load(ctx, core.ObjectContacts, []core.Record{
		contact("s1", "email", "a@acme.com", "associatedcompanyid", "c1"),
	}))
	id := targetIDs(t, store, core.ObjectContacts)["s1"]
	assert.Equal(t, "555", object(t, portal, core.ObjectContacts, id).Properties["associatedcompanyid"])
	assert.Equal(t, 0, f.loader.Pending())
}

func TestLoadDropPolicy(t *testing.T) {
	f := newFixture(t, nil, nil, func(cfg *Config) { cfg.AssociationPolicy = PolicyDrop })

	c := contact("s1", "email", "a@acme.com")
	c.Associations = []core.AssociationRef{{ToType: core.ObjectCompanies, ToSourceID: "c9"}}
	require.NoError(t, f.loader.Load(context.Background(), core.ObjectContacts, []core.Record{c}))

	cc := counts(f, core.ObjectContacts)
	assert.Equal(t, 1, cc.Loaded)
	assert.Equal(t, 1, cc.AssociationsDropped)
	assert.Equal(t, 1, cc.Diagnostics)
	assert.Equal(t, 0, f.loader.Pending())
	require.Len(t, f.report.Errors, 1)
	assert.Equal(t, core.StageAssociate, f.report.Errors[0].Stage)
	assert.Equal(t, core.KindValidation, f.report.Errors[0].Kind)
}

func TestFinishDropsUnresolved(t *testing.T) {
	f := newFixture(t, nil, nil, nil)

	c := contact("s1", "email", "a@acme.com")
	c.Associations = []core.AssociationRef{{ToType: core.ObjectCompanies, ToSourceID: "c9"}}
	require.NoError(t, f.loader.Load(context.Background(), core.ObjectContacts, []core.Record{c}))
	assert.Equal(t, 1, f.loader.Pending())

	dropped, err := f.loader.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 0, f.loader.Pending())
	assert.Equal(t, 1, counts(f, core.ObjectContacts).AssociationsDropped)
	require.Len(t, f.report.Errors, 1)
	assert.Contains(t, f.report.Errors[0].Message, "never loaded")
}

func TestFailedAssociationIsRetriedBySweep(t *testing.T) {
	ctx := context.Background()
	portal := memory.NewPortal()
	f := newFixture(t, portal, nil, nil)
	require.NoError(t, f.loader.Load(ctx, core.ObjectCompanies, []core.Record{company("c1", "name", "Acme", "domain", "acme.com")}))

	portal.FailNext(memory.OpAssociate, &crm.ClientError{StatusCode: 409, Message: "busy"}, 1)
	c := contact("s1", "email", "a@acme.com")
	c.Associations = []core.AssociationRef{{ToType: core.ObjectCompanies, ToSourceID: "c1"}}
	require.NoError(t, f.loader.Load(ctx, core.ObjectContacts, []core.Record{c}))
	assert.Equal(t, 1, f.loader.Pending())

	require.NoError(t, f.loader.Sweep(ctx))
	assert.Equal(t, 0, f.loader.Pending())
	assert.Len(t, portal.Associations(), 1)
	assert.Equal(t, 1, counts(f, core.ObjectContacts).AssociationsCreated)
}

func TestLoadStoreUnavailableIsFatal(t *testing.T) {
	store := state.NewMemoryStore()
	store.FailWith(errors.New("disk gone"))
	f := newFixture(t, nil, store, nil)

	err := f.loader.Load(context.Background(), core.ObjectContacts, []core.Record{contact("s1", "email", "a@acme.com")})
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrUnavailable)
	assert.Empty(t, f.report.Errors)
}

func TestLoadTargetUnavailableIsFatal(t *testing.T) {
	portal := memory.NewPortal()
	portal.FailNext(memory.OpSearch, &crm.UnavailableError{Err: errors.New("connection refused")}, 10)
	f := newFixture(t, portal, nil, nil)

	err := f.loader.Load(context.Background(), core.ObjectContacts, []core.Record{contact("s1", "email", "a@acme.com")})
	require.Error(t, err)
	assert.True(t, crm.IsUnavailable(err))
}

func TestLoadCancelsBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, nil, nil, func(cfg *Config) {
		cfg.BatchSize = 2
		cfg.Workers = 1
		cfg.Observer = func(Outcome) { cancel() }
	})

	var records []core.Record
	for i := range 6 {
		records = append(records, contact(fmt.Sprintf("s%d", i), "email", fmt.Sprintf("u%d@acme.com", i)))
	}
	err := f.loader.Load(ctx, core.ObjectContacts, records)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 2, f.portal.Count(core.ObjectContacts), "the running batch completes")
	assert.Equal(t, []core.BatchOutcome{{Index: 1, Size: 2, Loaded: 2}}, f.report.Type(core.ObjectContacts).Batches)
}

func TestLoadSerializesSameSourceID(t *testing.T) {
	f := newFixture(t, nil, nil, func(cfg *Config) {
		cfg.BatchSize = 1
		cfg.Workers = 8
	})

	var records []core.Record
	for range 8 {
		records = append(records, contact("dup", "email", "dup@acme.com"))
	}
	require.NoError(t, f.loader.Load(context.Background(), core.ObjectContacts, records))

	assert.Equal(t, 1, f.portal.Count(core.ObjectContacts))
	c := counts(f, core.ObjectContacts)
	assert.Equal(t, 1, c.Created)
	assert.Equal(t, 7, c.Updated)
	assert.Zero(t, f.loader.locks.size())
}

type alwaysCreate struct{}

func (alwaysCreate) Resolve(context.Context, core.Record) (*core.DuplicateDecision, error) {
	return &core.DuplicateDecision{Resolution: core.ResolutionCreate}, nil
}

func TestLoadHandlesDuplicateConflictOnCreate(t *testing.T) {
	ctx := context.Background()
	portal := memory.NewPortal()
	existing := portal.Seed(core.ObjectContacts, map[string]string{"email": "jane@acme.com"}, epoch, epoch)
	f := newFixture(t, portal, nil, func(cfg *Config) { cfg.Resolver = alwaysCreate{} })

	require.NoError(t, f.loader.Load(ctx, core.ObjectContacts, []core.Record{
		contact("s1", "email", "jane@acme.com", "firstname", "Jane"),
	}))

	assert.Equal(t, 1, portal.Count(core.ObjectContacts))
	assert.Equal(t, 1, counts(f, core.ObjectContacts).DuplicatesMerged)
	entry, err := f.store.LookupIdentity(ctx, core.ObjectContacts, "s1")
	require.NoError(t, err)
	assert.Equal(t, existing, entry.TargetID)
	assert.Equal(t, core.OriginMerged, entry.Origin)
	assert.Equal(t, "Jane", object(t, portal, core.ObjectContacts, existing).Properties["firstname"])
}

func TestLoadDryRun(t *testing.T) {
	f := newFixture(t, nil, nil, func(cfg *Config) { cfg.DryRun = true })

	c := contact("s1", "email", "a@acme.com")
	c.Associations = []core.AssociationRef{{ToType: core.ObjectCompanies, ToSourceID: "c1"}}
	require.NoError(t, f.loader.Load(context.Background(), core.ObjectContacts, []core.Record{c, contact("s2", "email", "b@acme.com")}))

	assert.Equal(t, 2, counts(f, core.ObjectContacts).Created)
	assert.Equal(t, 0, f.portal.Count(core.ObjectContacts))
	assert.Equal(t, 0, f.portal.Calls(memory.OpCreate))
	assert.Empty(t, targetIDs(t, f.store, core.ObjectContacts))
	assert.Equal(t, 0, f.loader.Pending())
}

func TestLoadRecreatesMissingTarget(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	require.NoError(t, store.PutIdentity(ctx, core.IdentityEntry{Type: core.ObjectContacts, SourceID: "s1", TargetID: "999", Origin: core.OriginCreated}))
	f := newFixture(t, nil, store, nil)

	require.NoError(t, f.loader.Load(ctx, core.ObjectContacts, []core.Record{contact("s1", "email", "a@acme.com")}))
	assert.Equal(t, 1, counts(f, core.ObjectContacts).Created)
	ids := targetIDs(t, store, core.ObjectContacts)
	assert.NotEqual(t, "999", ids["s1"])
	assert.Equal(t, 1, f.portal.Count(core.ObjectContacts))
}
