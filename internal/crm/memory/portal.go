// Package memory implements core.Client as an in-process portal. It backs
// engine tests and offline rehearsals, and supports fault injection.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/leapstack-labs/crmsync/pkg/core"
	"github.com/leapstack-labs/crmsync/pkg/crm"
)

// DefaultSearchCap mirrors the portal's maximum search result window.
const DefaultSearchCap = 10000

// Op names a client operation for fault injection and call counting.
type Op string

// Client operations.
const (
	OpList      Op = "list"
	OpSearch    Op = "search"
	OpGet       Op = "get"
	OpCreate    Op = "create"
	OpUpdate    Op = "update"
	OpDelete    Op = "delete"
	OpAssociate Op = "associate"
)

// Call describes one client call seen by a Hook.
type Call struct {
	Op         Op
	Type       core.ObjectType
	ID         string
	Properties map[string]string
}

// Hook runs before every call; a non-nil error fails the call.
type Hook func(Call) error

type object struct {
	id        string
	props     map[string]string
	createdAt time.Time
	updatedAt time.Time
}

type fault struct {
	err   error
	times int
}

// Portal is an in-memory CRM portal. Ids are sequential integers.
type Portal struct {
	mu      sync.Mutex
	objects map[core.ObjectType]map[string]*object
	links   []core.AssociationLink
	nextID  int64
	faults  map[Op][]*fault
	hooks   []Hook
	calls   map[Op]int
	now     func() time.Time

	// SearchCap bounds how deep search paging may go.
	SearchCap int
	// UniqueEmail rejects contact creates whose email already exists,
	// like the real portal does.
	UniqueEmail bool
}

var _ core.Client = (*Portal)(nil)

// NewPortal creates an empty portal.
func NewPortal() *Portal {
	return &Portal{
		objects:     make(map[core.ObjectType]map[string]*object),
		faults:      make(map[Op][]*fault),
		calls:       make(map[Op]int),
		nextID:      100,
		now:         time.Now,
		SearchCap:   DefaultSearchCap,
		UniqueEmail: true,
	}
}

var (
	sharedMu sync.Mutex
	shared   = make(map[string]*Portal)
)

// Shared returns the process-wide portal registered under name, creating it
// on first use.
func Shared(name string) *Portal {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	p, ok := shared[name]
	if !ok {
		p = NewPortal()
		shared[name] = p
	}
	return p
}

func init() {
	crm.Register("memory", func(cfg core.ClientConfig, _ *slog.Logger) (core.Client, error) {
		return Shared(cfg.BaseURL), nil
	})
}

// SetClock replaces the time source used for created/updated timestamps.
func (p *Portal) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// FailNext makes the next times calls of op fail with err.
func (p *Portal) FailNext(op Op, err error, times int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], &fault{err: err, times: times})
}

// OnCall installs a hook run before every call.
func (p *Portal) OnCall(h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, h)
}

// Calls returns how many times op was invoked, failed calls included.
func (p *Portal) Calls(op Op) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Seed stores a record directly and returns its id.
func (p *Portal) Seed(t core.ObjectType, props map[string]string, createdAt, updatedAt time.Time) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insert(t, props, createdAt, updatedAt).id
}

// Link stores an association directly.
func (p *Portal) Link(link core.AssociationLink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLink(link)
}

// Count returns the number of records of type t.
func (p *Portal) Count(t core.ObjectType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.objects[t])
}

// Objects returns every record of type t ordered by id.
func (p *Portal) Objects(t core.ObjectType) []core.RemoteObject {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.sortedIDs(t)
	out := make([]core.RemoteObject, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.remote(t, p.objects[t][id], nil))
	}
	return out
}

// Associations returns every stored association.
func (p *Portal) Associations() []core.AssociationLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.AssociationLink, len(p.links))
	copy(out, p.links)
	return out
}

// HasAssociation reports whether from and to are linked in either direction.
func (p *Portal) HasAssociation(fromType core.ObjectType, fromID string, toType core.ObjectType, toID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.links {
		if l.FromType == fromType && l.FromID == fromID && l.ToType == toType && l.ToID == toID {
			return true
		}
		if l.FromType == toType && l.FromID == toID && l.ToType == fromType && l.ToID == fromID {
			return true
		}
	}
	return false
}

// begin counts the call and applies injected faults and hooks.
// Callers hold p.mu.
func (p *Portal) begin(call Call) error {
	p.calls[call.Op]++
	if queue := p.faults[call.Op]; len(queue) > 0 {
		f := queue[0]
		f.times--
		if f.times <= 0 {
			p.faults[call.Op] = queue[1:]
		}
		return f.err
	}
	for _, h := range p.hooks {
		if err := h(call); err != nil {
			return err
		}
	}
	return nil
}

func (p *Portal) insert(t core.ObjectType, props map[string]string, createdAt, updatedAt time.Time) *object {
	p.nextID++
	obj := &object{
		id:        strconv.FormatInt(p.nextID, 10),
		props:     copyProps(props),
		createdAt: createdAt,
		updatedAt: updatedAt,
	}
	if p.objects[t] == nil {
		p.objects[t] = make(map[string]*object)
	}
	p.objects[t][obj.id] = obj
	return obj
}

func (p *Portal) addLink(link core.AssociationLink) {
	for _, l := range p.links {
		if l.FromType == link.FromType && l.FromID == link.FromID && l.ToType == link.ToType && l.ToID == link.ToID {
			return
		}
	}
	p.links = append(p.links, link)
}

func (p *Portal) sortedIDs(t core.ObjectType) []string {
	ids := make([]string, 0, len(p.objects[t]))
	for id := range p.objects[t] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })
	return ids
}

func (p *Portal) remote(t core.ObjectType, obj *object, assocTypes []core.ObjectType) core.RemoteObject {
	r := core.RemoteObject{
		ID:         obj.id,
		Properties: copyProps(obj.props),
		CreatedAt:  obj.createdAt,
		UpdatedAt:  obj.updatedAt,
	}
	r.Properties[core.IDProperty] = obj.id
	if len(assocTypes) == 0 {
		return r
	}
	want := make(map[core.ObjectType]bool, len(assocTypes))
	for _, a := range assocTypes {
		want[a] = true
	}
	for _, l := range p.links {
		switch {
		case l.FromType == t && l.FromID == obj.id && want[l.ToType]:
			r.Associations = addAssoc(r.Associations, l.ToType, l.ToID)
		case l.ToType == t && l.ToID == obj.id && want[l.FromType]:
			r.Associations = addAssoc(r.Associations, l.FromType, l.FromID)
		}
	}
	return r
}

func (p *Portal) lookup(t core.ObjectType, id string) (*object, error) {
	obj, ok := p.objects[t][id]
	if !ok {
		return nil, &crm.ClientError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("%s %s does not exist", t, id)}
	}
	return obj, nil
}

// List implements core.Client. The cursor is the last id of the previous page.
func (p *Portal) List(_ context.Context, t core.ObjectType, req core.ListRequest) (*core.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(Call{Op: OpList, Type: t}); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	page := &core.Page{}
	ids := p.sortedIDs(t)
	for _, id := range ids {
		if req.After != "" && !idLess(req.After, id) {
			continue
		}
		if len(page.Results) == limit {
			page.After = page.Results[len(page.Results)-1].ID
			break
		}
		page.Results = append(page.Results, p.remote(t, p.objects[t][id], req.Associations))
	}
	page.Total = len(ids)
	return page, nil
}

// Search implements core.Client. Results are sorted by id; the cursor is an
// offset and paging stops at SearchCap.
func (p *Portal) Search(_ context.Context, t core.ObjectType, req core.SearchRequest) (*core.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(Call{Op: OpSearch, Type: t}); err != nil {
		return nil, err
	}

	offset := 0
	if req.After != "" {
		n, err := strconv.Atoi(req.After)
		if err != nil || n < 0 {
			return nil, &crm.ClientError{StatusCode: http.StatusBadRequest, Message: "invalid after cursor " + req.After}
		}
		offset = n
	}
	if offset >= p.SearchCap {
		return nil, &crm.ClientError{StatusCode: http.StatusBadRequest, Message: "search paging beyond result window"}
	}

	var matched []*object
	for _, id := range p.sortedIDs(t) {
		obj := p.objects[t][id]
		if matchesAll(t, obj, req.Filters) {
			matched = append(matched, obj)
		}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	page := &core.Page{Total: len(matched)}
	end := min(offset+limit, len(matched))
	for i := offset; i < end; i++ {
		page.Results = append(page.Results, p.remote(t, matched[i], nil))
	}
	if end < len(matched) && end < p.SearchCap {
		page.After = strconv.Itoa(end)
	}
	return page, nil
}

// Get implements core.Client.
func (p *Portal) Get(_ context.Context, t core.ObjectType, id string, req core.GetRequest) (*core.RemoteObject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(Call{Op: OpGet, Type: t, ID: id}); err != nil {
		return nil, err
	}

	obj, err := p.lookup(t, id)
	if err != nil {
		return nil, err
	}
	r := p.remote(t, obj, req.Associations)
	return &r, nil
}

// Create implements core.Client.
func (p *Portal) Create(_ context.Context, t core.ObjectType, properties map[string]string) (*core.RemoteObject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(Call{Op: OpCreate, Type: t, Properties: copyProps(properties)}); err != nil {
		return nil, err
	}

	if t == core.ObjectContacts && p.UniqueEmail && properties["email"] != "" {
		for _, obj := range p.objects[t] {
			if equalFold(obj.props["email"], properties["email"]) {
				return nil, &crm.DuplicateError{
					ExistingID: obj.id,
					Message:    "Contact already exists. Existing ID: " + obj.id,
				}
			}
		}
	}

	now := p.now()
	r := p.remote(t, p.insert(t, properties, now, now), nil)
	return &r, nil
}

// Update implements core.Client.
func (p *Portal) Update(_ context.Context, t core.ObjectType, id string, properties map[string]string) (*core.RemoteObject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(Call{Op: OpUpdate, Type: t, ID: id, Properties: copyProps(properties)}); err != nil {
		return nil, err
	}

	obj, err := p.lookup(t, id)
	if err != nil {
		return nil, err
	}
	for k, v := range properties {
		obj.props[k] = v
	}
	obj.updatedAt = p.now()
	r := p.remote(t, obj, nil)
	return &r, nil
}

// Delete implements core.Client.
func (p *Portal) Delete(_ context.Context, t core.ObjectType, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(Call{Op: OpDelete, Type: t, ID: id}); err != nil {
		return err
	}

	if _, err := p.lookup(t, id); err != nil {
		return err
	}
	delete(p.objects[t], id)
	kept := p.links[:0]
	for _, l := range p.links {
		if (l.FromType == t && l.FromID == id) || (l.ToType == t && l.ToID == id) {
			continue
		}
		kept = append(kept, l)
	}
	p.links = kept
	return nil
}

// Associate implements core.Client.
func (p *Portal) Associate(_ context.Context, link core.AssociationLink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(Call{Op: OpAssociate, Type: link.FromType, ID: link.FromID}); err != nil {
		return err
	}

	if _, err := p.lookup(link.FromType, link.FromID); err != nil {
		return err
	}
	if _, err := p.lookup(link.ToType, link.ToID); err != nil {
		return err
	}
	p.addLink(link)
	return nil
}

func copyProps(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func addAssoc(m map[core.ObjectType][]string, t core.ObjectType, id string) map[core.ObjectType][]string {
	if m == nil {
		m = make(map[core.ObjectType][]string)
	}
	for _, existing := range m[t] {
		if existing == id {
			return m
		}
	}
	m[t] = append(m[t], id)
	return m
}

// idLess orders numeric ids numerically and anything else lexically.
func idLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
