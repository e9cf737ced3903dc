package load

import (
	"sort"
	"sync"

	"github.com/leapstack-labs/crmsync/pkg/core"
)

type pendingKind int

const (
	pendingAssociation pendingKind = iota
	pendingProperty
)

// pending is a write that needs the target id of another source record.
type pending struct {
	kind       pendingKind
	from       core.RecordKey
	fromTarget string
	// on is the source record whose target id is missing.
	on core.RecordKey
	// property is rewritten on the from record for pendingProperty.
	property string
	category string
	typeID   int
	attempts int
}

func (p *pending) describe() string {
	if p.kind == pendingProperty {
		return "reference " + p.property + " -> " + p.on.String()
	}
	return "association -> " + p.on.String()
}

// deferredQueue holds pending writes keyed by the record they wait for.
type deferredQueue struct {
	mu      sync.Mutex
	waiting map[core.RecordKey][]*pending
	// failed holds resolved writes whose last attempt failed.
	failed []*pending
}

func newDeferredQueue() *deferredQueue {
	return &deferredQueue{waiting: make(map[core.RecordKey][]*pending)}
}

func (q *deferredQueue) add(p *pending) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiting[p.on] = append(q.waiting[p.on], p)
}

// take removes and returns everything waiting on key.
func (q *deferredQueue) take(key core.RecordKey) []*pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.waiting[key]
	delete(q.waiting, key)
	return list
}

func (q *deferredQueue) park(p *pending) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, p)
}

func (q *deferredQueue) takeFailed() []*pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.failed
	q.failed = nil
	return list
}

// keys returns the awaited records in a stable order.
func (q *deferredQueue) keys() []core.RecordKey {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]core.RecordKey, 0, len(q.waiting))
	for k := range q.waiting {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (q *deferredQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.failed)
	for _, list := range q.waiting {
		n += len(list)
	}
	return n
}
