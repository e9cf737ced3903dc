package crm

import (
	"context"
	"fmt"

	"github.com/leapstack-labs/crmsync/pkg/core"
	"golang.org/x/sync/semaphore"
)

// Throttled wraps a client and bounds the number of in-flight requests.
type Throttled struct {
	client core.Client
	sem    *semaphore.Weighted
}

// Throttle bounds client to at most n concurrent requests.
// n <= 0 returns the client unchanged.
func Throttle(client core.Client, n int) core.Client {
	if n <= 0 {
		return client
	}
	return &Throttled{client: client, sem: semaphore.NewWeighted(int64(n))}
}

func (t *Throttled) acquire(ctx context.Context) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire request slot: %w", err)
	}
	return nil
}

// List implements core.Client.
func (t *Throttled) List(ctx context.Context, ot core.ObjectType, req core.ListRequest) (*core.Page, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)
	return t.client.List(ctx, ot, req)
}

// Search implements core.Client.
func (t *Throttled) Search(ctx context.Context, ot core.ObjectType, req core.SearchRequest) (*core.Page, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)
	return t.client.Search(ctx, ot, req)
}

// Get implements core.Client.
func (t *Throttled) Get(ctx context.Context, ot core.ObjectType, id string, req core.GetRequest) (*core.RemoteObject, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)
	return t.client.Get(ctx, ot, id, req)
}

// Create implements core.Client.
func (t *Throttled) Create(ctx context.Context, ot core.ObjectType, properties map[string]string) (*core.RemoteObject, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)
	return t.client.Create(ctx, ot, properties)
}

// Update implements core.Client.
func (t *Throttled) Update(ctx context.Context, ot core.ObjectType, id string, properties map[string]string) (*core.RemoteObject, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)
	return t.client.Update(ctx, ot, id, properties)
}

// Delete implements core.Client.
func (t *Throttled) Delete(ctx context.Context, ot core.ObjectType, id string) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.sem.Release(1)
	return t.client.Delete(ctx, ot, id)
}

// Associate implements core.Client.
func (t *Throttled) Associate(ctx context.Context, link core.AssociationLink) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.sem.Release(1)
	return t.client.Associate(ctx, link)
}
