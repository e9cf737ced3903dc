package crm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leapstack-labs/crmsync/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeClient) track() func() {
	n := f.inFlight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeClient) List(context.Context, core.ObjectType, core.ListRequest) (*core.Page, error) {
	defer f.track()()
	return &core.Page{}, nil
}

func (f *fakeClient) Search(context.Context, core.ObjectType, core.SearchRequest) (*core.Page, error) {
	defer f.track()()
	return &core.Page{}, nil
}

func (f *fakeClient) Get(_ context.Context, _ core.ObjectType, id string, _ core.GetRequest) (*core.RemoteObject, error) {
	defer f.track()()
	return &core.RemoteObject{ID: id}, nil
}

func (f *fakeClient) Create(context.Context, core.ObjectType, map[string]string) (*core.RemoteObject, error) {
	defer f.track()()
	return &core.RemoteObject{ID: "1"}, nil
}

func (f *fakeClient) Update(_ context.Context, _ core.ObjectType, id string, _ map[string]string) (*core.RemoteObject, error) {
	defer f.track()()
	return &core.RemoteObject{ID: id}, nil
}

func (f *fakeClient) Delete(context.Context, core.ObjectType, string) error {
	defer f.track()()
	return nil
}

func (f *fakeClient) Associate(context.Context, core.AssociationLink) error {
	defer f.track()()
	return nil
}

func TestThrottle_BoundsInFlight(t *testing.T) {
	inner := &fakeClient{}
	client := Throttle(inner, 2)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Get(context.Background(), core.ObjectContacts, "1", core.GetRequest{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, inner.peak.Load(), int32(2))
	assert.Equal(t, int32(0), inner.inFlight.Load())
}

func TestThrottle_Disabled(t *testing.T) {
	inner := &fakeClient{}
	assert.Same(t, core.Client(inner), Throttle(inner, 0))
}

func TestThrottle_CancelledContext(t *testing.T) {
	client, ok := Throttle(&fakeClient{}, 1).(*Throttled)
	require.True(t, ok)
	require.NoError(t, client.sem.Acquire(context.Background(), 1))
	defer client.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Search(ctx, core.ObjectDeals, core.SearchRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
