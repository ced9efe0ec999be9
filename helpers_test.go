package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 14, 5, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory struct {
	name string
	new  func(t *testing.T) Store
}

var storeFactories = []storeFactory{
	{
		name: "memory",
		new: func(t *testing.T) Store {
			return NewMemoryStore()
		},
	},
	{
		name: "sqlite",
		new: func(t *testing.T) Store {
			return newSqliteStore(t)
		},
	},
}

func newSqliteStore(t *testing.T) *SqlStore {
	t.Helper()

	store, err := NewSqlStore(context.Background(), DefaultSqlConfig(
		WithDriver("sqlite"),
		WithConn(":memory:"),
	))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

type invocations struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (i *invocations) fn(_ context.Context, _ []any, kwargs map[string]any) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls = append(i.calls, kwargs)
	return nil
}

func (i *invocations) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.calls)
}

func mustInterval(t *testing.T, period time.Duration) Trigger {
	t.Helper()

	trigger, err := NewIntervalTrigger(period)
	require.NoError(t, err)

	return trigger
}

func drain(t *testing.T, s *Scheduler) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
