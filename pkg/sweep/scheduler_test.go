package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-dispatch/pkg/distribution"
	"github.com/roboricindustries/raycon-dispatch/pkg/store"
)

type recordingDistributor struct {
	mu     sync.Mutex
	seen   []string
	failOn map[string]bool
	block  chan struct{}

	once    sync.Once
	entered chan struct{}
}

func (r *recordingDistributor) DistributeConversation(ctx context.Context, conv *store.Conversation) (distribution.Decision, error) {
	if r.entered != nil {
		r.once.Do(func() { close(r.entered) })
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, conv.ID)
	if r.failOn[conv.ID] {
		return distribution.Decision{}, errors.New("store unavailable")
	}
	return distribution.Decision{ConversationID: conv.ID, Outcome: distribution.OutcomeQueued}, nil
}

func (r *recordingDistributor) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

type countingLister struct {
	store.ConversationStore
	calls atomic.Int32
	limit atomic.Int32
}

func (c *countingLister) ListPending(ctx context.Context, tenantID string, limit int) ([]*store.Conversation, error) {
	c.calls.Add(1)
	c.limit.Store(int32(limit))
	return c.ConversationStore.ListPending(ctx, tenantID, limit)
}

func seedPending(t *testing.T, n int) *store.MemoryStore {
	t.Helper()
	m := store.NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	// newest first, so ordering comes from the store
	for i := n; i >= 1; i-- {
		require.NoError(t, m.CreateConversation(context.Background(), &store.Conversation{
			ID: fmt.Sprintf("conv-%02d", i), TenantID: "t1", CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	return m
}

func TestSweep_FailureDoesNotAbortBatch(t *testing.T) {
	m := seedPending(t, 12)
	dist := &recordingDistributor{failOn: map[string]bool{"conv-03": true}}
	s, err := New(m, dist, Config{Tenant: "t1", ItemDelay: time.Millisecond})
	require.NoError(t, err)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)

	want := make([]string, 0, 10)
	for i := 1; i <= 10; i++ {
		want = append(want, fmt.Sprintf("conv-%02d", i))
	}
	assert.Equal(t, want, dist.ids(), "oldest ten, in order, including those after the failure")
	assert.Equal(t, Result{Listed: 10, Queued: 9, Failed: 1}, res)
}

func TestSweep_WaitsBetweenItems(t *testing.T) {
	m := seedPending(t, 3)
	dist := &recordingDistributor{}
	s, err := New(m, dist, Config{Tenant: "t1", ItemDelay: 20 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestSweep_CancelledBetweenItems(t *testing.T) {
	m := seedPending(t, 3)
	dist := &recordingDistributor{}
	s, err := New(m, dist, Config{Tenant: "t1", ItemDelay: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := s.Sweep(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, res.Queued)
}

func TestSweep_ListError(t *testing.T) {
	dist := &recordingDistributor{}
	s, err := New(failingLister{}, dist, Config{Tenant: "t1"})
	require.NoError(t, err)

	_, err = s.Sweep(context.Background())
	assert.ErrorContains(t, err, "list pending")
	assert.Empty(t, dist.ids())
}

type failingLister struct{}

func (failingLister) ListPending(context.Context, string, int) ([]*store.Conversation, error) {
	return nil, errors.New("db down")
}

func TestNew_Validates(t *testing.T) {
	_, err := New(store.NewMemoryStore(), &recordingDistributor{}, Config{})
	assert.Error(t, err)

	_, err = New(store.NewMemoryStore(), &recordingDistributor{}, Config{Tenant: "t1", Schedule: "not a schedule"})
	assert.Error(t, err)

	s, err := New(store.NewMemoryStore(), &recordingDistributor{}, Config{Tenant: "t1"})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, s.cfg.BatchSize)
	assert.Equal(t, DefaultItemDelay, s.cfg.ItemDelay)
	assert.Equal(t, DefaultInterval, s.cfg.Interval)
}

func TestScheduler_RunsImmediatelyThenOnSchedule(t *testing.T) {
	lister := &countingLister{ConversationStore: seedPending(t, 2)}
	s, err := New(lister, &recordingDistributor{}, Config{
		Tenant: "t1", Schedule: "@every 1s", BatchSize: 5, ItemDelay: time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return lister.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(5), lister.limit.Load())

	require.Eventually(t, func() bool { return lister.calls.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	calls := lister.calls.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, calls, lister.calls.Load(), "no sweep after Stop")
	assert.Error(t, s.Start(context.Background()))
}

func TestScheduler_StopWaitsForRunningSweep(t *testing.T) {
	m := seedPending(t, 1)
	dist := &recordingDistributor{block: make(chan struct{}), entered: make(chan struct{})}
	s, err := New(m, dist, Config{Tenant: "t1", Interval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-dist.entered:
	case <-time.After(time.Second):
		t.Fatal("initial sweep did not start")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a sweep was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(dist.block)
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the sweep finished")
	}
	assert.Equal(t, []string{"conv-01"}, dist.ids())
}
