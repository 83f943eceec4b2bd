package pool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/codebroker/pkg/brokerrors"
	"github.com/cuemby/codebroker/pkg/orchestrator"
	"github.com/cuemby/codebroker/pkg/types"
)

// fakeOrch simulates the orchestrator: created workers become Running after
// a short delay, and the watch stream re-lists current state on every tick,
// matching the real client's snapshot semantics.
type fakeOrch struct {
	mu      sync.Mutex
	workers map[string]orchestrator.Phase
	created []string
	deleted []string

	createErr error
	startup   time.Duration
}

func newFakeOrch() *fakeOrch {
	return &fakeOrch{
		workers: make(map[string]orchestrator.Phase),
		startup: 10 * time.Millisecond,
	}
}

func (f *fakeOrch) CreateWorker(ctx context.Context, name string, spec orchestrator.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, name)
	f.workers[name] = orchestrator.PhasePending
	go func() {
		time.Sleep(f.startup)
		f.mu.Lock()
		if _, ok := f.workers[name]; ok {
			f.workers[name] = orchestrator.PhaseRunning
		}
		f.mu.Unlock()
	}()
	return nil
}

func (f *fakeOrch) DeleteWorker(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	delete(f.workers, name)
	return nil
}

func (f *fakeOrch) WatchWorkers(ctx context.Context, prefix string) <-chan orchestrator.WorkerEvent {
	out := make(chan orchestrator.WorkerEvent, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			f.mu.Lock()
			for name, phase := range f.workers {
				if !strings.HasPrefix(name, prefix) {
					continue
				}
				ev := orchestrator.WorkerEvent{
					Name:  name,
					Phase: phase,
					Ready: phase == orchestrator.PhaseRunning,
				}
				select {
				case out <- ev:
				default:
				}
			}
			f.mu.Unlock()
		}
	}()
	return out
}

// fail flips an existing worker to Failed so the watch reports it.
func (f *fakeOrch) fail(name string) {
	f.mu.Lock()
	f.workers[name] = orchestrator.PhaseFailed
	f.mu.Unlock()
}

func (f *fakeOrch) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func startPool(t *testing.T, orch Orchestrator, target int) *Manager {
	t.Helper()
	m := New(Config{
		Target:              target,
		NamePrefix:          "test-",
		ProvisioningTimeout: time.Second,
		TickInterval:        20 * time.Millisecond,
	}, orch)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		m.Stop()
	})
	return m
}

func TestAcquireReturnsReadyWorker(t *testing.T) {
	orch := newFakeOrch()
	m := startPool(t, orch, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	w, err := m.Acquire(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerAssigned, w.State)
	assert.Equal(t, "chat-1", w.ChatID)
	assert.True(t, strings.HasPrefix(w.Name, "test-"))
}

func TestAcquireTimesOutWithUnavailable(t *testing.T) {
	orch := newFakeOrch()
	orch.startup = time.Hour // workers never become ready
	m := startPool(t, orch, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.Acquire(ctx, "chat-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, brokerrors.ErrUnavailable)
}

func TestWaitersServedInFIFOOrder(t *testing.T) {
	orch := newFakeOrch()
	orch.startup = 100 * time.Millisecond
	m := startPool(t, orch, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		order int
		w     *types.Worker
	}
	results := make(chan result, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			w, err := m.Acquire(ctx, "chat")
			if err == nil {
				results <- result{order: i, w: w}
				m.Release(ctx, w)
			}
		}()
		// Stagger the calls so enqueue order is deterministic.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()
	close(results)

	var orders []int
	for r := range results {
		orders = append(orders, r.order)
	}
	assert.Equal(t, []int{0, 1, 2}, orders, "waiters must be woken in enqueue order")
}

func TestReleaseDestroysWorker(t *testing.T) {
	orch := newFakeOrch()
	m := startPool(t, orch, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	w, err := m.Acquire(ctx, "chat-1")
	require.NoError(t, err)
	m.Release(ctx, w)

	assert.Eventually(t, func() bool {
		orch.mu.Lock()
		defer orch.mu.Unlock()
		for _, name := range orch.deleted {
			if name == w.Name {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "released worker must be deleted")
}

func TestPoolReplenishesAfterFailure(t *testing.T) {
	orch := newFakeOrch()
	m := startPool(t, orch, 2)

	require.Eventually(t, func() bool {
		return m.SnapshotState().Ready == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Kill one ready worker out from under the pool.
	orch.mu.Lock()
	var victim string
	for name := range orch.workers {
		victim = name
		break
	}
	orch.mu.Unlock()
	orch.fail(victim)

	// The pool observes the failure, creates a replacement, and converges
	// back to target. Without the creation check the condition already
	// holds for the pre-failure snapshot.
	require.Eventually(t, func() bool {
		s := m.SnapshotState()
		return orch.createdCount() > 2 && s.Ready+s.Provisioning == 2 && s.Ready >= 1
	}, 2*time.Second, 10*time.Millisecond, "pool must replenish toward target")
	assert.Greater(t, orch.createdCount(), 2, "a replacement worker must have been created")
}

func TestStuckProvisioningWorkerIsForceDeleted(t *testing.T) {
	orch := newFakeOrch()
	orch.startup = time.Hour
	m := New(Config{
		Target:              1,
		NamePrefix:          "test-",
		ProvisioningTimeout: 50 * time.Millisecond,
		TickInterval:        20 * time.Millisecond,
	}, orch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	assert.Eventually(t, func() bool {
		orch.mu.Lock()
		defer orch.mu.Unlock()
		return len(orch.deleted) >= 1
	}, 2*time.Second, 10*time.Millisecond, "stuck worker must be force-deleted")
}

func TestAdoptsUnknownPrefixedWorkers(t *testing.T) {
	orch := newFakeOrch()
	// A worker that predates the pool, e.g. left over from a restart.
	orch.mu.Lock()
	orch.workers["test-orphan"] = orchestrator.PhaseRunning
	orch.mu.Unlock()

	m := startPool(t, orch, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	w, err := m.Acquire(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "test-orphan", w.Name, "pre-existing ready worker should be adopted and served first")
}

func TestCreateErrorsAreRetriedOnNextTick(t *testing.T) {
	orch := newFakeOrch()
	orch.createErr = errors.New("quota exceeded")
	m := New(Config{
		Target:              1,
		NamePrefix:          "test-",
		ProvisioningTimeout: 30 * time.Millisecond,
		TickInterval:        20 * time.Millisecond,
	}, orch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	time.Sleep(100 * time.Millisecond)
	orch.mu.Lock()
	orch.createErr = nil
	orch.mu.Unlock()

	require.Eventually(t, func() bool {
		return m.SnapshotState().Ready == 1
	}, 2*time.Second, 10*time.Millisecond, "pool must recover once creates succeed")
}
