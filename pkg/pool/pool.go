// Package pool implements the executor pool manager: a warm pool of
// single-use sandbox workers, replenished toward a target size, handed out
// to acquire calls in strict FIFO order, and reconciled against the
// orchestrator's observed state.
package pool

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/codebroker/pkg/brokerrors"
	"github.com/cuemby/codebroker/pkg/log"
	"github.com/cuemby/codebroker/pkg/metrics"
	"github.com/cuemby/codebroker/pkg/orchestrator"
	"github.com/cuemby/codebroker/pkg/types"
)

// Orchestrator is the subset of the orchestrator client the pool depends on.
type Orchestrator interface {
	CreateWorker(ctx context.Context, name string, spec orchestrator.Spec) error
	DeleteWorker(ctx context.Context, name string) error
	WatchWorkers(ctx context.Context, prefix string) <-chan orchestrator.WorkerEvent
}

// Config tunes the pool.
type Config struct {
	// Target is the desired number of Ready + Provisioning workers.
	Target int

	// NamePrefix is prepended to every generated worker name; the watch
	// stream is filtered by it.
	NamePrefix string

	// WorkerSpec is the container spec every worker is created from.
	WorkerSpec orchestrator.Spec

	// ProvisioningTimeout force-deletes workers stuck in Provisioning.
	ProvisioningTimeout time.Duration

	// TickInterval drives replenishment retries and the stuck-worker sweep.
	TickInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Target <= 0 {
		out.Target = 2
	}
	if out.NamePrefix == "" {
		out.NamePrefix = "sandbox-"
	}
	if out.ProvisioningTimeout <= 0 {
		out.ProvisioningTimeout = 2 * time.Minute
	}
	if out.TickInterval <= 0 {
		out.TickInterval = 5 * time.Second
	}
	return out
}

// Snapshot is a point-in-time count of workers per state.
type Snapshot struct {
	Provisioning int
	Ready        int
	Assigned     int
	Terminating  int
	Waiters      int
	Target       int
}

// Manager owns all pool state. A single goroutine (run) mutates it; public
// methods post commands to that goroutine and await replies.
type Manager struct {
	cfg    Config
	orch   Orchestrator
	cmds   chan command
	done   chan struct{}
	cancel context.CancelFunc
	logger zerolog.Logger
}

type command interface{ isCommand() }

type acquireCmd struct {
	chatID string
	reply  chan *types.Worker
}

type cancelAcquireCmd struct {
	reply chan *types.Worker
	done  chan struct{}
}

type releaseCmd struct {
	name string
}

type snapshotCmd struct {
	reply chan Snapshot
}

type watchEventCmd struct {
	ev orchestrator.WorkerEvent
}

func (acquireCmd) isCommand()       {}
func (cancelAcquireCmd) isCommand() {}
func (releaseCmd) isCommand()       {}
func (snapshotCmd) isCommand()      {}
func (watchEventCmd) isCommand()    {}

// New creates a pool manager; Start must be called before Acquire.
func New(cfg Config, orch Orchestrator) *Manager {
	return &Manager{
		cfg:    cfg.withDefaults(),
		orch:   orch,
		cmds:   make(chan command, 128),
		done:   make(chan struct{}),
		logger: log.WithComponent("pool"),
	}
}

// Start launches the reconciliation loop and the watch consumer.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	metrics.PoolTargetLength.Set(float64(m.cfg.Target))

	events := m.orch.WatchWorkers(ctx, m.cfg.NamePrefix)
	go func() {
		for ev := range events {
			select {
			case m.cmds <- watchEventCmd{ev: ev}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go m.run(ctx)
}

// Stop shuts the pool down. Pending waiters fail with Unavailable.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

// Acquire returns a Ready worker, marking it Assigned to chatID. If none is
// ready it waits in FIFO order until the reconciliation loop hands one over
// or ctx's deadline fires, in which case the waiter entry is removed and the
// call fails with kind Unavailable.
func (m *Manager) Acquire(ctx context.Context, chatID string) (*types.Worker, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PoolAcquireDuration)

	reply := make(chan *types.Worker, 1)
	select {
	case m.cmds <- acquireCmd{chatID: chatID, reply: reply}:
	case <-ctx.Done():
		metrics.PoolAcquireTimeoutsTotal.Inc()
		return nil, brokerrors.Wrap(brokerrors.Unavailable, "pool.Acquire", "pool not accepting requests", ctx.Err())
	case <-m.done:
		return nil, brokerrors.Wrap(brokerrors.Unavailable, "pool.Acquire", "pool stopped", nil)
	}

	select {
	case w := <-reply:
		if w == nil {
			return nil, brokerrors.Wrap(brokerrors.Unavailable, "pool.Acquire", "pool shutting down", nil)
		}
		return w, nil
	case <-ctx.Done():
		// Remove the waiter; the loop may have fulfilled it concurrently,
		// in which case the worker comes back on reply and must not leak.
		// The done ack orders the reply check after the loop has settled
		// the waiter one way or the other.
		cancel := cancelAcquireCmd{reply: reply, done: make(chan struct{})}
		select {
		case m.cmds <- cancel:
			<-cancel.done
		case <-m.done:
		}
		select {
		case w := <-reply:
			if w != nil {
				m.Release(context.Background(), w)
			}
		default:
		}
		metrics.PoolAcquireTimeoutsTotal.Inc()
		return nil, brokerrors.Wrap(brokerrors.Unavailable, "pool.Acquire", "no worker ready before deadline", ctx.Err())
	}
}

// Release destroys the worker. Workers are single-use: release always
// transitions to Terminating and issues a delete, never requeues.
func (m *Manager) Release(ctx context.Context, w *types.Worker) {
	select {
	case m.cmds <- releaseCmd{name: w.Name}:
	case <-m.done:
		// Loop is gone; issue the delete directly so the container is not
		// leaked.
		_ = m.orch.DeleteWorker(ctx, w.Name)
	}
}

// SnapshotState reports current per-state worker counts.
func (m *Manager) SnapshotState() Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case m.cmds <- snapshotCmd{reply: reply}:
		return <-reply
	case <-m.done:
		return Snapshot{Target: m.cfg.Target}
	}
}

// waiter is one pending Acquire call.
type waiter struct {
	chatID string
	reply  chan *types.Worker
}

// poolState is owned exclusively by run.
type poolState struct {
	workers    map[string]*types.Worker
	readyQueue []string
	waiters    []*waiter
	lastSeen   map[string]time.Time
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	st := &poolState{
		workers:  make(map[string]*types.Worker),
		lastSeen: make(map[string]time.Time),
	}

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.replenish(ctx, st)

	for {
		select {
		case <-ctx.Done():
			for _, w := range st.waiters {
				w.reply <- nil
			}
			for {
				select {
				case cmd := <-m.cmds:
					switch c := cmd.(type) {
					case acquireCmd:
						c.reply <- nil
					case cancelAcquireCmd:
						close(c.done)
					case snapshotCmd:
						c.reply <- m.snapshot(st)
					}
				default:
					return
				}
			}
		case <-ticker.C:
			m.handleTick(ctx, st)
		case cmd := <-m.cmds:
			switch c := cmd.(type) {
			case acquireCmd:
				m.handleAcquire(ctx, st, c)
			case cancelAcquireCmd:
				m.handleCancelAcquire(st, c)
			case releaseCmd:
				m.handleRelease(ctx, st, c.name)
			case snapshotCmd:
				c.reply <- m.snapshot(st)
			case watchEventCmd:
				m.handleEvent(ctx, st, c.ev)
			}
		}
		m.publishGauges(st)
	}
}

func (m *Manager) handleAcquire(ctx context.Context, st *poolState, c acquireCmd) {
	for len(st.readyQueue) > 0 {
		name := st.readyQueue[0]
		st.readyQueue = st.readyQueue[1:]
		w, ok := st.workers[name]
		if !ok || w.State != types.WorkerReady {
			continue
		}
		m.assign(w, c.chatID)
		c.reply <- w
		m.replenish(ctx, st)
		return
	}
	st.waiters = append(st.waiters, &waiter{chatID: c.chatID, reply: c.reply})
	m.replenish(ctx, st)
}

func (m *Manager) handleCancelAcquire(st *poolState, c cancelAcquireCmd) {
	defer close(c.done)
	for i, w := range st.waiters {
		if w.reply == c.reply {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}

func (m *Manager) handleRelease(ctx context.Context, st *poolState, name string) {
	w, ok := st.workers[name]
	if !ok {
		go func() { _ = m.orch.DeleteWorker(ctx, name) }()
		return
	}
	m.transition(w, types.WorkerTerminating)
	go func() {
		if err := m.orch.DeleteWorker(ctx, name); err != nil {
			m.logger.Warn().Err(err).Str("worker_name", name).Msg("delete_worker failed, watch will retry via stuck sweep")
		}
	}()
	m.replenish(ctx, st)
}

// handleEvent applies one observed orchestrator transition. The watch stream
// re-lists on reconnect, so events are idempotent snapshots: an event for a
// state the tracker already reflects is a no-op.
func (m *Manager) handleEvent(ctx context.Context, st *poolState, ev orchestrator.WorkerEvent) {
	if !strings.HasPrefix(ev.Name, m.cfg.NamePrefix) {
		return
	}
	st.lastSeen[ev.Name] = time.Now()

	w, tracked := st.workers[ev.Name]
	if !tracked {
		// Prefix-matching but unknown: adopt (e.g. survivors of a service
		// restart). They enter Provisioning and follow the normal machine.
		w = &types.Worker{
			Name:           ev.Name,
			State:          types.WorkerProvisioning,
			CreatedAt:      time.Now(),
			StateEnteredAt: time.Now(),
		}
		st.workers[ev.Name] = w
		m.logger.Info().Str("worker_name", ev.Name).Msg("adopted unknown worker")
	}
	w.LastPhase = string(ev.Phase)

	switch {
	case ev.Ready && w.State == types.WorkerProvisioning:
		m.promote(ctx, st, w)
	case ev.Phase == orchestrator.PhaseFailed || ev.Phase == orchestrator.PhaseStopped:
		if w.State != types.WorkerGone {
			m.logger.Warn().
				Str("worker_name", w.Name).
				Str("phase", string(ev.Phase)).
				Str("state", string(w.State)).
				Msg("worker terminated")
			m.markGone(st, w)
			go func() { _ = m.orch.DeleteWorker(ctx, w.Name) }()
			m.replenish(ctx, st)
		}
	}
}

// promote moves a Provisioning worker to Ready, handing it straight to the
// longest-waiting acquire call if one is queued.
func (m *Manager) promote(ctx context.Context, st *poolState, w *types.Worker) {
	if len(st.waiters) > 0 {
		waiter := st.waiters[0]
		st.waiters = st.waiters[1:]
		m.transition(w, types.WorkerReady)
		m.assign(w, waiter.chatID)
		waiter.reply <- w
		m.replenish(ctx, st)
		return
	}
	m.transition(w, types.WorkerReady)
	st.readyQueue = append(st.readyQueue, w.Name)
}

func (m *Manager) handleTick(ctx context.Context, st *poolState) {
	now := time.Now()

	for name, w := range st.workers {
		switch w.State {
		case types.WorkerProvisioning:
			if now.Sub(w.StateEnteredAt) > m.cfg.ProvisioningTimeout {
				m.logger.Warn().Str("worker_name", name).Msg("worker stuck in provisioning, force-deleting")
				metrics.WorkersForceDeletedTotal.Inc()
				m.markGone(st, w)
				go func(n string) { _ = m.orch.DeleteWorker(ctx, n) }(name)
			}
		case types.WorkerTerminating:
			// The watch only reports containers that still exist; a
			// Terminating worker unseen for two ticks has been observed
			// gone.
			if now.Sub(st.lastSeen[name]) > 2*m.cfg.TickInterval {
				m.markGone(st, w)
			} else if now.Sub(w.StateEnteredAt) > m.cfg.ProvisioningTimeout {
				// Still reported long after release: the delete did not
				// take, so reissue it and restart the timer.
				w.StateEnteredAt = now
				go func(n string) { _ = m.orch.DeleteWorker(ctx, n) }(name)
			}
		case types.WorkerGone:
			delete(st.workers, name)
			delete(st.lastSeen, name)
		}
	}

	m.replenish(ctx, st)
}

// replenish creates workers to close the deficit toward the target. Assigned
// workers are excluded: they are single-use and never come back, so a worker
// leaves the replenishment count the moment it is handed out.
func (m *Manager) replenish(ctx context.Context, st *poolState) {
	available := 0
	for _, w := range st.workers {
		if w.State == types.WorkerProvisioning || w.State == types.WorkerReady {
			available++
		}
	}

	deficit := m.cfg.Target - available
	for i := 0; i < deficit; i++ {
		name := m.cfg.NamePrefix + uuid.New().String()[:13]
		now := time.Now()
		st.workers[name] = &types.Worker{
			Name:           name,
			State:          types.WorkerProvisioning,
			CreatedAt:      now,
			StateEnteredAt: now,
		}
		st.lastSeen[name] = now

		go func(n string) {
			if err := m.orch.CreateWorker(ctx, n, m.cfg.WorkerSpec); err != nil {
				m.logger.Error().Err(err).Str("worker_name", n).Msg("create_worker failed, will retry on next tick")
				// The tracker entry ages out through the stuck-provisioning
				// sweep; the next tick recomputes the deficit.
			}
		}(name)
	}
}

func (m *Manager) assign(w *types.Worker, chatID string) {
	m.transition(w, types.WorkerAssigned)
	w.ChatID = chatID
}

func (m *Manager) markGone(st *poolState, w *types.Worker) {
	m.transition(w, types.WorkerGone)
	for i, name := range st.readyQueue {
		if name == w.Name {
			st.readyQueue = append(st.readyQueue[:i], st.readyQueue[i+1:]...)
			break
		}
	}
}

func (m *Manager) transition(w *types.Worker, to types.WorkerState) {
	m.logger.Debug().
		Str("worker_name", w.Name).
		Str("from", string(w.State)).
		Str("to", string(to)).
		Msg("worker state transition")
	w.State = to
	w.StateEnteredAt = time.Now()
}

func (m *Manager) snapshot(st *poolState) Snapshot {
	s := Snapshot{Target: m.cfg.Target, Waiters: len(st.waiters)}
	for _, w := range st.workers {
		switch w.State {
		case types.WorkerProvisioning:
			s.Provisioning++
		case types.WorkerReady:
			s.Ready++
		case types.WorkerAssigned:
			s.Assigned++
		case types.WorkerTerminating:
			s.Terminating++
		}
	}
	return s
}

func (m *Manager) publishGauges(st *poolState) {
	s := m.snapshot(st)
	metrics.WorkersTotal.WithLabelValues(string(types.WorkerProvisioning)).Set(float64(s.Provisioning))
	metrics.WorkersTotal.WithLabelValues(string(types.WorkerReady)).Set(float64(s.Ready))
	metrics.WorkersTotal.WithLabelValues(string(types.WorkerAssigned)).Set(float64(s.Assigned))
	metrics.WorkersTotal.WithLabelValues(string(types.WorkerTerminating)).Set(float64(s.Terminating))
}
