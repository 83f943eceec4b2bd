package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/containerd/containerd"

	"github.com/cuemby/codebroker/pkg/log"
)

// Phase is the observed lifecycle phase of a worker's task.
type Phase string

const (
	PhaseUnknown Phase = "unknown"
	PhasePending Phase = "pending" // container exists, task not yet running
	PhaseRunning Phase = "running"
	PhaseStopped Phase = "stopped"
	PhaseFailed  Phase = "failed"
)

// WorkerEvent is one observed state transition (or re-list snapshot entry)
// for a single worker.
type WorkerEvent struct {
	Name  string
	Phase Phase
	Ready bool // true once the task is observed Running
}

// pollInterval bounds the latency of a watch_workers transition; the
// containerd event-envelope API (typeurl-unmarshaled task lifecycle events)
// would shave this further but isn't used here — see DESIGN.md.
const pollInterval = 500 * time.Millisecond

// WatchWorkers returns an infinite stream of (name, phase, ready) events for
// every container whose name has the given prefix. Each poll tick re-lists
// the full current state, which doubles as the "re-list on reconnect"
// semantics the pool manager depends on: a consumer that was momentarily
// behind simply receives the current snapshot on the next tick, so no
// transition is permanently lost. The channel is closed when ctx is done.
func (c *Client) WatchWorkers(ctx context.Context, prefix string) <-chan WorkerEvent {
	out := make(chan WorkerEvent, 64)
	l := log.WithComponent("orchestrator")

	go func() {
		defer close(out)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			events, err := c.listWorkerEvents(ctx, prefix)
			if err != nil {
				l.Warn().Err(err).Msg("watch_workers list failed, will retry next tick")
				continue
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func (c *Client) listWorkerEvents(ctx context.Context, prefix string) ([]WorkerEvent, error) {
	cctx := c.ctx(ctx)

	containers, err := c.containerd.Containers(cctx)
	if err != nil {
		return nil, err
	}

	events := make([]WorkerEvent, 0, len(containers))
	for _, ctr := range containers {
		if !strings.HasPrefix(ctr.ID(), prefix) {
			continue
		}

		phase := PhasePending
		ready := false

		task, err := ctr.Task(cctx, nil)
		if err == nil {
			status, err := task.Status(cctx)
			if err == nil {
				switch status.Status {
				case containerd.Running:
					phase = PhaseRunning
					ready = true
				case containerd.Paused:
					phase = PhaseRunning
					ready = true
				case containerd.Stopped:
					if status.ExitStatus == 0 {
						phase = PhaseStopped
					} else {
						phase = PhaseFailed
					}
				default:
					phase = PhasePending
				}
			}
		}

		events = append(events, WorkerEvent{Name: ctr.ID(), Phase: phase, Ready: ready})
	}

	return events, nil
}
