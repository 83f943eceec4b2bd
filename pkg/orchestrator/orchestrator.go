// Package orchestrator is the thin capability layer over the container
// orchestrator: create, watch, exec-in, and delete a sandbox worker. Workers
// are containerd containers running in a dedicated namespace; a task's exit
// status is the worker's observed phase.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/codebroker/pkg/log"
	"github.com/cuemby/codebroker/pkg/metrics"
)

const (
	// DefaultNamespace is the containerd namespace workers are created in.
	DefaultNamespace = "codebroker"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Spec describes the container a worker is created from.
type Spec struct {
	Image string
	Env   map[string]string
	// Mounts are additional bind mounts, e.g. for a per-worker scratch volume.
	Mounts []specs.Mount
}

// Client is the orchestrator capability used by the executor pool manager
// and the session workspace manager.
type Client struct {
	containerd *containerd.Client
	namespace  string
}

// NewClient connects to containerd at socketPath (DefaultSocketPath if empty).
func NewClient(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	cl, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}

	return &Client{containerd: cl, namespace: DefaultNamespace}, nil
}

// Close closes the underlying containerd connection.
func (c *Client) Close() error {
	if c.containerd == nil {
		return nil
	}
	return c.containerd.Close()
}

func (c *Client) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// CreateWorker submits a worker manifest and starts its task. It is
// non-blocking beyond the image pull and task start; the caller learns the
// worker reached Running via WatchWorkers. A 409 (already exists) is fatal
// for this attempt — the caller is expected to regenerate the worker name.
func (c *Client) CreateWorker(ctx context.Context, name string, spec Spec) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OrchestratorOpDuration, "create_worker")

	l := log.WithComponent("orchestrator").With().Str("worker_name", name).Logger()

	err := withRetry(ctx, "create_worker", func(ctx context.Context) error {
		cctx := c.ctx(ctx)

		image, err := c.containerd.GetImage(cctx, spec.Image)
		if err != nil {
			image, err = c.containerd.Pull(cctx, spec.Image, containerd.WithPullUnpack)
			if err != nil {
				return fmt.Errorf("pull image %s: %w", spec.Image, err)
			}
		}

		opts := []oci.SpecOpts{oci.WithImageConfig(image)}
		if len(spec.Env) > 0 {
			env := make([]string, 0, len(spec.Env))
			for k, v := range spec.Env {
				env = append(env, k+"="+v)
			}
			opts = append(opts, oci.WithEnv(env))
		}
		if len(spec.Mounts) > 0 {
			opts = append(opts, oci.WithMounts(spec.Mounts))
		}

		container, err := c.containerd.NewContainer(
			cctx,
			name,
			containerd.WithImage(image),
			containerd.WithNewSnapshot(name+"-snapshot", image),
			containerd.WithNewSpec(opts...),
		)
		if err != nil {
			if errdefs.IsAlreadyExists(err) {
				return &fatalErr{err: err}
			}
			return fmt.Errorf("create container: %w", err)
		}

		task, err := container.NewTask(cctx, nullIO)
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := task.Start(cctx); err != nil {
			return fmt.Errorf("start task: %w", err)
		}
		return nil
	})
	if err != nil {
		l.Error().Err(err).Msg("create_worker failed")
		return err
	}
	l.Debug().Msg("worker created")
	return nil
}

// DeleteWorker issues a best-effort, idempotent removal request. A worker
// that no longer exists is treated as success.
func (c *Client) DeleteWorker(ctx context.Context, name string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OrchestratorOpDuration, "delete_worker")

	return withRetry(ctx, "delete_worker", func(ctx context.Context) error {
		cctx := c.ctx(ctx)

		container, err := c.containerd.LoadContainer(cctx, name)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("load container: %w", err)
		}

		if task, err := container.Task(cctx, nil); err == nil {
			_, _ = task.Delete(cctx, containerd.WithProcessKill)
		}

		if err := container.Delete(cctx, containerd.WithSnapshotCleanup); err != nil {
			if errdefs.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("delete container: %w", err)
		}
		return nil
	})
}

// fatalErr marks an error as non-retryable regardless of withRetry's policy.
type fatalErr struct{ err error }

func (f *fatalErr) Error() string { return f.err.Error() }
func (f *fatalErr) Unwrap() error { return f.err }
