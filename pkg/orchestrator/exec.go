package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/containerd/containerd/cio"
	"github.com/google/uuid"

	"github.com/cuemby/codebroker/pkg/metrics"
)

// nullIO is used for the worker's main task, whose stdout/stderr are not
// consumed directly — all I/O with a worker happens through Exec.
var nullIO = cio.NullIO

// ExecResult is the outcome of running one command inside a worker.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs argv inside the worker named name, streaming stdin in and
// collecting stdout/stderr, and blocks until the remote process exits.
func (c *Client) Exec(ctx context.Context, name string, argv []string, stdin io.Reader) (ExecResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OrchestratorOpDuration, "exec")

	cctx := c.ctx(ctx)

	container, err := c.containerd.LoadContainer(cctx, name)
	if err != nil {
		return ExecResult{}, fmt.Errorf("load container %s: %w", name, err)
	}

	task, err := container.Task(cctx, nil)
	if err != nil {
		return ExecResult{}, fmt.Errorf("load task for %s: %w", name, err)
	}

	spec, err := container.Spec(cctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("load spec for %s: %w", name, err)
	}
	process := *spec.Process
	process.Args = argv
	process.Terminal = false

	var stdout, stderr bytes.Buffer
	if stdin == nil {
		stdin = bytes.NewReader(nil)
	}

	execID := "exec-" + uuid.New().String()
	proc, err := task.Exec(cctx, execID, &process, cio.NewCreator(cio.WithStreams(stdin, &stdout, &stderr)))
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec in %s: %w", name, err)
	}
	defer func() { _, _ = proc.Delete(cctx) }()

	statusC, err := proc.Wait(cctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("wait on exec in %s: %w", name, err)
	}

	if err := proc.Start(cctx); err != nil {
		return ExecResult{}, fmt.Errorf("start exec in %s: %w", name, err)
	}

	select {
	case <-cctx.Done():
		_ = proc.Kill(context.Background(), 9)
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}, cctx.Err()
	case status := <-statusC:
		return ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: int(status.ExitCode()),
		}, nil
	}
}
