// Package workerio implements the worker I/O protocol (component C):
// upload, download, list, and remove files inside a worker's /workspace by
// exec'ing shell commands through the orchestrator client. The worker image
// is a black box that only needs to run a POSIX shell; no worker-side agent
// is required.
package workerio

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cuemby/codebroker/pkg/orchestrator"
)

// WorkspaceRoot is the fixed mount point inside every worker.
const WorkspaceRoot = "/workspace"

// execer is the subset of orchestrator.Client this package depends on, so
// tests can substitute a fake.
type execer interface {
	Exec(ctx context.Context, name string, argv []string, stdin io.Reader) (orchestrator.ExecResult, error)
}

// IO bridges the session workspace manager to a worker's filesystem.
type IO struct {
	orch execer
}

// New wraps an orchestrator client.
func New(orch execer) *IO {
	return &IO{orch: orch}
}

// List hashes every regular file under /workspace and returns path (relative
// to /workspace, forward-slash separated) to hex SHA-256 digest.
func (io_ *IO) List(ctx context.Context, worker string) (map[string]string, error) {
	script := fmt.Sprintf(
		`cd %s && find . -type f -exec sha256sum {} \; 2>/dev/null`,
		shQuote(WorkspaceRoot),
	)
	res, err := io_.orch.Exec(ctx, worker, []string{"sh", "-c", script}, nil)
	if err != nil {
		return nil, fmt.Errorf("list workspace on %s: %w", worker, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("list workspace on %s: exit %d: %s", worker, res.ExitCode, res.Stderr)
	}

	out := make(map[string]string)
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "  ", 2)
		if len(fields) != 2 {
			continue
		}
		hash, rel := fields[0], fields[1]
		rel = strings.TrimPrefix(rel, "./")
		out[rel] = hash
	}
	return out, nil
}

// Upload streams data to path relative to /workspace, creating any parent
// directories.
func (io_ *IO) Upload(ctx context.Context, worker, relPath string, data io.Reader) error {
	target := path.Join(WorkspaceRoot, relPath)
	dir := path.Dir(target)
	script := fmt.Sprintf(`mkdir -p %s && cat > %s`, shQuote(dir), shQuote(target))

	res, err := io_.orch.Exec(ctx, worker, []string{"sh", "-c", script}, data)
	if err != nil {
		return fmt.Errorf("upload %s to %s: %w", relPath, worker, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("upload %s to %s: exit %d: %s", relPath, worker, res.ExitCode, res.Stderr)
	}
	return nil
}

// Download reads the full contents of path relative to /workspace.
func (io_ *IO) Download(ctx context.Context, worker, relPath string) ([]byte, error) {
	target := path.Join(WorkspaceRoot, relPath)
	res, err := io_.orch.Exec(ctx, worker, []string{"cat", target}, nil)
	if err != nil {
		return nil, fmt.Errorf("download %s from %s: %w", relPath, worker, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("download %s from %s: exit %d: %s", relPath, worker, res.ExitCode, res.Stderr)
	}
	return []byte(res.Stdout), nil
}

// Remove deletes path relative to /workspace if it exists.
func (io_ *IO) Remove(ctx context.Context, worker, relPath string) error {
	target := path.Join(WorkspaceRoot, relPath)
	res, err := io_.orch.Exec(ctx, worker, []string{"rm", "-f", "--", target}, nil)
	if err != nil {
		return fmt.Errorf("remove %s on %s: %w", relPath, worker, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("remove %s on %s: exit %d: %s", relPath, worker, res.ExitCode, res.Stderr)
	}
	return nil
}

// shQuote single-quotes s for safe inclusion in an sh -c script.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
