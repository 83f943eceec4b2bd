// Package workspace implements the session workspace manager: projecting a
// requested file map into a worker's /workspace by content-hash diff, and
// extracting the post-execution workspace back into the file object store.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/codebroker/pkg/brokerrors"
	"github.com/cuemby/codebroker/pkg/filestore"
	"github.com/cuemby/codebroker/pkg/log"
	"github.com/cuemby/codebroker/pkg/metrics"
	"github.com/cuemby/codebroker/pkg/types"
	"github.com/cuemby/codebroker/pkg/workerio"
)

// transferConcurrency bounds parallel file transfers into and out of a
// worker; each transfer is one exec stream.
const transferConcurrency = 4

// WorkerIO is the worker file protocol the manager drives (component C).
type WorkerIO interface {
	List(ctx context.Context, worker string) (map[string]string, error)
	Upload(ctx context.Context, worker, relPath string, data io.Reader) error
	Download(ctx context.Context, worker, relPath string) ([]byte, error)
	Remove(ctx context.Context, worker, relPath string) error
}

// BlobStore is the file store surface the manager needs: hash-addressed
// reads for projection, metadata-writing puts for extraction.
type BlobStore interface {
	OpenBlob(hash string) (io.ReadCloser, error)
	Put(ctx context.Context, tenantID, filename string, r io.Reader, quota *int64, expiresAt *time.Time) (*types.FileObject, error)
}

// Manager reconciles worker workspaces against declared file maps.
type Manager struct {
	io     WorkerIO
	store  BlobStore
	logger zerolog.Logger
}

// New creates a workspace manager.
func New(workerIO WorkerIO, store BlobStore) *Manager {
	return &Manager{
		io:     workerIO,
		store:  store,
		logger: log.WithComponent("workspace"),
	}
}

// NormalizeFiles canonicalizes a client-supplied file map to the relative
// path convention used throughout: keys relative to /workspace, forward
// slashes, no leading slash. A leading "/workspace/" is accepted and
// stripped; any other absolute path, or a path escaping the workspace, is
// rejected.
func NormalizeFiles(files map[string]string) (map[string]string, error) {
	if len(files) == 0 {
		return files, nil
	}
	out := make(map[string]string, len(files))
	for p, h := range files {
		rel, err := normalizePath(p)
		if err != nil {
			return nil, brokerrors.Wrap(brokerrors.InvalidArgument, "workspace.NormalizeFiles", err.Error(), nil)
		}
		if prev, dup := out[rel]; dup && prev != h {
			return nil, brokerrors.Wrap(brokerrors.InvalidArgument, "workspace.NormalizeFiles",
				fmt.Sprintf("conflicting hashes for path %q", rel), nil)
		}
		out[rel] = h
	}
	return out, nil
}

func normalizePath(p string) (string, error) {
	orig := p
	if p == workerio.WorkspaceRoot {
		return "", fmt.Errorf("path %q names the workspace root, not a file", orig)
	}
	p = strings.TrimPrefix(p, workerio.WorkspaceRoot+"/")
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute path %q is outside the workspace", orig)
	}
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("path %q escapes the workspace", orig)
	}
	return p, nil
}

// Project makes worker:/workspace contain exactly the files in requested
// (path -> content hash). Files present in the worker but absent from the
// request are removed unless persistent is true. On any error the caller
// must destroy the worker rather than reuse it; a partially projected
// workspace is not recoverable.
func (m *Manager) Project(ctx context.Context, worker string, requested map[string]string, persistent bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WorkspaceProjectionDuration)

	requested, err := NormalizeFiles(requested)
	if err != nil {
		return err
	}

	listed, err := m.io.List(ctx, worker)
	if err != nil {
		return brokerrors.Wrap(brokerrors.WorkspaceProjectionFailed, "workspace.Project", "list workspace", err)
	}

	var toRemove []string
	if !persistent {
		for p := range listed {
			if _, ok := requested[p]; !ok {
				toRemove = append(toRemove, p)
			}
		}
	}
	var toAdd []string
	for p, h := range requested {
		if listed[p] != h {
			toAdd = append(toAdd, p)
		}
	}

	for _, p := range toRemove {
		if err := m.io.Remove(ctx, worker, p); err != nil {
			return brokerrors.Wrap(brokerrors.WorkspaceProjectionFailed, "workspace.Project", "remove "+p, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferConcurrency)
	for _, p := range toAdd {
		p := p
		g.Go(func() error {
			blob, err := m.store.OpenBlob(requested[p])
			if err != nil {
				return fmt.Errorf("open blob for %s: %w", p, err)
			}
			defer blob.Close()
			if err := m.io.Upload(gctx, worker, p, blob); err != nil {
				return fmt.Errorf("upload %s: %w", p, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return brokerrors.Wrap(brokerrors.WorkspaceProjectionFailed, "workspace.Project", "transfer files", err)
	}

	m.logger.Debug().
		Str("worker_name", worker).
		Int("added", len(toAdd)).
		Int("removed", len(toRemove)).
		Int("unchanged", len(listed)-len(toRemove)).
		Msg("workspace projected")
	return nil
}

// Extract uploads every file in worker:/workspace whose content differs
// from the projected map into the file store under tenantID, applying quota
// and expiry to the newly stored objects. It returns the full post-execution
// file map (path -> hash) and store metadata for the new files. Keys in both
// returned maps follow the same convention as the inputs: relative to
// /workspace, no leading slash.
func (m *Manager) Extract(ctx context.Context, worker, tenantID string, projected map[string]string, quota *int64, expiresAt *time.Time) (map[string]string, map[string]*types.FileObject, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WorkspaceExtractionDuration)

	projected, err := NormalizeFiles(projected)
	if err != nil {
		return nil, nil, err
	}

	listed, err := m.io.List(ctx, worker)
	if err != nil {
		return nil, nil, fmt.Errorf("list workspace after execution: %w", err)
	}

	var mu sync.Mutex
	produced := make(map[string]*types.FileObject)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferConcurrency)
	for p, h := range listed {
		if projected[p] == h {
			continue
		}
		p := p
		g.Go(func() error {
			data, err := m.io.Download(gctx, worker, p)
			if err != nil {
				return fmt.Errorf("download %s: %w", p, err)
			}
			obj, err := m.store.Put(gctx, tenantID, p, bytes.NewReader(data), quota, expiresAt)
			if err != nil {
				return fmt.Errorf("store %s: %w", p, err)
			}
			mu.Lock()
			produced[p] = obj
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// The returned map carries the store's hashes, computed from the bytes
	// as they were streamed in; the worker's own hash output is only a
	// change detector.
	files := make(map[string]string, len(listed))
	for p, h := range listed {
		if obj, ok := produced[p]; ok {
			files[p] = obj.ContentHash
		} else {
			files[p] = h
		}
	}

	m.logger.Debug().
		Str("worker_name", worker).
		Int("files", len(files)).
		Int("new", len(produced)).
		Msg("workspace extracted")
	return files, produced, nil
}

var _ BlobStore = (*filestore.Store)(nil)
