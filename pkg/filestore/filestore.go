// Package filestore implements the content-addressed file object store:
// immutable blobs keyed by SHA-256, with a mutable per-(tenant, filename,
// hash) metadata sidecar carrying download quota and expiry.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/codebroker/pkg/brokerrors"
	"github.com/cuemby/codebroker/pkg/log"
	"github.com/cuemby/codebroker/pkg/metrics"
	"github.com/cuemby/codebroker/pkg/types"
)

const (
	blobsDir = "blobs"
	metaDir  = "meta"
	tmpDir   = "tmp"

	// tmpMaxAge bounds how long an abandoned temp upload survives before
	// Reclaim removes it.
	tmpMaxAge = time.Hour
)

// Store is a content-addressed blob store rooted at a single directory.
//
// Layout:
//
//	<root>/blobs/<hh>/<hash>                          blob bytes, immutable
//	<root>/meta/<tenant>/<hash>__<filename>.json      metadata sidecar
//	<root>/tmp/                                       in-progress uploads
type Store struct {
	root   string
	locks  sync.Map // metadata key -> *sync.Mutex
	logger zerolog.Logger

	// putMu is the reclaim barrier: Puts hold it shared, the blob phase of
	// Reclaim holds it exclusively, and blobs whose mtime is at or after
	// the sweep start are never deleted.
	putMu sync.RWMutex
}

// Open creates (if needed) and opens a store rooted at root.
func Open(root string) (*Store, error) {
	for _, dir := range []string{blobsDir, metaDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", dir, err)
		}
	}
	return &Store{
		root:   root,
		logger: log.WithComponent("filestore"),
	}, nil
}

func (s *Store) blobPath(hash string) string {
	shard := "00"
	if len(hash) >= 2 {
		shard = hash[:2]
	}
	return filepath.Join(s.root, blobsDir, shard, hash)
}

func (s *Store) metaPath(id types.ObjectIdentity) string {
	name := id.ContentHash + "__" + url.PathEscape(id.Filename) + ".json"
	return filepath.Join(s.root, metaDir, url.PathEscape(id.TenantID), name)
}

func (s *Store) lockFor(id types.ObjectIdentity) *sync.Mutex {
	key := id.TenantID + "\x00" + id.Filename + "\x00" + id.ContentHash
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Put streams r into the store, returning the resulting metadata. The blob
// write is idempotent: bytes already present under their hash are not
// rewritten. Metadata for an existing (tenant, filename, hash) is merged by
// taking the minimum remaining_downloads and the earlier expires_at; a quota
// or expiry is never extended by a later Put.
func (s *Store) Put(ctx context.Context, tenantID, filename string, r io.Reader, quota *int64, expiresAt *time.Time) (*types.FileObject, error) {
	s.putMu.RLock()
	defer s.putMu.RUnlock()

	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "put-"+uuid.New().String())
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	written, err := io.Copy(io.MultiWriter(h, tmp), &contextReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("stream to temp file: %w", err)
	}
	hash := hex.EncodeToString(h.Sum(nil))

	blobPath := s.blobPath(hash)
	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return nil, fmt.Errorf("create blob shard: %w", err)
	}
	if _, statErr := os.Stat(blobPath); statErr == nil {
		// Blob already present; refresh its mtime so an in-flight reclaim
		// sweep does not treat it as an orphan, and drop the temp copy.
		now := time.Now()
		_ = os.Chtimes(blobPath, now, now)
		os.Remove(tmpName)
	} else {
		if err := os.Rename(tmpName, blobPath); err != nil {
			return nil, fmt.Errorf("publish blob: %w", err)
		}
	}
	success = true
	metrics.BlobPutsTotal.Inc()

	id := types.ObjectIdentity{TenantID: tenantID, Filename: filename, ContentHash: hash}
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	obj, err := s.readMeta(id)
	switch {
	case err == nil:
		obj.RemainingDownloads = minQuota(obj.RemainingDownloads, quota)
		obj.ExpiresAt = earlierExpiry(obj.ExpiresAt, expiresAt)
	case os.IsNotExist(err):
		obj = &types.FileObject{
			ObjectIdentity:     id,
			Size:               written,
			CreatedAt:          time.Now().UTC(),
			RemainingDownloads: quota,
			ExpiresAt:          expiresAt,
		}
	default:
		return nil, fmt.Errorf("read existing metadata: %w", err)
	}

	if err := s.writeMeta(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Get opens the blob for the given identity. It fails with Expired if the
// expiry has passed, QuotaExhausted if no downloads remain, and NotFound if
// either the metadata or the blob is missing. When decrementQuota is true
// the remaining_downloads counter is decremented once the returned reader
// has been read to EOF; a stream abandoned mid-transfer does not consume
// quota. Projection reads pass false.
func (s *Store) Get(ctx context.Context, tenantID, filename, hash string, decrementQuota bool) (io.ReadCloser, *types.FileObject, error) {
	id := types.ObjectIdentity{TenantID: tenantID, Filename: filename, ContentHash: hash}
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	obj, err := s.readMeta(id)
	if err != nil {
		if os.IsNotExist(err) {
			metrics.BlobGetsTotal.WithLabelValues("not_found").Inc()
			return nil, nil, brokerrors.Wrap(brokerrors.NotFound, "filestore.Get", "no such object", nil)
		}
		return nil, nil, fmt.Errorf("read metadata: %w", err)
	}

	now := time.Now()
	if obj.Expired(now) {
		metrics.BlobGetsTotal.WithLabelValues("expired").Inc()
		return nil, nil, brokerrors.Wrap(brokerrors.Expired, "filestore.Get", "object expired", nil)
	}
	if obj.QuotaExhausted() {
		metrics.BlobGetsTotal.WithLabelValues("quota_exhausted").Inc()
		metrics.QuotaExhaustedTotal.Inc()
		return nil, nil, brokerrors.Wrap(brokerrors.QuotaExhausted, "filestore.Get", "download quota exhausted", nil)
	}

	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			metrics.BlobGetsTotal.WithLabelValues("not_found").Inc()
			return nil, nil, brokerrors.Wrap(brokerrors.NotFound, "filestore.Get", "blob missing", nil)
		}
		return nil, nil, fmt.Errorf("open blob: %w", err)
	}

	metrics.BlobGetsTotal.WithLabelValues("ok").Inc()
	if decrementQuota && obj.RemainingDownloads != nil {
		return &quotaReader{f: f, store: s, id: obj.ObjectIdentity}, obj, nil
	}
	return f, obj, nil
}

// quotaReader decrements the download quota once the underlying blob has
// been read through to EOF. Two readers racing on the last unit can both
// complete; the counter clamps at zero rather than going negative, keeping
// remaining_downloads monotonically non-increasing.
type quotaReader struct {
	f     io.ReadCloser
	store *Store
	id    types.ObjectIdentity
	done  bool
}

func (q *quotaReader) Read(p []byte) (int, error) {
	n, err := q.f.Read(p)
	if err == io.EOF && !q.done {
		q.done = true
		q.store.decrement(q.id)
	}
	return n, err
}

func (q *quotaReader) Close() error {
	return q.f.Close()
}

func (s *Store) decrement(id types.ObjectIdentity) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	obj, err := s.readMeta(id)
	if err != nil || obj.RemainingDownloads == nil || *obj.RemainingDownloads <= 0 {
		return
	}
	n := *obj.RemainingDownloads - 1
	obj.RemainingDownloads = &n
	if err := s.writeMeta(obj); err != nil {
		s.logger.Warn().Err(err).Str("content_hash", id.ContentHash).Msg("quota decrement failed")
	}
}

// Stat returns the metadata for an identity without touching the quota.
func (s *Store) Stat(tenantID, filename, hash string) (*types.FileObject, error) {
	id := types.ObjectIdentity{TenantID: tenantID, Filename: filename, ContentHash: hash}
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	obj, err := s.readMeta(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, brokerrors.Wrap(brokerrors.NotFound, "filestore.Stat", "no such object", nil)
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	return obj, nil
}

// OpenBlob opens a blob by content hash alone, bypassing metadata. This is
// the workspace projection path: the hash was supplied by the client, the
// bytes are immutable, and projection must not consume download quota.
func (s *Store) OpenBlob(hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, brokerrors.Wrap(brokerrors.NotFound, "filestore.OpenBlob", "blob "+hash+" missing", nil)
		}
		return nil, fmt.Errorf("open blob %s: %w", hash, err)
	}
	return f, nil
}

// Expire marks the identity as both quota-exhausted and expired, making it
// eligible for the next reclaim sweep. Expiring an unknown or already
// expired identity is not an error.
func (s *Store) Expire(tenantID, filename, hash string) error {
	id := types.ObjectIdentity{TenantID: tenantID, Filename: filename, ContentHash: hash}
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	obj, err := s.readMeta(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read metadata: %w", err)
	}

	zero := int64(0)
	now := time.Now().UTC()
	obj.RemainingDownloads = &zero
	obj.ExpiresAt = &now
	return s.writeMeta(obj)
}

// Reclaim sweeps the store: dead metadata (expired or quota-exhausted) is
// removed, then any blob no live metadata references is deleted, then stale
// temp files are cleaned. To avoid deleting a blob out from under an
// in-flight Put, the blob phase takes the put barrier and skips blobs whose
// mtime is at or after the sweep start.
func (s *Store) Reclaim(ctx context.Context) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReclaimDuration)

	sweepStart := time.Now()
	reclaimed := 0
	now := time.Now()

	live := make(map[string]bool)
	metaRoot := filepath.Join(s.root, metaDir)
	tenants, err := os.ReadDir(metaRoot)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return reclaimed, ctx.Err()
		}
		entries, err := os.ReadDir(filepath.Join(metaRoot, tenant.Name()))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(metaRoot, tenant.Name(), entry.Name())
			obj, err := readMetaFile(path)
			if err != nil {
				s.logger.Warn().Err(err).Str("path", path).Msg("unreadable metadata sidecar, removing")
				os.Remove(path)
				continue
			}

			mu := s.lockFor(obj.ObjectIdentity)
			mu.Lock()
			if obj.Expired(now) || obj.QuotaExhausted() {
				if err := os.Remove(path); err == nil {
					reclaimed++
					metrics.ReclaimedObjectsTotal.Inc()
				}
			} else {
				live[obj.ContentHash] = true
			}
			mu.Unlock()
		}
	}

	// Blob phase: block new Puts for the duration of the orphan scan so a
	// blob written after the metadata scan cannot be misread as dead.
	s.putMu.Lock()
	blobRoot := filepath.Join(s.root, blobsDir)
	shards, _ := os.ReadDir(blobRoot)
	for _, shard := range shards {
		blobs, err := os.ReadDir(filepath.Join(blobRoot, shard.Name()))
		if err != nil {
			continue
		}
		for _, blob := range blobs {
			if live[blob.Name()] {
				continue
			}
			info, err := blob.Info()
			if err != nil || !info.ModTime().Before(sweepStart) {
				continue
			}
			if err := os.Remove(filepath.Join(blobRoot, shard.Name(), blob.Name())); err == nil {
				reclaimed++
			}
		}
	}
	s.putMu.Unlock()

	tmpRoot := filepath.Join(s.root, tmpDir)
	stale, _ := os.ReadDir(tmpRoot)
	for _, entry := range stale {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > tmpMaxAge {
			os.Remove(filepath.Join(tmpRoot, entry.Name()))
		}
	}

	if reclaimed > 0 {
		s.logger.Info().Int("reclaimed", reclaimed).Msg("reclaim sweep complete")
	}
	return reclaimed, nil
}

func (s *Store) readMeta(id types.ObjectIdentity) (*types.FileObject, error) {
	return readMetaFile(s.metaPath(id))
}

func readMetaFile(path string) (*types.FileObject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var obj types.FileObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", path, err)
	}
	return &obj, nil
}

func (s *Store) writeMeta(obj *types.FileObject) error {
	path := s.metaPath(obj.ObjectIdentity)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create tenant metadata dir: %w", err)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	tmp := path + ".tmp." + uuid.New().String()[:8]
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish metadata: %w", err)
	}
	return nil
}

// minQuota merges two optional quotas, nil meaning unlimited.
func minQuota(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a <= *b {
		return a
	}
	return b
}

// earlierExpiry merges two optional expiries, nil meaning never.
func earlierExpiry(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Before(*b) {
		return a
	}
	return b
}

// HashBytes is the canonical content hash of a byte slice.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// contextReader aborts an in-flight stream when its context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
