package types

import "time"

// WorkerState is the lifecycle state of a sandbox worker, monotonic toward Gone.
type WorkerState string

const (
	WorkerProvisioning WorkerState = "provisioning"
	WorkerReady        WorkerState = "ready"
	WorkerAssigned     WorkerState = "assigned"
	WorkerTerminating  WorkerState = "terminating"
	WorkerGone         WorkerState = "gone"
)

// Worker tracks one ephemeral sandbox container inside the executor pool.
type Worker struct {
	Name           string
	State          WorkerState
	ChatID         string // set once Assigned
	CreatedAt      time.Time
	LastPhase      string // last-observed orchestrator phase string
	StateEnteredAt time.Time
}

// ObjectIdentity is the compound primary key of a FileObject.
type ObjectIdentity struct {
	TenantID    string `json:"tenant_id"`
	Filename    string `json:"filename"`
	ContentHash string `json:"content_hash"` // hex-encoded SHA-256
}

// FileObject is the metadata record for one stored blob. The blob bytes
// themselves live under the content hash and are immutable once written;
// this struct is the mutable, per-identity sidecar, serialized verbatim both
// to disk and onto the wire.
type FileObject struct {
	ObjectIdentity
	Size               int64      `json:"size"`
	CreatedAt          time.Time  `json:"created_at"`
	RemainingDownloads *int64     `json:"remaining_downloads"` // nil = unlimited
	ExpiresAt          *time.Time `json:"expires_at"`          // nil = never
}

// Expired reports whether this metadata's expiry has passed as of now.
func (f *FileObject) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && !now.Before(*f.ExpiresAt)
}

// QuotaExhausted reports whether no downloads remain.
func (f *FileObject) QuotaExhausted() bool {
	return f.RemainingDownloads != nil && *f.RemainingDownloads <= 0
}

// ExecuteRequest is the normalized input to the code execution service,
// independent of whether it arrived over HTTP or gRPC.
type ExecuteRequest struct {
	ChatID              string
	SourceCode          string
	Files               map[string]string // path -> content hash
	Env                 map[string]string
	PersistentWorkspace bool
	MaxDownloads        *int64
	ExpiresDays         *int64
	ExpiresSeconds      *int64
	Deadline            time.Time
}

// ExecuteResult is the normalized output of an execute request.
type ExecuteResult struct {
	Stdout        string
	Stderr        string
	ExitCode      int
	Files         map[string]string     // path -> content hash, post-execution
	FilesMetadata map[string]*FileObject // path -> store metadata for newly produced files
	ChatID        string
}

// UploadRequest describes a direct file upload outside of an execute call.
type UploadRequest struct {
	TenantID       string
	ChatID         string
	Filename       string
	MaxDownloads   *int64
	ExpiresDays    *int64
	ExpiresSeconds *int64
}

// CustomTool is the parsed, schema-bearing description of a user-authored
// tool function, produced by the schema extractor (component G).
type CustomTool struct {
	Name            string
	InputSchemaJSON string // Draft-07 JSON Schema, serialized
	Description     string
	SourceCode      string
}
