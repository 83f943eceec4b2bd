// Package execsvc is the code execution service: it orchestrates the pool,
// the workspace manager, the worker I/O protocol, and the file store to
// satisfy execute, upload/download, and custom-tool requests.
package execsvc

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/codebroker/pkg/brokerrors"
	"github.com/cuemby/codebroker/pkg/customtool"
	"github.com/cuemby/codebroker/pkg/log"
	"github.com/cuemby/codebroker/pkg/metrics"
	"github.com/cuemby/codebroker/pkg/orchestrator"
	"github.com/cuemby/codebroker/pkg/types"
)

// TruncationSentinel is appended to stdout or stderr cut at the output byte
// limit.
const TruncationSentinel = "\n...[output truncated]"

// Pool hands out single-use workers.
type Pool interface {
	Acquire(ctx context.Context, chatID string) (*types.Worker, error)
	Release(ctx context.Context, w *types.Worker)
}

// Workspace projects and extracts worker workspaces.
type Workspace interface {
	Project(ctx context.Context, worker string, requested map[string]string, persistent bool) error
	Extract(ctx context.Context, worker, tenantID string, projected map[string]string, quota *int64, expiresAt *time.Time) (map[string]string, map[string]*types.FileObject, error)
}

// Execer runs commands inside a worker.
type Execer interface {
	Exec(ctx context.Context, name string, argv []string, stdin io.Reader) (orchestrator.ExecResult, error)
}

// Store is the file object store surface the service exposes to clients.
type Store interface {
	Put(ctx context.Context, tenantID, filename string, r io.Reader, quota *int64, expiresAt *time.Time) (*types.FileObject, error)
	Get(ctx context.Context, tenantID, filename, hash string, decrementQuota bool) (io.ReadCloser, *types.FileObject, error)
	Expire(tenantID, filename, hash string) error
}

// Config tunes the service.
type Config struct {
	// RequireChatID rejects execute requests without a chat_id.
	RequireChatID bool

	// MaxOutputBytes bounds captured stdout and stderr individually.
	MaxOutputBytes int

	// GlobalMaxDownloads caps any per-request max_downloads; nil = no cap.
	GlobalMaxDownloads *int64

	// Interpreter runs user source; the worker image must provide it.
	Interpreter string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxOutputBytes <= 0 {
		out.MaxOutputBytes = 1 << 20
	}
	if out.Interpreter == "" {
		out.Interpreter = "python3"
	}
	return out
}

// scratchDir is where user source and tool arguments live inside a worker,
// deliberately outside /workspace so they never appear in extraction.
const scratchDir = "/tmp/.broker"

// Service implements the broker's request semantics.
type Service struct {
	cfg    Config
	pool   Pool
	ws     Workspace
	exec   Execer
	store  Store
	tools  *customtool.Parser
	logger zerolog.Logger
}

// New wires the service together.
func New(cfg Config, pool Pool, ws Workspace, exec Execer, store Store, tools *customtool.Parser) *Service {
	if tools == nil {
		tools = customtool.NewParser(nil)
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		pool:   pool,
		ws:     ws,
		exec:   exec,
		store:  store,
		tools:  tools,
		logger: log.WithComponent("execsvc"),
	}
}

// Execute runs one code execution request end to end: acquire a worker,
// project the declared files, run the source, extract the workspace, and
// always destroy the worker. A non-zero exit of the user code is a success
// with ExitCode set, not an error.
func (s *Service) Execute(ctx context.Context, req *types.ExecuteRequest) (*types.ExecuteResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ExecuteDuration)

	if s.cfg.RequireChatID && req.ChatID == "" {
		metrics.ExecuteResultsTotal.WithLabelValues("invalid_argument").Inc()
		return nil, brokerrors.Wrap(brokerrors.InvalidArgument, "execsvc.Execute", "chat_id is required", nil)
	}
	if req.SourceCode == "" {
		metrics.ExecuteResultsTotal.WithLabelValues("invalid_argument").Inc()
		return nil, brokerrors.Wrap(brokerrors.InvalidArgument, "execsvc.Execute", "source_code is required", nil)
	}
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	worker, err := s.pool.Acquire(ctx, req.ChatID)
	if err != nil {
		metrics.ExecuteResultsTotal.WithLabelValues("unavailable").Inc()
		return nil, err
	}
	defer s.pool.Release(context.WithoutCancel(ctx), worker)

	l := s.logger.With().Str("worker_name", worker.Name).Str("chat_id", req.ChatID).Logger()

	if err := s.ws.Project(ctx, worker.Name, req.Files, req.PersistentWorkspace); err != nil {
		metrics.ExecuteResultsTotal.WithLabelValues("projection_failed").Inc()
		return nil, err
	}

	res, err := s.runSource(ctx, worker.Name, req.SourceCode, req.Env)
	if err != nil {
		metrics.ExecuteResultsTotal.WithLabelValues("execution_failed").Inc()
		return nil, brokerrors.Wrap(brokerrors.ExecutionFailed, "execsvc.Execute", "run user code", err)
	}

	quota := s.capQuota(req.MaxDownloads)
	expiresAt := computeExpiry(time.Now(), req.ExpiresDays, req.ExpiresSeconds)

	files, produced, err := s.ws.Extract(ctx, worker.Name, req.ChatID, req.Files, quota, expiresAt)
	if err != nil {
		metrics.ExecuteResultsTotal.WithLabelValues("extraction_failed").Inc()
		return nil, brokerrors.Wrap(brokerrors.Internal, "execsvc.Execute", "extract workspace", err)
	}

	l.Info().Int("exit_code", res.ExitCode).Int("files", len(files)).Msg("execution complete")
	metrics.ExecuteResultsTotal.WithLabelValues("ok").Inc()

	return &types.ExecuteResult{
		Stdout:        s.truncate(res.Stdout),
		Stderr:        s.truncate(res.Stderr),
		ExitCode:      res.ExitCode,
		Files:         files,
		FilesMetadata: produced,
		ChatID:        req.ChatID,
	}, nil
}

// runSource uploads source into the worker's scratch area and invokes the
// interpreter with the request env merged in, working directory /workspace.
func (s *Service) runSource(ctx context.Context, worker, source string, env map[string]string) (orchestrator.ExecResult, error) {
	stage := fmt.Sprintf("mkdir -p %s && cat > %s/main.py", shQuote(scratchDir), shQuote(scratchDir))
	res, err := s.exec.Exec(ctx, worker, []string{"sh", "-c", stage}, strings.NewReader(source))
	if err != nil {
		return orchestrator.ExecResult{}, fmt.Errorf("stage source: %w", err)
	}
	if res.ExitCode != 0 {
		return orchestrator.ExecResult{}, fmt.Errorf("stage source: exit %d: %s", res.ExitCode, res.Stderr)
	}

	var sb strings.Builder
	sb.WriteString("cd /workspace && exec env")
	for k, v := range env {
		sb.WriteString(" ")
		sb.WriteString(shQuote(k + "=" + v))
	}
	sb.WriteString(" ")
	sb.WriteString(shQuote(s.cfg.Interpreter))
	sb.WriteString(" ")
	sb.WriteString(shQuote(scratchDir + "/main.py"))

	return s.exec.Exec(ctx, worker, []string{"sh", "-c", sb.String()}, nil)
}

// Upload stores one client-supplied file.
func (s *Service) Upload(ctx context.Context, req *types.UploadRequest, r io.Reader) (*types.FileObject, error) {
	if req.Filename == "" {
		return nil, brokerrors.Wrap(brokerrors.InvalidArgument, "execsvc.Upload", "filename is required", nil)
	}
	quota := s.capQuota(req.MaxDownloads)
	expiresAt := computeExpiry(time.Now(), req.ExpiresDays, req.ExpiresSeconds)
	return s.store.Put(ctx, req.ChatID, req.Filename, r, quota, expiresAt)
}

// Download opens a stored file for a user-facing read, consuming one unit
// of download quota.
func (s *Service) Download(ctx context.Context, chatID, filename, hash string) (io.ReadCloser, *types.FileObject, error) {
	return s.store.Get(ctx, chatID, filename, hash, true)
}

// ExpireFile marks a stored file expired and quota-exhausted.
func (s *Service) ExpireFile(ctx context.Context, chatID, filename, hash string) error {
	return s.store.Expire(chatID, filename, hash)
}

// ParseCustomTool extracts the typed input schema from a tool source.
func (s *Service) ParseCustomTool(source string) (*types.CustomTool, error) {
	return s.tools.Parse(source)
}

// toolOutputUnserializable is the driver's exit code when the tool's return
// value cannot be JSON-serialized.
const toolOutputUnserializable = 86

// ExecuteCustomTool validates inputJSON against the tool's schema, then runs
// the tool in a fresh worker with the arguments bridged through a JSON file
// and returns the JSON-serialized return value.
func (s *Service) ExecuteCustomTool(ctx context.Context, source, inputJSON string, env map[string]string) (string, error) {
	tool, err := s.tools.Parse(source)
	if err != nil {
		return "", err
	}
	if inputJSON == "" {
		inputJSON = "{}"
	}
	if err := customtool.ValidateInput(tool.InputSchemaJSON, inputJSON); err != nil {
		return "", err
	}

	worker, err := s.pool.Acquire(ctx, "")
	if err != nil {
		return "", err
	}
	defer s.pool.Release(context.WithoutCancel(ctx), worker)

	stage := fmt.Sprintf("mkdir -p %s && cat > %s/args.json", shQuote(scratchDir), shQuote(scratchDir))
	res, err := s.exec.Exec(ctx, worker.Name, []string{"sh", "-c", stage}, strings.NewReader(inputJSON))
	if err != nil || res.ExitCode != 0 {
		return "", brokerrors.Wrap(brokerrors.ExecutionFailed, "execsvc.ExecuteCustomTool", "stage arguments", err)
	}

	driver := toolDriver(tool.Name)
	res, err = s.runSource(ctx, worker.Name, source+driver, env)
	if err != nil {
		return "", brokerrors.Wrap(brokerrors.ExecutionFailed, "execsvc.ExecuteCustomTool", "run tool", err)
	}
	switch {
	case res.ExitCode == toolOutputUnserializable:
		return "", brokerrors.Wrap(brokerrors.InvalidToolOutput, "execsvc.ExecuteCustomTool", "tool return value is not JSON-serializable", nil)
	case res.ExitCode != 0:
		return "", brokerrors.Wrap(brokerrors.ExecutionFailed, "execsvc.ExecuteCustomTool",
			fmt.Sprintf("tool exited with %d: %s", res.ExitCode, s.truncate(res.Stderr)), nil)
	}

	out, err := s.exec.Exec(ctx, worker.Name, []string{"cat", scratchDir + "/result.json"}, nil)
	if err != nil || out.ExitCode != 0 {
		return "", brokerrors.Wrap(brokerrors.InvalidToolOutput, "execsvc.ExecuteCustomTool", "tool produced no output", err)
	}
	return out.Stdout, nil
}

// toolDriver is the harness appended to the tool source: it loads the staged
// arguments, calls the tool, and writes the JSON result, exiting with a
// sentinel code if the result does not serialize.
func toolDriver(name string) string {
	return fmt.Sprintf(`

if __name__ == '__main__':
    import json as _json
    import sys as _sys
    with open(%q) as _f:
        _args = _json.load(_f)
    _result = %s(**_args)
    try:
        _out = _json.dumps(_result)
    except (TypeError, ValueError):
        _sys.exit(%d)
    with open(%q, 'w') as _f:
        _f.write(_out)
`, scratchDir+"/args.json", name, toolOutputUnserializable, scratchDir+"/result.json")
}

func (s *Service) truncate(out string) string {
	if len(out) <= s.cfg.MaxOutputBytes {
		return out
	}
	return out[:s.cfg.MaxOutputBytes] + TruncationSentinel
}

func (s *Service) capQuota(requested *int64) *int64 {
	if requested == nil {
		return s.cfg.GlobalMaxDownloads
	}
	if s.cfg.GlobalMaxDownloads != nil && *s.cfg.GlobalMaxDownloads < *requested {
		return s.cfg.GlobalMaxDownloads
	}
	return requested
}

// computeExpiry converts the request's relative expiry fields into an
// absolute instant; when both are set the earlier wins.
func computeExpiry(now time.Time, days, seconds *int64) *time.Time {
	var out *time.Time
	if days != nil {
		t := now.Add(time.Duration(*days) * 24 * time.Hour).UTC()
		out = &t
	}
	if seconds != nil {
		t := now.Add(time.Duration(*seconds) * time.Second).UTC()
		if out == nil || t.Before(*out) {
			out = &t
		}
	}
	return out
}

// shQuote single-quotes s for inclusion in an sh -c script.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
