// Package httpapi binds the code execution service to the HTTP JSON surface.
// Handlers are thin: decode, delegate, translate error kinds to status codes.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/codebroker/pkg/brokerrors"
	"github.com/cuemby/codebroker/pkg/execsvc"
	"github.com/cuemby/codebroker/pkg/log"
	"github.com/cuemby/codebroker/pkg/metrics"
	"github.com/cuemby/codebroker/pkg/types"
)

// maxUploadMemory bounds the in-memory part of multipart parsing; larger
// files spill to disk.
const maxUploadMemory = 32 << 20

// Server serves the /v1 JSON API.
type Server struct {
	svc    *execsvc.Service
	logger zerolog.Logger
	mux    *http.ServeMux
}

// NewServer builds the API router around a service.
func NewServer(svc *execsvc.Service) *Server {
	s := &Server{
		svc:    svc,
		logger: log.WithComponent("httpapi"),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/execute", s.handleExecute)
	s.mux.HandleFunc("POST /v1/upload", s.handleUpload)
	s.mux.HandleFunc("POST /v1/download", s.handleDownload)
	s.mux.HandleFunc("POST /v1/expire", s.handleExpire)
	s.mux.HandleFunc("POST /v1/parse-custom-tool", s.handleParseCustomTool)
	s.mux.HandleFunc("POST /v1/execute-custom-tool", s.handleExecuteCustomTool)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /healthz", metrics.HealthHandler())
	s.mux.HandleFunc("GET /readyz", metrics.ReadyHandler())
	s.mux.HandleFunc("GET /livez", metrics.LivenessHandler())
	return s
}

// Handler returns the root handler with request logging and metrics applied.
func (s *Server) Handler() http.Handler {
	return s.instrument(s.mux)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		metrics.APIRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(sw.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

type executeRequest struct {
	SourceCode          string            `json:"source_code"`
	Files               map[string]string `json:"files,omitempty"`
	Env                 map[string]string `json:"env,omitempty"`
	ChatID              string            `json:"chat_id"`
	PersistentWorkspace bool              `json:"persistent_workspace,omitempty"`
	MaxDownloads        *int64            `json:"max_downloads,omitempty"`
	ExpiresDays         *int64            `json:"expires_days,omitempty"`
	ExpiresSeconds      *int64            `json:"expires_seconds,omitempty"`
}

type executeResponse struct {
	Stdout        string                   `json:"stdout"`
	Stderr        string                   `json:"stderr"`
	ExitCode      int                      `json:"exit_code"`
	Files         map[string]string        `json:"files"`
	FilesMetadata map[string]*fileMetadata `json:"files_metadata"`
	ChatID        string                   `json:"chat_id"`
}

type fileMetadata struct {
	FileHash           string     `json:"file_hash"`
	Filename           string     `json:"filename"`
	Size               int64      `json:"size"`
	CreatedAt          time.Time  `json:"created_at"`
	RemainingDownloads *int64     `json:"remaining_downloads"`
	ExpiresAt          *time.Time `json:"expires_at"`
}

func toFileMetadata(obj *types.FileObject) *fileMetadata {
	return &fileMetadata{
		FileHash:           obj.ContentHash,
		Filename:           obj.Filename,
		Size:               obj.Size,
		CreatedAt:          obj.CreatedAt,
		RemainingDownloads: obj.RemainingDownloads,
		ExpiresAt:          obj.ExpiresAt,
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, brokerrors.Wrap(brokerrors.InvalidArgument, "httpapi.execute", "decode request body", err))
		return
	}

	result, err := s.svc.Execute(r.Context(), &types.ExecuteRequest{
		ChatID:              req.ChatID,
		SourceCode:          req.SourceCode,
		Files:               req.Files,
		Env:                 req.Env,
		PersistentWorkspace: req.PersistentWorkspace,
		MaxDownloads:        req.MaxDownloads,
		ExpiresDays:         req.ExpiresDays,
		ExpiresSeconds:      req.ExpiresSeconds,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	meta := make(map[string]*fileMetadata, len(result.FilesMetadata))
	for p, obj := range result.FilesMetadata {
		meta[p] = toFileMetadata(obj)
	}
	if result.Files == nil {
		result.Files = map[string]string{}
	}
	s.writeJSON(w, http.StatusOK, executeResponse{
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		ExitCode:      result.ExitCode,
		Files:         result.Files,
		FilesMetadata: meta,
		ChatID:        result.ChatID,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.writeError(w, brokerrors.Wrap(brokerrors.InvalidArgument, "httpapi.upload", "parse multipart form", err))
		return
	}
	file, header, err := r.FormFile("upload")
	if err != nil {
		s.writeError(w, brokerrors.Wrap(brokerrors.InvalidArgument, "httpapi.upload", "missing upload field", err))
		return
	}
	defer file.Close()

	req := &types.UploadRequest{
		ChatID:   r.FormValue("chat_id"),
		TenantID: r.FormValue("chat_id"),
		Filename: header.Filename,
	}
	if req.MaxDownloads, err = optionalInt(r.FormValue("max_downloads")); err != nil {
		s.writeError(w, brokerrors.Wrap(brokerrors.InvalidArgument, "httpapi.upload", "bad max_downloads", err))
		return
	}
	if req.ExpiresDays, err = optionalInt(r.FormValue("expires_days")); err != nil {
		s.writeError(w, brokerrors.Wrap(brokerrors.InvalidArgument, "httpapi.upload", "bad expires_days", err))
		return
	}
	if req.ExpiresSeconds, err = optionalInt(r.FormValue("expires_seconds")); err != nil {
		s.writeError(w, brokerrors.Wrap(brokerrors.InvalidArgument, "httpapi.upload", "bad expires_seconds", err))
		return
	}

	obj, err := s.svc.Upload(r.Context(), req, file)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"file_hash": obj.ContentHash,
		"filename":  obj.Filename,
		"chat_id":   req.ChatID,
		"metadata":  toFileMetadata(obj),
	})
}

type fileRef struct {
	ChatID   string `json:"chat_id"`
	FileHash string `json:"file_hash"`
	Filename string `json:"filename"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req fileRef
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, brokerrors.Wrap(brokerrors.InvalidArgument, "httpapi.download", "decode request body", err))
		return
	}

	rc, obj, err := s.svc.Download(r.Context(), req.ChatID, req.Filename, req.FileHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", obj.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("X-File-Hash", obj.ContentHash)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn().Err(err).Str("file_hash", obj.ContentHash).Msg("download stream interrupted")
	}
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	var req fileRef
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, brokerrors.Wrap(brokerrors.InvalidArgument, "httpapi.expire", "decode request body", err))
		return
	}
	if err := s.svc.ExpireFile(r.Context(), req.ChatID, req.Filename, req.FileHash); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleParseCustomTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToolSourceCode string `json:"tool_source_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, brokerrors.Wrap(brokerrors.InvalidArgument, "httpapi.parse-custom-tool", "decode request body", err))
		return
	}
	tool, err := s.svc.ParseCustomTool(req.ToolSourceCode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"tool_name":              tool.Name,
		"tool_input_schema_json": tool.InputSchemaJSON,
		"tool_description":       tool.Description,
	})
}

func (s *Server) handleExecuteCustomTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToolSourceCode string            `json:"tool_source_code"`
		ToolInputJSON  string            `json:"tool_input_json"`
		Env            map[string]string `json:"env,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, brokerrors.Wrap(brokerrors.InvalidArgument, "httpapi.execute-custom-tool", "decode request body", err))
		return
	}
	out, err := s.svc.ExecuteCustomTool(r.Context(), req.ToolSourceCode, req.ToolInputJSON, req.Env)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"tool_output_json": out})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn().Err(err).Msg("encode response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := brokerrors.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	} else {
		s.logger.Debug().Err(err).Str("kind", string(kind)).Msg("request rejected")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

// statusFor maps error kinds onto HTTP status codes: 4xx for client-caused
// failures, 5xx for internal ones.
func statusFor(kind brokerrors.Kind) int {
	switch kind {
	case brokerrors.InvalidArgument, brokerrors.InvalidTool:
		return http.StatusBadRequest
	case brokerrors.NotFound:
		return http.StatusNotFound
	case brokerrors.Expired:
		return http.StatusGone
	case brokerrors.QuotaExhausted:
		return http.StatusTooManyRequests
	case brokerrors.WorkspaceProjectionFailed:
		return http.StatusUnprocessableEntity
	case brokerrors.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func optionalInt(v string) (*int64, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
