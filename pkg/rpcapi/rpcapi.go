// Package rpcapi exposes the broker over gRPC, mirroring the HTTP surface.
// The service is registered through a hand-authored ServiceDesc with a JSON
// wire codec and the HTTP API's field names. Two shapes differ from the HTTP
// bodies: file metadata (files_metadata, upload metadata) is the store's
// types.FileObject record (tenant_id, filename, content_hash, size,
// created_at, remaining_downloads, expires_at) rather than the HTTP
// file_hash form, and Upload/Download carry file content inline as base64.
package rpcapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/cuemby/codebroker/pkg/brokerrors"
	"github.com/cuemby/codebroker/pkg/execsvc"
	"github.com/cuemby/codebroker/pkg/log"
	"github.com/cuemby/codebroker/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "codebroker.v1.Broker"

// ExecuteRequest mirrors the HTTP execute body.
type ExecuteRequest struct {
	SourceCode          string            `json:"source_code"`
	Files               map[string]string `json:"files,omitempty"`
	Env                 map[string]string `json:"env,omitempty"`
	ChatID              string            `json:"chat_id"`
	PersistentWorkspace bool              `json:"persistent_workspace,omitempty"`
	MaxDownloads        *int64            `json:"max_downloads,omitempty"`
	ExpiresDays         *int64            `json:"expires_days,omitempty"`
	ExpiresSeconds      *int64            `json:"expires_seconds,omitempty"`
}

// ExecuteResponse mirrors the HTTP execute response, except that
// FilesMetadata holds the store's FileObject records.
type ExecuteResponse struct {
	Stdout        string                       `json:"stdout"`
	Stderr        string                       `json:"stderr"`
	ExitCode      int                          `json:"exit_code"`
	Files         map[string]string            `json:"files"`
	FilesMetadata map[string]*types.FileObject `json:"files_metadata"`
	ChatID        string                       `json:"chat_id"`
}

// UploadRequest carries file content inline, base64-encoded.
type UploadRequest struct {
	ChatID         string `json:"chat_id"`
	Filename       string `json:"filename"`
	ContentBase64  string `json:"content_base64"`
	MaxDownloads   *int64 `json:"max_downloads,omitempty"`
	ExpiresDays    *int64 `json:"expires_days,omitempty"`
	ExpiresSeconds *int64 `json:"expires_seconds,omitempty"`
}

// UploadResponse mirrors the HTTP upload response, except that Metadata is
// the store's FileObject record.
type UploadResponse struct {
	FileHash string            `json:"file_hash"`
	Filename string            `json:"filename"`
	ChatID   string            `json:"chat_id"`
	Metadata *types.FileObject `json:"metadata"`
}

// FileRef identifies one stored file object.
type FileRef struct {
	ChatID   string `json:"chat_id"`
	FileHash string `json:"file_hash"`
	Filename string `json:"filename"`
}

// DownloadResponse returns the file bytes inline, base64-encoded.
type DownloadResponse struct {
	Filename      string `json:"filename"`
	FileHash      string `json:"file_hash"`
	ContentBase64 string `json:"content_base64"`
}

// ExpireResponse mirrors the HTTP expire response.
type ExpireResponse struct {
	Success bool `json:"success"`
}

// ParseCustomToolRequest carries the tool source to analyze.
type ParseCustomToolRequest struct {
	ToolSourceCode string `json:"tool_source_code"`
}

// ParseCustomToolResponse mirrors the HTTP response.
type ParseCustomToolResponse struct {
	ToolName            string `json:"tool_name"`
	ToolInputSchemaJSON string `json:"tool_input_schema_json"`
	ToolDescription     string `json:"tool_description"`
}

// ExecuteCustomToolRequest carries a tool invocation.
type ExecuteCustomToolRequest struct {
	ToolSourceCode string            `json:"tool_source_code"`
	ToolInputJSON  string            `json:"tool_input_json"`
	Env            map[string]string `json:"env,omitempty"`
}

// ExecuteCustomToolResponse carries the serialized return value.
type ExecuteCustomToolResponse struct {
	ToolOutputJSON string `json:"tool_output_json"`
}

// Server hosts the gRPC surface.
type Server struct {
	svc    *execsvc.Service
	grpc   *grpc.Server
	logger zerolog.Logger
}

// NewServer builds a gRPC server around the service.
func NewServer(svc *execsvc.Service, opts ...grpc.ServerOption) *Server {
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	s := &Server{
		svc:    svc,
		grpc:   grpc.NewServer(opts...),
		logger: log.WithComponent("rpcapi"),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve blocks serving on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC API listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	result, err := s.svc.Execute(ctx, &types.ExecuteRequest{
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
		return nil, toStatus(err)
	}
	if result.Files == nil {
		result.Files = map[string]string{}
	}
	return &ExecuteResponse{
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		ExitCode:      result.ExitCode,
		Files:         result.Files,
		FilesMetadata: result.FilesMetadata,
		ChatID:        result.ChatID,
	}, nil
}

func (s *Server) upload(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "content_base64 is not valid base64")
	}
	obj, err := s.svc.Upload(ctx, &types.UploadRequest{
		TenantID:       req.ChatID,
		ChatID:         req.ChatID,
		Filename:       req.Filename,
		MaxDownloads:   req.MaxDownloads,
		ExpiresDays:    req.ExpiresDays,
		ExpiresSeconds: req.ExpiresSeconds,
	}, strings.NewReader(string(content)))
	if err != nil {
		return nil, toStatus(err)
	}
	return &UploadResponse{
		FileHash: obj.ContentHash,
		Filename: obj.Filename,
		ChatID:   req.ChatID,
		Metadata: obj,
	}, nil
}

func (s *Server) download(ctx context.Context, req *FileRef) (*DownloadResponse, error) {
	rc, obj, err := s.svc.Download(ctx, req.ChatID, req.Filename, req.FileHash)
	if err != nil {
		return nil, toStatus(err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("read blob: %v", err))
	}
	return &DownloadResponse{
		Filename:      obj.Filename,
		FileHash:      obj.ContentHash,
		ContentBase64: base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (s *Server) expire(ctx context.Context, req *FileRef) (*ExpireResponse, error) {
	if err := s.svc.ExpireFile(ctx, req.ChatID, req.Filename, req.FileHash); err != nil {
		return nil, toStatus(err)
	}
	return &ExpireResponse{Success: true}, nil
}

func (s *Server) parseCustomTool(_ context.Context, req *ParseCustomToolRequest) (*ParseCustomToolResponse, error) {
	tool, err := s.svc.ParseCustomTool(req.ToolSourceCode)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ParseCustomToolResponse{
		ToolName:            tool.Name,
		ToolInputSchemaJSON: tool.InputSchemaJSON,
		ToolDescription:     tool.Description,
	}, nil
}

func (s *Server) executeCustomTool(ctx context.Context, req *ExecuteCustomToolRequest) (*ExecuteCustomToolResponse, error) {
	out, err := s.svc.ExecuteCustomTool(ctx, req.ToolSourceCode, req.ToolInputJSON, req.Env)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ExecuteCustomToolResponse{ToolOutputJSON: out}, nil
}

// toStatus maps broker error kinds onto gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch brokerrors.KindOf(err) {
	case brokerrors.InvalidArgument, brokerrors.InvalidTool:
		code = codes.InvalidArgument
	case brokerrors.NotFound:
		code = codes.NotFound
	case brokerrors.Expired:
		code = codes.FailedPrecondition
	case brokerrors.QuotaExhausted:
		code = codes.ResourceExhausted
	case brokerrors.Unavailable:
		code = codes.Unavailable
	case brokerrors.WorkspaceProjectionFailed:
		code = codes.FailedPrecondition
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

var _ encoding.Codec = jsonCodec{}
