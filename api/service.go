// Package api exposes the session manager over HTTP. Service holds the
// transport independent logic (request validation, option mapping and error
// classification) and Mount wires it to a goa HTTP muxer.
package api

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	goa "goa.design/goa/v3/pkg"

	"goa.design/sessiond/runtime/agent/engine"
	"goa.design/sessiond/runtime/agent/serialize"
	"goa.design/sessiond/runtime/agent/session"
	"goa.design/sessiond/runtime/agent/telemetry"
)

type (
	// Service implements the session API on a session.Manager.
	Service struct {
		mgr     *session.Manager
		schema  *jsonschema.Schema
		workdir func() (string, error)
		tailer  Tailer
		logger  telemetry.Logger
		version string
		now     func() time.Time
	}

	// Option configures a Service.
	Option func(*Service)
)

// Error names. Each maps to one HTTP status code.
const (
	ErrNameInvalidRequest = "invalid_request"
	ErrNameNotFound       = "not_found"
	ErrNameConflict       = "conflict"
	ErrNameNotRunning     = "not_running"
	ErrNameNotResumable   = "not_resumable"
	ErrNameUnavailable    = "unavailable"
	ErrNameInternal       = "internal"
)

// Version is reported by the info endpoint.
const Version = "1.0.0"

//go:embed schema/execute_request.json
var executeRequestSchema []byte

// WithWorkdir sets the function resolving the default run directory.
// Defaults to os.Getwd.
func WithWorkdir(fn func() (string, error)) Option {
	return func(s *Service) { s.workdir = fn }
}

// WithTailer sets the source of live session events for the stream
// endpoint. Defaults to polling the manager.
func WithTailer(t Tailer) Option {
	return func(s *Service) { s.tailer = t }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithVersion overrides the reported version.
func WithVersion(v string) Option {
	return func(s *Service) { s.version = v }
}

// NewService returns a Service on mgr.
func NewService(mgr *session.Manager, opts ...Option) (*Service, error) {
	if mgr == nil {
		return nil, errors.New("session manager is required")
	}
	schema, err := compileSchema(executeRequestSchema)
	if err != nil {
		return nil, fmt.Errorf("compile execute request schema: %w", err)
	}
	s := &Service{
		mgr:     mgr,
		schema:  schema,
		workdir: os.Getwd,
		logger:  telemetry.NewNoopLogger(),
		version: Version,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.tailer == nil {
		s.tailer = NewPollTailer(mgr, DefaultPollInterval)
	}
	return s, nil
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("execute_request.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("execute_request.json")
}

// DecodeExecute validates body against the request schema and decodes it.
func (s *Service) DecodeExecute(body []byte) (*ExecuteRequest, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, invalid(fmt.Errorf("invalid JSON body: %w", err))
	}
	if err := s.schema.Validate(doc); err != nil {
		return nil, invalid(err)
	}
	var req ExecuteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, invalid(err)
	}
	return &req, nil
}

// Execute creates a session, or resumes one when req.ResumeSessionID is set.
func (s *Service) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	opts, err := s.options(req)
	if err != nil {
		return nil, err
	}
	var (
		snap session.Session
		verb = "started"
	)
	if req.ResumeSessionID != "" {
		verb = "resumed"
		snap, err = s.mgr.Resume(ctx, req.ResumeSessionID, req.Prompt, opts)
	} else {
		snap, err = s.mgr.Create(ctx, req.Prompt, opts)
	}
	if err != nil {
		return nil, s.serviceError(ctx, err)
	}
	return &ExecuteResponse{
		SessionID: snap.ID,
		Status:    snap.Status,
		Message:   fmt.Sprintf("Session %s %s successfully", snap.ID, verb),
	}, nil
}

func (s *Service) options(req *ExecuteRequest) (engine.Options, error) {
	mode := engine.PermissionMode(req.PermissionMode)
	if !mode.Valid() {
		return engine.Options{}, invalid(fmt.Errorf("unknown permission mode %q", req.PermissionMode))
	}
	opts := engine.Options{
		AllowedTools:    req.AllowedTools,
		DisallowedTools: req.DisallowedTools,
		SystemPrompt:    req.SystemPrompt,
		PermissionMode:  mode,
		Model:           req.Model,
		Cwd:             req.Cwd,
		Env:             req.Env,
	}
	if req.MaxTurns != nil {
		if *req.MaxTurns < 1 {
			return engine.Options{}, invalid(errors.New("max_turns must be at least 1"))
		}
		opts.MaxTurns = *req.MaxTurns
	}
	if opts.Cwd == "" {
		wd, err := s.workdir()
		if err != nil {
			return engine.Options{}, goa.NewServiceError(fmt.Errorf("resolve working directory: %w", err), ErrNameInternal, false, false, true)
		}
		opts.Cwd = wd
	}
	return opts, nil
}

// Status returns the detailed view of a session.
func (s *Service) Status(_ context.Context, id string) (*StatusResponse, error) {
	snap, ok := s.mgr.Get(id)
	if !ok {
		return nil, notFound(id)
	}
	res := &StatusResponse{
		SessionID: snap.ID,
		Status:    snap.Status,
		Messages:  snap.Events,
		Result:    snap.Result,
	}
	if res.Messages == nil {
		res.Messages = []serialize.Record{}
	}
	if snap.Error != "" {
		msg := snap.Error
		res.Error = &msg
	}
	if snap.StartedAt != nil {
		end := s.now()
		if snap.EndedAt != nil {
			end = *snap.EndedAt
		}
		ms := end.Sub(*snap.StartedAt).Milliseconds()
		res.DurationMS = &ms
	}
	if snap.Result != nil && snap.Result.TotalCostUSD != nil {
		cost := *snap.Result.TotalCostUSD
		res.TotalCostUSD = &cost
	}
	return res, nil
}

// Cancel stops a running session.
func (s *Service) Cancel(ctx context.Context, id string) (*CancelResponse, error) {
	if !s.mgr.Cancel(ctx, id) {
		snap, ok := s.mgr.Get(id)
		if !ok {
			return nil, notFound(id)
		}
		return nil, goa.NewServiceError(
			fmt.Errorf("session %s is not running (status: %s)", id, snap.Status),
			ErrNameNotRunning, false, false, false)
	}
	return &CancelResponse{
		SessionID: id,
		Status:    session.StatusCancelled,
		Message:   fmt.Sprintf("Session %s cancelled successfully", id),
	}, nil
}

// Delete removes a session that is not running.
func (s *Service) Delete(ctx context.Context, id string) (*DeleteResponse, error) {
	status, err := s.mgr.Delete(ctx, id)
	if err != nil {
		return nil, s.serviceError(ctx, err)
	}
	return &DeleteResponse{
		SessionID: id,
		Status:    status,
		Message:   fmt.Sprintf("Session %s deleted", id),
	}, nil
}

// List returns the summaries of all sessions.
func (s *Service) List(context.Context) []session.Summary {
	return s.mgr.List()
}

// Cleanup removes sessions that ended more than maxAgeHours ago.
func (s *Service) Cleanup(ctx context.Context, maxAgeHours int) (*CleanupResponse, error) {
	if maxAgeHours < 0 {
		return nil, invalid(fmt.Errorf("max_age_hours must not be negative, got %d", maxAgeHours))
	}
	removed := s.mgr.Cleanup(ctx, time.Duration(maxAgeHours)*time.Hour)
	return &CleanupResponse{
		Removed: removed,
		Message: fmt.Sprintf("Cleaned up %d old sessions", removed),
	}, nil
}

// Info describes the service and its main endpoints.
func (s *Service) Info() *InfoResponse {
	return &InfoResponse{
		Message: "sessiond agent session API",
		Version: s.version,
		Endpoints: map[string]string{
			"execute": "POST /execute/ - start or resume an agent session",
			"status":  "GET /status/{session_id} - get the state of a session",
			"cancel":  "POST /cancel/{session_id} - cancel a running session",
			"delete":  "DELETE /sessions/{session_id} - delete a finished session",
			"list":    "GET /sessions/ - list sessions",
			"cleanup": "DELETE /sessions/cleanup?max_age_hours=24 - remove old sessions",
			"stream":  "GET /stream/{session_id} - follow session events (SSE)",
		},
	}
}

// serviceError classifies session errors.
func (s *Service) serviceError(ctx context.Context, err error) error {
	var conflict *session.ConflictError
	switch {
	case errors.Is(err, session.ErrInvalidPrompt):
		return invalid(err)
	case errors.Is(err, session.ErrNotFound):
		return goa.NewServiceError(err, ErrNameNotFound, false, false, false)
	case errors.As(err, &conflict):
		return goa.NewServiceError(err, ErrNameConflict, false, false, false)
	case errors.Is(err, session.ErrNotResumable):
		return goa.NewServiceError(err, ErrNameNotResumable, false, false, false)
	case errors.Is(err, session.ErrClosed):
		return goa.NewServiceError(err, ErrNameUnavailable, false, true, false)
	}
	s.logger.Error(ctx, "session operation failed", "err", err)
	return goa.NewServiceError(err, ErrNameInternal, false, false, true)
}

func invalid(err error) error {
	return goa.NewServiceError(err, ErrNameInvalidRequest, false, false, false)
}

func notFound(id string) error {
	return goa.NewServiceError(fmt.Errorf("session %s not found: %w", id, session.ErrNotFound), ErrNameNotFound, false, false, false)
}
