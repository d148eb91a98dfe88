package api

import (
	"goa.design/sessiond/runtime/agent/serialize"
	"goa.design/sessiond/runtime/agent/session"
)

type (
	// ExecuteRequest starts a new session or resumes an existing one when
	// ResumeSessionID is set.
	ExecuteRequest struct {
		Prompt          string            `json:"prompt"`
		AllowedTools    []string          `json:"allowed_tools,omitempty"`
		DisallowedTools []string          `json:"disallowed_tools,omitempty"`
		SystemPrompt    string            `json:"system_prompt,omitempty"`
		PermissionMode  string            `json:"permission_mode,omitempty"`
		Model           string            `json:"model,omitempty"`
		Cwd             string            `json:"cwd,omitempty"`
		MaxTurns        *int              `json:"max_turns,omitempty"`
		Env             map[string]string `json:"env,omitempty"`
		ResumeSessionID string            `json:"resume_session_id,omitempty"`
	}

	// ExecuteResponse acknowledges an accepted run.
	ExecuteResponse struct {
		SessionID string         `json:"session_id"`
		Status    session.Status `json:"status"`
		Message   string         `json:"message"`
	}

	// StatusResponse is the detailed view of a session.
	StatusResponse struct {
		SessionID    string             `json:"session_id"`
		Status       session.Status     `json:"status"`
		Messages     []serialize.Record `json:"messages"`
		Result       *session.Result    `json:"result"`
		Error        *string            `json:"error"`
		DurationMS   *int64             `json:"duration_ms"`
		TotalCostUSD *float64           `json:"total_cost_usd"`
	}

	// CancelResponse acknowledges a cancellation.
	CancelResponse struct {
		SessionID string         `json:"session_id"`
		Status    session.Status `json:"status"`
		Message   string         `json:"message"`
	}

	// DeleteResponse acknowledges a deletion and reports the last status.
	DeleteResponse struct {
		SessionID string         `json:"session_id"`
		Status    session.Status `json:"status"`
		Message   string         `json:"message"`
	}

	// CleanupResponse reports how many sessions a cleanup removed.
	CleanupResponse struct {
		Removed int    `json:"removed"`
		Message string `json:"message"`
	}

	// InfoResponse describes the service.
	InfoResponse struct {
		Message   string            `json:"message"`
		Version   string            `json:"version"`
		Endpoints map[string]string `json:"endpoints"`
	}

	// ErrorResponse is the body of every failed request.
	ErrorResponse struct {
		// Name is the error class, e.g. "not_found".
		Name string `json:"name"`
		// ID uniquely identifies the occurrence.
		ID string `json:"id"`
		// Message describes the failure.
		Message string `json:"message"`
		// Detail repeats Message for clients that read the FastAPI-style "detail" field.
		Detail string `json:"detail"`
	}
)
