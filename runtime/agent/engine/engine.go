// Package engine defines the contract between the session manager and the
// external execution engines that actually run agent prompts.
//
// # Core Abstractions
//
//   - Engine: opens a connection configured with Options. One connection is
//     opened per session run.
//
//   - Conn: a live engine connection. The session driver submits exactly one
//     prompt, then drains events with Receive until io.EOF, a terminal event,
//     or cancellation. Interrupt may be called from another goroutine while
//     Receive is blocked and must be safe to call concurrently with every
//     other method.
//
//   - Event: an opaque value emitted by the engine. The session core never
//     switches on concrete event types; it only probes the optional
//     capability interfaces declared in capability.go (error flag, subtype,
//     type tag, session id, turn count, duration, cost, usage, result text).
//
// # Available Implementations
//
//   - inmem: scripted in-process engine for tests and local development.
//   - features/engine/claudecli: drives the Claude Code CLI in stream-json mode.
//   - features/engine/anthropic: Anthropic Messages API streaming.
//   - features/engine/bedrock: AWS Bedrock ConverseStream.
package engine

import (
	"context"
	"maps"
	"slices"
)

type (
	// Engine opens connections to an execution backend.
	Engine interface {
		// Connect opens a connection configured with opts. When opts.Resume is
		// set the engine continues the conversation it previously reported
		// under that session id.
		Connect(ctx context.Context, opts Options) (Conn, error)
	}

	// Conn is a live connection to an engine.
	Conn interface {
		// Submit sends the prompt that starts the run.
		Submit(ctx context.Context, prompt string) error
		// Receive returns the next event in emission order. It returns io.EOF
		// once the engine stream is exhausted.
		Receive(ctx context.Context) (Event, error)
		// Interrupt asks the engine to stop the in-flight run. It is
		// best-effort and may be called concurrently with Receive.
		Interrupt(ctx context.Context) error
		// Disconnect releases the connection. It is called exactly once per
		// successful Connect.
		Disconnect(ctx context.Context) error
	}

	// Event is a single engine message. See the capability interfaces for
	// the behaviors the session manager relies on.
	Event any

	// PermissionMode controls how the engine handles tool permission prompts.
	PermissionMode string

	// Options configure a single engine run. They are opaque to the session
	// core which stores them on the session and forwards them on Connect.
	Options struct {
		// AllowedTools lists tools the agent may use without prompting.
		AllowedTools []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
		// DisallowedTools lists tools the agent must never use.
		DisallowedTools []string `json:"disallowed_tools,omitempty" yaml:"disallowed_tools,omitempty"`
		// SystemPrompt overrides the engine system prompt.
		SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
		// PermissionMode selects the permission handling mode.
		PermissionMode PermissionMode `json:"permission_mode,omitempty" yaml:"permission_mode,omitempty"`
		// Model selects the model used by the engine.
		Model string `json:"model,omitempty" yaml:"model,omitempty"`
		// Cwd is the working directory of the run.
		Cwd string `json:"cwd,omitempty" yaml:"cwd,omitempty"`
		// MaxTurns bounds the number of agent turns. Zero means engine default.
		MaxTurns int `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
		// Env holds extra environment variables for the run.
		Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
		// Resume is the engine session id to continue. The session manager
		// sets it when resuming; callers leave it empty.
		Resume string `json:"resume,omitempty" yaml:"-"`
	}
)

const (
	// PermissionDefault prompts for every sensitive tool.
	PermissionDefault PermissionMode = "default"
	// PermissionAcceptEdits auto-accepts file edits.
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	// PermissionPlan only plans and never executes tools.
	PermissionPlan PermissionMode = "plan"
	// PermissionBypass skips all permission prompts.
	PermissionBypass PermissionMode = "bypassPermissions"
)

// Valid reports whether m is empty or one of the known permission modes.
func (m PermissionMode) Valid() bool {
	switch m {
	case "", PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypass:
		return true
	}
	return false
}

// Clone returns a deep copy of o.
func (o Options) Clone() Options {
	o.AllowedTools = slices.Clone(o.AllowedTools)
	o.DisallowedTools = slices.Clone(o.DisallowedTools)
	o.Env = maps.Clone(o.Env)
	return o
}
