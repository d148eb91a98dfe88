package inmem

import (
	"context"
	"time"

	"github.com/google/uuid"

	"goa.design/sessiond/runtime/agent/engine"
)

// Events returns a script that emits evs in order and ends the stream.
func Events(evs ...engine.Event) Script {
	return func(_ context.Context, _ engine.Options, _ string, emit func(engine.Event) error) error {
		for _, ev := range evs {
			if err := emit(ev); err != nil {
				return err
			}
		}
		return nil
	}
}

// Fail returns a script that emits evs then fails with err.
func Fail(err error, evs ...engine.Event) Script {
	return func(ctx context.Context, opts engine.Options, prompt string, emit func(engine.Event) error) error {
		if e := Events(evs...)(ctx, opts, prompt, emit); e != nil {
			return e
		}
		return err
	}
}

// Block returns a script that emits evs then blocks until the connection is
// interrupted or disconnected.
func Block(evs ...engine.Event) Script {
	return func(ctx context.Context, opts engine.Options, prompt string, emit func(engine.Event) error) error {
		if err := Events(evs...)(ctx, opts, prompt, emit); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

// Echo is a development script that answers every prompt with the prompt
// itself using the stream-json message shapes: a system init, an assistant
// reply, and a success result. Resumed runs keep the resumed session id.
func Echo(ctx context.Context, opts engine.Options, prompt string, emit func(engine.Event) error) error {
	start := time.Now()
	sid := opts.Resume
	if sid == "" {
		sid = uuid.NewString()
	}
	model := opts.Model
	if model == "" {
		model = "echo"
	}
	msgs := []engine.Event{
		engine.NewMessage("SystemMessage", map[string]any{
			"type":       "system",
			"subtype":    "init",
			"session_id": sid,
			"model":      model,
			"cwd":        opts.Cwd,
		}),
		engine.NewMessage("AssistantMessage", map[string]any{
			"type":       "assistant",
			"session_id": sid,
			"message": map[string]any{
				"role":    "assistant",
				"content": []any{map[string]any{"type": "text", "text": prompt}},
			},
		}),
		engine.NewMessage("ResultMessage", map[string]any{
			"type":           "result",
			"subtype":        "success",
			"is_error":       false,
			"session_id":     sid,
			"num_turns":      1,
			"duration_ms":    time.Since(start).Milliseconds(),
			"total_cost_usd": 0.0,
			"result":         prompt,
			"usage":          map[string]any{"input_tokens": len(prompt), "output_tokens": len(prompt)},
		}),
	}
	return Events(msgs...)(ctx, opts, prompt, emit)
}
