package transcript

import (
	"time"

	"goa.design/sessiond/runtime/agent/engine"
)

// Usage is the token accounting reported on result messages.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Init reports the start of a run, mirroring the CLI "system/init" message.
func Init(sessionID, model string) engine.Message {
	return engine.NewMessage("SystemMessage", map[string]any{
		"type":       "system",
		"subtype":    "init",
		"session_id": sessionID,
		"model":      model,
	})
}

// Delta reports an incremental chunk of assistant text.
func Delta(sessionID, text string) engine.Message {
	return engine.NewMessage("StreamEvent", map[string]any{
		"type":       "stream_event",
		"session_id": sessionID,
		"event":      map[string]any{"type": "text_delta", "text": text},
	})
}

// Assistant reports a complete assistant turn.
func Assistant(sessionID, model, text, stopReason string) engine.Message {
	return engine.NewMessage("AssistantMessage", map[string]any{
		"type":       "assistant",
		"session_id": sessionID,
		"message": map[string]any{
			"role":        "assistant",
			"model":       model,
			"content":     []any{map[string]any{"type": "text", "text": text}},
			"stop_reason": stopReason,
		},
	})
}

// Result reports the end of a successful run.
func Result(sessionID, text string, turns int, elapsed time.Duration, u Usage) engine.Message {
	return engine.NewMessage("ResultMessage", map[string]any{
		"type":        "result",
		"subtype":     "success",
		"is_error":    false,
		"session_id":  sessionID,
		"result":      text,
		"num_turns":   turns,
		"duration_ms": elapsed.Milliseconds(),
		"usage": map[string]any{
			"input_tokens":                u.InputTokens,
			"output_tokens":               u.OutputTokens,
			"cache_read_input_tokens":     u.CacheReadTokens,
			"cache_creation_input_tokens": u.CacheWriteTokens,
		},
	})
}
