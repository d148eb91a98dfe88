// Package anthropic runs sessions directly on the Anthropic Messages API.
// Each run streams one assistant turn with Messages.NewStreaming and reports
// it with the same message shapes the Claude Code CLI emits (system/init,
// stream_event, assistant, result), so sessions classify identically
// whichever engine serves them. Conversation history is kept in memory per
// engine session id so runs can be resumed.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/sessiond/features/engine/internal/transcript"
	"goa.design/sessiond/runtime/agent/engine"
	"goa.design/sessiond/runtime/agent/telemetry"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the engine. It is satisfied by *sdk.MessageService.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the engine.
	Options struct {
		// DefaultModel is used when a run does not name a model.
		DefaultModel string
		// MaxTokens caps each assistant turn. Defaults to 4096.
		MaxTokens int64
		// Logger records stream lifecycle.
		Logger telemetry.Logger
	}

	// Engine implements engine.Engine on Anthropic Messages.
	Engine struct {
		msg          MessagesClient
		defaultModel string
		maxTokens    int64
		logger       telemetry.Logger
		convs        *transcript.Store[sdk.MessageParam]
	}

	conn struct {
		eng   *Engine
		opts  engine.Options
		model string
		id    string
		hist  []sdk.MessageParam

		// cmu guards cancel so Interrupt never waits on a blocked Receive.
		cmu    sync.Mutex
		cancel context.CancelFunc

		mu       sync.Mutex
		stream   *ssestream.Stream[sdk.MessageStreamEventUnion]
		started  time.Time
		pending  []engine.Event
		text     strings.Builder
		stop     string
		usage    transcript.Usage
		finished bool
	}
)

const defaultMaxTokens = 4096

// ErrNotStarted is returned by Receive before Submit.
var ErrNotStarted = errors.New("anthropic: prompt not submitted")

// New builds an engine on msg.
func New(msg MessagesClient, opts Options) (*Engine, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTokens:    maxTokens,
		logger:       logger,
		convs:        transcript.New[sdk.MessageParam](),
	}, nil
}

// NewFromAPIKey constructs an engine using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Connect opens the conversation named by opts.Resume or a new one.
func (e *Engine) Connect(_ context.Context, opts engine.Options) (engine.Conn, error) {
	id, hist, err := e.convs.Open(opts.Resume)
	if err != nil {
		return nil, fmt.Errorf("anthropic: resume %q: %w", opts.Resume, err)
	}
	model := opts.Model
	if model == "" {
		model = e.defaultModel
	}
	return &conn{eng: e, opts: opts.Clone(), model: model, id: id, hist: hist}, nil
}

func (c *conn) Submit(ctx context.Context, prompt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return errors.New("anthropic: prompt already submitted")
	}
	c.hist = append(c.hist, sdk.NewUserMessage(sdk.NewTextBlock(prompt)))
	params := sdk.MessageNewParams{
		MaxTokens: c.eng.maxTokens,
		Messages:  c.hist,
		Model:     sdk.Model(c.model),
	}
	if c.opts.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: c.opts.SystemPrompt}}
	}
	sctx, cancel := context.WithCancel(ctx)
	stream := c.eng.msg.NewStreaming(sctx, params)
	if err := stream.Err(); err != nil {
		cancel()
		return fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	c.stream, c.started = stream, time.Now()
	c.cmu.Lock()
	c.cancel = cancel
	c.cmu.Unlock()
	c.pending = append(c.pending, transcript.Init(c.id, c.model))
	c.eng.logger.Debug(ctx, "anthropic stream opened", "model", c.model, "engine_session_id", c.id)
	return nil
}

// Receive returns the next engine message. Text deltas are reported as they
// arrive; the assistant turn and the run result follow message_stop.
func (c *conn) Receive(ctx context.Context) (engine.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil, ErrNotStarted
	}
	for len(c.pending) == 0 {
		if c.finished {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.stream.Next() {
			if err := c.stream.Err(); err != nil {
				return nil, fmt.Errorf("anthropic stream: %w", err)
			}
			c.complete()
			continue
		}
		c.handle(c.stream.Current())
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

func (c *conn) handle(event sdk.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		c.usage.InputTokens = max(c.usage.InputTokens, ev.Message.Usage.InputTokens)
	case sdk.ContentBlockDeltaEvent:
		if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
			c.text.WriteString(delta.Text)
			c.pending = append(c.pending, transcript.Delta(c.id, delta.Text))
		}
	case sdk.MessageDeltaEvent:
		c.stop = string(ev.Delta.StopReason)
		c.usage.InputTokens = max(c.usage.InputTokens, ev.Usage.InputTokens)
		c.usage.OutputTokens = max(c.usage.OutputTokens, ev.Usage.OutputTokens)
		c.usage.CacheReadTokens = max(c.usage.CacheReadTokens, ev.Usage.CacheReadInputTokens)
		c.usage.CacheWriteTokens = max(c.usage.CacheWriteTokens, ev.Usage.CacheCreationInputTokens)
	case sdk.MessageStopEvent:
		c.complete()
	}
}

// complete records the assistant turn and queues the result once.
func (c *conn) complete() {
	if c.finished {
		return
	}
	c.finished = true
	text := c.text.String()
	c.hist = append(c.hist, sdk.NewAssistantMessage(sdk.NewTextBlock(text)))
	c.eng.convs.Save(c.id, c.hist)
	c.pending = append(c.pending,
		transcript.Assistant(c.id, c.model, text, c.stop),
		transcript.Result(c.id, text, 1, time.Since(c.started), c.usage),
	)
}

// Interrupt cancels the in-flight request.
func (c *conn) Interrupt(context.Context) error {
	c.cmu.Lock()
	cancel := c.cancel
	c.cmu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *conn) Disconnect(ctx context.Context) error {
	_ = c.Interrupt(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	return c.stream.Close()
}
