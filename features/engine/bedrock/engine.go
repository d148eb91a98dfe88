// Package bedrock runs sessions on the AWS Bedrock ConverseStream API. Like
// the anthropic engine it reports each run with CLI-shaped messages and keeps
// conversation history in memory so runs can be resumed.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/sessiond/features/engine/internal/transcript"
	"goa.design/sessiond/runtime/agent/engine"
	"goa.design/sessiond/runtime/agent/telemetry"
)

type (
	// RuntimeClient is the subset of the Bedrock runtime used by the engine.
	// Wrap a *bedrockruntime.Client with FromClient.
	RuntimeClient interface {
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
	}

	// StreamOutput is satisfied by *bedrockruntime.ConverseStreamOutput.
	StreamOutput interface {
		GetStream() *bedrockruntime.ConverseStreamEventStream
	}

	// Options configures the engine.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient
		// DefaultModel is used when a run does not name a model.
		DefaultModel string
		// MaxTokens caps each assistant turn. Zero lets Bedrock decide.
		MaxTokens int32
		// Logger records stream lifecycle.
		Logger telemetry.Logger
	}

	// Engine implements engine.Engine on Bedrock ConverseStream.
	Engine struct {
		runtime      RuntimeClient
		defaultModel string
		maxTokens    int32
		logger       telemetry.Logger
		convs        *transcript.Store[brtypes.Message]
	}

	conn struct {
		eng   *Engine
		opts  engine.Options
		model string
		id    string
		hist  []brtypes.Message

		cmu    sync.Mutex
		cancel context.CancelFunc
		sctx   context.Context

		mu       sync.Mutex
		stream   *bedrockruntime.ConverseStreamEventStream
		started  time.Time
		pending  []engine.Event
		text     strings.Builder
		stop     string
		usage    transcript.Usage
		finished bool
	}

	sdkClient struct{ c *bedrockruntime.Client }
)

// ErrNotStarted is returned by Receive before Submit.
var ErrNotStarted = errors.New("bedrock: prompt not submitted")

// FromClient adapts the AWS SDK client to RuntimeClient.
func FromClient(c *bedrockruntime.Client) RuntimeClient { return sdkClient{c: c} }

func (s sdkClient) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	out, err := s.c.ConverseStream(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// New builds an engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
		logger:       logger,
		convs:        transcript.New[brtypes.Message](),
	}, nil
}

// Connect opens the conversation named by opts.Resume or a new one.
func (e *Engine) Connect(_ context.Context, opts engine.Options) (engine.Conn, error) {
	id, hist, err := e.convs.Open(opts.Resume)
	if err != nil {
		return nil, fmt.Errorf("bedrock: resume %q: %w", opts.Resume, err)
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
		return errors.New("bedrock: prompt already submitted")
	}
	c.hist = append(c.hist, textMessage(brtypes.ConversationRoleUser, prompt))
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(c.model),
		Messages: c.hist,
	}
	if c.opts.SystemPrompt != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: c.opts.SystemPrompt}}
	}
	if c.eng.maxTokens > 0 {
		input.InferenceConfig = &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(c.eng.maxTokens)}
	}
	sctx, cancel := context.WithCancel(ctx)
	out, err := c.eng.runtime.ConverseStream(sctx, input)
	if err != nil {
		cancel()
		return wrapError("converse_stream", err)
	}
	stream := out.GetStream()
	if stream == nil {
		cancel()
		return errors.New("bedrock: stream output missing event stream")
	}
	c.stream, c.started = stream, time.Now()
	c.cmu.Lock()
	c.sctx, c.cancel = sctx, cancel
	c.cmu.Unlock()
	c.pending = append(c.pending, transcript.Init(c.id, c.model))
	c.eng.logger.Debug(ctx, "bedrock stream opened", "model", c.model, "engine_session_id", c.id)
	return nil
}

// Receive returns the next engine message. Text deltas are reported as they
// arrive; the assistant turn and the run result follow the stream end.
func (c *conn) Receive(ctx context.Context) (engine.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil, ErrNotStarted
	}
	c.cmu.Lock()
	sctx := c.sctx
	c.cmu.Unlock()
	events := c.stream.Events()
	for len(c.pending) == 0 {
		if c.finished {
			return nil, io.EOF
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sctx.Done():
			return nil, sctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := c.stream.Err(); err != nil {
					return nil, wrapError("converse_stream", err)
				}
				c.complete()
				continue
			}
			c.handle(ev)
		}
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

func (c *conn) handle(event brtypes.ConverseStreamOutput) {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		if delta, ok := ev.Value.Delta.(*brtypes.ContentBlockDeltaMemberText); ok && delta.Value != "" {
			c.text.WriteString(delta.Value)
			c.pending = append(c.pending, transcript.Delta(c.id, delta.Value))
		}
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		c.stop = string(ev.Value.StopReason)
	case *brtypes.ConverseStreamOutputMemberMetadata:
		u := ev.Value.Usage
		if u == nil {
			return
		}
		c.usage = transcript.Usage{
			InputTokens:      int64(aws.ToInt32(u.InputTokens)),
			OutputTokens:     int64(aws.ToInt32(u.OutputTokens)),
			CacheReadTokens:  int64(aws.ToInt32(u.CacheReadInputTokens)),
			CacheWriteTokens: int64(aws.ToInt32(u.CacheWriteInputTokens)),
		}
	}
}

// complete records the assistant turn and queues the result once. Metadata
// follows messageStop on Bedrock so this waits for the stream to close.
func (c *conn) complete() {
	if c.finished {
		return
	}
	c.finished = true
	text := c.text.String()
	c.hist = append(c.hist, textMessage(brtypes.ConversationRoleAssistant, text))
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

func textMessage(role brtypes.ConversationRole, text string) brtypes.Message {
	return brtypes.Message{
		Role:    role,
		Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
	}
}

// wrapError adds the provider error code and HTTP status when available.
func wrapError(operation string, err error) error {
	var (
		status int
		code   string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	switch {
	case code != "" && status != 0:
		return fmt.Errorf("bedrock %s (%s, http %d): %w", operation, code, status, err)
	case code != "":
		return fmt.Errorf("bedrock %s (%s): %w", operation, code, err)
	default:
		return fmt.Errorf("bedrock %s: %w", operation, err)
	}
}
