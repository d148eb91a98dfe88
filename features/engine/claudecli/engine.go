// Package claudecli runs sessions on the Claude Code CLI. Every run spawns
// `claude --print --output-format stream-json --verbose` and turns each JSON
// line written to stdout into an engine.Message. Resumed runs pass the
// engine session id with --resume.
package claudecli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"goa.design/sessiond/runtime/agent/engine"
	"goa.design/sessiond/runtime/agent/telemetry"
)

type (
	// Options configures the engine.
	Options struct {
		// Binary is the CLI executable. Defaults to $CLAUDE_BINARY, then "claude".
		Binary string
		// ExtraArgs are appended before the prompt on every invocation.
		ExtraArgs []string
		// Env is added to the environment of every invocation.
		Env map[string]string
		// StopGrace is how long an interrupted process may take to exit
		// before it is killed. Defaults to 5s.
		StopGrace time.Duration
		// Logger records stderr output and process lifecycle.
		Logger telemetry.Logger
	}

	// Engine implements engine.Engine on the Claude Code CLI.
	Engine struct {
		binary    string
		extraArgs []string
		env       map[string]string
		grace     time.Duration
		logger    telemetry.Logger
	}

	conn struct {
		eng  *Engine
		opts engine.Options

		mu      sync.Mutex
		cmd     *exec.Cmd
		scanner *bufio.Scanner
		stderr  *tailBuffer

		waitOnce sync.Once
		exited   chan struct{}
		waitErr  error
	}

	// tailBuffer keeps the last max bytes written to it.
	tailBuffer struct {
		mu  sync.Mutex
		buf []byte
		max int
	}
)

const (
	maxLineSize    = 1024 * 1024
	maxStderrBytes = 4096
)

// ErrNotStarted is returned by Receive before Submit.
var ErrNotStarted = errors.New("claudecli: prompt not submitted")

// New returns a CLI-backed engine.
func New(opts Options) *Engine {
	bin := opts.Binary
	if bin == "" {
		bin = os.Getenv("CLAUDE_BINARY")
	}
	if bin == "" {
		bin = "claude"
	}
	grace := opts.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{binary: bin, extraArgs: opts.ExtraArgs, env: opts.Env, grace: grace, logger: logger}
}

// Connect validates that the CLI can be found. The process itself starts
// on Submit since the prompt is a command line argument.
func (e *Engine) Connect(_ context.Context, opts engine.Options) (engine.Conn, error) {
	if _, err := exec.LookPath(e.binary); err != nil {
		return nil, fmt.Errorf("claude binary %q: %w", e.binary, err)
	}
	return &conn{
		eng:    e,
		opts:   opts.Clone(),
		stderr: &tailBuffer{max: maxStderrBytes},
		exited: make(chan struct{}),
	}, nil
}

// Args returns the CLI arguments for a run of prompt with opts.
func (e *Engine) Args(opts engine.Options, prompt string) []string {
	args := []string{"--output-format", "stream-json", "--print", "--verbose"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", string(opts.PermissionMode))
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	args = append(args, e.extraArgs...)
	return append(args, "--", prompt)
}

func (c *conn) Submit(ctx context.Context, prompt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return errors.New("claudecli: prompt already submitted")
	}
	cmd := exec.CommandContext(ctx, c.eng.binary, c.eng.Args(c.opts, prompt)...)
	cmd.Dir = c.opts.Cwd
	cmd.Env = environ(c.eng.env, c.opts.Env)
	cmd.Stderr = c.stderr
	// Cancellation asks the CLI to stop before it is killed.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGINT) }
	cmd.WaitDelay = c.eng.grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting claude: %w", err)
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	c.cmd, c.scanner = cmd, scanner
	c.eng.logger.Debug(ctx, "claude process started", "pid", cmd.Process.Pid, "resume", c.opts.Resume)
	return nil
}

// Receive returns the next stdout line as a message. Lines that are not JSON
// objects are reported as "RawOutput" messages so nothing is lost.
func (c *conn) Receive(ctx context.Context) (engine.Event, error) {
	c.mu.Lock()
	scanner := c.scanner
	c.mu.Unlock()
	if scanner == nil {
		return nil, ErrNotStarted
	}
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := engine.DecodeMessage("", line)
		if err != nil {
			return engine.NewMessage("RawOutput", map[string]any{"type": "raw", "raw": string(line)}), nil
		}
		return msg, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading claude output: %w", err)
	}
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if err := c.wait(cmd); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, c.exitError(err)
	}
	return nil, io.EOF
}

// Interrupt sends SIGINT; Claude Code finishes the current step and exits.
func (c *conn) Interrupt(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	select {
	case <-c.exited:
		return nil
	default:
	}
	return c.cmd.Process.Signal(syscall.SIGINT)
}

// Disconnect stops the process if it is still running and reaps it.
func (c *conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- c.wait(cmd) }()
	select {
	case err := <-done:
		return ignoreExit(err)
	case <-time.After(c.eng.grace):
	case <-ctx.Done():
	}
	_ = cmd.Process.Signal(syscall.SIGINT)
	select {
	case err := <-done:
		return ignoreExit(err)
	case <-time.After(c.eng.grace):
		_ = cmd.Process.Kill()
		return ignoreExit(<-done)
	}
}

// wait reaps the process once; concurrent callers share the result. It
// must only be called once stdout has been drained or abandoned.
func (c *conn) wait(cmd *exec.Cmd) error {
	c.waitOnce.Do(func() {
		c.waitErr = cmd.Wait()
		close(c.exited)
	})
	return c.waitErr
}

func (c *conn) exitError(err error) error {
	if tail := strings.TrimSpace(c.stderr.String()); tail != "" {
		return fmt.Errorf("claude exited: %w: %s", err, tail)
	}
	return fmt.Errorf("claude exited: %w", err)
}

// ignoreExit drops non-zero exit statuses: by the time Disconnect runs the
// outcome was already reported through Receive.
func ignoreExit(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func environ(sets ...map[string]string) []string {
	env := os.Environ()
	for _, set := range sets {
		for k, v := range set {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
