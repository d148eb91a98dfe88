// Package inmem provides a scripted in-process engine for testing and local
// development. Each connection runs a Script in its own goroutine and hands
// the emitted events to Receive in order.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"goa.design/sessiond/runtime/agent/engine"
)

type (
	// Script produces the events of one run. emit blocks until the event is
	// received or ctx is canceled, in which case it returns ctx.Err(). The
	// error returned by the script, if any, is surfaced by Receive once all
	// emitted events have been consumed.
	Script func(ctx context.Context, opts engine.Options, prompt string, emit func(engine.Event) error) error

	// Engine is a scripted engine.Engine.
	Engine struct {
		script        Script
		connectErr    error
		interruptErr  error
		disconnectErr error

		mu          sync.Mutex
		connects    []engine.Options
		prompts     []string
		interrupts  int
		disconnects int
	}

	// Option configures an Engine.
	Option func(*Engine)

	conn struct {
		eng  *Engine
		opts engine.Options

		ctx    context.Context
		cancel context.CancelFunc
		events chan engine.Event

		mu        sync.Mutex
		submitted bool
		err       error
	}
)

// ErrAlreadySubmitted is returned when Submit is called twice on a connection.
var ErrAlreadySubmitted = errors.New("inmem: prompt already submitted")

// WithConnectError makes Connect fail with err.
func WithConnectError(err error) Option {
	return func(e *Engine) { e.connectErr = err }
}

// WithInterruptError makes Interrupt return err after canceling the script.
func WithInterruptError(err error) Option {
	return func(e *Engine) { e.interruptErr = err }
}

// WithDisconnectError makes Disconnect return err.
func WithDisconnectError(err error) Option {
	return func(e *Engine) { e.disconnectErr = err }
}

// New returns an engine that runs script for every connection.
func New(script Script, opts ...Option) *Engine {
	e := &Engine{script: script}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Connect records opts and returns a new connection.
func (e *Engine) Connect(ctx context.Context, opts engine.Options) (engine.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.connects = append(e.connects, opts.Clone())
	e.mu.Unlock()
	if e.connectErr != nil {
		return nil, e.connectErr
	}
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &conn{
		eng:    e,
		opts:   opts,
		ctx:    cctx,
		cancel: cancel,
		events: make(chan engine.Event),
	}, nil
}

// Connects returns the options of every Connect call in order.
func (e *Engine) Connects() []engine.Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.Options, len(e.connects))
	copy(out, e.connects)
	return out
}

// Prompts returns every submitted prompt in order.
func (e *Engine) Prompts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.prompts))
	copy(out, e.prompts)
	return out
}

// Interrupts returns the number of Interrupt calls.
func (e *Engine) Interrupts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interrupts
}

// Disconnects returns the number of Disconnect calls.
func (e *Engine) Disconnects() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disconnects
}

func (c *conn) Submit(_ context.Context, prompt string) error {
	c.mu.Lock()
	if c.submitted {
		c.mu.Unlock()
		return ErrAlreadySubmitted
	}
	c.submitted = true
	c.mu.Unlock()

	c.eng.mu.Lock()
	c.eng.prompts = append(c.eng.prompts, prompt)
	c.eng.mu.Unlock()

	go c.run(prompt)
	return nil
}

func (c *conn) run(prompt string) {
	defer close(c.events)
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("inmem: script panic: %v", r)
			}
		}()
		err = c.eng.script(c.ctx, c.opts, prompt, c.emit)
	}()
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *conn) emit(ev engine.Event) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *conn) Receive(ctx context.Context) (engine.Event, error) {
	select {
	case ev, ok := <-c.events:
		if ok {
			return ev, nil
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.err != nil {
			return nil, c.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Interrupt(context.Context) error {
	c.eng.mu.Lock()
	c.eng.interrupts++
	c.eng.mu.Unlock()
	c.cancel()
	return c.eng.interruptErr
}

func (c *conn) Disconnect(context.Context) error {
	c.eng.mu.Lock()
	c.eng.disconnects++
	c.eng.mu.Unlock()
	c.cancel()
	return c.eng.disconnectErr
}
