package main

import (
	"context"
	"fmt"
	"os/exec"

	"goa.design/clue/health"

	clientspulse "goa.design/sessiond/features/stream/pulse/clients/pulse"
)

type (
	// redisPinger reports the Redis connection backing the Pulse streams.
	redisPinger struct {
		client clientspulse.Client
	}

	// binaryPinger reports whether the Claude CLI can be found.
	binaryPinger struct {
		binary string
	}
)

var (
	_ health.Pinger = redisPinger{}
	_ health.Pinger = binaryPinger{}
)

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p binaryPinger) Name() string { return "claude" }

func (p binaryPinger) Ping(context.Context) error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("claude binary %q: %w", p.binary, err)
	}
	return nil
}
