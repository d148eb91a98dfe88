package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"goa.design/clue/health"

	"goa.design/sessiond/features/engine/anthropic"
	"goa.design/sessiond/features/engine/bedrock"
	"goa.design/sessiond/features/engine/claudecli"
	"goa.design/sessiond/runtime/agent/engine"
	"goa.design/sessiond/runtime/agent/engine/inmem"
	"goa.design/sessiond/runtime/agent/telemetry"
)

// newEngine builds the engine selected by cfg.Kind together with the health
// pingers of its dependencies.
func newEngine(cfg engineConfig, logger telemetry.Logger) (engine.Engine, []health.Pinger, error) {
	switch cfg.Kind {
	case engineClaude:
		eng := claudecli.New(claudecli.Options{
			Binary:    cfg.Claude.Binary,
			ExtraArgs: cfg.Claude.ExtraArgs,
			StopGrace: cfg.Claude.StopGrace,
			Logger:    logger,
		})
		return eng, []health.Pinger{binaryPinger{binary: cfg.Claude.Binary}}, nil
	case engineAnthropic:
		eng, err := anthropic.NewFromAPIKey(cfg.Anthropic.APIKey, anthropic.Options{
			DefaultModel: cfg.Anthropic.Model,
			MaxTokens:    cfg.Anthropic.MaxTokens,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("anthropic engine: %w", err)
		}
		return eng, nil, nil
	case engineBedrock:
		rt := bedrockruntime.New(bedrockruntime.Options{
			Region:      cfg.Bedrock.Region,
			Credentials: aws.NewCredentialsCache(envCredentials()),
		})
		eng, err := bedrock.New(bedrock.Options{
			Runtime:      bedrock.FromClient(rt),
			DefaultModel: cfg.Bedrock.Model,
			MaxTokens:    cfg.Bedrock.MaxTokens,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("bedrock engine: %w", err)
		}
		return eng, nil, nil
	case engineEcho:
		return inmem.New(inmem.Echo), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown engine kind %q", cfg.Kind)
	}
}

// envCredentials reads static AWS credentials from the standard
// AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and AWS_SESSION_TOKEN variables.
func envCredentials() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
		if id == "" || secret == "" {
			return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
		}
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "sessiond-env",
		}, nil
	})
}
