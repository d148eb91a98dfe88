// Command sessiond runs the agent session orchestration HTTP service.
//
// Clients submit prompts to POST /execute/, poll GET /status/{session_id}
// or follow GET /stream/{session_id}, and cancel or delete sessions by id.
// Sessions older than cleanup.max_age are swept every cleanup.interval.
//
// # Configuration
//
// A YAML file given with -config is applied over the defaults, then the
// environment, then the command line flags:
//
//	SESSIOND_ADDR      - HTTP listen address (default: ":8000")
//	SESSIOND_DEBUG     - Enable debug logs and endpoints (default: false)
//	SESSIOND_ENGINE    - claude, anthropic, bedrock or echo (default: "claude")
//	CLAUDE_BINARY      - Claude Code CLI path (default: "claude")
//	ANTHROPIC_API_KEY  - Anthropic API key (anthropic engine)
//	ANTHROPIC_MODEL    - Default Anthropic model
//	AWS_REGION         - Bedrock region (default: "us-east-1")
//	BEDROCK_MODEL      - Default Bedrock model id
//	REDIS_URL          - Enables Pulse event fan-out when set
//	REDIS_PASSWORD     - Redis password (optional)
//	STREAM_MAX_LEN     - Entries kept per session stream (default: 1000)
//	CLEANUP_INTERVAL   - Sweep interval (default: "1h")
//	CLEANUP_MAX_AGE    - Age of swept sessions (default: "24h")
//
// # Example
//
//	SESSIOND_ENGINE=echo go run ./cmd/sessiond -addr :8000
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"goa.design/sessiond/api"
	"goa.design/sessiond/features/stream/pulse"
	clientspulse "goa.design/sessiond/features/stream/pulse/clients/pulse"
	"goa.design/sessiond/runtime/agent/session"
	"goa.design/sessiond/runtime/agent/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		addrF   = flag.String("addr", "", "HTTP listen address (overrides configuration)")
		engineF = flag.String("engine", "", "Engine kind: claude, anthropic, bedrock or echo (overrides configuration)")
		dbgF    = flag.Bool("debug", false, "Log debug messages and mount debug endpoints")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "failed to load configuration")
	}
	if *addrF != "" {
		cfg.HTTP.Addr = *addrF
	}
	if *engineF != "" {
		cfg.Engine.Kind = *engineF
	}
	if *dbgF {
		cfg.HTTP.Debug = true
	}
	if err := cfg.validate(); err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if cfg.HTTP.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "sessiond failed")
	}
}

func run(ctx context.Context, cfg config) error {
	logger := telemetry.NewClueLogger()

	eng, pingers, err := newEngine(cfg.Engine, logger)
	if err != nil {
		return err
	}

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithMetrics(telemetry.NewClueMetrics()),
		session.WithTracer(telemetry.NewClueTracer()),
	}
	svcOpts := []api.Option{api.WithLogger(logger)}

	// Fan session events out to Redis through Pulse when configured.
	var rdb *redis.Client
	if cfg.Stream.RedisURL != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Stream.RedisURL,
			Password: cfg.Stream.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		pc, err := clientspulse.New(clientspulse.Options{
			Redis:            rdb,
			StreamMaxLen:     cfg.Stream.MaxLen,
			OperationTimeout: 5 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("pulse client: %w", err)
		}
		sink, err := pulse.NewSink(pulse.Options{Client: pc})
		if err != nil {
			return fmt.Errorf("pulse sink: %w", err)
		}
		sub, err := pulse.NewSubscriber(pulse.SubscriberOptions{Client: pc})
		if err != nil {
			return fmt.Errorf("pulse subscriber: %w", err)
		}
		opts = append(opts, session.WithSink(sink))
		svcOpts = append(svcOpts, api.WithTailer(sub))
		pingers = append(pingers, redisPinger{client: pc})
		log.Printf(ctx, "publishing session events to redis at %q", cfg.Stream.RedisURL)
	}

	mgr := session.New(eng, opts...)
	svc, err := api.NewService(mgr, svcOpts...)
	if err != nil {
		return fmt.Errorf("session service: %w", err)
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		mgr.RunSweeper(ctx, cfg.Cleanup.Interval, cfg.Cleanup.MaxAge)
	}()

	handleHTTPServer(ctx, cfg.HTTP.Addr, svc, pingers, &wg, errc, cfg.HTTP.Debug)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()
	wg.Wait()

	// Cancel in-flight runs and flush the sink.
	sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer scancel()
	if err := mgr.Close(sctx); err != nil {
		log.Printf(ctx, "failed to close sessions: %v", err)
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Printf(ctx, "failed to close redis: %v", err)
		}
	}

	log.Printf(ctx, "exited")
	return nil
}
