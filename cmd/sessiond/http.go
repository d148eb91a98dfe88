package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/sessiond/api"
)

// handleHTTPServer starts the HTTP server and shuts it down when ctx is done.
func handleHTTPServer(ctx context.Context, addr string, svc *api.Service, pingers []health.Pinger, wg *sync.WaitGroup, errc chan error, dbg bool) {
	// Build the request multiplexer and mount debug and profiler endpoints
	// in debug mode.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
		if dbg {
			// Mount pprof handlers for memory profiling under /debug/pprof.
			debug.MountPprofHandlers(debug.Adapt(mux))
			// Mount /debug endpoint to enable or disable debug logs at runtime.
			debug.MountDebugLogEnabler(debug.Adapt(mux))
		}
	}

	api.Mount(mux, svc)

	check := health.Handler(health.NewChecker(pingers...))
	mux.Handle(http.MethodGet, "/healthz", check.ServeHTTP)
	mux.Handle(http.MethodGet, "/livez", check.ServeHTTP)

	// Request bodies are not logged in debug mode: the SSE stream handler
	// needs the unwrapped flusher.
	handler := log.HTTP(ctx)(mux)

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for name, ep := range svc.Info().Endpoints {
		log.Printf(ctx, "HTTP %q mounted on %s", name, ep)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout. SSE streams are closed by
		// the request context once the server stops accepting.
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
