package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/lodestar-ai/lodestar/config"
	"github.com/lodestar-ai/lodestar/server"
)

// handleHTTPServer mounts the control plane API, health checks and debug
// handlers, starts the HTTP server and registers its shutdown watcher on wg.
func handleHTTPServer(ctx context.Context, cfg *config.Config, d *deps, wg *sync.WaitGroup, errc chan error) error {
	api, err := server.New(server.Options{
		Service: d.svc,
		Tokens:  d.tokens,
		Logger:  d.logger,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", api)
	check := health.Handler(health.NewChecker(d.pingers...))
	mux.Handle("/healthz", check)
	mux.Handle("/livez", check)
	if cfg.Debug {
		// Mount pprof handlers for memory profiling under /debug/pprof.
		debug.MountPprofHandlers(mux)
		// Mount /debug endpoint to enable or disable debug logs at runtime.
		debug.MountDebugLogEnabler(mux)
	}

	var handler http.Handler = mux
	if cfg.Debug {
		// Log query and response bodies if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	// No write timeout: response streams stay open for the life of a run.
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", cfg.Server.Addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", cfg.Server.Addr)

		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
	return nil
}
