// Command lodestard runs the Lodestar agent run orchestrator.
//
// A process hosts one or both components, selected by mode:
//
//   - server: the HTTP control plane (initiate, start, stop, get, list and
//     SSE streaming under /api)
//   - worker: the coordinator pool consuming run dispatch jobs
//   - all: both in one process (the default)
//
// # Configuration
//
// Settings come from a YAML file (-config), LODESTAR_* environment variables
// and flags, in increasing precedence. See the config package for the full
// schema. Minimal file:
//
//	postgres:
//	  url: postgres://lodestar@localhost/lodestar
//	mongo:
//	  uri: mongodb://localhost:27017
//	server:
//	  token_secret: ${LODESTAR_TOKEN_SECRET}
//	model:
//	  anthropic:
//	    api_key: ${ANTHROPIC_API_KEY}
//
// # Examples
//
// Everything in one process:
//
//	lodestard -config lodestard.yaml
//
// A dedicated worker pool:
//
//	LODESTAR_MODE=worker lodestard -config lodestard.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/lodestar-ai/lodestar/config"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		modeF   = flag.String("mode", "", "Process mode: all, server or worker (overrides config)")
		httpF   = flag.String("http-addr", "", "HTTP listen address (overrides config)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs and mount debug endpoints")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format), log.WithFunc(log.Span))

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *modeF != "" {
		cfg.Mode = *modeF
	}
	if *httpF != "" {
		cfg.Server.Addr = *httpF
	}
	if *dbgF {
		cfg.Debug = true
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(ctx, err)
	}
	log.Print(ctx,
		log.KV{K: "instance", V: cfg.InstanceID},
		log.KV{K: "mode", V: cfg.Mode},
		log.KV{K: "http-addr", V: cfg.Server.Addr})

	d, err := buildDeps(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}

	// Channel used by the signal handler and the server goroutines to tell
	// the main goroutine to stop.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	if cfg.ServerEnabled() {
		if err := handleHTTPServer(ctx, cfg, d, &wg, errc); err != nil {
			cancel()
			d.close(context.Background())
			log.Fatal(ctx, err)
		}
	}
	if cfg.WorkerEnabled() {
		if err := startWorker(ctx, cfg, d); err != nil {
			cancel()
			d.close(context.Background())
			log.Fatal(ctx, err)
		}
	}

	// Wait for a signal or a server error.
	log.Printf(ctx, "exiting (%v)", <-errc)

	cancel()
	wg.Wait()
	d.close(context.Background())
	log.Printf(ctx, "exited")
}

// defaultInstanceID derives a unique name for registry entries and for
// instance-targeted control channels.
func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "lodestard"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
