package main

import (
	"context"
	"fmt"

	"goa.design/clue/log"

	"github.com/lodestar-ai/lodestar/config"
	"github.com/lodestar-ai/lodestar/runtime/agent/coordinator"
)

// startWorker builds the run coordinator and subscribes it to the job broker.
// Delivery happens on broker-owned goroutines until the context is cancelled
// or the broker closes.
func startWorker(ctx context.Context, cfg *config.Config, d *deps) error {
	coord, err := coordinator.New(coordinator.Options{
		InstanceID: cfg.InstanceID,
		Runs:       d.store.Runs(),
		Messages:   d.store.Messages(),
		Projects:   d.store.Projects(),
		Log:        d.runlog,
		Registry:   d.registry,
		Sandboxes:  d.sandboxes,
		Model:      d.modelc,
		TaskStores: d.taskStores,
		Logger:     d.logger,
		Metrics:    d.metrics,
		Tracer:     d.tracer,
	})
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	if err := d.broker.Subscribe(ctx, coord.Handler()); err != nil {
		return fmt.Errorf("subscribe worker: %w", err)
	}
	log.Print(ctx,
		log.KV{K: "msg", V: "worker consuming run jobs"},
		log.KV{K: "concurrency", V: cfg.Worker.Concurrency})
	return nil
}
