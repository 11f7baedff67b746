// Package broker defines the task dispatch port between the control plane
// and the run workers. Delivery is at-least-once: a handler error or worker
// crash causes redelivery, and the coordinator's terminal-row check makes
// duplicates safe. The pulse backend lives under features/broker/pulse.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lodestar-ai/lodestar/runtime/agent/run"
)

type (
	// Job is the broker payload describing one run to execute.
	Job struct {
		RunID      string      `json:"run_id"`
		ThreadID   string      `json:"thread_id"`
		InstanceID string      `json:"instance_id"`
		ProjectID  string      `json:"project_id"`
		AccountID  string      `json:"account_id"`
		ModelName  string      `json:"model_name"`
		Options    run.Options `json:"options"`
	}

	// Handler processes one delivered job. Returning an error requests
	// redelivery.
	Handler func(ctx context.Context, job *Job) error

	// Broker dispatches jobs to workers.
	Broker interface {
		// Enqueue submits the job for execution on some worker.
		Enqueue(ctx context.Context, job *Job) error
		// Subscribe registers the worker handler and starts consuming.
		// It returns once consumption is set up; delivery happens on
		// broker-owned goroutines until Close.
		Subscribe(ctx context.Context, handler Handler) error
		// Close stops delivery and releases broker resources.
		Close(ctx context.Context) error
	}
)

// Marshal renders the job as its JSON wire payload.
func (j *Job) Marshal() ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal job %s: %w", j.RunID, err)
	}
	return b, nil
}

// UnmarshalJob decodes a JSON wire payload.
func UnmarshalJob(payload []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, nil
}
