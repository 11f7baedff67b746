// Package runlog provides the append-only response log for agent runs.
//
// The log is the canonical source of truth for everything a run produced.
// Workers append events as the run executes and publish a notification after
// each append; streamers replay the log by index and follow the notification
// channel for catch-up. Notifications are at-least-once and may be lost:
// subscribers always re-read by index, never assume the pub/sub is lossless.
//
// Each run also has a control channel (plus an instance-targeted variant)
// carrying STOP, END_STREAM and ERROR signals between control plane, workers
// and streamers.
package runlog

import (
	"context"
	"time"

	"github.com/lodestar-ai/lodestar/runtime/agent/stream"
)

type (
	// Log is the append-only, replayable response log for agent runs.
	//
	// Appends for one run are totally ordered; ReadRange observes them in
	// append order. Append and Notify are separate operations: callers append
	// first, then notify, and subscribers tolerate missing notifications by
	// re-reading from their last index.
	Log interface {
		// Append stores the event at the end of the run's log and returns its
		// zero-based sequence index.
		Append(ctx context.Context, runID string, event stream.Event) (int64, error)

		// ReadRange returns events with indexes in [from, to]. A negative to
		// reads through the end of the log. Reading a missing run yields an
		// empty slice, not an error.
		ReadRange(ctx context.Context, runID string, from, to int64) ([]stream.Event, error)

		// Length returns the number of events appended for the run.
		Length(ctx context.Context, runID string) (int64, error)

		// Notify publishes the new-event token on the run's notification
		// channel. At-least-once; losses are tolerated by subscribers.
		Notify(ctx context.Context, runID string) error

		// SubscribeEvents follows the run's new-event notification channel.
		SubscribeEvents(ctx context.Context, runID string) (Subscription, error)

		// SubscribeControl follows the run's control channel. When instance is
		// non-empty the instance-targeted channel is followed as well.
		SubscribeControl(ctx context.Context, runID, instance string) (Subscription, error)

		// PublishControl sends a control signal on the run's global channel
		// and, when instance is non-empty, on the instance-targeted channel.
		PublishControl(ctx context.Context, runID, instance string, signal Signal) error

		// SetRetention bounds how long the run's log is kept after the call.
		SetRetention(ctx context.Context, runID string, ttl time.Duration) error

		// Delete removes the run's log. Missing runs are not errors.
		Delete(ctx context.Context, runID string) error
	}

	// Subscription delivers pub/sub payloads for one run. Messages is closed
	// when the subscription ends. Payloads are the notification token or a
	// control signal string depending on the subscribed channel.
	Subscription interface {
		Messages() <-chan string
		Close() error
	}

	// Signal is a control channel payload.
	Signal string
)

const (
	// SignalStop requests cooperative termination of the run.
	SignalStop Signal = "STOP"
	// SignalEndStream announces successful completion to streamers.
	SignalEndStream Signal = "END_STREAM"
	// SignalError announces failure to streamers.
	SignalError Signal = "ERROR"
)

// NotifyToken is the payload published on the new-event channel.
const NotifyToken = "new"

// Key and channel names shared by all Log implementations. The literal
// formats are part of the wire contract with other services and must not
// change.

// ResponsesKey returns the list key holding the run's ordered events.
func ResponsesKey(runID string) string {
	return "agent_run:" + runID + ":responses"
}

// NewResponseChannel returns the pub/sub channel notified after each append.
func NewResponseChannel(runID string) string {
	return "agent_run:" + runID + ":new_response"
}

// ControlChannel returns the run's global control channel.
func ControlChannel(runID string) string {
	return "agent_run:" + runID + ":control"
}

// InstanceControlChannel returns the control channel targeted at a single
// instance.
func InstanceControlChannel(runID, instance string) string {
	return ControlChannel(runID) + ":" + instance
}
