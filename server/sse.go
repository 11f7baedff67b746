package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lodestar-ai/lodestar/runtime/agent/stream"
)

// errForbidden reports a token bound to a different account than the run.
// The error mapping turns it into a 403.
var errForbidden = errors.New("server: token does not grant access to this run")

// handleStream serves GET /api/agent-run/{run_id}/stream: the run's response
// log replayed in order, then live events until a terminal status closes the
// stream. Each event is one SSE data frame. The token arrives as a query
// parameter (EventSource cannot set headers) and must bind the run's account.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "run_id")

	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	account, err := s.tokens.Verify(token)
	if err != nil {
		s.respondError(ctx, w, err)
		return
	}
	rr, err := s.svc.Get(ctx, runID)
	if err != nil {
		s.respondError(ctx, w, err)
		return
	}
	if rr.AccountID != account {
		s.respondError(ctx, w, errForbidden)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(ctx, w, errors.New("response writer does not support streaming"))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = s.svc.Stream(ctx, runID, func(ev stream.Event) error {
		data, err := ev.Marshal()
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		// Client disconnected.
	default:
		// The status line is already on the wire; log and close.
		s.logger.Warn(ctx, "stream ended with error", "run_id", runID, "error", err)
	}
}
