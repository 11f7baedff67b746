// Package server exposes the control plane over HTTP. All routes live under
// /api: JSON endpoints for admitting, stopping and inspecting runs, a
// multipart endpoint that starts a conversation from a prompt plus file
// attachments, and a server-sent-events endpoint that streams a run's
// response log. Requests authenticate with a bearer token minted by upstream
// auth; the stream route accepts the same token as a query parameter.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lodestar-ai/lodestar/controlplane"
	"github.com/lodestar-ai/lodestar/runtime/agent/model"
	"github.com/lodestar-ai/lodestar/runtime/agent/run"
	"github.com/lodestar-ai/lodestar/runtime/agent/store"
	"github.com/lodestar-ai/lodestar/runtime/agent/telemetry"
)

// maxUploadMemory bounds how much of a multipart initiate request is held in
// memory; larger file parts spill to temporary files.
const maxUploadMemory = 32 << 20

type (
	// Server routes the HTTP surface to the control plane.
	Server struct {
		svc    *controlplane.Service
		tokens *Tokens
		logger telemetry.Logger
		router chi.Router
	}

	// Options configures a Server.
	Options struct {
		// Service is the control plane the routes bind to. Required.
		Service *controlplane.Service
		// Tokens verifies request tokens and mints stream tokens. Required.
		Tokens *Tokens
		// Logger defaults to noop.
		Logger telemetry.Logger
	}
)

// New builds a Server and its route table.
func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("control plane service is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("token signer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	s := &Server{svc: opts.Service, tokens: opts.Tokens, logger: logger}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		// The stream route authenticates from its token query parameter and
		// writes SSE frames, so it stays outside the bearer group.
		r.Get("/agent-run/{run_id}/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/agent/initiate", s.handleInitiate)
			r.Post("/thread/{thread_id}/agent/start", s.handleStart)
			r.Post("/agent-run/{run_id}/stop", s.handleStop)
			r.Get("/agent-run/{run_id}", s.handleGet)
			r.Get("/thread/{thread_id}/agent-runs", s.handleList)
		})
	})
	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type (
	initiateResponse struct {
		ThreadID string `json:"thread_id"`
		RunID    string `json:"agent_run_id"`
	}

	startResponse struct {
		RunID       string `json:"agent_run_id"`
		Status      string `json:"status"`
		StreamToken string `json:"stream_token"`
	}

	stopResponse struct {
		Status string `json:"status"`
	}

	// runView is the wire shape of a run record.
	runView struct {
		ID          string     `json:"id"`
		ThreadID    string     `json:"threadId"`
		Status      string     `json:"status"`
		StartedAt   time.Time  `json:"startedAt"`
		CompletedAt *time.Time `json:"completedAt"`
		Error       string     `json:"error"`
	}

	getResponse struct {
		runView
		StreamToken string `json:"stream_token"`
	}

	listResponse struct {
		AgentRuns []runView `json:"agent_runs"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

func newRunView(r *run.Run) runView {
	return runView{
		ID:          r.ID,
		ThreadID:    r.ThreadID,
		Status:      string(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Error:       r.Error,
	}
}

// handleInitiate serves POST /api/agent/initiate: multipart prompt, option
// fields and file attachments.
func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.respondError(ctx, w, fmt.Errorf("%w: parse multipart form: %v", controlplane.ErrInvalid, err))
		return
	}
	opts, err := optionsFromForm(r.Form)
	if err != nil {
		s.respondError(ctx, w, err)
		return
	}
	files, err := formFiles(r)
	if err != nil {
		s.respondError(ctx, w, err)
		return
	}
	res, err := s.svc.Initiate(ctx, controlplane.InitiateRequest{
		AccountID: accountFrom(ctx),
		Prompt:    r.FormValue("prompt"),
		ModelName: r.FormValue("model_name"),
		Options:   opts,
		Files:     files,
	})
	if err != nil {
		s.respondError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, initiateResponse{ThreadID: res.ThreadID, RunID: res.RunID})
}

// handleStart serves POST /api/thread/{thread_id}/agent/start. An empty body
// starts the run with default options.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body struct {
		ModelName string `json:"model_name"`
		run.Options
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(ctx, w, fmt.Errorf("%w: decode request body: %v", controlplane.ErrInvalid, err))
		return
	}
	if err := validateOptions(body.Options); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	runID, err := s.svc.Start(ctx, chi.URLParam(r, "thread_id"), controlplane.StartRequest{
		ModelName: body.ModelName,
		Options:   body.Options,
	})
	if err != nil {
		s.respondError(ctx, w, err)
		return
	}
	token, err := s.tokens.Mint(accountFrom(ctx))
	if err != nil {
		s.respondError(ctx, w, fmt.Errorf("mint stream token: %w", err))
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, startResponse{
		RunID:       runID,
		Status:      string(run.StatusRunning),
		StreamToken: token,
	})
}

// handleStop serves POST /api/agent-run/{run_id}/stop. Stopping an
// already-terminal run acknowledges without mutating it.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.svc.Stop(ctx, chi.URLParam(r, "run_id"), ""); err != nil {
		s.respondError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, stopResponse{Status: string(run.StatusStopped)})
}

// handleGet serves GET /api/agent-run/{run_id}. The response carries a fresh
// stream token so the caller can attach to the SSE endpoint.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rr, err := s.svc.Get(ctx, chi.URLParam(r, "run_id"))
	if err != nil {
		s.respondError(ctx, w, err)
		return
	}
	token, err := s.tokens.Mint(accountFrom(ctx))
	if err != nil {
		s.respondError(ctx, w, fmt.Errorf("mint stream token: %w", err))
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, getResponse{runView: newRunView(rr), StreamToken: token})
}

// handleList serves GET /api/thread/{thread_id}/agent-runs, most recent
// first.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runs, err := s.svc.List(ctx, chi.URLParam(r, "thread_id"))
	if err != nil {
		s.respondError(ctx, w, err)
		return
	}
	views := make([]runView, 0, len(runs))
	for _, rr := range runs {
		views = append(views, newRunView(rr))
	}
	s.writeJSON(ctx, w, http.StatusOK, listResponse{AgentRuns: views})
}

// accountKey is the context key carrying the authenticated account id.
type accountKey struct{}

func withAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountKey{}, accountID)
}

func accountFrom(ctx context.Context) string {
	id, _ := ctx.Value(accountKey{}).(string)
	return id
}

// authenticate verifies the Authorization bearer and stores the bound account
// id on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, err := s.tokens.Verify(bearerToken(r))
		if err != nil {
			s.respondError(r.Context(), w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), account)))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// optionsFromForm parses the recognized option fields of the initiate form.
func optionsFromForm(form url.Values) (run.Options, error) {
	var (
		opts run.Options
		err  error
	)
	if opts.EnableThinking, err = formBool(form, "enable_thinking"); err != nil {
		return opts, err
	}
	if opts.Stream, err = formBool(form, "stream"); err != nil {
		return opts, err
	}
	if opts.EnableContextManager, err = formBool(form, "enable_context_manager"); err != nil {
		return opts, err
	}
	opts.ReasoningEffort = form.Get("reasoning_effort")
	return opts, validateOptions(opts)
}

func formBool(form url.Values, key string) (bool, error) {
	v := form.Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", controlplane.ErrInvalid, key)
	}
	return b, nil
}

// validateOptions rejects option values the runtime does not recognize.
func validateOptions(opts run.Options) error {
	switch opts.ReasoningEffort {
	case "", model.EffortLow, model.EffortMedium, model.EffortHigh:
		return nil
	}
	return fmt.Errorf("%w: reasoning_effort must be %q, %q or %q",
		controlplane.ErrInvalid, model.EffortLow, model.EffortMedium, model.EffortHigh)
}

// formFiles collects the attachments of an initiate request. The multipart
// layer strips any directory components from client file names.
func formFiles(r *http.Request) ([]controlplane.UploadFile, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	headers := r.MultipartForm.File["files"]
	files := make([]controlplane.UploadFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open file %q: %v", controlplane.ErrInvalid, fh.Filename, err)
		}
		content, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read file %q: %v", controlplane.ErrInvalid, fh.Filename, err)
		}
		files = append(files, controlplane.UploadFile{Name: fh.Filename, Content: content})
	}
	return files, nil
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(ctx, "encode response", "error", err)
	}
}

// respondError maps domain errors to their status codes. Internal errors are
// logged and masked.
func (s *Server) respondError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	switch {
	case errors.Is(err, errInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, run.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, controlplane.ErrInvalid):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(ctx, "request failed", "error", err)
		msg = "internal error"
	}
	s.writeJSON(ctx, w, status, errorResponse{Error: msg})
}
