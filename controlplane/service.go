// Package controlplane implements the caller-facing run lifecycle operations:
// admitting runs, stopping them, reading their records, and streaming their
// response logs. The server package binds these operations to HTTP routes;
// everything here is transport-agnostic.
//
// Admission is deliberately thin. Initiate and Start write the durable rows,
// register the run, and enqueue a broker job; all execution happens on a
// worker. The one piece of work the control plane runs itself is the
// detached project-naming task, which never blocks or fails a request.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lodestar-ai/lodestar/runtime/agent/broker"
	"github.com/lodestar-ai/lodestar/runtime/agent/model"
	"github.com/lodestar-ai/lodestar/runtime/agent/registry"
	"github.com/lodestar-ai/lodestar/runtime/agent/run"
	"github.com/lodestar-ai/lodestar/runtime/agent/runlog"
	"github.com/lodestar-ai/lodestar/runtime/agent/sandbox"
	"github.com/lodestar-ai/lodestar/runtime/agent/store"
	"github.com/lodestar-ai/lodestar/runtime/agent/stream"
	"github.com/lodestar-ai/lodestar/runtime/agent/telemetry"
)

// retentionTTL bounds how long a stopped run's response log is kept.
const retentionTTL = 24 * time.Hour

// ErrInvalid reports a request that fails validation. The HTTP layer maps it
// to a 400 response.
var ErrInvalid = errors.New("controlplane: invalid request")

type (
	// Service implements the run lifecycle operations.
	Service struct {
		instanceID    string
		runs          store.Runs
		threads       store.Threads
		projects      store.Projects
		messages      store.Messages
		log           runlog.Log
		registry      registry.Registry
		broker        broker.Broker
		sandboxes     sandbox.Provider
		resolver      *model.Resolver
		namer         model.Client
		namingTimeout time.Duration
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		tracer        telemetry.Tracer

		naming sync.WaitGroup
	}

	// Options configures a Service.
	Options struct {
		// InstanceID identifies this control plane instance in the registry
		// and on broker jobs. Required.
		InstanceID string
		// Runs persists run rows. Required.
		Runs store.Runs
		// Threads persists thread rows. Required.
		Threads store.Threads
		// Projects persists project rows. Required.
		Projects store.Projects
		// Messages persists conversation messages. Required.
		Messages store.Messages
		// Log is the response log. Required.
		Log runlog.Log
		// Registry tracks live runs. Required.
		Registry registry.Registry
		// Broker dispatches admitted runs to workers. Required.
		Broker broker.Broker
		// Sandboxes provisions project sandboxes. Required.
		Sandboxes sandbox.Provider
		// Resolver maps requested model names to providers. Required.
		Resolver *model.Resolver
		// Namer is the model client used by the detached project-naming
		// task. Nil disables naming.
		Namer model.Client
		// NamingTimeout bounds the naming call. Zero uses 30s.
		NamingTimeout time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
		// Tracer defaults to noop.
		Tracer telemetry.Tracer
	}

	// InitiateRequest carries everything needed to start a conversation from
	// scratch: the prompt, optional file attachments, and run options.
	InitiateRequest struct {
		AccountID string
		Prompt    string
		ModelName string
		Options   run.Options
		Files     []UploadFile
	}

	// UploadFile is one attachment destined for the sandbox workspace.
	UploadFile struct {
		Name    string
		Content []byte
	}

	// InitiateResult identifies the created thread and its first run.
	InitiateResult struct {
		ThreadID string
		RunID    string
	}

	// StartRequest carries the per-run choices for starting a run on an
	// existing thread.
	StartRequest struct {
		ModelName string
		Options   run.Options
	}
)

// New builds a Service.
func New(opts Options) (*Service, error) {
	if opts.InstanceID == "" {
		return nil, errors.New("instance id is required")
	}
	if opts.Runs == nil {
		return nil, errors.New("runs store is required")
	}
	if opts.Threads == nil {
		return nil, errors.New("threads store is required")
	}
	if opts.Projects == nil {
		return nil, errors.New("projects store is required")
	}
	if opts.Messages == nil {
		return nil, errors.New("messages store is required")
	}
	if opts.Log == nil {
		return nil, errors.New("response log is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if opts.Sandboxes == nil {
		return nil, errors.New("sandbox provider is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("model resolver is required")
	}
	namingTimeout := opts.NamingTimeout
	if namingTimeout <= 0 {
		namingTimeout = defaultNamingTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Service{
		instanceID:    opts.InstanceID,
		runs:          opts.Runs,
		threads:       opts.Threads,
		projects:      opts.Projects,
		messages:      opts.Messages,
		log:           opts.Log,
		registry:      opts.Registry,
		broker:        opts.Broker,
		sandboxes:     opts.Sandboxes,
		resolver:      opts.Resolver,
		namer:         opts.Namer,
		namingTimeout: namingTimeout,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
	}, nil
}

// Initiate provisions a project with its sandbox, creates the conversation
// thread, uploads any attached files into the workspace, records the initial
// user message, and admits the first run. Upload failures are collected into
// the message rather than failing the request; everything else is required.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	ctx, span := s.tracer.Start(ctx, "controlplane.initiate")
	defer span.End()

	if req.AccountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalid)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalid)
	}

	now := time.Now().UTC()
	projectID := uuid.NewString()
	threadID := uuid.NewString()

	info, err := s.sandboxes.Create(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	project := &store.Project{
		ProjectID: projectID,
		AccountID: req.AccountID,
		Sandbox:   info,
		CreatedAt: now,
	}
	if err := s.projects.Insert(ctx, project); err != nil {
		s.releaseSandbox(ctx, info.ID)
		return nil, fmt.Errorf("insert project: %w", err)
	}
	thread := &store.Thread{
		ThreadID:  threadID,
		ProjectID: projectID,
		AccountID: req.AccountID,
		CreatedAt: now,
	}
	if err := s.threads.Insert(ctx, thread); err != nil {
		s.releaseSandbox(ctx, info.ID)
		return nil, fmt.Errorf("insert thread: %w", err)
	}

	uploaded, failed := s.uploadFiles(ctx, info, req.Files)

	content, err := store.NewUserMessageContent(initialMessage(req.Prompt, uploaded, failed))
	if err != nil {
		return nil, fmt.Errorf("render user message: %w", err)
	}
	msg := &store.Message{
		MessageID:    uuid.NewString(),
		ThreadID:     threadID,
		Type:         store.MessageTypeUser,
		IsLLMMessage: true,
		Content:      content,
		CreatedAt:    now,
	}
	if err := s.messages.Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert user message: %w", err)
	}

	runID, err := s.admit(ctx, thread, req.ModelName, req.Options)
	if err != nil {
		return nil, err
	}

	if s.namer != nil {
		s.naming.Add(1)
		go s.nameProject(projectID, req.Prompt)
	}
	return &InitiateResult{ThreadID: threadID, RunID: runID}, nil
}

// Start admits a run on an existing thread. A project holds at most one
// running run, so any run still marked running on the thread's project is
// stopped first.
func (s *Service) Start(ctx context.Context, threadID string, req StartRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "controlplane.start")
	defer span.End()

	thread, err := s.threads.Get(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("load thread %s: %w", threadID, err)
	}
	running, err := s.runs.RunningByProject(ctx, thread.ProjectID)
	if err != nil {
		return "", fmt.Errorf("list running runs for project %s: %w", thread.ProjectID, err)
	}
	for _, r := range running {
		s.logger.Info(ctx, "stopping previous run",
			"run_id", r.ID, "project_id", thread.ProjectID)
		if err := s.Stop(ctx, r.ID, ""); err != nil {
			return "", fmt.Errorf("stop previous run %s: %w", r.ID, err)
		}
	}
	return s.admit(ctx, thread, req.ModelName, req.Options)
}

// Stop terminates the run: a terminal status event is appended to the log,
// the run row is finalized with a snapshot of everything logged so far, STOP
// is published on the control channels, and the log's retention is bounded.
// A non-empty errMsg records the stop as a failure. Stopping an
// already-terminal run acknowledges without mutating anything.
func (s *Service) Stop(ctx context.Context, runID, errMsg string) error {
	ctx, span := s.tracer.Start(ctx, "controlplane.stop")
	defer span.End()

	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if r.Status.Terminal() {
		return nil
	}

	status := run.StatusStopped
	if errMsg != "" {
		status = run.StatusFailed
	}

	// The terminal event must be in the log before any control signal so
	// attached streamers replay it instead of racing it.
	if _, err := s.log.Append(ctx, runID, stream.NewStatus(runID, string(status), errMsg)); err != nil {
		return fmt.Errorf("append terminal event for run %s: %w", runID, err)
	}
	if err := s.log.Notify(ctx, runID); err != nil {
		s.logger.Warn(ctx, "notify failed", "run_id", runID, "error", err)
	}

	responses, err := s.snapshot(ctx, runID)
	if err != nil {
		s.logger.Warn(ctx, "snapshot failed", "run_id", runID, "error", err)
	}
	switch err := s.runs.Finalize(ctx, runID, status, errMsg, responses, time.Now().UTC()); {
	case errors.Is(err, run.ErrAlreadyTerminal):
		// A worker finalized concurrently; the run is stopped either way.
		s.logger.Info(ctx, "run already finalized", "run_id", runID)
	case err != nil:
		return fmt.Errorf("finalize run %s: %w", runID, err)
	}

	s.publishStop(ctx, runID)

	if err := s.log.SetRetention(ctx, runID, retentionTTL); err != nil {
		s.logger.Warn(ctx, "set retention", "run_id", runID, "error", err)
	}
	s.logger.Info(ctx, "run stopped", "run_id", runID, "status", string(status))
	return nil
}

// Get returns the run record.
func (s *Service) Get(ctx context.Context, runID string) (*run.Run, error) {
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return r, nil
}

// List returns the thread's runs, most recent first.
func (s *Service) List(ctx context.Context, threadID string) ([]*run.Run, error) {
	if _, err := s.threads.Get(ctx, threadID); err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	runs, err := s.runs.ListByThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("list runs for thread %s: %w", threadID, err)
	}
	return runs, nil
}

// Wait blocks until detached background tasks have finished. Shutdown and
// tests call it; requests never do.
func (s *Service) Wait() {
	s.naming.Wait()
}

// admit writes the run row, registers it under this instance, and enqueues
// the broker job. When registration or enqueueing fails the row is finalized
// as failed so no ghost running run remains.
func (s *Service) admit(ctx context.Context, thread *store.Thread, modelName string, opts run.Options) (string, error) {
	name := s.resolver.Resolve(modelName).Name()
	runID := uuid.NewString()
	r := &run.Run{
		ID:        runID,
		ThreadID:  thread.ThreadID,
		ProjectID: thread.ProjectID,
		AccountID: thread.AccountID,
		Status:    run.StatusRunning,
		StartedAt: time.Now().UTC(),
		ModelName: name,
		Options:   opts,
	}
	if err := s.runs.Insert(ctx, r); err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	if err := s.registry.Register(ctx, s.instanceID, runID); err != nil {
		s.failAdmission(ctx, runID, fmt.Sprintf("register run: %v", err))
		return "", fmt.Errorf("register run %s: %w", runID, err)
	}
	job := &broker.Job{
		RunID:      runID,
		ThreadID:   thread.ThreadID,
		InstanceID: s.instanceID,
		ProjectID:  thread.ProjectID,
		AccountID:  thread.AccountID,
		ModelName:  name,
		Options:    opts,
	}
	if err := s.broker.Enqueue(ctx, job); err != nil {
		s.failAdmission(ctx, runID, fmt.Sprintf("enqueue job: %v", err))
		return "", fmt.Errorf("enqueue run %s: %w", runID, err)
	}
	s.metrics.IncCounter(telemetry.MetricRunsAdmitted, 1)
	s.logger.Info(ctx, "run admitted",
		"run_id", runID, "thread_id", thread.ThreadID, "model", name)
	return runID, nil
}

// failAdmission finalizes a run whose admission could not complete. Best
// effort: the run never reached a worker, so the row and the registry entry
// are the only state to clean.
func (s *Service) failAdmission(ctx context.Context, runID, detail string) {
	if err := s.runs.Finalize(ctx, runID, run.StatusFailed, detail, nil, time.Now().UTC()); err != nil {
		s.logger.Error(ctx, "mark admission failure", "run_id", runID, "error", err)
	}
	if err := s.registry.Deregister(ctx, s.instanceID, runID); err != nil {
		s.logger.Warn(ctx, "deregister after failed admission", "run_id", runID, "error", err)
	}
}

// snapshot marshals the run's full response log for the terminal row write.
func (s *Service) snapshot(ctx context.Context, runID string) ([]json.RawMessage, error) {
	evs, err := s.log.ReadRange(ctx, runID, 0, -1)
	if err != nil {
		return nil, err
	}
	responses := make([]json.RawMessage, 0, len(evs))
	for _, ev := range evs {
		b, err := ev.Marshal()
		if err != nil {
			return responses, err
		}
		responses = append(responses, b)
	}
	return responses, nil
}

// publishStop signals STOP on the run's global channel and on each instance
// channel the registry still lists, then removes those registrations.
// Failures are logged: the run row is already terminal, which is the state
// that matters.
func (s *Service) publishStop(ctx context.Context, runID string) {
	instances, err := s.registry.FindInstances(ctx, runID)
	if err != nil {
		s.logger.Warn(ctx, "find instances", "run_id", runID, "error", err)
	}
	if len(instances) == 0 {
		if err := s.log.PublishControl(ctx, runID, "", runlog.SignalStop); err != nil {
			s.logger.Warn(ctx, "publish stop", "run_id", runID, "error", err)
		}
		return
	}
	for _, instance := range instances {
		if err := s.log.PublishControl(ctx, runID, instance, runlog.SignalStop); err != nil {
			s.logger.Warn(ctx, "publish stop",
				"run_id", runID, "instance", instance, "error", err)
		}
		if err := s.registry.Deregister(ctx, instance, runID); err != nil {
			s.logger.Warn(ctx, "deregister",
				"run_id", runID, "instance", instance, "error", err)
		}
	}
}

// uploadFiles copies the attachments into the sandbox workspace. Failures
// never abort initiation; each outcome lands in the returned slices and is
// surfaced to the model through the initial user message.
func (s *Service) uploadFiles(ctx context.Context, info *sandbox.Info, files []UploadFile) (uploaded, failed []string) {
	if len(files) == 0 {
		return nil, nil
	}
	session, err := s.sandboxes.GetOrStart(ctx, info)
	if err != nil {
		s.logger.Warn(ctx, "sandbox session for uploads", "sandbox_id", info.ID, "error", err)
		for _, f := range files {
			failed = append(failed, f.Name+": sandbox unavailable")
		}
		return nil, failed
	}
	for _, f := range files {
		target, ok := workspaceTarget(f.Name)
		if !ok {
			failed = append(failed, f.Name+": invalid file name")
			continue
		}
		if err := session.Upload(ctx, target, f.Content); err != nil {
			s.logger.Warn(ctx, "file upload failed", "path", target, "error", err)
			failed = append(failed, f.Name+": "+err.Error())
			continue
		}
		uploaded = append(uploaded, target)
	}
	return uploaded, failed
}

func (s *Service) releaseSandbox(ctx context.Context, sandboxID string) {
	if err := s.sandboxes.Stop(ctx, sandboxID); err != nil {
		s.logger.Warn(ctx, "release sandbox", "sandbox_id", sandboxID, "error", err)
	}
}

// workspaceTarget maps an upload name to its path under the workspace.
// Names are cleaned so they cannot escape it.
func workspaceTarget(name string) (string, bool) {
	cleaned := path.Clean("/" + strings.TrimSpace(name))
	if cleaned == "/" {
		return "", false
	}
	return sandbox.WorkspacePath + cleaned, true
}

// initialMessage renders the first user message: the prompt followed by one
// line per upload outcome.
func initialMessage(prompt string, uploaded, failed []string) string {
	var b strings.Builder
	b.WriteString(prompt)
	for _, p := range uploaded {
		b.WriteString("\n\n[Uploaded File: " + p + "]")
	}
	if len(failed) > 0 {
		b.WriteString("\n\nThe following files failed to upload:")
		for _, f := range failed {
			b.WriteString("\n- " + f)
		}
	}
	return b.String()
}
