// Package docker implements the project sandbox on local Docker containers.
// Each project gets one labeled container; runs attach sessions to it and
// execute tool commands through the engine exec API. Containers survive run
// termination stopped, so the next run on the project restarts instead of
// reprovisioning.
package docker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lodestar-ai/lodestar/runtime/agent/sandbox"
	"github.com/lodestar-ai/lodestar/runtime/agent/telemetry"
)

const (
	// defaultImage is the sandbox container image.
	defaultImage = "lodestar-sandbox:latest"
	// namePrefix prefixes per-project container names.
	namePrefix = "lodestar-sandbox-"
	// stopTimeout bounds the engine-side graceful stop.
	stopTimeout = 10 * time.Second

	// labelProject scopes containers to their owning project.
	labelProject = "ai.lodestar.project"
	// labelManaged marks containers provisioned by this provider.
	labelManaged = "ai.lodestar.managed"

	// vncPort and httpPort are the container-side preview ports published
	// on ephemeral host ports.
	vncPort  = 6080
	httpPort = 8080
)

type (
	// Client is the slice of the Docker engine surface the provider uses.
	// The production implementation wraps the engine SDK; tests fake it.
	Client interface {
		// EnsureImage pulls the image if the daemon does not have it.
		EnsureImage(ctx context.Context, ref string) error
		// CreateContainer creates the container and returns its engine id.
		CreateContainer(ctx context.Context, opts CreateOpts) (string, error)
		// StartContainer starts a created or stopped container.
		StartContainer(ctx context.Context, nameOrID string) error
		// StopContainer gracefully stops a running container.
		StopContainer(ctx context.Context, nameOrID string, timeout time.Duration) error
		// InspectContainer reports container state, or an error wrapping
		// sandbox.ErrNotFound for unknown names.
		InspectContainer(ctx context.Context, nameOrID string) (*ContainerInfo, error)
		// Exec runs cmd inside the container and waits for completion.
		Exec(ctx context.Context, nameOrID string, cmd []string, workdir string) (*sandbox.ExecResult, error)
		// CopyTo writes contents to path inside the container, creating
		// parent directories.
		CopyTo(ctx context.Context, nameOrID, path string, contents []byte) error
		// Close releases the engine connection.
		Close() error
	}

	// CreateOpts describes one sandbox container.
	CreateOpts struct {
		Name   string
		Image  string
		Labels map[string]string
		Env    []string
		// PublishPorts lists container ports to expose on ephemeral host
		// ports.
		PublishPorts []int
	}

	// ContainerInfo is the inspect result slice the provider reads.
	ContainerInfo struct {
		ID      string
		Name    string
		Running bool
		// Ports maps container ports to their bound host ports.
		Ports map[int]int
	}

	// Options configures the provider.
	Options struct {
		// Client talks to the Docker engine. Required.
		Client Client
		// Image overrides the sandbox container image.
		Image string
		// Logger receives provisioning diagnostics.
		Logger telemetry.Logger
	}

	// Provider implements sandbox.Provider on Docker.
	Provider struct {
		client Client
		image  string
		logger telemetry.Logger
	}

	// session executes inside one running container.
	session struct {
		client Client
		id     string
	}
)

var (
	_ sandbox.Provider = (*Provider)(nil)
	_ sandbox.Session  = (*session)(nil)
)

// New constructs the provider.
func New(opts Options) (*Provider, error) {
	if opts.Client == nil {
		return nil, errors.New("docker client is required")
	}
	image := opts.Image
	if image == "" {
		image = defaultImage
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Provider{client: opts.Client, image: image, logger: logger}, nil
}

// ContainerName returns the deterministic container name for a project. It
// doubles as the sandbox id persisted in the project row.
func ContainerName(projectID string) string {
	return namePrefix + projectID
}

// Create provisions and starts the project container. The returned Info
// carries fresh access credentials and the preview URLs of the published
// ports.
func (p *Provider) Create(ctx context.Context, projectID string) (*sandbox.Info, error) {
	if projectID == "" {
		return nil, errors.New("project id is required")
	}
	if err := p.client.EnsureImage(ctx, p.image); err != nil {
		// The image may already be present locally; creation decides.
		p.logger.Warn(ctx, "sandbox image pull failed", "image", p.image, "err", err)
	}

	name := ContainerName(projectID)
	pass := uuid.NewString()
	token := uuid.NewString()
	engineID, err := p.client.CreateContainer(ctx, CreateOpts{
		Name:  name,
		Image: p.image,
		Labels: map[string]string{
			labelProject: projectID,
			labelManaged: "true",
		},
		Env: []string{
			"VNC_PASSWORD=" + pass,
			"SANDBOX_TOKEN=" + token,
			"WORKSPACE=" + sandbox.WorkspacePath,
		},
		PublishPorts: []int{vncPort, httpPort},
	})
	if err != nil {
		return nil, fmt.Errorf("create sandbox for project %s: %w", projectID, err)
	}
	if err := p.client.StartContainer(ctx, name); err != nil {
		return nil, fmt.Errorf("start sandbox %s: %w", name, err)
	}

	info := &sandbox.Info{
		ID:      name,
		Pass:    pass,
		Token:   token,
		IsLocal: true,
	}
	insp, err := p.client.InspectContainer(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("inspect sandbox %s: %w", name, err)
	}
	if host, ok := insp.Ports[vncPort]; ok {
		info.VNCPreview = fmt.Sprintf("http://127.0.0.1:%d", host)
	}
	if host, ok := insp.Ports[httpPort]; ok {
		info.URL = fmt.Sprintf("http://127.0.0.1:%d", host)
	}
	p.logger.Info(ctx, "sandbox provisioned",
		"project_id", projectID, "sandbox_id", name, "engine_id", engineID)
	return info, nil
}

// GetOrStart returns a session on the described sandbox, starting the
// container first when it is stopped.
func (p *Provider) GetOrStart(ctx context.Context, info *sandbox.Info) (sandbox.Session, error) {
	if info == nil || info.ID == "" {
		return nil, errors.New("sandbox info is required")
	}
	insp, err := p.client.InspectContainer(ctx, info.ID)
	if err != nil {
		return nil, err
	}
	if !insp.Running {
		if err := p.client.StartContainer(ctx, info.ID); err != nil {
			return nil, fmt.Errorf("start sandbox %s: %w", info.ID, err)
		}
		p.logger.Info(ctx, "sandbox restarted", "sandbox_id", info.ID)
	}
	return &session{client: p.client, id: info.ID}, nil
}

// Stop halts the container. Unknown or already-stopped sandboxes are no-ops.
func (p *Provider) Stop(ctx context.Context, sandboxID string) error {
	if sandboxID == "" {
		return nil
	}
	insp, err := p.client.InspectContainer(ctx, sandboxID)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return nil
		}
		return err
	}
	if !insp.Running {
		return nil
	}
	if err := p.client.StopContainer(ctx, sandboxID, stopTimeout); err != nil {
		return fmt.Errorf("stop sandbox %s: %w", sandboxID, err)
	}
	p.logger.Info(ctx, "sandbox stopped", "sandbox_id", sandboxID)
	return nil
}

func (s *session) ID() string { return s.id }

// Exec runs cmd through the container shell. Non-zero exits come back in the
// result; the error path means the exec could not run at all.
func (s *session) Exec(ctx context.Context, cmd string, opts ...sandbox.ExecOption) (*sandbox.ExecResult, error) {
	if cmd == "" {
		return nil, errors.New("command is required")
	}
	cfg := sandbox.NewExecConfig(opts...)
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	res, err := s.client.Exec(ctx, s.id, []string{"/bin/sh", "-c", cmd}, cfg.Workdir)
	if err != nil {
		return nil, fmt.Errorf("exec in sandbox %s: %w", s.id, err)
	}
	return res, nil
}

// Upload writes contents to path inside the container.
func (s *session) Upload(ctx context.Context, path string, contents []byte) error {
	if path == "" {
		return errors.New("path is required")
	}
	if err := s.client.CopyTo(ctx, s.id, path, contents); err != nil {
		return fmt.Errorf("upload %s to sandbox %s: %w", path, s.id, err)
	}
	return nil
}
