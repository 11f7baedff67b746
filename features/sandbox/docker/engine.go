package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/lodestar-ai/lodestar/runtime/agent/sandbox"
)

// engineClient implements Client over the Docker engine SDK.
type engineClient struct {
	docker *client.Client
}

var _ Client = (*engineClient)(nil)

// NewEngineClient connects to the Docker engine using the standard
// environment configuration (DOCKER_HOST and friends).
func NewEngineClient() (Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect docker engine: %w", err)
	}
	return &engineClient{docker: cli}, nil
}

func (e *engineClient) EnsureImage(ctx context.Context, ref string) error {
	rc, err := e.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull completes only once its progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

func (e *engineClient) CreateContainer(ctx context.Context, opts CreateOpts) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range opts.PublishPorts {
		port := nat.Port(fmt.Sprintf("%d/tcp", p))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1"}}
	}
	resp, err := e.docker.ContainerCreate(ctx,
		&container.Config{
			Image:        opts.Image,
			Labels:       opts.Labels,
			Env:          opts.Env,
			ExposedPorts: exposed,
			WorkingDir:   sandbox.WorkspacePath,
		},
		&container.HostConfig{PortBindings: bindings},
		nil, nil, opts.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *engineClient) StartContainer(ctx context.Context, nameOrID string) error {
	return e.docker.ContainerStart(ctx, nameOrID, container.StartOptions{})
}

func (e *engineClient) StopContainer(ctx context.Context, nameOrID string, timeout time.Duration) error {
	var opts container.StopOptions
	if timeout > 0 {
		seconds := int(timeout.Seconds())
		opts.Timeout = &seconds
	}
	return e.docker.ContainerStop(ctx, nameOrID, opts)
}

func (e *engineClient) InspectContainer(ctx context.Context, nameOrID string) (*ContainerInfo, error) {
	insp, err := e.docker.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", nameOrID, sandbox.ErrNotFound)
		}
		return nil, err
	}
	info := &ContainerInfo{
		ID:    insp.ID,
		Name:  strings.TrimPrefix(insp.Name, "/"),
		Ports: make(map[int]int),
	}
	if insp.State != nil {
		info.Running = insp.State.Running
	}
	if insp.NetworkSettings != nil {
		for port, binds := range insp.NetworkSettings.Ports {
			if len(binds) == 0 {
				continue
			}
			host, err := strconv.Atoi(binds[0].HostPort)
			if err != nil {
				continue
			}
			info.Ports[port.Int()] = host
		}
	}
	return info, nil
}

func (e *engineClient) Exec(ctx context.Context, nameOrID string, cmd []string, workdir string) (*sandbox.ExecResult, error) {
	exec, err := e.docker.ContainerExecCreate(ctx, nameOrID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}
	resp, err := e.docker.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	// The demuxed copy returns at stream EOF, when the exec finished.
	// Closing the hijacked connection unblocks it on cancellation.
	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("read exec output: %w", err)
		}
	}

	insp, err := e.docker.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}
	return &sandbox.ExecResult{
		ExitCode: insp.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (e *engineClient) CopyTo(ctx context.Context, nameOrID, dst string, contents []byte) error {
	if !path.IsAbs(dst) {
		dst = path.Join(sandbox.WorkspacePath, dst)
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    strings.TrimPrefix(path.Clean(dst), "/"),
		Mode:    0o644,
		Size:    int64(len(contents)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(contents); err != nil {
		return fmt.Errorf("write tar payload: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("flush tar: %w", err)
	}
	return e.docker.CopyToContainer(ctx, nameOrID, "/", &buf, container.CopyToContainerOptions{})
}

// Close releases the engine connection.
func (e *engineClient) Close() error {
	return e.docker.Close()
}
