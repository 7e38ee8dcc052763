package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// keepAlive holds the container open so build commands can be exec'd into it.
var keepAlive = strslice.StrSlice{"tail", "-f", "/dev/null"}

const execInspectAttempts = 20

// ContainerSpec describes an isolated build container.
type ContainerSpec struct {
	Name        string
	Image       string
	HostDir     string
	MountPoint  string
	WorkingDir  string
	User        string
	MemoryBytes int64
	Labels      map[string]string
}

// ExecSpec describes a command run inside a started container.
type ExecSpec struct {
	Cmd        []string
	User       string
	WorkingDir string
	Env        []string
}

// EnsureImage pulls ref when it is not present locally.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	if c == nil || c.inner == nil {
		return ErrNotInitialized
	}
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	if _, _, err := c.inner.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("image inspect: %w", err)
	}
	rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	return nil
}

// CreateContainer creates, but does not start, a build container.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if c == nil || c.inner == nil {
		return "", ErrNotInitialized
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	if strings.TrimSpace(spec.HostDir) == "" || strings.TrimSpace(spec.MountPoint) == "" {
		return "", fmt.Errorf("bind mount requires host dir and mount point")
	}

	config := &container.Config{
		Image:      spec.Image,
		Cmd:        keepAlive,
		User:       spec.User,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.HostDir,
			Target: spec.MountPoint,
		}},
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
		},
		CapDrop:     strslice.StrSlice{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
	}

	resp, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if c == nil || c.inner == nil {
		return ErrNotInitialized
	}
	if err := c.inner.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// Exec runs spec inside the container, streaming combined output to out, and
// returns the process exit code.
func (c *Client) Exec(ctx context.Context, id string, spec ExecSpec, out io.Writer) (int, error) {
	if c == nil || c.inner == nil {
		return 0, ErrNotInitialized
	}
	if len(spec.Cmd) == 0 {
		return 0, fmt.Errorf("exec command cannot be empty")
	}
	if out == nil {
		out = io.Discard
	}

	created, err := c.inner.ContainerExecCreate(ctx, id, container.ExecOptions{
		User:         spec.User,
		WorkingDir:   spec.WorkingDir,
		Env:          spec.Env,
		Cmd:          spec.Cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, fmt.Errorf("exec create: %w", err)
	}

	attach, err := c.inner.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(out, out, attach.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("exec stream: %w", err)
		}
	case <-ctx.Done():
		attach.Close()
		<-copied
		return 0, ctx.Err()
	}

	for attempt := 0; attempt < execInspectAttempts; attempt++ {
		inspect, err := c.inner.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return 0, fmt.Errorf("exec inspect: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return 0, fmt.Errorf("exec inspect: process still running after output closed")
}

// RemoveContainer force-removes a container; a missing container is not an error.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if c == nil || c.inner == nil {
		return ErrNotInitialized
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}
