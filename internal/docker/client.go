// Package docker drives the container engine that runs function builds.
package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
)

// Client is the build engine handle shared by every executor task. The SDK
// client is safe for concurrent use, so one Client serves a whole dispatch.
type Client struct {
	inner *client.Client
}

// New connects to the engine at host, or DOCKER_HOST and friends when host is
// empty. The API version is negotiated so older podman sockets also work.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create build engine client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping reports whether the build engine answers. It backs the docker
// component of /healthz and the start-up check of serve and build.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return ErrNotInitialized
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("build engine ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("build engine ping: empty API version")
	}
	return nil
}

func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
