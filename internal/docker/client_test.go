package docker

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNilClientIsNotInitialized(t *testing.T) {
	var c *Client
	if err := c.Ping(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := c.EnsureImage(context.Background(), "alpine:3.20"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func newIntegrationClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping docker integration test in short mode")
	}
	c, err := New("")
	if err != nil {
		t.Skipf("docker client unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		c.Close()
		t.Skipf("docker daemon unavailable: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestContainerExecLifecycle(t *testing.T) {
	c := newIntegrationClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	const img = "alpine:3.20"
	if err := c.EnsureImage(ctx, img); err != nil {
		t.Fatalf("EnsureImage: %v", err)
	}
	id, err := c.CreateContainer(ctx, ContainerSpec{
		Name:        "nur-docker-test-" + time.Now().Format("150405.000000"),
		Image:       img,
		HostDir:     t.TempDir(),
		MountPoint:  "/app",
		WorkingDir:  "/app",
		MemoryBytes: 128 << 20,
		Labels:      map[string]string{"nur.test": "true"},
	})
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	defer func() {
		if err := c.RemoveContainer(context.Background(), id); err != nil {
			t.Errorf("RemoveContainer: %v", err)
		}
	}()
	if err := c.StartContainer(ctx, id); err != nil {
		t.Fatalf("StartContainer: %v", err)
	}

	var out bytes.Buffer
	code, err := c.Exec(ctx, id, ExecSpec{Cmd: []string{"sh", "-c", "echo built; exit 3"}, WorkingDir: "/app"}, &out)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}
	if !strings.Contains(out.String(), "built") {
		t.Fatalf("expected command output, got %q", out.String())
	}

	if err := c.RemoveContainer(ctx, "nur-missing-container"); err != nil {
		t.Fatalf("removing a missing container should succeed, got %v", err)
	}
}
