// Package testenv starts throwaway database containers for integration tests.
// Tests using it are skipped unless AGL_INTEGRATION=1 and a docker daemon is
// reachable through the usual DOCKER_HOST environment.
package testenv

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	img "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// Service describes a single-port service container.
type Service struct {
	Image string
	Env   []string
	Cmd   []string
	// Port is the container port to publish, e.g. "27017/tcp".
	Port string
	// Ready is polled with the published host:port until it returns nil.
	Ready func(ctx context.Context, hostPort string) error
}

// Container is a running service started by Start.
type Container struct {
	ID       string
	HostPort string

	cli *client.Client
	log *zap.Logger
}

// Start pulls svc.Image if needed, runs it with svc.Port published on a
// random loopback port, and waits for svc.Ready.
func Start(ctx context.Context, log *zap.Logger, svc Service) (*Container, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cannot reach docker daemon (%s): %w", os.Getenv("DOCKER_HOST"), err)
	}

	log.Info("pulling image", zap.String("image", svc.Image))
	if err := pullIfNeeded(ctx, cli, svc.Image); err != nil {
		return nil, fmt.Errorf("pull %s: %w", svc.Image, err)
	}

	port := nat.Port(svc.Port)
	create, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        imageRef(svc.Image),
		Env:          svc.Env,
		Cmd:          svc.Cmd,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1"}}},
		AutoRemove:   false,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	c := &Container{ID: create.ID, cli: cli, log: log}

	if err := cli.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
		_ = c.Stop(context.Background())
		return nil, fmt.Errorf("start: %w", err)
	}

	info, err := cli.ContainerInspect(ctx, c.ID)
	if err != nil {
		_ = c.Stop(context.Background())
		return nil, fmt.Errorf("inspect: %w", err)
	}
	bindings := info.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		_ = c.Stop(context.Background())
		return nil, fmt.Errorf("port %s was not published", port)
	}
	c.HostPort = "127.0.0.1:" + bindings[0].HostPort
	log.Info("container started",
		zap.String("image", svc.Image),
		zap.String("id", shortID(c.ID)),
		zap.String("addr", c.HostPort))

	if svc.Ready != nil {
		if err := waitReady(ctx, c.HostPort, svc.Ready); err != nil {
			_ = c.Stop(context.Background())
			return nil, fmt.Errorf("%s not ready: %w", svc.Image, err)
		}
	}
	return c, nil
}

// Stop kills and removes the container.
func (c *Container) Stop(ctx context.Context) error {
	timeout := 5
	_ = c.cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout})
	if err := c.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		c.log.Warn("remove container", zap.String("id", shortID(c.ID)), zap.Error(err))
		return err
	}
	return c.cli.Close()
}

func waitReady(ctx context.Context, hostPort string, ready func(context.Context, string) error) error {
	ctx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()
	var last error
	for {
		attemptCtx, done := context.WithTimeout(ctx, 5*time.Second)
		last = ready(attemptCtx, hostPort)
		done()
		if last == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), last)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func pullIfNeeded(ctx context.Context, cli *client.Client, image string) error {
	reader, err := cli.ImagePull(ctx, imageRef(image), img.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader) // eat the progress stream
	return nil
}

func imageRef(image string) string {
	if strings.Contains(image, "/") {
		return image
	}
	if !strings.Contains(image, ":") {
		image += ":latest"
	}
	return "docker.io/library/" + image
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
