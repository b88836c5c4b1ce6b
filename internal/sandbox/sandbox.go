// Package sandbox provisions and destroys the isolated per-ride endpoint
// bound to an allocated handle.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

type Manager interface {
	Provision(ctx context.Context, rideID string, handle int) error
	// Teardown is fire-and-forget; failures are logged by the implementation.
	Teardown(ctx context.Context, rideID string, handle int)
}

// Nop is used when no container runtime is configured.
type Nop struct{}

func (Nop) Provision(context.Context, string, int) error { return nil }
func (Nop) Teardown(context.Context, string, int)        {}

// ContainerName is the per-ride container name.
func ContainerName(rideID string) string { return "ride-" + rideID }

type DockerConfig struct {
	Binary  string // defaults to "docker"
	Image   string
	Network string
	// Asset, when set, is copied to AssetDest inside the container.
	Asset     string
	AssetDest string
}

// Docker drives the docker CLI: one container per ride publishing the
// handle as host port onto container port 80.
type Docker struct {
	cfg    DockerConfig
	logger *slog.Logger
	run    func(ctx context.Context, name string, args ...string) (string, error)
}

func NewDocker(cfg DockerConfig, logger *slog.Logger) *Docker {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = "nginx:alpine"
	}
	if cfg.AssetDest == "" {
		cfg.AssetDest = "/usr/share/nginx/html/index.html"
	}
	return &Docker{cfg: cfg, logger: logger.With("component", "sandbox"), run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

func (d *Docker) Provision(ctx context.Context, rideID string, handle int) error {
	name := ContainerName(rideID)
	_, _ = d.run(ctx, d.cfg.Binary, "rm", "-f", name)

	args := []string{"run", "-d", "--name", name}
	if d.cfg.Network != "" {
		args = append(args, "--network", d.cfg.Network)
	}
	args = append(args, "-p", fmt.Sprintf("%d:80", handle), d.cfg.Image)
	if _, err := d.run(ctx, d.cfg.Binary, args...); err != nil {
		return fmt.Errorf("create container %s: %w", name, err)
	}
	if d.cfg.Asset != "" {
		if _, err := d.run(ctx, d.cfg.Binary, "cp", d.cfg.Asset, name+":"+d.cfg.AssetDest); err != nil {
			_, _ = d.run(ctx, d.cfg.Binary, "rm", "-f", name)
			return fmt.Errorf("copy asset into %s: %w", name, err)
		}
	}
	d.logger.Info("sandbox provisioned", "ride_id", rideID, "container", name, "handle", handle)
	return nil
}

func (d *Docker) Teardown(ctx context.Context, rideID string, handle int) {
	name := ContainerName(rideID)
	if _, err := d.run(ctx, d.cfg.Binary, "rm", "-f", name); err != nil {
		d.logger.Warn("sandbox teardown failed", "ride_id", rideID, "container", name, "handle", handle, "error", err)
		return
	}
	d.logger.Info("sandbox removed", "ride_id", rideID, "container", name, "handle", handle)
}
