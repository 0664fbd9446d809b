package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// DockerRuntime is a reference ContainerRuntime backed by the docker CLI.
// The container runtime itself is explicitly out of scope (spec §2): the
// core only depends on the ContainerRuntime interface. This is one
// concrete, swappable implementation so the composition root has a
// working default, the same role sessionstore.Store plays for
// dispatcher.SessionStore.
type DockerRuntime struct {
	binary string // "docker" or "podman", both speak the same CLI surface
}

func NewDockerRuntime(binary string) *DockerRuntime {
	if binary == "" {
		binary = "docker"
	}
	return &DockerRuntime{binary: binary}
}

func (d *DockerRuntime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", d.binary, strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (d *DockerRuntime) Run(ctx context.Context, spec RunSpec) (Handle, error) {
	args := []string{"run", "-d", "--name", spec.Name}
	if spec.ReadOnlyRootFS {
		args = append(args, "--read-only")
	}
	if spec.NetworkName == "" {
		args = append(args, "--network", "none")
	} else {
		args = append(args, "--network", spec.NetworkName)
	}
	for _, m := range spec.Mounts {
		mountArg := fmt.Sprintf("%s:%s", m.HostPath, m.ContainerPath)
		if m.ReadOnly {
			mountArg += ":ro"
		}
		args = append(args, "-v", mountArg)
	}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	if spec.StdinData != "" {
		args = append(args, "-i")
	}
	args = append(args, spec.Image)

	id, err := d.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return Handle(id), nil
}

func (d *DockerRuntime) Stop(ctx context.Context, h Handle) error {
	_, err := d.run(ctx, "stop", string(h))
	return err
}

func (d *DockerRuntime) Kill(ctx context.Context, h Handle) error {
	_, err := d.run(ctx, "kill", string(h))
	return err
}

func (d *DockerRuntime) Remove(ctx context.Context, h Handle) error {
	_, err := d.run(ctx, "rm", "-f", string(h))
	return err
}

func (d *DockerRuntime) Inspect(ctx context.Context, h Handle) (ContainerStatus, error) {
	out, err := d.run(ctx, "inspect", "--format", "{{.State.Status}}", string(h))
	if err != nil {
		if strings.Contains(err.Error(), "No such") {
			return StatusNotFound, nil
		}
		return "", err
	}
	switch out {
	case "running":
		return StatusRunning, nil
	case "created":
		return StatusCreated, nil
	case "exited", "dead":
		return StatusExited, nil
	default:
		return StatusStarting, nil
	}
}

func (d *DockerRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := d.run(ctx, "image", "inspect", image)
	if err != nil {
		return false, nil
	}
	return true, nil
}
