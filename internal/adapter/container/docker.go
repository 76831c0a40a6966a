// Package container adapts the Docker Engine API to
// domain.ContainerRuntime. The adapter is mechanical: env, mounts and
// labels arrive fully resolved from the supervisor, and no agent
// semantics live here.
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/glindberg2000/superagent/internal/domain"
)

// Labels stamped on every managed container.
const (
	LabelManaged = "superagent.managed"
	LabelAgent   = "superagent.agent"
)

// dockerAPI is the slice of *client.Client the adapter uses.
type dockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error)
	ContainerExecCreate(ctx context.Context, containerID string, options containertypes.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options containertypes.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (containertypes.ExecInspect, error)
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]types.Container, error)
}

// Runtime implements domain.ContainerRuntime over the local engine socket.
type Runtime struct {
	api    dockerAPI
	logger *slog.Logger
}

// New connects to the engine via the environment (DOCKER_HOST or the
// default socket).
func New(logger *slog.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: docker client: %v", domain.ErrTransport, err)
	}
	return &Runtime{api: cli, logger: logger}, nil
}

// Launch ensures the image and network exist, creates the container with
// resolved env/mounts/labels, and starts it detached.
func (r *Runtime) Launch(ctx context.Context, launch domain.ContainerLaunch) (domain.ContainerHandle, error) {
	var none domain.ContainerHandle

	if err := r.ensureImage(ctx, launch.Image, launch.PullIfMissing); err != nil {
		return none, err
	}
	if launch.Network != "" {
		if err := r.ensureNetwork(ctx, launch.Network); err != nil {
			return none, err
		}
	}

	env := make([]string, 0, len(launch.Env))
	for k, v := range launch.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	binds := make([]string, 0, len(launch.Mounts))
	for _, m := range launch.Mounts {
		bind := m.HostPath + ":" + m.MountPath
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	labels := map[string]string{LabelManaged: "true"}
	for k, v := range launch.Labels {
		labels[k] = v
	}

	restart := containertypes.RestartPolicy{Name: containertypes.RestartPolicyDisabled}
	if launch.RestartPolicy != "" {
		restart.Name = containertypes.RestartPolicyMode(launch.RestartPolicy)
	}

	hostCfg := &containertypes.HostConfig{
		Binds:         binds,
		RestartPolicy: restart,
	}
	var netCfg *network.NetworkingConfig
	if launch.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				launch.Network: {},
			},
		}
	}

	created, err := r.api.ContainerCreate(ctx, &containertypes.Config{
		Image:  launch.Image,
		Env:    env,
		Labels: labels,
	}, hostCfg, netCfg, nil, launch.Name)
	if err != nil {
		return none, mapEngineError("Container.Launch", err)
	}

	if err := r.api.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		return none, mapEngineError("Container.Launch", err)
	}

	r.logger.Info("container started", "name", launch.Name, "id", created.ID[:12])
	return domain.ContainerHandle{
		ID:     created.ID,
		Name:   launch.Name,
		SpecID: launch.Labels[LabelAgent],
	}, nil
}

// ensureImage verifies the image is present locally. Missing images are
// a hard error unless pull is requested.
func (r *Runtime) ensureImage(ctx context.Context, ref string, pull bool) error {
	_, _, err := r.api.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return mapEngineError("Container.ensureImage", err)
	}
	if !pull {
		return domain.NewDomainError("Container.ensureImage", domain.ErrNotFound,
			"image "+ref+" not present and pulling is disabled")
	}

	rc, err := r.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return mapEngineError("Container.ensureImage", err)
	}
	defer rc.Close()
	// Drain the progress stream; the pull completes when it ends.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return mapEngineError("Container.ensureImage", err)
	}
	return nil
}

func (r *Runtime) ensureNetwork(ctx context.Context, name string) error {
	_, err := r.api.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return mapEngineError("Container.ensureNetwork", err)
	}
	if _, err := r.api.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
		return mapEngineError("Container.ensureNetwork", err)
	}
	r.logger.Info("network created", "network", name)
	return nil
}

// Stop signals the container, waits up to grace, then kills. Optionally
// removes the container afterwards.
func (r *Runtime) Stop(ctx context.Context, handle domain.ContainerHandle, grace time.Duration, remove bool) error {
	secs := int(grace.Seconds())
	if err := r.api.ContainerStop(ctx, handle.ID, containertypes.StopOptions{Timeout: &secs}); err != nil {
		if errdefs.IsNotFound(err) {
			return domain.NewDomainError("Container.Stop", domain.ErrHandleLost, handle.ID)
		}
		return mapEngineError("Container.Stop", err)
	}
	if remove {
		if err := r.api.ContainerRemove(ctx, handle.ID, containertypes.RemoveOptions{}); err != nil && !errdefs.IsNotFound(err) {
			return mapEngineError("Container.Stop", err)
		}
	}
	return nil
}

// Inspect reports the engine's view of the container.
func (r *Runtime) Inspect(ctx context.Context, handle domain.ContainerHandle) (domain.ContainerInfo, error) {
	var info domain.ContainerInfo

	cj, err := r.api.ContainerInspect(ctx, handle.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return info, domain.NewDomainError("Container.Inspect", domain.ErrHandleLost, handle.ID)
		}
		return info, mapEngineError("Container.Inspect", err)
	}

	if cj.State != nil {
		info.Running = cj.State.Running
		info.ExitCode = cj.State.ExitCode
		if t, perr := time.Parse(time.RFC3339Nano, cj.State.StartedAt); perr == nil {
			info.StartedAt = t
		}
	}
	return info, nil
}

// Logs returns the last tailLines of combined stdout/stderr.
func (r *Runtime) Logs(ctx context.Context, handle domain.ContainerHandle, tailLines int) (string, error) {
	tail := "all"
	if tailLines > 0 {
		tail = strconv.Itoa(tailLines)
	}
	rc, err := r.api.ContainerLogs(ctx, handle.ID, containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", domain.NewDomainError("Container.Logs", domain.ErrHandleLost, handle.ID)
		}
		return "", mapEngineError("Container.Logs", err)
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "", mapEngineError("Container.Logs", err)
	}
	return out.String(), nil
}

// Exec runs argv inside the container and returns its outcome. The
// supervisor uses this for health probes.
func (r *Runtime) Exec(ctx context.Context, handle domain.ContainerHandle, argv []string) (domain.ExecResult, error) {
	var result domain.ExecResult

	created, err := r.api.ContainerExecCreate(ctx, handle.ID, containertypes.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return result, domain.NewDomainError("Container.Exec", domain.ErrHandleLost, handle.ID)
		}
		return result, mapEngineError("Container.Exec", err)
	}

	attach, err := r.api.ContainerExecAttach(ctx, created.ID, containertypes.ExecAttachOptions{})
	if err != nil {
		return result, mapEngineError("Container.Exec", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return result, mapEngineError("Container.Exec", err)
	}

	inspect, err := r.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return result, mapEngineError("Container.Exec", err)
	}

	result.ExitCode = inspect.ExitCode
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

// List returns handles for containers matching every label in labels.
func (r *Runtime) List(ctx context.Context, labels map[string]string) ([]domain.ContainerHandle, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	containers, err := r.api.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, mapEngineError("Container.List", err)
	}

	out := make([]domain.ContainerHandle, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, domain.ContainerHandle{
			ID:     c.ID,
			Name:   name,
			SpecID: c.Labels[LabelAgent],
		})
	}
	return out, nil
}

// mapEngineError converts engine failures into the taxonomy.
func mapEngineError(op string, err error) error {
	switch {
	case errdefs.IsUnauthorized(err) || errdefs.IsForbidden(err):
		return fmt.Errorf("%s: %w: %v", op, domain.ErrPermissionDenied, err)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w: %v", op, domain.ErrNotFound, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, domain.ErrTransport, err)
	}
}
