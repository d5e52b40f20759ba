package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const namePrefix = "proceed-"

// Docker is a Runtime backed by the Docker Engine API.
type Docker struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDocker connects using the DOCKER_* environment, negotiating the API
// version with the daemon.
func NewDocker(ctx context.Context, logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &Error{Kind: KindClient, Op: "creating docker client", Err: err}
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, &Error{Kind: KindClient, Op: "connecting to docker daemon", Err: err}
	}
	return &Docker{cli: cli, logger: logger}, nil
}

// Launch creates the container, pulling the image first if it is missing,
// then starts it and resolves the image id.
func (d *Docker) Launch(ctx context.Context, req Request) (*Container, error) {
	if err := CheckImageReference(req.Image); err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = namePrefix + uuid.NewString()
	}

	cfg, hostCfg, netCfg := dockerConfig(req)

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if client.IsErrNotFound(err) {
		if pullErr := d.pull(ctx, req.Image); pullErr != nil {
			return nil, &Error{Kind: KindImageNotFound, Op: "pulling image " + req.Image, Err: pullErr}
		}
		resp, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	}
	if err != nil {
		kind := KindRejected
		if client.IsErrNotFound(err) {
			kind = KindImageNotFound
		}
		return nil, &Error{Kind: kind, Op: "creating container", Err: err}
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("docker create warning", "container", resp.ID, "warning", w)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		if rmErr := d.Remove(ctx, resp.ID); rmErr != nil {
			d.logger.Warn("failed to remove container that did not start", "container", resp.ID, "error", rmErr)
		}
		return nil, &Error{Kind: KindRejected, Op: "starting container", Err: err}
	}

	info, err := d.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		if rmErr := d.Remove(ctx, resp.ID); rmErr != nil {
			d.logger.Warn("failed to remove container that could not be inspected", "container", resp.ID, "error", rmErr)
		}
		return nil, &Error{Kind: KindRuntime, Op: "inspecting container", Err: err}
	}

	return &Container{ID: resp.ID, ImageID: info.Image}, nil
}

func (d *Docker) pull(ctx context.Context, ref string) error {
	d.logger.Info("pulling image", "image", ref)
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull is only complete once its progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("reading pull progress: %w", err)
	}
	return nil
}

// Logs demultiplexes the container's stdout and stderr into one stream.
func (d *Docker) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, &Error{Kind: KindRuntime, Op: "reading container logs", Err: err}
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(copyErr)
	}()
	return &logStream{PipeReader: pr, source: rc}, nil
}

type logStream struct {
	*io.PipeReader
	source io.Closer
}

func (l *logStream) Close() error {
	err := l.source.Close()
	_ = l.PipeReader.Close()
	return err
}

// Wait blocks until the container is no longer running.
func (d *Docker) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, containertypes.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, &Error{Kind: KindRuntime, Op: "waiting for container", Err: err}
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return 0, &Error{Kind: KindRuntime, Op: "waiting for container", Err: fmt.Errorf("%s", status.Error.Message)}
		}
		return int(status.StatusCode), nil
	}
}

func (d *Docker) Remove(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, containertypes.RemoveOptions{Force: true}); err != nil {
		return &Error{Kind: KindRuntime, Op: "removing container", Err: err}
	}
	return nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

func dockerConfig(req Request) (*containertypes.Config, *containertypes.HostConfig, *network.NetworkingConfig) {
	cfg := &containertypes.Config{
		Image:      req.Image,
		Cmd:        req.Command,
		Env:        envList(req.Environment),
		WorkingDir: req.WorkingDir,
		User:       req.User,
	}

	hostCfg := &containertypes.HostConfig{
		Binds:       binds(req.Mounts),
		NetworkMode: containertypes.NetworkMode(req.NetworkMode),
		AutoRemove:  false,
	}
	if req.GPUs {
		hostCfg.DeviceRequests = []containertypes.DeviceRequest{
			{Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}

	var netCfg *network.NetworkingConfig
	if req.MacAddress != "" {
		endpoint := req.NetworkMode
		if endpoint == "" || endpoint == "default" {
			endpoint = network.NetworkBridge
		}
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				endpoint: {MacAddress: req.MacAddress},
			},
		}
	}

	return cfg, hostCfg, netCfg
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		list = append(list, k+"="+env[k])
	}
	return list
}

func binds(mounts []Mount) []string {
	list := make([]string, 0, len(mounts))
	for _, m := range mounts {
		list = append(list, m.Host+":"+m.Container+":"+m.Mode)
	}
	return list
}
