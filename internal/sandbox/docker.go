package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// DefaultBuildErrorLimit is how much of the build tool's stderr a failed
// build reports.
const DefaultBuildErrorLimit = 1000

// DockerRuntime implements Runtime with the Docker Engine API. Images are
// built by shelling out to the docker CLI.
type DockerRuntime struct {
	cli             *client.Client
	logger          *zap.Logger
	runner          CommandRunner
	files           FileChecker
	dockerBin       string
	buildErrorLimit int
}

// DockerOption configures a DockerRuntime.
type DockerOption func(*DockerRuntime)

// WithCommandRunner sets the runner used for `docker build`.
func WithCommandRunner(r CommandRunner) DockerOption {
	return func(d *DockerRuntime) { d.runner = r }
}

// WithFileChecker sets how host paths are checked before build and load.
func WithFileChecker(f FileChecker) DockerOption {
	return func(d *DockerRuntime) { d.files = f }
}

// WithBuildErrorLimit caps the stderr carried by a failed build.
func WithBuildErrorLimit(n int) DockerOption {
	return func(d *DockerRuntime) {
		if n > 0 {
			d.buildErrorLimit = n
		}
	}
}

// WithDockerBinary overrides the docker CLI used for builds.
func WithDockerBinary(bin string) DockerOption {
	return func(d *DockerRuntime) {
		if bin != "" {
			d.dockerBin = bin
		}
	}
}

// NewDockerRuntime connects to the daemon described by the environment
// (DOCKER_HOST and friends). The client is meant to live for the process.
func NewDockerRuntime(logger *zap.Logger, opts ...DockerOption) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newDockerRuntime(cli, logger, opts...), nil
}

func newDockerRuntime(cli *client.Client, logger *zap.Logger, opts ...DockerOption) *DockerRuntime {
	d := &DockerRuntime{
		cli:             cli,
		logger:          logger.Named("docker"),
		runner:          ExecRunner{},
		files:           OSFiles{},
		dockerBin:       "docker",
		buildErrorLimit: DefaultBuildErrorLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Ping verifies the daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}
	return nil
}

func (d *DockerRuntime) ImageExists(ctx context.Context, tag string) bool {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, tag)
	return err == nil
}

func (d *DockerRuntime) LoadImageArchive(ctx context.Context, archivePath, tag string) (string, error) {
	ok, err := d.files.Exists(archivePath)
	if err != nil {
		return "", RuntimeErr("checking image archive", err)
	}
	if !ok {
		return "", NotFoundf("image_tar file not found")
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return "", RuntimeErr("docker load failed", err)
	}
	defer f.Close()

	resp, err := d.cli.ImageLoad(ctx, f, true)
	if err != nil {
		return "", RuntimeErr("docker load failed", err)
	}
	defer resp.Body.Close()

	refs, err := parseLoadOutput(resp.Body)
	if err != nil {
		return "", RuntimeErr("docker load failed", err)
	}
	if len(refs) == 0 {
		return "", RuntimeErr("docker load failed", errors.New("archive contained no images"))
	}

	if refs[0] != tag {
		if err := d.cli.ImageTag(ctx, refs[0], tag); err != nil {
			return "", RuntimeErr("docker load failed", fmt.Errorf("tagging %s as %s: %w", refs[0], tag, err))
		}
	}

	d.logger.Info("image loaded", zap.String("archive", archivePath), zap.String("ref", refs[0]), zap.String("tag", tag))
	return refs[0], nil
}

// parseLoadOutput extracts image references from the JSON message stream
// returned by an image load, in the order the daemon reported them.
func parseLoadOutput(r io.Reader) ([]string, error) {
	var refs []string
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return refs, nil
			}
			return nil, fmt.Errorf("decoding load output: %w", err)
		}
		if msg.Error != nil {
			return nil, errors.New(msg.Error.Message)
		}
		for _, line := range strings.Split(msg.Stream, "\n") {
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "Loaded image ID:"):
				refs = append(refs, strings.TrimSpace(strings.TrimPrefix(line, "Loaded image ID:")))
			case strings.HasPrefix(line, "Loaded image:"):
				refs = append(refs, strings.TrimSpace(strings.TrimPrefix(line, "Loaded image:")))
			}
		}
	}
}

func (d *DockerRuntime) BuildImage(ctx context.Context, contextDir, tag string) error {
	ok, err := d.files.Exists(contextDir)
	if err != nil {
		return RuntimeErr("checking build context", err)
	}
	if !ok {
		return NotFoundf("Project path not found")
	}

	d.logger.Info("building image", zap.String("tag", tag), zap.String("context", contextDir))
	start := time.Now()

	_, stderr, exitCode, err := d.runner.RunCommand(ctx, []string{d.dockerBin, "build", "-t", tag, contextDir})
	if err != nil {
		return RuntimeErr("docker build failed", err)
	}
	if exitCode != 0 {
		d.logger.Warn("image build failed", zap.String("tag", tag), zap.Int("exit_code", exitCode))
		msg := Tail(stderr, d.buildErrorLimit)
		if strings.TrimSpace(msg) == "" {
			msg = fmt.Sprintf("docker build exited with code %d", exitCode)
		}
		return &Error{Kind: KindRuntime, Msg: msg}
	}

	d.logger.Info("image built", zap.String("tag", tag), zap.Duration("took", time.Since(start)))
	return nil
}

// portConfig publishes internal/tcp on the given host port.
func portConfig(internal, external int) (nat.PortSet, nat.PortMap, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(internal))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid internal port %d: %w", internal, err)
	}
	exposed := nat.PortSet{port: struct{}{}}
	bindings := nat.PortMap{port: []nat.PortBinding{{HostPort: strconv.Itoa(external)}}}
	return exposed, bindings, nil
}

func (d *DockerRuntime) RunContainer(ctx context.Context, opts RunOptions) (ContainerInfo, error) {
	exposed, bindings, err := portConfig(opts.InternalPort, opts.ExternalPort)
	if err != nil {
		return ContainerInfo{}, BadRequestf("%v", err)
	}

	cfg := &container.Config{
		Image:        opts.Image,
		ExposedPorts: exposed,
		Labels:       map[string]string{LabelKey: opts.Name},
	}
	hostCfg := &container.HostConfig{PortBindings: bindings}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return ContainerInfo{}, RuntimeErr("creating container", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return ContainerInfo{}, RuntimeErr("starting container", err)
	}

	info, err := d.InspectContainer(ctx, resp.ID)
	if err != nil {
		return ContainerInfo{ID: resp.ID}, err
	}

	d.logger.Info("container started",
		zap.String("container_id", resp.ID),
		zap.String("image", opts.Image),
		zap.Int("internal_port", opts.InternalPort),
		zap.Int("external_port", opts.ExternalPort))
	return info, nil
}

func (d *DockerRuntime) InspectContainer(ctx context.Context, id string) (ContainerInfo, error) {
	resp, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerInfo{}, NotFoundf("No such container: %s", id)
		}
		return ContainerInfo{}, RuntimeErr("inspecting container", err)
	}

	info := ContainerInfo{ID: id}
	if resp.ContainerJSONBase != nil {
		info.ID = resp.ID
		if resp.State != nil {
			info.Status = resp.State.Status
			info.Running = resp.State.Running
		}
	}
	if resp.Config != nil {
		info.Labels = resp.Config.Labels
	}
	return info, nil
}

func (d *DockerRuntime) TailLogs(ctx context.Context, id string, tail int) (string, error) {
	resp, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", NotFoundf("No such container: %s", id)
		}
		return "", RuntimeErr("inspecting container", err)
	}
	tty := resp.Config != nil && resp.Config.Tty

	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", NotFoundf("No such container: %s", id)
		}
		return "", RuntimeErr("reading container logs", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if tty {
		_, err = io.Copy(&buf, rc)
	} else {
		_, err = stdcopy.StdCopy(&buf, &buf, rc)
	}
	if err != nil {
		return "", RuntimeErr("demultiplexing container logs", err)
	}
	return buf.String(), nil
}

func (d *DockerRuntime) Exec(ctx context.Context, id string, opts ExecOptions) (ExecResult, error) {
	if len(opts.Command) == 0 {
		return ExecResult{}, BadRequestf("empty command")
	}

	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          opts.Command,
		WorkingDir:   opts.Workdir,
		Env:          opts.Env,
		User:         opts.User,
		AttachStdin:  opts.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return ExecResult{}, NotFoundf("No such container: %s", id)
		}
		return ExecResult{}, RuntimeErr("docker exec create failed", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, RuntimeErr("docker exec attach failed", err)
	}
	defer attach.Close()

	if opts.Stdin != nil {
		go func() {
			if _, err := io.Copy(attach.Conn, opts.Stdin); err != nil {
				d.logger.Warn("writing exec stdin", zap.String("container_id", id), zap.Error(err))
			}
			_ = attach.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, RuntimeErr("docker exec output read failed", err)
	}

	exitCode, err := d.waitExecDone(ctx, created.ID)
	if err != nil {
		return ExecResult{}, err
	}

	return ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// waitExecDone polls until the exec process is reported finished.
func (d *DockerRuntime) waitExecDone(ctx context.Context, execID string) (int, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		ins, err := d.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 1, RuntimeErr("docker exec inspect failed", err)
		}
		if !ins.Running {
			return ins.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 1, RuntimeErr("waiting for exec", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (d *DockerRuntime) CopyFile(ctx context.Context, id, dir, name string, data []byte) error {
	archive, err := fileArchive(dir, name, data)
	if err != nil {
		return RuntimeErr("packing file", err)
	}
	if err := d.cli.CopyToContainer(ctx, id, "/", archive, container.CopyToContainerOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return NotFoundf("No such container: %s", id)
		}
		return RuntimeErr("copying into container", err)
	}
	return nil
}

// fileArchive returns a tar stream, rooted at "/", holding dir and dir/name.
func fileArchive(dir, name string, data []byte) (io.Reader, error) {
	rel := strings.TrimPrefix(path.Clean("/"+dir), "/")
	if rel == "" {
		return nil, fmt.Errorf("refusing to write into container root")
	}
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid file name %q", name)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     rel + "/",
		Mode:     0o755,
		ModTime:  now,
	}); err != nil {
		return nil, err
	}
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     rel + "/" + name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  now,
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func (d *DockerRuntime) StopAndRemove(ctx context.Context, id string) error {
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return NotFoundf("No such container: %s", id)
		}
		return RuntimeErr("stopping container", err)
	}
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return NotFoundf("No such container: %s", id)
		}
		return RuntimeErr("removing container", err)
	}
	d.logger.Info("container removed", zap.String("container_id", id))
	return nil
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}
