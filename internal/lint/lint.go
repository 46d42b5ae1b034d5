package lint

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/sandboxd/internal/sandbox"
)

// Output sources reported on a Result.
const (
	SourceStdout = "stdout"
	SourceStderr = "stderr"
)

// Options configures where the harness works inside the container.
type Options struct {
	Workdir  string // project directory holding node_modules
	NodePath string
	TempDir  string // parent of the per-run config directory
}

// DefaultOptions matches the layout of the sandbox images.
func DefaultOptions() Options {
	return Options{
		Workdir:  "/app",
		NodePath: "/app/node_modules",
		TempDir:  "/tmp",
	}
}

// Result is the outcome of one lint run.
type Result struct {
	// Output is stderr when it is non-blank, otherwise stdout.
	Output   string
	Source   string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Harness lints source code inside a running container.
type Harness struct {
	rt     sandbox.Runtime
	logger *zap.Logger
	opts   Options
	newID  func() string
}

// New creates a Harness. Zero fields in opts take DefaultOptions values.
func New(rt sandbox.Runtime, logger *zap.Logger, opts Options) *Harness {
	def := DefaultOptions()
	if opts.Workdir == "" {
		opts.Workdir = def.Workdir
	}
	if opts.NodePath == "" {
		opts.NodePath = def.NodePath
	}
	if opts.TempDir == "" {
		opts.TempDir = def.TempDir
	}
	return &Harness{
		rt:     rt,
		logger: logger.Named("lint"),
		opts:   opts,
		newID:  func() string { return uuid.New().String() },
	}
}

// Lint runs ESLint against code in containerID. The caller checks that the
// container is running.
func (h *Harness) Lint(ctx context.Context, containerID, code string) (Result, error) {
	cfg, err := ConfigJSON()
	if err != nil {
		return Result{}, sandbox.RuntimeErr("encoding eslint config", err)
	}

	if _, err := h.EnsureDependencies(ctx, containerID); err != nil {
		return Result{}, err
	}

	dir := path.Join(h.opts.TempDir, "sandboxd-lint-"+h.newID())
	if err := h.rt.CopyFile(ctx, containerID, dir, ConfigFilename, cfg); err != nil {
		return Result{}, sandbox.RuntimeErr("writing eslint config", err)
	}
	defer h.cleanup(containerID, dir)

	res, err := h.rt.Exec(ctx, containerID, sandbox.ExecOptions{
		Command: Command(path.Join(dir, ConfigFilename)),
		Workdir: h.opts.Workdir,
		Env:     []string{"NODE_PATH=" + h.opts.NodePath},
		Stdin:   strings.NewReader(code),
	})
	if err != nil {
		return Result{}, sandbox.RuntimeErr("running eslint", err)
	}

	h.logger.Debug("eslint finished",
		zap.String("container_id", containerID),
		zap.Int("exit_code", res.ExitCode),
		zap.Int("stdout_len", len(res.Stdout)),
		zap.Int("stderr_len", len(res.Stderr)))

	return Select(res), nil
}

// Command is the ESLint argv for a config file path. Code arrives on stdin.
func Command(configPath string) []string {
	return []string{
		"npx", "eslint",
		"--stdin",
		"--stdin-filename", VirtualFilename,
		"--format", "json",
		"--config", configPath,
	}
}

// Select picks the reported output: stderr wins whenever it has content.
func Select(res sandbox.ExecResult) Result {
	out := Result{
		Output:   res.Stdout,
		Source:   SourceStdout,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	if strings.TrimSpace(res.Stderr) != "" {
		out.Output = res.Stderr
		out.Source = SourceStderr
	}
	return out
}

// EnsureDependencies installs the ESLint Vue packages when `npm list` does
// not mention both. It reports whether an install ran.
func (h *Harness) EnsureDependencies(ctx context.Context, containerID string) (bool, error) {
	listCmd := append([]string{"npm", "list"}, RequiredPackages...)
	listed, err := h.rt.Exec(ctx, containerID, sandbox.ExecOptions{
		Command: listCmd,
		Workdir: h.opts.Workdir,
	})
	if err != nil {
		return false, sandbox.RuntimeErr("checking lint dependencies", err)
	}

	missing := missingPackages(listed.Stdout)
	if len(missing) == 0 {
		return false, nil
	}
	h.logger.Info("installing lint dependencies",
		zap.String("container_id", containerID),
		zap.Strings("missing", missing))

	installCmd := append([]string{"npm", "install", "--no-save"}, RequiredPackages...)
	installed, err := h.rt.Exec(ctx, containerID, sandbox.ExecOptions{
		Command: installCmd,
		Workdir: h.opts.Workdir,
	})
	if err != nil {
		return true, sandbox.RuntimeErr("installing lint dependencies", err)
	}
	if installed.ExitCode != 0 {
		h.logger.Warn("lint dependency install failed",
			zap.String("container_id", containerID),
			zap.Int("exit_code", installed.ExitCode),
			zap.String("stderr", sandbox.Tail(installed.Stderr, 500)))
	}
	return true, nil
}

func missingPackages(listing string) []string {
	var missing []string
	for _, pkg := range RequiredPackages {
		if !strings.Contains(listing, pkg) {
			missing = append(missing, pkg)
		}
	}
	return missing
}

func (h *Harness) cleanup(containerID, dir string) {
	// Detached from the request so a cancelled lint still cleans up.
	ctx := context.Background()
	// The copied dir is root-owned and /tmp is sticky, so a non-root image
	// user cannot remove it.
	res, err := h.rt.Exec(ctx, containerID, sandbox.ExecOptions{
		Command: []string{"rm", "-rf", dir},
		User:    "root",
	})
	if err != nil {
		h.logger.Warn("removing lint dir", zap.String("container_id", containerID), zap.String("dir", dir), zap.Error(err))
		return
	}
	if res.ExitCode != 0 {
		h.logger.Warn("removing lint dir", zap.String("container_id", containerID), zap.String("dir", dir),
			zap.Error(fmt.Errorf("rm exited with %d", res.ExitCode)))
	}
}
