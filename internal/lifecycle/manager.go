// Package lifecycle implements the sandbox start, logs, lint and stop flows
// on top of a sandbox.Runtime.
package lifecycle

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/sandboxd/internal/lint"
	"github.com/michaelbrown/sandboxd/internal/metrics"
	"github.com/michaelbrown/sandboxd/internal/sandbox"
	"github.com/michaelbrown/sandboxd/internal/storage"
)

const (
	DefaultName         = "hello-vue"
	DefaultPath         = "hello-vue"
	DefaultInternalPort = 5173
	DefaultExternalPort = 5173
	DefaultTail         = 200

	StatusStopped = "stopped"

	detailLimit = 500
)

// StartRequest selects the image source and ports for a new sandbox.
type StartRequest struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	ExternalPort int    `json:"external_port"`
	InternalPort int    `json:"internal_port"`
	Build        bool   `json:"build"`
	ImageTar     string `json:"image_tar,omitempty"`
}

// DefaultStartRequest is the request used when a caller sends no fields.
func DefaultStartRequest() StartRequest {
	return StartRequest{
		Name:         DefaultName,
		Path:         DefaultPath,
		ExternalPort: DefaultExternalPort,
		InternalPort: DefaultInternalPort,
		Build:        true,
	}
}

// Tag is the image tag the request resolves to.
func (r StartRequest) Tag() string {
	return r.Name + ":latest"
}

type StartResult struct {
	ContainerID string `json:"container_id"`
	Status      string `json:"status"`
}

type LintRequest struct {
	ContainerID string `json:"container_id"`
	Code        string `json:"code"`
}

type StopResult struct {
	ContainerID string `json:"container_id"`
	Status      string `json:"status"`
}

// Options configures a Manager.
type Options struct {
	ProjectRoot string
	Journal     storage.Journal  // optional
	Metrics     *metrics.Metrics // optional
}

// Manager runs sandbox flows. It is safe for concurrent use: image
// creation is serialized per tag, and lint and stop per container id.
type Manager struct {
	rt      sandbox.Runtime
	lint    *lint.Harness
	root    string
	journal storage.Journal
	metrics *metrics.Metrics
	logger  *zap.Logger

	images     *KeyedMutex
	containers *KeyedMutex
	now        func() time.Time
}

func New(rt sandbox.Runtime, harness *lint.Harness, logger *zap.Logger, opts Options) *Manager {
	root := opts.ProjectRoot
	if root == "" {
		root = "."
	}
	return &Manager{
		rt:         rt,
		lint:       harness,
		root:       filepath.Clean(root),
		journal:    opts.Journal,
		metrics:    opts.Metrics,
		logger:     logger.Named("lifecycle"),
		images:     NewKeyedMutex(),
		containers: NewKeyedMutex(),
		now:        time.Now,
	}
}

// Start makes sure the image for req exists, then runs a container from it.
// Empty fields take their defaults, except Build which the caller decides.
func (m *Manager) Start(ctx context.Context, req StartRequest) (res StartResult, err error) {
	req = withDefaults(req)
	tag := req.Tag()
	began := m.now()
	defer func() {
		m.record(ctx, storage.OpStart, res.ContainerID, tag, began, err)
	}()

	if err := validPort("internal_port", req.InternalPort); err != nil {
		return StartResult{}, err
	}
	if err := validPort("external_port", req.ExternalPort); err != nil {
		return StartResult{}, err
	}

	unlock := m.images.Lock(tag)
	err = m.ensureImage(ctx, req, tag)
	unlock()
	if err != nil {
		return StartResult{}, err
	}

	info, err := m.rt.RunContainer(ctx, sandbox.RunOptions{
		Image:        tag,
		Name:         req.Name,
		InternalPort: req.InternalPort,
		ExternalPort: req.ExternalPort,
	})
	if err != nil {
		// The image stays; a retry skips straight to running.
		return StartResult{}, err
	}

	m.logger.Info("sandbox started",
		zap.String("container_id", info.ID),
		zap.String("image", tag),
		zap.Int("external_port", req.ExternalPort))
	return StartResult{ContainerID: info.ID, Status: info.Status}, nil
}

func (m *Manager) ensureImage(ctx context.Context, req StartRequest, tag string) error {
	if m.rt.ImageExists(ctx, tag) {
		m.logger.Debug("image present", zap.String("image", tag))
		return nil
	}

	switch {
	case req.ImageTar != "":
		archive, err := m.resolve("image_tar", req.ImageTar)
		if err != nil {
			return err
		}
		ref, err := m.rt.LoadImageArchive(ctx, archive, tag)
		if err != nil {
			return err
		}
		m.logger.Info("image loaded", zap.String("image", tag), zap.String("ref", ref), zap.String("archive", archive))
	case req.Build:
		contextDir, err := m.resolve("path", req.Path)
		if err != nil {
			return err
		}
		m.logger.Info("building image", zap.String("image", tag), zap.String("context", contextDir))
		if err := m.rt.BuildImage(ctx, contextDir, tag); err != nil {
			return err
		}
	default:
		return sandbox.BadRequestf("Image not found and build disabled; provide image_tar or enable build")
	}
	return nil
}

// resolve joins rel onto the project root and rejects anything outside it.
func (m *Manager) resolve(field, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", sandbox.BadRequestf("%s must be relative to the project root", field)
	}
	joined := filepath.Join(m.root, rel)
	back, err := filepath.Rel(m.root, joined)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", sandbox.BadRequestf("%s escapes the project root", field)
	}
	return joined, nil
}

// Logs returns the last tail lines of a container's combined output.
func (m *Manager) Logs(ctx context.Context, containerID string, tail int) (logs string, err error) {
	began := m.now()
	defer func() {
		m.record(ctx, storage.OpLogs, containerID, "", began, err)
	}()

	if tail < 0 {
		return "", sandbox.BadRequestf("tail must be a non-negative integer")
	}
	return m.rt.TailLogs(ctx, containerID, tail)
}

// Lint runs the lint harness in a running container. Lookup failures are
// runtime errors; a stopped container is a bad request.
func (m *Manager) Lint(ctx context.Context, req LintRequest) (res lint.Result, err error) {
	began := m.now()
	defer func() {
		m.record(ctx, storage.OpLint, req.ContainerID, "", began, err)
	}()

	if req.ContainerID == "" {
		return lint.Result{}, sandbox.BadRequestf("container_id is required")
	}

	unlock := m.containers.Lock(req.ContainerID)
	defer unlock()

	info, err := m.rt.InspectContainer(ctx, req.ContainerID)
	if err != nil {
		return lint.Result{}, sandbox.RuntimeErr("", err)
	}
	if !info.Running {
		return lint.Result{}, sandbox.BadRequestf("Container is not running.")
	}
	return m.lint.Lint(ctx, req.ContainerID, req.Code)
}

// Stop stops and removes a container.
func (m *Manager) Stop(ctx context.Context, containerID string) (res StopResult, err error) {
	began := m.now()
	defer func() {
		m.record(ctx, storage.OpStop, containerID, "", began, err)
	}()

	unlock := m.containers.Lock(containerID)
	defer unlock()

	if _, err := m.rt.InspectContainer(ctx, containerID); err != nil {
		return StopResult{}, err
	}
	if err := m.rt.StopAndRemove(ctx, containerID); err != nil {
		return StopResult{}, err
	}

	m.logger.Info("sandbox stopped", zap.String("container_id", containerID))
	return StopResult{ContainerID: containerID, Status: StatusStopped}, nil
}

// Events returns recent journal entries. Without a journal it returns none.
func (m *Manager) Events(ctx context.Context, opts storage.ListOptions) ([]storage.Event, error) {
	if m.journal == nil {
		return nil, nil
	}
	return m.journal.List(ctx, opts)
}

func (m *Manager) record(ctx context.Context, op, containerID, image string, began time.Time, err error) {
	elapsed := m.now().Sub(began)
	outcome := Outcome(err)

	if m.metrics != nil {
		m.metrics.ObserveOperation(op, string(outcome), elapsed)
	}
	if err != nil {
		m.logger.Warn("sandbox operation failed",
			zap.String("op", op),
			zap.String("container_id", containerID),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
	}
	if m.journal == nil {
		return
	}

	e := &storage.Event{
		Op:          op,
		ContainerID: containerID,
		Image:       image,
		Outcome:     outcome,
		DurationMS:  elapsed.Milliseconds(),
	}
	if err != nil {
		e.Detail = sandbox.Tail(err.Error(), detailLimit)
	}
	if jerr := m.journal.Append(context.WithoutCancel(ctx), e); jerr != nil {
		m.logger.Warn("journal append failed", zap.String("op", op), zap.Error(jerr))
	}
}

// Outcome maps an operation error onto a journal outcome.
func Outcome(err error) storage.Outcome {
	if err == nil {
		return storage.OutcomeOK
	}
	switch sandbox.KindOf(err) {
	case sandbox.KindNotFound:
		return storage.OutcomeNotFound
	case sandbox.KindBadRequest:
		return storage.OutcomeBadRequest
	default:
		return storage.OutcomeError
	}
}

func withDefaults(req StartRequest) StartRequest {
	def := DefaultStartRequest()
	if req.Name == "" {
		req.Name = def.Name
	}
	if req.Path == "" {
		req.Path = def.Path
	}
	if req.InternalPort == 0 {
		req.InternalPort = def.InternalPort
	}
	if req.ExternalPort == 0 {
		req.ExternalPort = def.ExternalPort
	}
	return req
}

func validPort(field string, port int) error {
	if port < 1 || port > 65535 {
		return sandbox.BadRequestf("%s must be between 1 and 65535", field)
	}
	return nil
}
