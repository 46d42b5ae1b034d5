// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/michaelbrown/sandboxd/internal/sandbox"
)

// Call records one Runtime invocation.
type Call struct {
	Op   string
	Args []string
}

// Container is the fake's view of a container.
type Container struct {
	Info  sandbox.ContainerInfo
	Logs  []string
	Files map[string][]byte
	Execs []sandbox.ExecOptions
	Stdin []string
}

// Fake is a sandbox.Runtime backed by maps. Set fields before use; all
// methods are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	Images     map[string]bool
	Paths      map[string]bool // host paths that exist; nil means all exist
	Containers map[string]*Container

	BuildErr error
	LoadErr  error
	LoadRef  string // reference reported by LoadImageArchive
	RunErr   error

	// ExecFunc answers Exec calls. Nil returns an empty successful result.
	ExecFunc func(id string, opts sandbox.ExecOptions) (sandbox.ExecResult, error)

	// BeforeBuild runs at the start of BuildImage, outside the lock.
	BeforeBuild func()

	calls  []Call
	nextID int
	closed bool
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Images:     make(map[string]bool),
		Containers: make(map[string]*Container),
	}
}

// AddContainer registers a container with the given status and log lines.
func (f *Fake) AddContainer(id, status string, logs ...string) *Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &Container{
		Info:  sandbox.ContainerInfo{ID: id, Status: status, Running: status == "running", Labels: map[string]string{}},
		Logs:  logs,
		Files: make(map[string][]byte),
	}
	f.Containers[id] = c
	return c
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Ops returns the recorded operation names in order.
func (f *Fake) Ops() []string {
	var ops []string
	for _, c := range f.Calls() {
		ops = append(ops, c.Op)
	}
	return ops
}

// Count returns how many times op was called.
func (f *Fake) Count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) record(op string, args ...string) {
	f.calls = append(f.calls, Call{Op: op, Args: args})
}

func (f *Fake) pathExists(p string) bool {
	return f.Paths == nil || f.Paths[p]
}

func (f *Fake) ImageExists(_ context.Context, tag string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ImageExists", tag)
	return f.Images[tag]
}

func (f *Fake) LoadImageArchive(_ context.Context, archivePath, tag string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("LoadImageArchive", archivePath, tag)
	if !f.pathExists(archivePath) {
		return "", sandbox.NotFoundf("image_tar file not found")
	}
	if f.LoadErr != nil {
		return "", sandbox.RuntimeErr("docker load failed", f.LoadErr)
	}
	ref := f.LoadRef
	if ref == "" {
		ref = "sha256:loaded"
	}
	f.Images[tag] = true
	return ref, nil
}

func (f *Fake) BuildImage(_ context.Context, contextDir, tag string) error {
	if f.BeforeBuild != nil {
		f.BeforeBuild()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("BuildImage", contextDir, tag)
	if !f.pathExists(contextDir) {
		return sandbox.NotFoundf("Project path not found")
	}
	if f.BuildErr != nil {
		return f.BuildErr
	}
	f.Images[tag] = true
	return nil
}

func (f *Fake) RunContainer(_ context.Context, opts sandbox.RunOptions) (sandbox.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RunContainer", opts.Image, opts.Name, strconv.Itoa(opts.InternalPort), strconv.Itoa(opts.ExternalPort))
	if f.RunErr != nil {
		return sandbox.ContainerInfo{}, f.RunErr
	}
	if !f.Images[opts.Image] {
		return sandbox.ContainerInfo{}, sandbox.RuntimeErr("creating container", fmt.Errorf("No such image: %s", opts.Image))
	}
	f.nextID++
	id := fmt.Sprintf("c%063d", f.nextID)
	c := &Container{
		Info: sandbox.ContainerInfo{
			ID:      id,
			Status:  "running",
			Running: true,
			Labels:  map[string]string{sandbox.LabelKey: opts.Name},
		},
		Files: make(map[string][]byte),
	}
	f.Containers[id] = c
	return c.Info, nil
}

func (f *Fake) InspectContainer(_ context.Context, id string) (sandbox.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("InspectContainer", id)
	c, ok := f.Containers[id]
	if !ok {
		return sandbox.ContainerInfo{}, sandbox.NotFoundf("No such container: %s", id)
	}
	return c.Info, nil
}

func (f *Fake) TailLogs(_ context.Context, id string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TailLogs", id, strconv.Itoa(tail))
	c, ok := f.Containers[id]
	if !ok {
		return "", sandbox.NotFoundf("No such container: %s", id)
	}
	lines := c.Logs
	if tail >= 0 && tail < len(lines) {
		lines = lines[len(lines)-tail:]
	}
	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\n") + "\n", nil
}

func (f *Fake) Exec(_ context.Context, id string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
	var stdin string
	if opts.Stdin != nil {
		data, err := io.ReadAll(opts.Stdin)
		if err != nil {
			return sandbox.ExecResult{}, err
		}
		stdin = string(data)
	}

	f.mu.Lock()
	f.record("Exec", opts.Command...)
	c, ok := f.Containers[id]
	if ok {
		c.Execs = append(c.Execs, opts)
		c.Stdin = append(c.Stdin, stdin)
	}
	fn := f.ExecFunc
	f.mu.Unlock()

	if !ok {
		return sandbox.ExecResult{}, sandbox.NotFoundf("No such container: %s", id)
	}
	if fn == nil {
		return sandbox.ExecResult{}, nil
	}
	return fn(id, opts)
}

func (f *Fake) CopyFile(_ context.Context, id, dir, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CopyFile", dir, name)
	c, ok := f.Containers[id]
	if !ok {
		return sandbox.NotFoundf("No such container: %s", id)
	}
	c.Files[path.Join(dir, name)] = append([]byte(nil), data...)
	return nil
}

func (f *Fake) StopAndRemove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Containers[id]; !ok {
		return sandbox.NotFoundf("No such container: %s", id)
	}
	f.record("StopContainer", id)
	f.record("RemoveContainer", id)
	delete(f.Containers, id)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ sandbox.Runtime = (*Fake)(nil)
