// Package sandbox wraps the container runtime used to host sandboxes.
package sandbox

import (
	"context"
	"io"
)

// LabelKey is the container label recording the sandbox name.
const LabelKey = "sandbox"

// RunOptions describes a detached sandbox container.
type RunOptions struct {
	Image        string
	Name         string // stored under LabelKey
	InternalPort int
	ExternalPort int
}

// ContainerInfo is the subset of container state the flows care about.
type ContainerInfo struct {
	ID      string
	Status  string // runtime-reported, e.g. "running", "exited"
	Running bool
	Labels  map[string]string
}

// ExecOptions describes a command run inside a container.
type ExecOptions struct {
	Command []string
	Workdir string
	Env     []string
	User    string    // empty runs as the image user
	Stdin   io.Reader // optional
}

// ExecResult is the demultiplexed output of an exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runtime is the synchronous container-runtime surface used by sandboxd.
type Runtime interface {
	// ImageExists reports whether tag resolves. Lookup errors count as absent.
	ImageExists(ctx context.Context, tag string) bool

	// LoadImageArchive loads the image archive at path and tags the first
	// loaded image as tag. It returns the loaded image reference.
	LoadImageArchive(ctx context.Context, path, tag string) (string, error)

	// BuildImage builds contextDir into tag.
	BuildImage(ctx context.Context, contextDir, tag string) error

	RunContainer(ctx context.Context, opts RunOptions) (ContainerInfo, error)
	InspectContainer(ctx context.Context, id string) (ContainerInfo, error)

	// TailLogs returns the last tail lines of combined stdout and stderr.
	TailLogs(ctx context.Context, id string, tail int) (string, error)

	Exec(ctx context.Context, id string, opts ExecOptions) (ExecResult, error)

	// CopyFile writes data to dir/name inside the container, creating dir.
	CopyFile(ctx context.Context, id, dir, name string, data []byte) error

	// StopAndRemove stops then removes the container. Not atomic.
	StopAndRemove(ctx context.Context, id string) error

	Close() error
}
