package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelbrown/sandboxd/internal/lint"
	"github.com/michaelbrown/sandboxd/internal/metrics"
	"github.com/michaelbrown/sandboxd/internal/sandbox"
	"github.com/michaelbrown/sandboxd/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/sandboxd/internal/storage"
	"github.com/michaelbrown/sandboxd/internal/storage/sqlite"
)

type fixture struct {
	rt      *sandboxtest.Fake
	journal *sqlite.SQLiteJournal
	metrics *metrics.Metrics
	m       *Manager
}

func newFixture(t *testing.T, root string) *fixture {
	t.Helper()
	rt := sandboxtest.New()
	journal, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	logger := zaptest.NewLogger(t)
	met := metrics.New()
	m := New(rt, lint.New(rt, logger, lint.Options{}), logger, Options{
		ProjectRoot: root,
		Journal:     journal,
		Metrics:     met,
	})
	return &fixture{rt: rt, journal: journal, metrics: met, m: m}
}

func (f *fixture) events(t *testing.T) []storage.Event {
	t.Helper()
	events, err := f.m.Events(context.Background(), storage.ListOptions{})
	require.NoError(t, err)
	return events
}

func TestStartBuildsMissingImage(t *testing.T) {
	f := newFixture(t, ".")

	res, err := f.m.Start(context.Background(), DefaultStartRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, res.ContainerID)
	assert.Equal(t, "running", res.Status)

	calls := f.rt.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, sandboxtest.Call{Op: "ImageExists", Args: []string{"hello-vue:latest"}}, calls[0])
	assert.Equal(t, sandboxtest.Call{Op: "BuildImage", Args: []string{"hello-vue", "hello-vue:latest"}}, calls[1])
	assert.Equal(t, sandboxtest.Call{Op: "RunContainer", Args: []string{"hello-vue:latest", "hello-vue", "5173", "5173"}}, calls[2])

	c := f.rt.Containers[res.ContainerID]
	require.NotNil(t, c)
	assert.Equal(t, map[string]string{"sandbox": "hello-vue"}, c.Info.Labels)
}

func TestStartUsesProjectRoot(t *testing.T) {
	f := newFixture(t, "/srv/projects")

	_, err := f.m.Start(context.Background(), StartRequest{Name: "todo", Path: "apps/todo", Build: true})
	require.NoError(t, err)

	assert.Contains(t, f.rt.Calls(), sandboxtest.Call{Op: "BuildImage", Args: []string{"/srv/projects/apps/todo", "todo:latest"}})
}

func TestStartSkipsExistingImage(t *testing.T) {
	f := newFixture(t, ".")
	f.rt.Images["hello-vue:latest"] = true

	req := DefaultStartRequest()
	req.ImageTar = "hello-vue.tar"
	_, err := f.m.Start(context.Background(), req)
	require.NoError(t, err)

	assert.Zero(t, f.rt.Count("BuildImage"))
	assert.Zero(t, f.rt.Count("LoadImageArchive"))
	assert.Equal(t, 1, f.rt.Count("RunContainer"))
}

func TestStartPrefersArchiveOverBuild(t *testing.T) {
	f := newFixture(t, "/srv")

	req := DefaultStartRequest()
	req.ImageTar = "images/hello-vue.tar"
	_, err := f.m.Start(context.Background(), req)
	require.NoError(t, err)

	assert.Zero(t, f.rt.Count("BuildImage"))
	assert.Contains(t, f.rt.Calls(), sandboxtest.Call{Op: "LoadImageArchive", Args: []string{"/srv/images/hello-vue.tar", "hello-vue:latest"}})
}

func TestStartMissingArchive(t *testing.T) {
	f := newFixture(t, ".")
	f.rt.Paths = map[string]bool{}

	req := DefaultStartRequest()
	req.ImageTar = "missing.tar"
	_, err := f.m.Start(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, sandbox.KindNotFound, sandbox.KindOf(err))
	assert.Zero(t, f.rt.Count("RunContainer"))
}

func TestStartBuildDisabledWithoutImage(t *testing.T) {
	f := newFixture(t, ".")

	req := DefaultStartRequest()
	req.Build = false
	_, err := f.m.Start(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, sandbox.KindBadRequest, sandbox.KindOf(err))
	assert.Equal(t, "Image not found and build disabled; provide image_tar or enable build", err.Error())
	assert.Equal(t, []string{"ImageExists"}, f.rt.Ops())
}

func TestStartMissingProjectPath(t *testing.T) {
	f := newFixture(t, ".")
	f.rt.Paths = map[string]bool{}

	_, err := f.m.Start(context.Background(), DefaultStartRequest())
	require.Error(t, err)
	assert.Equal(t, sandbox.KindNotFound, sandbox.KindOf(err))
	assert.Equal(t, "Project path not found", err.Error())
	assert.Zero(t, f.rt.Count("RunContainer"))
}

func TestStartRejectsPathsOutsideRoot(t *testing.T) {
	for _, p := range []string{"../etc", "a/../../b", "/etc/passwd"} {
		t.Run(p, func(t *testing.T) {
			f := newFixture(t, "/srv/projects")

			_, err := f.m.Start(context.Background(), StartRequest{Name: "x", Path: p, Build: true})
			require.Error(t, err)
			assert.Equal(t, sandbox.KindBadRequest, sandbox.KindOf(err))
			assert.Zero(t, f.rt.Count("BuildImage"))

			_, err = f.m.Start(context.Background(), StartRequest{Name: "x", ImageTar: p})
			require.Error(t, err)
			assert.Equal(t, sandbox.KindBadRequest, sandbox.KindOf(err))
			assert.Zero(t, f.rt.Count("LoadImageArchive"))
		})
	}
}

func TestStartInvalidPort(t *testing.T) {
	f := newFixture(t, ".")

	req := DefaultStartRequest()
	req.ExternalPort = 70000
	_, err := f.m.Start(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, sandbox.KindBadRequest, sandbox.KindOf(err))
	assert.Empty(t, f.rt.Calls())
}

func TestStartBuildFailure(t *testing.T) {
	f := newFixture(t, ".")
	f.rt.BuildErr = sandbox.RuntimeErr("step 3/7: npm ci failed", nil)

	_, err := f.m.Start(context.Background(), DefaultStartRequest())
	require.Error(t, err)
	assert.Equal(t, sandbox.KindRuntime, sandbox.KindOf(err))
	assert.Zero(t, f.rt.Count("RunContainer"))
}

func TestStartRunFailureLeavesImage(t *testing.T) {
	f := newFixture(t, ".")
	f.rt.RunErr = errors.New("port is already allocated")

	_, err := f.m.Start(context.Background(), DefaultStartRequest())
	require.Error(t, err)
	assert.True(t, f.rt.Images["hello-vue:latest"])

	f.rt.RunErr = nil
	_, err = f.m.Start(context.Background(), DefaultStartRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, f.rt.Count("BuildImage"), "retry skips the build")
}

func TestStartConcurrentSameTagBuildsOnce(t *testing.T) {
	f := newFixture(t, ".")
	var building atomic.Int32
	f.rt.BeforeBuild = func() {
		building.Add(1)
		time.Sleep(10 * time.Millisecond)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.Start(context.Background(), DefaultStartRequest())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), building.Load())
	assert.Equal(t, 5, f.rt.Count("RunContainer"))
}

func TestLogsTail(t *testing.T) {
	f := newFixture(t, ".")
	var lines []string
	for i := 1; i <= 10; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	f.rt.AddContainer("abc", "running", lines...)

	logs, err := f.m.Logs(context.Background(), "abc", 5)
	require.NoError(t, err)
	assert.Equal(t, "line 6\nline 7\nline 8\nline 9\nline 10\n", logs)
}

func TestLogsUnknownContainer(t *testing.T) {
	f := newFixture(t, ".")

	_, err := f.m.Logs(context.Background(), "nope", DefaultTail)
	require.Error(t, err)
	assert.Equal(t, sandbox.KindNotFound, sandbox.KindOf(err))
}

func TestLogsNegativeTail(t *testing.T) {
	f := newFixture(t, ".")
	f.rt.AddContainer("abc", "running")

	_, err := f.m.Logs(context.Background(), "abc", -1)
	require.Error(t, err)
	assert.Equal(t, sandbox.KindBadRequest, sandbox.KindOf(err))
	assert.Zero(t, f.rt.Count("TailLogs"))
}

func TestLintNotRunning(t *testing.T) {
	f := newFixture(t, ".")
	f.rt.AddContainer("abc", "exited")

	_, err := f.m.Lint(context.Background(), LintRequest{ContainerID: "abc", Code: "<template/>"})
	require.Error(t, err)
	assert.Equal(t, sandbox.KindBadRequest, sandbox.KindOf(err))
	assert.Equal(t, "Container is not running.", err.Error())
	assert.Zero(t, f.rt.Count("Exec"))
}

func TestLintUnknownContainerIsRuntimeError(t *testing.T) {
	f := newFixture(t, ".")

	_, err := f.m.Lint(context.Background(), LintRequest{ContainerID: "nope"})
	require.Error(t, err)
	assert.Equal(t, sandbox.KindRuntime, sandbox.KindOf(err))
	assert.Contains(t, err.Error(), "No such container")
}

func TestLintEmptyContainerID(t *testing.T) {
	f := newFixture(t, ".")

	_, err := f.m.Lint(context.Background(), LintRequest{Code: "x"})
	require.Error(t, err)
	assert.Equal(t, sandbox.KindBadRequest, sandbox.KindOf(err))
	assert.Empty(t, f.rt.Calls())
}

func TestLintStderrWins(t *testing.T) {
	f := newFixture(t, ".")
	f.rt.AddContainer("abc", "running")
	f.rt.ExecFunc = func(_ string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
		switch opts.Command[0] {
		case "npm":
			return sandbox.ExecResult{Stdout: "eslint-plugin-vue@9 vue-eslint-parser@9"}, nil
		case "npx":
			return sandbox.ExecResult{ExitCode: 2, Stdout: "[]", Stderr: "Error: Failed to load parser"}, nil
		}
		return sandbox.ExecResult{}, nil
	}

	res, err := f.m.Lint(context.Background(), LintRequest{ContainerID: "abc", Code: "<template><div/></template>"})
	require.NoError(t, err)
	assert.Equal(t, "Error: Failed to load parser", res.Output)
	assert.Equal(t, lint.SourceStderr, res.Source)
}

func TestLintSerializedPerContainer(t *testing.T) {
	f := newFixture(t, ".")
	f.rt.AddContainer("abc", "running")

	var inside, overlap atomic.Int32
	f.rt.ExecFunc = func(_ string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
		if opts.Command[0] == "npx" {
			if inside.Add(1) > 1 {
				overlap.Add(1)
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
		}
		return sandbox.ExecResult{Stdout: "eslint-plugin-vue vue-eslint-parser"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.Lint(context.Background(), LintRequest{ContainerID: "abc", Code: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Zero(t, overlap.Load())
}

func TestStopKnownContainer(t *testing.T) {
	f := newFixture(t, ".")
	f.rt.AddContainer("abc", "running")

	res, err := f.m.Stop(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, StopResult{ContainerID: "abc", Status: "stopped"}, res)
	assert.Equal(t, []string{"InspectContainer", "StopContainer", "RemoveContainer"}, f.rt.Ops())
}

func TestStopUnknownContainer(t *testing.T) {
	f := newFixture(t, ".")

	_, err := f.m.Stop(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, sandbox.KindNotFound, sandbox.KindOf(err))
	assert.Zero(t, f.rt.Count("StopContainer"))
	assert.Zero(t, f.rt.Count("RemoveContainer"))
}

func TestOperationsAreJournaled(t *testing.T) {
	f := newFixture(t, ".")
	ctx := context.Background()

	started, err := f.m.Start(ctx, DefaultStartRequest())
	require.NoError(t, err)
	_, _ = f.m.Logs(ctx, "nope", 10)
	_, _ = f.m.Stop(ctx, started.ContainerID)

	events := f.events(t)
	require.Len(t, events, 3)

	byOp := map[string]storage.Event{}
	for _, e := range events {
		byOp[e.Op] = e
	}
	assert.Equal(t, storage.OutcomeOK, byOp[storage.OpStart].Outcome)
	assert.Equal(t, "hello-vue:latest", byOp[storage.OpStart].Image)
	assert.Equal(t, started.ContainerID, byOp[storage.OpStart].ContainerID)
	assert.Equal(t, storage.OutcomeNotFound, byOp[storage.OpLogs].Outcome)
	assert.True(t, strings.HasPrefix(byOp[storage.OpLogs].Detail, "No such container"))
	assert.Equal(t, storage.OutcomeOK, byOp[storage.OpStop].Outcome)

	series, err := testutil.GatherAndCount(f.metrics.Registry(), "sandboxd_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 3, series)
}

func TestJournalFailureIsNotSurfaced(t *testing.T) {
	f := newFixture(t, ".")
	require.NoError(t, f.journal.Close())
	f.rt.AddContainer("abc", "running")

	_, err := f.m.Stop(context.Background(), "abc")
	assert.NoError(t, err)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, storage.OutcomeOK, Outcome(nil))
	assert.Equal(t, storage.OutcomeNotFound, Outcome(sandbox.NotFoundf("x")))
	assert.Equal(t, storage.OutcomeBadRequest, Outcome(fmt.Errorf("wrapped: %w", sandbox.BadRequestf("x"))))
	assert.Equal(t, storage.OutcomeError, Outcome(errors.New("boom")))
}

func TestNilJournalAndMetrics(t *testing.T) {
	rt := sandboxtest.New()
	logger := zaptest.NewLogger(t)
	m := New(rt, lint.New(rt, logger, lint.Options{}), logger, Options{})

	_, err := m.Start(context.Background(), DefaultStartRequest())
	require.NoError(t, err)

	events, err := m.Events(context.Background(), storage.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, events)
}
