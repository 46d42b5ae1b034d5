package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelbrown/sandboxd/internal/lifecycle"
	"github.com/michaelbrown/sandboxd/internal/lint"
	"github.com/michaelbrown/sandboxd/internal/sandbox"
	"github.com/michaelbrown/sandboxd/internal/sandbox/sandboxtest"
)

func newServer(t *testing.T) (*MCPServer, *sandboxtest.Fake) {
	t.Helper()
	rt := sandboxtest.New()
	logger := zaptest.NewLogger(t)
	mgr := lifecycle.New(rt, lint.New(rt, logger, lint.Options{}), logger, lifecycle.Options{ProjectRoot: "."})
	return New(mgr, logger, 0), rt
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	}
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestNew(t *testing.T) {
	s, _ := newServer(t)
	require.NotNil(t, s.mcpServer)
	assert.Equal(t, lifecycle.DefaultTail, s.defaultTail)
}

func TestStartTool(t *testing.T) {
	s, rt := newServer(t)

	res, err := s.handleStart(context.Background(), call("sandbox_start", map[string]any{"external_port": float64(8080)}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var out lifecycle.StartResult
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	assert.Equal(t, "running", out.Status)
	assert.Contains(t, rt.Calls(), sandboxtest.Call{Op: "RunContainer", Args: []string{"hello-vue:latest", "hello-vue", "5173", "8080"}})
}

func TestStartToolBuildDisabled(t *testing.T) {
	s, _ := newServer(t)

	res, err := s.handleStart(context.Background(), call("sandbox_start", map[string]any{"build": false}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "bad_request")
}

func TestLogsTool(t *testing.T) {
	s, rt := newServer(t)
	rt.AddContainer("abc", "running", "one", "two", "three")

	res, err := s.handleLogs(context.Background(), call("sandbox_logs", map[string]any{"container_id": "abc", "tail": float64(2)}))
	require.NoError(t, err)
	assert.Equal(t, "two\nthree\n", text(t, res))

	_, err = s.handleLogs(context.Background(), call("sandbox_logs", map[string]any{}))
	assert.Error(t, err)

	res, err = s.handleLogs(context.Background(), call("sandbox_logs", map[string]any{"container_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "not_found")
}

func TestLintToolSummary(t *testing.T) {
	s, rt := newServer(t)
	rt.AddContainer("abc", "running")
	rt.ExecFunc = func(_ string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
		if opts.Command[0] == "npx" {
			return sandbox.ExecResult{ExitCode: 1, Stdout: `[{"filePath":"LintTarget.vue","messages":[{"ruleId":"vue/html-self-closing","severity":2,"message":"Require self-closing on HTML elements (<div>).","line":2,"column":5}],"errorCount":1,"warningCount":0}]`}, nil
		}
		return sandbox.ExecResult{Stdout: "eslint-plugin-vue vue-eslint-parser"}, nil
	}

	res, err := s.handleLint(context.Background(), call("sandbox_lint", map[string]any{
		"container_id": "abc",
		"code":         "<template>\n    <div></div>\n</template>",
		"summary":      true,
	}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "2:5 error vue/html-self-closing")

	res, err = s.handleLint(context.Background(), call("sandbox_lint", map[string]any{
		"container_id": "abc",
		"code":         "<template><div/></template>",
	}))
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &raw))
	assert.Equal(t, "stdout", raw["source"])
}

func TestLintToolNotRunning(t *testing.T) {
	s, rt := newServer(t)
	rt.AddContainer("abc", "exited")

	res, err := s.handleLint(context.Background(), call("sandbox_lint", map[string]any{"container_id": "abc", "code": "x"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "Container is not running.")
}

func TestStopTool(t *testing.T) {
	s, rt := newServer(t)
	rt.AddContainer("abc", "running")

	res, err := s.handleStop(context.Background(), call("sandbox_stop", map[string]any{"container_id": "abc"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"container_id":"abc","status":"stopped"}`, text(t, res))
}
