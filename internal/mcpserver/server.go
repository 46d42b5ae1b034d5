// Package mcpserver exposes the sandbox flows as Model Context Protocol
// tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/michaelbrown/sandboxd/internal/lifecycle"
	"github.com/michaelbrown/sandboxd/internal/lint"
	"github.com/michaelbrown/sandboxd/internal/sandbox"
)

// MCPServer wraps an mcp-go server bound to a lifecycle.Manager.
type MCPServer struct {
	mgr         *lifecycle.Manager
	logger      *zap.Logger
	defaultTail int
	mcpServer   *server.MCPServer
}

// New creates an MCPServer with all sandbox tools registered.
func New(mgr *lifecycle.Manager, logger *zap.Logger, defaultTail int) *MCPServer {
	if defaultTail <= 0 {
		defaultTail = lifecycle.DefaultTail
	}
	s := &MCPServer{
		mgr:         mgr,
		logger:      logger.Named("mcp"),
		defaultTail: defaultTail,
		mcpServer:   server.NewMCPServer("sandboxd", "0.1.0"),
	}
	s.registerTools()
	return s
}

func (s *MCPServer) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_start",
		Description: "Start a Vue sandbox container, building or loading its image when missing",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"name":          map[string]any{"type": "string", "description": "Sandbox name; the image tag is <name>:latest", "default": lifecycle.DefaultName},
				"path":          map[string]any{"type": "string", "description": "Build context relative to the project root", "default": lifecycle.DefaultPath},
				"external_port": map[string]any{"type": "integer", "default": lifecycle.DefaultExternalPort},
				"internal_port": map[string]any{"type": "integer", "default": lifecycle.DefaultInternalPort},
				"build":         map[string]any{"type": "boolean", "description": "Build the image when it does not exist", "default": true},
				"image_tar":     map[string]any{"type": "string", "description": "Image archive relative to the project root"},
			},
		},
	}, s.handleStart)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_logs",
		Description: "Return the last lines of a sandbox container's output",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"container_id": map[string]any{"type": "string"},
				"tail":         map[string]any{"type": "integer", "default": s.defaultTail},
			},
			Required: []string{"container_id"},
		},
	}, s.handleLogs)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_lint",
		Description: "Lint a Vue single-file component inside a running sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"container_id": map[string]any{"type": "string"},
				"code":         map[string]any{"type": "string", "description": "Vue SFC source"},
				"summary":      map[string]any{"type": "boolean", "description": "Render findings as text instead of raw ESLint JSON"},
			},
			Required: []string{"container_id", "code"},
		},
	}, s.handleLint)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_stop",
		Description: "Stop and remove a sandbox container",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"container_id": map[string]any{"type": "string"},
			},
			Required: []string{"container_id"},
		},
	}, s.handleStop)
}

func (s *MCPServer) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def := lifecycle.DefaultStartRequest()
	req := lifecycle.StartRequest{
		Name:         request.GetString("name", def.Name),
		Path:         request.GetString("path", def.Path),
		ExternalPort: request.GetInt("external_port", def.ExternalPort),
		InternalPort: request.GetInt("internal_port", def.InternalPort),
		Build:        request.GetBool("build", def.Build),
		ImageTar:     request.GetString("image_tar", ""),
	}

	res, err := s.mgr.Start(ctx, req)
	if err != nil {
		return errorResult("start", err), nil
	}
	return jsonResult(res)
}

func (s *MCPServer) handleLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("container_id")
	if err != nil {
		return nil, fmt.Errorf("container_id parameter is required: %w", err)
	}

	logs, err := s.mgr.Logs(ctx, id, request.GetInt("tail", s.defaultTail))
	if err != nil {
		return errorResult("logs", err), nil
	}
	return textResult(logs), nil
}

func (s *MCPServer) handleLint(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("container_id")
	if err != nil {
		return nil, fmt.Errorf("container_id parameter is required: %w", err)
	}
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	res, err := s.mgr.Lint(ctx, lifecycle.LintRequest{ContainerID: id, Code: code})
	if err != nil {
		return errorResult("lint", err), nil
	}

	if request.GetBool("summary", false) && res.Source == lint.SourceStdout {
		findings, perr := lint.ParseFindings(res.Output)
		if perr == nil {
			return textResult(lint.Summarize(findings)), nil
		}
		s.logger.Debug("eslint output not JSON, returning raw", zap.Error(perr))
	}

	return jsonResult(map[string]any{
		"lint_result": res.Output,
		"source":      res.Source,
		"exit_code":   res.ExitCode,
	})
}

func (s *MCPServer) handleStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("container_id")
	if err != nil {
		return nil, fmt.Errorf("container_id parameter is required: %w", err)
	}

	res, err := s.mgr.Stop(ctx, id)
	if err != nil {
		return errorResult("stop", err), nil
	}
	return jsonResult(res)
}

// ServeStdio serves MCP on stdin/stdout until the client disconnects.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return textResult(string(data)), nil
}

func errorResult(op string, err error) *mcp.CallToolResult {
	res := textResult(fmt.Sprintf("%s failed (%s): %v", op, sandbox.KindOf(err), err))
	res.IsError = true
	return res
}
