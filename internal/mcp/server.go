// Package mcp exposes FormNERD sessions, the message contract and the fact journal as
// MCP tools and resources.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"formnerd-mcp-server/internal/browser"
	"formnerd-mcp-server/internal/config"
	"formnerd-mcp-server/internal/mangle"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Server wires the MCP runtime, the session manager and the fact journal.
type Server struct {
	cfg       config.Config
	sessions  *browser.SessionManager
	engine    *mangle.Engine
	logger    *zap.Logger
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the FormNERD MCP server and registers all tools.
func NewServer(cfg config.Config, sessions *browser.SessionManager, engine *mangle.Engine, logger *zap.Logger) (*Server, error) {
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		sessions:  sessions,
		engine:    engine,
		logger:    logger.Named("mcp"),
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start serves over stdio.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("serving over stdio", zap.Int("tools", len(s.tools)))
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("serving over SSE", zap.Int("port", port), zap.Int("tools", len(s.tools)))

	select {
	case <-ctx.Done():
		s.logger.Info("SSE server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool runs a tool directly, bypassing the MCP transport.
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(ctx, args)
}

// ToolNames lists the registered tools.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names
}

func (s *Server) registerAllTools() {
	// Sessions and browser lifecycle
	s.registerTool(&ListSessionsTool{sessions: s.sessions})
	s.registerTool(&CreateSessionTool{sessions: s.sessions})
	s.registerTool(&AttachSessionTool{sessions: s.sessions})
	s.registerTool(&LoadHTMLTool{sessions: s.sessions})
	s.registerTool(&CloseSessionTool{sessions: s.sessions})
	s.registerTool(&LaunchBrowserTool{sessions: s.sessions})
	s.registerTool(&ShutdownBrowserTool{sessions: s.sessions})

	// Message contract, one tool per message type plus the raw form
	for _, tool := range newContractTools(s.sessions) {
		s.registerTool(tool)
	}
	s.registerTool(&FormRequestTool{sessions: s.sessions})

	// Fact journal
	if s.engine != nil {
		s.registerTool(&PushFactsTool{engine: s.engine})
		s.registerTool(&ReadFactsTool{engine: s.engine})
		s.registerTool(&QueryFactsTool{engine: s.engine})
		s.registerTool(&SubmitRuleTool{engine: s.engine})
		s.registerTool(&EvaluateRuleTool{engine: s.engine})
	}
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		s.logger.Warn("tool schema not serializable", zap.String("tool", tool.Name()), zap.Error(err))
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		start := time.Now()
		result, err := tool.Execute(ctx, args)
		if err != nil {
			s.logger.Debug("tool failed", zap.String("tool", tool.Name()), zap.Duration("took", time.Since(start)), zap.Error(err))
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}
		s.logger.Debug("tool done", zap.String("tool", tool.Name()), zap.Duration("took", time.Since(start)))

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
