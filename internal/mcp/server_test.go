package mcp

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"testing"

	"formnerd-mcp-server/internal/browser"
	"formnerd-mcp-server/internal/config"
	"formnerd-mcp-server/internal/mangle"

	"github.com/mark3labs/mcp-go/mcp"
)

const checkoutPage = `<html><head><title>Checkout</title></head><body>
<form id="ship" action="/ship" method="post">
  <label for="name">Name</label><input id="name" name="name" required>
  <label for="email">Email</label><input id="email" name="email" type="email" required>
  <input id="zip" name="zip" pattern="[0-9]{5}">
  <button type="submit">Go</button>
</form>
<input id="coupon" name="coupon" placeholder="Coupon">
</body></html>`

func setupTestServerConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"
	cfg.Server.Version = "1.0.0"
	cfg.Browser.SessionStore = ""
	cfg.Forms = config.FormsConfig{FillPause: "0s", HighlightHold: "1ms"}
	cfg.Mangle = config.MangleConfig{Enable: true, FactBufferLimit: 1000}
	return cfg
}

func setupTestEngine(t *testing.T) *mangle.Engine {
	t.Helper()
	engine, err := mangle.NewEngine(config.MangleConfig{Enable: true, FactBufferLimit: 1000}, nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine
}

// setupTestServer builds a server whose session manager never starts Chrome.
func setupTestServer(t *testing.T) (*Server, *browser.SessionManager, *mangle.Engine) {
	t.Helper()
	cfg := setupTestServerConfig()
	engine := setupTestEngine(t)
	sessions := browser.NewSessionManager(cfg.Browser, browser.AgentDeps{Forms: cfg.Forms, Engine: engine})
	t.Cleanup(func() {
		_ = sessions.Shutdown(context.Background())
	})

	server, err := NewServer(cfg, sessions, engine, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server, sessions, engine
}

func TestNewServer(t *testing.T) {
	t.Run("registers every tool", func(t *testing.T) {
		server, _, _ := setupTestServer(t)

		want := []string{
			"attach-session", "clear-field", "clear-form", "close-session", "create-session",
			"detect-forms", "evaluate-rule", "fill-fields", "focus-field", "form-request",
			"get-form-context", "highlight-field", "launch-browser", "list-sessions", "load-html",
			"push-facts", "query-facts", "read-all-fields", "read-facts", "shutdown-browser",
			"submit-rule", "validate-field",
		}
		got := server.ToolNames()
		sort.Strings(got)
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("tools = %v\nwant    %v", got, want)
		}
	})

	t.Run("without engine skips journal tools", func(t *testing.T) {
		cfg := setupTestServerConfig()
		sessions := browser.NewSessionManager(cfg.Browser, browser.AgentDeps{Forms: cfg.Forms})
		server, err := NewServer(cfg, sessions, nil, nil)
		if err != nil {
			t.Fatalf("NewServer failed: %v", err)
		}
		if _, ok := server.tools["query-facts"]; ok {
			t.Error("query-facts registered without an engine")
		}
		if _, ok := server.tools["get-form-context"]; !ok {
			t.Error("contract tools missing")
		}
	})

	t.Run("requires session manager", func(t *testing.T) {
		if _, err := NewServer(setupTestServerConfig(), nil, nil, nil); err == nil {
			t.Error("expected error without session manager")
		}
	})
}

func TestExecuteTool(t *testing.T) {
	server, _, _ := setupTestServer(t)
	ctx := context.Background()

	t.Run("execute existing tool", func(t *testing.T) {
		result, err := server.ExecuteTool(ctx, "read-facts", map[string]interface{}{})
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		if result == nil {
			t.Error("expected non-nil result")
		}
	})

	t.Run("execute non-existent tool", func(t *testing.T) {
		if _, err := server.ExecuteTool(ctx, "non-existent-tool", nil); err == nil {
			t.Error("expected error for non-existent tool")
		}
	})

	t.Run("list sessions without browser", func(t *testing.T) {
		result, err := server.ExecuteTool(ctx, "list-sessions", nil)
		if err != nil {
			t.Fatalf("list-sessions failed: %v", err)
		}
		sessions := result.(map[string]interface{})["sessions"].([]browser.Session)
		if len(sessions) != 0 {
			t.Errorf("expected no sessions, got %d", len(sessions))
		}
	})

	t.Run("create session needs browser", func(t *testing.T) {
		if _, err := server.ExecuteTool(ctx, "create-session", map[string]interface{}{"url": "about:blank"}); err == nil {
			t.Error("expected error when browser is not connected")
		}
	})
}

func TestWrapTool(t *testing.T) {
	server, _, _ := setupTestServer(t)
	ctx := context.Background()

	call := func(name string, args map[string]interface{}) *mcp.CallToolResult {
		t.Helper()
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		res, err := server.wrapTool(server.tools[name])(ctx, req)
		if err != nil {
			t.Fatalf("handler returned error: %v", err)
		}
		return res
	}
	text := func(res *mcp.CallToolResult) string {
		t.Helper()
		if len(res.Content) != 1 {
			t.Fatalf("expected one content item, got %d", len(res.Content))
		}
		tc, ok := res.Content[0].(mcp.TextContent)
		if !ok {
			t.Fatalf("expected text content, got %T", res.Content[0])
		}
		return tc.Text
	}

	t.Run("tool error becomes IsError result", func(t *testing.T) {
		res := call("get-form-context", map[string]interface{}{})
		if !res.IsError {
			t.Error("expected IsError for missing session_id")
		}
		if !strings.Contains(text(res), "session_id is required") {
			t.Errorf("unexpected error text: %s", text(res))
		}
	})

	t.Run("nil arguments", func(t *testing.T) {
		res := call("list-sessions", nil)
		if res.IsError {
			t.Fatalf("unexpected error: %s", text(res))
		}
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(text(res)), &payload); err != nil {
			t.Fatalf("payload is not JSON: %v", err)
		}
	})

	t.Run("contract response is serialized verbatim", func(t *testing.T) {
		res := call("load-html", map[string]interface{}{"html": checkoutPage})
		var loaded struct {
			Session browser.Session `json:"session"`
		}
		if err := json.Unmarshal([]byte(text(res)), &loaded); err != nil {
			t.Fatal(err)
		}

		res = call("read-all-fields", map[string]interface{}{"session_id": loaded.Session.ID, "request_id": "r-1"})
		var resp struct {
			ID      string            `json:"id"`
			Success bool              `json:"success"`
			Data    map[string]string `json:"data"`
		}
		if err := json.Unmarshal([]byte(text(res)), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.ID != "r-1" || !resp.Success || len(resp.Data) != 4 {
			t.Errorf("unexpected response: %+v", resp)
		}
	})
}

func TestMarshalToolPayload(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		got := marshalToolPayload("x", map[string]int{"a": 1})
		if string(got) != `{"a":1}` {
			t.Errorf("got %s", got)
		}
	})

	t.Run("non-serializable payload falls back", func(t *testing.T) {
		got := marshalToolPayload("x", map[string]float64{"nan": math.NaN()})
		var payload map[string]interface{}
		if err := json.Unmarshal(got, &payload); err != nil {
			t.Fatalf("fallback is not JSON: %v", err)
		}
		if payload["success"] != false {
			t.Errorf("expected success=false, got %v", payload["success"])
		}
		if !strings.Contains(payload["error"].(string), "non-serializable") {
			t.Errorf("unexpected error: %v", payload["error"])
		}
	})
}
