package mcp

import (
	"context"
	"fmt"

	"formnerd-mcp-server/internal/browser"
)

type ListSessionsTool struct {
	sessions *browser.SessionManager
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List all sessions FormNERD tracks: live browser tabs, static HTML documents and
sessions restored from disk that still need attach-session.

USE THIS FIRST to discover existing sessions before creating new ones.
Returns session IDs needed by every form tool.

Returns: {sessions: [{id, url, title, status}]}`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"sessions": t.sessions.List()}, nil
}

type CreateSessionTool struct {
	sessions *browser.SessionManager
}

func (t *CreateSessionTool) Name() string { return "create-session" }
func (t *CreateSessionTool) Description() string {
	return `Open a page in a new incognito tab and start form detection on it.

PREREQUISITE: Browser must be running (use launch-browser first if needed).

WORKFLOW:
1. launch-browser (if not running)
2. create-session (with the URL of the page holding the form)
3. get-form-context with the returned session id

Returns: {session: {id, url, title}, fields: <detected field count>}`
}
func (t *CreateSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to open (default about:blank)",
			},
		},
	}
}
func (t *CreateSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sess, err := t.sessions.CreateSession(ctx, getStringArg(args, "url"))
	if err != nil {
		return nil, err
	}
	return sessionPayload(t.sessions, sess), nil
}

type AttachSessionTool struct {
	sessions *browser.SessionManager
}

func (t *AttachSessionTool) Name() string { return "attach-session" }
func (t *AttachSessionTool) Description() string {
	return `Attach to an existing Chrome tab by its CDP TargetID and start form detection on it.

USE INSTEAD OF create-session when the form is already open in a tab, for example after a
manual login. Sessions restored from disk keep their id when re-attached.

Returns: {session: {id, url, title}, fields: <detected field count>}`
}
func (t *AttachSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target_id": map[string]interface{}{
				"type":        "string",
				"description": "CDP TargetID to attach",
			},
		},
		"required": []string{"target_id"},
	}
}
func (t *AttachSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	targetID := getStringArg(args, "target_id")
	if targetID == "" {
		return nil, fmt.Errorf("target_id is required")
	}

	sess, err := t.sessions.Attach(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return sessionPayload(t.sessions, sess), nil
}

// LoadHTMLTool tracks a document given as markup, without a browser.
type LoadHTMLTool struct {
	sessions *browser.SessionManager
}

func (t *LoadHTMLTool) Name() string { return "load-html" }
func (t *LoadHTMLTool) Description() string {
	return `Load raw HTML as an in-memory session. No browser is needed.

WHEN TO USE:
- Analysing a saved page or a snippet
- Dry-running a fill plan before touching a live page

Fills change the in-memory document only; scripts on the page do not run.

Returns: {session: {id, url, title, status:"static"}, fields: <detected field count>}`
}
func (t *LoadHTMLTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"html": map[string]interface{}{
				"type":        "string",
				"description": "Document markup",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Optional URL reported in the form context",
			},
		},
		"required": []string{"html"},
	}
}
func (t *LoadHTMLTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	markup := getStringArg(args, "html")
	if markup == "" {
		return nil, fmt.Errorf("html is required")
	}
	sess, err := t.sessions.CreateStaticSession(ctx, markup, getStringArg(args, "url"))
	if err != nil {
		return nil, err
	}
	return sessionPayload(t.sessions, sess), nil
}

// CloseSessionTool stops detection on a session and closes its tab.
type CloseSessionTool struct {
	sessions *browser.SessionManager
}

func (t *CloseSessionTool) Name() string { return "close-session" }
func (t *CloseSessionTool) Description() string {
	return `Stop form detection on a session and close its tab. Journal facts are kept.`
}
func (t *CloseSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionProperty("Session to close"),
		},
		"required": []string{"session_id"},
	}
}
func (t *CloseSessionTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if err := t.sessions.CloseSession(sessionID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"session_id": sessionID, "status": "closed"}, nil
}

func sessionPayload(sessions *browser.SessionManager, sess *browser.Session) map[string]interface{} {
	payload := map[string]interface{}{"session": sess}
	if agent, err := sessions.Agent(sess.ID); err == nil {
		payload["fields"] = agent.Context().FieldCount()
	}
	return payload
}

// LaunchBrowserTool starts Chrome using the configured launch command.
type LaunchBrowserTool struct {
	sessions *browser.SessionManager
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start or connect to the Chrome instance used for live form sessions.

Idempotent: safe to call if already running.

Returns: {status: "started"|"already_connected", control_url}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions.IsConnected() {
		return map[string]interface{}{
			"status":      "already_connected",
			"control_url": t.sessions.ControlURL(),
		}, nil
	}

	if err := t.sessions.Start(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      "started",
		"control_url": t.sessions.ControlURL(),
	}, nil
}

// ShutdownBrowserTool stops the managed Chrome instance and clears sessions.
type ShutdownBrowserTool struct {
	sessions *browser.SessionManager
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Stop Chrome and every session, static ones included.

NOTE: The fact journal persists after shutdown.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := t.sessions.Shutdown(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": "stopped",
	}, nil
}
