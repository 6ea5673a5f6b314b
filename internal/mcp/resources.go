package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"formnerd-mcp-server/internal/protocol"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"formnerd://about",
			"FormNERD About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, the message contract and usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"formnerd://sessions",
			"FormNERD Sessions",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Every tracked session with its status."),
		),
		s.handleSessionsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"formnerd://sessions/{sessionId}/context",
			"Form Context",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Current form model of a session, as get-form-context returns it."),
		),
		s.handleSessionContextResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"formnerd://sessions/{sessionId}/facts{?predicate,limit}",
			"Session Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Recent journal entries of a session, optionally filtered by predicate."),
		),
		s.handleSessionFactsResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":          s.cfg.Server.Name,
		"version":       s.cfg.Server.Version,
		"message_types": protocol.Types,
		"notes": []string{
			"Resources are read-only context endpoints; use tools for actions.",
			"Field ids look like form-<i>-field-<j>; loose fields live under implicit-form.",
			"Detection refreshes itself on structural DOM changes; ids from an older context may go stale.",
			"load-html gives a browserless session for saved pages and dry runs.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonContents(request.Params.URI, payload)
}

func (s *Server) handleSessionsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.sessions == nil {
		return nil, fmt.Errorf("session manager unavailable")
	}
	sessions := s.sessions.List()
	return jsonContents(request.Params.URI, map[string]interface{}{
		"count":     len(sessions),
		"sessions":  sessions,
		"connected": s.sessions.IsConnected(),
	})
}

func (s *Server) handleSessionContextResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.sessions == nil {
		return nil, fmt.Errorf("session manager unavailable")
	}
	sessionID := argString(request.Params.Arguments["sessionId"])
	if sessionID == "" {
		return nil, fmt.Errorf("missing sessionId")
	}
	agent, err := s.sessions.Agent(sessionID)
	if err != nil {
		return nil, err
	}
	return jsonContents(request.Params.URI, agent.Context())
}

func (s *Server) handleSessionFactsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.engine == nil {
		return nil, fmt.Errorf("mangle engine unavailable")
	}

	sessionID := argString(request.Params.Arguments["sessionId"])
	if sessionID == "" {
		return nil, fmt.Errorf("missing sessionId")
	}
	predicate := argString(request.Params.Arguments["predicate"])
	limit, _ := strconv.Atoi(argString(request.Params.Arguments["limit"]))
	if limit <= 0 {
		limit = defaultFactLimit
	}
	if limit > maxFactLimit {
		limit = maxFactLimit
	}

	facts := recentFacts(s.engine, sessionID, predicate, limit)
	return jsonContents(request.Params.URI, map[string]interface{}{
		"session_id": sessionID,
		"predicate":  predicate,
		"limit":      limit,
		"count":      len(facts),
		"facts":      facts,
	})
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

// argString flattens a URI template argument, which arrives as a string or []string.
func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}
