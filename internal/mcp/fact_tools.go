package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"formnerd-mcp-server/internal/mangle"
)

const (
	defaultFactLimit = 25
	maxFactLimit     = 500
)

// PushFactsTool lets a client add its own facts to the journal, e.g. the values it
// intends to fill, so rules can reason over them.
type PushFactsTool struct {
	engine *mangle.Engine
}

func (t *PushFactsTool) Name() string { return "push-facts" }
func (t *PushFactsTool) Description() string {
	return `Add facts to the journal. Entries without a predicate are skipped.

Example: [{"predicate":"planned_value","args":["form-0-field-1","ada@example.com"]}]

Returns: {accepted: <count>}`
}
func (t *PushFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"facts": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"predicate": map[string]interface{}{"type": "string"},
						"args":      map[string]interface{}{"type": "array"},
					},
					"required": []string{"predicate"},
				},
			},
		},
		"required": []string{"facts"},
	}
}
func (t *PushFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	raw, ok := args["facts"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("facts must be an array")
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("facts is empty")
	}

	now := time.Now()
	facts := make([]mangle.Fact, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		predicate := getStringArg(entry, "predicate")
		if predicate == "" {
			continue
		}
		factArgs, _ := entry["args"].([]interface{})
		if factArgs == nil {
			factArgs = []interface{}{}
		}
		facts = append(facts, mangle.Fact{Predicate: predicate, Args: factArgs, Timestamp: now})
	}

	if err := t.engine.AddFacts(ctx, facts); err != nil {
		return nil, err
	}
	return map[string]interface{}{"accepted": len(facts)}, nil
}

// ReadFactsTool returns the newest journal entries, oldest first.
type ReadFactsTool struct {
	engine *mangle.Engine
}

func (t *ReadFactsTool) Name() string { return "read-facts" }
func (t *ReadFactsTool) Description() string {
	return `Read recent journal entries: detections, fills and validations.

Filter by session_id and/or predicate_filter (form_detected, field_detected,
field_filled, field_cleared, field_fill_failed, field_validated).

Returns: {count, facts: [{predicate, args, timestamp}]}`
}
func (t *ReadFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum entries (default 25, max 500)",
			},
			"predicate_filter": map[string]interface{}{
				"type":        "string",
				"description": "Only entries of this predicate",
			},
			"session_id": sessionProperty("Only entries recorded for this session"),
		},
	}
}
func (t *ReadFactsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	limit := getIntArg(args, "limit", defaultFactLimit)
	if limit <= 0 {
		limit = defaultFactLimit
	}
	if limit > maxFactLimit {
		limit = maxFactLimit
	}
	facts := recentFacts(t.engine, getStringArg(args, "session_id"), getStringArg(args, "predicate_filter"), limit)
	return map[string]interface{}{
		"count": len(facts),
		"facts": facts,
	}, nil
}

// recentFacts walks the buffer backwards so the newest entries win the limit, then
// returns them in chronological order.
func recentFacts(engine *mangle.Engine, sessionID, predicate string, limit int) []mangle.Fact {
	if engine == nil || limit <= 0 {
		return []mangle.Fact{}
	}

	var source []mangle.Fact
	if predicate != "" {
		source = engine.FactsByPredicate(predicate)
	} else {
		source = engine.Facts()
	}

	var want []interface{}
	if sessionID != "" {
		want = []interface{}{sessionID}
	}

	out := make([]mangle.Fact, 0, min(limit, len(source)))
	for i := len(source) - 1; i >= 0 && len(out) < limit; i-- {
		f := source[i]
		if want != nil && !matchFact([]mangle.Fact{f}, want) {
			continue
		}
		out = append(out, f)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

type QueryFactsTool struct {
	engine *mangle.Engine
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Run a single-atom Mangle query against the journal and return variable bindings.

EXAMPLES:
- required_unfilled(S, F).        required fields nothing was written to
- form_ready("session-id", Form). forms whose required fields are all filled
- field_filled(S, F).             every successful write

Use _ for positions you do not need. The trailing period is optional.

Returns: {count, results: [{Var: value}]}`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle atom, e.g. required_unfilled(S, F).",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := strings.TrimSpace(getStringArg(args, "query"))
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	results, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]interface{}, len(results))
	for i, r := range results {
		rows[i] = map[string]interface{}(r)
	}
	return map[string]interface{}{
		"count":   len(rows),
		"results": rows,
	}, nil
}

type SubmitRuleTool struct {
	engine *mangle.Engine
}

func (t *SubmitRuleTool) Name() string { return "submit-rule" }
func (t *SubmitRuleTool) Description() string {
	return `Add Mangle rules (and their Decl lines) to the running program, then re-derive.

Example:
  Decl checkout_done(Session).
  checkout_done(S) :- form_ready(S, "form-0").

Returns: {status: "ok"}`
}
func (t *SubmitRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Mangle source",
			},
		},
		"required": []string{"rule"},
	}
}
func (t *SubmitRuleTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	rule := getStringArg(args, "rule")
	if strings.TrimSpace(rule) == "" {
		return nil, fmt.Errorf("rule is required")
	}
	if err := t.engine.AddRule(rule); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "ok"}, nil
}

type EvaluateRuleTool struct {
	engine *mangle.Engine
}

func (t *EvaluateRuleTool) Name() string { return "evaluate-rule" }
func (t *EvaluateRuleTool) Description() string {
	return `Re-derive and return every fact of one predicate, base or derived.

Returns: {predicate, count, facts}`
}
func (t *EvaluateRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate name, e.g. form_ready",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *EvaluateRuleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}
	facts, err := t.engine.Evaluate(ctx, predicate)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"predicate": predicate,
		"count":     len(facts),
		"facts":     facts,
	}, nil
}
