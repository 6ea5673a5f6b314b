package mcp

import (
	"encoding/json"
	"fmt"

	"formnerd-mcp-server/internal/form"
	"formnerd-mcp-server/internal/mangle"
)

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// decodeArg re-decodes a loosely typed argument (already parsed from JSON) into out.
// A string argument is treated as raw JSON.
func decodeArg(args map[string]interface{}, key string, out interface{}) error {
	val, ok := args[key]
	if !ok || val == nil {
		return fmt.Errorf("%s is required", key)
	}
	var raw []byte
	if s, isString := val.(string); isString {
		raw = []byte(s)
	} else {
		var err error
		if raw, err = json.Marshal(val); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func getStrategiesArg(args map[string]interface{}) ([]form.FillStrategy, error) {
	var strategies []form.FillStrategy
	if err := decodeArg(args, "strategies", &strategies); err != nil {
		return nil, err
	}
	for i, s := range strategies {
		if s.FieldID == "" {
			return nil, fmt.Errorf("strategies[%d]: fieldId is required", i)
		}
	}
	return strategies, nil
}

func matchFact(facts []mangle.Fact, wantArgs []interface{}) bool {
	for _, f := range facts {
		if len(f.Args) < len(wantArgs) {
			continue
		}
		match := true
		for i, want := range wantArgs {
			if fmt.Sprintf("%v", f.Args[i]) != fmt.Sprintf("%v", want) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func sessionProperty(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}
