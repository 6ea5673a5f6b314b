package mcp

import (
	"context"
	"fmt"

	"formnerd-mcp-server/internal/browser"
	"formnerd-mcp-server/internal/protocol"
)

// Payload arguments a contract tool may take.
const (
	argFieldID    = "field_id"
	argFormID     = "form_id"
	argStrategies = "strategies"
)

// ContractTool sends one contract message to a session's agent and returns the response
// verbatim: {id, success, data, error}.
type ContractTool struct {
	sessions    *browser.SessionManager
	name        string
	description string
	msgType     protocol.MessageType
	args        []string
}

func (t *ContractTool) Name() string        { return t.name }
func (t *ContractTool) Description() string { return t.description }

func (t *ContractTool) InputSchema() map[string]interface{} {
	props := map[string]interface{}{
		"session_id": sessionProperty("Session holding the page"),
		"request_id": map[string]interface{}{
			"type":        "string",
			"description": "Optional correlation id echoed in the response (generated when empty)",
		},
	}
	required := []string{"session_id"}
	for _, arg := range t.args {
		switch arg {
		case argFieldID:
			props[arg] = map[string]interface{}{"type": "string", "description": "Field id from get-form-context, e.g. form-0-field-2"}
		case argFormID:
			props[arg] = map[string]interface{}{"type": "string", "description": "Form id from get-form-context, e.g. form-0 or implicit-form"}
		case argStrategies:
			props[arg] = map[string]interface{}{
				"type":        "array",
				"description": "Ordered fill strategies",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"fieldId":    map[string]interface{}{"type": "string"},
						"value":      map[string]interface{}{"type": "string"},
						"confidence": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
					},
					"required": []string{"fieldId", "value"},
				},
			}
		}
		required = append(required, arg)
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func (t *ContractTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	msg := protocol.Message{Type: t.msgType, ID: getStringArg(args, "request_id")}
	for _, arg := range t.args {
		switch arg {
		case argFieldID:
			if msg.FieldID = getStringArg(args, arg); msg.FieldID == "" {
				return nil, fmt.Errorf("%s is required", arg)
			}
		case argFormID:
			if msg.FormID = getStringArg(args, arg); msg.FormID == "" {
				return nil, fmt.Errorf("%s is required", arg)
			}
		case argStrategies:
			strategies, err := getStrategiesArg(args)
			if err != nil {
				return nil, err
			}
			msg.Strategies = strategies
		}
	}
	return sendMessage(ctx, t.sessions, sessionID, msg)
}

func sendMessage(ctx context.Context, sessions *browser.SessionManager, sessionID string, msg protocol.Message) (interface{}, error) {
	agent, err := sessions.Agent(sessionID)
	if err != nil {
		return nil, err
	}
	resp := agent.Handle(ctx, msg)
	sessions.Touch(sessionID)
	return resp, nil
}

func newContractTools(sessions *browser.SessionManager) []Tool {
	return []Tool{
		&ContractTool{
			sessions: sessions,
			name:     "get-form-context",
			msgType:  protocol.GetFormContext,
			description: `Return every detected form and field on the page: {url, title, forms, timestamp}.

USE THIS FIRST on a session. Each field carries id, type, name, label, placeholder, value
(at detection time), required, pattern, options and boundingBox. Field ids stay valid until
the page structure changes; the model refreshes itself on DOM mutations.`,
		},
		&ContractTool{
			sessions: sessions,
			name:     "detect-forms",
			msgType:  protocol.DetectForms,
			description: `Force a full re-detection pass and return the forms. Normally unnecessary: the
detector rescans on structural DOM changes by itself.`,
		},
		&ContractTool{
			sessions: sessions,
			name:     "fill-fields",
			msgType:  protocol.FillFields,
			args:     []string{argStrategies},
			description: `Fill fields in order with a short pause between writes so page scripts can settle.

Checkboxes take "true", "1" or "yes"; radios take the value of the option to check; file
inputs always fail. Never stops on a failed item.

Returns: data {success, failed}, the counts of applied and failed strategies. They always
add up to the number of strategies sent; a cancelled batch counts the rest as failed.`,
		},
		&ContractTool{
			sessions:    sessions,
			name:        "clear-field",
			msgType:     protocol.ClearField,
			args:        []string{argFieldID},
			description: `Empty one field. success mirrors whether the field could be cleared.`,
		},
		&ContractTool{
			sessions:    sessions,
			name:        "clear-form",
			msgType:     protocol.ClearForm,
			args:        []string{argFormID},
			description: `Empty every field of one form. An unknown form id is a no-op.`,
		},
		&ContractTool{
			sessions:    sessions,
			name:        "focus-field",
			msgType:     protocol.FocusField,
			args:        []string{argFieldID},
			description: `Focus a field and scroll it into view. Best effort.`,
		},
		&ContractTool{
			sessions: sessions,
			name:     "validate-field",
			msgType:  protocol.ValidateField,
			args:     []string{argFieldID},
			description: `Check the live value of a field: required, pattern and email format, in that order.

Returns: {valid, error} in data with the first failure only.`,
		},
		&ContractTool{
			sessions:    sessions,
			name:        "read-all-fields",
			msgType:     protocol.ReadAllFields,
			description: `Read the live value of every field: {fieldId: value}. Checkboxes read "true"/"false"; radios read their value when checked.`,
		},
		&ContractTool{
			sessions:    sessions,
			name:        "highlight-field",
			msgType:     protocol.HighlightField,
			args:        []string{argFieldID},
			description: `Outline a field briefly so a person watching the page can see it.`,
		},
	}
}

// FormRequestTool forwards a raw contract message.
type FormRequestTool struct {
	sessions *browser.SessionManager
}

func (t *FormRequestTool) Name() string { return "form-request" }
func (t *FormRequestTool) Description() string {
	return `Send a raw contract message to a session, as the chat and popup clients do.

message: {type, id?, strategies?, fieldId?, formId?} where type is one of
GET_FORM_CONTEXT, FILL_FIELDS, CLEAR_FIELD, CLEAR_FORM, FOCUS_FIELD, VALIDATE_FIELD,
READ_ALL_FIELDS, HIGHLIGHT_FIELD, DETECT_FORMS.

Returns the contract response {id, success, data?, error?}. Unknown types yield
"Unknown message type".`
}
func (t *FormRequestTool) InputSchema() map[string]interface{} {
	types := make([]string, len(protocol.Types))
	for i, mt := range protocol.Types {
		types[i] = string(mt)
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionProperty("Session holding the page"),
			"message": map[string]interface{}{
				"type":        "object",
				"description": "Contract message",
				"properties": map[string]interface{}{
					"type":       map[string]interface{}{"type": "string", "enum": types},
					"id":         map[string]interface{}{"type": "string"},
					"fieldId":    map[string]interface{}{"type": "string"},
					"formId":     map[string]interface{}{"type": "string"},
					"strategies": map[string]interface{}{"type": "array"},
				},
				"required": []string{"type"},
			},
		},
		"required": []string{"session_id", "message"},
	}
}
func (t *FormRequestTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	var msg protocol.Message
	if err := decodeArg(args, "message", &msg); err != nil {
		return nil, err
	}
	return sendMessage(ctx, t.sessions, sessionID, msg)
}
