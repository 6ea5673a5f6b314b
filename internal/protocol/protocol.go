// Package protocol is the request/response contract callers use to drive one page agent.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"formnerd-mcp-server/internal/form"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageType names a contract operation.
type MessageType string

const (
	GetFormContext MessageType = "GET_FORM_CONTEXT"
	FillFields     MessageType = "FILL_FIELDS"
	ClearField     MessageType = "CLEAR_FIELD"
	ClearForm      MessageType = "CLEAR_FORM"
	FocusField     MessageType = "FOCUS_FIELD"
	ValidateField  MessageType = "VALIDATE_FIELD"
	ReadAllFields  MessageType = "READ_ALL_FIELDS"
	HighlightField MessageType = "HIGHLIGHT_FIELD"
	DetectForms    MessageType = "DETECT_FORMS"
)

// Types lists every message type the handler understands.
var Types = []MessageType{
	GetFormContext, FillFields, ClearField, ClearForm, FocusField,
	ValidateField, ReadAllFields, HighlightField, DetectForms,
}

const errUnknownType = "Unknown message type"

// Message is one request. Payload fields are used according to Type.
type Message struct {
	Type       MessageType         `json:"type"`
	ID         string              `json:"id,omitempty"`
	Strategies []form.FillStrategy `json:"strategies,omitempty"`
	FieldID    string              `json:"fieldId,omitempty"`
	FormID     string              `json:"formId,omitempty"`
}

// Response answers a Message and echoes its id.
type Response struct {
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Detector is the read side of a page agent.
type Detector interface {
	Context() form.Context
	DetectForms() ([]form.Form, error)
}

// Manipulator is the write side of a page agent.
type Manipulator interface {
	FillFields(ctx context.Context, strategies []form.FillStrategy) form.FillResult
	ClearField(fieldID string) bool
	ClearForm(formID string)
	FocusField(fieldID string)
	ValidateField(fieldID string) form.ValidationResult
	ReadAllFields() map[string]string
	HighlightField(fieldID string) bool
}

// Tracer observes every exchange. Recorder implementations must not block for long.
type Tracer interface {
	Trace(msg Message, resp Response, took time.Duration)
}

// TracerFunc adapts a function to Tracer.
type TracerFunc func(msg Message, resp Response, took time.Duration)

func (f TracerFunc) Trace(msg Message, resp Response, took time.Duration) { f(msg, resp, took) }

// Handler dispatches messages to one page's detector and manipulator.
type Handler struct {
	detector    Detector
	manipulator Manipulator
	logger      *zap.Logger
	tracers     []Tracer
	onValidate  func(fieldID string, res form.ValidationResult)
}

// Option configures a Handler.
type Option func(*Handler)

// WithTracer adds an exchange observer.
func WithTracer(t Tracer) Option {
	return func(h *Handler) {
		if t != nil {
			h.tracers = append(h.tracers, t)
		}
	}
}

// WithValidationHook observes every VALIDATE_FIELD outcome.
func WithValidationHook(fn func(fieldID string, res form.ValidationResult)) Option {
	return func(h *Handler) { h.onValidate = fn }
}

// NewHandler builds a Handler.
func NewHandler(d Detector, m Manipulator, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{detector: d, manipulator: m, logger: logger.Named("protocol")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle answers one message. It never panics; failures come back as
// {success:false, error}.
func (h *Handler) Handle(ctx context.Context, msg Message) (resp Response) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("handler panic", zap.String("type", string(msg.Type)), zap.Any("panic", r))
			resp = failure(msg.ID, fmt.Sprint(r))
		}
		h.logger.Debug("handled",
			zap.String("id", msg.ID),
			zap.String("type", string(msg.Type)),
			zap.Bool("success", resp.Success),
			zap.Duration("took", time.Since(start)))
		for _, t := range h.tracers {
			t.Trace(msg, resp, time.Since(start))
		}
	}()

	return h.dispatch(ctx, msg)
}

func (h *Handler) dispatch(ctx context.Context, msg Message) Response {
	id := msg.ID
	switch msg.Type {
	case GetFormContext:
		return success(id, h.detector.Context())

	case DetectForms:
		forms, err := h.detector.DetectForms()
		if err != nil {
			return failure(id, err.Error())
		}
		return success(id, forms)

	case FillFields:
		return success(id, h.manipulator.FillFields(ctx, msg.Strategies))

	case ClearField:
		ok := h.manipulator.ClearField(msg.FieldID)
		return Response{ID: id, Success: ok, Data: ok}

	case ClearForm:
		h.manipulator.ClearForm(msg.FormID)
		return Response{ID: id, Success: true}

	case FocusField:
		h.manipulator.FocusField(msg.FieldID)
		return Response{ID: id, Success: true}

	case ValidateField:
		res := h.manipulator.ValidateField(msg.FieldID)
		if h.onValidate != nil {
			h.onValidate(msg.FieldID, res)
		}
		return success(id, res)

	case ReadAllFields:
		return success(id, h.manipulator.ReadAllFields())

	case HighlightField:
		ok := h.manipulator.HighlightField(msg.FieldID)
		return Response{ID: id, Success: ok, Data: ok}

	default:
		return failure(id, errUnknownType)
	}
}

func success(id string, data interface{}) Response {
	return Response{ID: id, Success: true, Data: data}
}

func failure(id, msg string) Response {
	return Response{ID: id, Success: false, Error: msg}
}

// Decode reads one message.
func Decode(r io.Reader) (Message, error) {
	var msg Message
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// DecodeBytes parses one message from raw JSON.
func DecodeBytes(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// Encode writes one response followed by a newline.
func Encode(w io.Writer, resp Response) error {
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
