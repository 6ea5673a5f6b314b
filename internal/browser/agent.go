package browser

import (
	"context"
	"time"

	"formnerd-mcp-server/internal/config"
	"formnerd-mcp-server/internal/detector"
	"formnerd-mcp-server/internal/dom"
	"formnerd-mcp-server/internal/form"
	"formnerd-mcp-server/internal/mangle"
	"formnerd-mcp-server/internal/manipulator"
	"formnerd-mcp-server/internal/protocol"

	"go.uber.org/zap"
)

// EngineSink defines the minimal interface we need from the logic layer.
type EngineSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// TraceSink receives every contract exchange of a session.
type TraceSink interface {
	Record(sessionID, kind string, req, resp interface{}, took time.Duration)
	CloseSession(sessionID string) error
}

// AgentDeps are the collaborators shared by every agent of a manager.
type AgentDeps struct {
	Forms  config.FormsConfig
	Engine EngineSink
	Traces TraceSink
	Logger *zap.Logger
}

// Agent owns the detector, manipulator and contract handler of one document.
type Agent struct {
	sessionID   string
	doc         dom.Document
	detector    *detector.Detector
	manipulator *manipulator.Manipulator
	handler     *protocol.Handler
	deps        AgentDeps
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewAgent runs the first detection pass on doc and, when enabled, keeps the model fresh
// until Close or ctx ends.
func NewAgent(ctx context.Context, sessionID string, doc dom.Document, deps AgentDeps) (*Agent, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.With(zap.String("session", sessionID))
	ctx, cancel := context.WithCancel(ctx)

	a := &Agent{
		sessionID: sessionID,
		doc:       doc,
		deps:      deps,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	a.detector = detector.New(doc, logger)
	a.manipulator = manipulator.New(doc, a.detector, logger, manipulator.Options{
		Pause:            deps.Forms.Pause(),
		HighlightHold:    deps.Forms.HoldDuration(),
		DisableHighlight: !deps.Forms.HighlightEnabled(),
		OnFill:           a.recordFill,
	})

	opts := []protocol.Option{protocol.WithValidationHook(a.recordValidation)}
	if deps.Traces != nil {
		opts = append(opts, protocol.WithTracer(protocol.TracerFunc(a.trace)))
	}
	a.handler = protocol.NewHandler(a.detector, a.manipulator, logger, opts...)

	var err error
	if deps.Forms.WatchEnabled() {
		err = a.detector.Initialize(ctx, a.recordDetection)
	} else {
		_, err = a.detector.DetectForms()
	}
	if err != nil {
		cancel()
		a.detector.Destroy()
		return nil, err
	}
	a.recordDetection(a.detector.Forms())
	return a, nil
}

// SessionID returns the session the agent serves.
func (a *Agent) SessionID() string { return a.sessionID }

// Document returns the document the agent acts on.
func (a *Agent) Document() dom.Document { return a.doc }

// Handle answers one contract message.
func (a *Agent) Handle(ctx context.Context, msg protocol.Message) protocol.Response {
	return a.handler.Handle(ctx, msg)
}

// Context returns the current form snapshot without rescanning.
func (a *Agent) Context() form.Context {
	return a.detector.Context()
}

// Watching reports whether the structural watch is running.
func (a *Agent) Watching() bool { return a.detector.Watching() }

// Close stops the watch, waits for pending highlights and closes the trace.
func (a *Agent) Close() {
	a.cancel()
	a.detector.Destroy()
	a.manipulator.Wait()
	if a.deps.Traces != nil {
		if err := a.deps.Traces.CloseSession(a.sessionID); err != nil {
			a.logger.Debug("close trace failed", zap.Error(err))
		}
	}
}

func (a *Agent) addFacts(facts []mangle.Fact) {
	if a.deps.Engine == nil || len(facts) == 0 {
		return
	}
	// Facts outlive cancellation of the request that produced them.
	if err := a.deps.Engine.AddFacts(context.Background(), facts); err != nil {
		a.logger.Warn("fact journal rejected facts", zap.Int("facts", len(facts)), zap.Error(err))
	}
}

func (a *Agent) recordDetection(forms []form.Form) {
	a.addFacts(mangle.DetectionFacts(a.sessionID, forms))
}

func (a *Agent) recordFill(fieldID, value string, err error) {
	a.addFacts([]mangle.Fact{mangle.FillFact(a.sessionID, fieldID, value, err)})
}

func (a *Agent) recordValidation(fieldID string, res form.ValidationResult) {
	a.addFacts([]mangle.Fact{mangle.ValidationFact(a.sessionID, fieldID, res)})
}

func (a *Agent) trace(msg protocol.Message, resp protocol.Response, took time.Duration) {
	a.deps.Traces.Record(a.sessionID, string(msg.Type), msg, resp, took)
}
