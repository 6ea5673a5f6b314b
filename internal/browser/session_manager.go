package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"formnerd-mcp-server/internal/config"
	"formnerd-mcp-server/internal/dom/htmldom"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Session statuses.
const (
	StatusActive   = "active"
	StatusAttached = "attached"
	StatusStatic   = "static"
	StatusDetached = "detached"
)

var (
	// ErrNotConnected is returned by browser operations before Start.
	ErrNotConnected = errors.New("browser not connected")
	// ErrUnknownSession is returned for ids the manager does not track.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionInactive is returned for sessions restored from disk but not re-attached.
	ErrSessionInactive = errors.New("session has no live page; use attach-session")
)

// Session describes the public metadata for a tracked page.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta   Session
	page   *rod.Page
	agent  *Agent
	cancel context.CancelFunc
}

// SessionManager owns the Chrome connection and one Agent per tracked page.
type SessionManager struct {
	cfg    config.BrowserConfig
	deps   AgentDeps
	logger *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord
	controlURL string
}

// NewSessionManager builds a manager. Agents it creates share deps.
func NewSessionManager(cfg config.BrowserConfig, deps AgentDeps) *SessionManager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &SessionManager{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.Named("session"),
		sessions: make(map[string]*sessionRecord),
	}
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser != nil {
		if _, err := browser.Version(); err == nil {
			return nil
		}
		m.logger.Warn("stale browser connection detected, reconnecting")
		_ = browser.Close()
		m.mu.Lock()
		m.browser = nil
		m.controlURL = ""
		m.closeAllLocked()
		m.mu.Unlock()
	}

	if err := m.loadSessions(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		url, err := m.launch()
		if err != nil {
			return err
		}
		controlURL = url
	}
	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.mu.Lock()
	m.browser = b
	m.controlURL = controlURL
	m.mu.Unlock()
	m.logger.Info("browser connected", zap.String("control_url", controlURL))
	return nil
}

func (m *SessionManager) launch() (string, error) {
	bin := m.cfg.Launch[0]
	l := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
	for _, rawFlag := range m.cfg.Launch[1:] {
		name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	url, err := l.Launch()
	if err == nil {
		return url, nil
	}
	// Let Rod pick the port and defaults.
	alt, altErr := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless()).Launch()
	if altErr != nil {
		return "", fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
	}
	return alt, nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes every agent and page concurrently, then the browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	records := make([]*sessionRecord, 0, len(m.sessions))
	for id, rec := range m.sessions {
		records = append(records, rec)
		delete(m.sessions, id)
	}
	browser := m.browser
	m.browser = nil
	m.controlURL = ""
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			rec.close()
			return nil
		})
	}
	_ = g.Wait()

	var err error
	if browser != nil {
		err = browser.Close()
	}
	m.logger.Info("browser shutdown complete", zap.Int("sessions", len(records)))
	return err
}

func (rec *sessionRecord) close() {
	if rec.agent != nil {
		rec.agent.Close()
	}
	if rec.cancel != nil {
		rec.cancel()
	}
	if rec.page != nil {
		_ = rec.page.Close()
	}
}

func (m *SessionManager) closeAllLocked() {
	for id, rec := range m.sessions {
		rec.close()
		delete(m.sessions, id)
	}
}

// List returns metadata for all known sessions, oldest first.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		results = append(results, rec.meta)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results
}

// CreateSession opens a new page in an incognito context, loads url and starts an agent
// on it.
func (m *SessionManager) CreateSession(ctx context.Context, url string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, ErrNotConnected
	}
	if url == "" {
		url = "about:blank"
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		m.logger.Warn("failed to set viewport", zap.Error(err))
	}

	if err := page.Timeout(m.cfg.NavigationTimeout()).WaitLoad(); err != nil {
		m.logger.Warn("page load incomplete", zap.String("url", url), zap.Error(err))
	}

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		URL:        url,
		Status:     StatusActive,
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}
	tracked, err := m.track(meta, page)
	if err != nil {
		_ = page.Close()
		return nil, err
	}
	return &tracked, nil
}

// Attach binds to an existing target by TargetID. A session restored from disk with the
// same target keeps its id.
func (m *SessionManager) Attach(ctx context.Context, targetID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, ErrNotConnected
	}

	page, err := browser.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   targetID,
		Status:     StatusAttached,
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}
	m.mu.Lock()
	for id, rec := range m.sessions {
		if rec.meta.TargetID == targetID && rec.page == nil {
			meta.ID = id
			meta.CreatedAt = rec.meta.CreatedAt
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	tracked, err := m.track(meta, page)
	if err != nil {
		return nil, err
	}
	return &tracked, nil
}

// CreateStaticSession tracks a document parsed from markup. It needs no browser; fills
// change the in-memory document only.
func (m *SessionManager) CreateStaticSession(ctx context.Context, markup, url string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := []htmldom.Option{}
	if url != "" {
		opts = append(opts, htmldom.WithURL(url))
	}
	doc, err := htmldom.ParseString(markup, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	meta := Session{
		ID:         uuid.NewString(),
		URL:        doc.URL(),
		Title:      doc.Title(),
		Status:     StatusStatic,
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}
	agentCtx, cancel := context.WithCancel(context.Background())
	agent, err := NewAgent(agentCtx, meta.ID, doc, m.deps)
	if err != nil {
		cancel()
		doc.Close()
		return nil, fmt.Errorf("start agent: %w", err)
	}

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{
		meta:  meta,
		agent: agent,
		cancel: func() {
			cancel()
			doc.Close()
		},
	}
	m.mu.Unlock()
	m.logger.Info("static session created", zap.String("session", meta.ID), zap.Int("fields", agent.Context().FieldCount()))
	return &meta, nil
}

// track starts an agent on page and registers the session.
func (m *SessionManager) track(meta Session, page *rod.Page) (Session, error) {
	// Agents live until the session closes, not until the request that created them ends.
	sessCtx, cancel := context.WithCancel(context.Background())
	doc := NewPageDocument(sessCtx, page, PageDocumentOptions{
		Timeout:      m.cfg.ElementTimeout(),
		PollInterval: m.cfg.PollInterval(),
		Logger:       m.deps.Logger.With(zap.String("session", meta.ID)),
	})
	agent, err := NewAgent(sessCtx, meta.ID, doc, m.deps)
	if err != nil {
		cancel()
		return Session{}, fmt.Errorf("start agent: %w", err)
	}
	meta.Title = doc.Title()
	if u := doc.URL(); u != "" {
		meta.URL = u
	}

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page, agent: agent, cancel: cancel}
	m.mu.Unlock()

	m.followNavigation(sessCtx, meta.ID, page)
	if err := m.persistSessions(); err != nil {
		m.logger.Warn("persist sessions failed", zap.Error(err))
	}
	m.logger.Info("session tracked",
		zap.String("session", meta.ID),
		zap.String("status", meta.Status),
		zap.Int("fields", agent.Context().FieldCount()))
	return meta, nil
}

// followNavigation keeps session metadata in step with the main frame. The agent's watch
// picks up the new document by itself.
func (m *SessionManager) followNavigation(ctx context.Context, sessionID string, page *rod.Page) {
	wait := page.Context(ctx).EachEvent(func(ev *proto.PageFrameNavigated) {
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		m.logger.Debug("navigated", zap.String("session", sessionID), zap.String("url", ev.Frame.URL))
		m.UpdateMetadata(sessionID, func(s Session) Session {
			s.URL = ev.Frame.URL
			s.LastActive = time.Now()
			return s
		})
	})
	go wait()
}

// CloseSession stops the agent and closes the page.
func (m *SessionManager) CloseSession(sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	rec.close()
	if err := m.persistSessions(); err != nil {
		m.logger.Warn("persist sessions failed", zap.Error(err))
	}
	return nil
}

// Agent returns the live agent of a session.
func (m *SessionManager) Agent(sessionID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if rec.agent == nil {
		return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionInactive)
	}
	return rec.agent, nil
}

// Page returns the underlying Rod page for a session when present.
func (m *SessionManager) Page(sessionID string) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.page == nil {
		return nil, false
	}
	return rec.page, true
}

// Touch marks a session as used now.
func (m *SessionManager) Touch(sessionID string) {
	m.UpdateMetadata(sessionID, func(s Session) Session {
		s.LastActive = time.Now()
		return s
	})
}

// UpdateMetadata allows callers to refresh metadata (e.g., URL/title after navigation).
func (m *SessionManager) UpdateMetadata(sessionID string, updater func(Session) Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.meta = updater(rec.meta)
}

// GetSession returns the current session metadata when available.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// persistSessions writes browser session metadata to disk for continuity across restarts.
// Static sessions are not persisted.
func (m *SessionManager) persistSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	m.mu.RLock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		if rec.meta.Status == StatusStatic {
			continue
		}
		sessions = append(sessions, rec.meta)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.SessionStore), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SessionStore, data, 0o644)
}

// loadSessions loads persisted metadata (does not auto-attach to pages).
func (m *SessionManager) loadSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	data, err := os.ReadFile(m.cfg.SessionStore)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var sessions []Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		if _, live := m.sessions[s.ID]; live {
			continue
		}
		// A caller can use attach-session to bind to a live target.
		s.Status = StatusDetached
		m.sessions[s.ID] = &sessionRecord{meta: s}
	}
	return nil
}
