package browser

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"formnerd-mcp-server/internal/config"
	"formnerd-mcp-server/internal/protocol"

	"go.uber.org/goleak"
)

func newTestManager(t *testing.T, store string) *SessionManager {
	t.Helper()
	return NewSessionManager(config.BrowserConfig{SessionStore: store}, AgentDeps{Forms: testForms()})
}

func TestSessionManagerRequiresBrowser(t *testing.T) {
	m := newTestManager(t, "")
	ctx := context.Background()

	if m.IsConnected() {
		t.Fatal("expected manager to start disconnected")
	}
	if _, err := m.CreateSession(ctx, "about:blank"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CreateSession error = %v, want ErrNotConnected", err)
	}
	if _, err := m.Attach(ctx, "target"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Attach error = %v, want ErrNotConnected", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Error("expected Start to fail without debugger_url or launch")
	}
}

func TestStaticSessionLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t, "")
	ctx := context.Background()

	sess, err := m.CreateStaticSession(ctx, checkoutPage, "https://shop.test/checkout")
	if err != nil {
		t.Fatalf("CreateStaticSession failed: %v", err)
	}
	if sess.Status != StatusStatic {
		t.Errorf("status = %q, want %q", sess.Status, StatusStatic)
	}
	if sess.Title != "Checkout" || sess.URL != "https://shop.test/checkout" {
		t.Errorf("unexpected metadata: %+v", sess)
	}
	if _, ok := m.Page(sess.ID); ok {
		t.Error("static session should have no rod page")
	}

	agent, err := m.Agent(sess.ID)
	if err != nil {
		t.Fatalf("Agent failed: %v", err)
	}
	resp := agent.Handle(ctx, protocol.Message{Type: protocol.FillFields, ID: "1"})
	if !resp.Success {
		t.Errorf("empty fill should succeed: %+v", resp)
	}

	before, _ := m.GetSession(sess.ID)
	time.Sleep(2 * time.Millisecond)
	m.Touch(sess.ID)
	after, _ := m.GetSession(sess.ID)
	if !after.LastActive.After(before.LastActive) {
		t.Error("Touch did not advance LastActive")
	}

	if err := m.CloseSession(sess.ID); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	if _, err := m.Agent(sess.ID); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Agent after close error = %v, want ErrUnknownSession", err)
	}
	if err := m.CloseSession(sess.ID); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("second CloseSession error = %v", err)
	}
}

func TestStaticSessionDefaults(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t, "")
	sess, err := m.CreateStaticSession(context.Background(), "<p>no forms</p>", "")
	if err != nil {
		t.Fatal(err)
	}
	if sess.URL != "about:blank" {
		t.Errorf("URL = %q", sess.URL)
	}
	agent, err := m.Agent(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n := agent.Context().FieldCount(); n != 0 {
		t.Errorf("expected no fields, got %d", n)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(m.List()) != 0 {
		t.Error("Shutdown left sessions behind")
	}
}

func TestListOrdersByCreation(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t, "")
	ctx := context.Background()
	defer m.Shutdown(ctx)

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := m.CreateStaticSession(ctx, checkoutPage, "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, sess.ID)
		time.Sleep(time.Millisecond)
	}

	list := m.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	for i, s := range list {
		if s.ID != ids[i] {
			t.Errorf("list[%d] = %s, want %s", i, s.ID, ids[i])
		}
	}
}

func TestPersistAndLoadSessions(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := filepath.Join(t.TempDir(), "nested", "sessions.json")
	m := newTestManager(t, store)
	ctx := context.Background()
	defer m.Shutdown(ctx)

	// A browser session without a live page, and a static one that must not persist.
	m.sessions["live"] = &sessionRecord{meta: Session{ID: "live", TargetID: "T1", Status: StatusActive, CreatedAt: time.Now()}}
	if _, err := m.CreateStaticSession(ctx, checkoutPage, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.persistSessions(); err != nil {
		t.Fatalf("persistSessions failed: %v", err)
	}

	raw, err := os.ReadFile(store)
	if err != nil {
		t.Fatal(err)
	}
	var saved []Session
	if err := json.Unmarshal(raw, &saved); err != nil {
		t.Fatal(err)
	}
	if len(saved) != 1 || saved[0].ID != "live" {
		t.Fatalf("unexpected persisted sessions: %+v", saved)
	}

	restored := newTestManager(t, store)
	if err := restored.loadSessions(); err != nil {
		t.Fatalf("loadSessions failed: %v", err)
	}
	s, ok := restored.GetSession("live")
	if !ok {
		t.Fatal("session not restored")
	}
	if s.Status != StatusDetached || s.TargetID != "T1" {
		t.Errorf("unexpected restored session: %+v", s)
	}
	if _, err := restored.Agent("live"); !errors.Is(err, ErrSessionInactive) {
		t.Errorf("Agent on detached session error = %v", err)
	}
}

func TestLoadSessionsMissingOrCorrupt(t *testing.T) {
	dir := t.TempDir()

	m := newTestManager(t, filepath.Join(dir, "absent.json"))
	if err := m.loadSessions(); err != nil {
		t.Errorf("missing store should be ignored: %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	m = newTestManager(t, bad)
	if err := m.loadSessions(); err == nil {
		t.Error("expected error for corrupt store")
	}
}

func TestCreateStaticSessionCancelled(t *testing.T) {
	m := newTestManager(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.CreateStaticSession(ctx, checkoutPage, ""); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
