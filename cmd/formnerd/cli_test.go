package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"formnerd-mcp-server/internal/config"
	"formnerd-mcp-server/internal/form"

	"go.uber.org/zap"
)

const signupPage = `<html><head><title>Signup</title></head><body>
<form id="signup" action="/join" method="post">
  <label for="user">Username</label><input id="user" name="user" required>
  <input id="mail" name="mail" type="email" placeholder="you@example.com">
  <input type="submit" value="Join">
</form>
</body></html>`

func testForms() config.FormsConfig {
	return config.FormsConfig{FillPause: "0s", HighlightHold: "1ms"}
}

func writePage(t *testing.T, dir, markup string) string {
	t.Helper()
	path := filepath.Join(dir, "page.html")
	if err := os.WriteFile(path, []byte(markup), 0o644); err != nil {
		t.Fatalf("write page: %v", err)
	}
	return path
}

// syncBuffer guards a bytes.Buffer shared with the watch goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDetectFile(t *testing.T) {
	path := writePage(t, t.TempDir(), signupPage)

	t.Run("default url", func(t *testing.T) {
		fc, err := detectFile(context.Background(), path, "", testForms(), zap.NewNop())
		if err != nil {
			t.Fatalf("detectFile failed: %v", err)
		}
		if !strings.HasPrefix(fc.URL, "file://") {
			t.Errorf("URL = %q, want file:// prefix", fc.URL)
		}
		if fc.Title != "Signup" {
			t.Errorf("Title = %q", fc.Title)
		}
		if len(fc.Forms) != 1 || len(fc.Forms[0].Fields) != 2 {
			t.Fatalf("unexpected forms: %+v", fc.Forms)
		}
		user := fc.Forms[0].Fields[0]
		if user.Label == nil || *user.Label != "Username" || !user.Required {
			t.Errorf("unexpected user field: %+v", user)
		}
		if fc.Forms[0].Fields[1].Kind != form.KindEmail {
			t.Errorf("mail kind = %q", fc.Forms[0].Fields[1].Kind)
		}
	})

	t.Run("explicit url", func(t *testing.T) {
		fc, err := detectFile(context.Background(), path, "https://example.test/join", testForms(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if fc.URL != "https://example.test/join" {
			t.Errorf("URL = %q", fc.URL)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := detectFile(context.Background(), filepath.Join(t.TempDir(), "absent.html"), "", testForms(), nil); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestWriteContext(t *testing.T) {
	fc := form.NewContext("https://example.test", "T", nil)

	var out bytes.Buffer
	if err := writeContext(&out, fc, false); err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if forms, ok := decoded["forms"].([]interface{}); !ok || len(forms) != 0 {
		t.Errorf("forms = %v, want empty array", decoded["forms"])
	}
	if strings.Count(out.String(), "\n") != 1 {
		t.Errorf("compact output spans lines: %q", out.String())
	}
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := writePage(t, dir, signupPage)

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- watchFile(ctx, path, "", testForms(), 20*time.Millisecond, out, zap.NewNop())
	}()

	waitFor := func(substr string) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if strings.Contains(out.String(), substr) {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for %q; output:\n%s", substr, out.String())
	}

	waitFor("pass 1: 1 forms, 2 fields")
	waitFor("form-0: 2 fields, 1 required")

	// Unrelated files in the directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	grown := strings.Replace(signupPage, "</body>", `<input name="coupon"></body>`, 1)
	if err := os.WriteFile(path, []byte(grown), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor("2 forms, 3 fields")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watchFile returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchFile did not stop after cancel")
	}
}

func TestInitCommand(t *testing.T) {
	root := t.TempDir()
	var out bytes.Buffer
	initCmd.SetOut(&out)
	defer initCmd.SetOut(nil)

	if err := initCmd.RunE(initCmd, []string{root}); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, config.WorkspaceDirName, config.WorkspaceConfigFile)); err != nil {
		t.Errorf("config template missing: %v", err)
	}
	if !strings.Contains(out.String(), config.WorkspaceDirName) {
		t.Errorf("unexpected output: %q", out.String())
	}
	if err := initCmd.RunE(initCmd, []string{root}); err == nil {
		t.Error("expected error when the workspace already exists")
	}
}
