package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecorderRotation(t *testing.T) {
	dir := t.TempDir()

	r, err := New(dir, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < 5; i++ {
		if _, err := r.Open("test"); err != nil {
			t.Fatal(err)
		}
		r.Record("test", "GET_FORM_CONTEXT", map[string]string{"id": "x"}, nil, time.Millisecond)
		time.Sleep(10 * time.Millisecond) // distinct mod times
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 files, got %d", len(entries))
	}
}

func TestRecorderKeepsOpenTraces(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	pathA, err := r.Open("a")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := r.Open("b"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := r.Open("c"); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(pathA); err != nil {
		t.Fatalf("open trace removed: %v", err)
	}
}

func TestRecorderRecord(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Record opens the trace lazily.
	r.Record("s1", "FILL_FIELDS", map[string]string{"fieldId": "form-0-field-0"}, map[string]bool{"success": true}, 1500*time.Microsecond)
	r.Record("s1", "READ_ALL_FIELDS", nil, nil, 0)

	path, ok := r.Path("s1")
	if !ok {
		t.Fatal("no open trace for s1")
	}
	if err := r.CloseSession("s1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Path("s1"); ok {
		t.Error("trace still open after CloseSession")
	}
	if err := r.CloseSession("unknown"); err != nil {
		t.Errorf("closing unknown session: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, `{"ts":`) {
			t.Errorf("unexpected line format: %s", line)
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatal(err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != "FILL_FIELDS" || entries[0].SessionID != "s1" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[0].TookMS != 1.5 {
		t.Errorf("took_ms = %v, want 1.5", entries[0].TookMS)
	}
	if entries[1].Request != nil {
		t.Errorf("expected empty request, got %v", entries[1].Request)
	}
}

func TestRecorderDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "traces")
	r, err := New(dir, -1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.maxFiles != DefaultMaxFiles {
		t.Errorf("maxFiles = %d", r.maxFiles)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("trace dir not created: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Error(err)
	}
}
