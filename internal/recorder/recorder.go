// Package recorder writes a JSONL flight record of contract exchanges, one file per
// session, keeping only the newest traces on disk.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxFiles = 3
	DefaultDir      = "data/traces"
)

// Entry is one line of a trace file.
type Entry struct {
	Timestamp time.Time   `json:"ts"`
	SessionID string      `json:"session_id"`
	Type      string      `json:"type"`
	Request   interface{} `json:"request,omitempty"`
	Response  interface{} `json:"response,omitempty"`
	TookMS    float64     `json:"took_ms"`
}

type trace struct {
	file    *os.File
	encoder *json.Encoder
	path    string
}

// Recorder owns the open trace files.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	maxFiles int
	traces   map[string]*trace
	logger   *zap.Logger
}

// New creates the trace directory. maxFiles <= 0 means DefaultMaxFiles.
func New(dir string, maxFiles int, logger *zap.Logger) (*Recorder, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &Recorder{
		dir:      dir,
		maxFiles: maxFiles,
		traces:   make(map[string]*trace),
		logger:   logger.Named("recorder"),
	}, nil
}

// Open starts a new trace file for a session, closing any previous one. Old files beyond
// the retention limit are removed first.
func (r *Recorder) Open(sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLocked(sessionID)

	if err := r.rotate(); err != nil {
		return "", fmt.Errorf("rotate traces: %w", err)
	}

	path := filepath.Join(r.dir, fmt.Sprintf("trace_%s_%d.jsonl", sessionID, time.Now().UnixMilli()))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create trace: %w", err)
	}
	r.traces[sessionID] = &trace{file: f, encoder: json.NewEncoder(f), path: path}
	return path, nil
}

// Record appends one exchange to the session's trace, opening it on first use.
func (r *Recorder) Record(sessionID, kind string, req, resp interface{}, took time.Duration) {
	r.mu.Lock()
	t, ok := r.traces[sessionID]
	r.mu.Unlock()
	if !ok {
		if _, err := r.Open(sessionID); err != nil {
			r.logger.Warn("trace unavailable", zap.String("session", sessionID), zap.Error(err))
			return
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok = r.traces[sessionID]
	if !ok {
		return
	}
	entry := Entry{
		Timestamp: time.Now(),
		SessionID: sessionID,
		Type:      kind,
		Request:   req,
		Response:  resp,
		TookMS:    float64(took.Microseconds()) / 1000,
	}
	if err := t.encoder.Encode(entry); err != nil {
		r.logger.Warn("trace write failed", zap.String("path", t.path), zap.Error(err))
	}
}

// Path returns the open trace file of a session.
func (r *Recorder) Path(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.traces[sessionID]
	if !ok {
		return "", false
	}
	return t.path, true
}

// CloseSession finishes a session's trace. Unknown sessions are ignored.
func (r *Recorder) CloseSession(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked(sessionID)
}

func (r *Recorder) closeLocked(sessionID string) error {
	t, ok := r.traces[sessionID]
	if !ok {
		return nil
	}
	delete(r.traces, sessionID)
	return t.file.Close()
}

// Close finishes every open trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for id := range r.traces {
		if err := r.closeLocked(id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// rotate keeps the newest maxFiles-1 closed traces, making room for a new one. Open
// traces are never removed.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}

	open := make(map[string]bool, len(r.traces))
	for _, t := range r.traces {
		open[filepath.Base(t.path)] = true
	}

	type traceFile struct {
		name string
		mod  time.Time
	}
	var files []traceFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" || open[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, traceFile{e.Name(), info.ModTime()})
	}

	// Newest first
	sort.Slice(files, func(i, j int) bool {
		return files[i].mod.After(files[j].mod)
	})

	keep := r.maxFiles - 1 - len(open)
	if keep < 0 {
		keep = 0
	}
	for i := keep; i < len(files); i++ {
		path := filepath.Join(r.dir, files[i].name)
		if err := os.Remove(path); err != nil {
			r.logger.Debug("remove old trace", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}
