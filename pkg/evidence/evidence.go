package evidence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Record is one line of a request's evidence log.
type Record struct {
	EventID   string         `json:"event_id"`
	RequestID string         `json:"request_id"`
	UserID    string         `json:"user_id"`
	Kind      string         `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Writer appends evidence records to per-request JSON-lines files under
// baseDir/<request>/events.jsonl.
type Writer struct {
	baseDir string
	mu      sync.Mutex
}

// NewWriter creates a new evidence writer rooted at baseDir.
func NewWriter(baseDir string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, err
	}
	return &Writer{baseDir: baseDir}, nil
}

// BaseDir returns the root directory.
func (w *Writer) BaseDir() string {
	return w.baseDir
}

// RequestDir returns the directory holding a request's evidence.
func (w *Writer) RequestDir(requestID string) string {
	return filepath.Join(w.baseDir, sanitizeSegment(requestID))
}

// Append writes record as one JSON line.
func (w *Writer) Append(record Record) error {
	if record.RequestID == "" {
		return fmt.Errorf("request ID is required")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	dir := w.RequestDir(record.RequestID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read returns a request's records in write order.
func (w *Writer) Read(requestID string) ([]Record, error) {
	f, err := os.Open(filepath.Join(w.RequestDir(requestID), "events.jsonl"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		if len(strings.TrimSpace(scanner.Text())) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("parse evidence line: %w", err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// sanitizeSegment keeps a path segment to [a-z0-9_-].
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
