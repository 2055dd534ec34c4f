// Package store buffers capture records per session and persists them as
// JSONL, with on-demand export to json, jsonl, or csv.
package store

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/netlens/internal/capture"
)

// DefaultMaxCaptures bounds the per-session ring buffer.
const DefaultMaxCaptures = 1000

var (
	// ErrUnknownSession is returned for reads or exports against a session
	// id the store has no buffer for.
	ErrUnknownSession = errors.New("unknown session")
	// ErrBadFormat is returned for an unsupported export format.
	ErrBadFormat = errors.New("unsupported export format")
)

// Options configures a Store.
type Options struct {
	MaxCaptures   int  // ring capacity per session; DefaultMaxCaptures when 0
	Streaming     bool // append each record to a per-hook JSONL file
	BufferSize    int  // async writer queue depth
	MaxFileSizeMB int  // rotation threshold for JSONL files
}

type writerKey struct {
	alias   string
	hook    string
	session string
}

type sessionBuf struct {
	alias   string
	records []capture.Record
	total   int64
}

// Store holds one bounded ring buffer per session plus the streaming JSONL
// writers. Sessions must be registered before records are appended.
type Store struct {
	dir  string
	opts Options

	mu       sync.RWMutex
	sessions map[string]*sessionBuf
	writers  map[writerKey]*JSONLWriter
}

func New(dir string, opts Options) *Store {
	if opts.MaxCaptures <= 0 {
		opts.MaxCaptures = DefaultMaxCaptures
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.MaxFileSizeMB <= 0 {
		opts.MaxFileSizeMB = 200
	}
	return &Store{
		dir:      dir,
		opts:     opts,
		sessions: make(map[string]*sessionBuf),
		writers:  make(map[writerKey]*JSONLWriter),
	}
}

// RegisterSession creates the buffer for a session. The alias is assumed to
// be already sanitized for filenames.
func (s *Store) RegisterSession(sessionID, profileAlias string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; ok {
		return
	}
	s.sessions[sessionID] = &sessionBuf{alias: profileAlias}
}

// Append stores a record in the session's ring buffer, evicting the oldest
// record once at capacity, and streams it to the hook's JSONL file.
func (s *Store) Append(sessionID string, rec capture.Record) error {
	s.mu.Lock()
	buf, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("store: session %s: %w", sessionID, ErrUnknownSession)
	}
	if len(buf.records) >= s.opts.MaxCaptures {
		buf.records = buf.records[1:]
	}
	buf.records = append(buf.records, rec)
	buf.total++

	var w *JSONLWriter
	if s.opts.Streaming && rec.HookName != "" {
		w = s.writerLocked(writerKey{alias: buf.alias, hook: rec.HookName, session: sessionID})
	}
	s.mu.Unlock()

	if w != nil {
		if err := w.Write(rec); err != nil {
			slog.Debug("jsonl append dropped", "session_id", sessionID, "hook", rec.HookName, "error", err)
		}
	}
	return nil
}

func (s *Store) writerLocked(key writerKey) *JSONLWriter {
	if w, ok := s.writers[key]; ok {
		return w
	}
	filename := fmt.Sprintf("%s-%s-%s.jsonl", key.alias, SanitizeAlias(key.hook), key.session)
	w := NewJSONLWriter(filepath.Join(s.dir, filename), s.opts.BufferSize, s.opts.MaxFileSizeMB)
	s.writers[key] = w
	slog.Info("opened capture log", "file", filename)
	return w
}

// Get returns a snapshot of the session's buffer, oldest first. Callers must
// not mutate the returned records.
func (s *Store) Get(sessionID string) ([]capture.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	out := make([]capture.Record, len(buf.records))
	copy(out, buf.records)
	return out, true
}

// Alias returns the profile alias recorded for a session.
func (s *Store) Alias(sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	return buf.alias, true
}

// DropSession discards the buffer and closes the session's writers.
func (s *Store) DropSession(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	var closing []*JSONLWriter
	for key, w := range s.writers {
		if key.session == sessionID {
			closing = append(closing, w)
			delete(s.writers, key)
		}
	}
	s.mu.Unlock()

	for _, w := range closing {
		if err := w.Close(); err != nil {
			slog.Debug("capture log close failed", "session_id", sessionID, "error", err)
		}
	}
}

// TotalCaptured sums every session's lifetime record count.
func (s *Store) TotalCaptured() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, buf := range s.sessions {
		total += buf.total
	}
	return total
}

// SessionCounts returns the lifetime record count per session.
func (s *Store) SessionCounts() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.sessions))
	for id, buf := range s.sessions {
		out[id] = buf.total
	}
	return out
}

// Close flushes and closes every streaming writer.
func (s *Store) Close() error {
	s.mu.Lock()
	writers := make([]*JSONLWriter, 0, len(s.writers))
	for key, w := range s.writers {
		writers = append(writers, w)
		delete(s.writers, key)
	}
	s.mu.Unlock()

	var lastErr error
	for _, w := range writers {
		if err := w.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Export formats. "json" is a pretty-printed array, "jsonl" one record per
// line, "csv" a fixed-column table.
const (
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

// Export serializes the session's full buffer to path. An empty path picks
// `<alias>-export-<sessionID>-<timestamp>.<ext>` under the data directory.
// Returns the path written. A failed export leaves the buffer untouched.
func (s *Store) Export(sessionID, format, path string) (string, error) {
	records, ok := s.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("store: session %s: %w", sessionID, ErrUnknownSession)
	}
	alias, _ := s.Alias(sessionID)

	switch format {
	case FormatJSON, FormatJSONL, FormatCSV:
	default:
		return "", fmt.Errorf("store: format %q: %w", format, ErrBadFormat)
	}

	if path == "" {
		stamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")
		path = filepath.Join(s.dir, fmt.Sprintf("%s-export-%s-%s.%s", alias, sessionID, stamp, format))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("store: export mkdir: %w", err)
		}
	}

	data, err := encodeExport(records, format)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("store: export write: %w", err)
	}

	slog.Info("exported session", "session_id", sessionID, "format", format, "records", len(records), "path", path)
	return path, nil
}

func encodeExport(records []capture.Record, format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("store: export marshal: %w", err)
		}
		return data, nil
	case FormatJSONL:
		var b strings.Builder
		for _, rec := range records {
			line, err := json.Marshal(rec)
			if err != nil {
				return nil, fmt.Errorf("store: export marshal: %w", err)
			}
			b.Write(line)
			b.WriteByte('\n')
		}
		return []byte(b.String()), nil
	case FormatCSV:
		var b strings.Builder
		w := csv.NewWriter(&b)
		if err := w.Write([]string{"timestamp", "type", "hook_name", "url", "method", "status", "headers"}); err != nil {
			return nil, fmt.Errorf("store: export csv: %w", err)
		}
		for _, rec := range records {
			headers := "{}"
			if len(rec.Headers) > 0 {
				hdr, err := json.Marshal(rec.Headers)
				if err == nil {
					headers = string(hdr)
				}
			}
			status := ""
			if rec.Status != 0 {
				status = strconv.Itoa(rec.Status)
			}
			row := []string{
				rec.Timestamp.UTC().Format(time.RFC3339Nano),
				rec.Type,
				rec.HookName,
				rec.URL,
				rec.Method,
				status,
				headers,
			}
			if err := w.Write(row); err != nil {
				return nil, fmt.Errorf("store: export csv: %w", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, fmt.Errorf("store: export csv: %w", err)
		}
		return []byte(b.String()), nil
	}
	return nil, fmt.Errorf("store: unsupported export format %q", format)
}
