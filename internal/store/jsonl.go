package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// JSONLWriter appends JSON lines to a single file asynchronously. Writes
// never block the capture path; when the queue is full the record is dropped
// with a warning. Rotation is handled by lumberjack once the file crosses
// the size threshold.
type JSONLWriter struct {
	path    string
	writeCh chan any
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	logger *lumberjack.Logger
}

func NewJSONLWriter(path string, bufferSize, maxSizeMB int) *JSONLWriter {
	w := &JSONLWriter{
		path:    path,
		writeCh: make(chan any, bufferSize),
		done:    make(chan struct{}),
		logger: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: 20,
			MaxAge:     30,
			LocalTime:  false,
		},
	}

	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Write queues a record for appending.
func (w *JSONLWriter) Write(record any) error {
	select {
	case w.writeCh <- record:
		return nil
	case <-w.done:
		return fmt.Errorf("store: writer closed")
	default:
		slog.Warn("jsonl write buffer full, dropping record", "file", w.path)
		return fmt.Errorf("store: buffer full")
	}
}

// Close drains queued records and closes the underlying file.
func (w *JSONLWriter) Close() error {
	close(w.done)

	timeout := time.After(5 * time.Second)
drain:
	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-timeout:
			slog.Warn("jsonl writer close timeout, records may be lost", "file", w.path)
			break drain
		default:
			break drain
		}
	}

	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.logger.Close()
}

func (w *JSONLWriter) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-w.done:
			return
		}
	}
}

func (w *JSONLWriter) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("failed to marshal record", "file", w.path, "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		slog.Error("failed to create capture directory", "dir", filepath.Dir(w.path), "error", err)
		return
	}
	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("failed to write record", "file", w.path, "error", err)
	}
}
