package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadDir scans dir for hook definition files (*.yaml, *.yml, *.json), each
// holding one hook config. Malformed files are logged and skipped; loading
// continues with the rest of the directory. Returns the number of hooks
// registered.
func LoadDir(reg *Registry, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("hook: read dir %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isHookFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		h, err := loadFile(path)
		if err != nil {
			slog.Warn("skipping hook file", "path", path, "error", err)
			continue
		}
		if err := reg.Register(h); err != nil {
			continue
		}
		loaded++
	}

	slog.Info("hook directory loaded", "dir", dir, "hooks", loaded)
	return loaded, nil
}

func isHookFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func loadFile(path string) (*Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Enabled defaults to true unless the file says otherwise.
	h := &Hook{Enabled: true}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, h)
	} else {
		err = yaml.Unmarshal(data, h)
	}
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return h, nil
}

// Watch reloads the hook directory whenever a definition file changes, so
// hook edits apply without a restart. Returns a stop function; a watcher
// setup failure disables hot reload but is not fatal to the caller.
func Watch(ctx context.Context, reg *Registry, dir string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("hook: watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("hook: watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		// Editors fire bursts of events per save; coalesce them.
		var pending <-chan time.Time
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isHookFile(ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					pending = time.After(250 * time.Millisecond)
				}
			case <-pending:
				pending = nil
				slog.Info("hook directory changed, reloading", "dir", dir)
				if _, err := LoadDir(reg, dir); err != nil {
					slog.Warn("hook reload failed", "dir", dir, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("hook watcher error", "error", err)
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	slog.Info("hook hot-reload enabled", "dir", dir)
	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
		if err := watcher.Close(); err != nil {
			slog.Debug("hook watcher close failed", "error", err)
		}
	}, nil
}
