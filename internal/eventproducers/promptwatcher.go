package eventproducers

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
	"github.com/google/uuid"

	"github.com/fred-drake/carapace/pkg/protocol"
)

// promptFile is the on-disk shape of a dropped-in CLI prompt (spec §6:
// "prompts/<uuid>.json, drop-in event envelopes").
type promptFile struct {
	Group  string `json:"group"`
	Prompt string `json:"prompt"`
}

// PromptWatcher polls a directory for dropped-in *.json prompt files,
// publishes each as a task.triggered event, and unlinks the file (spec
// §4.14 step 10). fsnotify drives the fast path; a 500ms poll loop is the
// fallback for filesystems fsnotify cannot watch.
type PromptWatcher struct {
	dir       string
	publisher Publisher
	logger    *slog.Logger
	interval  time.Duration
}

func NewPromptWatcher(dir string, publisher Publisher, logger *slog.Logger) *PromptWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptWatcher{dir: dir, publisher: publisher, logger: logger, interval: 500 * time.Millisecond}
}

// Run blocks, draining prompt files until ctx is cancelled.
func (w *PromptWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("eventproducers: prompt dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("prompt watcher: fsnotify unavailable, falling back to polling only", "error", err)
		watcher = nil
	} else {
		defer watcher.Close()
		if err := watcher.Add(w.dir); err != nil {
			w.logger.Warn("prompt watcher: could not watch directory, falling back to polling only", "error", err)
			watcher.Close()
			watcher = nil
		}
	}

	w.drain()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.drain()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.drain()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("prompt watcher: fsnotify error", "error", err)
		}
	}
}

// drain publishes and unlinks every *.json file currently in the directory.
func (w *PromptWatcher) drain() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("prompt watcher: read dir failed", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if err := w.publishOne(path); err != nil {
			w.logger.Warn("prompt watcher: publish failed", "file", entry.Name(), "error", err)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("prompt watcher: unlink failed", "file", entry.Name(), "error", err)
		}
	}
}

func (w *PromptWatcher) publishOne(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var pf promptFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("malformed prompt file: %w", err)
	}
	if pf.Group == "" || pf.Prompt == "" {
		return fmt.Errorf("prompt file missing group or prompt")
	}

	payload, err := protocol.MarshalPayload(map[string]any{
		"task":     pf.Prompt,
		"metadata": map[string]string{"source": "cli"},
	})
	if err != nil {
		return err
	}

	env := &protocol.Envelope{
		ID:        uuid.NewString(),
		Version:   protocol.ProtocolVersion,
		Type:      protocol.TypeEvent,
		Topic:     protocol.TopicTaskTriggered,
		Source:    "cli",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Group:     pf.Group,
		Payload:   payload,
	}
	return w.publisher.Publish(env)
}
