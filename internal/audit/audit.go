// Package audit implements the Audit Log (spec §4.13): one append-only
// JSONL file per group, with streaming filtered queries. No index is
// built — the scale target is per-group grep-ability, not random access.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one audit record. Optional fields are omitted from the
// marshaled JSON rather than serialized as null.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	Group       string    `json:"group"`
	Source      string    `json:"source,omitempty"`
	Correlation string    `json:"correlation,omitempty"`
	Topic       string    `json:"topic,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Outcome     string    `json:"outcome"`
	FieldPaths  []string  `json:"fieldPaths,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Phase       string    `json:"phase,omitempty"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Log owns one file handle per group, created lazily on first append.
type Log struct {
	dir string

	mu      sync.Mutex
	files   map[string]*os.File
	writers map[string]*sync.Mutex
}

// New creates a Log rooted at dir (spec §6: "data/audit/<group>.jsonl").
// dir is created if it does not already exist.
func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	return &Log{
		dir:     dir,
		files:   make(map[string]*os.File),
		writers: make(map[string]*sync.Mutex),
	}, nil
}

func (l *Log) pathFor(group string) string {
	return filepath.Join(l.dir, group+".jsonl")
}

func (l *Log) fileFor(group string) (*os.File, *sync.Mutex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.files[group]; ok {
		return f, l.writers[group], nil
	}

	f, err := os.OpenFile(l.pathFor(group), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: open %q: %w", group, err)
	}
	l.files[group] = f
	l.writers[group] = &sync.Mutex{}
	return f, l.writers[group], nil
}

// Append writes one JSON line to the group's file. Safe for concurrent
// use across groups and within a single group (per-group mutex).
func (l *Log) Append(e Entry) error {
	f, writerMu, err := l.fileFor(e.Group)
	if err != nil {
		return err
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	writerMu.Lock()
	defer writerMu.Unlock()
	_, err = f.Write(line)
	return err
}

// AppendHandlerError emits the dual before/after-normalization entries
// spec §4.13 requires for handler errors raised with a pipeline-reserved
// code: one tagged "before_normalization" carrying the raw code, one
// tagged "after_normalization" carrying HANDLER_ERROR, both sharing the
// same correlation.
func (l *Log) AppendHandlerError(base Entry, rawCode, normalizedCode string) error {
	before := base
	before.Phase = "before_normalization"
	before.ErrorCode = rawCode
	if err := l.Append(before); err != nil {
		return err
	}
	after := base
	after.Phase = "after_normalization"
	after.ErrorCode = normalizedCode
	return l.Append(after)
}

// Close flushes and closes every open group file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for group, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.files, group)
	}
	return firstErr
}

// ByCorrelation streams group's file and returns every entry matching
// correlation, in file order.
func (l *Log) ByCorrelation(group, correlation string) ([]Entry, error) {
	return l.query(group, func(e Entry) bool { return e.Correlation == correlation })
}

// ByTimeRange streams group's file and returns every entry with a
// timestamp in [from, to], inclusive on both ends.
func (l *Log) ByTimeRange(group string, from, to time.Time) ([]Entry, error) {
	return l.query(group, func(e Entry) bool {
		return !e.Timestamp.Before(from) && !e.Timestamp.After(to)
	})
}

// ByTopic streams group's file and returns every entry matching topic.
func (l *Log) ByTopic(group, topic string) ([]Entry, error) {
	return l.query(group, func(e Entry) bool { return e.Topic == topic })
}

// ByOutcome streams group's file and returns every entry matching outcome.
func (l *Log) ByOutcome(group, outcome string) ([]Entry, error) {
	return l.query(group, func(e Entry) bool { return e.Outcome == outcome })
}

func (l *Log) query(group string, match func(Entry) bool) ([]Entry, error) {
	f, err := os.Open(l.pathFor(group))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open %q for query: %w", group, err)
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // a partially-written trailing line; skip rather than fail the whole query
		}
		if match(e) {
			out = append(out, e)
		}
	}
	return out, scanner.Err()
}
