package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File appends events as JSON lines to a single file.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewFile opens (or creates) the ledger file at path.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &File{path: path, f: f}, nil
}

// Path returns the ledger file path.
func (l *File) Path() string {
	return l.path
}

func (l *File) Write(_ context.Context, e Event) error {
	data, err := json.Marshal(stamp(e))
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errors.New("ledger file closed")
	}
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return l.f.Sync()
}

func (l *File) Read(_ context.Context, workflowID string) ([]Event, error) {
	return ReadFile(l.path, workflowID)
}

func (l *File) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadFile loads the events of workflowID (all when empty) from a JSONL ledger.
func ReadFile(path, workflowID string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if workflowID == "" || e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, scanner.Err()
}
