// Package jsonl is the append-only fallback event store: one JSON object
// per line, greppable without tooling.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentcage/agentcage/pkg/types"
)

type Store struct {
	path string

	mu   sync.Mutex
	file *os.File
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open jsonl: %w", err)
	}
	return &Store{path: path, file: f}, nil
}

func (s *Store) AppendEvent(_ context.Context, ev types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write jsonl: %w", err)
	}
	return nil
}

// QueryEvents scans the whole file. Good enough for an operator reading a
// single session's trail; heavy querying is what the sqlite backend is for.
func (s *Store) QueryEvents(_ context.Context, q types.EventQuery) ([]types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open jsonl for read: %w", err)
	}
	defer f.Close()

	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}

	var out []types.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() && len(out) < limit {
		var ev types.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue // tolerate a torn final line from a crashed writer
		}
		if q.SessionID != "" && ev.SessionID != q.SessionID {
			continue
		}
		if q.Type != "" && ev.Type != q.Type {
			continue
		}
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
