// Package session orchestrates one sandbox lifecycle: acquire the jail,
// pin the policy file, install the filter, hand control to the jailed
// program, then drain and release everything in reverse order.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentcage/agentcage/internal/config"
	"github.com/agentcage/agentcage/internal/jail"
	"github.com/agentcage/agentcage/internal/lockfile"
	"github.com/agentcage/agentcage/pkg/types"
)

// State is the lifecycle position of a session. Transitions are
// one-directional except Failed, which is reachable from every
// non-terminal state.
type State string

const (
	StateCreated         State = "created"
	StateMounting        State = "mounting"
	StateMounted         State = "mounted"
	StateFilterInstalled State = "filter_installed"
	StateActive          State = "active"
	StateDraining        State = "draining"
	StateReleased        State = "released"
	StateFailed          State = "failed"
)

var validNext = map[State][]State{
	StateCreated:         {StateMounting, StateFailed},
	StateMounting:        {StateMounted, StateFailed},
	StateMounted:         {StateFilterInstalled, StateFailed},
	StateFilterInstalled: {StateActive, StateDraining, StateFailed},
	StateActive:          {StateDraining, StateFailed},
	StateDraining:        {StateReleased},
	StateFailed:          {StateDraining},
}

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool { return s == StateReleased }

func (s State) canTransition(next State) bool {
	for _, n := range validNext[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Session is the single mutable entity of one sandbox run, owned
// exclusively by its Manager. The acquired booleans make rollback
// idempotent: each release step consults its own flag, not the state.
type Session struct {
	ID         string                `json:"id"`
	Root       string                `json:"root"`
	UID        int                   `json:"uid"`
	GID        int                   `json:"gid"`
	Mode       types.Mode            `json:"mode"`
	State      State                 `json:"state"`
	PolicyPath string                `json:"policy_path"`
	Mounts     []types.MountEntry    `json:"mounts"`
	Limits     config.ResourceLimits `json:"limits"`

	MountsAcquired    bool `json:"mounts_acquired"`
	ImmutableSet      bool `json:"immutable_set"`
	ImmutableDegraded bool `json:"immutable_degraded"`
	FilterInstalled   bool `json:"filter_installed"`

	handle *jail.Handle
	lock   *lockfile.Lock
}

// transition moves the session to next, or to Failed when the move is not
// legal (a programming error surfaced loudly rather than silently).
func (s *Session) transition(next State) error {
	if !s.State.canTransition(next) {
		return fmt.Errorf("illegal state transition %s -> %s", s.State, next)
	}
	s.State = next
	return nil
}

// fail marks the session Failed from any non-terminal state.
func (s *Session) fail() {
	if !s.State.Terminal() {
		s.State = StateFailed
	}
}

// sessionsDir holds one record file per live session. Concurrent sessions
// on disjoint jail roots share a state dir, so records are keyed by
// session id; cleanup walks them all to force-drain dead sessions.
func sessionsDir(stateDir string) string {
	return filepath.Join(stateDir, "sessions")
}

func stateFilePath(stateDir, id string) string {
	return filepath.Join(sessionsDir(stateDir), id+".json")
}

// saveState persists the session record. Interfaces and the lock are
// process-local and deliberately excluded.
func saveState(stateDir string, s *Session) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	if err := os.MkdirAll(sessionsDir(stateDir), 0o755); err != nil {
		return fmt.Errorf("mkdir sessions dir: %w", err)
	}
	path := stateFilePath(stateDir, s.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadState reads one persisted session record, or nil if none exists.
func LoadState(stateDir, id string) (*Session, error) {
	return readState(stateFilePath(stateDir, id))
}

// LoadStates reads every persisted session record.
func LoadStates(stateDir string) ([]*Session, error) {
	entries, err := os.ReadDir(sessionsDir(stateDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var out []*Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		s, err := readState(filepath.Join(sessionsDir(stateDir), e.Name()))
		if err != nil {
			return nil, err
		}
		if s != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func readState(path string) (*Session, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session state: %w", err)
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse session state %s: %w", path, err)
	}
	return &s, nil
}

func removeState(stateDir, id string) {
	_ = os.Remove(stateFilePath(stateDir, id))
}
