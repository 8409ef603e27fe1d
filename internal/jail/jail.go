package jail

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentcage/agentcage/pkg/types"
)

// MountError identifies the entry that failed during acquire. The entries
// mounted before it have already been unwound when this error is returned.
type MountError struct {
	Entry types.MountEntry
	Cause error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount %s at %s: %v", e.Entry.Source, e.Entry.Target, e.Cause)
}

func (e *MountError) Unwrap() error { return e.Cause }

// ResidualMountWarning names a target that survived release.
type ResidualMountWarning struct {
	Target string
	Cause  error
}

func (w ResidualMountWarning) String() string {
	return fmt.Sprintf("residual mount %s: %v", w.Target, w.Cause)
}

// Handle owns the applied mount set of one jail. Produced by Acquire,
// consumed by Release.
type Handle struct {
	Root     string
	applied  []string // absolute targets, in mount order
	released bool
}

// Jail applies and removes the mount plan for a session.
type Jail struct {
	provider       MountProvider
	log            *slog.Logger
	unmountRetries int
	retryDelay     time.Duration
}

func New(provider MountProvider, log *slog.Logger, unmountRetries int) *Jail {
	if log == nil {
		log = slog.Default()
	}
	if unmountRetries <= 0 {
		unmountRetries = 3
	}
	return &Jail{
		provider:       provider,
		log:            log,
		unmountRetries: unmountRetries,
		retryDelay:     100 * time.Millisecond,
	}
}

// Acquire creates the skeleton, seeds identity files, and applies mounts in
// order. The first failure unwinds everything already mounted and returns a
// MountError for the failed entry.
func (j *Jail) Acquire(root string, mounts []types.MountEntry, seed SeedSpec) (*Handle, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("jail root %q is not absolute", root)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create jail root: %w", err)
	}
	if err := Seed(root, seed); err != nil {
		return nil, fmt.Errorf("seed jail files: %w", err)
	}

	h := &Handle{Root: root}
	for _, m := range mounts {
		target, err := resolveTarget(root, m.Target)
		if err != nil {
			j.unwind(h)
			return nil, &MountError{Entry: m, Cause: err}
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			j.unwind(h)
			return nil, &MountError{Entry: m, Cause: err}
		}
		if m.Kind == types.MountBind {
			if _, err := os.Stat(m.Source); err != nil {
				j.unwind(h)
				return nil, &MountError{Entry: m, Cause: fmt.Errorf("source: %w", err)}
			}
		}
		if err := j.provider.Mount(m.Source, target, m.Kind, m.Writable); err != nil {
			j.unwind(h)
			return nil, &MountError{Entry: m, Cause: err}
		}
		h.applied = append(h.applied, target)
		j.log.Debug("mount applied", "target", target, "kind", string(m.Kind), "writable", m.Writable)
	}
	return h, nil
}

// Rehydrate rebuilds a Handle for a jail whose controlling process died.
// It assumes every entry in mounts was applied; Release tolerates targets
// that are not actually mounted (they surface as warnings, not failures,
// via the not-mounted unmount error and the forced fallback).
func (j *Jail) Rehydrate(root string, mounts []types.MountEntry) *Handle {
	h := &Handle{Root: root}
	for _, m := range mounts {
		target, err := resolveTarget(root, m.Target)
		if err != nil {
			continue
		}
		h.applied = append(h.applied, target)
	}
	return h
}

// unwind reverses a partially applied mount sequence during a failed
// acquire. Failures here are logged, not returned; the MountError for the
// failed entry is the caller-visible outcome.
func (j *Jail) unwind(h *Handle) {
	for i := len(h.applied) - 1; i >= 0; i-- {
		if err := j.unmountWithRetry(h.applied[i]); err != nil {
			j.log.Error("unwind failed", "target", h.applied[i], "error", err)
		}
	}
	h.applied = nil
}

// Release unmounts in strict reverse order. It never stops early: targets
// that resist both clean and forced unmount are reported as warnings.
// Calling Release twice is a no-op the second time.
func (j *Jail) Release(h *Handle) []ResidualMountWarning {
	if h == nil || h.released {
		return nil
	}
	var residual []ResidualMountWarning
	for i := len(h.applied) - 1; i >= 0; i-- {
		target := h.applied[i]
		if err := j.unmountWithRetry(target); err != nil {
			residual = append(residual, ResidualMountWarning{Target: target, Cause: err})
			j.log.Warn("mount could not be released", "target", target, "error", err)
			continue
		}
		j.log.Debug("mount released", "target", target)
	}
	h.applied = nil
	h.released = true
	return residual
}

// unmountWithRetry attempts clean unmounts, then falls back to a forced
// (lazy) detach for busy targets.
func (j *Jail) unmountWithRetry(target string) error {
	var lastErr error
	for attempt := 0; attempt < j.unmountRetries; attempt++ {
		if lastErr = j.provider.Unmount(target, false); lastErr == nil {
			return nil
		}
		time.Sleep(j.retryDelay)
	}
	if err := j.provider.Unmount(target, true); err != nil {
		return fmt.Errorf("clean unmount: %v; forced unmount: %w", lastErr, err)
	}
	j.log.Warn("unmount fell back to lazy detach", "target", target)
	return nil
}

// resolveTarget joins a relative mount target under root, refusing escapes.
func resolveTarget(root, target string) (string, error) {
	cleaned := filepath.Clean("/" + target)
	if cleaned == "/" {
		return "", fmt.Errorf("mount target resolves to the jail root itself")
	}
	abs := filepath.Join(root, cleaned)
	if !strings.HasPrefix(abs, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("mount target %q escapes the jail root", target)
	}
	return abs, nil
}
