package session

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentcage/agentcage/internal/resolver"
)

// snapshotDebounce coalesces the write+rename burst an atomic snapshot
// update produces into a single reconcile.
const snapshotDebounce = 250 * time.Millisecond

// WatchSnapshot re-reads the address snapshot whenever it changes on disk
// and reconciles the session's packet filter against it. Blocks until ctx
// is cancelled. Reconcile failures are logged and retried on the next
// change; a broken watcher is the only error returned.
//
// The parent directory is watched rather than the file itself because the
// snapshot is replaced by rename, which retires the old inode.
func (m *Manager) WatchSnapshot(ctx context.Context, s *Session, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	base := filepath.Base(path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(snapshotDebounce)
				fire = timer.C
			} else {
				// Reset is only safe on a stopped, drained timer. A timer
				// that already fired still has a value buffered in its
				// channel, which would cost one extra reload.
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(snapshotDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("snapshot watcher error", slog.Any("error", err))
		case <-fire:
			timer = nil
			fire = nil
			snap, err := resolver.ReadFile(path)
			if err != nil {
				m.log.Warn("snapshot reload failed",
					slog.String("path", path), slog.Any("error", err))
				continue
			}
			if err := m.Reconcile(ctx, s, snap); err != nil {
				m.log.Warn("filter reconcile failed",
					slog.String("session", s.ID), slog.Any("error", err))
				continue
			}
			m.log.Info("filter reconciled",
				slog.String("session", s.ID),
				slog.Uint64("snapshot_version", snap.Version))
		}
	}
}
