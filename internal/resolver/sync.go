package resolver

import (
	"fmt"
	"slices"

	"github.com/agentcage/agentcage/internal/lockfile"
)

// SyncResult describes one sync run.
type SyncResult struct {
	Snapshot *Snapshot
	Delta    Delta
	Failures []*ResolutionError
	// Changed is false when the resolved addresses match the previous
	// snapshot; the file keeps its version in that case.
	Changed bool
}

// Sync resolves domains and persists the result to path, bumping the
// version only on content change. Failed domains carry their previous
// addresses forward; a run where every domain fails leaves the file
// untouched. Writers are serialized by an advisory
// lock next to the snapshot file; session acquire takes the same lock when
// reading, so a sync never races a session start.
func (r *Resolver) Sync(path string, domains []string) (*SyncResult, error) {
	lock, err := lockfile.TryLock(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("lock snapshot: %w", err)
	}
	defer lock.Unlock()

	prev, err := ReadFile(path)
	if err != nil {
		return nil, err
	}

	next, failures := r.Resolve(domains)

	// A domain that failed to resolve keeps its previous addresses. A
	// transient DNS outage must never revoke a running session's
	// allowlist through the live reconcile path.
	for _, f := range failures {
		if kept, ok := prev.Domains[f.Domain]; ok {
			next.Domains[f.Domain] = slices.Clone(kept)
		}
	}
	if len(domains) > 0 && len(failures) == len(domains) {
		return &SyncResult{Snapshot: prev, Failures: failures}, nil
	}

	res := &SyncResult{Snapshot: next, Failures: failures}

	res.Delta = Diff(prev, next)
	if res.Delta.Empty() {
		// Identical content: keep version and timestamp stable.
		next.Version = prev.Version
		next.GeneratedAt = prev.GeneratedAt
		res.Snapshot = next
		if prev.Version == 0 {
			// First ever sync of an empty allowlist still persists.
			next.Version = 1
			next.GeneratedAt = r.now().UTC()
			res.Changed = true
		}
	} else {
		next.Version = prev.Version + 1
		res.Changed = true
	}

	if err := WriteFile(path, next); err != nil {
		return nil, err
	}
	return res, nil
}
