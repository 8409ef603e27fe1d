package netfilter

import (
	"sync"
)

// Provider abstracts the nftables interaction so the filter lifecycle can
// be tested without kernel privileges.
type Provider interface {
	// Apply loads the script, which replaces the named table atomically.
	Apply(table, script string) error

	// Delete removes the named table in one operation. Deleting an absent
	// table is not an error.
	Delete(table string) error

	// Exists reports whether the named table is installed.
	Exists(table string) (bool, error)
}

// FakeProvider keeps applied tables in memory.
type FakeProvider struct {
	mu        sync.Mutex
	tables    map[string]string // name -> script
	ApplyErr  error
	DeleteErr error
	applies   int
	deletes   int
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{tables: map[string]string{}}
}

func (f *FakeProvider) Apply(table, script string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ApplyErr != nil {
		return f.ApplyErr
	}
	f.applies++
	f.tables[table] = script
	return nil
}

func (f *FakeProvider) Delete(table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.deletes++
	delete(f.tables, table)
	return nil
}

func (f *FakeProvider) Exists(table string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tables[table]
	return ok, nil
}

// Script returns the script currently applied for table, or "".
func (f *FakeProvider) Script(table string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[table]
}

// Applies returns how many Apply calls succeeded.
func (f *FakeProvider) Applies() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applies
}

var _ Provider = (*FakeProvider)(nil)
