package poller

import (
	"context"
	"sync"
)

// repoKey identifies a tracked repository uniquely.
type repoKey struct {
	Owner string
	Name  string
}

// lockTable provides one mutual-exclusion lock per repository identity.
// It serializes the check-and-build cycle of a single repository between an
// overlapping poll pass and a concurrently arriving webhook trigger.
// Different repositories never contend with each other. Entries are created
// on demand and removed when the last holder or waiter is gone.
type lockTable struct {
	lock    sync.Mutex
	entries map[repoKey]*lockEntry
}

type lockEntry struct {
	// sem has capacity 1, holding the lock means having sent into it
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{
		entries: map[repoKey]*lockEntry{},
	}
}

// Acquire blocks until the lock for the repository is held or the context is
// cancelled.
func (t *lockTable) Acquire(ctx context.Context, key repoKey) error {
	t.lock.Lock()

	entry, exist := t.entries[key]
	if !exist {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		t.entries[key] = entry
	}
	entry.refs++

	t.lock.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return nil

	case <-ctx.Done():
		t.unref(key, entry)
		return ctx.Err()
	}
}

// Release releases the lock for the repository.
// Calling Release without holding the lock is a caller bug.
func (t *lockTable) Release(key repoKey) {
	t.lock.Lock()
	entry := t.entries[key]
	t.lock.Unlock()

	if entry == nil {
		panic("releasing a repository lock that was never acquired")
	}

	<-entry.sem
	t.unref(key, entry)
}

func (t *lockTable) unref(key repoKey, entry *lockEntry) {
	t.lock.Lock()
	defer t.lock.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(t.entries, key)
	}
}
