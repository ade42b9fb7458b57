package baseline

import "sync"

type fieldKey struct {
	projectID string
	field     string
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// fieldLocks serializes transitions per (project, field). Entries are dropped
// once no goroutine holds or waits for them.
type fieldLocks struct {
	mu      sync.Mutex
	entries map[fieldKey]*lockEntry
}

func newFieldLocks() *fieldLocks {
	return &fieldLocks{entries: make(map[fieldKey]*lockEntry)}
}

func (l *fieldLocks) lock(projectID, field string) func() {
	key := fieldKey{projectID: projectID, field: field}

	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}
