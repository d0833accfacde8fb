package cache

import (
	"regexp"
	"sync"
	"time"
)

type localEntry struct {
	data      []byte
	expiresAt time.Time
}

// localCache is the in-process fallback. Entries expire lazily on read and
// the map is bounded; when full, expired entries go first, then the entry
// closest to expiry.
type localCache struct {
	mu       sync.Mutex
	items    map[string]localEntry
	maxItems int
	now      func() time.Time
}

func newLocalCache(maxItems int, now func() time.Time) *localCache {
	if maxItems <= 0 {
		maxItems = 10000
	}
	if now == nil {
		now = time.Now
	}
	return &localCache{
		items:    make(map[string]localEntry),
		maxItems: maxItems,
		now:      now,
	}
}

func (l *localCache) set(key string, data []byte, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.items[key]; !exists && len(l.items) >= l.maxItems {
		l.evictLocked()
	}
	l.items[key] = localEntry{data: data, expiresAt: l.now().Add(ttl)}
}

// refresh replaces the data of a live entry and keeps its expiry.
// It reports whether such an entry existed.
func (l *localCache) refresh(key string, data []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.items[key]
	if !ok || !l.now().Before(entry.expiresAt) {
		return false
	}
	entry.data = data
	l.items[key] = entry
	return true
}

func (l *localCache) get(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.items[key]
	if !ok {
		return nil, false
	}
	if !l.now().Before(entry.expiresAt) {
		delete(l.items, key)
		return nil, false
	}
	return entry.data, true
}

func (l *localCache) exists(key string) bool {
	_, ok := l.get(key)
	return ok
}

func (l *localCache) delete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.items[key]
	delete(l.items, key)
	return ok
}

// deleteMatching removes every key matching re and returns them
func (l *localCache) deleteMatching(re *regexp.Regexp) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed []string
	for key := range l.items {
		if re.MatchString(key) {
			delete(l.items, key)
			removed = append(removed, key)
		}
	}
	return removed
}

func (l *localCache) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = make(map[string]localEntry)
}

func (l *localCache) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *localCache) evictLocked() {
	now := l.now()
	for key, entry := range l.items {
		if !now.Before(entry.expiresAt) {
			delete(l.items, key)
		}
	}
	if len(l.items) < l.maxItems {
		return
	}

	var victim string
	var earliest time.Time
	for key, entry := range l.items {
		if victim == "" || entry.expiresAt.Before(earliest) {
			victim = key
			earliest = entry.expiresAt
		}
	}
	delete(l.items, victim)
}
