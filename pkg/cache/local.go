package cache

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// localStore is the process-local cache tier. It mirrors the shared tier's
// contract: TTL expiry (lazily enforced on read plus a background sweep),
// glob pattern deletion, and atomic counters. Guarantees are per-process
// only; multi-process deployments need the Redis tier.
type localStore struct {
	mu      sync.Mutex
	entries map[string]localEntry
	janitor *time.Ticker
	done    chan struct{}
}

type localEntry struct {
	value     string
	expiresAt time.Time
}

func (e localEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

func newLocalStore() *localStore {
	s := &localStore{
		entries: make(map[string]localEntry),
		janitor: time.NewTicker(time.Minute),
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// sweep evicts expired entries so abandoned keys do not accumulate between
// reads.
func (s *localStore) sweep() {
	for {
		select {
		case <-s.done:
			return
		case <-s.janitor.C:
			now := time.Now()
			s.mu.Lock()
			for key, e := range s.entries {
				if e.expired(now) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *localStore) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if e.expired(time.Now()) {
		delete(s.entries, key)
		return "", false
	}
	return e.value, true
}

func (s *localStore) set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	s.entries[key] = localEntry{value: value, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
}

func (s *localStore) del(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// delPattern removes all keys matching a Redis-style glob under one lock
// acquisition, so the deletion is atomic from the caller's point of view.
func (s *localStore) delPattern(pattern string) int64 {
	re, err := globToRegexp(pattern)
	if err != nil {
		return 0
	}

	now := time.Now()
	var removed int64
	s.mu.Lock()
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			continue
		}
		if re.MatchString(key) {
			delete(s.entries, key)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}

// incr increments the counter at key. A fresh (or expired) key starts at 1
// and takes ttl as its expiry; later increments keep the original expiry so
// the window boundary stays fixed.
func (s *localStore) incr(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		s.entries[key] = localEntry{value: "1", expiresAt: now.Add(ttl)}
		return 1
	}

	count, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		count = 0
	}
	count++
	e.value = strconv.FormatInt(count, 10)
	s.entries[key] = e
	return count
}

func (s *localStore) keyCount() int64 {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func (s *localStore) close() {
	s.janitor.Stop()
	close(s.done)
}

// globToRegexp converts a Redis KEYS-style glob (*, ?, [...]) into an
// anchored regexp.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch ch := pattern[i]; ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			// Copy the character class through its closing bracket.
			j := i + 1
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j < len(pattern) {
				b.WriteString(pattern[i : j+1])
				i = j
			} else {
				b.WriteString(regexp.QuoteMeta(string(ch)))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
