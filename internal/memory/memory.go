// Package memory holds the long-term key/value facts the assistant is allowed
// to remember about the user.
package memory

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/comigor/pichat/internal/logger"
)

// ChangeFunc observes a single write. deleted is true for Forget.
type ChangeFunc func(key, value string, deleted bool)

// Store is a process-wide memory map. It implements stream.Sink.
type Store struct {
	// hookMu spans a write and its change hook, so observers see writes in
	// the order they were applied.
	hookMu sync.Mutex

	mu       sync.RWMutex
	data     map[string]string
	onChange ChangeFunc
}

// NewStore returns a store seeded with initial, which may be nil.
func NewStore(initial map[string]string) *Store {
	data := make(map[string]string, len(initial))
	maps.Copy(data, initial)
	return &Store{data: data}
}

// OnChange installs fn to run after every write. Only one hook is kept.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Record stores value under key exactly as given. Last write wins.
func (s *Store) Record(key, value string) {
	s.write(key, value)
}

// Set stores value under a normalised key: trimmed, with inner whitespace
// runs replaced by underscores. It returns the key actually used.
func (s *Store) Set(key, value string) string {
	key = NormalizeKey(key)
	if key == "" {
		return ""
	}
	s.write(key, value)
	return key
}

// Forget removes key. It reports whether the key existed.
func (s *Store) Forget(key string) bool {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()

	s.mu.Lock()
	_, ok := s.data[key]
	delete(s.data, key)
	fn := s.onChange
	s.mu.Unlock()

	if ok && fn != nil {
		fn(key, "", true)
	}
	return ok
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Snapshot returns a copy of every entry.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.data)
}

// Len reports the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// PromptBlock renders the memory as a system prompt preamble, keys sorted.
// An empty store renders as "".
func (s *Store) PromptBlock() string {
	snap := s.Snapshot()
	if len(snap) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("--- Start of Long-Term Memory ---\n")
	for _, k := range slices.Sorted(maps.Keys(snap)) {
		b.WriteString("- ")
		b.WriteString(strings.ReplaceAll(k, "_", " "))
		b.WriteString(": ")
		b.WriteString(snap[k])
		b.WriteString("\n")
	}
	b.WriteString("--- End of Long-Term Memory ---\n\n")
	return b.String()
}

func (s *Store) write(key, value string) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()

	s.mu.Lock()
	s.data[key] = value
	fn := s.onChange
	s.mu.Unlock()

	logger.L.Debug("memory updated", "key", key)
	if fn != nil {
		fn(key, value, false)
	}
}

// NormalizeKey trims key and joins its words with underscores.
func NormalizeKey(key string) string {
	return strings.Join(strings.Fields(key), "_")
}
