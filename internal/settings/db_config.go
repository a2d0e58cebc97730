package settings

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// snapshot holds the in-memory DB config values.
type snapshot struct {
	updatedAt time.Time
	values    map[string]json.RawMessage
}

// Store keeps the latest settings snapshot. Readers never block writers.
type Store struct {
	current atomic.Pointer[snapshot]
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&snapshot{values: map[string]json.RawMessage{}})
	return s
}

// Replace swaps the in-memory snapshot of DB-backed settings.
func (s *Store) Replace(updatedAt time.Time, values map[string]json.RawMessage) {
	next := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		if v == nil {
			next[key] = nil
			continue
		}
		next[key] = append(json.RawMessage(nil), v...)
	}
	s.current.Store(&snapshot{updatedAt: updatedAt.UTC(), values: next})
}

// UpdatedAt returns the newest row timestamp seen by the last refresh.
func (s *Store) UpdatedAt() time.Time {
	return s.load().updatedAt
}

// Value returns a copy of the raw config value for a key.
func (s *Store) Value(key string) (json.RawMessage, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false
	}
	val, ok := s.load().values[key]
	if !ok {
		return nil, false
	}
	if val == nil {
		return nil, true
	}
	return append(json.RawMessage(nil), val...), true
}

// Int returns the integer stored under key, or def when missing, malformed or not positive.
func (s *Store) Int(key string, def int) int {
	raw, ok := s.Value(key)
	if !ok {
		return def
	}
	n, ok := parseInt(raw)
	if !ok || n <= 0 {
		return def
	}
	return n
}

// Seconds reads an integer number of seconds as a duration.
func (s *Store) Seconds(key string, def time.Duration) time.Duration {
	n := s.Int(key, 0)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// String returns the string stored under key, or def.
func (s *Store) String(key, def string) string {
	raw, ok := s.Value(key)
	if !ok {
		return def
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return def
	}
	str = strings.TrimSpace(str)
	if str == "" {
		return def
	}
	return str
}

func (s *Store) load() *snapshot {
	if s == nil {
		return &snapshot{values: map[string]json.RawMessage{}}
	}
	cur := s.current.Load()
	if cur == nil {
		return &snapshot{values: map[string]json.RawMessage{}}
	}
	return cur
}

// parseInt accepts numbers, numeric strings and {"value": ...} wrappers.
func parseInt(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return int(math.Round(f)), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, errParse := strconv.Atoi(strings.TrimSpace(s)); errParse == nil {
			return parsed, true
		}
		return 0, false
	}
	var wrapper struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Value) > 0 {
		return parseInt(wrapper.Value)
	}
	return 0, false
}
