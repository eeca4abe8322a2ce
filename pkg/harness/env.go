package harness

import (
	"fmt"
	"os"
	"strings"
)

type envEntry struct {
	key     string
	value   string
	present bool
}

// ScopedEnv holds the prior values of applied environment overrides so
// a case's tuning variables never leak into the next case.
type ScopedEnv struct {
	prev []envEntry
}

// ApplyEnv sets each KEY=VALUE pair, remembering what it replaced. On
// any failure the overrides applied so far are rolled back.
func ApplyEnv(pairs []string) (*ScopedEnv, error) {
	s := &ScopedEnv{}
	for _, kv := range pairs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			s.rollback()
			return nil, fmt.Errorf("malformed environment override %q", kv)
		}
		old, present := os.LookupEnv(key)
		if err := os.Setenv(key, value); err != nil {
			s.rollback()
			return nil, err
		}
		s.prev = append(s.prev, envEntry{key: key, value: old, present: present})
	}
	return s, nil
}

// Restore puts every overridden variable back, newest first so repeated
// keys land on their original value.
func (s *ScopedEnv) Restore() error {
	var first error
	for i := len(s.prev) - 1; i >= 0; i-- {
		e := s.prev[i]
		var err error
		if e.present {
			err = os.Setenv(e.key, e.value)
		} else {
			err = os.Unsetenv(e.key)
		}
		if err != nil && first == nil {
			first = err
		}
	}
	s.prev = nil
	return first
}

func (s *ScopedEnv) rollback() {
	if err := s.Restore(); err != nil {
		internalLogger.Warnf("rolling back environment overrides: %v", err)
	}
}
