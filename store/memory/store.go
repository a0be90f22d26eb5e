// Package memory provides an in-memory implementation of store.Store.
//
// It backs tests and single-process deployments. Server-side scripting
// is not supported (Eval returns ErrScriptNotSupported); the local
// algorithm implementations cover that case instead. Liveness is
// toggleable through SetAvailable so fallback behavior can be exercised
// without a real network partition.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-limitd/limitd/store"
)

// Store implements store.Store with in-memory state.
// All operations are thread-safe.
type Store struct {
	mu        sync.Mutex
	hashes    map[string]map[string]string
	expireAt  map[string]time.Time
	available bool
	closed    bool
	closeCh   chan struct{}
}

// New creates a new in-memory Store.
func New() *Store {
	s := &Store{
		hashes:    make(map[string]map[string]string),
		expireAt:  make(map[string]time.Time),
		available: true,
		closeCh:   make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// SetAvailable toggles the liveness reported by Ping. While unavailable
// every operation fails, simulating a partition from the remote store.
func (s *Store) SetAvailable(v bool) {
	s.mu.Lock()
	s.available = v
	s.mu.Unlock()
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.closeCh:
			return
		}
	}
}

func (s *Store) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, at := range s.expireAt {
		if now.After(at) {
			delete(s.hashes, k)
			delete(s.expireAt, k)
		}
	}
}

// dropIfExpired must be called with the lock held.
func (s *Store) dropIfExpired(key string) {
	if at, ok := s.expireAt[key]; ok && time.Now().After(at) {
		delete(s.hashes, key)
		delete(s.expireAt, key)
	}
}

func (s *Store) checkUp() error {
	if !s.available {
		return &unavailableError{}
	}
	return nil
}

func (s *Store) Eval(_ context.Context, _ string, _ []string, _ ...interface{}) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUp(); err != nil {
		return nil, err
	}
	return nil, &store.ErrScriptNotSupported{}
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUp(); err != nil {
		return nil, err
	}
	s.dropIfExpired(key)
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *Store) HSet(_ context.Context, key string, values ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUp(); err != nil {
		return err
	}
	s.dropIfExpired(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[toString(values[i])] = toString(values[i+1])
	}
	return nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUp(); err != nil {
		return err
	}
	for _, k := range keys {
		delete(s.hashes, k)
		delete(s.expireAt, k)
	}
	return nil
}

func (s *Store) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUp(); err != nil {
		return nil, err
	}
	var out []string
	for k := range s.hashes {
		s.dropIfExpired(k)
		if _, live := s.hashes[k]; live && strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUp(); err != nil {
		return err
	}
	if _, ok := s.hashes[key]; ok {
		s.expireAt[key] = time.Now().Add(ttl)
	}
	return nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUp(); err != nil {
		return 0, err
	}
	s.dropIfExpired(key)
	if _, ok := s.hashes[key]; !ok {
		return -2 * time.Second, nil
	}
	at, ok := s.expireAt[key]
	if !ok {
		return -1 * time.Second, nil
	}
	return time.Until(at), nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkUp()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	return nil
}

type unavailableError struct{}

func (e *unavailableError) Error() string {
	return "store: memory store marked unavailable"
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
