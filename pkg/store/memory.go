package store

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/kylerisse/nodectl/pkg/clock"
)

// Memory is an in-process Store. Expiry follows the injected clock.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	hashes  map[string]map[string]string
	strings map[string]string
	expires map[string]time.Time
	closed  bool
}

// NewMemory returns an empty in-memory store. A nil clock uses real time.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real()
	}
	return &Memory{
		clock:   c,
		hashes:  make(map[string]map[string]string),
		strings: make(map[string]string),
		expires: make(map[string]time.Time),
	}
}

// expireLocked drops key if its deadline has passed. Caller holds m.mu.
func (m *Memory) expireLocked(key string) {
	if dl, ok := m.expires[key]; ok && !m.clock.Now().Before(dl) {
		delete(m.hashes, key)
		delete(m.strings, key)
		delete(m.expires, key)
	}
}

func (m *Memory) check() error {
	if m.closed {
		return unavailable("op", "", errClosed)
	}
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return "", false, err
	}
	m.expireLocked(key)
	v, ok := m.hashes[key][field]
	return v, ok, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	m.expireLocked(key)
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.expireLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *Memory) HSetNX(_ context.Context, key, field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	m.expireLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	if _, exists := h[field]; exists {
		return false, nil
	}
	h[field] = value
	return true, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return "", false, err
	}
	m.expireLocked(key)
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.setLocked(key, value, ttl)
	return nil
}

func (m *Memory) setLocked(key, value string, ttl time.Duration) {
	m.strings[key] = value
	if ttl > 0 {
		m.expires[key] = m.clock.Now().Add(ttl)
	} else {
		delete(m.expires, key)
	}
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	m.expireLocked(key)
	if _, ok := m.strings[key]; ok {
		return false, nil
	}
	m.setLocked(key, value, ttl)
	return true, nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	m.expireLocked(key)
	dl, ok := m.expires[key]
	if !ok {
		return -1, nil
	}
	return dl.Sub(m.clock.Now()), nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.expireLocked(key)
	_, isHash := m.hashes[key]
	_, isString := m.strings[key]
	if isHash || isString {
		m.expires[key] = m.clock.Now().Add(ttl)
	}
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for _, k := range keys {
		delete(m.hashes, k)
		delete(m.strings, k)
		delete(m.expires, k)
	}
	return nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var keys []string
	add := func(k string) {
		m.expireLocked(k)
		_, isHash := m.hashes[k]
		_, isString := m.strings[k]
		if !isHash && !isString {
			return
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range m.hashes {
		add(k)
	}
	for k := range m.strings {
		add(k)
	}
	sort.Strings(keys)
	return dedupe(keys), nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check()
}

// Close marks the store unavailable; later calls fail with ErrUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
