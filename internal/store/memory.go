package store

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests. It honors real expiries and
// dispatches published messages synchronously on the publisher's goroutine,
// which keeps test assertions deterministic.
type Memory struct {
	mu   sync.Mutex
	kv   map[string]memEntry
	sets map[string]map[string]struct{}
	subs []*memSub
}

type memEntry struct {
	value    string
	deadline time.Time // zero means no expiry
}

type memSub struct {
	patterns []string // glob patterns; exact channels are patterns without wildcards
	handler  Handler
	done     <-chan struct{}
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		kv:   make(map[string]memEntry),
		sets: make(map[string]map[string]struct{}),
	}
}

func (m *Memory) expired(e memEntry) bool {
	return !e.deadline.IsZero() && time.Now().After(e.deadline)
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok || m.expired(e) {
		delete(m.kv, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.deadline = time.Now().Add(ttl)
	}
	m.kv[key] = e
	return nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok || m.expired(e) {
		delete(m.kv, key)
		return false, nil
	}
	return true, nil
}

func (m *Memory) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok || m.expired(e) {
		m.kv[key] = memEntry{value: "1", deadline: time.Now().Add(window)}
		return 1, nil
	}
	n := int64(0)
	for _, c := range e.value {
		n = n*10 + int64(c-'0')
	}
	n++
	e.value = itoa(n)
	m.kv[key] = e
	return n, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (m *Memory) SetAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

func (m *Memory) SetRemove(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key, e := range m.kv {
		if m.expired(e) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	for key := range m.sets {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	var handlers []Handler
	live := m.subs[:0]
	for _, sub := range m.subs {
		select {
		case <-sub.done:
			continue
		default:
		}
		live = append(live, sub)
		for _, pattern := range sub.patterns {
			if ok, _ := path.Match(pattern, channel); ok {
				handlers = append(handlers, sub.handler)
				break
			}
		}
	}
	m.subs = live
	m.mu.Unlock()

	for _, h := range handlers {
		h(channel, payload)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, handler Handler, channels ...string) error {
	return m.PSubscribe(ctx, handler, channels...)
}

func (m *Memory) PSubscribe(ctx context.Context, handler Handler, patterns ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, &memSub{patterns: patterns, handler: handler, done: ctx.Done()})
	return nil
}

func (m *Memory) Lock(_ context.Context, key string, ttl time.Duration) (func(ctx context.Context) error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.kv[key]; ok && !m.expired(e) {
		return nil, ErrLockHeld
	}
	token := uuid.NewString()
	m.kv[key] = memEntry{value: token, deadline: time.Now().Add(ttl)}

	release := func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.kv[key]; ok && e.value == token {
			delete(m.kv, key)
		}
		return nil
	}
	return release, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
