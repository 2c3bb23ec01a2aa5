package ledger

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value string
	until int64
}

// Memory keeps records in process memory. It does not survive restarts.
type Memory struct {
	mu     sync.Mutex
	ns     string
	now    func() time.Time
	m      map[string]memEntry
	closed bool
}

func NewMemory(namespace string) *Memory {
	return &Memory{ns: namespace, now: time.Now, m: map[string]memEntry{}}
}

// SetClock overrides the expiry clock.
func (l *Memory) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Memory) HasSent(ctx context.Context, k Key) (bool, error) {
	_, ok, err := l.Lookup(ctx, k)
	return ok, err
}

func (l *Memory) MarkSent(_ context.Context, k Key, value string, ttl time.Duration) error {
	if err := k.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return unavailable("mark_sent", ErrClosed)
	}
	l.m[namespaced(l.ns, k)] = memEntry{value: value, until: expiry(l.now(), ttl)}
	return nil
}

func (l *Memory) Lookup(_ context.Context, k Key) (string, bool, error) {
	if err := k.validate(); err != nil {
		return "", false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", false, unavailable("lookup", ErrClosed)
	}
	key := namespaced(l.ns, k)
	e, ok := l.m[key]
	if !ok {
		return "", false, nil
	}
	if !live(e.until, l.now()) {
		delete(l.m, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (l *Memory) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
