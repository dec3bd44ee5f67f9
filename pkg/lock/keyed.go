package lock

import (
	"context"
	"errors"
	"sync"
)

var ErrAlreadyReleased = errors.New("lock already released")

// KeyedLocker is an in-process Locker. Each key owns a one-slot channel that
// is dropped again once nobody holds or waits for it.
type KeyedLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{slots: make(map[string]*slot)}
}

func (l *KeyedLocker) AcquireLock(ctx context.Context, key string) (Lock, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return &keyedLock{locker: l, key: key, slot: s}, nil
	case <-ctx.Done():
		l.unref(key, s)
		return nil, ctx.Err()
	}
}

func (l *KeyedLocker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

type keyedLock struct {
	once   sync.Once
	locker *KeyedLocker
	key    string
	slot   *slot
}

func (k *keyedLock) Release() error {
	err := ErrAlreadyReleased
	k.once.Do(func() {
		<-k.slot.ch
		k.locker.unref(k.key, k.slot)
		err = nil
	})
	return err
}
