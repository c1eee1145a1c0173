package service

import (
	"context"
	"sync"
)

// keyMutex serializes work per resource identifier: one mutual-exclusion
// domain per resource, never per subject and never global. Entries are
// created lazily and dropped once the last holder or waiter releases.
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	refs int
	sem  chan struct{}
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the per-key lock, waiting until the current holder releases
// or the context is cancelled. The loser waits, it does not abort the winner.
func (k *keyMutex) Lock(ctx context.Context, key string) error {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.release(key, l)
		return ctx.Err()
	}
}

func (k *keyMutex) Unlock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	k.mu.Unlock()
	if !ok {
		panic("keymutex: unlock of unheld key " + key)
	}
	<-l.sem
	k.release(key, l)
}

func (k *keyMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
