// Package lock serialises work per key, typically per speaker, so that a
// speaker's assessment and bucket assignments never interleave.
//
// [KeyedMutex] covers a single process. [RedisLocker] extends the guarantee
// across replicas with a SET NX PX lease released through a compare-and-delete
// script. Both block until the key is free or ctx is done.
package lock

import (
	"context"
	"sync"
)

// Locker acquires exclusive ownership of a key.
type Locker interface {
	// Acquire blocks until key is held or ctx is done. The returned release
	// function is idempotent.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// KeyedMutex is an in-process [Locker]. Idle keys are dropped so memory use
// is bounded by the number of keys currently held or awaited.
type KeyedMutex struct {
	mu   sync.Mutex
	keys map[string]*keyEntry
}

type keyEntry struct {
	sem  chan struct{}
	refs int
}

var _ Locker = (*KeyedMutex)(nil)

// NewKeyedMutex returns an empty [KeyedMutex].
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{keys: make(map[string]*keyEntry)}
}

// Acquire implements [Locker].
func (k *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.keys[key]
	if !ok {
		e = &keyEntry{sem: make(chan struct{}, 1)}
		k.keys[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.unref(key, e)
		})
	}, nil
}

func (k *KeyedMutex) unref(key string, e *keyEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.keys, key)
	}
}

// held reports the number of keys currently tracked.
func (k *KeyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}
