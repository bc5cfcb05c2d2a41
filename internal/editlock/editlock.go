// Package editlock tracks advisory single-writer locks on shared resources.
// Locks live only in process memory and carry no fencing token.
package editlock

import "sync"

type Locker struct {
	mu      sync.Mutex
	holders map[string]string
}

func New() *Locker {
	return &Locker{
		holders: make(map[string]string),
	}
}

// Acquire grants resource to requester when it is free or already held by
// requester. On denial the current holder is returned.
func (l *Locker) Acquire(resource, requester string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	holder, ok := l.holders[resource]
	if ok && holder != requester {
		return false, holder
	}

	l.holders[resource] = requester
	return true, requester
}

// Release frees resource if requester holds it. Anyone else is a no-op.
func (l *Locker) Release(resource, requester string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if holder, ok := l.holders[resource]; !ok || holder != requester {
		return false
	}

	delete(l.holders, resource)
	return true
}

func (l *Locker) Holder(resource string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	holder, ok := l.holders[resource]
	return holder, ok
}

// Snapshot returns a copy of every held lock keyed by resource.
func (l *Locker) Snapshot() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := make(map[string]string, len(l.holders))
	for resource, holder := range l.holders {
		snap[resource] = holder
	}

	return snap
}
