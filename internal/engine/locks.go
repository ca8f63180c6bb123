package engine

import "sync"

// keyedLocks provides one mutex per task id so control-path transitions
// for distinct tasks never serialize against each other. Entries are
// reference-counted and dropped on final unlock to keep the table from
// growing with ephemeral tasks.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key and returns its unlock func.
func (k *keyedLocks) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// channelLocks guarantees a single logical consumer per bus channel.
type channelLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (c *channelLocks) forChannel(channel string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[channel]
	if !ok {
		l = &sync.Mutex{}
		c.locks[channel] = l
	}
	return l
}
