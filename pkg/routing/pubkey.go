package routing

import (
	"sync"

	"github.com/meshrtr/meshrtr/pkg/wire"
)

// PubKeyCache opportunistically caches per-user public keys learned from
// PUBKEY_REQ (which carries the sender's key) and PUBKEY_RESP.
type PubKeyCache struct {
	mu   sync.RWMutex
	keys map[wire.UserID][wire.PubKeySize]byte
}

// NewPubKeyCache creates an empty public-key cache.
func NewPubKeyCache() *PubKeyCache {
	return &PubKeyCache{keys: make(map[wire.UserID][wire.PubKeySize]byte)}
}

// Put caches pk for user, overwriting any previous key.
func (c *PubKeyCache) Put(user wire.UserID, pk [wire.PubKeySize]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[user] = pk
}

// Get returns the cached key for user, if any.
func (c *PubKeyCache) Get(user wire.UserID) ([wire.PubKeySize]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pk, ok := c.keys[user]
	return pk, ok
}

// Len returns the number of cached keys, for metrics.
func (c *PubKeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}
