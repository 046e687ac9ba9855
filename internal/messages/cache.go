package messages

import "sync"

// UserCache remembers the newest message seen for each platform identity so
// later fetches can pass it as a paging hint. Entries live for the lifetime
// of the process; cardinality is bounded by the number of distinct users.
type UserCache struct {
	mu         sync.RWMutex
	lastSeen   map[string]string
	identities map[string]string
}

// NewUserCache returns an empty cache.
func NewUserCache() *UserCache {
	return &UserCache{
		lastSeen:   make(map[string]string),
		identities: make(map[string]string),
	}
}

// Remember records itemID as the newest message for identity, and links
// userKey to that identity.
func (c *UserCache) Remember(userKey, identity, itemID string) {
	if c == nil || identity == "" || itemID == "" {
		return
	}
	c.mu.Lock()
	c.lastSeen[identity] = itemID
	if userKey != "" {
		c.identities[userKey] = identity
	}
	c.mu.Unlock()
}

// LastSeen returns the newest message id recorded for the identity linked to
// userKey. A miss is not an error.
func (c *UserCache) LastSeen(userKey string) (string, bool) {
	if c == nil || userKey == "" {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	identity, ok := c.identities[userKey]
	if !ok {
		return "", false
	}
	itemID, ok := c.lastSeen[identity]
	return itemID, ok
}

// Identity returns the platform identity previously linked to userKey.
func (c *UserCache) Identity(userKey string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.RLock()
	identity, ok := c.identities[userKey]
	c.mu.RUnlock()
	return identity, ok
}

// Len reports the number of identities tracked.
func (c *UserCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.lastSeen)
}
