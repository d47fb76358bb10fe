package annotation

import "sync"

// Identities maps local keys to the remote ids they were published under.
// It is shared by the reconciler and the visibility machine so that a record
// published once is never created again.
type Identities struct {
	mu      sync.RWMutex
	byLocal map[string]string
}

func NewIdentities() *Identities {
	return &Identities{byLocal: make(map[string]string)}
}

func (c *Identities) Remember(localKey, remoteID string) {
	if localKey == "" || remoteID == "" {
		return
	}
	c.mu.Lock()
	c.byLocal[localKey] = remoteID
	c.mu.Unlock()
}

func (c *Identities) Lookup(localKey string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byLocal[localKey]
	return id, ok
}

func (c *Identities) Forget(localKey string) {
	c.mu.Lock()
	delete(c.byLocal, localKey)
	c.mu.Unlock()
}

func (c *Identities) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byLocal)
}
