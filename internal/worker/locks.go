package worker

import (
	"hash/fnv"
	"sync"
)

// conversationLocks serializes envelope processing per conversation
// within one process, so a single worker instance never interleaves
// writes for the same conversation. Cross-process interleaving is
// handled by the store's version check, not by these locks.
//
// Locks are striped by conversation id hash so the set stays bounded
// no matter how many conversations pass through.
type conversationLocks struct {
	stripes []sync.Mutex
}

func newConversationLocks(n int) *conversationLocks {
	if n <= 0 {
		n = 64
	}
	return &conversationLocks{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe for a conversation and returns its unlock.
func (c *conversationLocks) Lock(conversationID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	m := &c.stripes[h.Sum32()%uint32(len(c.stripes))]
	m.Lock()
	return m.Unlock
}
