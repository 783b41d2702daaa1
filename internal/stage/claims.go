package stage

import "sync"

// ClaimSet reserves books with an in-flight stage run. The pipeline poller
// and the task scheduler share one set, so a book is never processed by
// both dispatch paths at the same time.
type ClaimSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

// NewClaimSet returns an empty claim set.
func NewClaimSet() *ClaimSet {
	return &ClaimSet{ids: make(map[int64]struct{})}
}

// Claim reserves a book for one stage run. Returns false while another
// holder has it.
func (c *ClaimSet) Claim(bookID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.ids[bookID]; busy {
		return false
	}
	c.ids[bookID] = struct{}{}
	return true
}

// Release frees a claimed book. Releasing an unclaimed book is a no-op.
func (c *ClaimSet) Release(bookID int64) {
	c.mu.Lock()
	delete(c.ids, bookID)
	c.mu.Unlock()
}

// InFlight returns the claimed book IDs in no particular order.
func (c *ClaimSet) InFlight() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.ids))
	for id := range c.ids {
		ids = append(ids, id)
	}
	return ids
}
