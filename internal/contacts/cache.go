package contacts

import "github.com/p-blackswan/verichat/internal/models"

// entry is a doubly linked list node.
type entry struct {
	p          models.Participant
	prev, next *entry
}

// participantCache is a bounded LRU of every participant the directory has
// seen. It outlives reloads, so a transcript row from someone who dropped off
// the contact list still resolves to a name. Loop-owned; not safe for
// concurrent use.
type participantCache struct {
	capacity int
	items    map[string]*entry
	head     *entry // most recently used (sentinel)
	tail     *entry // least recently used (sentinel)
}

func newParticipantCache(capacity int) *participantCache {
	if capacity < 1 {
		capacity = 1
	}
	head, tail := &entry{}, &entry{}
	head.next = tail
	tail.prev = head
	return &participantCache{
		capacity: capacity,
		items:    make(map[string]*entry, capacity),
		head:     head,
		tail:     tail,
	}
}

func (c *participantCache) get(id string) (models.Participant, bool) {
	e, ok := c.items[id]
	if !ok {
		return models.Participant{}, false
	}
	c.unlink(e)
	c.pushFront(e)
	return e.p, true
}

// put stores p, evicting the least recently used participant when full.
func (c *participantCache) put(p models.Participant) {
	if e, ok := c.items[p.ID]; ok {
		e.p = p
		c.unlink(e)
		c.pushFront(e)
		return
	}
	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.unlink(victim)
		delete(c.items, victim.p.ID)
	}
	e := &entry{p: p}
	c.items[p.ID] = e
	c.pushFront(e)
}

func (c *participantCache) len() int { return len(c.items) }

func (c *participantCache) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

func (c *participantCache) pushFront(e *entry) {
	e.next = c.head.next
	e.prev = c.head
	c.head.next.prev = e
	c.head.next = e
}
