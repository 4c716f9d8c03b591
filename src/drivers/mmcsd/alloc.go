package mmcsd

import "sync"

// CardAllocator hands out Card records.  Alloc returns nil when there is
// nothing left to hand out.
type CardAllocator interface {
	Alloc() *Card
	Free(*Card)
}

const maxPoolSlots = 64

// CardPool is a fixed set of Card records with a bitmap of the ones in use.
// Nothing is allocated after NewCardPool returns.
type CardPool struct {
	mu    sync.Mutex
	slots []Card
	used  uint64
}

// NewCardPool makes a pool of n cards; n is clamped to [1,64].
func NewCardPool(n int) *CardPool {
	if n < 1 {
		n = 1
	}
	if n > maxPoolSlots {
		n = maxPoolSlots
	}
	return &CardPool{slots: make([]Card, n)}
}

func (p *CardPool) Alloc() *Card {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if p.used&(1<<uint(i)) != 0 {
			continue
		}
		p.used |= 1 << uint(i)
		p.slots[i] = Card{slot: i}
		return &p.slots[i]
	}
	return nil
}

func (p *CardPool) Free(c *Card) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := c.slot
	if i < 0 || i >= len(p.slots) || &p.slots[i] != c {
		panic("card passed to Free() that is not from this pool")
	}
	if p.used&(1<<uint(i)) == 0 {
		panic("card freed twice")
	}
	p.used &^= 1 << uint(i)
	p.slots[i] = Card{}
}

// InUse is the number of cards currently handed out.
func (p *CardPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.slots {
		if p.used&(1<<uint(i)) != 0 {
			n++
		}
	}
	return n
}

func (p *CardPool) Size() int {
	return len(p.slots)
}
