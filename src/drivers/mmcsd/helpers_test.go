package mmcsd_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"mmcsd/src/drivers/mmcsd"
	"mmcsd/src/drivers/mmcsd/simcard"
)

type fakeBlock struct {
	mu      sync.Mutex
	err     error
	probed  []*mmcsd.Card
	removed []*mmcsd.Card
}

func (b *fakeBlock) Probe(card *mmcsd.Card) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probed = append(b.probed, card)
	return b.err
}

func (b *fakeBlock) Remove(card *mmcsd.Card) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, card)
}

func (b *fakeBlock) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.probed), len(b.removed)
}

type rig struct {
	card *simcard.Card
	ctrl *simcard.Controller
	pool *mmcsd.CardPool
	host *mmcsd.Host
	blk  *fakeBlock
}

func newRig(t *testing.T, mode mmcsd.TransportMode, card *simcard.Card, caps mmcsd.HostCaps) *rig {
	t.Helper()
	r := &rig{
		card: card,
		ctrl: simcard.NewController(mode, card),
		pool: mmcsd.NewCardPool(1),
		blk:  &fakeBlock{},
	}
	r.host = mmcsd.NewHost(r.ctrl, mmcsd.HostConfig{
		Name:      "sdtest",
		Caps:      caps,
		Allocator: r.pool,
		Delay:     func(time.Duration) {},
	})
	return r
}

func (r *rig) bound() *mmcsd.Card {
	r.host.Lock()
	defer r.host.Unlock()
	return r.host.Card()
}

func (r *rig) expectEmpty(t *testing.T) {
	t.Helper()
	if c := r.bound(); c != nil {
		t.Errorf("slot should be empty, has %s", c.Name())
	}
	if n := r.pool.InUse(); n != 0 {
		t.Errorf("expected no cards in use, got %d", n)
	}
}

func expectError(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}
