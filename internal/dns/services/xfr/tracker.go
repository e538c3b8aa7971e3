package xfr

import (
	"context"
	"fmt"
	"sync"

	"github.com/haukened/rr-authd/internal/dns/common/utils"
	"github.com/haukened/rr-authd/internal/dns/domain"
	"github.com/haukened/rr-authd/internal/dns/repos/serial"
)

// Tracker records, per zone and replica, the highest serial the replica is
// known to hold. Replicas are identified by source address.
type Tracker struct {
	mu      sync.Mutex
	zones   map[string]map[string]uint32
	changed chan struct{}
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		zones:   make(map[string]map[string]uint32),
		changed: make(chan struct{}),
	}
}

// Observe records that peer holds zone at serial s. Older serials are ignored.
func (t *Tracker) Observe(zone, peer string, s uint32) {
	key := utils.CanonicalDNSName(zone)
	t.mu.Lock()
	defer t.mu.Unlock()
	peers, ok := t.zones[key]
	if !ok {
		peers = make(map[string]uint32)
		t.zones[key] = peers
	}
	if cur, ok := peers[peer]; ok && !serial.Newer(s, cur) {
		return
	}
	peers[peer] = s
	close(t.changed)
	t.changed = make(chan struct{})
}

// Count returns how many replicas hold zone at serial s or newer.
func (t *Tracker) Count(zone string, s uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count(utils.CanonicalDNSName(zone), s)
}

func (t *Tracker) count(key string, s uint32) int {
	n := 0
	for _, have := range t.zones[key] {
		if serial.Compare(have, s) >= 0 {
			n++
		}
	}
	return n
}

// Forget drops everything known about zone.
func (t *Tracker) Forget(zone string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.zones, utils.CanonicalDNSName(zone))
}

// WaitFor blocks until replicas distinct peers hold zone at serial s or
// newer. It returns ErrReplicationTimeout when ctx ends first.
func (t *Tracker) WaitFor(ctx context.Context, zone string, s uint32, replicas int) error {
	key := utils.CanonicalDNSName(zone)
	for {
		t.mu.Lock()
		n := t.count(key, s)
		changed := t.changed
		t.mu.Unlock()
		if n >= replicas {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("%w: %d of %d replicas reached %s serial %d", domain.ErrReplicationTimeout, n, replicas, zone, s)
		}
	}
}
