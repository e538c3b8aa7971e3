// Package journal keeps the bounded, serial-indexed change history of each
// zone that incremental transfers are served from.
package journal

import (
	"fmt"
	"sync"

	"github.com/haukened/rr-authd/internal/dns/common/utils"
	"github.com/haukened/rr-authd/internal/dns/domain"
)

// DefaultRetention is the number of diffs kept per zone when none is configured.
const DefaultRetention = 100

// Journal holds per-zone diff chains. Each chain is contiguous: every entry
// starts at the serial the previous one ended at.
type Journal struct {
	mu        sync.RWMutex
	retention int
	zones     map[string][]domain.Diff
}

// New creates a journal retaining at most retention diffs per zone.
func New(retention int) *Journal {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Journal{
		retention: retention,
		zones:     make(map[string][]domain.Diff),
	}
}

// Retention returns the per-zone entry limit.
func (j *Journal) Retention() int {
	return j.retention
}

// Append adds d to the zone's chain and prunes the oldest entries beyond
// retention. A diff that does not continue the chain starts a new one.
// It returns the oldest serial still reachable incrementally.
func (j *Journal) Append(zone string, d domain.Diff) uint32 {
	key := utils.CanonicalDNSName(zone)
	j.mu.Lock()
	defer j.mu.Unlock()

	chain := j.zones[key]
	if n := len(chain); n > 0 && chain[n-1].ToSerial != d.FromSerial {
		chain = nil
	}
	chain = append(chain, d)
	if over := len(chain) - j.retention; over > 0 {
		chain = append([]domain.Diff(nil), chain[over:]...)
	}
	j.zones[key] = chain
	return chain[0].FromSerial
}

// Range returns the diffs leading from serial from to serial to, in order.
// from == to yields an empty range. ErrJournalGap is returned when the
// chain does not cover the range.
func (j *Journal) Range(zone string, from, to uint32) ([]domain.Diff, error) {
	if from == to {
		return nil, nil
	}
	key := utils.CanonicalDNSName(zone)
	j.mu.RLock()
	defer j.mu.RUnlock()

	chain := j.zones[key]
	start := -1
	for i, d := range chain {
		if d.FromSerial == from {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: %s has no history from serial %d", domain.ErrJournalGap, zone, from)
	}
	for i := start; i < len(chain); i++ {
		if chain[i].ToSerial == to {
			out := make([]domain.Diff, i-start+1)
			copy(out, chain[start:i+1])
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s history from %d does not reach %d", domain.ErrJournalGap, zone, from, to)
}

// Restore replaces a zone's chain, trimming to retention. Used when reloading
// persisted history.
func (j *Journal) Restore(zone string, diffs []domain.Diff) {
	key := utils.CanonicalDNSName(zone)
	j.mu.Lock()
	defer j.mu.Unlock()
	var chain []domain.Diff
	for _, d := range diffs {
		if n := len(chain); n > 0 && chain[n-1].ToSerial != d.FromSerial {
			chain = nil
		}
		chain = append(chain, d)
	}
	if over := len(chain) - j.retention; over > 0 {
		chain = chain[over:]
	}
	if len(chain) == 0 {
		delete(j.zones, key)
		return
	}
	j.zones[key] = chain
}

// Purge drops all history for a zone.
func (j *Journal) Purge(zone string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.zones, utils.CanonicalDNSName(zone))
}

// Len returns the number of retained diffs for a zone.
func (j *Journal) Len(zone string) int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.zones[utils.CanonicalDNSName(zone)])
}

// Oldest returns the first serial of the retained chain.
func (j *Journal) Oldest(zone string) (uint32, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	chain := j.zones[utils.CanonicalDNSName(zone)]
	if len(chain) == 0 {
		return 0, false
	}
	return chain[0].FromSerial, true
}
