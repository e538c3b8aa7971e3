// Package zonestore holds the authoritative zones served by this node.
//
// Every zone is published as an immutable *domain.Zone snapshot behind an
// atomic pointer. Readers never lock a zone; writers on the same zone are
// serialized by a per-zone mutex and publish a new snapshot only after the
// persister and the journal have recorded the change.
package zonestore

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/haukened/rr-authd/internal/dns/common/log"
	"github.com/haukened/rr-authd/internal/dns/common/metrics"
	"github.com/haukened/rr-authd/internal/dns/common/utils"
	"github.com/haukened/rr-authd/internal/dns/domain"
	"github.com/haukened/rr-authd/internal/dns/repos/journal"
	"github.com/haukened/rr-authd/internal/dns/repos/serial"
)

// Persister makes committed zone versions durable. Commit must write the
// zone and its journal entry atomically.
type Persister interface {
	Commit(z *domain.Zone, d *domain.Diff) error
	Replace(z *domain.Zone) error
	Delete(zone string) error
}

// CommitHook is called after a new zone version is published. Hooks run
// outside the zone lock and must not block.
type CommitHook func(zone string, serial uint32)

// DeleteHook is called after a zone has been removed. Like commit hooks it
// runs outside the zone lock and must not block.
type DeleteHook func(zone string)

// Options configures a Store.
type Options struct {
	Journal   *journal.Journal
	Persister Persister
	Logger    log.Logger
}

// Store is the in-memory, persistence-backed zone table.
type Store struct {
	mu      sync.RWMutex
	zones   map[string]*entry
	journal *journal.Journal
	persist Persister
	logger  log.Logger

	hookMu      sync.RWMutex
	hooks       []CommitHook
	deleteHooks []DeleteHook
}

type entry struct {
	mu      sync.Mutex // serializes writers
	snap    atomic.Pointer[domain.Zone]
	expired atomic.Bool
	deleted bool // guarded by mu
}

// New creates an empty Store.
func New(opts Options) *Store {
	if opts.Journal == nil {
		opts.Journal = journal.New(journal.DefaultRetention)
	}
	if opts.Persister == nil {
		opts.Persister = NopPersister{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Store{
		zones:   make(map[string]*entry),
		journal: opts.Journal,
		persist: opts.Persister,
		logger:  opts.Logger,
	}
}

// OnCommit registers a hook fired after every published zone version.
func (s *Store) OnCommit(h CommitHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, h)
}

// OnDelete registers a hook fired after every zone removal.
func (s *Store) OnDelete(h DeleteHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.deleteHooks = append(s.deleteHooks, h)
}

// Restore loads a zone and its history without persisting, e.g. at startup.
func (s *Store) Restore(z *domain.Zone, diffs []domain.Diff) {
	e := &entry{}
	e.snap.Store(z)
	s.mu.Lock()
	s.zones[z.Key()] = e
	metrics.ZonesTotal.Set(float64(len(s.zones)))
	s.mu.Unlock()
	s.journal.Restore(z.Key(), diffs)
	metrics.ZoneSerial.WithLabelValues(z.Key()).Set(float64(z.Serial()))
}

// CreateZone builds the zone from def at serial 1 and stores it.
func (s *Store) CreateZone(def domain.ZoneDefinition) (uint32, error) {
	z, err := def.Build(serial.Initial)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	if _, ok := s.zones[z.Key()]; ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", domain.ErrZoneExists, z.Name())
	}
	if err := s.persist.Commit(z, nil); err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("persist zone %s: %w", z.Name(), err)
	}
	e := &entry{}
	e.snap.Store(z)
	s.zones[z.Key()] = e
	metrics.ZonesTotal.Set(float64(len(s.zones)))
	s.mu.Unlock()

	s.logger.Info(map[string]any{"zone": z.Name(), "serial": z.Serial(), "rrsets": z.Len()}, "zone created")
	s.published(z, "local")
	return z.Serial(), nil
}

// GetZone returns the current snapshot of a zone.
func (s *Store) GetZone(name string) (*domain.Zone, error) {
	e, err := s.entry(name)
	if err != nil {
		return nil, err
	}
	return e.snap.Load(), nil
}

// Serial returns the current serial of a zone, if present.
func (s *Store) Serial(name string) (uint32, bool) {
	z, err := s.GetZone(name)
	if err != nil {
		return 0, false
	}
	return z.Serial(), true
}

// ListZone returns the full transfer-ordered record stream of a zone.
func (s *Store) ListZone(name string) (domain.Snapshot, error) {
	z, err := s.GetZone(name)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return z.Snapshot(), nil
}

// FindZone returns the closest enclosing zone of qname and whether it has expired.
func (s *Store) FindZone(qname string) (*domain.Zone, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range utils.Ancestors(qname) {
		if e, ok := s.zones[name]; ok {
			return e.snap.Load(), e.expired.Load(), nil
		}
	}
	return nil, false, fmt.Errorf("%w: %s", domain.ErrNotAuthoritative, qname)
}

// Zones returns the names of every zone in the store.
func (s *Store) Zones() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.zones))
	for _, e := range s.zones {
		out = append(out, e.snap.Load().Name())
	}
	return out
}

// DeleteZone removes a zone and its journal. Readers either find the whole
// zone or nothing.
func (s *Store) DeleteZone(name string) error {
	key := utils.CanonicalDNSName(name)
	s.mu.Lock()
	e, ok := s.zones[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: zone %s", domain.ErrNotFound, name)
	}
	e.mu.Lock()
	if err := s.persist.Delete(key); err != nil {
		e.mu.Unlock()
		s.mu.Unlock()
		return fmt.Errorf("persist delete %s: %w", name, err)
	}
	display := e.snap.Load().Name()
	delete(s.zones, key)
	e.deleted = true
	e.mu.Unlock()
	metrics.ZonesTotal.Set(float64(len(s.zones)))
	s.mu.Unlock()

	s.journal.Purge(key)
	metrics.ZoneSerial.DeleteLabelValues(key)
	metrics.JournalEntries.DeleteLabelValues(key)
	s.logger.Info(map[string]any{"zone": name}, "zone deleted")

	s.hookMu.RLock()
	hooks := s.deleteHooks
	s.hookMu.RUnlock()
	for _, h := range hooks {
		h(display)
	}
	return nil
}

// UpsertRRSet replaces the RRSet with the same owner and type. An identical
// RRSet commits nothing and returns the current serial.
func (s *Store) UpsertRRSet(zone string, set domain.RRSet) (uint32, error) {
	return s.mutate(zone, func(z *domain.Zone) error {
		return z.Put(set)
	})
}

// AddRdata merges values into an RRSet, creating it if needed.
func (s *Store) AddRdata(zone string, set domain.RRSet) (uint32, error) {
	return s.mutate(zone, func(z *domain.Zone) error {
		return z.AddRdata(set)
	})
}

// DeleteRRSet removes one RRSet, or every RRSet under name when t is nil.
func (s *Store) DeleteRRSet(zone, name string, t *domain.RRType) (uint32, error) {
	return s.mutate(zone, func(z *domain.Zone) error {
		if !z.Delete(name, t) {
			return fmt.Errorf("%w: %s in zone %s", domain.ErrNotFound, name, zone)
		}
		return nil
	})
}

// RemoveRdata removes individual values from an RRSet.
func (s *Store) RemoveRdata(zone string, set domain.RRSet) (uint32, error) {
	return s.mutate(zone, func(z *domain.Zone) error {
		return z.RemoveRdata(set)
	})
}

// mutate runs edit on a private copy of the zone and commits the result as
// the next serial: persist, journal, then publish.
func (s *Store) mutate(zone string, edit func(z *domain.Zone) error) (uint32, error) {
	e, err := s.entry(zone)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: zone %s", domain.ErrNotFound, zone)
	}
	cur := e.snap.Load()
	next := cur.Clone()
	if err := edit(next); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	removed, added := next.Changes(cur)
	if len(removed) == 0 && len(added) == 0 {
		e.mu.Unlock()
		return cur.Serial(), nil
	}
	next.SetSerial(serial.Next(cur.Serial()))
	d := domain.Diff{
		FromSerial: cur.Serial(),
		ToSerial:   next.Serial(),
		FromSOA:    cur.SOA(),
		ToSOA:      next.SOA(),
		Removed:    removed,
		Added:      added,
	}
	if err := s.commit(e, next, &d); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	e.mu.Unlock()

	s.logger.Debug(map[string]any{"zone": next.Name(), "serial": next.Serial(), "removed": len(removed), "added": len(added)}, "zone updated")
	s.published(next, "local")
	return next.Serial(), nil
}

// ApplyDiff applies one replicated diff block atomically. The zone must be
// at d.FromSerial; a zone already at or past d.ToSerial reports
// ErrStaleTransfer.
func (s *Store) ApplyDiff(zone string, d domain.Diff) error {
	e, err := s.entry(zone)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return fmt.Errorf("%w: zone %s", domain.ErrNotFound, zone)
	}
	cur := e.snap.Load()
	if serial.Compare(cur.Serial(), d.ToSerial) >= 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s at %d, diff ends at %d", domain.ErrStaleTransfer, zone, cur.Serial(), d.ToSerial)
	}
	next := cur.Clone()
	if err := next.ApplyDiff(d); err != nil {
		e.mu.Unlock()
		return err
	}
	if err := s.commit(e, next, &d); err != nil {
		e.mu.Unlock()
		return err
	}
	e.expired.Store(false)
	e.mu.Unlock()

	s.published(next, "replicated")
	return nil
}

// ReplaceZone swaps in a fully transferred zone and drops its journal. An
// older serial is refused with ErrStaleTransfer unless force is set; an
// equal serial is a no-op.
func (s *Store) ReplaceZone(z *domain.Zone, force bool) error {
	s.mu.Lock()
	e, ok := s.zones[z.Key()]
	if !ok {
		if err := s.persist.Replace(z); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("persist zone %s: %w", z.Name(), err)
		}
		e = &entry{}
		e.snap.Store(z)
		s.zones[z.Key()] = e
		metrics.ZonesTotal.Set(float64(len(s.zones)))
		s.mu.Unlock()
		s.journal.Purge(z.Key())
		s.published(z, "replicated")
		return nil
	}
	s.mu.Unlock()

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return s.ReplaceZone(z, force)
	}
	cur := e.snap.Load()
	if !force {
		switch c := serial.Compare(z.Serial(), cur.Serial()); {
		case c < 0:
			e.mu.Unlock()
			return fmt.Errorf("%w: %s at %d, transfer at %d", domain.ErrStaleTransfer, z.Name(), cur.Serial(), z.Serial())
		case c == 0:
			e.expired.Store(false)
			e.mu.Unlock()
			return nil
		}
	}
	if err := s.persist.Replace(z); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("persist zone %s: %w", z.Name(), err)
	}
	s.journal.Purge(z.Key())
	e.snap.Store(z)
	e.expired.Store(false)
	e.mu.Unlock()

	s.published(z, "replicated")
	return nil
}

// Diffs returns the current zone and the journal entries leading from
// serial from to its serial.
func (s *Store) Diffs(zone string, from uint32) (*domain.Zone, []domain.Diff, error) {
	z, err := s.GetZone(zone)
	if err != nil {
		return nil, nil, err
	}
	diffs, err := s.journal.Range(z.Key(), from, z.Serial())
	if err != nil {
		return z, nil, err
	}
	return z, diffs, nil
}

// SetExpired marks a replica zone as past its SOA expire.
func (s *Store) SetExpired(zone string, expired bool) error {
	e, err := s.entry(zone)
	if err != nil {
		return err
	}
	if e.expired.Swap(expired) != expired {
		s.logger.Warn(map[string]any{"zone": zone, "expired": expired}, "zone expiry changed")
	}
	return nil
}

// Expired reports whether a zone is marked expired.
func (s *Store) Expired(zone string) bool {
	e, err := s.entry(zone)
	if err != nil {
		return false
	}
	return e.expired.Load()
}

func (s *Store) entry(name string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.zones[utils.CanonicalDNSName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: zone %s", domain.ErrNotFound, name)
	}
	return e, nil
}

// commit persists next with its diff, appends the diff to the journal and
// publishes next. The caller holds e.mu.
func (s *Store) commit(e *entry, next *domain.Zone, d *domain.Diff) error {
	if err := s.persist.Commit(next, d); err != nil {
		return fmt.Errorf("persist zone %s: %w", next.Name(), err)
	}
	s.journal.Append(next.Key(), *d)
	e.snap.Store(next)
	return nil
}

func (s *Store) published(z *domain.Zone, origin string) {
	metrics.ZoneSerial.WithLabelValues(z.Key()).Set(float64(z.Serial()))
	metrics.JournalEntries.WithLabelValues(z.Key()).Set(float64(s.journal.Len(z.Key())))
	metrics.CommitsTotal.WithLabelValues(origin).Inc()

	s.hookMu.RLock()
	hooks := s.hooks
	s.hookMu.RUnlock()
	for _, h := range hooks {
		h(z.Name(), z.Serial())
	}
}

// NopPersister keeps zones in memory only.
type NopPersister struct{}

func (NopPersister) Commit(*domain.Zone, *domain.Diff) error { return nil }
func (NopPersister) Replace(*domain.Zone) error              { return nil }
func (NopPersister) Delete(string) error                     { return nil }

