package domain

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/haukened/rr-authd/internal/dns/common/utils"
)

// Zone is a versioned snapshot of one authoritative zone.
//
// A *Zone that has been published by a store is immutable. Writers take a
// Clone, edit it privately and publish the clone as the next version. Clones
// share unchanged owners with their parent; edited owners are copied first.
type Zone struct {
	name       string
	key        string
	defaultTTL uint32
	soa        SOA
	owners     []*owner
	index      map[string]int

	// names touched since Clone, in first-touch order
	dirty    []string
	dirtySet map[string]struct{}
}

type owner struct {
	name string
	sets []RRSet
}

// Snapshot is the complete record stream of a zone version in transfer
// order: SOA, apex NS, every other RRSet in insertion order, SOA again.
type Snapshot struct {
	Zone    string
	Serial  uint32
	Records []ResourceRecord
}

// NewZone returns an empty zone. The case of name is kept for output.
func NewZone(name string, defaultTTL uint32, soa SOA) *Zone {
	return &Zone{
		name:       utils.PresentationName(name),
		key:        utils.CanonicalDNSName(name),
		defaultTTL: defaultTTL,
		soa:        soa,
		index:      make(map[string]int),
	}
}

// Name returns the zone origin as first stored.
func (z *Zone) Name() string { return z.name }

// Key returns the canonical lookup key of the zone.
func (z *Zone) Key() string { return z.key }

func (z *Zone) DefaultTTL() uint32 { return z.defaultTTL }
func (z *Zone) SOA() SOA           { return z.soa }
func (z *Zone) Serial() uint32     { return z.soa.Serial }

// SOARecord returns the zone's SOA as an answer record. Its TTL is the zone
// default TTL.
func (z *Zone) SOARecord() ResourceRecord {
	return ResourceRecord{Name: z.name, Type: RRTypeSOA, TTL: z.defaultTTL, Data: z.soa.Rdata()}
}

// Contains reports whether name is at or below the zone origin.
func (z *Zone) Contains(name string) bool {
	return utils.IsSubdomainOf(name, z.key)
}

// HasName reports whether any RRSet is stored under name. The apex always exists.
func (z *Zone) HasName(name string) bool {
	k := utils.CanonicalDNSName(name)
	if k == z.key {
		return true
	}
	_, ok := z.index[k]
	return ok
}

// Exists reports whether name owns records or is an empty non-terminal,
// i.e. has descendants that do.
func (z *Zone) Exists(name string) bool {
	if z.HasName(name) {
		return true
	}
	k := utils.CanonicalDNSName(name)
	if !z.Contains(k) {
		return false
	}
	for owner := range z.index {
		if utils.IsSubdomainOf(owner, k) {
			return true
		}
	}
	return false
}

// OwnerName returns the stored presentation case of name.
func (z *Zone) OwnerName(name string) (string, bool) {
	k := utils.CanonicalDNSName(name)
	if k == z.key {
		return z.name, true
	}
	i, ok := z.index[k]
	if !ok {
		return "", false
	}
	return z.owners[i].name, true
}

// Lookup returns the RRSet for name and type. The SOA is synthesized at the apex.
func (z *Zone) Lookup(name string, t RRType) (RRSet, bool) {
	k := utils.CanonicalDNSName(name)
	if t == RRTypeSOA {
		if k != z.key {
			return RRSet{}, false
		}
		return RRSet{Name: z.name, Type: RRTypeSOA, TTL: z.defaultTTL, Rdata: [][]byte{z.soa.Rdata()}}, true
	}
	i, ok := z.index[k]
	if !ok {
		return RRSet{}, false
	}
	for _, s := range z.owners[i].sets {
		if s.Type == t {
			return s, true
		}
	}
	return RRSet{}, false
}

// RRSetsAt returns every RRSet stored under name, in insertion order.
func (z *Zone) RRSetsAt(name string) []RRSet {
	i, ok := z.index[utils.CanonicalDNSName(name)]
	if !ok {
		return nil
	}
	return slices.Clone(z.owners[i].sets)
}

// RRSets returns all RRSets except the SOA in insertion order.
func (z *Zone) RRSets() []RRSet {
	var out []RRSet
	for _, o := range z.owners {
		out = append(out, o.sets...)
	}
	return out
}

// Len returns the number of stored RRSets, SOA excluded.
func (z *Zone) Len() int {
	n := 0
	for _, o := range z.owners {
		n += len(o.sets)
	}
	return n
}

// Snapshot renders the zone in transfer order.
func (z *Zone) Snapshot() Snapshot {
	soa := z.SOARecord()
	recs := []ResourceRecord{soa}
	apex, hasApex := z.index[z.key]
	if ns, ok := z.Lookup(z.name, RRTypeNS); ok {
		recs = append(recs, ns.Records()...)
	}
	for i, o := range z.owners {
		for _, s := range o.sets {
			if hasApex && i == apex && s.Type == RRTypeNS {
				continue
			}
			recs = append(recs, s.Records()...)
		}
	}
	recs = append(recs, soa)
	return Snapshot{Zone: z.name, Serial: z.soa.Serial, Records: recs}
}

// Clone returns a private copy for the next version of the zone.
func (z *Zone) Clone() *Zone {
	c := *z
	c.owners = slices.Clone(z.owners)
	c.index = make(map[string]int, len(z.index))
	for k, v := range z.index {
		c.index[k] = v
	}
	c.dirty = nil
	c.dirtySet = nil
	return &c
}

// SetSOA replaces the SOA, serial included.
func (z *Zone) SetSOA(soa SOA) { z.soa = soa }

// SetSerial replaces only the SOA serial.
func (z *Zone) SetSerial(serial uint32) { z.soa.Serial = serial }

// Put stores set, replacing any RRSet with the same owner and type.
func (z *Zone) Put(set RRSet) error {
	if err := z.checkSet(set); err != nil {
		return err
	}
	o, k := z.ownerForWrite(set.Name)
	set.Name = o.name
	set.Rdata = slices.Clone(set.Rdata)
	if i := o.find(set.Type); i >= 0 {
		o.sets[i] = set
	} else {
		o.sets = append(o.sets, set)
	}
	z.touch(k)
	return nil
}

// Delete removes the RRSet of type t under name, or every RRSet under name
// when t is nil. It reports whether anything was removed.
func (z *Zone) Delete(name string, t *RRType) bool {
	k := utils.CanonicalDNSName(name)
	i, ok := z.index[k]
	if !ok {
		return false
	}
	if t == nil {
		z.removeOwner(k, i)
		return true
	}
	if z.owners[i].find(*t) < 0 {
		return false
	}
	o, _ := z.ownerForWrite(name)
	j := o.find(*t)
	o.sets = slices.Delete(o.sets, j, j+1)
	if len(o.sets) == 0 {
		z.removeOwner(k, z.index[k])
	}
	z.touch(k)
	return true
}

// AddRdata merges the values of set into the stored RRSet, creating it if
// needed. The stored TTL becomes set.TTL.
func (z *Zone) AddRdata(set RRSet) error {
	if err := z.checkSet(set); err != nil {
		return err
	}
	o, k := z.ownerForWrite(set.Name)
	i := o.find(set.Type)
	if i < 0 {
		o.sets = append(o.sets, RRSet{Name: o.name, Type: set.Type, TTL: set.TTL, Rdata: slices.Clone(set.Rdata)})
		z.touch(k)
		return nil
	}
	cur := o.sets[i]
	merged := slices.Clone(cur.Rdata)
	for _, rd := range set.Rdata {
		if !cur.Contains(rd) {
			merged = append(merged, rd)
		}
	}
	o.sets[i] = RRSet{Name: o.name, Type: cur.Type, TTL: set.TTL, Rdata: merged}
	z.touch(k)
	return nil
}

// RemoveRdata removes the values of set from the stored RRSet. Every value
// must be present. Emptied sets and owners are dropped.
func (z *Zone) RemoveRdata(set RRSet) error {
	return z.removeRdata(set, false)
}

// removeRdata optionally keeps an emptied set in place so that a following
// addition lands in the same position. See dropEmpty.
func (z *Zone) removeRdata(set RRSet, keepEmpty bool) error {
	cur, ok := z.Lookup(set.Name, set.Type)
	if !ok || set.Type == RRTypeSOA {
		return fmt.Errorf("%w: %s %s", ErrNotFound, set.Name, set.Type)
	}
	kept := make([][]byte, 0, len(cur.Rdata))
	for _, rd := range cur.Rdata {
		if !set.Contains(rd) {
			kept = append(kept, rd)
		}
	}
	if len(cur.Rdata)-len(kept) != len(set.Rdata) {
		return fmt.Errorf("%w: %s %s value not present", ErrNotFound, set.Name, set.Type)
	}
	if len(kept) == 0 && !keepEmpty {
		t := set.Type
		z.Delete(set.Name, &t)
		return nil
	}
	o, k := z.ownerForWrite(set.Name)
	o.sets[o.find(set.Type)] = RRSet{Name: o.name, Type: cur.Type, TTL: cur.TTL, Rdata: kept}
	z.touch(k)
	return nil
}

// ApplyDiff applies removals then additions and moves the SOA to d.ToSOA.
// The zone must be at d.FromSerial. On error the zone is left partially
// edited and must be discarded.
func (z *Zone) ApplyDiff(d Diff) error {
	if z.soa.Serial != d.FromSerial {
		return fmt.Errorf("%w: zone %s at serial %d, diff starts at %d", ErrJournalGap, z.name, z.soa.Serial, d.FromSerial)
	}
	for _, s := range d.Removed {
		if err := z.removeRdata(s, true); err != nil {
			return fmt.Errorf("%w: diff %d->%d does not apply: %v", ErrJournalGap, d.FromSerial, d.ToSerial, err)
		}
	}
	for _, s := range d.Added {
		if err := z.AddRdata(s); err != nil {
			return err
		}
	}
	z.dropEmpty()
	z.soa = d.ToSOA
	return nil
}

// dropEmpty removes sets emptied by removeRdata and owners left without sets.
func (z *Zone) dropEmpty() {
	for _, k := range z.dirty {
		i, ok := z.index[k]
		if !ok {
			continue
		}
		o := z.owners[i]
		sets := make([]RRSet, 0, len(o.sets))
		for _, s := range o.sets {
			if len(s.Rdata) > 0 {
				sets = append(sets, s)
			}
		}
		switch {
		case len(sets) == 0:
			z.removeOwner(k, i)
		case len(sets) != len(o.sets):
			z.owners[i] = &owner{name: o.name, sets: sets}
		}
	}
}

// Changes computes the record-level difference between base and z over the
// names edited since z was cloned from base. A set whose TTL changed, or
// whose values are not the surviving old values followed by new ones, is
// expressed as a removal of the whole old set and an addition of the whole
// new one, so ApplyDiff rebuilds it in the same order.
func (z *Zone) Changes(base *Zone) (removed, added []RRSet) {
	for _, k := range z.dirty {
		oldSets := base.RRSetsAt(k)
		newSets := z.RRSetsAt(k)
		for _, o := range oldSets {
			n, ok := findSet(newSets, o.Type)
			switch {
			case !ok, replaced(o, n):
				removed = append(removed, o)
			default:
				if gone := subtract(o, n); len(gone.Rdata) > 0 {
					removed = append(removed, gone)
				}
			}
		}
		for _, n := range newSets {
			o, ok := findSet(oldSets, n.Type)
			switch {
			case !ok, replaced(o, n):
				added = append(added, n)
			default:
				if fresh := subtract(n, o); len(fresh.Rdata) > 0 {
					added = append(added, fresh)
				}
			}
		}
	}
	return removed, added
}

func (z *Zone) checkSet(set RRSet) error {
	if err := set.Validate(); err != nil {
		return err
	}
	if !z.Contains(set.Name) {
		return fmt.Errorf("%w: %s is outside zone %s", ErrInvalidRecord, set.Name, z.name)
	}
	return nil
}

// ownerForWrite returns a private copy of the owner for name, creating it if needed.
func (z *Zone) ownerForWrite(name string) (*owner, string) {
	k := utils.CanonicalDNSName(name)
	i, ok := z.index[k]
	if !ok {
		display := utils.PresentationName(name)
		if k == z.key {
			display = z.name
		}
		o := &owner{name: display}
		z.index[k] = len(z.owners)
		z.owners = append(z.owners, o)
		return o, k
	}
	o := &owner{name: z.owners[i].name, sets: slices.Clone(z.owners[i].sets)}
	z.owners[i] = o
	return o, k
}

func (z *Zone) removeOwner(k string, i int) {
	z.owners = slices.Delete(z.owners, i, i+1)
	delete(z.index, k)
	for j := i; j < len(z.owners); j++ {
		z.index[utils.CanonicalDNSName(z.owners[j].name)] = j
	}
	z.touch(k)
}

func (z *Zone) touch(k string) {
	if z.dirtySet == nil {
		z.dirtySet = make(map[string]struct{})
	}
	if _, ok := z.dirtySet[k]; ok {
		return
	}
	z.dirtySet[k] = struct{}{}
	z.dirty = append(z.dirty, k)
}

func (o *owner) find(t RRType) int {
	for i, s := range o.sets {
		if s.Type == t {
			return i
		}
	}
	return -1
}

func findSet(sets []RRSet, t RRType) (RRSet, bool) {
	for _, s := range sets {
		if s.Type == t {
			return s, true
		}
	}
	return RRSet{}, false
}

// replaced reports whether n cannot be reached from o by removing values
// and appending the rest, which is all a partial diff can express.
func replaced(o, n RRSet) bool {
	if n.TTL != o.TTL {
		return true
	}
	want := make([][]byte, 0, len(n.Rdata))
	for _, rd := range o.Rdata {
		if n.Contains(rd) {
			want = append(want, rd)
		}
	}
	want = append(want, subtract(n, o).Rdata...)
	return !slices.EqualFunc(want, n.Rdata, bytes.Equal)
}

// subtract returns the values of a that are not in b.
func subtract(a, b RRSet) RRSet {
	out := RRSet{Name: a.Name, Type: a.Type, TTL: a.TTL}
	for _, rd := range a.Rdata {
		if !b.Contains(rd) {
			out.Rdata = append(out.Rdata, rd)
		}
	}
	return out
}
