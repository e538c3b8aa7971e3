package domain

// Diff is one journal entry: the record-level change that moved a zone from
// FromSerial to ToSerial. SOA changes are carried by FromSOA and ToSOA and
// never appear in Removed or Added.
type Diff struct {
	FromSerial uint32  `json:"from"`
	ToSerial   uint32  `json:"to"`
	FromSOA    SOA     `json:"from_soa"`
	ToSOA      SOA     `json:"to_soa"`
	Removed    []RRSet `json:"removed,omitempty"`
	Added      []RRSet `json:"added,omitempty"`
}

// IsEmpty reports whether the diff carries no record changes.
func (d Diff) IsEmpty() bool {
	return len(d.Removed) == 0 && len(d.Added) == 0
}

// Records renders the diff as an IXFR block: old SOA, removed records,
// new SOA, added records (RFC 1995 section 4).
func (d Diff) Records(zone string, ttl uint32) []ResourceRecord {
	recs := []ResourceRecord{{Name: zone, Type: RRTypeSOA, TTL: ttl, Data: d.FromSOA.Rdata()}}
	for _, s := range d.Removed {
		recs = append(recs, s.Records()...)
	}
	recs = append(recs, ResourceRecord{Name: zone, Type: RRTypeSOA, TTL: ttl, Data: d.ToSOA.Rdata()})
	for _, s := range d.Added {
		recs = append(recs, s.Records()...)
	}
	return recs
}
