package domain

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/haukened/rr-authd/internal/dns/common/utils"
)

// RRSet is every rdata value stored under one owner name and type.
// Rdata keeps insertion order, which is the order records are transferred in.
//
// Rdata slices are treated as immutable once stored: edits always build a
// new slice so that zone snapshots can share them.
type RRSet struct {
	Name  string   `json:"name"`
	Type  RRType   `json:"type"`
	TTL   uint32   `json:"ttl"`
	Rdata [][]byte `json:"rdata"`
}

// RRSetKey identifies an RRSet regardless of owner name case.
type RRSetKey struct {
	Name string
	Type RRType
}

// Key returns the case-folded identity of the set.
func (s RRSet) Key() RRSetKey {
	return RRSetKey{Name: utils.CanonicalDNSName(s.Name), Type: s.Type}
}

// Validate checks the set can be stored in a zone.
func (s RRSet) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: owner name must not be empty", ErrInvalidRecord)
	}
	if !s.Type.IsStorable() {
		return fmt.Errorf("%w: type %s cannot be stored", ErrInvalidRecord, s.Type)
	}
	if len(s.Rdata) == 0 {
		return fmt.Errorf("%w: %s %s has no rdata", ErrInvalidRecord, s.Name, s.Type)
	}
	for i, rd := range s.Rdata {
		if len(rd) == 0 {
			return fmt.Errorf("%w: %s %s rdata %d is empty", ErrInvalidRecord, s.Name, s.Type, i)
		}
		for _, prev := range s.Rdata[:i] {
			if bytes.Equal(prev, rd) {
				return fmt.Errorf("%w: %s %s has duplicate rdata", ErrInvalidRecord, s.Name, s.Type)
			}
		}
	}
	return nil
}

// Contains reports whether rdata is a member of the set.
func (s RRSet) Contains(rdata []byte) bool {
	return s.indexOf(rdata) >= 0
}

func (s RRSet) indexOf(rdata []byte) int {
	for i, rd := range s.Rdata {
		if bytes.Equal(rd, rdata) {
			return i
		}
	}
	return -1
}

// Records expands the set into one record per rdata value sharing the set's TTL.
func (s RRSet) Records() []ResourceRecord {
	out := make([]ResourceRecord, 0, len(s.Rdata))
	for _, rd := range s.Rdata {
		out = append(out, ResourceRecord{Name: s.Name, Type: s.Type, TTL: s.TTL, Data: rd})
	}
	return out
}

// Equal compares two sets including TTL and rdata order. Names compare
// case-insensitively.
func (s RRSet) Equal(o RRSet) bool {
	if s.Key() != o.Key() || s.TTL != o.TTL || len(s.Rdata) != len(o.Rdata) {
		return false
	}
	for i := range s.Rdata {
		if !bytes.Equal(s.Rdata[i], o.Rdata[i]) {
			return false
		}
	}
	return true
}

// GroupRecords folds a record stream into RRSets, keeping the order in which
// each set first appears. The TTL of the first record of a set wins.
func GroupRecords(records []ResourceRecord) []RRSet {
	var sets []RRSet
	pos := make(map[RRSetKey]int)
	for _, rr := range records {
		k := RRSetKey{Name: utils.CanonicalDNSName(rr.Name), Type: rr.Type}
		i, ok := pos[k]
		if !ok {
			pos[k] = len(sets)
			sets = append(sets, RRSet{Name: utils.PresentationName(rr.Name), Type: rr.Type, TTL: rr.TTL, Rdata: [][]byte{rr.Data}})
			continue
		}
		if !sets[i].Contains(rr.Data) {
			sets[i].Rdata = append(sets[i].Rdata, rr.Data)
		}
	}
	return sets
}
