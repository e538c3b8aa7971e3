// Package xfrcache keeps rendered zone transfer record streams so repeated
// transfers of the same zone version are not rebuilt for every replica.
package xfrcache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/rr-authd/internal/dns/domain"
)

// Key identifies a rendered transfer: the zone, the transfer type (AXFR or
// IXFR) and, for IXFR, the requester's starting serial.
type Key struct {
	Zone string
	Type domain.RRType
	From uint32
}

type entry struct {
	version *domain.Zone
	records []domain.ResourceRecord
}

// Cache is an LRU of transfer streams. Each entry is bound to the zone
// snapshot it was rendered from and is only returned for that snapshot, so
// a zone recreated at a reused serial never sees stale output.
type Cache struct {
	lru *lru.Cache[Key, entry]
}

// New returns a Cache holding at most size streams.
func New(size int) (*Cache, error) {
	c, err := lru.New[Key, entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// Get returns the stream rendered for version, if cached.
func (c *Cache) Get(k Key, version *domain.Zone) ([]domain.ResourceRecord, bool) {
	e, ok := c.lru.Get(k)
	if !ok {
		return nil, false
	}
	if e.version != version {
		c.lru.Remove(k)
		return nil, false
	}
	return e.records, true
}

// Set stores the stream rendered for version. Callers must not modify
// records afterwards.
func (c *Cache) Set(k Key, version *domain.Zone, records []domain.ResourceRecord) {
	c.lru.Add(k, entry{version: version, records: records})
}

// Len returns the number of cached streams.
func (c *Cache) Len() int {
	return c.lru.Len()
}
