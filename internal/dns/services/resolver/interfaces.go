package resolver

import (
	"github.com/haukened/rr-authd/internal/dns/domain"
)

// ZoneFinder locates the closest enclosing zone of a name and reports
// whether that zone has expired on this node.
type ZoneFinder interface {
	FindZone(qname string) (*domain.Zone, bool, error)
}

// AliasResolver expands CNAME chains starting at the initial records.
type AliasResolver interface {
	Chase(query domain.Question, initial []domain.ResourceRecord) ([]domain.ResourceRecord, error)
}
