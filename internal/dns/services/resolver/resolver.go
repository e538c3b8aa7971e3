// Package resolver answers authoritative queries from the zone store.
//
// Names are matched case-insensitively and answered with the case they were
// stored with. TTLs are returned exactly as stored, including zero.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/haukened/rr-authd/internal/dns/common/log"
	"github.com/haukened/rr-authd/internal/dns/domain"
)

// DefaultMaxAliasDepth bounds CNAME chains followed inside local zones.
const DefaultMaxAliasDepth = 8

type Resolver struct {
	zones  ZoneFinder
	alias  AliasResolver
	logger log.Logger
}

type ResolverOptions struct {
	Zones         ZoneFinder
	AliasResolver AliasResolver
	Logger        log.Logger
}

func NewResolver(opts ResolverOptions) *Resolver {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.AliasResolver == nil {
		opts.AliasResolver = NewAliasChaser(opts.Zones, opts.Logger, DefaultMaxAliasDepth)
	}
	return &Resolver{
		zones:  opts.Zones,
		alias:  opts.AliasResolver,
		logger: opts.Logger,
	}
}

// Resolve returns the records of name and type. It fails with
// domain.ErrNameError when no zone covers name or name does not exist,
// domain.ErrNoData when name exists without that type, and
// domain.ErrZoneExpired when the covering zone has expired. A CNAME at
// name is returned for any other type.
func (r *Resolver) Resolve(name string, t domain.RRType) ([]domain.ResourceRecord, error) {
	z, expired, err := r.zones.FindZone(name)
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, fmt.Errorf("%w: %s", domain.ErrZoneExpired, z.Name())
	}
	return lookup(z, name, t)
}

func lookup(z *domain.Zone, name string, t domain.RRType) ([]domain.ResourceRecord, error) {
	if !z.Exists(name) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNameError, name)
	}
	if t == domain.RRTypeANY {
		var recs []domain.ResourceRecord
		if soa, ok := z.Lookup(name, domain.RRTypeSOA); ok {
			recs = append(recs, soa.Records()...)
		}
		for _, s := range z.RRSetsAt(name) {
			recs = append(recs, s.Records()...)
		}
		if len(recs) == 0 {
			return nil, fmt.Errorf("%w: %s", domain.ErrNoData, name)
		}
		return recs, nil
	}
	if set, ok := z.Lookup(name, t); ok {
		return set.Records(), nil
	}
	if t != domain.RRTypeCNAME {
		if cname, ok := z.Lookup(name, domain.RRTypeCNAME); ok {
			return cname.Records(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", domain.ErrNoData, name, t)
}

// HandleQuery answers one question. Names outside every local zone are
// REFUSED, expired zones answer SERVFAIL, and negative answers carry the
// zone SOA in the authority section.
func (r *Resolver) HandleQuery(ctx context.Context, query domain.Question, clientAddr net.Addr) (domain.DNSResponse, error) {
	z, expired, err := r.zones.FindZone(query.Name)
	if err != nil {
		r.logger.Debug(map[string]any{
			"query_id": query.ID,
			"name":     query.Name,
		}, "Query outside local zones")
		return domain.NewDNSErrorResponse(query.ID, domain.REFUSED), nil
	}
	if expired {
		r.logger.Warn(map[string]any{
			"query_id": query.ID,
			"name":     query.Name,
			"zone":     z.Name(),
		}, "Query against expired zone")
		return domain.NewDNSErrorResponse(query.ID, domain.SERVFAIL), nil
	}

	answers, err := lookup(z, query.Name, query.Type)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNameError):
		return r.negative(query, z, domain.NXDOMAIN), nil
	case errors.Is(err, domain.ErrNoData):
		return r.negative(query, z, domain.NOERROR), nil
	default:
		return domain.DNSResponse{}, err
	}

	answers, err = r.alias.Chase(query, answers)
	if err != nil {
		if isFatalAliasError(err) {
			r.logger.Warn(map[string]any{
				"query_id": query.ID,
				"name":     query.Name,
				"error":    err.Error(),
			}, "Alias chase failed")
			return domain.NewDNSErrorResponse(query.ID, domain.SERVFAIL), nil
		}
		r.logger.Debug(map[string]any{
			"query_id": query.ID,
			"name":     query.Name,
			"error":    err.Error(),
		}, "Alias chase stopped early")
	}

	return domain.DNSResponse{
		ID:            query.ID,
		RCode:         domain.NOERROR,
		Authoritative: true,
		Answers:       answers,
	}, nil
}

// negative builds an NXDOMAIN or NODATA answer. The SOA TTL is capped by
// the SOA minimum (RFC 2308 section 3).
func (r *Resolver) negative(query domain.Question, z *domain.Zone, rcode domain.RCode) domain.DNSResponse {
	soa := z.SOARecord()
	soa.TTL = min(soa.TTL, z.SOA().Minimum)
	return domain.DNSResponse{
		ID:            query.ID,
		RCode:         rcode,
		Authoritative: true,
		Authority:     []domain.ResourceRecord{soa},
	}
}
