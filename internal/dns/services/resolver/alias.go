package resolver

import (
	"errors"
	"fmt"

	"github.com/haukened/rr-authd/internal/dns/common/log"
	"github.com/haukened/rr-authd/internal/dns/common/utils"
	"github.com/haukened/rr-authd/internal/dns/domain"
)

var (
	// ErrAliasDepthExceeded is returned when the number of CNAME indirections
	// encountered during a chase exceeds the configured maximum depth.
	ErrAliasDepthExceeded = errors.New("alias resolution max depth exceeded")
	// ErrAliasLoopDetected is returned when a loop is detected (a previously
	// visited owner name reappears in the CNAME chain).
	ErrAliasLoopDetected = errors.New("alias loop detected")
	// ErrAliasTargetInvalid indicates the CNAME target could not be decoded.
	ErrAliasTargetInvalid = errors.New("alias target invalid")
)

// isFatalAliasError reports whether a chase error should turn the answer
// into SERVFAIL rather than a partial chain.
func isFatalAliasError(err error) bool {
	return errors.Is(err, ErrAliasDepthExceeded) || errors.Is(err, ErrAliasLoopDetected)
}

// aliasChaser follows CNAME chains through the zones held by this node
// (RFC 1034 section 4.3.2 step 3a). A target outside the local zones ends
// the chain; the client resolves the rest.
type aliasChaser struct {
	zones    ZoneFinder
	logger   log.Logger
	maxDepth int
}

// NewAliasChaser returns an AliasResolver over zones. A maxDepth <= 0
// disables depth limiting.
func NewAliasChaser(zones ZoneFinder, logger log.Logger, maxDepth int) AliasResolver {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &aliasChaser{zones: zones, logger: logger, maxDepth: maxDepth}
}

// NewNoOpAliasResolver returns an AliasResolver that echoes its input.
func NewNoOpAliasResolver() AliasResolver { return &noOpAliasResolver{} }

type noOpAliasResolver struct{}

func (n *noOpAliasResolver) Chase(query domain.Question, initial []domain.ResourceRecord) ([]domain.ResourceRecord, error) {
	return initial, nil
}

// Chase returns the CNAME hops followed from initial plus the terminal
// RRset answering the original type, if one is held locally. On a loop or
// depth violation the chain gathered so far is returned with the error.
func (a *aliasChaser) Chase(query domain.Question, initial []domain.ResourceRecord) ([]domain.ResourceRecord, error) {
	if !isHeadCNAME(initial) || query.Type == domain.RRTypeCNAME {
		return initial, nil
	}
	chain := make([]domain.ResourceRecord, 0, len(initial)+4)
	visited := map[string]struct{}{}
	current := initial
	for depth := 1; ; depth++ {
		head := current[0]
		fields := map[string]any{
			"query":       query.Name,
			"alias_name":  head.Name,
			"alias_depth": depth,
		}
		if a.maxDepth > 0 && depth > a.maxDepth {
			a.logger.Warn(fields, "Alias depth exceeded")
			return append(chain, head), ErrAliasDepthExceeded
		}
		key := utils.CanonicalDNSName(head.Name)
		if _, seen := visited[key]; seen {
			a.logger.Warn(fields, "Alias loop detected")
			return append(chain, head), ErrAliasLoopDetected
		}
		visited[key] = struct{}{}
		chain = append(chain, head)

		target, err := head.TargetName()
		if err != nil {
			return chain, fmt.Errorf("%w: %s: %v", ErrAliasTargetInvalid, head.Name, err)
		}
		next, ok := a.lookup(target, query.Type)
		if !ok {
			return chain, nil
		}
		if !isHeadCNAME(next) {
			return append(chain, next...), nil
		}
		current = next
	}
}

// lookup finds target's records of type t, or its CNAME, in a live local zone.
func (a *aliasChaser) lookup(target string, t domain.RRType) ([]domain.ResourceRecord, bool) {
	if a.zones == nil {
		return nil, false
	}
	z, expired, err := a.zones.FindZone(target)
	if err != nil || expired {
		return nil, false
	}
	recs, err := lookup(z, target, t)
	if err != nil {
		return nil, false
	}
	return recs, true
}

func isHeadCNAME(rrs []domain.ResourceRecord) bool {
	return len(rrs) > 0 && rrs[0].Type == domain.RRTypeCNAME
}

// Interface assertions
var _ AliasResolver = (*aliasChaser)(nil)
var _ AliasResolver = (*noOpAliasResolver)(nil)
