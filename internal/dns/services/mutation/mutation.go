// Package mutation is the write boundary of an authoritative node. It turns
// loosely-typed operator input into typed zone changes, commits them to the
// zone store and optionally waits until replicas have pulled the result.
package mutation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/haukened/rr-authd/internal/dns/common/log"
	"github.com/haukened/rr-authd/internal/dns/common/utils"
	"github.com/haukened/rr-authd/internal/dns/domain"
)

// Store is the write side of the zone store.
type Store interface {
	CreateZone(def domain.ZoneDefinition) (uint32, error)
	GetZone(name string) (*domain.Zone, error)
	FindZone(qname string) (*domain.Zone, bool, error)
	DeleteZone(name string) error
	UpsertRRSet(zone string, set domain.RRSet) (uint32, error)
	DeleteRRSet(zone, name string, t *domain.RRType) (uint32, error)
	RemoveRdata(zone string, set domain.RRSet) (uint32, error)
}

// ReplicaWaiter reports when replicas have caught up with a serial.
type ReplicaWaiter interface {
	WaitFor(ctx context.Context, zone string, serial uint32, replicas int) error
	Forget(zone string)
}

// RdataParser turns a presentation-format value into wire rdata.
type RdataParser func(t domain.RRType, text string) ([]byte, error)

// WaitOptions asks a mutation to block until Replicas distinct peers hold
// the committed serial. Zero Replicas returns as soon as the change is
// committed. A zero Timeout waits as long as the caller's context allows.
type WaitOptions struct {
	Replicas int           `validate:"gte=0"`
	Timeout  time.Duration `validate:"gte=0"`
}

// Options configures a Service.
type Options struct {
	Store  Store
	Waiter ReplicaWaiter // optional
	Parser RdataParser
	Logger log.Logger
}

// Service applies operator changes to zones.
type Service struct {
	store    Store
	waiter   ReplicaWaiter
	parse    RdataParser
	logger   log.Logger
	validate *validator.Validate
}

// New creates a Service.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Service{
		store:    opts.Store,
		waiter:   opts.Waiter,
		parse:    opts.Parser,
		logger:   opts.Logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Definition checks spec and parses every value into wire rdata. Owner
// names are taken relative to the zone unless absolute. A record without a
// TTL gets the zone's.
func (s *Service) Definition(spec domain.ZoneSpec) (domain.ZoneDefinition, error) {
	if err := s.validate.Struct(spec); err != nil {
		return domain.ZoneDefinition{}, fmt.Errorf("%w: %v", domain.ErrInvalidZone, err)
	}
	name := utils.PresentationName(spec.Name)
	if utils.IsPublicSuffix(name) {
		return domain.ZoneDefinition{}, fmt.Errorf("%w: %s is a public suffix", domain.ErrInvalidZone, name)
	}

	def := domain.ZoneDefinition{Name: name, DefaultTTL: spec.TTL, SOA: spec.SOA}
	index := make(map[domain.RRSetKey]int)
	for _, rec := range spec.Records {
		set, err := s.rrset(name, spec.TTL, rec.Name, rec.Type, rec.TTL, rec.Values)
		if err != nil {
			return domain.ZoneDefinition{}, err
		}
		if i, ok := index[set.Key()]; ok {
			def.RRSets[i].Rdata = appendUnique(def.RRSets[i].Rdata, set.Rdata...)
			continue
		}
		index[set.Key()] = len(def.RRSets)
		def.RRSets = append(def.RRSets, set)
	}
	return def, def.Validate()
}

// CreateZone creates a zone at serial 1 from an operator payload.
func (s *Service) CreateZone(ctx context.Context, spec domain.ZoneSpec, wait WaitOptions) (uint32, error) {
	if err := s.checkWait(wait); err != nil {
		return 0, err
	}
	def, err := s.Definition(spec)
	if err != nil {
		return 0, err
	}
	serial, err := s.store.CreateZone(def)
	if err != nil {
		return 0, err
	}
	s.logger.Info(map[string]any{
		"zone":   def.Name,
		"serial": serial,
		"rrsets": len(def.RRSets),
	}, "Zone created")
	return serial, s.wait(ctx, def.Name, serial, wait)
}

// UpsertRR replaces the RRSet of name and type with values. An empty zone
// selects the closest enclosing zone of name. A nil ttl means the zone
// default; an explicit zero is kept.
func (s *Service) UpsertRR(ctx context.Context, zone, name string, t domain.RRType, ttl *uint32, values []string, wait WaitOptions) (uint32, error) {
	if err := s.checkWait(wait); err != nil {
		return 0, err
	}
	z, err := s.zone(zone, name)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: %s %s has no values", domain.ErrInvalidRecord, name, t)
	}
	set, err := s.rrset(z.Name(), z.DefaultTTL(), name, t, ttl, values)
	if err != nil {
		return 0, err
	}
	serial, err := s.store.UpsertRRSet(z.Name(), set)
	if err != nil {
		return 0, err
	}
	s.logger.Info(map[string]any{
		"zone":   z.Name(),
		"name":   set.Name,
		"type":   t.String(),
		"serial": serial,
	}, "RRSet upserted")
	return serial, s.wait(ctx, z.Name(), serial, wait)
}

// DeleteRR removes records under name. With values only those values are
// removed from the RRSet of type t; without, the whole RRSet goes, or
// every RRSet of name when t is nil.
func (s *Service) DeleteRR(ctx context.Context, zone, name string, t *domain.RRType, values []string, wait WaitOptions) (uint32, error) {
	if err := s.checkWait(wait); err != nil {
		return 0, err
	}
	z, err := s.zone(zone, name)
	if err != nil {
		return 0, err
	}
	owner := utils.Qualify(name, z.Name())

	var serial uint32
	if len(values) > 0 {
		if t == nil {
			return 0, fmt.Errorf("%w: removing values needs a type", domain.ErrInvalidRecord)
		}
		set, perr := s.rrset(z.Name(), z.DefaultTTL(), name, *t, nil, values)
		if perr != nil {
			return 0, perr
		}
		serial, err = s.store.RemoveRdata(z.Name(), set)
	} else {
		serial, err = s.store.DeleteRRSet(z.Name(), owner, t)
	}
	if err != nil {
		return 0, err
	}

	fields := map[string]any{"zone": z.Name(), "name": owner, "serial": serial}
	if t != nil {
		fields["type"] = t.String()
	}
	s.logger.Info(fields, "Records deleted")
	return serial, s.wait(ctx, z.Name(), serial, wait)
}

// DeleteZone removes a zone and forgets its replica progress.
func (s *Service) DeleteZone(ctx context.Context, zone string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.store.DeleteZone(zone); err != nil {
		return err
	}
	if s.waiter != nil {
		s.waiter.Forget(zone)
	}
	s.logger.Info(map[string]any{"zone": zone}, "Zone deleted")
	return nil
}

func (s *Service) zone(zone, name string) (*domain.Zone, error) {
	if strings.TrimSpace(zone) != "" {
		return s.store.GetZone(zone)
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: zone or owner name required", domain.ErrInvalidRecord)
	}
	z, _, err := s.store.FindZone(name)
	return z, err
}

func (s *Service) rrset(zone string, defaultTTL uint32, name string, t domain.RRType, ttl *uint32, values []string) (domain.RRSet, error) {
	owner := utils.Qualify(name, zone)
	if !utils.IsSubdomainOf(owner, zone) {
		return domain.RRSet{}, fmt.Errorf("%w: %s is outside zone %s", domain.ErrInvalidRecord, owner, zone)
	}
	if !t.IsStorable() {
		return domain.RRSet{}, fmt.Errorf("%w: type %s cannot be stored", domain.ErrInvalidRecord, t)
	}
	set := domain.RRSet{Name: owner, Type: t, TTL: defaultTTL}
	if ttl != nil {
		set.TTL = *ttl
	}
	for _, v := range values {
		rd, err := s.parse(t, v)
		if err != nil {
			return domain.RRSet{}, err
		}
		set.Rdata = appendUnique(set.Rdata, rd)
	}
	return set, set.Validate()
}

func (s *Service) checkWait(opts WaitOptions) error {
	if err := s.validate.Struct(opts); err != nil {
		return fmt.Errorf("invalid wait options: %w", err)
	}
	return nil
}

func (s *Service) wait(ctx context.Context, zone string, serial uint32, opts WaitOptions) error {
	if opts.Replicas == 0 || s.waiter == nil {
		return nil
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	if err := s.waiter.WaitFor(ctx, zone, serial, opts.Replicas); err != nil {
		s.logger.Warn(map[string]any{
			"zone":     zone,
			"serial":   serial,
			"replicas": opts.Replicas,
		}, "Replicas did not confirm change in time")
		return err
	}
	return nil
}

func appendUnique(dst [][]byte, values ...[]byte) [][]byte {
outer:
	for _, v := range values {
		for _, have := range dst {
			if string(have) == string(v) {
				continue outer
			}
		}
		dst = append(dst, v)
	}
	return dst
}
