// Package xfrclient pulls zones from a master over DNS: SOA serial probes
// over UDP (with TCP fallback) and AXFR/IXFR transfers over TCP.
package xfrclient

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/haukened/rr-authd/internal/dns/common/log"
	"github.com/haukened/rr-authd/internal/dns/common/utils"
	"github.com/haukened/rr-authd/internal/dns/domain"
	"github.com/haukened/rr-authd/internal/dns/gateways/wire"
	"github.com/haukened/rr-authd/internal/dns/repos/serial"
)

// DefaultTimeout bounds a single probe or transfer.
const DefaultTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	Timeout time.Duration
	Logger  log.Logger
}

// Client talks to masters on behalf of replica zones.
type Client struct {
	timeout time.Duration
	logger  log.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Client{timeout: opts.Timeout, logger: opts.Logger}
}

// ProbeSerial asks the master for the zone's SOA and returns its serial.
// A master that refuses the zone yields domain.ErrZoneGone.
func (c *Client) ProbeSerial(ctx context.Context, master domain.MasterConfig) (uint32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	zone := dns.Fqdn(master.Zone)
	m := new(dns.Msg)
	m.SetQuestion(zone, dns.TypeSOA)

	resp, err := c.exchange(ctx, "udp", m, master.Address())
	if err == nil && resp.Truncated {
		resp, err = c.exchange(ctx, "tcp", m, master.Address())
	}
	if err != nil {
		return 0, fmt.Errorf("%w: soa probe %s at %s: %v", domain.ErrUnreachable, zone, master.Address(), err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeRefused, dns.RcodeNotAuth, dns.RcodeNameError:
		return 0, fmt.Errorf("%w: %s answered %s for %s", domain.ErrZoneGone, master.Address(), dns.RcodeToString[resp.Rcode], zone)
	default:
		return 0, fmt.Errorf("%w: %s answered %s for %s soa", domain.ErrTransferFailed, master.Address(), dns.RcodeToString[resp.Rcode], zone)
	}
	for _, rr := range resp.Answer {
		if soa, ok := rr.(*dns.SOA); ok && utils.EqualNames(soa.Hdr.Name, zone) {
			return soa.Serial, nil
		}
	}
	return 0, fmt.Errorf("%w: no SOA for %s in answer from %s", domain.ErrMalformedMessage, zone, master.Address())
}

func (c *Client) exchange(ctx context.Context, network string, m *dns.Msg, addr string) (*dns.Msg, error) {
	cl := &dns.Client{Net: network, Timeout: c.timeout}
	resp, _, err := cl.ExchangeContext(ctx, m, addr)
	return resp, err
}

// Pull transfers the zone from its master. With StrategyIXFR and a local
// copy it requests an incremental transfer from local's serial; otherwise
// it requests AXFR. The whole response is received and validated before
// anything is returned, so a failed or cancelled pull has no effect.
func (c *Client) Pull(ctx context.Context, master domain.MasterConfig, strategy domain.Strategy, local *domain.Zone) (*domain.TransferResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	zone := dns.Fqdn(master.Zone)
	m := new(dns.Msg)
	var localSerial uint32
	if strategy == domain.StrategyIXFR && local != nil {
		localSerial = local.Serial()
		m.SetIxfr(zone, localSerial, ".", ".")
	} else {
		m.SetAxfr(zone)
	}
	qtype := m.Question[0].Qtype

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", master.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrUnreachable, master.Address(), err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.logger.Debug(map[string]any{
		"zone":   zone,
		"master": master.Address(),
		"type":   dns.TypeToString[qtype],
		"serial": localSerial,
	}, "Requesting zone transfer")

	t := &dns.Transfer{
		Conn:         &dns.Conn{Conn: conn},
		ReadTimeout:  c.timeout,
		WriteTimeout: c.timeout,
	}
	envelopes, err := t.In(m, master.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: %s request to %s: %v", domain.ErrTransferFailed, dns.TypeToString[qtype], master.Address(), err)
	}

	var rrs []dns.RR
	var streamErr error
	for env := range envelopes {
		if env.Error != nil {
			if streamErr == nil {
				streamErr = env.Error
			}
			continue
		}
		rrs = append(rrs, env.RR...)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s of %s: %w", domain.ErrTransferFailed, dns.TypeToString[qtype], zone, err)
	}
	if streamErr != nil {
		return nil, fmt.Errorf("%w: %s of %s from %s: %v", domain.ErrTransferFailed, dns.TypeToString[qtype], zone, master.Address(), streamErr)
	}

	recs, err := wire.FromRRs(rrs)
	if err != nil {
		return nil, err
	}
	var res *domain.TransferResult
	if qtype == dns.TypeIXFR {
		res, err = ParseIXFR(zone, localSerial, recs)
	} else {
		var z *domain.Zone
		if z, err = ParseAXFR(zone, recs); err == nil {
			res = &domain.TransferResult{Zone: z.Name(), Kind: domain.TransferFull, Serial: z.Serial(), Full: z}
		}
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug(map[string]any{
		"zone":    zone,
		"master":  master.Address(),
		"records": len(recs),
		"serial":  res.Serial,
	}, "Received zone transfer")
	return res, nil
}

// ParseAXFR builds a zone from a complete AXFR record stream. The stream
// must start and end with the same SOA and hold no other SOA. The SOA TTL
// becomes the zone default TTL.
func ParseAXFR(zone string, recs []domain.ResourceRecord) (*domain.Zone, error) {
	if len(recs) < 2 {
		return nil, fmt.Errorf("%w: axfr of %s has %d records", domain.ErrMalformedMessage, zone, len(recs))
	}
	first, last := recs[0], recs[len(recs)-1]
	head, err := apexSOA(zone, first)
	if err != nil {
		return nil, err
	}
	tail, err := apexSOA(zone, last)
	if err != nil {
		return nil, err
	}
	if head.Serial != tail.Serial {
		return nil, fmt.Errorf("%w: axfr of %s opens with serial %d and closes with %d", domain.ErrMalformedMessage, zone, head.Serial, tail.Serial)
	}
	body := recs[1 : len(recs)-1]
	for _, r := range body {
		if r.Type == domain.RRTypeSOA {
			return nil, fmt.Errorf("%w: axfr of %s has SOA inside the stream", domain.ErrMalformedMessage, zone)
		}
	}
	def := domain.ZoneDefinition{
		Name:       first.Name,
		DefaultTTL: first.TTL,
		SOA:        head,
		RRSets:     domain.GroupRecords(body),
	}
	z, err := def.Build(head.Serial)
	if err != nil {
		return nil, fmt.Errorf("%w: axfr of %s: %w", domain.ErrMalformedMessage, zone, err)
	}
	return z, nil
}

// ParseIXFR interprets an IXFR response requested from serial from. It
// accepts the single-SOA "up to date" answer, the AXFR-style answer and the
// incremental form (RFC 1995 section 4), checking that the diff chain runs
// contiguously from from to the master's serial.
func ParseIXFR(zone string, from uint32, recs []domain.ResourceRecord) (*domain.TransferResult, error) {
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: empty ixfr response for %s", domain.ErrMalformedMessage, zone)
	}
	cur, err := apexSOA(zone, recs[0])
	if err != nil {
		return nil, err
	}
	res := &domain.TransferResult{Zone: recs[0].Name, Serial: cur.Serial}

	if len(recs) == 1 {
		if serial.Compare(cur.Serial, from) > 0 {
			return nil, fmt.Errorf("%w: ixfr of %s returned only SOA %d ahead of %d", domain.ErrMalformedMessage, zone, cur.Serial, from)
		}
		res.Kind = domain.TransferUpToDate
		return res, nil
	}

	if recs[1].Type != domain.RRTypeSOA || soaSerial(recs[1]) == cur.Serial {
		z, err := ParseAXFR(zone, recs)
		if err != nil {
			return nil, err
		}
		res.Kind = domain.TransferFull
		res.Full = z
		return res, nil
	}

	res.Kind = domain.TransferIncremental
	expect := from
	i := 1
	for i < len(recs)-1 {
		oldSOA, err := apexSOA(zone, recs[i])
		if err != nil {
			return nil, err
		}
		if oldSOA.Serial != expect {
			return nil, fmt.Errorf("%w: ixfr of %s jumps from %d to a diff starting at %d", domain.ErrMalformedMessage, zone, expect, oldSOA.Serial)
		}
		i++
		removed, n := takeUntilSOA(recs[i:])
		i += n
		if i >= len(recs) {
			return nil, fmt.Errorf("%w: ixfr of %s ends inside a diff", domain.ErrMalformedMessage, zone)
		}
		newSOA, err := apexSOA(zone, recs[i])
		if err != nil {
			return nil, err
		}
		i++
		added, n := takeUntilSOA(recs[i:])
		i += n
		res.Diffs = append(res.Diffs, domain.Diff{
			FromSerial: oldSOA.Serial,
			ToSerial:   newSOA.Serial,
			FromSOA:    oldSOA,
			ToSOA:      newSOA,
			Removed:    domain.GroupRecords(removed),
			Added:      domain.GroupRecords(added),
		})
		expect = newSOA.Serial
	}
	if i != len(recs)-1 {
		return nil, fmt.Errorf("%w: ixfr of %s is missing its closing SOA", domain.ErrMalformedMessage, zone)
	}
	closing, err := apexSOA(zone, recs[i])
	if err != nil {
		return nil, err
	}
	if closing.Serial != cur.Serial || expect != cur.Serial {
		return nil, fmt.Errorf("%w: ixfr of %s ends at %d, expected %d", domain.ErrMalformedMessage, zone, expect, cur.Serial)
	}
	return res, nil
}

func takeUntilSOA(recs []domain.ResourceRecord) ([]domain.ResourceRecord, int) {
	for i, r := range recs {
		if r.Type == domain.RRTypeSOA {
			return recs[:i], i
		}
	}
	return recs, len(recs)
}

func apexSOA(zone string, rec domain.ResourceRecord) (domain.SOA, error) {
	if rec.Type != domain.RRTypeSOA {
		return domain.SOA{}, fmt.Errorf("%w: expected SOA of %s, got %s %s", domain.ErrMalformedMessage, zone, rec.Name, rec.Type)
	}
	if !utils.EqualNames(rec.Name, zone) {
		return domain.SOA{}, fmt.Errorf("%w: SOA owner %s is not %s", domain.ErrMalformedMessage, rec.Name, zone)
	}
	soa, err := wire.SOA(rec)
	if err != nil {
		return domain.SOA{}, err
	}
	return soa, nil
}

func soaSerial(rec domain.ResourceRecord) uint32 {
	soa, err := wire.SOA(rec)
	if err != nil {
		return 0
	}
	return soa.Serial
}
