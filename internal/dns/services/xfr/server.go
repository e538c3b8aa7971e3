// Package xfr is the transfer engine: it serves AXFR and IXFR from the
// local zone store and applies transfers received from a master.
package xfr

import (
	"errors"
	"net"

	"github.com/miekg/dns"

	"github.com/haukened/rr-authd/internal/dns/common/log"
	"github.com/haukened/rr-authd/internal/dns/common/metrics"
	"github.com/haukened/rr-authd/internal/dns/domain"
	"github.com/haukened/rr-authd/internal/dns/gateways/wire"
	"github.com/haukened/rr-authd/internal/dns/repos/serial"
	"github.com/haukened/rr-authd/internal/dns/repos/xfrcache"
)

// envelopeSize is the number of records sent per transfer message.
const envelopeSize = 500

// ZoneSource is the read side of the zone store used for transfers.
type ZoneSource interface {
	GetZone(name string) (*domain.Zone, error)
	Diffs(zone string, from uint32) (*domain.Zone, []domain.Diff, error)
}

// Options configures a Server.
type Options struct {
	Zones   ZoneSource
	Cache   *xfrcache.Cache // optional
	Tracker *Tracker        // optional
	Logger  log.Logger
}

// Server answers zone transfer requests.
type Server struct {
	zones   ZoneSource
	cache   *xfrcache.Cache
	tracker *Tracker
	logger  log.Logger
}

// NewServer creates a transfer server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Tracker == nil {
		opts.Tracker = NewTracker()
	}
	return &Server{
		zones:   opts.Zones,
		cache:   opts.Cache,
		tracker: opts.Tracker,
		logger:  opts.Logger,
	}
}

// Tracker returns the replica tracker fed by served transfers.
func (s *Server) Tracker() *Tracker { return s.tracker }

// AXFR returns the full transfer stream of zone and its serial.
func (s *Server) AXFR(zone string) ([]domain.ResourceRecord, uint32, error) {
	z, err := s.zones.GetZone(zone)
	if err != nil {
		return nil, 0, err
	}
	key := xfrcache.Key{Zone: z.Key(), Type: domain.RRTypeAXFR}
	if recs, ok := s.cached(key, z); ok {
		return recs, z.Serial(), nil
	}
	recs := z.Snapshot().Records
	s.store(key, z, recs)
	return recs, z.Serial(), nil
}

// IXFR returns the incremental stream from clientSerial to the current
// serial. A client at or ahead of the master gets the current SOA alone.
// ErrJournalGap means the range is no longer retained.
func (s *Server) IXFR(zone string, clientSerial uint32) ([]domain.ResourceRecord, uint32, error) {
	z, err := s.zones.GetZone(zone)
	if err != nil {
		return nil, 0, err
	}
	if serial.Compare(clientSerial, z.Serial()) >= 0 {
		return []domain.ResourceRecord{z.SOARecord()}, z.Serial(), nil
	}
	z, diffs, err := s.zones.Diffs(zone, clientSerial)
	if err != nil {
		return nil, 0, err
	}
	key := xfrcache.Key{Zone: z.Key(), Type: domain.RRTypeIXFR, From: clientSerial}
	if recs, ok := s.cached(key, z); ok {
		return recs, z.Serial(), nil
	}
	soa := z.SOARecord()
	recs := []domain.ResourceRecord{soa}
	for _, d := range diffs {
		recs = append(recs, d.Records(z.Name(), z.DefaultTTL())...)
	}
	recs = append(recs, soa)
	s.store(key, z, recs)
	return recs, z.Serial(), nil
}

func (s *Server) cached(k xfrcache.Key, z *domain.Zone) ([]domain.ResourceRecord, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Get(k, z)
}

func (s *Server) store(k xfrcache.Key, z *domain.Zone, recs []domain.ResourceRecord) {
	if s.cache != nil {
		s.cache.Set(k, z, recs)
	}
}

// ServeTransfer answers an AXFR or IXFR request on w. AXFR is only served
// over TCP. An IXFR over UDP that needs more than the SOA is answered with
// the current SOA alone so the client retries over TCP. An IXFR whose range
// has left the journal is answered in AXFR form.
func (s *Server) ServeTransfer(w dns.ResponseWriter, req *dns.Msg) {
	q := req.Question[0]
	peer := w.RemoteAddr()
	_, udp := peer.(*net.UDPAddr)
	fields := map[string]any{
		"client": peer.String(),
		"zone":   q.Name,
		"type":   dns.TypeToString[q.Qtype],
	}

	var (
		recs []domain.ResourceRecord
		cur  uint32
		err  error
		kind = "axfr"
	)
	switch q.Qtype {
	case dns.TypeAXFR:
		if udp {
			s.logger.Debug(fields, "Refusing AXFR over UDP")
			s.fail(w, req, dns.RcodeRefused, kind)
			return
		}
		recs, cur, err = s.AXFR(q.Name)
	case dns.TypeIXFR:
		kind = "ixfr"
		clientSerial, ok := requestSerial(req)
		if !ok {
			s.logger.Debug(fields, "IXFR request without SOA in authority")
			s.fail(w, req, dns.RcodeFormatError, kind)
			return
		}
		fields["serial"] = clientSerial
		recs, cur, err = s.IXFR(q.Name, clientSerial)
		if errors.Is(err, domain.ErrJournalGap) {
			s.logger.Info(fields, "IXFR range not in journal, sending full zone")
			kind = "ixfr_fallback"
			recs, cur, err = s.AXFR(q.Name)
		}
		if err == nil {
			s.tracker.Observe(q.Name, peerID(peer), clientSerial)
		}
		if err == nil && udp && len(recs) > 1 {
			recs = recs[:1]
			kind = "ixfr_udp"
		}
	default:
		s.fail(w, req, dns.RcodeNotImplemented, kind)
		return
	}

	if err != nil {
		fields["error"] = err.Error()
		rcode := dns.RcodeServerFailure
		if errors.Is(err, domain.ErrNotFound) {
			rcode = dns.RcodeNotAuth
		}
		s.logger.Warn(fields, "Zone transfer failed")
		s.fail(w, req, rcode, kind)
		return
	}

	rrs, err := wire.ToRRs(recs)
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Error(fields, "Failed to encode zone transfer")
		s.fail(w, req, dns.RcodeServerFailure, kind)
		return
	}

	if udp {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Authoritative = true
		m.Answer = rrs
		if err := w.WriteMsg(m); err != nil {
			fields["error"] = err.Error()
			s.logger.Warn(fields, "Failed to send IXFR response")
			metrics.TransfersServed.WithLabelValues(kind, "error").Inc()
			return
		}
		metrics.TransfersServed.WithLabelValues(kind, "ok").Inc()
		return
	}

	if err := s.stream(w, req, rrs); err != nil {
		fields["error"] = err.Error()
		s.logger.Warn(fields, "Zone transfer aborted")
		metrics.TransfersServed.WithLabelValues(kind, "error").Inc()
		return
	}
	if len(recs) > 1 {
		s.tracker.Observe(q.Name, peerID(peer), cur)
	}
	fields["records"] = len(rrs)
	fields["serial"] = cur
	s.logger.Info(fields, "Zone transfer served")
	metrics.TransfersServed.WithLabelValues(kind, "ok").Inc()
}

// stream writes rrs as a sequence of messages. The producer stops as soon
// as the writer fails.
func (s *Server) stream(w dns.ResponseWriter, req *dns.Msg, rrs []dns.RR) error {
	ch := make(chan *dns.Envelope)
	stop := make(chan struct{})
	go func() {
		defer close(ch)
		for start := 0; start < len(rrs); start += envelopeSize {
			end := min(start+envelopeSize, len(rrs))
			select {
			case ch <- &dns.Envelope{RR: rrs[start:end]}:
			case <-stop:
				return
			}
		}
	}()
	err := new(dns.Transfer).Out(w, req, ch)
	close(stop)
	return err
}

func (s *Server) fail(w dns.ResponseWriter, req *dns.Msg, rcode int, kind string) {
	m := new(dns.Msg)
	m.SetRcode(req, rcode)
	if err := w.WriteMsg(m); err != nil {
		s.logger.Warn(map[string]any{
			"client": w.RemoteAddr().String(),
			"error":  err.Error(),
		}, "Failed to send transfer error")
	}
	metrics.TransfersServed.WithLabelValues(kind, dns.RcodeToString[rcode]).Inc()
}

func requestSerial(req *dns.Msg) (uint32, bool) {
	for _, rr := range req.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Serial, true
		}
	}
	return 0, false
}

// peerID identifies a replica by address only; transfer source ports vary.
func peerID(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
