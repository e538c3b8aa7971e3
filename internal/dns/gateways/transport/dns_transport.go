package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/miekg/dns"

	"github.com/haukened/rr-authd/internal/dns/common/log"
	"github.com/haukened/rr-authd/internal/dns/common/metrics"
	"github.com/haukened/rr-authd/internal/dns/domain"
	"github.com/haukened/rr-authd/internal/dns/gateways/wire"
)

// DNSTransport serves DNS over UDP and TCP on one address using miekg/dns
// servers. Queries, zone transfers and NOTIFY are dispatched to Handlers.
type DNSTransport struct {
	addr   string
	logger log.Logger

	mu       sync.RWMutex
	running  bool
	bound    string
	udp      *dns.Server
	tcp      *dns.Server
	handlers Handlers
	ctx      context.Context
}

// NewDNSTransport creates a transport for addr. Port 0 picks a free port,
// shared by UDP and TCP.
func NewDNSTransport(addr string, logger log.Logger) *DNSTransport {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &DNSTransport{addr: addr, logger: logger}
}

// Start binds both sockets and serves until Stop or ctx is cancelled.
func (t *DNSTransport) Start(ctx context.Context, handlers Handlers) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("DNS transport already running")
	}

	pc, err := net.ListenPacket("udp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to bind UDP socket on %s: %w", t.addr, err)
	}
	host, _, err := net.SplitHostPort(t.addr)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("invalid listen address %s: %w", t.addr, err)
	}
	_, port, _ := net.SplitHostPort(pc.LocalAddr().String())
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("failed to bind TCP socket on %s: %w", t.addr, err)
	}

	t.handlers = handlers
	t.ctx = ctx
	t.bound = pc.LocalAddr().String()

	started := make(chan struct{}, 2)
	notify := func() { started <- struct{}{} }
	t.udp = &dns.Server{PacketConn: pc, Handler: t, NotifyStartedFunc: notify}
	t.tcp = &dns.Server{Listener: ln, Handler: t, NotifyStartedFunc: notify}

	failed := make(chan error, 2)
	for _, srv := range []*dns.Server{t.udp, t.tcp} {
		go func(srv *dns.Server) {
			if err := srv.ActivateAndServe(); err != nil {
				failed <- err
			}
		}(srv)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case err := <-failed:
			_ = pc.Close()
			_ = ln.Close()
			return fmt.Errorf("failed to start DNS server: %w", err)
		}
	}
	t.running = true

	t.logger.Info(map[string]any{
		"transport": "dns",
		"address":   t.bound,
	}, "DNS transport started")

	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

// Stop gracefully shuts down both servers.
func (t *DNSTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}
	t.running = false

	err := errors.Join(t.udp.Shutdown(), t.tcp.Shutdown())
	if err != nil {
		t.logger.Warn(map[string]any{
			"error": err.Error(),
		}, "Error shutting down DNS servers")
	}

	t.logger.Info(map[string]any{
		"transport": "dns",
		"address":   t.bound,
	}, "DNS transport stopped")
	return err
}

// Address returns the bound address once started, else the configured one.
func (t *DNSTransport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.bound != "" {
		return t.bound
	}
	return t.addr
}

// ServeDNS implements dns.Handler.
func (t *DNSTransport) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	t.mu.RLock()
	h, ctx := t.handlers, t.ctx
	t.mu.RUnlock()

	switch {
	case r.Opcode == dns.OpcodeNotify:
		t.serveNotify(ctx, h.Notify, w, r)
	case r.Opcode != dns.OpcodeQuery:
		t.reply(w, r, dns.RcodeNotImplemented)
	case len(r.Question) == 1 && (r.Question[0].Qtype == dns.TypeAXFR || r.Question[0].Qtype == dns.TypeIXFR):
		if h.Transfer == nil {
			t.reply(w, r, dns.RcodeRefused)
			return
		}
		h.Transfer.ServeTransfer(w, r)
	default:
		t.serveQuery(ctx, h.Query, w, r)
	}
}

func (t *DNSTransport) serveQuery(ctx context.Context, h QueryHandler, w dns.ResponseWriter, r *dns.Msg) {
	client := w.RemoteAddr()
	if h == nil {
		t.reply(w, r, dns.RcodeRefused)
		return
	}
	query, err := wire.DecodeQuestion(r)
	if err != nil {
		t.logger.Warn(map[string]any{
			"client": client.String(),
			"error":  err.Error(),
		}, "Failed to decode DNS query")
		t.reply(w, r, dns.RcodeFormatError)
		return
	}

	t.logger.Debug(map[string]any{
		"client":   client.String(),
		"query_id": query.ID,
		"name":     query.Name,
		"type":     query.Type.String(),
	}, "Received DNS query")

	response, err := h.HandleQuery(ctx, query, client)
	if err != nil {
		t.logger.Error(map[string]any{
			"client":   client.String(),
			"query_id": query.ID,
			"error":    err.Error(),
		}, "Failed to handle DNS query")
		t.reply(w, r, dns.RcodeServerFailure)
		return
	}

	m, err := wire.EncodeResponse(r, response)
	if err != nil {
		t.logger.Error(map[string]any{
			"client":   client.String(),
			"query_id": query.ID,
			"error":    err.Error(),
		}, "Failed to encode DNS response")
		t.reply(w, r, dns.RcodeServerFailure)
		return
	}
	if _, udp := client.(*net.UDPAddr); udp {
		size := dns.MinMsgSize
		if opt := r.IsEdns0(); opt != nil && int(opt.UDPSize()) > size {
			size = int(opt.UDPSize())
		}
		m.Truncate(size)
	}
	metrics.QueriesTotal.WithLabelValues(response.RCode.String()).Inc()
	if err := w.WriteMsg(m); err != nil {
		t.logger.Warn(map[string]any{
			"client": client.String(),
			"error":  err.Error(),
		}, "Failed to send DNS response")
	}
}

func (t *DNSTransport) serveNotify(ctx context.Context, h NotifyHandler, w dns.ResponseWriter, r *dns.Msg) {
	if h == nil || len(r.Question) != 1 {
		t.reply(w, r, dns.RcodeRefused)
		return
	}
	zone := r.Question[0].Name
	err := h.HandleNotify(ctx, zone, w.RemoteAddr())
	rcode := dns.RcodeSuccess
	switch {
	case errors.Is(err, domain.ErrNotFound):
		rcode = dns.RcodeNotAuth
	case errors.Is(err, domain.ErrRefused):
		rcode = dns.RcodeRefused
	case err != nil:
		rcode = dns.RcodeServerFailure
	}
	t.logger.Debug(map[string]any{
		"client": w.RemoteAddr().String(),
		"zone":   zone,
		"rcode":  dns.RcodeToString[rcode],
	}, "Received NOTIFY")
	t.reply(w, r, rcode)
}

func (t *DNSTransport) reply(w dns.ResponseWriter, r *dns.Msg, rcode int) {
	m := new(dns.Msg)
	m.SetRcode(r, rcode)
	m.Authoritative = rcode == dns.RcodeSuccess
	if err := w.WriteMsg(m); err != nil {
		t.logger.Warn(map[string]any{
			"client": w.RemoteAddr().String(),
			"error":  err.Error(),
		}, "Failed to send DNS response")
	}
}

var _ ServerTransport = (*DNSTransport)(nil)
