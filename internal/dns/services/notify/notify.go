// Package notify sends DNS NOTIFY messages to replicas after a zone changes.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/haukened/rr-authd/internal/dns/common/log"
	"github.com/haukened/rr-authd/internal/dns/common/metrics"
	"github.com/haukened/rr-authd/internal/dns/domain"
)

// DefaultTimeout bounds one NOTIFY exchange.
const DefaultTimeout = 2 * time.Second

// Options configures a Sender.
type Options struct {
	Targets []string // host:port
	Timeout time.Duration
	Logger  log.Logger
}

// Sender fans NOTIFY out to a fixed set of targets.
type Sender struct {
	targets []string
	timeout time.Duration
	client  *dns.Client
	logger  log.Logger
	wg      sync.WaitGroup
}

// NewSender creates a Sender. With no targets every send is a no-op.
func NewSender(opts Options) *Sender {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Sender{
		targets: opts.Targets,
		timeout: opts.Timeout,
		client:  &dns.Client{Net: "udp", Timeout: opts.Timeout},
		logger:  opts.Logger,
	}
}

// Notify sends NOTIFY for zone to every target concurrently and returns
// the first failure once all have finished.
func (s *Sender) Notify(ctx context.Context, zone string) error {
	var g errgroup.Group
	for _, target := range s.targets {
		g.Go(func() error {
			return s.send(ctx, zone, target)
		})
	}
	return g.Wait()
}

func (s *Sender) send(ctx context.Context, zone, target string) error {
	m := new(dns.Msg)
	m.SetNotify(dns.Fqdn(zone))

	resp, _, err := s.client.ExchangeContext(ctx, m, target)
	if err != nil {
		metrics.NotifiesSent.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: notify %s for %s: %v", domain.ErrUnreachable, target, zone, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		metrics.NotifiesSent.WithLabelValues("rejected").Inc()
		return fmt.Errorf("notify %s for %s: %s", target, zone, dns.RcodeToString[resp.Rcode])
	}
	metrics.NotifiesSent.WithLabelValues("ok").Inc()
	return nil
}

// Hook returns a commit hook that notifies in the background so commits
// never wait on replicas.
func (s *Sender) Hook() func(zone string, serial uint32) {
	return func(zone string, serial uint32) {
		s.background(zone, map[string]any{"zone": zone, "serial": serial})
	}
}

// DeleteHook returns a zone removal hook. Replicas react to the NOTIFY by
// probing the master, which no longer serves the zone.
func (s *Sender) DeleteHook() func(zone string) {
	return func(zone string) {
		s.background(zone, map[string]any{"zone": zone, "deleted": true})
	}
}

func (s *Sender) background(zone string, fields map[string]any) {
	if len(s.targets) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.Notify(ctx, zone); err != nil {
			fields["error"] = err.Error()
			s.logger.Warn(fields, "NOTIFY failed")
			return
		}
		fields["targets"] = len(s.targets)
		s.logger.Debug(fields, "NOTIFY sent")
	}()
}

// Wait blocks until background notifies have finished.
func (s *Sender) Wait() {
	s.wg.Wait()
}
