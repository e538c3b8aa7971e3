// Package replication keeps replica zones in sync with their masters.
//
// Each configured zone runs its own task: a small state machine driven by
// a timer. A task probes the master's SOA serial every refresh interval (or
// immediately on NOTIFY), pulls a transfer when the master is ahead, and
// retries on the retry interval after a failure. A replica that has not
// synced for the expire interval is marked expired and stops answering
// until the next successful sync.
package replication

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/haukened/rr-authd/internal/dns/common/clock"
	"github.com/haukened/rr-authd/internal/dns/common/log"
	"github.com/haukened/rr-authd/internal/dns/common/metrics"
	"github.com/haukened/rr-authd/internal/dns/common/utils"
	"github.com/haukened/rr-authd/internal/dns/domain"
	"github.com/haukened/rr-authd/internal/dns/repos/serial"
	"github.com/haukened/rr-authd/internal/dns/services/xfr"
)

// Defaults used when neither the master descriptor nor the local SOA
// provides a timer.
const (
	DefaultRefresh = time.Hour
	DefaultRetry   = 10 * time.Minute
	DefaultExpire  = 7 * 24 * time.Hour
)

// Puller talks to masters.
type Puller interface {
	ProbeSerial(ctx context.Context, master domain.MasterConfig) (uint32, error)
	Pull(ctx context.Context, master domain.MasterConfig, strategy domain.Strategy, local *domain.Zone) (*domain.TransferResult, error)
}

// Store is the replica side of the zone store.
type Store interface {
	xfr.Applier
	GetZone(name string) (*domain.Zone, error)
	DeleteZone(name string) error
	SetExpired(zone string, expired bool) error
}

// ConfigStore persists replica descriptors and the time each replica
// last synced, so the expire window survives a restart.
type ConfigStore interface {
	SaveMaster(cfg domain.MasterConfig) error
	DeleteMaster(zone string) error
	SaveSynced(zone string, at time.Time) error
	// LastSynced returns the zero time for a zone that never synced.
	LastSynced(zone string) (time.Time, error)
}

// LookupHostFunc resolves a master hostname to its addresses.
type LookupHostFunc func(ctx context.Context, host string) ([]string, error)

// Options configures a Scheduler.
type Options struct {
	Store   Store
	Puller  Puller
	Configs ConfigStore // optional
	Clock   clock.Clock
	Logger  log.Logger

	// LookupHost resolves master hostnames when checking NOTIFY sources.
	// Defaults to net.DefaultResolver.
	LookupHost LookupHostFunc

	DefaultRefresh time.Duration
	DefaultRetry   time.Duration
	DefaultExpire  time.Duration
}

// Scheduler runs one replication task per configured zone.
type Scheduler struct {
	store   Store
	puller  Puller
	configs ConfigStore
	clock   clock.Clock
	logger  log.Logger
	lookup  LookupHostFunc

	refresh, retry, expire time.Duration

	cfgMu sync.Mutex // serializes Configure and Remove
	mu    sync.Mutex
	tasks map[string]*task
	ctx   context.Context
	wg    sync.WaitGroup
}

// New creates a Scheduler. Tasks start when Run is called.
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.LookupHost == nil {
		opts.LookupHost = net.DefaultResolver.LookupHost
	}
	if opts.DefaultRefresh <= 0 {
		opts.DefaultRefresh = DefaultRefresh
	}
	if opts.DefaultRetry <= 0 {
		opts.DefaultRetry = DefaultRetry
	}
	if opts.DefaultExpire <= 0 {
		opts.DefaultExpire = DefaultExpire
	}
	return &Scheduler{
		store:   opts.Store,
		puller:  opts.Puller,
		configs: opts.Configs,
		clock:   opts.Clock,
		logger:  opts.Logger,
		lookup:  opts.LookupHost,
		refresh: opts.DefaultRefresh,
		retry:   opts.DefaultRetry,
		expire:  opts.DefaultExpire,
		tasks:   make(map[string]*task),
	}
}

// Configure adds or replaces the master of a replica zone. A running task
// for the zone is stopped between polls and a new one started.
func (s *Scheduler) Configure(cfg domain.MasterConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Zone = utils.PresentationName(cfg.Zone)
	key := utils.CanonicalDNSName(cfg.Zone)

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	var synced time.Time
	if s.configs != nil {
		if err := s.configs.SaveMaster(cfg); err != nil {
			return fmt.Errorf("save master for %s: %w", cfg.Zone, err)
		}
		var err error
		if synced, err = s.configs.LastSynced(key); err != nil {
			s.logger.Warn(map[string]any{
				"zone":  cfg.Zone,
				"error": err.Error(),
			}, "Failed to read last sync time")
		}
	}

	s.mu.Lock()
	old := s.tasks[key]
	delete(s.tasks, key)
	s.mu.Unlock()
	if old != nil {
		old.stop()
	}

	t := newTask(cfg, log.With(s.logger, map[string]any{
		"zone":   cfg.Zone,
		"master": cfg.Address(),
	}), s.clock.Now(), synced)

	s.mu.Lock()
	s.tasks[key] = t
	if s.ctx != nil {
		s.start(t)
	}
	s.mu.Unlock()

	t.logger.Info(map[string]any{"strategy": string(cfg.Strategy)}, "Replica zone configured")
	return nil
}

// Remove stops replicating zone and drops the local copy.
func (s *Scheduler) Remove(zone string) error {
	key := utils.CanonicalDNSName(zone)

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	s.mu.Lock()
	t, ok := s.tasks[key]
	delete(s.tasks, key)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no replication for %s", domain.ErrNotFound, zone)
	}
	t.stop()
	metrics.ReplicationState.DeleteLabelValues(key)

	if s.configs != nil {
		if err := s.configs.DeleteMaster(key); err != nil {
			return fmt.Errorf("delete master for %s: %w", zone, err)
		}
	}
	if err := s.store.DeleteZone(key); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	t.logger.Info(nil, "Replica zone removed")
	return nil
}

// Notify makes the zone's task poll now instead of at its next timer.
func (s *Scheduler) Notify(zone string) error {
	t, err := s.task(zone)
	if err != nil {
		return err
	}
	t.trigger()
	return nil
}

// HandleNotify reacts to a DNS NOTIFY received from a master. A NOTIFY
// whose source is not an address of the zone's master is refused.
func (s *Scheduler) HandleNotify(ctx context.Context, zone string, from net.Addr) error {
	source := ""
	if from != nil {
		source = from.String()
	}
	t, err := s.task(zone)
	if err == nil {
		err = s.checkSource(ctx, t.cfg, from)
	}
	s.logger.Debug(map[string]any{
		"zone":     zone,
		"from":     source,
		"accepted": err == nil,
	}, "NOTIFY received")
	if err != nil {
		return err
	}
	t.trigger()
	return nil
}

func (s *Scheduler) task(zone string) (*task, error) {
	s.mu.Lock()
	t, ok := s.tasks[utils.CanonicalDNSName(zone)]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no replication for %s", domain.ErrNotFound, zone)
	}
	return t, nil
}

// checkSource accepts from only if it is one of the master's addresses.
func (s *Scheduler) checkSource(ctx context.Context, cfg domain.MasterConfig, from net.Addr) error {
	ip := addrIP(from)
	if ip == nil {
		return fmt.Errorf("%w: NOTIFY for %s without a source address", domain.ErrRefused, cfg.Zone)
	}
	addrs, err := s.lookup(ctx, cfg.Hostname)
	if err != nil {
		return fmt.Errorf("%w: resolve master %s: %v", domain.ErrRefused, cfg.Hostname, err)
	}
	for _, a := range addrs {
		if ip.Equal(net.ParseIP(a)) {
			return nil
		}
	}
	return fmt.Errorf("%w: NOTIFY for %s from %s, master is %s", domain.ErrRefused, cfg.Zone, ip, cfg.Hostname)
}

func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case nil:
		return nil
	case *net.UDPAddr:
		if v == nil {
			return nil
		}
		return v.IP
	case *net.TCPAddr:
		if v == nil {
			return nil
		}
		return v.IP
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		host = a.String()
	}
	return net.ParseIP(host)
}

// Status reports the replication state of zone.
func (s *Scheduler) Status(zone string) (domain.ReplicationStatus, error) {
	t, err := s.task(zone)
	if err != nil {
		return domain.ReplicationStatus{}, err
	}
	return s.status(t), nil
}

// Statuses reports every task, ordered by zone.
func (s *Scheduler) Statuses() []domain.ReplicationStatus {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	out := make([]domain.ReplicationStatus, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, s.status(t))
	}
	slices.SortFunc(out, func(a, b domain.ReplicationStatus) int {
		return strings.Compare(utils.CanonicalDNSName(a.Zone), utils.CanonicalDNSName(b.Zone))
	})
	return out
}

func (s *Scheduler) status(t *task) domain.ReplicationStatus {
	st := t.snapshot()
	if z, err := s.store.GetZone(t.cfg.Zone); err == nil {
		st.HasZone = true
		st.Serial = z.Serial()
	}
	return st
}

// Run starts every configured task and blocks until ctx is cancelled and
// all tasks have stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return errors.New("replication scheduler already running")
	}
	s.ctx = ctx
	for _, t := range s.tasks {
		s.start(t)
	}
	n := len(s.tasks)
	s.mu.Unlock()

	s.logger.Info(map[string]any{"zones": n}, "Replication scheduler started")
	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info(nil, "Replication scheduler stopped")
	return nil
}

// start launches t. The caller holds s.mu.
func (s *Scheduler) start(t *task) {
	ctx, cancel := context.WithCancel(s.ctx)
	t.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		s.loop(ctx, t)
	}()
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	timer := s.clock.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
		case <-t.notify:
			timer.Stop()
		}
		next := s.poll(ctx, t)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(next)
	}
}

// poll runs one refresh cycle and returns the delay until the next one.
func (s *Scheduler) poll(ctx context.Context, t *task) time.Duration {
	now := s.clock.Now()
	t.attempt(now)

	local, err := s.store.GetZone(t.cfg.Zone)
	if err != nil {
		local = nil
	}
	refresh, retry, expire := s.timers(t.cfg, local)

	err = s.sync(ctx, t, local)
	if ctx.Err() != nil {
		return 0
	}
	if err == nil {
		at := s.clock.Now()
		t.succeed(at)
		if s.configs != nil {
			if serr := s.configs.SaveSynced(t.cfg.Zone, at); serr != nil {
				t.logger.Warn(map[string]any{"error": serr.Error()}, "Failed to record sync time")
			}
		}
		if serr := s.store.SetExpired(t.cfg.Zone, false); serr != nil && !errors.Is(serr, domain.ErrNotFound) {
			t.logger.Warn(map[string]any{"error": serr.Error()}, "Failed to clear zone expiry")
		}
		return refresh
	}

	fields := map[string]any{
		"error":     err.Error(),
		"transient": domain.IsTransient(err),
		"retry":     retry.String(),
	}
	if now.Sub(t.since()) >= expire && local != nil {
		t.fail(err, domain.StateExpired)
		if serr := s.store.SetExpired(t.cfg.Zone, true); serr != nil && !errors.Is(serr, domain.ErrNotFound) {
			t.logger.Warn(map[string]any{"error": serr.Error()}, "Failed to mark zone expired")
		}
		t.logger.Error(fields, "Replica zone expired")
		return retry
	}
	t.fail(err, domain.StateRetrying)
	t.logger.Warn(fields, "Replication attempt failed")
	return retry
}

// timers derives refresh, retry and expire for a task. The descriptor's
// refresh wins over the SOA's; retry never exceeds refresh.
func (s *Scheduler) timers(cfg domain.MasterConfig, local *domain.Zone) (refresh, retry, expire time.Duration) {
	refresh, retry, expire = s.refresh, s.retry, s.expire
	if local != nil {
		soa := local.SOA()
		if soa.Refresh > 0 {
			refresh = seconds(soa.Refresh)
		}
		if soa.Retry > 0 {
			retry = seconds(soa.Retry)
		}
		if soa.Expire > 0 {
			expire = seconds(soa.Expire)
		}
	}
	if cfg.Refresh > 0 {
		refresh = cfg.Refresh
	}
	return refresh, min(retry, refresh), expire
}

func seconds(v uint32) time.Duration {
	return time.Duration(v) * time.Second
}

// sync brings the local copy in line with the master.
func (s *Scheduler) sync(ctx context.Context, t *task, local *domain.Zone) error {
	remote, err := s.puller.ProbeSerial(ctx, t.cfg)
	switch {
	case errors.Is(err, domain.ErrZoneGone) && local != nil:
		t.logger.Warn(map[string]any{"error": err.Error()}, "Master no longer serves zone, dropping local copy")
		if derr := s.store.DeleteZone(t.cfg.Zone); derr != nil && !errors.Is(derr, domain.ErrNotFound) {
			return derr
		}
		return nil
	case err != nil:
		return err
	}

	if local != nil {
		err := serial.CheckIncoming(local.Serial(), remote)
		switch {
		case remote == local.Serial():
			t.logger.Debug(map[string]any{"serial": remote}, "Replica zone up to date")
			return nil
		case errors.Is(err, domain.ErrSerialRegression):
			t.logger.Warn(map[string]any{
				"local":  local.Serial(),
				"remote": remote,
			}, "Master serial went backwards, resyncing with full transfer")
			return s.transfer(ctx, t, domain.StrategyAXFR, local, true)
		}
	}

	err = s.transfer(ctx, t, t.cfg.Strategy, local, false)
	if err != nil && t.cfg.Strategy == domain.StrategyIXFR && domain.NeedsFullTransfer(err) {
		t.logger.Info(map[string]any{"error": err.Error()}, "Incremental transfer unavailable, falling back to AXFR")
		err = s.transfer(ctx, t, domain.StrategyAXFR, local, false)
	}
	return err
}

// transfer pulls and applies one transfer. A transfer behind the local
// copy is discarded without error.
func (s *Scheduler) transfer(ctx context.Context, t *task, strategy domain.Strategy, local *domain.Zone, force bool) error {
	kind := string(strategy)
	start := s.clock.Now()
	res, err := s.puller.Pull(ctx, t.cfg, strategy, local)
	if err != nil {
		metrics.TransfersPulled.WithLabelValues(kind, "error").Inc()
		return err
	}
	metrics.TransferDuration.WithLabelValues(kind).Observe(s.clock.Now().Sub(start).Seconds())

	t.setState(domain.StateApplying)
	err = xfr.Apply(s.store, res, force)
	if errors.Is(err, domain.ErrStaleTransfer) {
		metrics.TransfersPulled.WithLabelValues(kind, "stale").Inc()
		t.logger.Info(map[string]any{"serial": res.Serial, "error": err.Error()}, "Discarded stale transfer")
		return nil
	}
	if err != nil {
		metrics.TransfersPulled.WithLabelValues(kind, "error").Inc()
		return err
	}
	metrics.TransfersPulled.WithLabelValues(kind, "ok").Inc()
	t.logger.Info(map[string]any{
		"serial":   res.Serial,
		"strategy": kind,
		"diffs":    len(res.Diffs),
		"full":     res.Kind == domain.TransferFull,
	}, "Replica zone updated")
	return nil
}
