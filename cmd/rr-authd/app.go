package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haukened/rr-authd/internal/dns/common/clock"
	"github.com/haukened/rr-authd/internal/dns/common/log"
	"github.com/haukened/rr-authd/internal/dns/common/metrics"
	"github.com/haukened/rr-authd/internal/dns/common/utils"
	"github.com/haukened/rr-authd/internal/dns/config"
	"github.com/haukened/rr-authd/internal/dns/domain"
	"github.com/haukened/rr-authd/internal/dns/gateways/transport"
	"github.com/haukened/rr-authd/internal/dns/gateways/wire"
	"github.com/haukened/rr-authd/internal/dns/gateways/xfrclient"
	"github.com/haukened/rr-authd/internal/dns/repos/journal"
	"github.com/haukened/rr-authd/internal/dns/repos/persist"
	"github.com/haukened/rr-authd/internal/dns/repos/xfrcache"
	"github.com/haukened/rr-authd/internal/dns/repos/zonefile"
	"github.com/haukened/rr-authd/internal/dns/repos/zonestore"
	"github.com/haukened/rr-authd/internal/dns/services/mutation"
	"github.com/haukened/rr-authd/internal/dns/services/notify"
	"github.com/haukened/rr-authd/internal/dns/services/replication"
	"github.com/haukened/rr-authd/internal/dns/services/resolver"
	"github.com/haukened/rr-authd/internal/dns/services/xfr"
)

const metricsShutdownTimeout = 5 * time.Second

// Application holds all the components of the server.
type Application struct {
	config    *config.AppConfig
	logger    log.Logger
	db        *persist.Store // nil when running memory only
	store     *zonestore.Store
	xfr       *xfr.Server
	resolver  *resolver.Resolver
	scheduler *replication.Scheduler
	notifier  *notify.Sender
	mutations *mutation.Service
	transport transport.ServerTransport
	metrics   *http.Server
	ready     chan struct{}
}

// buildApplication creates and wires all components. Persisted zones are
// restored first so seed files never overwrite replicated or edited state.
func buildApplication(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	logger := log.GetLogger()
	app := &Application{config: cfg, logger: logger, ready: make(chan struct{})}

	jrnl := journal.New(cfg.Storage.JournalRetention)
	var persister zonestore.Persister
	var masters []domain.MasterConfig
	if cfg.Storage.DB != "" {
		db, err := persist.Open(cfg.Storage.DB, cfg.Storage.JournalRetention)
		if err != nil {
			return nil, err
		}
		app.db = db
		persister = db
	}

	app.store = zonestore.New(zonestore.Options{
		Journal:   jrnl,
		Persister: persister,
		Logger:    log.With(logger, map[string]any{"component": "zonestore"}),
	})

	if app.db != nil {
		loaded, err := app.db.Load()
		if err != nil {
			app.close()
			return nil, fmt.Errorf("failed to restore zones: %w", err)
		}
		for _, lz := range loaded {
			app.store.Restore(lz.Zone, lz.Diffs)
		}
		masters, err = app.db.LoadMasters()
		if err != nil {
			app.close()
			return nil, fmt.Errorf("failed to restore replication config: %w", err)
		}
		logger.Info(map[string]any{
			"zones":   len(loaded),
			"masters": len(masters),
		}, "Restored persisted state")
	}

	cache, err := xfrcache.New(cfg.Storage.XfrCacheSize)
	if err != nil {
		app.close()
		return nil, err
	}
	app.xfr = xfr.NewServer(xfr.Options{
		Zones:   app.store,
		Cache:   cache,
		Tracker: xfr.NewTracker(),
		Logger:  log.With(logger, map[string]any{"component": "xfr"}),
	})

	app.resolver = resolver.NewResolver(resolver.ResolverOptions{
		Zones:  app.store,
		Logger: log.With(logger, map[string]any{"component": "resolver"}),
	})

	schedOpts := replication.Options{
		Store: app.store,
		Puller: xfrclient.New(xfrclient.Options{
			Timeout: cfg.Replication.TransferTimeout,
			Logger:  log.With(logger, map[string]any{"component": "xfrclient"}),
		}),
		Clock:          clock.RealClock{},
		Logger:         log.With(logger, map[string]any{"component": "replication"}),
		DefaultRefresh: cfg.Replication.DefaultRefresh,
		DefaultRetry:   cfg.Replication.DefaultRetry,
		DefaultExpire:  cfg.Replication.DefaultExpire,
	}
	if app.db != nil {
		schedOpts.Configs = app.db
	}
	app.scheduler = replication.New(schedOpts)

	app.notifier = notify.NewSender(notify.Options{
		Targets: cfg.Notify.Targets,
		Timeout: cfg.Notify.Timeout,
		Logger:  log.With(logger, map[string]any{"component": "notify"}),
	})
	app.store.OnCommit(app.notifier.Hook())
	app.store.OnDelete(app.notifier.DeleteHook())

	app.mutations = mutation.New(mutation.Options{
		Store:  app.store,
		Waiter: app.xfr.Tracker(),
		Parser: wire.ParseRdata,
		Logger: log.With(logger, map[string]any{"component": "mutation"}),
	})

	if err := app.seedZones(ctx); err != nil {
		app.close()
		return nil, err
	}
	if err := app.configureMasters(masters); err != nil {
		app.close()
		return nil, err
	}

	app.transport, err = transport.NewTransport(transport.TransportDNS, cfg.Server.Listen, logger)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	if cfg.Server.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		app.metrics = &http.Server{
			Addr:              cfg.Server.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return app, nil
}

// seedZones creates the zones found in the seed directory that this node
// does not hold yet.
func (app *Application) seedZones(ctx context.Context) error {
	dir := app.config.Storage.ZoneDir
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		app.logger.Debug(map[string]any{"zone_dir": dir}, "Seed zone directory not present")
		return nil
	}
	specs, err := zonefile.LoadDirectory(dir)
	if err != nil {
		return fmt.Errorf("failed to load seed zones: %w", err)
	}
	for _, spec := range specs {
		serial, err := app.mutations.CreateZone(ctx, spec, mutation.WaitOptions{})
		switch {
		case errors.Is(err, domain.ErrZoneExists):
			app.logger.Debug(map[string]any{"zone": spec.Name}, "Seed zone already present")
		case err != nil:
			return fmt.Errorf("failed to seed zone %s: %w", spec.Name, err)
		default:
			app.logger.Info(map[string]any{
				"zone":   spec.Name,
				"serial": serial,
			}, "Seeded zone")
		}
	}
	return nil
}

// configureMasters registers replica zones. Entries from the replication
// file replace persisted entries for the same zone.
func (app *Application) configureMasters(persisted []domain.MasterConfig) error {
	byZone := make(map[string]domain.MasterConfig, len(persisted))
	var order []string
	add := func(m domain.MasterConfig) {
		k := utils.CanonicalDNSName(m.Zone)
		if _, ok := byZone[k]; !ok {
			order = append(order, k)
		}
		byZone[k] = m
	}
	for _, m := range persisted {
		add(m)
	}
	if app.config.Replication.File != "" {
		fromFile, err := config.LoadReplication(app.config.Replication.File)
		if err != nil {
			return err
		}
		for _, m := range fromFile {
			add(m)
		}
	}
	for _, k := range order {
		if err := app.scheduler.Configure(byZone[k]); err != nil {
			return fmt.Errorf("failed to configure replica %s: %w", k, err)
		}
	}
	return nil
}

// Ready is closed once the DNS transport is listening.
func (app *Application) Ready() <-chan struct{} { return app.ready }

// Run serves until ctx is cancelled, then shuts every component down.
func (app *Application) Run(ctx context.Context) error {
	defer app.close()

	err := app.transport.Start(ctx, transport.Handlers{
		Query:    app.resolver,
		Transfer: app.xfr,
		Notify:   app.scheduler,
	})
	if err != nil {
		return fmt.Errorf("failed to start DNS transport: %w", err)
	}
	close(app.ready)

	app.logger.Info(map[string]any{
		"address": app.transport.Address(),
		"zones":   len(app.store.Zones()),
	}, "rr-authd started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.transport.Stop()
	})
	if app.metrics != nil {
		g.Go(func() error {
			app.logger.Info(map[string]any{"address": app.metrics.Addr}, "Metrics server started")
			if err := app.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return app.metrics.Shutdown(sctx)
		})
	}

	err = g.Wait()
	app.notifier.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (app *Application) close() {
	if app.db == nil {
		return
	}
	if err := app.db.Close(); err != nil {
		app.logger.Error(map[string]any{"error": err.Error()}, "Failed to close database")
	}
	app.db = nil
}
