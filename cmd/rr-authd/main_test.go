package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-authd/internal/dns/common/log"
	"github.com/haukened/rr-authd/internal/dns/config"
	"github.com/haukened/rr-authd/internal/dns/domain"
	"github.com/haukened/rr-authd/internal/dns/services/mutation"
)

const exampleZone = `zone_root: example.com
ttl: 300
soa:
  mname: ns1.example.com.
  rname: hostmaster.example.com.
  refresh: 3600
  retry: 600
  expire: 86400
  minimum: 60
ns: [ns1.example.com.]
ns1:
  a: 192.0.2.1
www:
  a: 192.0.2.10
`

func quiet(t testing.TB) {
	t.Helper()
	original := log.GetLogger()
	log.SetLogger(log.NewNoopLogger())
	t.Cleanup(func() { log.SetLogger(original) })
}

// testConfig returns a config bound to loopback with state under a temp dir.
func testConfig(t testing.TB) *config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DEFAULT_APP_CONFIG
	cfg.Env = "dev"
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.MetricsListen = ""
	cfg.Storage.DB = filepath.Join(dir, "zones.db")
	cfg.Storage.ZoneDir = filepath.Join(dir, "zone.d")
	cfg.Replication.TransferTimeout = 5 * time.Second
	require.NoError(t, os.MkdirAll(cfg.Storage.ZoneDir, 0o755))
	return &cfg
}

func writeZone(t testing.TB, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestRootCommand_Version(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), appName)
	assert.Contains(t, out.String(), Version)
}

func TestRootCommand_UnknownSubcommand(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"bogus"})
	assert.Error(t, root.Execute())
}

func TestApplyFlags(t *testing.T) {
	cmd := newServeCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--listen", "127.0.0.1:5353",
		"--metrics-listen", "",
		"--zone-dir", "/tmp/zones",
		"--notify", "192.0.2.1:53,192.0.2.2:53",
		"--log-level", "debug",
	}))

	cfg := config.DEFAULT_APP_CONFIG
	require.NoError(t, applyFlags(cmd, &cfg))

	assert.Equal(t, "127.0.0.1:5353", cfg.Server.Listen)
	assert.Equal(t, "", cfg.Server.MetricsListen)
	assert.Equal(t, "/tmp/zones", cfg.Storage.ZoneDir)
	assert.Equal(t, []string{"192.0.2.1:53", "192.0.2.2:53"}, cfg.Notify.Targets)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched flags keep their configured values
	assert.Equal(t, config.DEFAULT_APP_CONFIG.Storage.DB, cfg.Storage.DB)
	assert.Equal(t, config.DEFAULT_APP_CONFIG.Env, cfg.Env)
	require.NoError(t, config.Validate(&cfg))
}

func TestApplyFlags_InvalidAfterOverride(t *testing.T) {
	cmd := newServeCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--listen", "not-an-address"}))

	cfg := config.DEFAULT_APP_CONFIG
	require.NoError(t, applyFlags(cmd, &cfg))
	assert.Error(t, config.Validate(&cfg))
}

func TestBuildApplication_SeedsZones(t *testing.T) {
	quiet(t)
	cfg := testConfig(t)
	writeZone(t, cfg.Storage.ZoneDir, "example.yaml", exampleZone)

	app, err := buildApplication(context.Background(), cfg)
	require.NoError(t, err)
	defer app.close()

	serial, ok := app.store.Serial("example.com")
	require.True(t, ok)
	assert.Equal(t, uint32(1), serial)

	recs, err := app.resolver.Resolve("www.example.com.", domain.RRTypeA)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	assert.NotNil(t, app.transport)
	assert.Nil(t, app.metrics)
}

func TestBuildApplication_MemoryOnly(t *testing.T) {
	quiet(t)
	cfg := testConfig(t)
	cfg.Storage.DB = ""
	cfg.Storage.ZoneDir = filepath.Join(t.TempDir(), "missing")
	cfg.Server.MetricsListen = "127.0.0.1:0"

	app, err := buildApplication(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, app.db)
	assert.Empty(t, app.store.Zones())
	assert.NotNil(t, app.metrics)
}

func TestBuildApplication_RestoresPersistedState(t *testing.T) {
	quiet(t)
	ctx := context.Background()
	cfg := testConfig(t)
	writeZone(t, cfg.Storage.ZoneDir, "example.yaml", exampleZone)

	app, err := buildApplication(ctx, cfg)
	require.NoError(t, err)
	serial, err := app.mutations.UpsertRR(ctx, "example.com", "www", domain.RRTypeA, nil, []string{"192.0.2.20"}, mutation.WaitOptions{})
	require.NoError(t, err)
	require.Equal(t, uint32(2), serial)
	require.NoError(t, app.scheduler.Configure(domain.MasterConfig{
		Zone:     "replica.example",
		Hostname: "192.0.2.53",
		Strategy: domain.StrategyIXFR,
	}))
	app.close()

	// The seed file is still present but the edited zone wins.
	app, err = buildApplication(ctx, cfg)
	require.NoError(t, err)
	defer app.close()

	serial, ok := app.store.Serial("example.com")
	require.True(t, ok)
	assert.Equal(t, uint32(2), serial)

	recs, err := app.resolver.Resolve("www.example.com.", domain.RRTypeA)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	st, err := app.scheduler.Status("replica.example")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.53:53", st.Master)
	assert.Equal(t, domain.StrategyIXFR, st.Strategy)
	assert.False(t, st.HasZone)
}

func TestBuildApplication_ReplicationFileOverridesPersisted(t *testing.T) {
	quiet(t)
	ctx := context.Background()
	cfg := testConfig(t)

	app, err := buildApplication(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, app.scheduler.Configure(domain.MasterConfig{Zone: "replica.example", Hostname: "192.0.2.53"}))
	app.close()

	file := filepath.Join(t.TempDir(), "replication.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`zones:
  - zone: replica.example
    hostname: 192.0.2.54
    port: 5353
    strategy: ixfr
  - zone: other.example
    hostname: 192.0.2.55
`), 0o644))
	cfg.Replication.File = file

	app, err = buildApplication(ctx, cfg)
	require.NoError(t, err)
	defer app.close()

	statuses := app.scheduler.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "other.example.", statuses[0].Zone)
	assert.Equal(t, "192.0.2.55:53", statuses[0].Master)
	assert.Equal(t, "replica.example.", statuses[1].Zone)
	assert.Equal(t, "192.0.2.54:5353", statuses[1].Master)
	assert.Equal(t, domain.StrategyIXFR, statuses[1].Strategy)
}

func TestBuildApplication_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, cfg *config.AppConfig)
	}{
		{
			name: "invalid seed zone",
			setup: func(t *testing.T, cfg *config.AppConfig) {
				writeZone(t, cfg.Storage.ZoneDir, "bad.yaml", "zone_root: bad.example\nwww:\n  a: not-an-ip\n")
			},
		},
		{
			name: "missing replication file",
			setup: func(t *testing.T, cfg *config.AppConfig) {
				cfg.Replication.File = filepath.Join(t.TempDir(), "missing.yaml")
			},
		},
		{
			name: "unopenable database",
			setup: func(t *testing.T, cfg *config.AppConfig) {
				cfg.Storage.DB = t.TempDir()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quiet(t)
			cfg := testConfig(t)
			tt.setup(t, cfg)
			app, err := buildApplication(context.Background(), cfg)
			assert.Error(t, err)
			assert.Nil(t, app)
		})
	}
}

func TestApplication_RunAndShutdown(t *testing.T) {
	quiet(t)
	cfg := testConfig(t)
	app, err := buildApplication(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case <-app.Ready():
	case err := <-done:
		t.Fatalf("application exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("application did not start")
	}
	assert.NotEqual(t, cfg.Server.Listen, app.transport.Address())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("application did not stop")
	}
	assert.Nil(t, app.db)
}
