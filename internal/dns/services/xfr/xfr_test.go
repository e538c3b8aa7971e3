package xfr

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-authd/internal/dns/domain"
	"github.com/haukened/rr-authd/internal/dns/gateways/wire"
	"github.com/haukened/rr-authd/internal/dns/gateways/xfrclient"
	"github.com/haukened/rr-authd/internal/dns/repos/journal"
	"github.com/haukened/rr-authd/internal/dns/repos/xfrcache"
	"github.com/haukened/rr-authd/internal/dns/repos/zonestore"
)

func rdata(t *testing.T, typ domain.RRType, text string) []byte {
	t.Helper()
	b, err := wire.ParseRdata(typ, text)
	require.NoError(t, err)
	return b
}

func exampleDefinition(t *testing.T) domain.ZoneDefinition {
	return domain.ZoneDefinition{
		Name:       "example.com.",
		DefaultTTL: 1000,
		SOA: domain.SOA{
			MName: "master.", RName: "hostmaster.example.com.",
			Refresh: 2000, Retry: 3000, Expire: 4000, Minimum: 5000,
		},
		RRSets: []domain.RRSet{
			{Name: "example.com.", Type: domain.RRTypeA, TTL: 1000, Rdata: [][]byte{
				rdata(t, domain.RRTypeA, "127.0.0.1"), rdata(t, domain.RRTypeA, "127.0.0.2"),
			}},
			{Name: "example.com.", Type: domain.RRTypeNS, TTL: 1000, Rdata: [][]byte{
				rdata(t, domain.RRTypeNS, "master"), rdata(t, domain.RRTypeNS, "slave1"), rdata(t, domain.RRTypeNS, "slave2"),
			}},
			{Name: "example.com.", Type: domain.RRTypeMX, TTL: 1000, Rdata: [][]byte{
				rdata(t, domain.RRTypeMX, "10 mail.example.com"),
			}},
		},
	}
}

func newStore(t *testing.T, retention int) *zonestore.Store {
	t.Helper()
	s := zonestore.New(zonestore.Options{Journal: journal.New(retention)})
	_, err := s.CreateZone(exampleDefinition(t))
	require.NoError(t, err)
	return s
}

func addWWW(t *testing.T, s *zonestore.Store, ip string) uint32 {
	t.Helper()
	serial, err := s.AddRdata("example.com.", domain.RRSet{
		Name: "www.example.com.", Type: domain.RRTypeA, TTL: 0,
		Rdata: [][]byte{rdata(t, domain.RRTypeA, ip)},
	})
	require.NoError(t, err)
	return serial
}

func types(recs []domain.ResourceRecord) []domain.RRType {
	out := make([]domain.RRType, len(recs))
	for i, r := range recs {
		out[i] = r.Type
	}
	return out
}

func startServer(t *testing.T, srv *Server) domain.MasterConfig {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(pc.LocalAddr().String())
	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	require.NoError(t, err)

	h := dns.HandlerFunc(srv.ServeTransfer)
	var wg sync.WaitGroup
	wg.Add(2)
	udp := &dns.Server{PacketConn: pc, Handler: h, NotifyStartedFunc: wg.Done}
	tcp := &dns.Server{Listener: ln, Handler: h, NotifyStartedFunc: wg.Done}
	go func() { _ = udp.ActivateAndServe() }()
	go func() { _ = tcp.ActivateAndServe() }()
	wg.Wait()
	t.Cleanup(func() {
		_ = udp.Shutdown()
		_ = tcp.Shutdown()
	})
	p, _ := strconv.Atoi(port)
	return domain.MasterConfig{Zone: "example.com.", Hostname: "127.0.0.1", Port: p}
}

func TestServer_AXFROrder(t *testing.T) {
	store := newStore(t, 10)
	addWWW(t, store, "127.0.0.3")
	cache, err := xfrcache.New(8)
	require.NoError(t, err)
	srv := NewServer(Options{Zones: store, Cache: cache})

	recs, serial, err := srv.AXFR("EXAMPLE.com")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), serial)
	assert.Equal(t, []domain.RRType{
		domain.RRTypeSOA,
		domain.RRTypeNS, domain.RRTypeNS, domain.RRTypeNS,
		domain.RRTypeA, domain.RRTypeA,
		domain.RRTypeMX,
		domain.RRTypeA,
		domain.RRTypeSOA,
	}, types(recs))
	assert.Equal(t, uint32(0), recs[7].TTL)
	assert.Equal(t, 1, cache.Len())

	again, _, err := srv.AXFR("example.com.")
	require.NoError(t, err)
	assert.Equal(t, recs, again)

	addWWW(t, store, "127.0.0.4")
	fresh, serial, err := srv.AXFR("example.com.")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), serial)
	assert.Len(t, fresh, len(recs)+1)
}

func TestServer_AXFRUnknownZone(t *testing.T) {
	srv := NewServer(Options{Zones: newStore(t, 10)})
	_, _, err := srv.AXFR("other.org.")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestServer_IXFR(t *testing.T) {
	store := newStore(t, 10)
	addWWW(t, store, "127.0.0.3")
	_, err := store.RemoveRdata("example.com.", domain.RRSet{
		Name: "example.com.", Type: domain.RRTypeA, Rdata: [][]byte{rdata(t, domain.RRTypeA, "127.0.0.1")},
	})
	require.NoError(t, err)
	srv := NewServer(Options{Zones: store})

	t.Run("up to date", func(t *testing.T) {
		for _, from := range []uint32{3, 4} {
			recs, cur, err := srv.IXFR("example.com.", from)
			require.NoError(t, err)
			assert.Equal(t, uint32(3), cur)
			assert.Equal(t, []domain.RRType{domain.RRTypeSOA}, types(recs))
		}
	})

	t.Run("two diffs", func(t *testing.T) {
		recs, cur, err := srv.IXFR("example.com.", 1)
		require.NoError(t, err)
		assert.Equal(t, uint32(3), cur)
		assert.Equal(t, []domain.RRType{
			domain.RRTypeSOA,
			domain.RRTypeSOA, domain.RRTypeSOA, domain.RRTypeA,
			domain.RRTypeSOA, domain.RRTypeA, domain.RRTypeSOA,
			domain.RRTypeSOA,
		}, types(recs))

		res, err := xfrclient.ParseIXFR("example.com.", 1, recs)
		require.NoError(t, err)
		assert.Equal(t, domain.TransferIncremental, res.Kind)
		assert.Len(t, res.Diffs, 2)
	})

	t.Run("gap", func(t *testing.T) {
		small := newStore(t, 1)
		addWWW(t, small, "127.0.0.3")
		addWWW(t, small, "127.0.0.4")
		_, _, err := NewServer(Options{Zones: small}).IXFR("example.com.", 1)
		assert.ErrorIs(t, err, domain.ErrJournalGap)
	})
}

func TestServeTransfer_PullRoundTrip(t *testing.T) {
	master := newStore(t, 1)
	srv := NewServer(Options{Zones: master})
	cfg := startServer(t, srv)
	client := xfrclient.New(xfrclient.Options{Timeout: 2 * time.Second})
	replica := zonestore.New(zonestore.Options{})
	ctx := context.Background()

	res, err := client.Pull(ctx, cfg, domain.StrategyAXFR, nil)
	require.NoError(t, err)
	require.NoError(t, Apply(replica, res, false))
	assertSameZone(t, master, replica)
	assert.Equal(t, 1, srv.Tracker().Count("example.com.", 1))

	addWWW(t, master, "127.0.0.3")
	local, err := replica.GetZone("example.com.")
	require.NoError(t, err)
	res, err = client.Pull(ctx, cfg, domain.StrategyIXFR, local)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferIncremental, res.Kind)
	require.NoError(t, Apply(replica, res, false))
	assertSameZone(t, master, replica)

	// retention is 1, so two commits past the replica force AXFR form
	addWWW(t, master, "127.0.0.4")
	addWWW(t, master, "127.0.0.5")
	local, err = replica.GetZone("example.com.")
	require.NoError(t, err)
	res, err = client.Pull(ctx, cfg, domain.StrategyIXFR, local)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferFull, res.Kind)
	require.NoError(t, Apply(replica, res, false))
	assertSameZone(t, master, replica)
	assert.Equal(t, 1, srv.Tracker().Count("example.com.", 4))
}

func TestServeTransfer_LargeZoneSpansMessages(t *testing.T) {
	master := newStore(t, 10)
	def := exampleDefinition(t)
	def.Name = "big.example.com."
	def.RRSets = nil
	for i := 0; i < 1200; i++ {
		def.RRSets = append(def.RRSets, domain.RRSet{
			Name: fmt.Sprintf("h%d.big.example.com.", i), Type: domain.RRTypeA, TTL: 60,
			Rdata: [][]byte{{10, 0, byte(i / 256), byte(i)}},
		})
	}
	_, err := master.CreateZone(def)
	require.NoError(t, err)

	cfg := startServer(t, NewServer(Options{Zones: master}))
	cfg.Zone = "big.example.com."
	res, err := xfrclient.New(xfrclient.Options{}).Pull(context.Background(), cfg, domain.StrategyAXFR, nil)
	require.NoError(t, err)
	assert.Equal(t, 1200, res.Full.Len())
}

func TestServeTransfer_Errors(t *testing.T) {
	cfg := startServer(t, NewServer(Options{Zones: newStore(t, 10)}))
	addr := cfg.Address()

	tests := []struct {
		name  string
		net   string
		msg   func() *dns.Msg
		rcode int
		check func(t *testing.T, m *dns.Msg)
	}{
		{
			name:  "axfr over udp",
			net:   "udp",
			msg:   func() *dns.Msg { m := new(dns.Msg); m.SetAxfr("example.com."); return m },
			rcode: dns.RcodeRefused,
		},
		{
			name:  "unknown zone",
			net:   "tcp",
			msg:   func() *dns.Msg { m := new(dns.Msg); m.SetAxfr("other.org."); return m },
			rcode: dns.RcodeNotAuth,
		},
		{
			name: "ixfr without soa",
			net:  "udp",
			msg: func() *dns.Msg {
				m := new(dns.Msg)
				m.SetQuestion("example.com.", dns.TypeIXFR)
				return m
			},
			rcode: dns.RcodeFormatError,
		},
		{
			name:  "ixfr over udp answers current soa",
			net:   "udp",
			msg:   func() *dns.Msg { m := new(dns.Msg); m.SetIxfr("example.com.", 0, ".", "."); return m },
			rcode: dns.RcodeSuccess,
			check: func(t *testing.T, m *dns.Msg) {
				require.Len(t, m.Answer, 1)
				soa, ok := m.Answer[0].(*dns.SOA)
				require.True(t, ok)
				assert.Equal(t, uint32(1), soa.Serial)
				assert.True(t, m.Authoritative)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &dns.Client{Net: tt.net, Timeout: 2 * time.Second}
			m, _, err := c.Exchange(tt.msg(), addr)
			require.NoError(t, err)
			assert.Equal(t, tt.rcode, m.Rcode)
			if tt.check != nil {
				tt.check(t, m)
			}
		})
	}
}

func assertSameZone(t *testing.T, want, got *zonestore.Store) {
	t.Helper()
	w, err := want.ListZone("example.com.")
	require.NoError(t, err)
	g, err := got.ListZone("example.com.")
	require.NoError(t, err)
	assert.Equal(t, w.Serial, g.Serial)
	assert.Equal(t, w.Records, g.Records)
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	tr.Observe("Example.com", "10.0.0.1", 3)
	tr.Observe("example.com.", "10.0.0.1", 2)
	tr.Observe("example.com.", "10.0.0.2", 1)

	assert.Equal(t, 1, tr.Count("example.com.", 3))
	assert.Equal(t, 2, tr.Count("example.com.", 1))
	assert.Equal(t, 0, tr.Count("other.org.", 1))

	tr.Forget("EXAMPLE.COM.")
	assert.Equal(t, 0, tr.Count("example.com.", 1))
}

func TestTracker_WaitFor(t *testing.T) {
	tr := NewTracker()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- tr.WaitFor(ctx, "example.com.", 2, 2)
	}()

	tr.Observe("example.com.", "10.0.0.1", 2)
	tr.Observe("example.com.", "10.0.0.2", 1)
	tr.Observe("example.com.", "10.0.0.2", 2)
	assert.NoError(t, <-done)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tr.WaitFor(ctx, "example.com.", 3, 1)
	assert.ErrorIs(t, err, domain.ErrReplicationTimeout)

	assert.NoError(t, tr.WaitFor(context.Background(), "example.com.", 1, 0))
}

// MockApplier implements Applier for testing
type MockApplier struct {
	mock.Mock
}

func (m *MockApplier) ReplaceZone(z *domain.Zone, force bool) error {
	return m.Called(z, force).Error(0)
}

func (m *MockApplier) ApplyDiff(zone string, d domain.Diff) error {
	return m.Called(zone, d).Error(0)
}

func TestApply(t *testing.T) {
	z := domain.NewZone("example.com.", 60, domain.SOA{MName: "ns.", RName: "host.", Serial: 5})
	d1 := domain.Diff{FromSerial: 1, ToSerial: 2}
	d2 := domain.Diff{FromSerial: 2, ToSerial: 3}

	t.Run("up to date", func(t *testing.T) {
		m := &MockApplier{}
		require.NoError(t, Apply(m, &domain.TransferResult{Kind: domain.TransferUpToDate}, false))
		m.AssertNotCalled(t, "ReplaceZone", mock.Anything, mock.Anything)
	})

	t.Run("full", func(t *testing.T) {
		m := &MockApplier{}
		m.On("ReplaceZone", z, true).Return(nil)
		require.NoError(t, Apply(m, &domain.TransferResult{Kind: domain.TransferFull, Full: z}, true))
		m.AssertExpectations(t)

		assert.ErrorIs(t, Apply(m, &domain.TransferResult{Kind: domain.TransferFull}, false), domain.ErrTransferFailed)
	})

	t.Run("incremental skips stale blocks", func(t *testing.T) {
		m := &MockApplier{}
		m.On("ApplyDiff", "example.com.", d1).Return(fmt.Errorf("%w: held", domain.ErrStaleTransfer))
		m.On("ApplyDiff", "example.com.", d2).Return(nil)
		res := &domain.TransferResult{Zone: "example.com.", Kind: domain.TransferIncremental, Diffs: []domain.Diff{d1, d2}}
		require.NoError(t, Apply(m, res, false))
		m.AssertExpectations(t)
	})

	t.Run("incremental gap", func(t *testing.T) {
		m := &MockApplier{}
		m.On("ApplyDiff", "example.com.", d1).Return(domain.ErrJournalGap)
		res := &domain.TransferResult{Zone: "example.com.", Kind: domain.TransferIncremental, Diffs: []domain.Diff{d1, d2}}
		err := Apply(m, res, false)
		assert.ErrorIs(t, err, domain.ErrJournalGap)
		assert.True(t, domain.NeedsFullTransfer(err))
		m.AssertNumberOfCalls(t, "ApplyDiff", 1)
	})
}
