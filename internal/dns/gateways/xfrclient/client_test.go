package xfrclient

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-authd/internal/dns/domain"
	"github.com/haukened/rr-authd/internal/dns/gateways/wire"
)

func soaRR(serial uint32) dns.RR {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: "Example.com.", Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 1000},
		Ns:      "master.",
		Mbox:    "hostmaster.example.com.",
		Serial:  serial,
		Refresh: 2000,
		Retry:   3000,
		Expire:  4000,
		Minttl:  5000,
	}
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func toRecords(t *testing.T, rrs ...dns.RR) []domain.ResourceRecord {
	t.Helper()
	recs, err := wire.FromRRs(rrs)
	require.NoError(t, err)
	return recs
}

func startMaster(t *testing.T, h dns.HandlerFunc) domain.MasterConfig {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(pc.LocalAddr().String())
	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	require.NoError(t, err)

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

func serveRRs(w dns.ResponseWriter, r *dns.Msg, rrs []dns.RR) {
	ch := make(chan *dns.Envelope, 1)
	ch <- &dns.Envelope{RR: rrs}
	close(ch)
	_ = new(dns.Transfer).Out(w, r, ch)
}

func newClient() *Client {
	return New(Options{Timeout: 2 * time.Second})
}

func TestPull_AXFR(t *testing.T) {
	master := startMaster(t, func(w dns.ResponseWriter, r *dns.Msg) {
		serveRRs(w, r, []dns.RR{
			soaRR(7),
			mustRR(t, "Example.com. 1000 IN NS master."),
			mustRR(t, "WWW.example.com. 0 IN A 127.0.0.1"),
			mustRR(t, "WWW.example.com. 0 IN A 127.0.0.2"),
			mustRR(t, "example.com. 1000 IN MX 10 mail.example.com."),
			soaRR(7),
		})
	})

	res, err := newClient().Pull(context.Background(), master, domain.StrategyAXFR, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferFull, res.Kind)
	assert.Equal(t, uint32(7), res.Serial)
	require.NotNil(t, res.Full)

	z := res.Full
	assert.Equal(t, "Example.com.", z.Name())
	assert.Equal(t, uint32(1000), z.DefaultTTL())
	assert.Equal(t, uint32(7), z.Serial())
	assert.Equal(t, uint32(2000), z.SOA().Refresh)

	www, ok := z.Lookup("www.example.com.", domain.RRTypeA)
	require.True(t, ok)
	assert.Equal(t, "WWW.example.com.", www.Name)
	assert.Equal(t, uint32(0), www.TTL)
	assert.Len(t, www.Rdata, 2)
	assert.Equal(t, 3, z.Len())
}

func TestPull_IXFRIncremental(t *testing.T) {
	requested := make(chan uint32, 1)
	master := startMaster(t, func(w dns.ResponseWriter, r *dns.Msg) {
		requested <- r.Ns[0].(*dns.SOA).Serial
		serveRRs(w, r, []dns.RR{
			soaRR(3),
			soaRR(1),
			mustRR(t, "www.example.com. 60 IN A 127.0.0.1"),
			soaRR(2),
			mustRR(t, "www.example.com. 60 IN A 127.0.0.3"),
			soaRR(2),
			soaRR(3),
			mustRR(t, "www.example.com. 60 IN A 127.0.0.4"),
			soaRR(3),
		})
	})
	local, err := domain.ZoneDefinition{
		Name: "example.com.", DefaultTTL: 1000,
		SOA: domain.SOA{MName: "master.", RName: "hostmaster.example.com."},
	}.Build(1)
	require.NoError(t, err)

	res, err := newClient().Pull(context.Background(), master, domain.StrategyIXFR, local)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), <-requested)
	assert.Equal(t, domain.TransferIncremental, res.Kind)
	assert.Equal(t, uint32(3), res.Serial)
	require.Len(t, res.Diffs, 2)

	assert.Equal(t, uint32(1), res.Diffs[0].FromSerial)
	assert.Equal(t, uint32(2), res.Diffs[0].ToSerial)
	require.Len(t, res.Diffs[0].Removed, 1)
	require.Len(t, res.Diffs[0].Added, 1)
	assert.Equal(t, uint32(2), res.Diffs[1].FromSerial)
	assert.Equal(t, uint32(3), res.Diffs[1].ToSerial)
	assert.Empty(t, res.Diffs[1].Removed)
	require.Len(t, res.Diffs[1].Added, 1)
	assert.Equal(t, uint32(3000), res.Diffs[1].ToSOA.Retry)
}

func TestPull_IXFRUpToDate(t *testing.T) {
	master := startMaster(t, func(w dns.ResponseWriter, r *dns.Msg) {
		serveRRs(w, r, []dns.RR{soaRR(4)})
	})
	local, err := domain.ZoneDefinition{
		Name: "example.com.", SOA: domain.SOA{MName: "master.", RName: "hostmaster.example.com."},
	}.Build(4)
	require.NoError(t, err)

	res, err := newClient().Pull(context.Background(), master, domain.StrategyIXFR, local)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferUpToDate, res.Kind)
	assert.Equal(t, uint32(4), res.Serial)
}

func TestPull_IXFRWithoutLocalRequestsAXFR(t *testing.T) {
	qtypes := make(chan uint16, 1)
	master := startMaster(t, func(w dns.ResponseWriter, r *dns.Msg) {
		qtypes <- r.Question[0].Qtype
		serveRRs(w, r, []dns.RR{soaRR(1), soaRR(1)})
	})

	res, err := newClient().Pull(context.Background(), master, domain.StrategyIXFR, nil)
	require.NoError(t, err)
	assert.Equal(t, dns.TypeAXFR, <-qtypes)
	assert.Equal(t, domain.TransferFull, res.Kind)
	assert.Equal(t, 0, res.Full.Len())
}

func TestPull_Refused(t *testing.T) {
	master := startMaster(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeRefused)
		_ = w.WriteMsg(m)
	})

	_, err := newClient().Pull(context.Background(), master, domain.StrategyAXFR, nil)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.True(t, domain.IsTransient(err))
}

func TestPull_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, ln.Close())
	p, _ := strconv.Atoi(port)

	_, err = newClient().Pull(context.Background(), domain.MasterConfig{Zone: "example.com.", Hostname: "127.0.0.1", Port: p}, domain.StrategyAXFR, nil)
	assert.ErrorIs(t, err, domain.ErrUnreachable)
}

func TestPull_CancelledMidTransfer(t *testing.T) {
	release := make(chan struct{})
	master := startMaster(t, func(w dns.ResponseWriter, r *dns.Msg) {
		<-release
	})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := newClient().Pull(ctx, master, domain.StrategyAXFR, nil)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProbeSerial(t *testing.T) {
	tests := []struct {
		name    string
		handler dns.HandlerFunc
		want    uint32
		wantErr error
	}{
		{
			name: "answer",
			handler: func(w dns.ResponseWriter, r *dns.Msg) {
				m := new(dns.Msg)
				m.SetReply(r)
				m.Answer = []dns.RR{soaRR(42)}
				_ = w.WriteMsg(m)
			},
			want: 42,
		},
		{
			name: "truncated falls back to tcp",
			handler: func(w dns.ResponseWriter, r *dns.Msg) {
				m := new(dns.Msg)
				m.SetReply(r)
				if _, udp := w.RemoteAddr().(*net.UDPAddr); udp {
					m.Truncated = true
				} else {
					m.Answer = []dns.RR{soaRR(43)}
				}
				_ = w.WriteMsg(m)
			},
			want: 43,
		},
		{
			name: "refused",
			handler: func(w dns.ResponseWriter, r *dns.Msg) {
				m := new(dns.Msg)
				m.SetRcode(r, dns.RcodeRefused)
				_ = w.WriteMsg(m)
			},
			wantErr: domain.ErrZoneGone,
		},
		{
			name: "servfail",
			handler: func(w dns.ResponseWriter, r *dns.Msg) {
				m := new(dns.Msg)
				m.SetRcode(r, dns.RcodeServerFailure)
				_ = w.WriteMsg(m)
			},
			wantErr: domain.ErrTransferFailed,
		},
		{
			name: "no soa",
			handler: func(w dns.ResponseWriter, r *dns.Msg) {
				m := new(dns.Msg)
				m.SetReply(r)
				_ = w.WriteMsg(m)
			},
			wantErr: domain.ErrMalformedMessage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			master := startMaster(t, tt.handler)
			got, err := newClient().ProbeSerial(context.Background(), master)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAXFR_Malformed(t *testing.T) {
	a := mustRR(t, "www.example.com. 60 IN A 127.0.0.1")
	tests := []struct {
		name string
		rrs  []dns.RR
	}{
		{"too short", []dns.RR{soaRR(1)}},
		{"no leading soa", []dns.RR{a, soaRR(1)}},
		{"no trailing soa", []dns.RR{soaRR(1), a}},
		{"serial mismatch", []dns.RR{soaRR(1), a, soaRR(2)}},
		{"soa inside", []dns.RR{soaRR(1), soaRR(1), a, soaRR(1)}},
		{"foreign soa", []dns.RR{mustRR(t, "other.org. 60 IN SOA ns. host. 1 2 3 4 5"), a, soaRR(1)}},
		{"out of zone record", []dns.RR{soaRR(1), mustRR(t, "www.other.org. 60 IN A 127.0.0.1"), soaRR(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAXFR("example.com.", toRecords(t, tt.rrs...))
			assert.ErrorIs(t, err, domain.ErrMalformedMessage)
		})
	}
}

func TestParseIXFR(t *testing.T) {
	a1 := mustRR(t, "www.example.com. 60 IN A 127.0.0.1")
	a2 := mustRR(t, "www.example.com. 60 IN A 127.0.0.2")

	t.Run("axfr form", func(t *testing.T) {
		res, err := ParseIXFR("example.com.", 1, toRecords(t, soaRR(5), a1, a2, soaRR(5)))
		require.NoError(t, err)
		assert.Equal(t, domain.TransferFull, res.Kind)
		assert.Equal(t, 1, res.Full.Len())
	})

	t.Run("older single soa is up to date", func(t *testing.T) {
		res, err := ParseIXFR("example.com.", 9, toRecords(t, soaRR(5)))
		require.NoError(t, err)
		assert.Equal(t, domain.TransferUpToDate, res.Kind)
	})

	t.Run("newer single soa", func(t *testing.T) {
		_, err := ParseIXFR("example.com.", 1, toRecords(t, soaRR(5)))
		assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	})

	t.Run("chain must start at requested serial", func(t *testing.T) {
		_, err := ParseIXFR("example.com.", 1, toRecords(t, soaRR(3), soaRR(2), soaRR(3), a1, soaRR(3)))
		assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	})

	t.Run("chain must reach current serial", func(t *testing.T) {
		_, err := ParseIXFR("example.com.", 1, toRecords(t, soaRR(3), soaRR(1), soaRR(2), a1, soaRR(3)))
		assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	})

	t.Run("missing closing soa", func(t *testing.T) {
		_, err := ParseIXFR("example.com.", 1, toRecords(t, soaRR(2), soaRR(1), a1, soaRR(2), a2))
		assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParseIXFR("example.com.", 1, nil)
		assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	})

	t.Run("single diff", func(t *testing.T) {
		res, err := ParseIXFR("example.com.", 1, toRecords(t, soaRR(2), soaRR(1), a1, soaRR(2), a2, soaRR(2)))
		require.NoError(t, err)
		require.Len(t, res.Diffs, 1)
		assert.Equal(t, []byte{127, 0, 0, 1}, res.Diffs[0].Removed[0].Rdata[0])
		assert.Equal(t, []byte{127, 0, 0, 2}, res.Diffs[0].Added[0].Rdata[0])
	})
}
