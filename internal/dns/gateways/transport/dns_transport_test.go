package transport

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-authd/internal/dns/domain"
)

// MockQueryHandler implements QueryHandler for testing
type MockQueryHandler struct {
	mock.Mock
}

func (m *MockQueryHandler) HandleQuery(ctx context.Context, query domain.Question, clientAddr net.Addr) (domain.DNSResponse, error) {
	args := m.Called(ctx, query, clientAddr)
	return args.Get(0).(domain.DNSResponse), args.Error(1)
}

// MockNotifyHandler implements NotifyHandler for testing
type MockNotifyHandler struct {
	mock.Mock
}

func (m *MockNotifyHandler) HandleNotify(ctx context.Context, zone string, from net.Addr) error {
	args := m.Called(ctx, zone, from)
	return args.Error(0)
}

const (
	timeout = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type transferFunc func(w dns.ResponseWriter, r *dns.Msg)

func (f transferFunc) ServeTransfer(w dns.ResponseWriter, r *dns.Msg) { f(w, r) }

// testLogger provides a no-op logger for tests that don't need to verify logging
type testLogger struct{}

func (t *testLogger) Info(map[string]any, string)  {}
func (t *testLogger) Error(map[string]any, string) {}
func (t *testLogger) Debug(map[string]any, string) {}
func (t *testLogger) Warn(map[string]any, string)  {}
func (t *testLogger) Panic(map[string]any, string) {}
func (t *testLogger) Fatal(map[string]any, string) {}

func startTransport(t *testing.T, h Handlers) *DNSTransport {
	t.Helper()
	tr := NewDNSTransport("127.0.0.1:0", &testLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.Start(ctx, h))
	t.Cleanup(func() {
		cancel()
		_ = tr.Stop()
	})
	return tr
}

func exchange(t *testing.T, network, addr string, m *dns.Msg) *dns.Msg {
	t.Helper()
	c := &dns.Client{Net: network}
	resp, _, err := c.Exchange(m, addr)
	require.NoError(t, err)
	return resp
}

func TestNewDNSTransport(t *testing.T) {
	logger := &testLogger{}
	tr := NewDNSTransport("127.0.0.1:5053", logger)

	assert.Equal(t, "127.0.0.1:5053", tr.addr)
	assert.Equal(t, logger, tr.logger)
	assert.False(t, tr.running)
	assert.Equal(t, "127.0.0.1:5053", tr.Address())
}

func TestDNSTransport_StartStop(t *testing.T) {
	tr := NewDNSTransport("127.0.0.1:0", nil)
	ctx := context.Background()

	require.NoError(t, tr.Start(ctx, Handlers{}))
	assert.True(t, tr.running)
	assert.NotEqual(t, "127.0.0.1:0", tr.Address())

	err := tr.Start(ctx, Handlers{})
	assert.ErrorContains(t, err, "already running")

	require.NoError(t, tr.Stop())
	assert.False(t, tr.running)
	assert.NoError(t, tr.Stop(), "second stop is a no-op")
}

func TestDNSTransport_StartInvalidAddress(t *testing.T) {
	tr := NewDNSTransport("not-an-address", nil)
	err := tr.Start(context.Background(), Handlers{})
	assert.Error(t, err)
	assert.False(t, tr.running)
}

func TestDNSTransport_StopsOnContextCancel(t *testing.T) {
	tr := NewDNSTransport("127.0.0.1:0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.Start(ctx, Handlers{}))
	cancel()
	assert.Eventually(t, func() bool {
		tr.mu.RLock()
		defer tr.mu.RUnlock()
		return !tr.running
	}, timeout, tick)
}

func TestDNSTransport_Query(t *testing.T) {
	qh := &MockQueryHandler{}
	qh.On("HandleQuery", mock.Anything, mock.MatchedBy(func(q domain.Question) bool {
		return q.Name == "WWW.example.com." && q.Type == domain.RRTypeA
	}), mock.Anything).Return(domain.DNSResponse{
		RCode:         domain.NOERROR,
		Authoritative: true,
		Answers: []domain.ResourceRecord{
			{Name: "www.example.com.", Type: domain.RRTypeA, TTL: 0, Data: []byte{127, 0, 0, 1}},
		},
	}, nil)
	tr := startTransport(t, Handlers{Query: qh})

	for _, network := range []string{"udp", "tcp"} {
		t.Run(network, func(t *testing.T) {
			m := new(dns.Msg)
			m.SetQuestion("WWW.example.com.", dns.TypeA)
			resp := exchange(t, network, tr.Address(), m)

			assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
			assert.True(t, resp.Authoritative)
			require.Len(t, resp.Answer, 1)
			a, ok := resp.Answer[0].(*dns.A)
			require.True(t, ok)
			assert.Equal(t, "www.example.com.", a.Hdr.Name)
			assert.Equal(t, uint32(0), a.Hdr.Ttl)
			assert.Equal(t, "127.0.0.1", a.A.String())
		})
	}
	qh.AssertNumberOfCalls(t, "HandleQuery", 2)
}

func TestDNSTransport_QueryErrors(t *testing.T) {
	qh := &MockQueryHandler{}
	qh.On("HandleQuery", mock.Anything, mock.Anything, mock.Anything).
		Return(domain.DNSResponse{}, fmt.Errorf("boom"))
	tr := startTransport(t, Handlers{Query: qh})

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	resp := exchange(t, "udp", tr.Address(), m)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)

	chaos := new(dns.Msg)
	chaos.SetQuestion("version.bind.", dns.TypeTXT)
	chaos.Question[0].Qclass = dns.ClassCHAOS
	resp = exchange(t, "udp", tr.Address(), chaos)
	assert.Equal(t, dns.RcodeFormatError, resp.Rcode)

	update := new(dns.Msg)
	update.SetUpdate("example.com.")
	resp = exchange(t, "udp", tr.Address(), update)
	assert.Equal(t, dns.RcodeNotImplemented, resp.Rcode)
}

func TestDNSTransport_NoQueryHandlerRefuses(t *testing.T) {
	tr := startTransport(t, Handlers{})

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	assert.Equal(t, dns.RcodeRefused, exchange(t, "udp", tr.Address(), m).Rcode)

	axfr := new(dns.Msg)
	axfr.SetAxfr("example.com.")
	assert.Equal(t, dns.RcodeRefused, exchange(t, "tcp", tr.Address(), axfr).Rcode)
}

func TestDNSTransport_UDPTruncation(t *testing.T) {
	answers := make([]domain.ResourceRecord, 0, 100)
	for i := 0; i < 100; i++ {
		answers = append(answers, domain.ResourceRecord{
			Name: "big.example.com.", Type: domain.RRTypeA, TTL: 60, Data: []byte{10, 0, byte(i / 256), byte(i)},
		})
	}
	qh := &MockQueryHandler{}
	qh.On("HandleQuery", mock.Anything, mock.Anything, mock.Anything).
		Return(domain.DNSResponse{RCode: domain.NOERROR, Authoritative: true, Answers: answers}, nil)
	tr := startTransport(t, Handlers{Query: qh})

	m := new(dns.Msg)
	m.SetQuestion("big.example.com.", dns.TypeA)

	resp := exchange(t, "udp", tr.Address(), m)
	assert.True(t, resp.Truncated)
	assert.Less(t, len(resp.Answer), 100)

	resp = exchange(t, "tcp", tr.Address(), m)
	assert.False(t, resp.Truncated)
	assert.Len(t, resp.Answer, 100)
}

func TestDNSTransport_Notify(t *testing.T) {
	nh := &MockNotifyHandler{}
	nh.On("HandleNotify", mock.Anything, "example.com.", mock.Anything).Return(nil)
	nh.On("HandleNotify", mock.Anything, "unknown.test.", mock.Anything).
		Return(fmt.Errorf("%w: zone unknown.test.", domain.ErrNotFound))
	nh.On("HandleNotify", mock.Anything, "broken.test.", mock.Anything).Return(fmt.Errorf("boom"))
	nh.On("HandleNotify", mock.Anything, "spoofed.test.", mock.Anything).
		Return(fmt.Errorf("%w: NOTIFY from 198.51.100.7", domain.ErrRefused))
	tr := startTransport(t, Handlers{Notify: nh})

	tests := []struct {
		zone  string
		rcode int
	}{
		{"example.com.", dns.RcodeSuccess},
		{"unknown.test.", dns.RcodeNotAuth},
		{"broken.test.", dns.RcodeServerFailure},
		{"spoofed.test.", dns.RcodeRefused},
	}
	for _, tt := range tests {
		t.Run(tt.zone, func(t *testing.T) {
			m := new(dns.Msg)
			m.SetNotify(tt.zone)
			resp := exchange(t, "udp", tr.Address(), m)
			assert.Equal(t, tt.rcode, resp.Rcode)
			assert.Equal(t, dns.OpcodeNotify, resp.Opcode)
		})
	}
	nh.AssertExpectations(t)
}

func TestDNSTransport_TransferDispatch(t *testing.T) {
	called := make(chan uint16, 2)
	xfr := transferFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		called <- r.Question[0].Qtype
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeNotAuth)
		_ = w.WriteMsg(m)
	})
	tr := startTransport(t, Handlers{Transfer: xfr})

	axfr := new(dns.Msg)
	axfr.SetAxfr("example.com.")
	assert.Equal(t, dns.RcodeNotAuth, exchange(t, "tcp", tr.Address(), axfr).Rcode)
	assert.Equal(t, dns.TypeAXFR, <-called)

	ixfr := new(dns.Msg)
	ixfr.SetIxfr("example.com.", 1, ".", ".")
	assert.Equal(t, dns.RcodeNotAuth, exchange(t, "udp", tr.Address(), ixfr).Rcode)
	assert.Equal(t, dns.TypeIXFR, <-called)
}

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport(TransportDNS, "127.0.0.1:0", &testLogger{})
	require.NoError(t, err)
	assert.IsType(t, &DNSTransport{}, tr)

	_, err = NewTransport(TransportDoT, "127.0.0.1:853", &testLogger{})
	assert.ErrorContains(t, err, "not yet implemented")

	_, err = NewTransport("carrier-pigeon", "127.0.0.1:0", &testLogger{})
	assert.ErrorContains(t, err, "unsupported transport type")
}
