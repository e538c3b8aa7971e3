// Package transport provides network transport abstractions for DNS server implementations.
// It handles the conversion between wire format and domain objects, allowing the service
// layer to work purely with domain types while supporting multiple transport protocols.
package transport

import (
	"context"
	"net"

	"github.com/miekg/dns"

	"github.com/haukened/rr-authd/internal/dns/domain"
)

// ServerTransport defines the interface for DNS server transport implementations.
type ServerTransport interface {
	// Start begins listening for requests and dispatching them to the handlers.
	// The transport handles all network protocol concerns and wire format conversion.
	Start(ctx context.Context, handlers Handlers) error

	// Stop gracefully shuts down the transport, closing connections and cleaning up resources.
	Stop() error

	// Address returns the network address the transport is bound to.
	Address() string
}

// QueryHandler answers standard queries. The transport converts wire format
// to domain objects before calling it.
type QueryHandler interface {
	HandleQuery(ctx context.Context, query domain.Question, clientAddr net.Addr) (domain.DNSResponse, error)
}

// TransferHandler serves AXFR and IXFR requests. Transfers stream many
// messages, so the handler writes to the connection itself.
type TransferHandler interface {
	ServeTransfer(w dns.ResponseWriter, req *dns.Msg)
}

// NotifyHandler reacts to a NOTIFY for zone. Returning an error wrapping
// domain.ErrNotFound answers NOTAUTH.
type NotifyHandler interface {
	HandleNotify(ctx context.Context, zone string, from net.Addr) error
}

// Handlers groups the service-layer entry points. Nil handlers refuse the
// corresponding requests.
type Handlers struct {
	Query    QueryHandler
	Transfer TransferHandler
	Notify   NotifyHandler
}

// TransportType represents the different types of DNS transport protocols supported.
type TransportType string

const (
	// TransportDNS is classic DNS on the same port over UDP and TCP (RFC 1035, RFC 7766)
	TransportDNS TransportType = "dns"

	// TransportDoT represents DNS over TLS (RFC 7858) - future implementation
	TransportDoT TransportType = "dot"
)
