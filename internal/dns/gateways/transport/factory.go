package transport

import (
	"fmt"

	"github.com/haukened/rr-authd/internal/dns/common/log"
)

// NewTransport creates a new transport instance based on the specified type.
func NewTransport(transportType TransportType, addr string, logger log.Logger) (ServerTransport, error) {
	switch transportType {
	case TransportDNS:
		return NewDNSTransport(addr, logger), nil

	case TransportDoT:
		return nil, fmt.Errorf("DNS over TLS transport not yet implemented")

	default:
		return nil, fmt.Errorf("unsupported transport type: %s", transportType)
	}
}
