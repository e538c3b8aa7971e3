package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Strategy selects how a replica pulls a zone from its master.
type Strategy string

const (
	StrategyAXFR Strategy = "axfr"
	StrategyIXFR Strategy = "ixfr"
)

// ParseStrategy accepts "axfr" or "ixfr" in any case. Empty means axfr.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyAXFR:
		return StrategyAXFR, nil
	case StrategyIXFR:
		return StrategyIXFR, nil
	default:
		return "", fmt.Errorf("unknown replication strategy %q", s)
	}
}

// MasterConfig describes where a replica zone is pulled from.
type MasterConfig struct {
	Zone     string        `json:"zone" koanf:"zone"`
	Hostname string        `json:"hostname" koanf:"hostname" validate:"required"`
	Port     int           `json:"port" koanf:"port" validate:"gte=0,lt=65536"`
	Refresh  time.Duration `json:"refresh" koanf:"refresh"` // zero means SOA refresh
	Strategy Strategy      `json:"strategy" koanf:"strategy"`
}

// Address returns host:port of the master, defaulting to port 53.
func (m MasterConfig) Address() string {
	port := m.Port
	if port == 0 {
		port = 53
	}
	return net.JoinHostPort(m.Hostname, strconv.Itoa(port))
}

// Validate checks the descriptor and normalizes its strategy.
func (m *MasterConfig) Validate() error {
	if strings.TrimSpace(m.Zone) == "" {
		return fmt.Errorf("master config: zone must not be empty")
	}
	if strings.TrimSpace(m.Hostname) == "" {
		return fmt.Errorf("master config for %s: hostname must not be empty", m.Zone)
	}
	if m.Port < 0 || m.Port > 65535 {
		return fmt.Errorf("master config for %s: invalid port %d", m.Zone, m.Port)
	}
	if m.Refresh < 0 {
		return fmt.Errorf("master config for %s: negative refresh", m.Zone)
	}
	s, err := ParseStrategy(string(m.Strategy))
	if err != nil {
		return fmt.Errorf("master config for %s: %w", m.Zone, err)
	}
	m.Strategy = s
	return nil
}

// ReplicationState is the state of one replica task.
type ReplicationState int

const (
	StateIdle ReplicationState = iota
	StatePolling
	StateApplying
	StateRetrying
	StateExpired
)

func (s ReplicationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateApplying:
		return "applying"
	case StateRetrying:
		return "retrying"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReplicationStatus is a point-in-time view of a replica task.
type ReplicationStatus struct {
	Zone        string
	Master      string
	Strategy    Strategy
	State       ReplicationState
	Serial      uint32
	HasZone     bool
	LastSuccess time.Time
	LastAttempt time.Time
	LastError   string
}

// TransferKind tells how a transfer response was encoded.
type TransferKind int

const (
	TransferUpToDate TransferKind = iota
	TransferFull
	TransferIncremental
)

// TransferResult is a fully received and parsed transfer response.
type TransferResult struct {
	Zone   string
	Kind   TransferKind
	Serial uint32
	Full   *Zone  // set for TransferFull
	Diffs  []Diff // set for TransferIncremental, in serial order
}
