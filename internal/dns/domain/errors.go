package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a zone, name or type does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNameError reports that the queried owner name does not exist (NXDOMAIN).
	ErrNameError = fmt.Errorf("%w: name does not exist", ErrNotFound)
	// ErrNoData reports that the owner exists but holds no records of the queried type.
	ErrNoData = fmt.Errorf("%w: no records of requested type", ErrNotFound)
	// ErrNotAuthoritative reports that no zone encloses the queried name.
	ErrNotAuthoritative = fmt.Errorf("%w: no zone covers name", ErrNameError)

	ErrZoneExists    = errors.New("zone already exists")
	ErrInvalidRecord = errors.New("invalid record")
	ErrInvalidZone   = errors.New("invalid zone definition")

	// ErrSerialRegression is an incoming serial that is not ahead of the local one.
	ErrSerialRegression = errors.New("serial regression")
	// ErrJournalGap means the requested serial range cannot be served incrementally.
	ErrJournalGap = errors.New("journal gap")
	// ErrStaleTransfer is a transfer whose serial is behind the stored zone.
	ErrStaleTransfer = errors.New("stale transfer")

	ErrTransferFailed   = errors.New("transfer failed")
	ErrUnreachable      = errors.New("master unreachable")
	ErrMalformedMessage = errors.New("malformed message")

	// ErrZoneExpired is surfaced to queries against a replica past its SOA expire.
	ErrZoneExpired = errors.New("zone expired")
	// ErrZoneGone is returned when a master refuses to serve a zone.
	ErrZoneGone = errors.New("zone no longer served by master")

	ErrReplicationTimeout = errors.New("replication wait timed out")

	// ErrRefused is a request the server will not act on for this client,
	// such as a NOTIFY from a host that is not the zone's master.
	ErrRefused = errors.New("refused")
)

// IsTransient reports whether err is worth retrying on the SOA retry interval.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransferFailed) ||
		errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrMalformedMessage)
}

// NeedsFullTransfer reports whether err is recovered locally by a full zone transfer.
func NeedsFullTransfer(err error) bool {
	return errors.Is(err, ErrJournalGap) || errors.Is(err, ErrSerialRegression)
}
