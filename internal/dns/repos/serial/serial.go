// Package serial implements SOA serial assignment and comparison using
// RFC 1982 serial number arithmetic.
package serial

import (
	"fmt"

	"github.com/haukened/rr-authd/internal/dns/domain"
)

// Initial is the serial of a newly created zone.
const Initial uint32 = 1

const half = uint32(1) << 31

// Next returns the serial that follows cur. It wraps modulo 2^32.
func Next(cur uint32) uint32 {
	return cur + 1
}

// Compare orders two serials under RFC 1982: -1 if a precedes b, 1 if a
// follows b and 0 if equal. Pairs exactly 2^31 apart are undefined by the
// RFC and reported as a following b, so a replica resyncs rather than stalls.
func Compare(a, b uint32) int {
	switch {
	case a == b:
		return 0
	case (a < b && b-a < half) || (a > b && a-b > half):
		return -1
	default:
		return 1
	}
}

// Newer reports whether a follows b.
func Newer(a, b uint32) bool {
	return Compare(a, b) > 0
}

// CheckIncoming validates a serial received from a master against the
// serial stored locally. An incoming serial that does not follow the local
// one is a regression and requires a full resync.
func CheckIncoming(local, incoming uint32) error {
	if Compare(incoming, local) <= 0 {
		return fmt.Errorf("%w: incoming %d, local %d", domain.ErrSerialRegression, incoming, local)
	}
	return nil
}
