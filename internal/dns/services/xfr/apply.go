package xfr

import (
	"errors"
	"fmt"

	"github.com/haukened/rr-authd/internal/dns/domain"
)

// Applier is the write side of the zone store used by replicas.
type Applier interface {
	ReplaceZone(z *domain.Zone, force bool) error
	ApplyDiff(zone string, d domain.Diff) error
}

// Apply commits a received transfer. A full transfer swaps the whole zone;
// an incremental one commits each diff block as its own transaction. Diff
// blocks the replica already holds are skipped. With force a full transfer
// replaces the local zone even if its serial is older.
func Apply(dst Applier, res *domain.TransferResult, force bool) error {
	switch res.Kind {
	case domain.TransferUpToDate:
		return nil
	case domain.TransferFull:
		if res.Full == nil {
			return fmt.Errorf("%w: full transfer of %s without a zone", domain.ErrTransferFailed, res.Zone)
		}
		return dst.ReplaceZone(res.Full, force)
	case domain.TransferIncremental:
		for _, d := range res.Diffs {
			err := dst.ApplyDiff(res.Zone, d)
			if errors.Is(err, domain.ErrStaleTransfer) {
				continue
			}
			if err != nil {
				return fmt.Errorf("apply %s diff %d->%d: %w", res.Zone, d.FromSerial, d.ToSerial, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown transfer kind %d", domain.ErrTransferFailed, res.Kind)
	}
}
