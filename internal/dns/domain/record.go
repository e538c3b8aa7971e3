package domain

import (
	"fmt"
)

// ResourceRecord is a single answer record: one rdata value of an RRSet
// together with its owner name and literal TTL. Class is always IN.
type ResourceRecord struct {
	Name string
	Type RRType
	TTL  uint32
	Data []byte // wire-encoded rdata, opaque to the store
}

// Validate checks whether the ResourceRecord fields are valid.
func (rr ResourceRecord) Validate() error {
	if rr.Name == "" {
		return fmt.Errorf("%w: record name must not be empty", ErrInvalidRecord)
	}
	if !rr.Type.IsValid() {
		return fmt.Errorf("%w: invalid RRType: %d", ErrInvalidRecord, rr.Type)
	}
	return nil
}

// String renders the record for logs.
func (rr ResourceRecord) String() string {
	return fmt.Sprintf("%s %d IN %s (%d bytes)", rr.Name, rr.TTL, rr.Type, len(rr.Data))
}

// TargetName decodes the domain name held in the rdata of a CNAME, NS or
// PTR record.
func (rr ResourceRecord) TargetName() (string, error) {
	switch rr.Type {
	case RRTypeCNAME, RRTypeNS, RRTypePTR:
	default:
		return "", fmt.Errorf("%w: %s rdata is not a single name", ErrInvalidRecord, rr.Type)
	}
	name, off, err := unpackName(rr.Data, 0)
	if err != nil {
		return "", err
	}
	if off != len(rr.Data) {
		return "", fmt.Errorf("%w: trailing bytes after %s target", ErrMalformedMessage, rr.Type)
	}
	return name, nil
}
