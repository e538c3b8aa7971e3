package domain

import (
	"fmt"
	"strings"
)

// ZoneDefinition is the typed input for creating a zone. Rdata is already
// wire-encoded; TTLs on RRSets are literal.
type ZoneDefinition struct {
	Name       string
	DefaultTTL uint32
	SOA        SOA
	RRSets     []RRSet
}

// Validate checks the definition without building the zone.
func (d ZoneDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: zone name must not be empty", ErrInvalidZone)
	}
	return d.SOA.Validate()
}

// Build returns the zone described by d at the given serial.
func (d ZoneDefinition) Build(serial uint32) (*Zone, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	soa := d.SOA
	soa.Serial = serial
	z := NewZone(d.Name, d.DefaultTTL, soa)
	for _, s := range d.RRSets {
		if s.Type == RRTypeSOA {
			return nil, fmt.Errorf("%w: SOA is set through the zone definition", ErrInvalidRecord)
		}
		if err := z.AddRdata(s); err != nil {
			return nil, err
		}
	}
	return z, nil
}

// RecordSpec is one loosely-typed record entry before rdata parsing.
// A nil TTL means the zone default.
type RecordSpec struct {
	Name   string   `validate:"required"`
	Type   RRType   `validate:"required"`
	TTL    *uint32
	Values []string `validate:"required,min=1,dive,required"`
}

// ZoneSpec is a zone payload as submitted by an operator, with rdata still
// in presentation format.
type ZoneSpec struct {
	Name    string `validate:"required"`
	TTL     uint32
	SOA     SOA
	Records []RecordSpec `validate:"dive"`
}
