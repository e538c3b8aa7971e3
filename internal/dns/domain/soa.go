package domain

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// SOA holds the start-of-authority parameters of a zone.
// Timer values are in seconds, as carried on the wire.
type SOA struct {
	MName   string `json:"mname"`
	RName   string `json:"rname"`
	Serial  uint32 `json:"serial"`
	Refresh uint32 `json:"refresh"`
	Retry   uint32 `json:"retry"`
	Expire  uint32 `json:"expire"`
	Minimum uint32 `json:"minimum"`
}

// Validate checks the SOA names are present.
func (s SOA) Validate() error {
	if strings.TrimSpace(s.MName) == "" {
		return fmt.Errorf("%w: soa mname must not be empty", ErrInvalidZone)
	}
	if strings.TrimSpace(s.RName) == "" {
		return fmt.Errorf("%w: soa rname must not be empty", ErrInvalidZone)
	}
	return nil
}

// Rdata encodes the SOA in uncompressed wire form (RFC 1035 3.3.13).
func (s SOA) Rdata() []byte {
	buf := packName(nil, s.MName)
	buf = packName(buf, s.RName)
	var tail [20]byte
	binary.BigEndian.PutUint32(tail[0:], s.Serial)
	binary.BigEndian.PutUint32(tail[4:], s.Refresh)
	binary.BigEndian.PutUint32(tail[8:], s.Retry)
	binary.BigEndian.PutUint32(tail[12:], s.Expire)
	binary.BigEndian.PutUint32(tail[16:], s.Minimum)
	return append(buf, tail[:]...)
}

// ParseSOARdata decodes uncompressed SOA rdata.
func ParseSOARdata(b []byte) (SOA, error) {
	mname, off, err := unpackName(b, 0)
	if err != nil {
		return SOA{}, err
	}
	rname, off, err := unpackName(b, off)
	if err != nil {
		return SOA{}, err
	}
	if len(b)-off != 20 {
		return SOA{}, fmt.Errorf("%w: soa rdata has %d trailing bytes", ErrMalformedMessage, len(b)-off)
	}
	return SOA{
		MName:   mname,
		RName:   rname,
		Serial:  binary.BigEndian.Uint32(b[off:]),
		Refresh: binary.BigEndian.Uint32(b[off+4:]),
		Retry:   binary.BigEndian.Uint32(b[off+8:]),
		Expire:  binary.BigEndian.Uint32(b[off+12:]),
		Minimum: binary.BigEndian.Uint32(b[off+16:]),
	}, nil
}

func packName(buf []byte, name string) []byte {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name != "" {
		for _, label := range strings.Split(name, ".") {
			buf = append(buf, byte(len(label)))
			buf = append(buf, label...)
		}
	}
	return append(buf, 0)
}

func unpackName(b []byte, off int) (string, int, error) {
	var labels []string
	for {
		if off >= len(b) {
			return "", 0, fmt.Errorf("%w: name overflows rdata", ErrMalformedMessage)
		}
		l := int(b[off])
		off++
		if l == 0 {
			break
		}
		if l > 63 || off+l > len(b) {
			return "", 0, fmt.Errorf("%w: bad label length %d", ErrMalformedMessage, l)
		}
		labels = append(labels, string(b[off:off+l]))
		off += l
	}
	return strings.Join(labels, ".") + ".", off, nil
}
