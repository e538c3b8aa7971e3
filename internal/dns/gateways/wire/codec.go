// Package wire converts between domain records and DNS wire messages using
// github.com/miekg/dns. Rdata stays opaque: it is carried as the exact
// uncompressed bytes that appear on the wire.
package wire

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/haukened/rr-authd/internal/dns/domain"
)

// ToRR converts a domain record into a dns.RR. Names in rdata keep their case.
func ToRR(rec domain.ResourceRecord) (dns.RR, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if len(rec.Data) > 0xFFFF {
		return nil, fmt.Errorf("%w: rdata of %s is too long", domain.ErrInvalidRecord, rec.Name)
	}
	buf := make([]byte, 256+10+len(rec.Data))
	off, err := dns.PackDomainName(dns.Fqdn(rec.Name), buf, 0, nil, false)
	if err != nil {
		return nil, fmt.Errorf("%w: owner %q: %v", domain.ErrInvalidRecord, rec.Name, err)
	}
	binary.BigEndian.PutUint16(buf[off:], uint16(rec.Type))
	binary.BigEndian.PutUint16(buf[off+2:], dns.ClassINET)
	binary.BigEndian.PutUint32(buf[off+4:], rec.TTL)
	binary.BigEndian.PutUint16(buf[off+8:], uint16(len(rec.Data)))
	n := copy(buf[off+10:], rec.Data)
	rr, _, err := dns.UnpackRR(buf[:off+10+n], 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", domain.ErrInvalidRecord, rec.Name, rec.Type, err)
	}
	return rr, nil
}

// FromRR converts a dns.RR into a domain record with uncompressed rdata.
func FromRR(rr dns.RR) (domain.ResourceRecord, error) {
	hdr := rr.Header()
	buf := make([]byte, dns.Len(rr)+16)
	end, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil {
		return domain.ResourceRecord{}, fmt.Errorf("%w: %s: %v", domain.ErrMalformedMessage, hdr.Name, err)
	}
	_, off, err := dns.UnpackDomainName(buf, 0)
	if err != nil {
		return domain.ResourceRecord{}, fmt.Errorf("%w: %s: %v", domain.ErrMalformedMessage, hdr.Name, err)
	}
	data := make([]byte, end-(off+10))
	copy(data, buf[off+10:end])
	return domain.ResourceRecord{
		Name: hdr.Name,
		Type: domain.RRType(hdr.Rrtype),
		TTL:  hdr.Ttl,
		Data: data,
	}, nil
}

// ToRRs converts a slice of domain records.
func ToRRs(recs []domain.ResourceRecord) ([]dns.RR, error) {
	out := make([]dns.RR, 0, len(recs))
	for _, rec := range recs {
		rr, err := ToRR(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, nil
}

// FromRRs converts a slice of dns.RR.
func FromRRs(rrs []dns.RR) ([]domain.ResourceRecord, error) {
	out := make([]domain.ResourceRecord, 0, len(rrs))
	for _, rr := range rrs {
		rec, err := FromRR(rr)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ParseRdata parses the presentation form of one rdata value of type t,
// e.g. "10 mail.example.com" for MX. Names without a trailing dot are
// treated as absolute. TXT values that are not already quoted are quoted
// as a single string.
func ParseRdata(t domain.RRType, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty %s value", domain.ErrInvalidRecord, t)
	}
	if t == domain.RRTypeTXT && !strings.HasPrefix(text, `"`) {
		text = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(text) + `"`
	}
	line := fmt.Sprintf(". 0 IN %s %s", t, text)
	zp := dns.NewZoneParser(strings.NewReader(line), ".", "")
	rr, ok := zp.Next()
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s %q: %v", domain.ErrInvalidRecord, t, text, err)
	}
	if !ok || rr == nil || rr.Header().Rrtype != uint16(t) {
		return nil, fmt.Errorf("%w: %s %q did not parse", domain.ErrInvalidRecord, t, text)
	}
	rec, err := FromRR(rr)
	if err != nil {
		return nil, err
	}
	return rec.Data, nil
}

// FormatRdata renders rdata in presentation form, for logs and tests.
func FormatRdata(t domain.RRType, data []byte) (string, error) {
	rr, err := ToRR(domain.ResourceRecord{Name: ".", Type: t, Data: data})
	if err != nil {
		return "", err
	}
	hdr := rr.Header().String()
	return strings.TrimSpace(strings.TrimPrefix(rr.String(), hdr)), nil
}

// DecodeQuestion extracts the single question of a query.
func DecodeQuestion(req *dns.Msg) (domain.Question, error) {
	if len(req.Question) != 1 {
		return domain.Question{}, fmt.Errorf("%w: expected 1 question, got %d", domain.ErrMalformedMessage, len(req.Question))
	}
	q := req.Question[0]
	if q.Qclass != dns.ClassINET && q.Qclass != dns.ClassANY {
		return domain.Question{}, fmt.Errorf("%w: unsupported class %d", domain.ErrMalformedMessage, q.Qclass)
	}
	return domain.NewQuestion(req.Id, q.Name, domain.RRType(q.Qtype))
}

// EncodeResponse builds the reply message for req from resp.
func EncodeResponse(req *dns.Msg, resp domain.DNSResponse) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetRcode(req, int(resp.RCode))
	m.Authoritative = resp.Authoritative
	var err error
	if m.Answer, err = ToRRs(resp.Answers); err != nil {
		return nil, err
	}
	if m.Ns, err = ToRRs(resp.Authority); err != nil {
		return nil, err
	}
	if m.Extra, err = ToRRs(resp.Additional); err != nil {
		return nil, err
	}
	return m, nil
}

// SOA extracts the SOA parameters from a record.
func SOA(rec domain.ResourceRecord) (domain.SOA, error) {
	if rec.Type != domain.RRTypeSOA {
		return domain.SOA{}, fmt.Errorf("%w: expected SOA, got %s", domain.ErrMalformedMessage, rec.Type)
	}
	return domain.ParseSOARdata(rec.Data)
}
