package domain

// DNSResponse represents a complete DNS response with answers, authority, and additional sections.
// This follows RFC 1035 §4.1.1 structure for DNS response messages.
type DNSResponse struct {
	ID            uint16
	RCode         RCode
	Authoritative bool
	Answers       []ResourceRecord
	Authority     []ResourceRecord
	Additional    []ResourceRecord
}

// NewDNSErrorResponse creates a DNSResponse with the specified ID and response code (RCode),
// representing an error response. The Answers, Authority, and Additional sections are set to nil.
func NewDNSErrorResponse(id uint16, rcode RCode) DNSResponse {
	return DNSResponse{ID: id, RCode: rcode}
}

// IsError returns true if the response indicates an error condition.
func (resp DNSResponse) IsError() bool {
	return resp.RCode != NOERROR
}

// HasAnswers returns true if the response contains answer records.
func (resp DNSResponse) HasAnswers() bool {
	return len(resp.Answers) > 0
}
