package utils

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// IsPublicSuffix reports whether name is itself an ICANN public suffix such
// as "com." or "co.uk.". Private suffixes and unlisted TLDs are not reported.
func IsPublicSuffix(name string) bool {
	name = strings.TrimSuffix(CanonicalDNSName(name), ".")
	if name == "" {
		return true
	}
	suffix, icann := publicsuffix.PublicSuffix(name)
	return icann && suffix == name
}
