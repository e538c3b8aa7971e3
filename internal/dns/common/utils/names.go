package utils

import "strings"

// CanonicalDNSName returns a DNS name in canonical form:
// - Lowercased
// - Trimmed of surrounding whitespace
// - Exactly one trailing dot, so the root zone is "."
//
// Canonical names are lookup keys only. Use PresentationName for anything
// that is written back out.
func CanonicalDNSName(name string) string {
	return strings.ToLower(PresentationName(name))
}

// PresentationName trims whitespace and normalizes the trailing dot while
// keeping the caller's letter case.
func PresentationName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimRight(name, ".")
	return name + "."
}

// EqualNames compares two names case-insensitively.
func EqualNames(a, b string) bool {
	return CanonicalDNSName(a) == CanonicalDNSName(b)
}

// IsSubdomainOf reports whether child equals parent or sits below it.
func IsSubdomainOf(child, parent string) bool {
	child = CanonicalDNSName(child)
	parent = CanonicalDNSName(parent)
	if parent == "." || child == parent {
		return true
	}
	return strings.HasSuffix(child, "."+parent)
}

// Ancestors returns name and each of its parent names, longest first,
// ending with the root. All results are canonical.
//
//	Ancestors("www.Example.com") => ["www.example.com.", "example.com.", "com.", "."]
func Ancestors(name string) []string {
	name = CanonicalDNSName(name)
	out := []string{}
	for name != "." {
		out = append(out, name)
		i := strings.IndexByte(name, '.')
		name = name[i+1:]
		if name == "" {
			name = "."
		}
	}
	return append(out, ".")
}

// Qualify expands a relative owner label against a zone origin. "@" and the
// empty label are the origin itself and absolute names are returned as given.
func Qualify(label, origin string) string {
	label = strings.TrimSpace(label)
	if label == "@" || label == "" {
		return PresentationName(origin)
	}
	if strings.HasSuffix(label, ".") {
		return label
	}
	origin = PresentationName(origin)
	if origin == "." {
		return label + "."
	}
	return label + "." + origin
}
