package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalDNSName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "simple domain without trailing dot", input: "example.com", expected: "example.com."},
		{name: "simple domain with trailing dot", input: "example.com.", expected: "example.com."},
		{name: "mixed case domain", input: "ExAmPlE.CoM", expected: "example.com."},
		{name: "surrounding whitespace", input: "\t example.com \t", expected: "example.com."},
		{name: "multiple trailing dots", input: "example.com...", expected: "example.com."},
		{name: "root", input: ".", expected: "."},
		{name: "empty is root", input: "", expected: "."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CanonicalDNSName(tt.input))
		})
	}
}

func TestPresentationName_PreservesCase(t *testing.T) {
	assert.Equal(t, "WWW.Example.com.", PresentationName(" WWW.Example.com "))
	assert.Equal(t, "WWW.Example.com.", PresentationName("WWW.Example.com."))
}

func TestEqualNames(t *testing.T) {
	assert.True(t, EqualNames("WWW.example.COM", "www.example.com."))
	assert.False(t, EqualNames("www.example.com", "example.com"))
}

func TestIsSubdomainOf(t *testing.T) {
	assert.True(t, IsSubdomainOf("www.Example.com", "example.com."))
	assert.True(t, IsSubdomainOf("example.com", "example.com"))
	assert.True(t, IsSubdomainOf("example.com", "."))
	assert.False(t, IsSubdomainOf("badexample.com", "example.com"))
	assert.False(t, IsSubdomainOf("example.com", "www.example.com"))
}

func TestAncestors(t *testing.T) {
	assert.Equal(t,
		[]string{"www.example.com.", "example.com.", "com.", "."},
		Ancestors("www.Example.com"))
	assert.Equal(t, []string{"."}, Ancestors("."))
}

func TestQualify(t *testing.T) {
	assert.Equal(t, "example.com.", Qualify("@", "example.com"))
	assert.Equal(t, "WWW.example.com.", Qualify("WWW", "example.com."))
	assert.Equal(t, "mail.other.org.", Qualify("mail.other.org.", "example.com"))
	assert.Equal(t, "host.", Qualify("host", "."))
}
