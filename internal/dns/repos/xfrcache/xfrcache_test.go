package xfrcache

import (
	"testing"

	"github.com/haukened/rr-authd/internal/dns/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalidCacheSize(t *testing.T) {
	_, err := New(-1)
	assert.Error(t, err)
}

func TestCache_BoundToVersion(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)

	soa := domain.SOA{MName: "m.", RName: "r.", Serial: 1}
	v1 := domain.NewZone("example.com", 60, soa)
	recreated := domain.NewZone("example.com", 60, soa)
	k := Key{Zone: v1.Key(), Type: domain.RRTypeAXFR}
	recs := v1.Snapshot().Records

	c.Set(k, v1, recs)
	got, ok := c.Get(k, v1)
	require.True(t, ok)
	assert.Equal(t, recs, got)

	_, ok = c.Get(k, recreated)
	assert.False(t, ok, "same key and serial but a different snapshot must miss")
	assert.Equal(t, 0, c.Len())
}

func TestCache_Evicts(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)
	z := domain.NewZone("example.com", 60, domain.SOA{MName: "m.", RName: "r."})
	c.Set(Key{Zone: "a.", Type: domain.RRTypeAXFR}, z, nil)
	c.Set(Key{Zone: "b.", Type: domain.RRTypeAXFR}, z, nil)
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(Key{Zone: "a.", Type: domain.RRTypeAXFR}, z)
	assert.False(t, ok)
}
