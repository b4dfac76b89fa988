package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintEqual(t *testing.T) {
	a := FingerprintOf(1000, time.Unix(100, 0))
	b := FingerprintOf(1000, time.Unix(100, 0))
	c := FingerprintOf(1200, time.Unix(200, 0))

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "a/b/c.json", NormalizePath(`a\b\c.json`))
	assert.Equal(t, "a/b/c.json", NormalizePath("a/b/c.json"))
}

func TestCloneIsIndependent(t *testing.T) {
	installed := time.Now()
	r := &PackageMetadataRecord{
		Filename:     "pack.zip",
		PackageName:  "Example",
		Dependencies: []string{"dep.a", "dep.b"},
		InstalledAt:  &installed,
	}

	clone := r.Clone()
	require.NotNil(t, clone)

	clone.Dependencies[0] = "mutated"
	*clone.InstalledAt = installed.Add(time.Hour)

	assert.Equal(t, "dep.a", r.Dependencies[0])
	assert.Equal(t, installed, *r.InstalledAt)
}

func TestContentCountersTotal(t *testing.T) {
	c := ContentCounters{Morphs: 2, Hair: 1, Clothing: 3}
	assert.Equal(t, 6, c.Total())
}

func TestCloneOfNil(t *testing.T) {
	var r *PackageMetadataRecord
	assert.Nil(t, r.Clone())
}
