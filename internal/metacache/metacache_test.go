package metacache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/packcore/packcore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() *types.PackageMetadataRecord {
	installed := time.Unix(1_700_000_000, 0).UTC()
	return &types.PackageMetadataRecord{
		Filename:      "Pack.zip",
		PackageName:   "Some Pack",
		Creator:       "studio",
		Description:   "a pack",
		Version:       3,
		License:       types.LicenseCommercial,
		FileCount:     42,
		Status:        types.StatusOK,
		StoredPath:    "/packs/Pack.zip",
		Size:          123456,
		OptimizedFlag: [4]bool{true, false, true, false},
		Variant:       types.VariantBase,
		Counters:      types.ContentCounters{Morphs: 1, Hair: 2, Clothing: 3},
		InstalledAt:   &installed,
		Dependencies:  []string{"a.zip", "b.zip"},
		UserTags:      []string{"tag1"},
	}
}

func TestRoundTripSaveLoadTryGet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.cache")

	fp := types.Fingerprint{Size: 123456, Ticks: 999}
	c := New(Config{Path: path})
	c.AddOrUpdate("Pack.zip", testRecord(), fp)
	require.NoError(t, c.Save())

	c2 := New(Config{Path: path})
	require.NoError(t, c2.Load())

	got := c2.TryGet("pack.zip", fp) // case-insensitive key lookup
	require.NotNil(t, got)
	assert.Equal(t, "Some Pack", got.PackageName)
	assert.Equal(t, types.LicenseCommercial, got.License)
	assert.Equal(t, []string{"a.zip", "b.zip"}, got.Dependencies)
	assert.Equal(t, []string{"tag1"}, got.UserTags)
	assert.NotNil(t, got.InstalledAt)
	assert.Nil(t, got.LastScanAt)
	assert.Equal(t, 3, got.Counters.Clothing)
}

func TestTryGetMissesOnFingerprintMismatch(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{Path: filepath.Join(dir, "meta.cache")})
	c.AddOrUpdate("Pack.zip", testRecord(), types.Fingerprint{Size: 100, Ticks: 1})

	assert.Nil(t, c.TryGet("Pack.zip", types.Fingerprint{Size: 999, Ticks: 1}))
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestAtomicSaveLeavesPriorFileOnInterruptedWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.cache")

	c := New(Config{Path: path})
	c.AddOrUpdate("Pack.zip", testRecord(), types.Fingerprint{Size: 1, Ticks: 1})
	require.NoError(t, c.Save())
	originalBytes, err := os.ReadFile(path)
	require.NoError(t, err)

	// Simulate an interrupted save by leaving a stray temp file behind;
	// the real file must be untouched since Save only renames on success.
	require.NoError(t, os.WriteFile(path+".tmp", []byte("garbage"), 0o644))

	afterBytes, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, originalBytes, afterBytes)
}

// Scenario 3 — version mismatch: the on-disk file was written with an
// older version than the code currently understands; Load discards it
// wholesale rather than attempting a field-by-field migration, and a
// subsequent Save writes a file stamped with the current version.
func TestVersionMismatchScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.cache")

	// Build a minimal "version 13" file: just a header claiming an old
	// version, with a bogus entry count that must never be read because
	// Load bails out at the version check.
	f, err := os.Create(path)
	require.NoError(t, err)
	writeLegacyHeader(t, f, 13, 5)
	require.NoError(t, f.Close())

	c := New(Config{Path: path})
	require.NoError(t, c.Load())
	assert.Nil(t, c.TryGet("anything.zip", types.Fingerprint{}))
	assert.Equal(t, 0, len(snapshotKeys(c)))

	c.AddOrUpdate("fresh.zip", testRecord(), types.Fingerprint{Size: 1, Ticks: 1})
	require.NoError(t, c.Save())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 4)
	version := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
	assert.Equal(t, CurrentVersion, version)
}

func TestRemoveAndClear(t *testing.T) {
	c := New(Config{Path: filepath.Join(t.TempDir(), "meta.cache")})
	c.AddOrUpdate("a.zip", testRecord(), types.Fingerprint{Size: 1, Ticks: 1})
	c.AddOrUpdate("b.zip", testRecord(), types.Fingerprint{Size: 2, Ticks: 2})

	c.Remove("a.zip")
	assert.Nil(t, c.TryGet("a.zip", types.Fingerprint{Size: 1, Ticks: 1}))
	assert.NotNil(t, c.TryGet("b.zip", types.Fingerprint{Size: 2, Ticks: 2}))

	c.Clear()
	assert.Nil(t, c.TryGet("b.zip", types.Fingerprint{Size: 2, Ticks: 2}))
}

func TestUpdateContentCounters(t *testing.T) {
	c := New(Config{Path: filepath.Join(t.TempDir(), "meta.cache")})
	fp := types.Fingerprint{Size: 1, Ticks: 1}
	c.AddOrUpdate("a.zip", testRecord(), fp)

	ok := c.UpdateContentCounters("a.zip", types.ContentCounters{Morphs: 99})
	require.True(t, ok)

	got := c.TryGet("a.zip", fp)
	require.NotNil(t, got)
	assert.Equal(t, 99, got.Counters.Morphs)

	assert.False(t, c.UpdateContentCounters("missing.zip", types.ContentCounters{}))
}

func snapshotKeys(c *Cache) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.index))
	for k := range c.index {
		keys = append(keys, k)
	}
	return keys
}

func writeLegacyHeader(t *testing.T, f *os.File, version, count uint32) {
	t.Helper()
	buf := make([]byte, 8)
	buf[0] = byte(version)
	buf[1] = byte(version >> 8)
	buf[2] = byte(version >> 16)
	buf[3] = byte(version >> 24)
	buf[4] = byte(count)
	buf[5] = byte(count >> 8)
	buf[6] = byte(count >> 16)
	buf[7] = byte(count >> 24)
	_, err := f.Write(buf)
	require.NoError(t, err)
}
