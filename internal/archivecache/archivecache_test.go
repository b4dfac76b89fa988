package archivecache

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/packcore/packcore/internal/fileaccess"
	"github.com/packcore/packcore/internal/optimizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func newTestCache(t *testing.T) (*Cache, *fileaccess.Controller) {
	fac := fileaccess.New(fileaccess.Config{StaleInterval: time.Hour, SweepInterval: time.Hour})
	c := New(Config{
		Controller:     fac,
		PerArchiveCap:  1024 * 1024,
		GlobalCap:      10 * 1024 * 1024,
		SweepInterval:  time.Hour,
		IdleEvictAfter: time.Hour,
	})
	t.Cleanup(func() {
		c.Close()
		fac.Close()
	})
	return c, fac
}

func TestGetOrCreateReadsDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack.zip")
	writeTestArchive(t, path, map[string]string{"a.json": `{"k":"v"}`, "dir/b.txt": "hello"})

	c, _ := newTestCache(t)
	a, err := c.GetOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, 2, a.EntryCount())
}

func TestReadEntryReturnsDataAndCachesIt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack.zip")
	writeTestArchive(t, path, map[string]string{"a.json": `{"k":"v"}`})

	c, _ := newTestCache(t)
	data := c.ReadEntry(context.Background(), path, "a.json")
	require.NotNil(t, data)
	assert.Equal(t, `{"k":"v"}`, string(data))

	// Second read is served from memory.
	data2 := c.ReadEntry(context.Background(), path, "a.json")
	assert.Equal(t, data, data2)
}

func TestReadEntryMissingReturnsNil(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack.zip")
	writeTestArchive(t, path, map[string]string{"a.json": "{}"})

	c, _ := newTestCache(t)
	assert.Nil(t, c.ReadEntry(context.Background(), path, "missing.json"))
}

func TestReadEntryOnDirectoryReturnsNil(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack.zip")
	writeTestArchive(t, path, map[string]string{"dir/": ""})

	c, _ := newTestCache(t)
	assert.Nil(t, c.ReadEntry(context.Background(), path, "dir/"))
}

func TestReadEntriesBatchServesMixedCachedAndFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack.zip")
	writeTestArchive(t, path, map[string]string{"a.json": "A", "b.json": "B"})

	c, _ := newTestCache(t)
	_ = c.ReadEntry(context.Background(), path, "a.json")

	result := c.ReadEntriesBatch(context.Background(), path, []string{"a.json", "b.json"})
	assert.Equal(t, "A", string(result["a.json"]))
	assert.Equal(t, "B", string(result["b.json"]))
}

// Scenario 2 — Fingerprint invalidation: the archive is loaded, then
// replaced on disk; a subsequent read observes the mismatch, marks the
// archive invalid, and a fresh GetOrCreate re-initializes it.
func TestFingerprintInvalidationScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack.zip")
	writeTestArchive(t, path, map[string]string{"a.json": "old"})

	c, _ := newTestCache(t)
	a1, err := c.GetOrCreate(path)
	require.NoError(t, err)

	// Force the on-disk fingerprint to change underneath the cached archive.
	time.Sleep(10 * time.Millisecond)
	writeTestArchive(t, path, map[string]string{"a.json": "new", "extra.json": "x"})

	data := c.ReadEntry(context.Background(), path, "a.json")
	assert.Nil(t, data)

	a2, err := c.GetOrCreate(path)
	require.NoError(t, err)
	assert.NotSame(t, a1, a2)
	assert.Equal(t, 2, a2.EntryCount())
}

func TestLargePayloadDemotesToWeakTier(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack.zip")
	big := make([]byte, 2*1024*1024)
	writeTestArchive(t, path, map[string]string{"big.bin": string(big)})

	c, _ := newTestCache(t)
	data := c.ReadEntry(context.Background(), path, "big.bin")
	require.NotNil(t, data)

	stats := c.Stats()
	// Weak-tier payloads aren't counted against the strong-byte budget.
	assert.Less(t, stats.TotalCachedBytes, int64(len(big)))
}

func TestContinuousReadsKeepArchiveAliveAcrossIdleEvictAfter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack.zip")
	writeTestArchive(t, path, map[string]string{"a.json": "hello"})

	fac := fileaccess.New(fileaccess.Config{StaleInterval: time.Hour, SweepInterval: time.Hour})
	c := New(Config{
		Controller:     fac,
		PerArchiveCap:  1024 * 1024,
		GlobalCap:      10 * 1024 * 1024,
		SweepInterval:  time.Hour,
		IdleEvictAfter: 20 * time.Millisecond,
	})
	t.Cleanup(func() {
		c.Close()
		fac.Close()
	})

	a1, err := c.GetOrCreate(path)
	require.NoError(t, err)

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		_ = c.ReadEntry(context.Background(), path, "a.json")
		time.Sleep(5 * time.Millisecond)
		c.sweep()
	}

	a2, err := c.GetOrCreate(path)
	require.NoError(t, err)
	assert.Same(t, a1, a2, "continuous reads should keep refreshing the archive's idle-eviction clock")
}

func TestSweepReclaimsWeakEntriesPastTTL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack.zip")
	big := make([]byte, 2*1024*1024)
	writeTestArchive(t, path, map[string]string{"big.bin": string(big)})

	fac := fileaccess.New(fileaccess.Config{StaleInterval: time.Hour, SweepInterval: time.Hour})
	c := New(Config{
		Controller:     fac,
		PerArchiveCap:  1024 * 1024,
		GlobalCap:      10 * 1024 * 1024,
		SweepInterval:  time.Hour,
		IdleEvictAfter: time.Hour,
		WeakTTL:        10 * time.Millisecond,
	})
	t.Cleanup(func() {
		c.Close()
		fac.Close()
	})

	data := c.ReadEntry(context.Background(), path, "big.bin")
	require.NotNil(t, data)

	a, err := c.GetOrCreate(path)
	require.NoError(t, err)
	a.mu.Lock()
	ent := a.entries["big.bin"]
	require.Equal(t, tierWeak, ent.tier)
	a.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	c.sweep()

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Nil(t, ent.data, "weak entry past its TTL should be reclaimed by the sweep")
}

func TestSweepReclaimsWeakEntriesUnderMemoryPressure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack.zip")
	big := make([]byte, 2*1024*1024)
	writeTestArchive(t, path, map[string]string{"big.bin": string(big)})

	fac := fileaccess.New(fileaccess.Config{StaleInterval: time.Hour, SweepInterval: time.Hour})
	pressuredOptimizer := optimizer.New(optimizer.Config{
		MemSampler: func() float64 { return 99 },
	})
	c := New(Config{
		Controller:     fac,
		PerArchiveCap:  1024 * 1024,
		GlobalCap:      10 * 1024 * 1024,
		SweepInterval:  time.Hour,
		IdleEvictAfter: time.Hour,
		WeakTTL:        time.Hour,
		Optimizer:      pressuredOptimizer,
	})
	t.Cleanup(func() {
		c.Close()
		fac.Close()
	})

	data := c.ReadEntry(context.Background(), path, "big.bin")
	require.NotNil(t, data)

	a, err := c.GetOrCreate(path)
	require.NoError(t, err)
	a.mu.Lock()
	ent := a.entries["big.bin"]
	require.Equal(t, tierWeak, ent.tier)
	a.mu.Unlock()

	c.sweep()

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Nil(t, ent.data, "weak entry should be reclaimed immediately once pressure is Moderate or above, even inside WeakTTL")
}

func TestReleaseAllClearsCachedBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack.zip")
	writeTestArchive(t, path, map[string]string{"a.json": "hello"})

	c, _ := newTestCache(t)
	_ = c.ReadEntry(context.Background(), path, "a.json")
	require.Greater(t, c.Stats().TotalCachedBytes, int64(0))

	c.ReleaseAll()
	assert.Equal(t, int64(0), c.Stats().TotalCachedBytes)
}
