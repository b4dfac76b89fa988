package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultValidates(t *testing.T) {
	cfg := NewDefault()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(14), cfg.MetadataCache.CurrentVersion)
	assert.Equal(t, uint32(2), cfg.ImageCache.CurrentVersion)
	assert.Equal(t, "PackageMetadata.cache", cfg.Paths.MetadataCacheFile)
}

func TestValidateRejectsInconsistentWorkerBounds(t *testing.T) {
	cfg := NewDefault()
	cfg.Scheduler.MaxWorkers = 1
	cfg.Scheduler.MinWorkers = 4
	assert.Error(t, cfg.Validate())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "packcore.yaml")

	cfg := NewDefault()
	cfg.Scheduler.TargetWorkers = 16
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 16, loaded.Scheduler.TargetWorkers)
}

func TestLoadFromFileMissingFile(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path.yaml")
	assert.Error(t, err)
}
