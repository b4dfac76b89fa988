// Package archivecache exposes a lock-free view of compressed archives: it
// reads each archive's directory once, loads individual entries on demand
// through the File Access Controller, and tiers cached payloads between a
// strong (pinned) and weak (reclaimable) tier under memory pressure.
package archivecache

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"golang.org/x/sync/singleflight"

	"github.com/packcore/packcore/internal/bufpool"
	"github.com/packcore/packcore/internal/fileaccess"
	"github.com/packcore/packcore/internal/intern"
	"github.com/packcore/packcore/internal/optimizer"
	"github.com/packcore/packcore/pkg/logging"
	"github.com/packcore/packcore/pkg/types"
)

func init() {
	// Faster flate decompression for archive entry reads.
	zip.RegisterDecompressor(zip.Deflate, flate.NewReader)
}

const weakPromoteDefault = 1 * 1024 * 1024 // 1MB

type tier int

const (
	tierStrong tier = iota
	tierWeak
)

type cachedEntry struct {
	meta       types.ArchiveEntry
	data       []byte
	tier       tier
	lastAccess time.Time
}

// Archive is a single archive's directory view plus any payloads cached
// so far. Entries never own the archive; the archive owns entries.
type Archive struct {
	path       string
	fp         types.Fingerprint
	mu         sync.Mutex // Archive's internal write side, per spec.md §4.D
	entries    map[string]*cachedEntry
	cachedBytes int64 // strong-tier bytes only
	lastAccess time.Time
	invalid    bool
}

// Path returns the archive's filesystem path.
func (a *Archive) Path() string { return a.path }

// Fingerprint returns the fingerprint captured at initialization.
func (a *Archive) Fingerprint() types.Fingerprint { return a.fp }

// CachedBytes reports the strong-tier byte count currently held.
func (a *Archive) CachedBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cachedBytes
}

// EntryCount reports the number of directory entries.
func (a *Archive) EntryCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Cache is the map path → Archive, plus the memory policy that governs it.
type Cache struct {
	mu       sync.Mutex
	archives map[string]*Archive

	fac      *fileaccess.Controller
	pool     *bufpool.Pool
	interner *intern.Pool
	logger   *logging.Logger
	sf       singleflight.Group

	perArchiveCap   int64
	globalCap       int64
	weakPromote     int64
	idleEvictAfter  time.Duration
	sweepInterval   time.Duration
	demoteToPercent float64
	weakTTL         time.Duration

	optimizer *optimizer.Optimizer

	stop chan struct{}
	done chan struct{}
}

// Config configures a Cache.
type Config struct {
	Controller      *fileaccess.Controller
	Pool            *bufpool.Pool
	Interner        *intern.Pool
	Logger          *logging.Logger
	PerArchiveCap   int64
	GlobalCap       int64
	WeakPromote     int64
	IdleEvictAfter  time.Duration
	SweepInterval   time.Duration
	DemoteToPercent float64
	// WeakTTL bounds how long a weak-tier entry may survive untouched
	// before the sweep reclaims it outright, independent of memory
	// pressure.
	WeakTTL time.Duration
	// Optimizer supplies the global pressure reading the sweep checks on
	// every tick; weak-tier entries are reclaimed whenever pressure is
	// Moderate or above, even if WeakTTL hasn't elapsed yet. Nil disables
	// pressure-driven reclamation and leaves WeakTTL as the only trigger.
	Optimizer *optimizer.Optimizer
}

// New creates a Cache and starts its background memory-policy sweep.
func New(cfg Config) *Cache {
	if cfg.PerArchiveCap <= 0 {
		cfg.PerArchiveCap = 50 * 1024 * 1024
	}
	if cfg.GlobalCap <= 0 {
		cfg.GlobalCap = 500 * 1024 * 1024
	}
	if cfg.WeakPromote <= 0 {
		cfg.WeakPromote = weakPromoteDefault
	}
	if cfg.IdleEvictAfter <= 0 {
		cfg.IdleEvictAfter = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.DemoteToPercent <= 0 {
		cfg.DemoteToPercent = 0.70
	}
	if cfg.WeakTTL <= 0 {
		cfg.WeakTTL = 5 * time.Minute
	}
	if cfg.Pool == nil {
		cfg.Pool = bufpool.New()
	}
	if cfg.Interner == nil {
		cfg.Interner = intern.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(logging.DefaultConfig())
	}

	c := &Cache{
		archives:        make(map[string]*Archive),
		fac:             cfg.Controller,
		pool:            cfg.Pool,
		interner:        cfg.Interner,
		logger:          cfg.Logger.WithComponent("archivecache"),
		perArchiveCap:   cfg.PerArchiveCap,
		globalCap:       cfg.GlobalCap,
		weakPromote:     cfg.WeakPromote,
		idleEvictAfter:  cfg.IdleEvictAfter,
		sweepInterval:   cfg.SweepInterval,
		demoteToPercent: cfg.DemoteToPercent,
		weakTTL:         cfg.WeakTTL,
		optimizer:       cfg.Optimizer,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Close stops the background sweep.
func (c *Cache) Close() {
	close(c.stop)
	<-c.done
}

func fingerprintOf(path string) (types.Fingerprint, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return types.Fingerprint{}, err
	}
	return types.FingerprintOf(fi.Size(), fi.ModTime()), nil
}

// GetOrCreate returns the cached archive for path, initializing it (by
// reading the directory once under a File Access Controller read scope) if
// it isn't already present or has been marked invalid.
func (c *Cache) GetOrCreate(path string) (*Archive, error) {
	c.mu.Lock()
	a, ok := c.archives[path]
	c.mu.Unlock()

	if ok {
		a.mu.Lock()
		invalid := a.invalid
		if !invalid {
			a.lastAccess = time.Now()
		}
		a.mu.Unlock()
		if !invalid {
			return a, nil
		}
		c.mu.Lock()
		delete(c.archives, path)
		c.mu.Unlock()
	}

	fp, err := fingerprintOf(path)
	if err != nil {
		return nil, err
	}

	tok, err := c.fac.AcquireRead(path)
	if err != nil {
		return nil, err
	}
	entries, err := readDirectory(path)
	tok.Release()
	if err != nil {
		return nil, err
	}

	a = &Archive{
		path:       path,
		fp:         fp,
		entries:    entries,
		lastAccess: time.Now(),
	}

	c.mu.Lock()
	c.archives[path] = a
	c.mu.Unlock()

	return a, nil
}

func readDirectory(path string) (map[string]*cachedEntry, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	entries := make(map[string]*cachedEntry, len(zr.File))
	for _, f := range zr.File {
		norm := types.NormalizePath(f.Name)
		entries[strings.ToLower(norm)] = &cachedEntry{
			meta: types.ArchiveEntry{
				Path:             norm,
				CompressedSize:   int64(f.CompressedSize64),
				UncompressedSize: int64(f.UncompressedSize64),
				IsDir:            f.FileInfo().IsDir(),
			},
		}
	}
	return entries, nil
}

// ReadEntry implements the read-entry protocol of spec.md §4.D. It returns
// nil whenever the entry is absent, a directory, or any step fails — cache
// reads are speculative by contract and never return an error to the
// caller; failures are logged.
func (c *Cache) ReadEntry(ctx context.Context, archivePath, entryPath string) []byte {
	a, err := c.GetOrCreate(archivePath)
	if err != nil {
		c.logger.Debugf("get_or_create failed for %s: %v", archivePath, err)
		return nil
	}

	key := strings.ToLower(types.NormalizePath(entryPath))

	a.mu.Lock()
	ent, ok := a.entries[key]
	if !ok || ent.meta.IsDir {
		a.mu.Unlock()
		return nil
	}
	if ent.data != nil {
		ent.lastAccess = time.Now()
		data := ent.data
		a.mu.Unlock()
		return data
	}
	a.mu.Unlock()

	sfKey := archivePath + "\x00" + key
	v, err, _ := c.sf.Do(sfKey, func() (interface{}, error) {
		return c.loadEntry(a, key)
	})
	if err != nil || v == nil {
		return nil
	}
	return v.([]byte)
}

func (c *Cache) loadEntry(a *Archive, key string) ([]byte, error) {
	tok, err := c.fac.AcquireRead(a.path)
	if err != nil {
		return nil, err
	}
	defer tok.Release()

	a.mu.Lock()
	defer a.mu.Unlock()

	currentFP, err := fingerprintOf(a.path)
	if err != nil || !currentFP.Equal(a.fp) {
		a.invalid = true
		return nil, fmt.Errorf("fingerprint changed for %s", a.path)
	}

	ent, ok := a.entries[key]
	if !ok || ent.meta.IsDir {
		return nil, fmt.Errorf("entry not found: %s", key)
	}
	if ent.data != nil {
		ent.lastAccess = time.Now()
		return ent.data, nil
	}

	data, err := decompressEntry(a.path, ent.meta.Path)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) > c.weakPromote || a.cachedBytes+int64(len(data)) > c.perArchiveCap {
		ent.tier = tierWeak
	} else {
		ent.tier = tierStrong
		a.cachedBytes += int64(len(data))
	}
	ent.data = data
	ent.lastAccess = time.Now()
	return data, nil
}

func decompressEntry(archivePath, entryPath string) ([]byte, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if types.NormalizePath(f.Name) != entryPath {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()

		buf := make([]byte, 0, f.UncompressedSize64)
		chunk := make([]byte, 32*1024)
		for {
			n, rerr := rc.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
			}
			if rerr != nil {
				break
			}
		}
		return buf, nil
	}
	return nil, fmt.Errorf("entry not present in archive: %s", entryPath)
}

// ReadEntriesBatch services multiple requested entries with a single file
// open; entries already cached in memory are served without touching the
// file, and the directory is observed as a consistent snapshot for the
// duration of the batch.
func (c *Cache) ReadEntriesBatch(ctx context.Context, archivePath string, entryPaths []string) map[string][]byte {
	result := make(map[string][]byte, len(entryPaths))

	a, err := c.GetOrCreate(archivePath)
	if err != nil {
		return result
	}

	var missing []string
	a.mu.Lock()
	for _, p := range entryPaths {
		key := strings.ToLower(types.NormalizePath(p))
		if ent, ok := a.entries[key]; ok && ent.data != nil {
			ent.lastAccess = time.Now()
			result[p] = ent.data
		} else if ok && !ent.meta.IsDir {
			missing = append(missing, p)
		}
	}
	a.mu.Unlock()

	if len(missing) == 0 {
		return result
	}

	tok, err := c.fac.AcquireRead(archivePath)
	if err != nil {
		return result
	}
	defer tok.Release()

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return result
	}
	defer zr.Close()

	byPath := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byPath[types.NormalizePath(f.Name)] = f
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range missing {
		f, ok := byPath[types.NormalizePath(p)]
		if !ok {
			continue
		}
		data, err := readZipFile(f)
		if err != nil {
			continue
		}
		key := strings.ToLower(types.NormalizePath(p))
		ent := a.entries[key]
		if int64(len(data)) > c.weakPromote || a.cachedBytes+int64(len(data)) > c.perArchiveCap {
			ent.tier = tierWeak
		} else {
			ent.tier = tierStrong
			a.cachedBytes += int64(len(data))
		}
		ent.data = data
		ent.lastAccess = time.Now()
		result[p] = data
	}
	return result
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := make([]byte, 0, f.UncompressedSize64)
	chunk := make([]byte, 32*1024)
	for {
		n, rerr := rc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	return buf, nil
}

// ReleaseAll drops every cached payload across all archives.
func (c *Cache) ReleaseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.archives {
		a.mu.Lock()
		for _, ent := range a.entries {
			ent.data = nil
		}
		a.cachedBytes = 0
		a.mu.Unlock()
	}
}

// DemoteAllToWeak marks every currently-strong payload as weak without
// discarding it, freeing the strong-byte budget.
func (c *Cache) DemoteAllToWeak() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.archives {
		a.mu.Lock()
		for _, ent := range a.entries {
			if ent.data != nil {
				ent.tier = tierWeak
			}
		}
		a.cachedBytes = 0
		a.mu.Unlock()
	}
}

// Stats reports cache-wide occupancy.
type Stats struct {
	ArchiveCount int
	TotalCachedBytes int64
	TotalEntries int
}

// Stats returns a snapshot of cache occupancy across all archives.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{ArchiveCount: len(c.archives)}
	for _, a := range c.archives {
		a.mu.Lock()
		s.TotalCachedBytes += a.cachedBytes
		s.TotalEntries += len(a.entries)
		a.mu.Unlock()
	}
	return s
}

func (c *Cache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	reclaimAllWeak := false
	if c.optimizer != nil {
		_, pressure := c.optimizer.Sample()
		reclaimAllWeak = pressure >= optimizer.Moderate
	}
	for _, a := range c.archives {
		a.mu.Lock()
		for _, ent := range a.entries {
			if ent.tier != tierWeak || ent.data == nil {
				continue
			}
			if reclaimAllWeak || now.Sub(ent.lastAccess) > c.weakTTL {
				ent.data = nil
			}
		}
		a.mu.Unlock()
	}

	var total int64
	type acc struct {
		path string
		a    *Archive
	}
	var ordered []acc

	for path, a := range c.archives {
		a.mu.Lock()
		idle := now.Sub(a.lastAccess)
		bytes := a.cachedBytes
		a.mu.Unlock()

		if idle > c.idleEvictAfter {
			delete(c.archives, path)
			continue
		}
		total += bytes
		ordered = append(ordered, acc{path: path, a: a})
	}

	if total <= c.globalCap {
		return
	}

	// Demote from oldest-accessed downward until under demoteToPercent of cap.
	target := int64(float64(c.globalCap) * c.demoteToPercent)
	for i := 0; i < len(ordered) && total > target; i++ {
		for j := i + 1; j < len(ordered); j++ {
			ai := ordered[i].a
			aj := ordered[j].a
			ai.mu.Lock()
			la := ai.lastAccess
			ai.mu.Unlock()
			aj.mu.Lock()
			lj := aj.lastAccess
			aj.mu.Unlock()
			if lj.Before(la) {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
		a := ordered[i].a
		a.mu.Lock()
		freed := a.cachedBytes
		for _, ent := range a.entries {
			if ent.tier == tierStrong {
				ent.tier = tierWeak
			}
		}
		a.cachedBytes = 0
		a.mu.Unlock()
		total -= freed
	}
}
