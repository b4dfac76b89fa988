// Package metacache is the versioned on-disk binary cache mapping archive
// fingerprint → package metadata record, with atomic replace semantics.
package metacache

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/packcore/packcore/internal/intern"
	"github.com/packcore/packcore/pkg/logging"
	"github.com/packcore/packcore/pkg/types"
)

// CurrentVersion is the on-disk format version this code writes and reads.
// Per the recorded Open Question decision in DESIGN.md, any other version
// found on disk — including the older v13 inline-content-list format — is
// discarded uniformly rather than migrated.
const CurrentVersion uint32 = 14

const maxEntryCount = 100_000

// Cache is the in-memory index backing the binary metadata cache file. The
// on-disk file is only ever held open during Load/Save.
type Cache struct {
	mu       sync.RWMutex
	index    map[string]types.MetadataCacheEntry // key: lower(filename)
	path     string
	interner *intern.Pool
	logger   *logging.Logger

	hits, misses int64
}

// Config configures a Cache.
type Config struct {
	Path     string
	Interner *intern.Pool
	Logger   *logging.Logger
}

// New creates an empty Cache bound to path; call Load to populate it.
func New(cfg Config) *Cache {
	if cfg.Interner == nil {
		cfg.Interner = intern.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(logging.DefaultConfig())
	}
	return &Cache{
		index:    make(map[string]types.MetadataCacheEntry),
		path:     cfg.Path,
		interner: cfg.Interner,
		logger:   cfg.Logger.WithComponent("metacache"),
	}
}

// Load reads the on-disk file. A version mismatch discards the file
// silently (the index is left empty); per-entry read errors are swallowed
// and that entry is skipped.
func (c *Cache) Load() error {
	f, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil // unreadable header: treat as empty cache
	}
	if version != CurrentVersion {
		c.logger.Infof("metadata cache version mismatch (have %d, want %d): discarding", version, CurrentVersion)
		return nil
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil
	}
	if count > maxEntryCount {
		c.logger.Warnf("metadata cache entry count %d exceeds sanity cap, discarding", count)
		return nil
	}

	index := make(map[string]types.MetadataCacheEntry, count)
	for i := uint32(0); i < count; i++ {
		entry, err := readEntry(r, c.interner)
		if err != nil {
			c.logger.Debugf("skipping corrupt metadata entry %d: %v", i, err)
			continue
		}
		index[strings.ToLower(entry.Key)] = entry
	}

	c.mu.Lock()
	c.index = index
	c.mu.Unlock()
	return nil
}

// Save writes the in-memory index to disk atomically: write to a temp
// file, flush, then rename over the target. On failure the temp file is
// removed and the prior file is left intact.
func (c *Cache) Save() error {
	c.mu.RLock()
	entries := make([]types.MetadataCacheEntry, 0, len(c.index))
	for _, e := range c.index {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}

	tmpPath := c.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	writeErr := func() error {
		if err := binary.Write(w, binary.LittleEndian, CurrentVersion); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(entries))); err != nil {
			return err
		}
		for _, e := range entries {
			if err := writeEntry(w, e); err != nil {
				return err
			}
		}
		return w.Flush()
	}()

	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpPath)
		if writeErr != nil {
			return writeErr
		}
		return closeErr
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// TryGet returns nil if key is missing or its fingerprint differs from
// current; otherwise it returns a deep clone so callers cannot mutate
// cache state.
func (c *Cache) TryGet(key string, fp types.Fingerprint) *types.PackageMetadataRecord {
	c.mu.RLock()
	entry, ok := c.index[strings.ToLower(key)]
	c.mu.RUnlock()

	if !ok || !entry.Fingerprint.Equal(fp) {
		atomic.AddInt64(&c.misses, 1)
		return nil
	}
	atomic.AddInt64(&c.hits, 1)
	return entry.Record.Clone()
}

// AddOrUpdate inserts or replaces the record for key, cloning on insert so
// the cache never aliases caller-owned memory.
func (c *Cache) AddOrUpdate(key string, record *types.PackageMetadataRecord, fp types.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index[strings.ToLower(key)] = types.MetadataCacheEntry{
		Key:         key,
		Record:      record.Clone(),
		Fingerprint: fp,
	}
}

// UpdateContentCounters mutates the counters on the cached record only, if
// present.
func (c *Cache) UpdateContentCounters(key string, counters types.ContentCounters) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.index[strings.ToLower(key)]
	if !ok {
		return false
	}
	entry.Record.Counters = counters
	c.index[strings.ToLower(key)] = entry
	return true
}

// Remove drops a single entry.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	delete(c.index, strings.ToLower(key))
	c.mu.Unlock()
}

// Clear empties the in-memory index.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.index = make(map[string]types.MetadataCacheEntry)
	c.mu.Unlock()
}

// ClearCompletely empties the in-memory index and deletes the on-disk
// file.
func (c *Cache) ClearCompletely() error {
	c.Clear()
	err := os.Remove(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// UpdateFrom replaces the whole in-memory index from an external map.
func (c *Cache) UpdateFrom(entries map[string]types.MetadataCacheEntry) {
	c.mu.Lock()
	c.index = entries
	c.mu.Unlock()
}

// Stats reports hit/miss counters.
type Stats struct {
	Hits, Misses int64
	HitRate      float64
}

// Stats returns current hit/miss statistics.
func (c *Cache) Stats() Stats {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	s := Stats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader, interner *intern.Pool) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<20 {
		return "", fmt.Errorf("string length %d exceeds sanity cap", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	s := string(buf)
	if interner != nil {
		s = interner.InternCaseInsensitive(s)
	}
	return s, nil
}

func writeStringSlice(w io.Writer, ss []string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStringSlice(r io.Reader, interner *intern.Pool) ([]string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]string, n)
	for i := range out {
		s, err := readString(r, interner)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func writeEntry(w io.Writer, e types.MetadataCacheEntry) error {
	if err := writeString(w, e.Key); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(e.Fingerprint.Size)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int64(e.Fingerprint.Ticks)); err != nil {
		return err
	}

	r := e.Record
	for _, s := range []string{r.Filename, r.PackageName, r.Creator, r.Description, r.StoredPath} {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	for _, v := range []int32{int32(r.Version), int32(r.License), int32(r.FileCount), int32(r.Status), int32(r.Variant), int32(r.DuplicateCount)} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, r.Size); err != nil {
		return err
	}
	flags := []bool{r.Corrupt, r.Preload, r.OptimizedFlag[0], r.OptimizedFlag[1], r.OptimizedFlag[2], r.OptimizedFlag[3]}
	for _, b := range flags {
		if err := binary.Write(w, binary.LittleEndian, boolByte(b)); err != nil {
			return err
		}
	}
	counters := []int32{
		int32(r.Counters.Morphs), int32(r.Counters.Hair), int32(r.Counters.Clothing),
		int32(r.Counters.Scene), int32(r.Counters.Looks), int32(r.Counters.Poses),
		int32(r.Counters.Assets), int32(r.Counters.Scripts), int32(r.Counters.Plugins),
		int32(r.Counters.Subscenes), int32(r.Counters.Skins),
	}
	for _, v := range counters {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if err := writeOptionalTimestamp(w, r.InstalledAt); err != nil {
		return err
	}
	if err := writeOptionalTimestamp(w, r.LastScanAt); err != nil {
		return err
	}

	for _, ss := range [][]string{
		r.Dependencies, r.ContentTypes, r.Categories, r.UserTags,
		r.MissingDependencies, r.ClothingTags, r.HairTags,
	} {
		if err := writeStringSlice(w, ss); err != nil {
			return err
		}
	}

	// content-list and all-files: never persisted, written as count=0 to
	// preserve alignment with older on-disk layouts.
	if err := binary.Write(w, binary.LittleEndian, uint32(0)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, uint32(0))
}

func readEntry(r io.Reader, interner *intern.Pool) (types.MetadataCacheEntry, error) {
	var entry types.MetadataCacheEntry

	key, err := readString(r, interner)
	if err != nil {
		return entry, err
	}
	var size uint64
	var ticks int64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return entry, err
	}
	if err := binary.Read(r, binary.LittleEndian, &ticks); err != nil {
		return entry, err
	}

	rec := &types.PackageMetadataRecord{}
	strs := make([]string, 5)
	for i := range strs {
		s, err := readString(r, interner)
		if err != nil {
			return entry, err
		}
		strs[i] = s
	}
	rec.Filename, rec.PackageName, rec.Creator, rec.Description, rec.StoredPath = strs[0], strs[1], strs[2], strs[3], strs[4]

	ints := make([]int32, 6)
	for i := range ints {
		if err := binary.Read(r, binary.LittleEndian, &ints[i]); err != nil {
			return entry, err
		}
	}
	rec.Version = int(ints[0])
	rec.License = types.LicenseKind(ints[1])
	rec.FileCount = int(ints[2])
	rec.Status = types.StatusKind(ints[3])
	rec.Variant = types.VariantRole(ints[4])
	rec.DuplicateCount = int(ints[5])

	if err := binary.Read(r, binary.LittleEndian, &rec.Size); err != nil {
		return entry, err
	}

	flags := make([]byte, 6)
	for i := range flags {
		if err := binary.Read(r, binary.LittleEndian, &flags[i]); err != nil {
			return entry, err
		}
	}
	rec.Corrupt = flags[0] != 0
	rec.Preload = flags[1] != 0
	rec.OptimizedFlag = [4]bool{flags[2] != 0, flags[3] != 0, flags[4] != 0, flags[5] != 0}

	counters := make([]int32, 11)
	for i := range counters {
		if err := binary.Read(r, binary.LittleEndian, &counters[i]); err != nil {
			return entry, err
		}
	}
	rec.Counters = types.ContentCounters{
		Morphs: int(counters[0]), Hair: int(counters[1]), Clothing: int(counters[2]),
		Scene: int(counters[3]), Looks: int(counters[4]), Poses: int(counters[5]),
		Assets: int(counters[6]), Scripts: int(counters[7]), Plugins: int(counters[8]),
		Subscenes: int(counters[9]), Skins: int(counters[10]),
	}

	var err2 error
	rec.InstalledAt, err2 = readOptionalTimestamp(r)
	if err2 != nil {
		return entry, err2
	}
	rec.LastScanAt, err2 = readOptionalTimestamp(r)
	if err2 != nil {
		return entry, err2
	}

	seqs := make([][]string, 7)
	for i := range seqs {
		s, err := readStringSlice(r, interner)
		if err != nil {
			return entry, err
		}
		seqs[i] = s
	}
	rec.Dependencies, rec.ContentTypes, rec.Categories, rec.UserTags,
		rec.MissingDependencies, rec.ClothingTags, rec.HairTags =
		seqs[0], seqs[1], seqs[2], seqs[3], seqs[4], seqs[5], seqs[6]

	// trailing content-list/all-files stub counts, discarded.
	var stub uint32
	if err := binary.Read(r, binary.LittleEndian, &stub); err != nil {
		return entry, err
	}
	if err := binary.Read(r, binary.LittleEndian, &stub); err != nil {
		return entry, err
	}

	entry.Key = key
	entry.Record = rec
	entry.Fingerprint = types.Fingerprint{Size: int64(size), Ticks: ticks}
	return entry, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeOptionalTimestamp(w io.Writer, t *time.Time) error {
	if t == nil {
		return binary.Write(w, binary.LittleEndian, boolByte(false))
	}
	if err := binary.Write(w, binary.LittleEndian, boolByte(true)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, t.UnixNano())
}

func readOptionalTimestamp(r io.Reader) (*time.Time, error) {
	var present byte
	if err := binary.Read(r, binary.LittleEndian, &present); err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	var ns int64
	if err := binary.Read(r, binary.LittleEndian, &ns); err != nil {
		return nil, err
	}
	t := time.Unix(0, ns).UTC()
	return &t, nil
}
