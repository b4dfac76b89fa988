// Package searchcache is the on-disk cache for hub search responses: the
// same version+count+keyed-entry framing the binary metadata cache
// (internal/metacache) uses, with no magic number, and with an opaque JSON
// blob per entry in place of a fixed binary record.
package searchcache

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/packcore/packcore/pkg/logging"
)

// CurrentVersion is the on-disk format version this code writes and reads.
const CurrentVersion uint32 = 1

const maxEntryCount = 10_000

// Entry is one cached search response: a query key, the tick the search
// was run at (used for TTL staleness), and the raw JSON response payload.
type Entry struct {
	Key     string
	Ticks   int64
	Payload json.RawMessage
}

// Cache is the in-memory index backing the search response cache file.
type Cache struct {
	mu     sync.RWMutex
	index  map[string]Entry // key: lower(query)
	path   string
	logger *logging.Logger
	ttl    time.Duration

	hits, misses int64
}

// Config configures a Cache.
type Config struct {
	Path   string
	Logger *logging.Logger
	// TTL bounds how long a cached response stays valid; zero disables
	// expiry and relies only on explicit Remove/Clear.
	TTL time.Duration
}

// New creates an empty Cache bound to path; call Load to populate it.
func New(cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = logging.New(logging.DefaultConfig())
	}
	return &Cache{
		index:  make(map[string]Entry),
		path:   cfg.Path,
		logger: cfg.Logger.WithComponent("searchcache"),
		ttl:    cfg.TTL,
	}
}

// Load reads the on-disk file. A version mismatch discards the file; a
// per-entry read error skips that entry.
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
		return nil
	}
	if version != CurrentVersion {
		c.logger.Infof("search cache version mismatch (have %d, want %d): discarding", version, CurrentVersion)
		return nil
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil
	}
	if count > maxEntryCount {
		c.logger.Warnf("search cache entry count %d exceeds sanity cap, discarding", count)
		return nil
	}

	index := make(map[string]Entry, count)
	for i := uint32(0); i < count; i++ {
		entry, err := readEntry(r)
		if err != nil {
			c.logger.Debugf("skipping corrupt search cache entry %d: %v", i, err)
			continue
		}
		index[strings.ToLower(entry.Key)] = entry
	}

	c.mu.Lock()
	c.index = index
	c.mu.Unlock()
	return nil
}

// Save writes the in-memory index to disk atomically: temp file, flush,
// rename over the target.
func (c *Cache) Save() error {
	c.mu.RLock()
	entries := make([]Entry, 0, len(c.index))
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

// TryGet returns the cached payload for query, or nil if missing or
// expired under the configured TTL.
func (c *Cache) TryGet(query string) json.RawMessage {
	c.mu.RLock()
	entry, ok := c.index[strings.ToLower(query)]
	c.mu.RUnlock()

	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil
	}
	if c.ttl > 0 && time.Since(ticksToTime(entry.Ticks)) > c.ttl {
		atomic.AddInt64(&c.misses, 1)
		return nil
	}
	atomic.AddInt64(&c.hits, 1)
	return entry.Payload
}

// Put inserts or replaces the cached response for query, stamped with
// the current time.
func (c *Cache) Put(query string, payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index[strings.ToLower(query)] = Entry{
		Key:     query,
		Ticks:   timeToTicks(time.Now()),
		Payload: payload,
	}
}

// Remove drops a single cached response.
func (c *Cache) Remove(query string) {
	c.mu.Lock()
	delete(c.index, strings.ToLower(query))
	c.mu.Unlock()
}

// Clear empties the in-memory index.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.index = make(map[string]Entry)
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

func timeToTicks(t time.Time) int64 { return t.UnixNano() }
func ticksToTime(ticks int64) time.Time { return time.Unix(0, ticks).UTC() }

func writeEntry(w io.Writer, e Entry) error {
	if err := writeString(w, e.Key); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, e.Ticks); err != nil {
		return err
	}
	return writeBytes(w, e.Payload)
}

func readEntry(r io.Reader) (Entry, error) {
	var entry Entry
	key, err := readString(r)
	if err != nil {
		return entry, err
	}
	var ticks int64
	if err := binary.Read(r, binary.LittleEndian, &ticks); err != nil {
		return entry, err
	}
	payload, err := readBytes(r)
	if err != nil {
		return entry, err
	}
	entry.Key = key
	entry.Ticks = ticks
	entry.Payload = payload
	return entry, nil
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n > 10<<20 {
		return nil, fmt.Errorf("payload length %d exceeds sanity cap", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
