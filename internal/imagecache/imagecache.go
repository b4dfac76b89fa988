// Package imagecache is the encrypted, versioned on-disk blob store for
// decoded package preview images, with an in-memory offset index and a
// bounded LRU of recently used payloads.
package imagecache

import (
	"bytes"
	"container/list"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"

	"github.com/packcore/packcore/pkg/logging"
	"github.com/packcore/packcore/pkg/types"
)

// Magic identifies the image cache file; "VPMI" little-endian as a u32.
const Magic uint32 = 0x56504D49

const (
	versionV1 uint32 = 1
	versionV2 uint32 = 2
)

const (
	minWidth  = 100
	minHeight = 100
	jpegQuality = 90
	defaultLRUCapacity = 50
)

type offsetEntry struct {
	Offset int64
	Length int32
}

// Stats reports image cache hit/miss and I/O counters.
type Stats struct {
	Hits, Misses int64
	HitRate      float64
	BytesRead    int64
	BytesWritten int64
	ImageCount   int
}

// Cache is the in-memory index plus staging area backing the image cache
// file. Disk I/O happens outside the lock where possible; at most one save
// is ever in flight.
type Cache struct {
	mu sync.Mutex

	path   string
	aesKey [32]byte
	logger *logging.Logger

	// index[packageKey][internalPathLower] -> offset into the on-disk file.
	index map[string]map[string]offsetEntry

	lruCap   int
	lruList  *list.List
	lruItems map[string]*list.Element // combinedKey -> element holding encrypted blob

	pendingWrites map[string][]byte // combinedKey -> encrypted blob not yet persisted
	invalid       map[string]struct{}

	saveMu       sync.Mutex // serializes Save() bodies; mu only guards in-memory state
	saveInFlight bool
	savePending  bool

	hits, misses           int64
	bytesRead, bytesWritten int64
}

type lruEntry struct {
	key string
	buf []byte
}

// Config configures a Cache.
type Config struct {
	Path        string
	LRUCapacity int
	Logger      *logging.Logger
}

// New creates a Cache bound to path; call Load (or LoadAsync) to populate
// the in-memory index from any existing on-disk file.
func New(cfg Config) *Cache {
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = defaultLRUCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(logging.DefaultConfig())
	}
	return &Cache{
		path:          cfg.Path,
		aesKey:        deriveMachineKey(),
		logger:        cfg.Logger.WithComponent("imagecache"),
		index:         make(map[string]map[string]offsetEntry),
		lruList:       list.New(),
		lruItems:      make(map[string]*list.Element),
		lruCap:        cfg.LRUCapacity,
		pendingWrites: make(map[string][]byte),
		invalid:       make(map[string]struct{}),
	}
}

func deriveMachineKey() [32]byte {
	host, _ := os.Hostname()
	userName := "unknown"
	if u, err := user.Current(); err == nil {
		userName = u.Username
	}
	return sha256.Sum256([]byte(host + "|" + userName + "|VPM_ImageCache_v1"))
}

// PackageKey derives the per-archive index key from its path and fingerprint.
func PackageKey(archivePath string, fp types.Fingerprint) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", archivePath, fp.Size, fp.Ticks)))
	return fmt.Sprintf("%x", sum)
}

func combinedKey(pkgKey, internalPath string) string {
	return pkgKey + "\x00" + strings.ToLower(types.NormalizePath(internalPath))
}

// LoadAsync loads the index in a background goroutine; the logger records
// any failure since there is no synchronous caller to return it to.
func (c *Cache) LoadAsync() {
	go func() {
		if err := c.Load(); err != nil {
			c.logger.Errorf("async image index load failed: %v", err)
		}
	}()
}

// Load reads the on-disk file's header and index. v1 files are migrated:
// their inline payloads are staged into pendingWrites and a save is
// triggered to produce a v2 file; the v1 file itself is left untouched
// until that save succeeds.
func (c *Cache) Load() error {
	f, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var magic, version uint32
	if err := binary.Read(f, binary.LittleEndian, &magic); err != nil {
		return nil
	}
	if magic != Magic {
		c.logger.Warnf("image cache bad magic, discarding file")
		return nil
	}
	if err := binary.Read(f, binary.LittleEndian, &version); err != nil {
		return nil
	}

	switch version {
	case versionV2:
		return c.loadV2(f)
	case versionV1:
		return c.loadV1Migrate(f)
	default:
		c.logger.Warnf("image cache version %d unrecognized, discarding", version)
		return nil
	}
}

func (c *Cache) loadV2(r io.Reader) error {
	index := make(map[string]map[string]offsetEntry)
	for {
		pkgKey, ok, err := readLenPrefixedString(r)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		var imgCount uint32
		if err := binary.Read(r, binary.LittleEndian, &imgCount); err != nil {
			return err
		}
		entries := make(map[string]offsetEntry, imgCount)
		for i := uint32(0); i < imgCount; i++ {
			path, ok, err := readLenPrefixedString(r)
			if err != nil || !ok {
				return fmt.Errorf("truncated image cache entry: %w", err)
			}
			var off int64
			var length int32
			if err := binary.Read(r, binary.LittleEndian, &off); err != nil {
				return err
			}
			if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
				return err
			}
			entries[strings.ToLower(path)] = offsetEntry{Offset: off, Length: length}
		}
		index[pkgKey] = entries
	}

	c.mu.Lock()
	c.index = index
	c.mu.Unlock()
	return nil
}

// loadV1Migrate reads the legacy inline-payload format and stages every
// payload as a pending write, so the next save produces a v2 file.
func (c *Cache) loadV1Migrate(r io.Reader) error {
	staged := make(map[string][]byte)
	for {
		pkgKey, ok, err := readLenPrefixedString(r)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		var imgCount uint32
		if err := binary.Read(r, binary.LittleEndian, &imgCount); err != nil {
			return err
		}
		for i := uint32(0); i < imgCount; i++ {
			path, ok, err := readLenPrefixedString(r)
			if err != nil || !ok {
				return fmt.Errorf("truncated v1 image cache entry: %w", err)
			}
			var length int32
			if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
				return err
			}
			payload := make([]byte, length)
			if _, err := io.ReadFull(r, payload); err != nil {
				return err
			}
			staged[combinedKey(pkgKey, path)] = payload
		}
	}

	c.mu.Lock()
	for k, v := range staged {
		c.pendingWrites[k] = v
	}
	c.mu.Unlock()

	c.logger.Infof("migrating %d v1 image cache entries to v2", len(staged))
	return c.Save()
}

func readLenPrefixedString(r io.Reader) (string, bool, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		if err == io.EOF {
			return "", false, nil
		}
		return "", false, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", false, err
	}
	return string(buf), true, nil
}

// TryGetCached looks up a previously cached image, decrypting and decoding
// it on demand. A decoded image below the minimum dimensions permanently
// marks the path invalid for this process and misses.
func (c *Cache) TryGetCached(archivePath, internalPath string, fp types.Fingerprint) (image.Image, bool) {
	pkgKey := PackageKey(archivePath, fp)
	key := combinedKey(pkgKey, internalPath)

	c.mu.Lock()
	if _, bad := c.invalid[key]; bad {
		c.mu.Unlock()
		c.recordMiss()
		return nil, false
	}

	var encrypted []byte
	if el, ok := c.lruItems[key]; ok {
		encrypted = el.Value.(*lruEntry).buf
		c.lruList.MoveToFront(el)
	} else if buf, ok := c.pendingWrites[key]; ok {
		encrypted = buf
	}
	var offset offsetEntry
	var needDiskRead bool
	if encrypted == nil {
		entries, ok := c.index[pkgKey]
		if !ok {
			c.mu.Unlock()
			c.recordMiss()
			return nil, false
		}
		offset, ok = entries[strings.ToLower(types.NormalizePath(internalPath))]
		if !ok {
			c.mu.Unlock()
			c.recordMiss()
			return nil, false
		}
		needDiskRead = true
	}
	path := c.path
	c.mu.Unlock()

	if needDiskRead {
		var err error
		encrypted, err = readAt(path, offset.Offset, offset.Length)
		if err != nil {
			c.logger.Debugf("image cache disk read failed: %v", err)
			c.recordMiss()
			return nil, false
		}
		c.mu.Lock()
		c.bytesRead += int64(len(encrypted))
		c.mu.Unlock()
	}

	plaintext, err := c.decrypt(encrypted)
	if err != nil {
		c.recordMiss()
		return nil, false
	}
	img, _, err := image.Decode(bytes.NewReader(plaintext))
	if err != nil {
		c.recordMiss()
		return nil, false
	}
	bounds := img.Bounds()
	if bounds.Dx() < minWidth || bounds.Dy() < minHeight {
		c.mu.Lock()
		c.invalid[key] = struct{}{}
		c.mu.Unlock()
		c.recordMiss()
		return nil, false
	}

	c.mu.Lock()
	c.cacheInLRU(key, encrypted)
	c.hits++
	c.mu.Unlock()
	return img, true
}

// TryGetCachedBatch resolves multiple internal paths, partitioning them
// into found images and paths that must be decoded fresh by the caller.
func (c *Cache) TryGetCachedBatch(archivePath string, internalPaths []string, fp types.Fingerprint) (map[string]image.Image, []string) {
	found := make(map[string]image.Image, len(internalPaths))
	var missing []string
	for _, p := range internalPaths {
		if img, ok := c.TryGetCached(archivePath, p, fp); ok {
			found[p] = img
		} else {
			missing = append(missing, p)
		}
	}
	return found, missing
}

// TrySave encodes img as JPEG, encrypts it, and stages it for the next
// save. Images smaller than the minimum dimensions are rejected outright.
func (c *Cache) TrySave(archivePath, internalPath string, fp types.Fingerprint, img image.Image) error {
	bounds := img.Bounds()
	if bounds.Dx() < minWidth || bounds.Dy() < minHeight {
		return fmt.Errorf("image %dx%d below minimum %dx%d", bounds.Dx(), bounds.Dy(), minWidth, minHeight)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return err
	}
	encrypted, err := c.encrypt(buf.Bytes())
	if err != nil {
		return err
	}

	pkgKey := PackageKey(archivePath, fp)
	key := combinedKey(pkgKey, internalPath)

	c.mu.Lock()
	delete(c.invalid, key)
	c.pendingWrites[key] = encrypted
	c.cacheInLRU(key, encrypted)
	c.bytesWritten += int64(len(encrypted))
	c.mu.Unlock()

	c.scheduleSave()
	return nil
}

func (c *Cache) cacheInLRU(key string, buf []byte) {
	if el, ok := c.lruItems[key]; ok {
		el.Value.(*lruEntry).buf = buf
		c.lruList.MoveToFront(el)
		return
	}
	el := c.lruList.PushFront(&lruEntry{key: key, buf: buf})
	c.lruItems[key] = el
	for c.lruList.Len() > c.lruCap {
		back := c.lruList.Back()
		if back == nil {
			break
		}
		c.lruList.Remove(back)
		delete(c.lruItems, back.Value.(*lruEntry).key)
	}
}

// scheduleSave kicks off an async save, coalescing concurrent requests: if
// a save is already running, this sets savePending so a follow-up save
// runs once the in-flight one completes.
func (c *Cache) scheduleSave() {
	c.mu.Lock()
	if c.saveInFlight {
		c.savePending = true
		c.mu.Unlock()
		return
	}
	c.saveInFlight = true
	c.mu.Unlock()

	go c.runSaveLoop()
}

func (c *Cache) runSaveLoop() {
	for {
		if err := c.Save(); err != nil {
			c.logger.Errorf("image cache save failed: %v", err)
		}
		c.mu.Lock()
		if !c.savePending {
			c.saveInFlight = false
			c.mu.Unlock()
			return
		}
		c.savePending = false
		c.mu.Unlock()
	}
}

// Save persists the index plus pending writes to disk: a two-pass write to
// a temp file (index with placeholder offsets, then payloads with offsets
// patched in), then an atomic rename. On success pendingWrites is cleared
// and the index reloaded from the just-written layout.
func (c *Cache) Save() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	merged := make(map[string]map[string][]byte) // pkgKey -> path -> plaintext-encrypted blob
	for pkgKey, entries := range c.index {
		for path, off := range entries {
			blob, err := readAt(c.path, off.Offset, off.Length)
			if err != nil {
				continue
			}
			if merged[pkgKey] == nil {
				merged[pkgKey] = make(map[string][]byte)
			}
			merged[pkgKey][path] = blob
		}
	}
	for key, blob := range c.pendingWrites {
		parts := strings.SplitN(key, "\x00", 2)
		if len(parts) != 2 {
			continue
		}
		if merged[parts[0]] == nil {
			merged[parts[0]] = make(map[string][]byte)
		}
		merged[parts[0]][parts[1]] = blob
	}
	c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}

	tmpPath := c.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	newIndex, writeErr := writeTwoPass(f, merged)
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

	c.mu.Lock()
	c.index = newIndex
	c.pendingWrites = make(map[string][]byte)
	c.mu.Unlock()
	return nil
}

// writeTwoPass writes the header and a placeholder index, then streams
// payloads while recording their offsets, then seeks back to patch the
// placeholder offsets.
func writeTwoPass(f *os.File, merged map[string]map[string][]byte) (map[string]map[string]offsetEntry, error) {
	if err := binary.Write(f, binary.LittleEndian, Magic); err != nil {
		return nil, err
	}
	if err := binary.Write(f, binary.LittleEndian, versionV2); err != nil {
		return nil, err
	}

	type patchSite struct {
		pkgKey, path string
		offsetPos    int64
	}
	var patches []patchSite
	newIndex := make(map[string]map[string]offsetEntry, len(merged))

	for pkgKey, entries := range merged {
		if err := writeLenPrefixedString(f, pkgKey); err != nil {
			return nil, err
		}
		if err := binary.Write(f, binary.LittleEndian, uint32(len(entries))); err != nil {
			return nil, err
		}
		for path, blob := range entries {
			if err := writeLenPrefixedString(f, path); err != nil {
				return nil, err
			}
			pos, err := f.Seek(0, io.SeekCurrent)
			if err != nil {
				return nil, err
			}
			patches = append(patches, patchSite{pkgKey: pkgKey, path: path, offsetPos: pos})
			if err := binary.Write(f, binary.LittleEndian, int64(0)); err != nil {
				return nil, err
			}
			if err := binary.Write(f, binary.LittleEndian, int32(len(blob))); err != nil {
				return nil, err
			}
		}
	}

	payloadStarts := make(map[string]int64, len(patches))
	for pkgKey, entries := range merged {
		for path, blob := range entries {
			pos, err := f.Seek(0, io.SeekCurrent)
			if err != nil {
				return nil, err
			}
			payloadStarts[pkgKey+"\x00"+path] = pos
			if _, err := f.Write(blob); err != nil {
				return nil, err
			}
			if newIndex[pkgKey] == nil {
				newIndex[pkgKey] = make(map[string]offsetEntry)
			}
			newIndex[pkgKey][path] = offsetEntry{Offset: pos, Length: int32(len(blob))}
		}
	}

	for _, p := range patches {
		offset := payloadStarts[p.pkgKey+"\x00"+p.path]
		if _, err := f.Seek(p.offsetPos, io.SeekStart); err != nil {
			return nil, err
		}
		if err := binary.Write(f, binary.LittleEndian, offset); err != nil {
			return nil, err
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return newIndex, nil
}

func writeLenPrefixedString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readAt(path string, offset int64, length int32) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Cache) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.aesKey[:])
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return append(iv, ciphertext...), nil
}

func (c *Cache) decrypt(blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.aesKey[:])
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(blob) < bs {
		return nil, fmt.Errorf("encrypted payload too short")
	}
	iv, ciphertext := blob[:bs], blob[bs:]
	if len(ciphertext)%bs != 0 {
		return nil, fmt.Errorf("encrypted payload not block-aligned")
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	pad := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, pad...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	return data[:len(data)-padLen], nil
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// Clear wipes the in-memory state and deletes the on-disk file.
func (c *Cache) Clear() error {
	c.mu.Lock()
	c.index = make(map[string]map[string]offsetEntry)
	c.pendingWrites = make(map[string][]byte)
	c.invalid = make(map[string]struct{})
	c.lruList.Init()
	c.lruItems = make(map[string]*list.Element)
	c.mu.Unlock()

	err := os.Remove(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Stats reports hit/miss and I/O counters plus the total indexed+pending
// image count.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := len(c.pendingWrites)
	for _, entries := range c.index {
		count += len(entries)
	}

	s := Stats{
		Hits:         c.hits,
		Misses:       c.misses,
		BytesRead:    c.bytesRead,
		BytesWritten: c.bytesWritten,
		ImageCount:   count,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
