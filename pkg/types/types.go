// Package types holds the core data model shared across packcore's
// subsystems: archive identity, package metadata, and cache entry shapes.
package types

import (
	"strings"
	"time"
)

// Fingerprint is the (size, modification time) pair used for cache validity.
// Equality of fingerprints implies "same content" for caching purposes.
type Fingerprint struct {
	Size  int64
	Ticks int64 // modification time in fixed tick units (UnixNano)
}

// Equal reports whether two fingerprints describe the same content.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Size == other.Size && f.Ticks == other.Ticks
}

// FingerprintOf derives a Fingerprint from a size and modification time.
func FingerprintOf(size int64, modTime time.Time) Fingerprint {
	return Fingerprint{Size: size, Ticks: modTime.UnixNano()}
}

// NormalizePath forward-slash normalizes an archive-internal path.
func NormalizePath(path string) string {
	return strings.ReplaceAll(path, "\\", "/")
}

// ArchiveEntry describes one entry of an archive's directory.
//
// Invariant: directory entries never hold blob data.
type ArchiveEntry struct {
	Path             string // forward-slash normalized
	CompressedSize   int64
	UncompressedSize int64
	IsDir            bool

	// payload is owned by the archive, not the entry; see internal/archivecache.
}

// LicenseKind, StatusKind, and VariantRole are small closed enums so
// case-insensitive "kind-like string" comparisons happen once at parse time
// rather than on every read.
type LicenseKind int

const (
	LicenseUnknown LicenseKind = iota
	LicensePublic
	LicenseCreativeCommons
	LicenseCommercial
	LicenseFuturesTrading
)

func (k LicenseKind) String() string {
	switch k {
	case LicensePublic:
		return "public"
	case LicenseCreativeCommons:
		return "creative_commons"
	case LicenseCommercial:
		return "commercial"
	case LicenseFuturesTrading:
		return "futures_trading"
	default:
		return "unknown"
	}
}

// StatusKind is the package's lifecycle status.
type StatusKind int

const (
	StatusUnknown StatusKind = iota
	StatusOK
	StatusCorrupt
	StatusMissingDependencies
	StatusDuplicate
)

func (k StatusKind) String() string {
	switch k {
	case StatusOK:
		return "ok"
	case StatusCorrupt:
		return "corrupt"
	case StatusMissingDependencies:
		return "missing_dependencies"
	case StatusDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// VariantRole distinguishes a base package from one of its variants.
type VariantRole int

const (
	VariantNone VariantRole = iota
	VariantBase
	VariantDerived
)

func (k VariantRole) String() string {
	switch k {
	case VariantBase:
		return "base"
	case VariantDerived:
		return "derived"
	default:
		return "none"
	}
}

// ContentCounters holds the per-kind content counts tracked for a package:
// morphs, hair, clothing, scene, looks, poses, assets, scripts, plugins,
// subscenes, and skins.
type ContentCounters struct {
	Morphs    int
	Hair      int
	Clothing  int
	Scene     int
	Looks     int
	Poses     int
	Assets    int
	Scripts   int
	Plugins   int
	Subscenes int
	Skins     int
}

// Total sums all counters.
func (c ContentCounters) Total() int {
	return c.Morphs + c.Hair + c.Clothing + c.Scene + c.Looks + c.Poses +
		c.Assets + c.Scripts + c.Plugins + c.Subscenes + c.Skins
}

// PackageMetadataRecord is the flat record persisted by the metadata cache.
//
// The seven lazy string-sequence attributes are nil until first populated;
// an absent slice means "not computed", not "empty" — they are never
// persisted to disk (see internal/metacache), matching the legacy format's
// content-list / all-files fields which the current on-disk version omits.
type PackageMetadataRecord struct {
	Filename      string
	PackageName   string
	Creator       string
	Description   string
	Version       int
	License       LicenseKind
	FileCount     int
	Corrupt       bool
	Preload       bool
	Status        StatusKind
	StoredPath    string
	Size          int64
	OptimizedFlag [4]bool
	Variant       VariantRole
	DuplicateCount int
	Counters      ContentCounters

	InstalledAt *time.Time
	LastScanAt  *time.Time

	// Lazy string-sequence attributes.
	Dependencies        []string
	ContentTypes        []string
	Categories          []string
	UserTags            []string
	MissingDependencies []string
	ClothingTags        []string
	HairTags            []string
}

// Clone returns a deep copy so callers cannot mutate cache state through a
// returned record.
func (r *PackageMetadataRecord) Clone() *PackageMetadataRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.InstalledAt != nil {
		t := *r.InstalledAt
		c.InstalledAt = &t
	}
	if r.LastScanAt != nil {
		t := *r.LastScanAt
		c.LastScanAt = &t
	}
	c.Dependencies = cloneStrings(r.Dependencies)
	c.ContentTypes = cloneStrings(r.ContentTypes)
	c.Categories = cloneStrings(r.Categories)
	c.UserTags = cloneStrings(r.UserTags)
	c.MissingDependencies = cloneStrings(r.MissingDependencies)
	c.ClothingTags = cloneStrings(r.ClothingTags)
	c.HairTags = cloneStrings(r.HairTags)
	return &c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// MetadataCacheEntry pairs a metadata record with the fingerprint it was
// computed against, used to decide cache validity.
type MetadataCacheEntry struct {
	Key         string // filename, compared case-insensitively
	Record      *PackageMetadataRecord
	Fingerprint Fingerprint
}

// ImageOffset locates one encoded image payload within the image cache file.
type ImageOffset struct {
	Offset int64
	Length int32
}
