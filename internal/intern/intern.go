// Package intern deduplicates frequently repeated strings — paths, names,
// and known vocabulary words — behind a small set of concurrent maps.
package intern

import (
	"strings"
	"sync"
	"sync/atomic"
)

// preloaded covers known status, category, license, extension, and
// path-prefix strings so the common case never allocates.
var preloaded = []string{
	"ok", "corrupt", "missing_dependencies", "duplicate", "unknown",
	"public", "creative_commons", "commercial", "futures_trading",
	"base", "derived", "none",
	".zip", ".var", ".json", ".vap", ".vam", ".vaj",
	"Custom/", "Saves/", "Textures/",
}

// Pool deduplicates strings behind case-sensitive and case-insensitive
// tables, plus a path-normalizing façade.
type Pool struct {
	exact   sync.Map // string -> string
	folded  sync.Map // lower(string) -> string
	count   int64
	byteLen int64
}

// New creates a Pool pre-seeded with the standard vocabulary.
func New() *Pool {
	p := &Pool{}
	for _, s := range preloaded {
		p.Intern(s)
		p.InternCaseInsensitive(s)
	}
	return p
}

// Intern returns a shared reference for s, case-sensitively. Nil/empty in
// yields nil/empty out; there is no failure mode.
func (p *Pool) Intern(s string) string {
	if s == "" {
		return s
	}
	if v, ok := p.exact.Load(s); ok {
		return v.(string)
	}
	actual, loaded := p.exact.LoadOrStore(s, s)
	if !loaded {
		atomic.AddInt64(&p.count, 1)
		atomic.AddInt64(&p.byteLen, int64(len(s)))
	}
	return actual.(string)
}

// InternCaseInsensitive returns a shared reference keyed by the
// lower-cased form of s, but preserves the casing of whichever variant was
// seen first.
func (p *Pool) InternCaseInsensitive(s string) string {
	if s == "" {
		return s
	}
	key := strings.ToLower(s)
	if v, ok := p.folded.Load(key); ok {
		return v.(string)
	}
	actual, loaded := p.folded.LoadOrStore(key, s)
	if !loaded {
		atomic.AddInt64(&p.count, 1)
		atomic.AddInt64(&p.byteLen, int64(len(s)))
	}
	return actual.(string)
}

// InternPath normalizes backslashes to forward slashes, then interns
// case-sensitively.
func (p *Pool) InternPath(path string) string {
	if path == "" {
		return path
	}
	return p.Intern(strings.ReplaceAll(path, "\\", "/"))
}

// Stats reports pool occupancy.
type Stats struct {
	Count         int64
	EstimatedBytes int64
}

// Stats returns the current entry count and estimated retained bytes.
func (p *Pool) Stats() Stats {
	return Stats{
		Count:          atomic.LoadInt64(&p.count),
		EstimatedBytes: atomic.LoadInt64(&p.byteLen),
	}
}

// Clear empties both tables and reseeds the preloaded vocabulary.
func (p *Pool) Clear() {
	p.exact.Range(func(k, _ interface{}) bool {
		p.exact.Delete(k)
		return true
	})
	p.folded.Range(func(k, _ interface{}) bool {
		p.folded.Delete(k)
		return true
	})
	atomic.StoreInt64(&p.count, 0)
	atomic.StoreInt64(&p.byteLen, 0)
	for _, s := range preloaded {
		p.Intern(s)
		p.InternCaseInsensitive(s)
	}
}

// Trim drops entries longer than maxLen, freeing memory held by rare
// oversized strings without discarding the common small vocabulary.
func (p *Pool) Trim(maxLen int) {
	p.exact.Range(func(k, v interface{}) bool {
		if s := k.(string); len(s) > maxLen {
			p.exact.Delete(k)
			atomic.AddInt64(&p.count, -1)
			atomic.AddInt64(&p.byteLen, -int64(len(s)))
		}
		return true
	})
	p.folded.Range(func(k, v interface{}) bool {
		if s := v.(string); len(s) > maxLen {
			p.folded.Delete(k)
			atomic.AddInt64(&p.count, -1)
			atomic.AddInt64(&p.byteLen, -int64(len(s)))
		}
		return true
	})
}
