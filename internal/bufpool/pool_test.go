package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsExactLength(t *testing.T) {
	p := New()
	buf := p.Get(3000)
	assert.Len(t, buf, 3000)
}

func TestGetBeyondLargestBucketAllocatesFresh(t *testing.T) {
	p := New()
	buf := p.Get(200 * 1024 * 1024)
	assert.Len(t, buf, 200*1024*1024)
}

func TestPutNilIsNoop(t *testing.T) {
	p := New()
	assert.NotPanics(t, func() { p.Put(nil) })
}

func TestRoundTripReuse(t *testing.T) {
	p := New()
	buf := p.Get(1000)
	buf[0] = 42
	p.Put(buf)

	again := p.Get(1000)
	assert.Len(t, again, 1000)
}

func TestStatsReportsBucketRange(t *testing.T) {
	p := New()
	stats := p.Stats()
	assert.Greater(t, stats.BucketCount, 0)
	assert.Less(t, stats.MinBufferSize, stats.MaxBufferSize)
}

func TestPackageLevelDefaultPool(t *testing.T) {
	buf := Get(512)
	assert.Len(t, buf, 512)
	Put(buf)
}
