package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.Level = WARN
	cfg.IncludeCaller = false

	l := New(cfg)
	l.Info("should not appear")
	l.Warn("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear")
}

func TestComponentLevelOverride(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.Level = ERROR
	cfg.IncludeCaller = false

	l := New(cfg)
	l.SetComponentLevel("archivecache", DEBUG)
	scoped := l.WithComponent("archivecache")
	scoped.Debug("archive opened")

	assert.Contains(t, buf.String(), "archive opened")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.Format = FormatJSON
	cfg.IncludeCaller = false

	l := New(cfg)
	l.Info("hello", map[string]interface{}{"k": "v"})

	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasPrefix(line, "{"))
	assert.Contains(t, line, `"message":"hello"`)
}
