package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetsCategoryAndRetryable(t *testing.T) {
	e := New(CodeLockedForWriting, "path is locked")
	assert.Equal(t, CategoryConcurrency, e.Category)
	assert.True(t, e.Retryable)
	assert.Contains(t, e.Error(), "LOCKED_FOR_WRITING")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	e := Wrap(CodeResourceExhaustion, "save failed", cause)
	require.Error(t, e)
	assert.Same(t, cause, e.Unwrap())
	assert.Contains(t, e.Error(), "disk full")
}

func TestIsComparesByCode(t *testing.T) {
	a := New(CodeNotFound, "a")
	b := New(CodeNotFound, "b")
	c := New(CodeCorrupt, "c")
	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
}

func TestWithContextChains(t *testing.T) {
	e := New(CodeWriteTimeout, "timeout").
		WithContext("path", "/a/b.zip").
		WithComponent("fileaccess").
		WithOperation("AcquireWrite")

	assert.Equal(t, "/a/b.zip", e.Context["path"])
	assert.Equal(t, "fileaccess", e.Component)
	assert.Equal(t, "AcquireWrite", e.Operation)
}

func TestDefaultRetryableByCode(t *testing.T) {
	assert.False(t, IsRetryableByDefault(CodePermanent))
	assert.True(t, IsRetryableByDefault(CodeTransient))
	assert.False(t, IsRetryableByDefault(CodeCancelled))
}

func TestAsPackErrorWrapsForeignErrors(t *testing.T) {
	foreign := errors.New("boom")
	pe := AsPackError(foreign)
	require.NotNil(t, pe)
	assert.Equal(t, CodeTransient, pe.Code)

	native := New(CodeCorrupt, "bad header")
	assert.Same(t, native, AsPackError(native))

	assert.Nil(t, AsPackError(nil))
}

func TestJSONIncludesContext(t *testing.T) {
	e := New(CodeExternalService, "upstream down").WithContext("host", "example")
	body := e.JSON()
	assert.Contains(t, string(body), "upstream down")
	assert.Contains(t, string(body), "host")
}
