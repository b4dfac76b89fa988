// Package errors defines the structured error type used throughout packcore.
package errors

import (
	"encoding/json"
	"runtime"
	"strings"
	"time"
)

// Code identifies the kind of failure. These are the nine error kinds named
// by the core's error handling design: NotFound, Corrupt, LockedForWriting,
// WriteTimeout, Cancelled, ResourceExhaustion, Permanent, ExternalService,
// and Transient (the default assumption for retry).
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeCorrupt            Code = "CORRUPT"
	CodeLockedForWriting   Code = "LOCKED_FOR_WRITING"
	CodeWriteTimeout       Code = "WRITE_TIMEOUT"
	CodeCancelled          Code = "CANCELLED"
	CodeResourceExhaustion Code = "RESOURCE_EXHAUSTION"
	CodePermanent          Code = "PERMANENT"
	CodeExternalService    Code = "EXTERNAL_SERVICE"
	CodeTransient          Code = "TRANSIENT"
)

// Category groups codes for retry and reporting policy.
type Category string

const (
	CategoryNotFound     Category = "not_found"
	CategoryCorruption   Category = "corruption"
	CategoryConcurrency  Category = "concurrency"
	CategoryCancellation Category = "cancellation"
	CategoryResource     Category = "resource"
	CategoryInput        Category = "input"
	CategoryExternal     Category = "external"
	CategoryTransient    Category = "transient"
)

var categoryByCode = map[Code]Category{
	CodeNotFound:           CategoryNotFound,
	CodeCorrupt:            CategoryCorruption,
	CodeLockedForWriting:   CategoryConcurrency,
	CodeWriteTimeout:       CategoryConcurrency,
	CodeCancelled:          CategoryCancellation,
	CodeResourceExhaustion: CategoryResource,
	CodePermanent:          CategoryInput,
	CodeExternalService:    CategoryExternal,
	CodeTransient:          CategoryTransient,
}

var retryableByCode = map[Code]bool{
	CodeNotFound:           false,
	CodeCorrupt:            false,
	CodeLockedForWriting:   true,
	CodeWriteTimeout:       true,
	CodeCancelled:          false,
	CodeResourceExhaustion: true,
	CodePermanent:          false,
	CodeExternalService:    true,
	CodeTransient:          true,
}

// GetCategory returns the category a code belongs to.
func GetCategory(code Code) Category {
	if c, ok := categoryByCode[code]; ok {
		return c
	}
	return CategoryTransient
}

// IsRetryableByDefault reports whether a code is retryable absent other context.
func IsRetryableByDefault(code Code) bool {
	if r, ok := retryableByCode[code]; ok {
		return r
	}
	return true
}

// PackError is the structured error type returned by every packcore package.
type PackError struct {
	Code      Code
	Category  Category
	Message   string
	Context   map[string]interface{}
	Cause     error
	Timestamp time.Time
	Component string
	Operation string
	Retryable bool
	Stack     string
}

// New creates a PackError for the given code and message.
func New(code Code, message string) *PackError {
	return &PackError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Context:   make(map[string]interface{}),
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
		Stack:     captureStack(),
	}
}

// Wrap creates a PackError wrapping an existing cause.
func Wrap(code Code, message string, cause error) *PackError {
	e := New(code, message)
	e.Cause = cause
	return e
}

func (e *PackError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *PackError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is comparison by code.
func (e *PackError) Is(target error) bool {
	t, ok := target.(*PackError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *PackError) String() string {
	return e.Error()
}

// JSON renders the error as a JSON object for logging/dashboard reporting.
func (e *PackError) JSON() []byte {
	data := map[string]interface{}{
		"code":      e.Code,
		"category":  e.Category,
		"message":   e.Message,
		"timestamp": e.Timestamp,
		"component": e.Component,
		"operation": e.Operation,
		"retryable": e.Retryable,
	}
	if len(e.Context) > 0 {
		data["context"] = e.Context
	}
	if e.Cause != nil {
		data["cause"] = e.Cause.Error()
	}
	b, _ := json.Marshal(data)
	return b
}

// WithContext attaches a key/value pair and returns the same error for chaining.
func (e *PackError) WithContext(key string, value interface{}) *PackError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithComponent tags the originating component.
func (e *PackError) WithComponent(component string) *PackError {
	e.Component = component
	return e
}

// WithOperation tags the originating operation.
func (e *PackError) WithOperation(operation string) *PackError {
	e.Operation = operation
	return e
}

// IsRetryable reports whether this specific error instance should be retried.
func (e *PackError) IsRetryable() bool {
	return e.Retryable
}

func captureStack() string {
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// AsPackError extracts a *PackError from an arbitrary error, wrapping it as
// Transient if it is not already one.
func AsPackError(err error) *PackError {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*PackError); ok {
		return pe
	}
	return Wrap(CodeTransient, err.Error(), err)
}
