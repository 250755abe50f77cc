// Package apperr defines the tagged error algebra used across the platform.
//
// Errors come in two families: internal errors that carry domain data and
// never leave the process, and boundary errors that are serialized across
// the HTTP/WS boundary with a stable _tag and status code. Handlers collapse
// whatever they catch through MapTo before writing a response.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Tag discriminates error variants. The string value is part of the wire
// contract and must not change.
type Tag string

const (
	TagAuth               Tag = "Auth"
	TagOAuth              Tag = "OAuth"
	TagForbidden          Tag = "Forbidden"
	TagNotFound           Tag = "NotFound"
	TagConflict           Tag = "Conflict"
	TagGone               Tag = "Gone"
	TagValidation         Tag = "Validation"
	TagRateLimit          Tag = "RateLimit"
	TagInternal           Tag = "Internal"
	TagServiceUnavailable Tag = "ServiceUnavailable"
	TagGatewayTimeout     Tag = "GatewayTimeout"
	TagStale              Tag = "Stale"
	TagInfra              Tag = "InfraError"
	TagTimeout            Tag = "TimeoutError"
	TagBulkhead           Tag = "BulkheadError"
	TagCircuit            Tag = "CircuitError"
)

// boundaryCatalog is the set of tags that may cross the HTTP/WS boundary.
var boundaryCatalog = map[Tag]int{
	TagAuth:               http.StatusUnauthorized,
	TagOAuth:              http.StatusUnauthorized,
	TagForbidden:          http.StatusForbidden,
	TagNotFound:           http.StatusNotFound,
	TagConflict:           http.StatusConflict,
	TagGone:               http.StatusGone,
	TagValidation:         http.StatusUnprocessableEntity,
	TagRateLimit:          http.StatusTooManyRequests,
	TagInternal:           http.StatusInternalServerError,
	TagServiceUnavailable: http.StatusServiceUnavailable,
	TagGatewayTimeout:     http.StatusGatewayTimeout,
	TagTimeout:            http.StatusGatewayTimeout,
	TagBulkhead:           http.StatusServiceUnavailable,
	TagCircuit:            http.StatusServiceUnavailable,
}

// Error is the single concrete error type behind every tag. Only Tag and
// Message are serialized; the remaining fields carry domain data for
// in-process consumers.
type Error struct {
	Tag     Tag    `json:"_tag"`
	Message string `json:"message"`

	Resource string        `json:"-"`
	ID       string        `json:"-"`
	Field    string        `json:"-"`
	Reason   string        `json:"-"`
	Details  string        `json:"-"`
	Name     string        `json:"-"` // resilience: breaker/bulkhead/timeout name
	Capacity int           `json:"-"`
	Duration time.Duration `json:"-"`
	Cause    error         `json:"-"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Tag)
}

func (e *Error) Unwrap() error { return e.Cause }

// ============================================================================
// CONSTRUCTORS
// ============================================================================

// NotFound reports a missing resource. The message format is part of the
// stable public interface: "NotFound: <resource>/<id>", or just
// "NotFound: <resource>" when id is empty.
func NotFound(resource, id string) *Error {
	msg := "NotFound: " + resource
	if id != "" {
		msg += "/" + id
	}
	return &Error{Tag: TagNotFound, Message: msg, Resource: resource, ID: id}
}

// Conflict reports a state conflict. Message format is stable:
// "Conflict: <resource> - <reason>".
func Conflict(resource, reason string) *Error {
	return &Error{
		Tag:      TagConflict,
		Message:  "Conflict: " + resource + " - " + reason,
		Resource: resource,
		Reason:   reason,
	}
}

func Forbidden(details string) *Error {
	return &Error{Tag: TagForbidden, Message: "Forbidden: " + details, Details: details}
}

func Auth(reason string) *Error {
	return &Error{Tag: TagAuth, Message: "Auth: " + reason, Reason: reason}
}

func OAuth(reason string) *Error {
	return &Error{Tag: TagOAuth, Message: "OAuth: " + reason, Reason: reason}
}

func Validation(field, detail string) *Error {
	return &Error{
		Tag:     TagValidation,
		Message: fmt.Sprintf("Validation: %s - %s", field, detail),
		Field:   field,
		Details: detail,
	}
}

func Stale(expected, actual string) *Error {
	return &Error{
		Tag:     TagStale,
		Message: fmt.Sprintf("Stale: expected %s, got %s", expected, actual),
		Details: actual,
		Reason:  expected,
	}
}

// Infra reports a transient infrastructure failure. Internal-only: it is
// not part of the boundary catalog and collapses to Internal at the edge.
func Infra(reason string, cause error) *Error {
	return &Error{Tag: TagInfra, Message: "InfraError: " + reason, Reason: reason, Cause: cause}
}

func Gone(resource string) *Error {
	return &Error{Tag: TagGone, Message: "Gone: " + resource, Resource: resource}
}

func RateLimit(reason string) *Error {
	return &Error{Tag: TagRateLimit, Message: "RateLimit: " + reason, Reason: reason}
}

func ServiceUnavailable(reason string) *Error {
	return &Error{Tag: TagServiceUnavailable, Message: "ServiceUnavailable: " + reason, Reason: reason}
}

func GatewayTimeout(reason string) *Error {
	return &Error{Tag: TagGatewayTimeout, Message: "GatewayTimeout: " + reason, Reason: reason}
}

// Internal wraps an unclassified failure for the boundary. This is the only
// constructor that carries a cause chain across MapTo.
func Internal(details string, cause error) *Error {
	msg := "Internal: " + details
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return &Error{Tag: TagInternal, Message: msg, Details: details, Cause: cause}
}

// Timeout is produced by the resilience layer when a deadline elapses.
func Timeout(name string, d time.Duration) *Error {
	return &Error{
		Tag:      TagTimeout,
		Message:  fmt.Sprintf("TimeoutError: %s after %s", name, d),
		Name:     name,
		Duration: d,
	}
}

// Bulkhead is produced when a permit cannot be acquired.
func Bulkhead(name string, capacity int) *Error {
	return &Error{
		Tag:      TagBulkhead,
		Message:  fmt.Sprintf("BulkheadError: %s at capacity %d", name, capacity),
		Name:     name,
		Capacity: capacity,
	}
}

// Circuit is produced when an open breaker short-circuits a call.
func Circuit(name string) *Error {
	return &Error{Tag: TagCircuit, Message: "CircuitError: " + name, Name: name}
}

// ============================================================================
// BOUNDARY OPERATIONS
// ============================================================================

// TagOf returns the tag of err, or "" when err carries no tag.
func TagOf(err error) Tag {
	var e *Error
	if errors.As(err, &e) {
		return e.Tag
	}
	return ""
}

// Is reports whether err is already a member of the boundary catalog.
func Is(err error) bool {
	_, ok := boundaryCatalog[TagOf(err)]
	return ok
}

// StatusOf maps a boundary tag to its HTTP status code. Unknown tags map
// to 500, matching the Internal fallback of MapTo.
func StatusOf(tag Tag) int {
	if code, ok := boundaryCatalog[tag]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// MapTo collapses err to the boundary catalog: errors already in the
// catalog pass through unchanged, anything else is wrapped as
// Internal{details: label}. This is the only place ad-hoc errors may be
// caught; non-boundary components must propagate their error union intact.
func MapTo(label string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if _, ok := boundaryCatalog[e.Tag]; ok {
			return e
		}
	}
	return Internal(label, err)
}
