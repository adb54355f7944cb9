package wire

import (
	"errors"
	"net/http"
	"time"
)

// Code is a stable, client-visible error identifier. The set below is part
// of the protocol contract and must not grow ad hoc.
type Code string

const (
	CodeUnauthorized       Code = "unauthorized"
	CodeResumeFailed       Code = "resume_failed"
	CodeForbidden          Code = "forbidden"
	CodeInvalidRequest     Code = "invalid_request"
	CodeNotFound           Code = "not_found"
	CodeRateLimited        Code = "rate_limited"
	CodeUnsupportedVersion Code = "unsupported_version"
	CodeReplayWindow       Code = "replay_window_exceeded"
	CodeBlocked            Code = "blocked"
	CodeInternal           Code = "internal_error"
)

// Interface guard
var _ error = (*Error)(nil)

// Error is a protocol failure that maps one-to-one onto an error frame and
// an HTTP status. Message must never carry secret material; callers wrap
// internal causes with %w and surface only the coded summary.
type Error struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	ConvID      string `json:"conv_id,omitempty"`
	RetryAfterS int64  `json:"retry_after_s,omitempty"`
	EarliestSeq uint64 `json:"earliest_seq,omitempty"`
	LatestSeq   uint64 `json:"latest_seq,omitempty"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// WithConv tags the error with the conversation it belongs to. Unsolicited
// terminal subscription errors need the tag so clients can tell which
// stream just died.
func (e *Error) WithConv(conv string) *Error {
	c := *e
	c.ConvID = conv
	return &c
}

func NewError(code Code, msg string) *Error { return &Error{Code: code, Message: msg} }

func Unauthorized(msg string) *Error { return NewError(CodeUnauthorized, msg) }
func ResumeFailed(msg string) *Error { return NewError(CodeResumeFailed, msg) }
func Forbidden(msg string) *Error    { return NewError(CodeForbidden, msg) }
func Invalid(msg string) *Error      { return NewError(CodeInvalidRequest, msg) }
func NotFound(msg string) *Error     { return NewError(CodeNotFound, msg) }
func Blocked(msg string) *Error      { return NewError(CodeBlocked, msg) }
func Internal(msg string) *Error     { return NewError(CodeInternal, msg) }

// RateLimited carries the earliest retry hint, rounded up to whole seconds.
func RateLimited(retryAfter time.Duration) *Error {
	s := int64((retryAfter + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return &Error{Code: CodeRateLimited, Message: "rate limit exceeded", RetryAfterS: s}
}

// ReplayWindow signals that from_seq points below the retained floor.
// It carries the bounds of what is still replayable.
func ReplayWindow(earliest, latest uint64) *Error {
	return &Error{
		Code:        CodeReplayWindow,
		Message:     "requested sequence is below the retained floor",
		EarliestSeq: earliest,
		LatestSeq:   latest,
	}
}

// AsError coerces any error into a protocol error. Unknown failures become
// a generic internal_error so that storage or driver details never reach
// the wire.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Internal("internal error")
}

// ErrorFrame builds the error frame correlated to the request id.
func ErrorFrame(id string, e *Error) Frame {
	f, _ := NewFrame(TError, id, e)
	return f
}

// HTTPStatus maps the code onto the REST surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthorized, CodeResumeFailed:
		return http.StatusUnauthorized
	case CodeForbidden, CodeBlocked:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnsupportedVersion:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeReplayWindow:
		return http.StatusConflict
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Fatal reports whether the error must close the transport once emitted.
// Authorization failures during session establishment are fatal; rate
// limits and validation failures keep the link open.
func (e *Error) Fatal() bool {
	switch e.Code {
	case CodeUnauthorized, CodeResumeFailed, CodeUnsupportedVersion:
		return true
	}
	return false
}
