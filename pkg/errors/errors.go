package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Sentinel values used across the engine and its transports.
var (
	ErrMalformedRecord = errors.New("malformed structured record")
	ErrUnknownMetric   = errors.New("unknown metric")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrNotConnected    = errors.New("not connected")
	ErrFeedClosed      = errors.New("feed closed")
)

// Error is a structured error carrying a wrapped cause, contextual fields,
// and the file/line where it was created.
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
	file     string
	line     int
}

// New creates a structured error with the given message.
func New(message string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: errors.New(message),
		message:  message,
		fields:   make(map[string]interface{}),
		file:     file,
		line:     line,
	}
}

// Wrap wraps an existing error with additional context. Returns nil when err
// is nil so call sites can wrap unconditionally.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: err,
		message:  message,
		fields:   make(map[string]interface{}),
		file:     file,
		line:     line,
	}
}

// WithField returns a copy of the error with one contextual field added.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+1),
		file:     e.file,
		line:     e.line,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	result.fields[key] = value
	return result
}

// Fields returns the contextual fields attached to the error.
func (e *Error) Fields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.message)
	if e.original != nil && e.original.Error() != e.message {
		b.WriteString(": ")
		b.WriteString(e.original.Error())
	}
	if len(e.fields) > 0 {
		b.WriteString(" (")
		first := true
		for _, k := range sortedKeys(e.fields) {
			if !first {
				b.WriteString(", ")
			}
			first = false
			fmt.Fprintf(&b, "%s=%v", k, e.fields[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file and line where the error was created.
func (e *Error) Location() (string, int) {
	if e == nil {
		return "", 0
	}
	return e.file, e.line
}

// Is reports whether target matches this error or its cause.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
