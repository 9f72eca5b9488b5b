package nfc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a specific class of reader error for programmatic handling.
type ErrorCode int

const (
	// CodeReaderUnavailable means no reader could be reached at all: the
	// PC/SC daemon is down, its socket is unreachable, or no reader is
	// attached. Distinct from "no card on the reader".
	CodeReaderUnavailable ErrorCode = iota + 100

	// CodeNoCard means the reader is healthy but empty.
	CodeNoCard

	// CodeTransientRead means a card operation failed mid-flight (card
	// pulled during a read, transport hiccup). The caller retries on the
	// next poll cycle; it must not be interpreted as removal.
	CodeTransientRead

	// CodeMalformedData means the tag's TLV/NDEF structure could not be
	// decoded.
	CodeMalformedData
)

func (c ErrorCode) String() string {
	switch c {
	case CodeReaderUnavailable:
		return "reader_unavailable"
	case CodeNoCard:
		return "no_card"
	case CodeTransientRead:
		return "transient_read"
	case CodeMalformedData:
		return "malformed_data"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error provides structured error information for reader operations.
type Error struct {
	Code    ErrorCode
	Op      string // Operation that failed (e.g., "ReadMemory", "Connect")
	Message string // Human-readable message
	Cause   error  // Underlying error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// NewReaderUnavailableError creates an error for an unreachable reader or daemon.
func NewReaderUnavailableError(op string, cause error) *Error {
	return &Error{
		Code:    CodeReaderUnavailable,
		Op:      op,
		Message: "no reader available",
		Cause:   cause,
	}
}

// NewNoCardError creates an error for an empty reader.
func NewNoCardError(op, reader string) *Error {
	return &Error{
		Code:    CodeNoCard,
		Op:      op,
		Message: fmt.Sprintf("no card present on reader %s", reader),
	}
}

// NewTransientReadError creates an error for a card operation that failed mid-flight.
func NewTransientReadError(op string, cause error) *Error {
	return &Error{
		Code:    CodeTransientRead,
		Op:      op,
		Message: "read failed",
		Cause:   cause,
	}
}

// NewMalformedDataError creates an error for undecodable tag memory.
func NewMalformedDataError(op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    CodeMalformedData,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// IsReaderUnavailable checks if an error indicates no reachable reader.
func IsReaderUnavailable(err error) bool {
	return hasCode(err, CodeReaderUnavailable)
}

// IsNoCard checks if an error indicates an empty reader.
func IsNoCard(err error) bool {
	return hasCode(err, CodeNoCard)
}

// IsTransientRead checks if an error indicates a retryable read failure.
func IsTransientRead(err error) bool {
	return hasCode(err, CodeTransientRead)
}

// IsMalformedData checks if an error indicates undecodable tag data.
func IsMalformedData(err error) bool {
	return hasCode(err, CodeMalformedData)
}

func hasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetErrorCode extracts the ErrorCode from an error if it is an *Error.
// Returns 0 if the error carries no code.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
