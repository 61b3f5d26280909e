package transfer

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an import or revert error.
type Code string

const (
	CodeArchiveUnavailable    Code = "ARCHIVE_UNAVAILABLE"
	CodeUnrecognizedFormat    Code = "UNRECOGNIZED_FORMAT"
	CodeCorruptArchive        Code = "CORRUPT_ARCHIVE"
	CodeMissingRequiredMember Code = "MISSING_REQUIRED_MEMBER"
	CodeReferenceUnresolved   Code = "REFERENCE_UNRESOLVED"
	CodeStorageUnavailable    Code = "STORAGE_UNAVAILABLE"
	CodeStorageUnauthorized   Code = "STORAGE_UNAUTHORIZED"
	CodeIntegrityViolation    Code = "INTEGRITY_VIOLATION"
	CodeAlreadyReverted       Code = "ALREADY_REVERTED"
	CodeRevertForbidden       Code = "REVERT_FORBIDDEN"
	CodeFileMissingOnDisk     Code = "FILE_MISSING_ON_DISK"
	CodeSessionNotFound       Code = "SESSION_NOT_FOUND"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeSessionFinalized      Code = "SESSION_FINALIZED"
	CodeSessionReverted       Code = "SESSION_REVERTED"
	CodeInvalidRequest        Code = "INVALID_REQUEST"
)

// Soft reports whether errors of this code are handled per record (skip or null the
// field) instead of aborting the import.
func (c Code) Soft() bool {
	switch c {
	case CodeReferenceUnresolved, CodeStorageUnavailable, CodeStorageUnauthorized:
		return true
	}
	return false
}

// Error is a classified error raised by the engine or its collaborators.
type Error struct {
	Code       Code
	Op         string // operation that failed, e.g. "archive.open"
	Kind       Kind   // entity kind, when the error concerns one record
	OriginalID int64  // archive id of that record
	Message    string
	Err        error
}

// Sentinels for errors.Is. Matching compares codes only.
var (
	ErrArchiveUnavailable    = &Error{Code: CodeArchiveUnavailable}
	ErrUnrecognizedFormat    = &Error{Code: CodeUnrecognizedFormat}
	ErrCorruptArchive        = &Error{Code: CodeCorruptArchive}
	ErrMissingRequiredMember = &Error{Code: CodeMissingRequiredMember}
	ErrReferenceUnresolved   = &Error{Code: CodeReferenceUnresolved}
	ErrStorageUnavailable    = &Error{Code: CodeStorageUnavailable}
	ErrStorageUnauthorized   = &Error{Code: CodeStorageUnauthorized}
	ErrIntegrityViolation    = &Error{Code: CodeIntegrityViolation}
	ErrAlreadyReverted       = &Error{Code: CodeAlreadyReverted}
	ErrRevertForbidden       = &Error{Code: CodeRevertForbidden}
	ErrFileMissingOnDisk     = &Error{Code: CodeFileMissingOnDisk}
	ErrSessionNotFound       = &Error{Code: CodeSessionNotFound}
	ErrUnauthorized          = &Error{Code: CodeUnauthorized}
	ErrSessionFinalized      = &Error{Code: CodeSessionFinalized}
	ErrSessionReverted       = &Error{Code: CodeSessionReverted}
	ErrInvalidRequest        = &Error{Code: CodeInvalidRequest}
)

// NewError builds a classified error wrapping cause.
func NewError(code Code, op string, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

// Errorf builds a classified error with a formatted message.
func Errorf(code Code, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Code))
	if e.Kind != "" {
		fmt.Fprintf(&b, " (%s #%d)", e.Kind, e.OriginalID)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first classified error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// RevertForbiddenReason returns the stored reason carried by a RevertForbidden error.
func RevertForbiddenReason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeRevertForbidden {
		return e.Message
	}
	return ""
}
