// Package hosterr defines the error taxonomy shared by every plugin-host
// subsystem. It mirrors the EngineError/ErrorKind shape the JS engine
// abstraction layer uses internally, generalized to the whole host so
// callers can compare error kinds instead of matching strings.
package hosterr

import "github.com/pkg/errors"

// Kind enumerates the structural failure categories a host operation can
// return. Values are stable strings so they can be logged or serialized
// into an admin API response directly.
type Kind string

const (
	InvalidId        Kind = "invalid_id"
	InvalidManifest  Kind = "invalid_manifest"
	BadArchive       Kind = "bad_archive"
	PathTraversal    Kind = "path_traversal"
	ManifestMissing  Kind = "manifest_missing"
	MissingSignature Kind = "missing_signature"
	InvalidSignature Kind = "invalid_signature"
	BadSignature     Kind = "bad_signature"
	Quota            Kind = "quota"
	NotFound         Kind = "not_found"
	Timeout          Kind = "timeout"
	HookFault        Kind = "hook_fault"
	IoError          Kind = "io_error"
)

// Error is the concrete type returned by host operations whenever a
// structural failure needs a stable kind attached. Wrap with Cause to
// keep the underlying error for logs while still exposing Kind for
// control flow.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether the first *Error found in err's wrap chain has the
// given kind, as in hosterr.Is(err, hosterr.InvalidId); the admin API
// uses it to map errors to HTTP status codes.
func Is(err error, kind Kind) bool {
	var he *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			he = e
			break
		}
		err = errors.Unwrap(err)
	}
	return he != nil && he.Kind == kind
}
