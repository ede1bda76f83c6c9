package query

import "errors"

// Kind is a public error category a transport maps to a status code
// (spec §7 "Query handlers map internal errors to public kinds").
// Internal diagnostics are logged by the caller and stripped from
// responses, not embedded in these sentinels.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalidRequest
	KindUnauthorized
)

// Error is a query-layer error tagged with its public Kind.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// NotFound reports an unknown resource.
func NotFound(message string) error { return newError(KindNotFound, message, nil) }

// InvalidRequest reports a malformed request, e.g. an undecodable
// cursor.
func InvalidRequest(message string, cause error) error {
	return newError(KindInvalidRequest, message, cause)
}

// Unauthorized reports a principal without sufficient permission.
func Unauthorized(message string) error { return newError(KindUnauthorized, message, nil) }

// Internal wraps an unexpected lower-layer error.
func Internal(cause error) error { return newError(KindInternal, "internal error", cause) }

// As reports err's Kind, defaulting to KindInternal for untagged errors.
func As(err error) Kind {
	var qerr *Error
	if errors.As(err, &qerr) {
		return qerr.Kind
	}
	return KindInternal
}
