// Package errors provides error wrapping utilities and the error kinds
// reported by the build workflow.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Error kinds. Match them with errors.Is.
var (
	ErrLookup       = stderrors.New("lookup failed")
	ErrNameConflict = stderrors.New("image name already exists")
	ErrProvisioning = stderrors.New("provisioning failed")
	ErrConnection   = stderrors.New("connection failed")
	ErrTransfer     = stderrors.New("transfer failed")
	ErrTimeout      = stderrors.New("timed out")
	ErrValidation   = stderrors.New("invalid input")
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// OpError is a classified failure of a single operation.
type OpError struct {
	Kind error
	Op   string
	Err  error
}

// E builds an OpError of the given kind.
func E(kind error, op string, err error) error {
	return &OpError{Kind: kind, Op: op, Err: err}
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return stderrors.New(text)
}

// Classified reports whether err carries one of the workflow error kinds.
func Classified(err error) bool {
	for _, kind := range []error{ErrLookup, ErrNameConflict, ErrProvisioning, ErrConnection, ErrTransfer, ErrTimeout, ErrValidation} {
		if stderrors.Is(err, kind) {
			return true
		}
	}
	return false
}

var transientCodes = map[string]bool{
	"Throttling":                   true,
	"ThrottlingException":          true,
	"RequestLimitExceeded":         true,
	"RequestThrottled":             true,
	"ServiceUnavailable":           true,
	"Unavailable":                  true,
	"InternalError":                true,
	"InsufficientInstanceCapacity": true,
	"InvalidInstanceID.NotFound":   true,
}

var transientPatterns = []string{
	"throttl",
	"rate exceed",
	"too many requests",
	"request limit",
	"service unavailable",
	"internal server error",
	"connection reset",
	"connection refused",
	"i/o timeout",
	"tls handshake",
	"temporary failure",
}

// IsTransient reports whether err looks like a throttling or network hiccup
// that is worth retrying. Classified workflow errors are never transient.
func IsTransient(err error) bool {
	if err == nil || Classified(err) {
		return false
	}

	var ae smithy.APIError
	if stderrors.As(err, &ae) {
		if transientCodes[ae.ErrorCode()] {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
