// Package errkind classifies errors into a small set of abstract kinds. The
// layer that knows the kind of a failure (the IDM bus, the OCI packer, the
// reconciler, the control handlers) wraps it in an *Error carrying a Kind;
// other errors travel as plain wrapped errors (fmt.Errorf, %w) and count as
// Internal. The control surface maps the Kind to a gRPC status code.
package errkind

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is one of the abstract error kinds the control surface reports.
type Kind string

const (
	NotFound           Kind = "not_found"
	AlreadyExists      Kind = "already_exists"
	InvalidArgument    Kind = "invalid_argument"
	PreconditionFailed Kind = "precondition_failed"
	DeviceBusy         Kind = "device_busy"
	ImageResolveFailed Kind = "image_resolve_failed"
	ImageFetchFailed   Kind = "image_fetch_failed"
	ImagePackFailed    Kind = "image_pack_failed"
	HypervisorError    Kind = "hypervisor_error"
	NetworkError       Kind = "network_error"
	Timeout            Kind = "timeout"
	Cancelled          Kind = "cancelled"
	StoreCorruption    Kind = "store_corruption"
	Internal           Kind = "internal"
)

// Error wraps an internal error with the Kind the control surface should
// report it as.
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
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err (or any error it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// OfKind extracts the Kind from err, defaulting to Internal for plain,
// unclassified errors — every internal failure that reaches the control
// surface without explicit classification is treated as opaque.
func OfKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// grpcCode maps each Kind to the gRPC status code the control surface
// reports it as.
var grpcCode = map[Kind]codes.Code{
	NotFound:           codes.NotFound,
	AlreadyExists:      codes.AlreadyExists,
	InvalidArgument:    codes.InvalidArgument,
	PreconditionFailed: codes.FailedPrecondition,
	DeviceBusy:         codes.FailedPrecondition,
	ImageResolveFailed: codes.Unavailable,
	ImageFetchFailed:   codes.Unavailable,
	ImagePackFailed:    codes.Internal,
	HypervisorError:    codes.Internal,
	NetworkError:       codes.Unavailable,
	Timeout:            codes.DeadlineExceeded,
	Cancelled:          codes.Canceled,
	StoreCorruption:    codes.Internal,
	Internal:           codes.Internal,
}

// Status converts err to a gRPC status, classifying it by Kind first. This
// is the only place in the module that should import google.golang.org/grpc
// status machinery — every other layer deals in plain Go errors.
func Status(err error) error {
	if err == nil {
		return nil
	}
	kind := OfKind(err)
	code, ok := grpcCode[kind]
	if !ok {
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// Retryable reports whether a Kind represents a transient condition worth
// retrying: connection/availability failures are retryable, validation and
// conflict failures are not.
func Retryable(k Kind) bool {
	switch k {
	case ImageResolveFailed, ImageFetchFailed, NetworkError, Timeout:
		return true
	default:
		return false
	}
}
