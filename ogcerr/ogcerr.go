// Package ogcerr defines the error taxonomy the core reports through:
// configuration mistakes, capabilities-fetch/parse failures, OGC service
// exceptions returned by a remote server, transport-level failures, bad
// response content, and extent/transform failures.
package ogcerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error so callers can decide whether the provider is
// still usable afterward.
type Kind int

const (
	// Config means the source URI could not be parsed, layers/styles
	// lengths differ, or an unknown CRS was requested.
	Config Kind = iota
	// Capabilities means the capabilities document could not be
	// fetched or parsed.
	Capabilities
	// Service means the remote server replied with a ServiceExceptionReport.
	Service
	// Transport means an HTTP-level failure occurred.
	Transport
	// Content means the response body was neither a recognised image
	// nor XML, or failed to decode.
	Content
	// Extent means a bounding-box transform failed or produced a
	// non-finite result.
	Extent
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "ConfigError"
	case Capabilities:
		return "CapabilitiesError"
	case Service:
		return "ServiceException"
	case Transport:
		return "TransportError"
	case Content:
		return "ContentError"
	case Extent:
		return "ExtentError"
	default:
		return "UnknownError"
	}
}

// Fatal reports whether an error of this kind renders the provider invalid
// and should abort further operations (§7: CapabilitiesError and
// ConfigError do; the rest are logged and the originating request dropped).
func (k Kind) Fatal() bool {
	return k == Config || k == Capabilities
}

// Error is the structured error type surfaced by every package in this
// module. Title/Message split mirrors the façade's lastErrorTitle/lastError
// pair (§7).
type Error struct {
	Kind    Kind
	Title   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Title, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Title, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with a formatted message.
func New(kind Kind, title, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Title: title, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind/title context to an existing error, matching the
// pkg/errors idiom the rest of the module uses at package boundaries.
func Wrap(kind Kind, title string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Title: title, Message: cause.Error(), Cause: errors.WithStack(cause)}
}

// Wrapf is Wrap with a title built from format and args.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	if cause == nil {
		return nil
	}
	return Wrap(kind, fmt.Sprintf(format, args...), cause)
}

// ServiceExceptionCode enumerates the coded ServiceException values §4.4
// recognises when routing a text/xml response.
type ServiceExceptionCode string

const (
	InvalidFormat      ServiceExceptionCode = "InvalidFormat"
	InvalidCRS         ServiceExceptionCode = "InvalidCRS"
	LayerNotDefined    ServiceExceptionCode = "LayerNotDefined"
	StyleNotDefined    ServiceExceptionCode = "StyleNotDefined"
	LayerNotQueryable  ServiceExceptionCode = "LayerNotQueryable"
	InvalidPoint       ServiceExceptionCode = "InvalidPoint"
	CurrentUpdateSeq   ServiceExceptionCode = "CurrentUpdateSequence"
	InvalidUpdateSeq   ServiceExceptionCode = "InvalidUpdateSequence"
	MissingDimVal      ServiceExceptionCode = "MissingDimensionValue"
	InvalidDimVal      ServiceExceptionCode = "InvalidDimensionValue"
	OperationNotSupptd ServiceExceptionCode = "OperationNotSupported"
	UnknownException   ServiceExceptionCode = ""
)

// ServiceException is the decoded form of a ServiceExceptionReport.
type ServiceException struct {
	Code ServiceExceptionCode
	Text string
}

func (s *ServiceException) Error() string {
	if s.Code == UnknownException {
		return "service exception: " + s.Text
	}
	return fmt.Sprintf("service exception [%s]: %s", s.Code, s.Text)
}
