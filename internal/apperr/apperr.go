// Package apperr classifies pipeline failures so callers can tell user mistakes
// from upstream outages and timeouts.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the broad failure class.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindExternalService
	KindTimeout
	KindDegraded
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindExternalService:
		return "external_service_failure"
	case KindTimeout:
		return "timeout"
	case KindDegraded:
		return "degraded_result"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

var (
	ErrMissingAudio      = errors.New("no audio file uploaded")
	ErrInvalidFileType   = errors.New("invalid file type")
	ErrMissingField      = errors.New("missing required field")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrUnsupportedModel  = errors.New("unsupported model size")
	ErrUnsupportedLang   = errors.New("unsupported language")
	ErrDownload          = errors.New("download failed")
	ErrExtraction        = errors.New("audio extraction failed")
	ErrSilentAudio       = errors.New("audio is silent")
	ErrModelLoad         = errors.New("model load failed")
	ErrDecode            = errors.New("decode failed")
	ErrTimeout           = errors.New("operation timed out")
	ErrNotFound          = errors.New("not found")
	ErrTooLarge          = errors.New("payload too large")
	ErrBusy              = errors.New("server busy")
)

// Error carries a Kind, the failing operation and a sentinel code.
type Error struct {
	Kind Kind
	Op   string
	Code error
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Code, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Code)
	default:
		return fmt.Sprint(e.Code)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Err}
}

// New builds an Error. A deadline in err promotes the error to KindTimeout.
func New(kind Kind, op string, code error, err error) *Error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Code: ErrTimeout, Err: fmt.Errorf("%v: %w", code, err)}
	}
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}

func Invalid(op string, code error, err error) *Error {
	return New(KindInvalidInput, op, code, err)
}

func External(op string, code error, err error) *Error {
	return New(KindExternalService, op, code, err)
}

func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Code: ErrTimeout, Err: err}
}

func NotFound(op string, err error) *Error {
	return &Error{Kind: KindNotFound, Op: op, Code: ErrNotFound, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// HTTPStatus maps an error to a response status. Client input over a size
// limit is 413; an oversized remote download stays an upstream failure.
func HTTPStatus(err error) int {
	if KindOf(err) == KindInvalidInput && errors.Is(err, ErrTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
