package async

import (
	"context"
	"strings"

	"github.com/teranos/studioos/errors"
)

// ErrorCode classifies a failed attempt for operators and the UI
type ErrorCode string

const (
	ErrorCodeAssetNotFound ErrorCode = "asset_not_found"
	ErrorCodeDecode        ErrorCode = "decode_error"
	ErrorCodeNetwork       ErrorCode = "network_error"
	ErrorCodeDatabase      ErrorCode = "database_error"
	ErrorCodeValidation    ErrorCode = "validation_error"
	ErrorCodeProcessor     ErrorCode = "processor_error"
	ErrorCodeNoHandler     ErrorCode = "no_handler"
	ErrorCodeTimeout       ErrorCode = "timeout"
	ErrorCodePanic         ErrorCode = "panic"
	ErrorCodeInterrupted   ErrorCode = "interrupted"
	ErrorCodeUnknown       ErrorCode = "unknown"
)

// ErrorContext provides structured error information for a failed attempt
type ErrorContext struct {
	Code    ErrorCode
	Message string
}

// codedError carries an explicit classification through wrapping
type codedError struct {
	code ErrorCode
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// WithCode attaches an explicit ErrorCode to err
func WithCode(err error, code ErrorCode) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// ClassifyError categorizes an error. Explicit codes win; otherwise the
// message is matched against known patterns.
func ClassifyError(err error) ErrorContext {
	if err == nil {
		return ErrorContext{Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ctx := ErrorContext{Message: err.Error()}

	var coded *codedError
	if errors.As(err, &coded) {
		ctx.Code = coded.code
		return ctx
	}

	errLower := strings.ToLower(ctx.Message)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrTimeout) ||
		strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out"):
		ctx.Code = ErrorCodeTimeout

	case errors.Is(err, errors.ErrNotFound) || strings.Contains(errLower, "no such file"):
		ctx.Code = ErrorCodeAssetNotFound

	case strings.Contains(errLower, "unmarshal") || strings.Contains(errLower, "invalid json") || strings.Contains(errLower, "decode"):
		ctx.Code = ErrorCodeDecode

	case strings.Contains(errLower, "connection") || strings.Contains(errLower, "network") || strings.Contains(errLower, "dial"):
		ctx.Code = ErrorCodeNetwork

	case strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
		ctx.Code = ErrorCodeDatabase

	case errors.Is(err, errors.ErrInvalidRequest) || strings.Contains(errLower, "invalid"):
		ctx.Code = ErrorCodeValidation

	default:
		ctx.Code = ErrorCodeUnknown
	}

	return ctx
}
