package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a categorized error type
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig ErrorCode = "MISSING_CONFIG"

	// Database errors
	ErrCodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	ErrCodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	ErrCodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"

	// Identity errors
	ErrCodeInvalidToken            ErrorCode = "AUTH_INVALID_TOKEN"
	ErrCodeTokenExpired            ErrorCode = "AUTH_TOKEN_EXPIRED"
	ErrCodeInsufficientPermissions ErrorCode = "AUTH_INSUFFICIENT_PERMISSIONS"
	ErrCodeServiceUnavailable      ErrorCode = "SERVICE_UNAVAILABLE"

	// Channel errors
	ErrCodeChannelConnection   ErrorCode = "CHANNEL_CONNECTION_FAILED"
	ErrCodeChannelNotFound     ErrorCode = "CHANNEL_NOT_FOUND"
	ErrCodeChannelNotConnected ErrorCode = "CHANNEL_NOT_CONNECTED"
	ErrCodeNotConnected        ErrorCode = "NOT_CONNECTED"
	ErrCodeUnsupportedChannel  ErrorCode = "UNSUPPORTED_CHANNEL"
	ErrCodeChannelConflict     ErrorCode = "CHANNEL_CONFLICT"
	ErrCodeSendFailed          ErrorCode = "SEND_FAILED"

	// Vault errors
	ErrCodeDecryption ErrorCode = "DECRYPTION_FAILED"
	ErrCodeEncryption ErrorCode = "ENCRYPTION_FAILED"

	// Broker errors
	ErrCodeBrokerUnavailable ErrorCode = "BROKER_UNAVAILABLE"

	// Validation errors
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// Security errors
	ErrCodeForbidden ErrorCode = "FORBIDDEN"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeTimeout       ErrorCode = "TIMEOUT"
)

// AppError is the error type every component returns across package
// boundaries. Code is stable and safe to show to clients; Message and Cause
// are for logs.
type AppError struct {
	Code        ErrorCode              `json:"code"`
	Message     string                 `json:"message"`
	Cause       error                  `json:"-"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Retryable   bool                   `json:"retryable"`
	UserMessage string                 `json:"user_message,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another AppError with the same code, so callers can test
// errors.Is(err, errors.New(code, "")).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithUserMessage overrides the client-facing message for the code.
func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to err.
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err}
}

// WrapRetryable is Wrap for failures the caller may retry.
func WrapRetryable(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err, Retryable: true}
}

// As returns the outermost AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func IsRetryable(err error) bool {
	appErr, ok := As(err)
	return ok && appErr.Retryable
}

// GetCode returns the code of the outermost AppError, or INTERNAL_ERROR for
// anything else.
func GetCode(err error) ErrorCode {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

var userMessages = map[ErrorCode]string{
	ErrCodeInvalidToken:            "Authentication token is invalid",
	ErrCodeTokenExpired:            "Authentication token has expired",
	ErrCodeInsufficientPermissions: "Missing required permission",
	ErrCodeServiceUnavailable:      "Service temporarily unavailable",
	ErrCodeChannelNotFound:         "Channel not found",
	ErrCodeChannelNotConnected:     "Channel is not connected",
	ErrCodeNotConnected:            "Channel is not connected",
	ErrCodeUnsupportedChannel:      "Channel type is not supported",
	ErrCodeChannelConflict:         "Channel already exists",
	ErrCodeSendFailed:              "Message could not be delivered",
	ErrCodeInvalidInput:            "Invalid request",
	ErrCodeValidationFailed:        "Invalid request",
	ErrCodeForbidden:               "Access denied",
	ErrCodeNotFound:                "Not found",
	ErrCodeTimeout:                 "Request timed out",
}

// GetUserMessage returns the message clients may see: the explicit user
// message, else a fixed message for the code. Internal details never leak.
func GetUserMessage(err error) string {
	appErr, ok := As(err)
	if !ok {
		return "An internal error occurred"
	}
	if appErr.UserMessage != "" {
		return appErr.UserMessage
	}
	if msg, ok := userMessages[appErr.Code]; ok {
		return msg
	}
	return "An internal error occurred"
}
