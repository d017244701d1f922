package errors

import (
	"fmt"
	"net/http"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewInvalidInputError wraps a payload validation failure.
func NewInvalidInputError(err error) *AppError {
	return Wrap(err, ErrCodeInvalidInput, "invalid input").
		WithUserMessage(err.Error())
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewAuthError creates an identity error. code must be one of the AUTH_* codes
// or SERVICE_UNAVAILABLE; only the latter is retryable.
func NewAuthError(code ErrorCode, reason string) *AppError {
	err := New(code, "authentication failed").WithContext("reason", reason)
	switch code {
	case ErrCodeTokenExpired:
		err.UserMessage = "Token expired"
	case ErrCodeInsufficientPermissions:
		err.UserMessage = "Insufficient permissions"
	case ErrCodeServiceUnavailable:
		err.UserMessage = "Identity service unavailable"
		err.Retryable = true
	default:
		err.UserMessage = "Invalid token"
	}
	return err
}

// NewForbiddenError rejects an operation on a resource owned by another tenant.
func NewForbiddenError(resource, identifier string) *AppError {
	return New(ErrCodeForbidden, fmt.Sprintf("access to %s denied", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage("Access denied")
}

// NewChannelConnectionError wraps a platform connect failure.
func NewChannelConnectionError(channelType string, err error) *AppError {
	return WrapRetryable(err, ErrCodeChannelConnection, fmt.Sprintf("%s connection failed", channelType)).
		WithContext("channel_type", channelType).
		WithUserMessage("Channel connection failed")
}

// NewChannelNotFoundError is returned when no adapter is registered for a channel.
func NewChannelNotFoundError(channelID string) *AppError {
	return New(ErrCodeChannelNotFound, "channel not registered").
		WithContext("channel_id", channelID).
		WithUserMessage("Channel not found")
}

// NewChannelNotConnectedError is returned when a registered adapter is not connected.
func NewChannelNotConnectedError(channelID, status string) *AppError {
	return New(ErrCodeChannelNotConnected, "channel not connected").
		WithContext("channel_id", channelID).
		WithContext("status", status).
		WithUserMessage("Channel is not connected")
}

// NewNotConnectedError is returned by an adapter asked to send while not connected.
func NewNotConnectedError(channelType, status string) *AppError {
	return New(ErrCodeNotConnected, fmt.Sprintf("%s adapter not connected", channelType)).
		WithContext("channel_type", channelType).
		WithContext("status", status)
}

// NewUnsupportedChannelError is returned for a channel type without a registered factory.
func NewUnsupportedChannelError(channelType string) *AppError {
	return New(ErrCodeUnsupportedChannel, "unsupported channel type").
		WithContext("channel_type", channelType).
		WithUserMessage(fmt.Sprintf("Channel type %q is not supported", channelType))
}

// NewSendError wraps a platform send failure.
func NewSendError(channelType string, err error) *AppError {
	return Wrap(err, ErrCodeSendFailed, fmt.Sprintf("%s send failed", channelType)).
		WithContext("channel_type", channelType).
		WithUserMessage("Message delivery failed")
}

// NewDecryptionError never carries any part of the record.
func NewDecryptionError(reason string, err error) *AppError {
	return Wrap(err, ErrCodeDecryption, "decryption failed").
		WithContext("reason", reason)
}

// NewBrokerError wraps a broker publish/subscribe failure.
func NewBrokerError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeBrokerUnavailable, fmt.Sprintf("broker %s failed", operation)).
		WithContext("operation", operation)
}

// HTTP helpers

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig, ErrCodeUnsupportedChannel:
		return http.StatusBadRequest
	case ErrCodeInvalidToken, ErrCodeTokenExpired:
		return http.StatusUnauthorized
	case ErrCodeInsufficientPermissions, ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound, ErrCodeChannelNotFound:
		return http.StatusNotFound
	case ErrCodeChannelConflict:
		return http.StatusConflict
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeChannelNotConnected, ErrCodeNotConnected, ErrCodeSendFailed, ErrCodeChannelConnection:
		return http.StatusBadGateway
	case ErrCodeServiceUnavailable, ErrCodeBrokerUnavailable,
		ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse creates a standardized HTTP error response
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

var sensitiveContextKeys = map[string]bool{
	"password": true,
	"token":    true,
	"secret":   true,
	"config":   true,
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	appErr, ok := As(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	if len(appErr.Context) > 0 {
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			if !sensitiveContextKeys[k] {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}

	return response
}
