package errors

import (
	"github.com/sirupsen/logrus"
)

// Fields returns the structured fields carried by an AppError.
func Fields(err error) logrus.Fields {
	fields := logrus.Fields{}
	appErr, ok := As(err)
	if !ok {
		return fields
	}
	fields["error_code"] = appErr.Code
	fields["retryable"] = appErr.Retryable
	for k, v := range appErr.Context {
		fields[k] = v
	}
	return fields
}

// LogError logs an error with structured context
func LogError(entry *logrus.Entry, err error, message string) {
	entry.WithError(err).WithFields(Fields(err)).Error(message)
}

// LogWarn logs a warning with structured context
func LogWarn(entry *logrus.Entry, err error, message string) {
	entry.WithError(err).WithFields(Fields(err)).Warn(message)
}

// LogRetryableError logs a retryable error at warn level, non-retryable at error level
func LogRetryableError(entry *logrus.Entry, err error, message string) {
	if IsRetryable(err) {
		LogWarn(entry, err, message)
		return
	}
	LogError(entry, err, message)
}
