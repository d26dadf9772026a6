package service

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to clients.
const (
	CodeDangerousExtension  = "DANGEROUS_EXTENSION"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeUploadNotFound      = "UPLOAD_NOT_FOUND"
	CodeInvalidChunk        = "INVALID_CHUNK"
	CodeSessionNotUploading = "SESSION_NOT_UPLOADING"
	CodeSizeMismatch        = "SIZE_MISMATCH"
	CodeFileNotFound        = "FILE_NOT_FOUND"
	CodeJobNotFound         = "JOB_NOT_FOUND"
	CodeJobNotCancellable   = "JOB_NOT_CANCELLABLE"
	CodeUnsupportedFormat   = "UNSUPPORTED_FORMAT"
	CodeArchiveTooLarge     = "ARCHIVE_TOO_LARGE"
	CodeUnsafeArchivePath   = "UNSAFE_ARCHIVE_PATH"
	CodeInternal            = "INTERNAL"
)

// Error is a service-level error with a stable code and HTTP status.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a typed service error.
func NewError(status int, code, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// AsServiceError unwraps a typed service error from err.
func AsServiceError(err error) (*Error, bool) {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr, true
	}
	return nil, false
}
