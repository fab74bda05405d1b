package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"greendrake/emailbuilder/internal/api/middleware"
	"greendrake/emailbuilder/internal/services"
	"greendrake/emailbuilder/internal/storage"
)

// Error kinds reported in the "code" field of error responses.
const (
	CodeInvalidAssetType = "InvalidAssetType"
	CodeAssetTooLarge    = "AssetTooLarge"
	CodeBadRequest       = "BadRequest"
	CodeNotFound         = "NotFound"
	CodeInternalError    = "InternalError"
)

// ApiError is an error that knows its HTTP representation.
type ApiError struct {
	Status  int
	Code    string
	Message string
}

func (e *ApiError) Error() string {
	return e.Message
}

func NewApiError(status int, code, message string) *ApiError {
	return &ApiError{Status: status, Code: code, Message: message}
}

func badRequest(message string) *ApiError {
	return NewApiError(http.StatusBadRequest, CodeBadRequest, message)
}

// classify maps domain errors onto API errors. Anything unknown is an internal error.
func classify(err error) *ApiError {
	var apiErr *ApiError
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, storage.ErrInvalidAssetType):
		return NewApiError(http.StatusUnsupportedMediaType, CodeInvalidAssetType, err.Error())
	case errors.Is(err, storage.ErrAssetTooLarge), errors.As(err, &maxBytesErr):
		return NewApiError(http.StatusRequestEntityTooLarge, CodeAssetTooLarge, "File too large")
	case errors.Is(err, services.ErrNoEmailConfig):
		return NewApiError(http.StatusNotFound, CodeNotFound, "No email configuration found.")
	default:
		return NewApiError(http.StatusInternalServerError, CodeInternalError, "An internal error occurred.")
	}
}

// abortWithError writes err as a JSON error response. Internal errors are logged
// with the underlying cause, which is never sent to the client.
func abortWithError(c *gin.Context, err error) {
	apiErr := classify(err)
	entry := logrus.WithError(err).WithFields(logrus.Fields{
		"path":       c.FullPath(),
		"request_id": c.GetString(middleware.ContextKeyRequestID),
		"code":       apiErr.Code,
	})
	if apiErr.Status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(apiErr.Status, gin.H{"error": apiErr.Message, "code": apiErr.Code})
}
