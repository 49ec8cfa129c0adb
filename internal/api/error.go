package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx answer from the backend.
type Error struct {
	Code    int    `json:"statusCode"`
	Message string `json:"message"`
}

func NewError(message string, code int) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("api: %d %s", e.Code, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized
}
