package api

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gatherly/gatherly/internal/registry"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func NewBadRequestError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    lower(http.StatusText(http.StatusBadRequest)),
	}
}

func NewNotFoundError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Message:    lower(http.StatusText(http.StatusNotFound)),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewUnauthorizedError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusUnauthorized,
		Message:    lower(http.StatusText(http.StatusUnauthorized)),
	}
}

func NewForbiddenError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusForbidden,
		Message:    lower(http.StatusText(http.StatusForbidden)),
	}
}

func NewConflictError(message string) *ApiError {
	return &ApiError{
		StatusCode: http.StatusConflict,
		Message:    message,
	}
}

// fromRegistryError translates registry errors into HTTP responses.
// ConflictError never reaches this point: the registry resolves create
// races internally.
func fromRegistryError(err error) *ApiError {
	var (
		authErr       *registry.AuthorizationError
		notFoundErr   *registry.NotFoundError
		transitionErr *registry.InvalidTransitionError
		validationErr *registry.ValidationError
	)

	switch {
	case errors.As(err, &authErr):
		return NewForbiddenError()
	case errors.As(err, &notFoundErr):
		return NewNotFoundError()
	case errors.As(err, &transitionErr):
		return NewConflictError(transitionErr.Error())
	case errors.As(err, &validationErr):
		return &ApiError{StatusCode: http.StatusBadRequest, Message: validationErr.Error()}
	case errors.Is(err, sql.ErrNoRows):
		return NewNotFoundError()
	default:
		return NewInternalServerError(err)
	}
}
