package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// JSend envelope statuses: fail is the caller's fault, error is ours.
const (
	statusSuccess = "success"
	statusFail    = "fail"
	statusError   = "error"
)

type jsendResponse struct {
	Status    string `json:"status"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      int    `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func respond(c echo.Context, code int, body jsendResponse) error {
	if body.Status != statusSuccess {
		body.RequestID = c.Response().Header().Get(echo.HeaderXRequestID)
	}
	return c.JSON(code, body)
}

func success(c echo.Context, data any) error {
	return successWithStatus(c, http.StatusOK, data)
}

func successWithStatus(c echo.Context, code int, data any) error {
	return respond(c, code, jsendResponse{Status: statusSuccess, Data: data})
}

func fail(c echo.Context, code int, message string, data any) error {
	return respond(c, code, jsendResponse{Status: statusFail, Message: message, Data: data})
}

// failValidation reports per-field problems under data.validation_errors.
func failValidation(c echo.Context, fieldErrors map[string]string) error {
	return fail(c, http.StatusBadRequest, "Validation failed", map[string]any{
		"validation_errors": fieldErrors,
	})
}

func failNotFound(c echo.Context, message string) error {
	return fail(c, http.StatusNotFound, message, nil)
}

func failUnauthorized(c echo.Context, realm string) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="`+realm+`"`)
	return fail(c, http.StatusUnauthorized, "Authentication required", nil)
}

func internalError(c echo.Context, message string) error {
	return respond(c, http.StatusInternalServerError, jsendResponse{
		Status:  statusError,
		Message: message,
		Code:    http.StatusInternalServerError,
	})
}
