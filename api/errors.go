package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

const (
	CodeNotFound   = "NOT_FOUND"
	CodeBadRequest = "BAD_REQUEST"
	CodeValidation = "VALIDATION_ERROR"
	CodeInternal   = "INTERNAL_SERVER_ERROR"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func abort(c *gin.Context, status int, code, message string, details map[string]any) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestID(c),
	}})
}

func notFound(c *gin.Context, message string) {
	abort(c, http.StatusNotFound, CodeNotFound, message, nil)
}

func badRequest(c *gin.Context, message string) {
	abort(c, http.StatusBadRequest, CodeBadRequest, message, nil)
}

// internalError hides err from the client; the request logger records it.
func internalError(c *gin.Context, message string, err error) {
	_ = c.Error(err)
	abort(c, http.StatusInternalServerError, CodeInternal, message, nil)
}

// bindError renders a binding failure, with per-field details for
// validation errors.
func bindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		badRequest(c, "Invalid request body")
		return
	}
	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = validationMessage(fe)
	}
	abort(c, http.StatusBadRequest, CodeValidation, "Validation failed for one or more fields", details)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "uuid":
		return "Must be a valid UUID"
	case "oneof":
		return "Must be one of: " + fe.Param()
	default:
		return "Validation failed for tag: " + fe.Tag()
	}
}
