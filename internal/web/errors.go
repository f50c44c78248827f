package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/kbase/internal/model"
)

type errorBody struct {
	Code    model.ErrorCode    `json:"code"`
	Message string             `json:"message"`
	Fields  []model.FieldError `json:"fields,omitempty"`
}

// statusFor maps an error code to its HTTP status.
func statusFor(code model.ErrorCode) int {
	switch code {
	case model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// abortWithError writes err as {"error": {...}}. Storage failures are
// logged and only their summary message is returned.
func (s *Server) abortWithError(c *gin.Context, err error) {
	body := errorBody{Code: model.CodeOf(err), Message: err.Error()}

	var me *model.Error
	hasModel := errors.As(err, &me)
	if hasModel {
		body.Fields = me.Fields
	}

	status := statusFor(body.Code)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		body.Message = "internal storage error"
		if hasModel {
			body.Message = me.Message
		}
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

func badRequest(field, message string) error {
	return model.NewValidationError("invalid request", model.FieldError{Field: field, Message: message})
}
