// Package handlers implements the HTTP surface: knowledge bases,
// documents, search, conversations, agent runs, and health.
package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
)

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// respondError writes the standard error envelope with the status
// derived from the error's kind.
func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{
		Kind:    string(kind),
		Message: err.Error(),
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Details = appErr.Details
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), errorEnvelope{Error: body})
}
