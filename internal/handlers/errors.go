package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Error codes returned in the "error" field of failed responses
const (
	CodeMissingParameter = "MissingParameter"
	CodeInvalidURL       = "InvalidURL"
	CodeUpstreamError    = "UpstreamError"
	CodeUpstreamTimeout  = "UpstreamTimeout"
	CodeInternalError    = "InternalError"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success        bool      `json:"success"`
	Error          string    `json:"error"`
	Message        string    `json:"message"`
	UpstreamStatus int       `json:"upstream_status,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func respondError(c *gin.Context, status int, code, message string) {
	respondErrorBody(c, status, ErrorResponse{Error: code, Message: message})
}

func respondErrorBody(c *gin.Context, status int, body ErrorResponse) {
	body.Success = false
	body.RequestID = c.GetString(requestIDKey)
	body.Timestamp = time.Now().UTC()
	c.AbortWithStatusJSON(status, body)
}
