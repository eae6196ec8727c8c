// Package handlers implements the HTTP endpoints of the integration API.
//
// Every error leaves through fail as an ErrorResponse carrying a stable code
// from errors.go and the request ID, so a client report can be matched to
// the server log line:
//
//	HTTP/1.1 409 Conflict
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "conflict",
//	  "message": "job is not cancellable"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/portal-integrator/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by all endpoints.
type ErrorResponse struct {
	// Echo of X-Request-ID
	RequestID string `json:"request_id,omitempty" example:"e1b9be03-4999-4289-9f03-999b042d65d6"`
	// Machine-readable code, see errors.go
	Code string `json:"code" example:"not_found"`
	// Human-readable message
	Message string `json:"message" example:"job not found"`
}

// fail aborts with an ErrorResponse. Server errors are logged with the
// request-scoped logger, client errors at debug level.
func fail(c *gin.Context, status int, code, msg string) {
	lg := middleware.LoggerFrom(c)
	ev := lg.Debug()
	if status >= http.StatusInternalServerError {
		ev = lg.Error()
	}
	ev.Int("status", status).
		Str("code", code).
		Str("tenant_id", tenantID(c)).
		Msg(msg)

	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail lets the router write fallback errors in the same envelope.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) { c.JSON(status, body) }

func noContent(c *gin.Context) { c.Status(http.StatusNoContent) }

// notModified sets the ETag header and, when If-None-Match carries the same
// tag, answers 304 and reports true.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}
