package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pagevfs/internal/shared"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// StatusFor maps an error kind to an HTTP status code.
func StatusFor(err error) int {
	switch shared.KindOf(err) {
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindPermissionDenied:
		return http.StatusForbidden
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindConflict:
		return http.StatusServiceUnavailable
	case shared.KindOutOfMemory:
		return http.StatusInsufficientStorage
	case shared.KindTimeout:
		return http.StatusGatewayTimeout
	case shared.KindCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	status := StatusFor(err)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Kind: shared.KindOf(err).String()})
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: msg})
}
