// Package apiutil holds request helpers shared by the route plugins.
package apiutil

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/model"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/chirino/commsync/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HandleError writes the HTTP response for err. Unknown errors are logged
// and reported without detail.
func HandleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError
	var throttled *service.ThrottledError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		body := gin.H{"error": err.Error()}
		if conflict.Code != "" {
			body["code"] = conflict.Code
		}
		if len(conflict.Details) > 0 {
			body["details"] = conflict.Details
		}
		c.JSON(http.StatusConflict, body)
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	case errors.As(err, &throttled):
		c.Header("Retry-After", RetryAfterSeconds(throttled.RetryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{"code": "throttled", "error": err.Error()})
	default:
		log.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func QueryPtr(c *gin.Context, key string) *string {
	v := c.Query(key)
	if v == "" {
		return nil
	}
	return &v
}

func QueryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func QueryBool(c *gin.Context, key string) bool {
	b, _ := strconv.ParseBool(c.Query(key))
	return b
}

// UUIDParam parses a path parameter. A malformed id is reported as not found.
func UUIDParam(c *gin.Context, name, resource string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": resource + " not found"})
		return uuid.Nil, false
	}
	return id, true
}

// RecordParam reads the :recordType and :recordId path parameters.
func RecordParam(c *gin.Context) model.RecordRef {
	return model.RecordRef{Type: c.Param("recordType"), ID: c.Param("recordId")}
}

// RetryAfterSeconds formats d for a Retry-After header, never below one second.
func RetryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(d.Seconds()))))
}
