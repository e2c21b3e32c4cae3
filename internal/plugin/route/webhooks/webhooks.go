package webhooks

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/plugin/route/apiutil"
	registryroute "github.com/chirino/commsync/internal/registry/route"
	"github.com/chirino/commsync/internal/security"
	"github.com/chirino/commsync/internal/service"
	"github.com/gin-gonic/gin"
)

// DeliveryIDHeader carries the provider's delivery id. Without it the
// payload hash is used to deduplicate redeliveries.
const DeliveryIDHeader = "X-Delivery-ID"

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "webhooks",
		Order: 160,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts the provider push endpoint and the quarantine routes.
// The push endpoint is authenticated by the connection's signing secret,
// not by an API key.
func MountRoutes(r *gin.Engine, wp *service.WebhookProcessor, auth gin.HandlerFunc) {
	r.POST("/v1/webhooks/:connectionId", func(c *gin.Context) {
		receive(c, wp)
	})

	g := r.Group("/v1/quarantine", auth)
	g.GET("", func(c *gin.Context) {
		events, err := wp.Quarantined(c.Request.Context(), security.GetTenantID(c), apiutil.QueryInt(c, "limit", 100))
		if err != nil {
			apiutil.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": events})
	})
	g.POST("/:eventId/replay", func(c *gin.Context) {
		id, ok := apiutil.UUIDParam(c, "eventId", "webhook event")
		if !ok {
			return
		}
		ev, err := wp.Replay(c.Request.Context(), security.GetTenantID(c), id)
		if err != nil {
			apiutil.HandleError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, ev)
	})
}

// receive stores the raw payload. The body size limit is applied by the
// server middleware.
func receive(c *gin.Context, wp *service.WebhookProcessor) {
	id, ok := apiutil.UUIDParam(c, "connectionId", "connection")
	if !ok {
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	ev, created, err := wp.Receive(c.Request.Context(), id, strings.TrimSpace(c.GetHeader(DeliveryIDHeader)), c.GetHeader(security.SignatureHeader), body)
	if err != nil {
		log.Info("Webhook rejected", "connection", id, "err", err)
		apiutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": ev.ID, "status": ev.Status, "duplicate": !created})
}
