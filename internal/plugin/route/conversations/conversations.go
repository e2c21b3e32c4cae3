package conversations

import (
	"net/http"
	"time"

	"github.com/chirino/commsync/internal/plugin/route/apiutil"
	registryroute "github.com/chirino/commsync/internal/registry/route"
	"github.com/chirino/commsync/internal/security"
	"github.com/chirino/commsync/internal/service"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "conversations",
		Order: 120,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts conversation routes on the given router group.
// Called after store initialization so the store is available.
func MountRoutes(r *gin.Engine, messages *service.Messages, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/conversations/:conversationId/messages", func(c *gin.Context) {
		listMessages(c, messages)
	})
	g.POST("/conversations/:conversationId/pending-messages", func(c *gin.Context) {
		recordPending(c, messages)
	})
}

func listMessages(c *gin.Context, messages *service.Messages) {
	convID, ok := apiutil.UUIDParam(c, "conversationId", "conversation")
	if !ok {
		return
	}
	msgs, cursor, err := messages.List(c.Request.Context(), security.GetTenantID(c), convID,
		apiutil.QueryPtr(c, "afterCursor"), apiutil.QueryInt(c, "limit", 50))
	if err != nil {
		apiutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": msgs, "afterCursor": cursor})
}

func recordPending(c *gin.Context, messages *service.Messages) {
	convID, ok := apiutil.UUIDParam(c, "conversationId", "conversation")
	if !ok {
		return
	}
	var req struct {
		Content string     `json:"content"`
		SentAt  *time.Time `json:"sentAt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var sentAt time.Time
	if req.SentAt != nil {
		sentAt = *req.SentAt
	}
	msg, err := messages.RecordPending(c.Request.Context(), security.GetTenantID(c), convID, req.Content, sentAt)
	if err != nil {
		apiutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}
