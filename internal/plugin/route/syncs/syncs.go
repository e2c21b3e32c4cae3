package syncs

import (
	"net/http"

	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/plugin/route/apiutil"
	registryroute "github.com/chirino/commsync/internal/registry/route"
	"github.com/chirino/commsync/internal/security"
	"github.com/chirino/commsync/internal/service"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "syncs",
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

type triggerRequest struct {
	RecordType string   `json:"recordType"`
	RecordID   string   `json:"recordId"`
	Channels   []string `json:"channels"`
	Reason     string   `json:"reason"`
	Cheap      bool     `json:"cheap"`
}

// MountRoutes mounts the sync trigger routes.
func MountRoutes(r *gin.Engine, syncs *service.Syncs, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/syncs", func(c *gin.Context) {
		triggerSync(c, syncs)
	})
	g.GET("/syncs/:jobId", func(c *gin.Context) {
		getSync(c, syncs)
	})
}

func triggerSync(c *gin.Context, syncs *service.Syncs) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	channels := make([]model.Channel, 0, len(req.Channels))
	for _, ch := range req.Channels {
		channels = append(channels, model.Channel(ch))
	}
	reason := req.Reason
	if reason == "" {
		reason = "api"
	}

	res, err := syncs.Trigger(c.Request.Context(), security.GetTenantID(c), service.TriggerRequest{
		Record:   model.RecordRef{Type: req.RecordType, ID: req.RecordID},
		Channels: channels,
		Reason:   reason,
		Cheap:    req.Cheap,
	})
	if err != nil {
		apiutil.HandleError(c, err)
		return
	}
	if req.Cheap {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func getSync(c *gin.Context, syncs *service.Syncs) {
	id, ok := apiutil.UUIDParam(c, "jobId", "sync job")
	if !ok {
		return
	}
	job, err := syncs.Job(c.Request.Context(), security.GetTenantID(c), id)
	if err != nil {
		apiutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
