package events

import (
	"net/http"
	"strconv"

	"github.com/chirino/commsync/internal/plugin/route/apiutil"
	registryroute "github.com/chirino/commsync/internal/registry/route"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/chirino/commsync/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "events",
		Order: 140,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts the outbox read route. Consumers poll with the last
// seq they saw as ?after.
func MountRoutes(r *gin.Engine, store registrystore.SyncStore, auth gin.HandlerFunc) {
	r.GET("/v1/events", auth, func(c *gin.Context) {
		var after int64
		if v := c.Query("after"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid after", "field": "after"})
				return
			}
			after = n
		}
		events, err := store.ListEvents(c.Request.Context(), security.GetTenantID(c), after, apiutil.QueryInt(c, "limit", 100))
		if err != nil {
			apiutil.HandleError(c, err)
			return
		}
		next := after
		if len(events) > 0 {
			next = events[len(events)-1].Seq
		}
		c.JSON(http.StatusOK, gin.H{"data": events, "after": next})
	})
}
