package records

import (
	"net/http"

	"github.com/chirino/commsync/internal/plugin/route/apiutil"
	registryroute "github.com/chirino/commsync/internal/registry/route"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/chirino/commsync/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "records",
		Order: 110,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts the per-record read routes: sync status, job history,
// links and linked conversations.
func MountRoutes(r *gin.Engine, store registrystore.SyncStore, auth gin.HandlerFunc) {
	g := r.Group("/v1/records/:recordType/:recordId", auth)

	g.GET("/sync-status", func(c *gin.Context) {
		syncStatus(c, store)
	})
	g.GET("/syncs", func(c *gin.Context) {
		listSyncs(c, store)
	})
	g.GET("/links", func(c *gin.Context) {
		listLinks(c, store)
	})
	g.GET("/conversations", func(c *gin.Context) {
		listConversations(c, store)
	})
}

func syncStatus(c *gin.Context, store registrystore.SyncStore) {
	ref := apiutil.RecordParam(c)
	statuses, err := store.RecordSyncStatus(c.Request.Context(), security.GetTenantID(c), ref)
	if err != nil {
		apiutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recordType": ref.Type, "recordId": ref.ID, "channels": statuses})
}

func listSyncs(c *gin.Context, store registrystore.SyncStore) {
	jobs, err := store.ListSyncJobs(c.Request.Context(), security.GetTenantID(c), apiutil.RecordParam(c), apiutil.QueryInt(c, "limit", 20))
	if err != nil {
		apiutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": jobs})
}

func listLinks(c *gin.Context, store registrystore.SyncStore) {
	links, err := store.ListRecordLinks(c.Request.Context(), security.GetTenantID(c), apiutil.RecordParam(c), apiutil.QueryBool(c, "includeDeleted"))
	if err != nil {
		apiutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": links})
}

func listConversations(c *gin.Context, store registrystore.SyncStore) {
	convs, err := store.ListRecordConversations(c.Request.Context(), security.GetTenantID(c), apiutil.RecordParam(c))
	if err != nil {
		apiutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": convs})
}
