package connections

import (
	"net/http"
	"strings"

	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/plugin/route/apiutil"
	"github.com/chirino/commsync/internal/registry/provider"
	registryroute "github.com/chirino/commsync/internal/registry/route"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/chirino/commsync/internal/security"
	"github.com/chirino/commsync/internal/webhook"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "connections",
		Order: 150,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

type connectionRequest struct {
	Provider       string  `json:"provider"`
	BaseURL        string  `json:"baseUrl"`
	Token          string  `json:"token"`
	WebhookSecret  string  `json:"webhookSecret"`
	WebhookMapping string  `json:"webhookMapping"`
	SelfAddress    *string `json:"selfAddress"`
}

// MountRoutes mounts channel connection management. Credentials are write
// only; responses never include the token or webhook secret.
func MountRoutes(r *gin.Engine, store registrystore.SyncStore, mapper *webhook.Mapper, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/connections", func(c *gin.Context) {
		conns, err := store.ListConnections(c.Request.Context(), security.GetTenantID(c))
		if err != nil {
			apiutil.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": conns})
	})
	g.PUT("/connections/:channel", func(c *gin.Context) {
		putConnection(c, store, mapper)
	})
}

func putConnection(c *gin.Context, store registrystore.SyncStore, mapper *webhook.Mapper) {
	channel, ok := model.ParseChannel(c.Param("channel"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "unknown channel"})
		return
	}
	var req connectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Provider = strings.TrimSpace(req.Provider)
	if _, err := provider.Select(req.Provider); err != nil {
		apiutil.HandleError(c, &registrystore.ValidationError{Field: "provider", Message: err.Error()})
		return
	}
	if req.WebhookMapping != "" && mapper != nil && !mapper.Has(req.WebhookMapping) {
		apiutil.HandleError(c, &registrystore.ValidationError{Field: "webhookMapping", Message: "unknown mapping; valid: " + strings.Join(mapper.Names(), ", ")})
		return
	}
	if req.SelfAddress != nil && strings.TrimSpace(*req.SelfAddress) == "" {
		req.SelfAddress = nil
	}

	conn, err := store.UpsertConnection(c.Request.Context(), &model.ChannelConnection{
		TenantID:       security.GetTenantID(c),
		Channel:        channel,
		Provider:       req.Provider,
		BaseURL:        strings.TrimSpace(req.BaseURL),
		Token:          req.Token,
		WebhookSecret:  req.WebhookSecret,
		WebhookMapping: req.WebhookMapping,
		SelfAddress:    req.SelfAddress,
	})
	if err != nil {
		apiutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}
