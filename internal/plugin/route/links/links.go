package links

import (
	"net/http"

	"github.com/chirino/commsync/internal/linker"
	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/plugin/route/apiutil"
	registryroute "github.com/chirino/commsync/internal/registry/route"
	"github.com/chirino/commsync/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "links",
		Order: 130,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts the manual link routes.
func MountRoutes(r *gin.Engine, l *linker.Linker, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/links", func(c *gin.Context) {
		createLink(c, l)
	})
	g.DELETE("/links/:linkId", func(c *gin.Context) {
		deleteLink(c, l)
	})
}

func createLink(c *gin.Context, l *linker.Linker) {
	var req struct {
		ParticipantID string `json:"participantId"`
		RecordType    string `json:"recordType"`
		RecordID      string `json:"recordId"`
		Primary       bool   `json:"primary"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	participantID, err := uuid.Parse(req.ParticipantID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid participantId", "field": "participantId"})
		return
	}
	if req.RecordType == "" || req.RecordID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "recordType and recordId are required", "field": "record"})
		return
	}

	link, action, err := l.Manual(c.Request.Context(), security.GetTenantID(c), participantID,
		model.RecordRef{Type: req.RecordType, ID: req.RecordID}, req.Primary)
	if err != nil {
		apiutil.HandleError(c, err)
		return
	}
	status := http.StatusOK
	if action == model.LinkActionCreated {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"link": link, "action": action})
}

func deleteLink(c *gin.Context, l *linker.Linker) {
	id, ok := apiutil.UUIDParam(c, "linkId", "link")
	if !ok {
		return
	}
	if _, err := l.Delete(c.Request.Context(), security.GetTenantID(c), id); err != nil {
		apiutil.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
