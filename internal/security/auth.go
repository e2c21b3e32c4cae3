package security

import (
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/config"
	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyTenantID is the gin context key for the authenticated tenant.
	ContextKeyTenantID = "tenantID"
)

var errInvalidAPIKey = errors.New("invalid API key")

// TokenResolver resolves API keys to tenants. It is initialized once at
// startup from the configured key map.
type TokenResolver struct {
	apiKeys     map[string]string
	testingMode bool
}

// NewTokenResolver creates a TokenResolver from the application config.
func NewTokenResolver(cfg *config.Config) *TokenResolver {
	keys := make(map[string]string, len(cfg.APIKeys))
	for k, tenant := range cfg.APIKeys {
		keys[strings.TrimSpace(k)] = tenant
	}
	if len(keys) == 0 && cfg.Mode != config.ModeTesting {
		log.Warn("No API keys configured; every authenticated request will be rejected")
	}
	return &TokenResolver{apiKeys: keys, testingMode: cfg.Mode == config.ModeTesting}
}

// Resolve returns the tenant owning apiKey. In testing mode an unknown key
// is accepted when tenantHeader names the tenant explicitly.
func (r *TokenResolver) Resolve(apiKey, tenantHeader string) (string, error) {
	if tenant, ok := r.apiKeys[strings.TrimSpace(apiKey)]; ok {
		return tenant, nil
	}
	if r.testingMode {
		if hdr := strings.ToLower(strings.TrimSpace(tenantHeader)); hdr != "" {
			return hdr, nil
		}
	}
	return "", errInvalidAPIKey
}

// GetTenantID returns the authenticated tenant from the gin context.
func GetTenantID(c *gin.Context) string {
	return c.GetString(ContextKeyTenantID)
}

// AuthMiddleware requires "Authorization: Bearer <api-key>" (or X-API-Key)
// and sets the tenant on the gin context.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader("X-API-Key"))
		if auth := c.GetHeader("Authorization"); auth != "" {
			token := strings.TrimPrefix(auth, "Bearer ")
			if token == auth {
				log.Info("Auth rejected: invalid Authorization header; expected Bearer token", "method", c.Request.Method, "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header; expected Bearer token"})
				return
			}
			key = strings.TrimSpace(token)
		}
		if key == "" {
			log.Info("Auth rejected: missing API key", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}

		tenant, err := resolver.Resolve(key, c.GetHeader("X-Tenant-ID"))
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ContextKeyTenantID, tenant)
		c.Next()
	}
}
