package serve

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readBodyLengthHandler(c *gin.Context) {
	n, err := io.Copy(io.Discard, c.Request.Body)
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}
	c.String(http.StatusOK, "%d", n)
}

func bodyLimitRouter(limit int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(limit))
	router.POST("/v1/webhooks/:connectionId", readBodyLengthHandler)
	return router
}

func TestMaxBodySizeMiddleware(t *testing.T) {
	cases := map[string]struct {
		limit int64
		body  string
		code  int
	}{
		"under the limit": {limit: 16, body: "0123456789", code: http.StatusOK},
		"over the limit":  {limit: 4, body: "0123456789", code: http.StatusRequestEntityTooLarge},
		"no limit":        {limit: 0, body: strings.Repeat("x", 1<<16), code: http.StatusOK},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/abc", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			bodyLimitRouter(tc.limit).ServeHTTP(rec, req)
			require.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestCommandFlagsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, f := range Command().Flags {
		name := f.Names()[0]
		assert.False(t, seen[name], "duplicate flag %s", name)
		seen[name] = true
	}
	for _, name := range []string{"db-kind", "records-kind", "throttle-kind", "events-kind", "sync-workers", "webhook-workers"} {
		assert.True(t, seen[name], name)
	}
}
