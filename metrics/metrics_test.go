package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/hello", func(c *gin.Context) { c.String(http.StatusOK, "hi") })
	r.GET("/metrics", gin.WrapH(Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/hello", nil))
	require.Equal(t, http.StatusOK, w.Code)

	WalletsFinalized.Inc()
	BackupsCreated.WithLabelValues("backup").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "multisig_wallets_finalized_total")
	assert.Contains(t, body, `multisig_backups_created_total{origin="backup"}`)
	assert.Contains(t, body, `multisig_api_requests_total{method="GET",path="/hello",status="200"}`)
}
