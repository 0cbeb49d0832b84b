package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{423, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMiddleware_CountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(Middleware())
	router.GET("/things/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	var before dto.Metric
	require.NoError(t, HTTPRequestsTotal.WithLabelValues("GET", "/things/:id", "2xx").Write(&before))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/things/42", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var after dto.Metric
	require.NoError(t, HTTPRequestsTotal.WithLabelValues("GET", "/things/:id", "2xx").Write(&after))

	// Labeled by route pattern, not the raw path.
	assert.Equal(t, before.GetCounter().GetValue()+1, after.GetCounter().GetValue())
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)

	SecurityEventsTotal.WithLabelValues("failed_authentication").Inc()

	router := gin.New()
	router.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "perimeter_security_events_total")
	assert.Contains(t, body, "perimeter_http_requests_total")
}

func TestCounters_IncrementByLabel(t *testing.T) {
	var before dto.Metric
	require.NoError(t, BlockedRequestsTotal.WithLabelValues("ip").Write(&before))

	BlockedRequestsTotal.WithLabelValues("ip").Inc()

	var after dto.Metric
	require.NoError(t, BlockedRequestsTotal.WithLabelValues("ip").Write(&after))
	assert.Equal(t, before.GetCounter().GetValue()+1, after.GetCounter().GetValue())
}
