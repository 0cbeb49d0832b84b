package sentinel

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandlerRouter(t *testing.T, store Store) (*gin.Engine, *Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := newFakeClock()
	e, err := New(testEngineConfig(),
		WithNow(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(e.Close)

	h := NewHTTPHandler(e, store)
	router := gin.New()
	h.RegisterRoutes(router.Group("/api/v1"))
	h.RegisterAdminRoutes(router.Group("/api/v1/admin"))
	return router, e
}

func TestHTTPHandler_ReportAndStats(t *testing.T) {
	router, e := newHandlerRouter(t, nil)
	e.RecordFailedAuthentication(authReq("203.0.113.7", "mallory"), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/security/report?range=hour", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var report Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, RangeHour, report.TimeRange)
	assert.Equal(t, 1, report.Summary.TotalEvents)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/security/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Events)
	assert.Equal(t, 1, stats.IPRecords)
}

func TestHTTPHandler_ReportRejectsBadRange(t *testing.T) {
	router, _ := newHandlerRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/security/report?range=month", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTPHandler_AlertsWithoutStore(t *testing.T) {
	router, _ := newHandlerRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/security/alerts", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPHandler_AlertsRejectsBadLimit(t *testing.T) {
	router, _ := newHandlerRouter(t, NewMemoryStore())

	for _, limit := range []string{"0", "-3", "501", "ten"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/security/alerts?limit="+limit, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", limit)
	}
}

func TestHTTPHandler_ResetIPUnblocks(t *testing.T) {
	router, e := newHandlerRouter(t, nil)

	for i := 0; i < 5; i++ {
		e.RecordFailedAuthentication(authReq("203.0.113.7", "mallory"), nil)
	}
	require.True(t, e.IsBlocked(DimensionIP, "203.0.113.7"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/security/reset-ip",
		strings.NewReader(`{"ip":"203.0.113.7"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, e.IsBlocked(DimensionIP, "203.0.113.7"))
}

func TestHTTPHandler_ResetRequiresBody(t *testing.T) {
	router, _ := newHandlerRouter(t, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/security/reset-user",
		strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
