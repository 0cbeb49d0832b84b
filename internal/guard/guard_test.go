package guard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/perimeter/internal/sentinel"
)

func testEngine(t *testing.T) *sentinel.Engine {
	t.Helper()
	cfg := sentinel.DefaultConfig()
	cfg.MaxFailedAttempts = 3
	engine, err := sentinel.New(cfg)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func testRouter(engine *sentinel.Engine, opts ...Option) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(New(engine, opts...).Middleware())
	router.GET("/orders", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	router.POST("/login", func(c *gin.Context) {
		rec, _ := From(c)
		rec.FailedAuthentication(c.Query("user"), nil)
		c.JSON(http.StatusUnauthorized, gin.H{"success": false})
	})
	return router
}

func doRequest(router *gin.Engine, method, path, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = ip + ":42424"
	router.ServeHTTP(w, req)
	return w
}

func TestGuard_AllowsUnknownIP(t *testing.T) {
	engine := testEngine(t)
	router := testRouter(engine)

	w := doRequest(router, http.MethodGet, "/orders", "203.0.113.7")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGuard_BlocksAfterRepeatedFailures(t *testing.T) {
	engine := testEngine(t)
	router := testRouter(engine)

	// Three failed logins cross the threshold.
	for i := 0; i < 3; i++ {
		w := doRequest(router, http.MethodPost, "/login", "203.0.113.7")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}

	w := doRequest(router, http.MethodGet, "/orders", "203.0.113.7")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "Access temporarily blocked", body.Error)
	assert.Equal(t, "Too many failed attempts. Please try again later.", body.Message)

	// Other addresses are unaffected.
	w = doRequest(router, http.MethodGet, "/orders", "203.0.113.99")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGuard_BlockedRequestIsRecorded(t *testing.T) {
	engine := testEngine(t)
	router := testRouter(engine)

	for i := 0; i < 3; i++ {
		doRequest(router, http.MethodPost, "/login", "203.0.113.7")
	}
	doRequest(router, http.MethodGet, "/orders", "203.0.113.7")

	report := engine.Report(sentinel.RangeHour)
	assert.Equal(t, 1, report.Breakdown.EventsByType[sentinel.EventBlockedIPAccess])
}

func TestGuard_LocksUserAcrossIPs(t *testing.T) {
	engine := testEngine(t)
	identity := func(c *gin.Context) string { return c.GetHeader("X-User-ID") }
	router := testRouter(engine, WithIdentity(identity))

	// Failures against the same account from distinct addresses.
	for i, ip := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		w := doRequest(router, http.MethodPost, "/login?user=usr_1", ip)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.RemoteAddr = "198.51.100.4:42424"
	req.Header.Set("X-User-ID", "usr_1")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusLocked, w.Code)

	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "Account temporarily locked", body.Error)
	assert.Equal(t, "Too many failed attempts. Please wait before trying again.", body.Message)
}

func TestGuard_IPBlockTakesPrecedence(t *testing.T) {
	engine := testEngine(t)
	identity := func(c *gin.Context) string { return c.GetHeader("X-User-ID") }
	router := testRouter(engine, WithIdentity(identity))

	// Same address and same account: both dimensions cross the threshold.
	for i := 0; i < 3; i++ {
		doRequest(router, http.MethodPost, "/login?user=usr_1", "203.0.113.7")
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.RemoteAddr = "203.0.113.7:42424"
	req.Header.Set("X-User-ID", "usr_1")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestGuard_UnblocksAfterCoolingPeriod(t *testing.T) {
	current := time.Now()
	cfg := sentinel.DefaultConfig()
	cfg.MaxFailedAttempts = 3
	cfg.IPCoolingPeriod = 5 * time.Minute
	engine, err := sentinel.New(cfg, sentinel.WithNow(func() time.Time { return current }))
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	router := testRouter(engine)
	for i := 0; i < 3; i++ {
		doRequest(router, http.MethodPost, "/login", "203.0.113.7")
	}

	w := doRequest(router, http.MethodGet, "/orders", "203.0.113.7")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Quiet for the full cooling period: access is restored.
	current = current.Add(5 * time.Minute)
	w = doRequest(router, http.MethodGet, "/orders", "203.0.113.7")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRecorder_MissingWithoutMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	_, ok := From(c)
	assert.False(t, ok)
}
