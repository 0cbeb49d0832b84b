// Package guard provides the request-path enforcement middleware: it rejects
// requests from blocked addresses and locked accounts before they reach
// handlers, and attaches a Recorder so handlers can report security events
// without holding an engine reference.
package guard

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/perimeter/internal/metrics"
	"github.com/mbd888/perimeter/internal/sentinel"
)

// recorderKey is the gin context key under which the Recorder is stored.
const recorderKey = "perimeter.recorder"

// IdentityFunc extracts the authenticated user ID from a request, or ""
// when the request is anonymous.
type IdentityFunc func(c *gin.Context) string

// Guard checks every request against the engine's blocking decisions.
type Guard struct {
	engine   *sentinel.Engine
	identity IdentityFunc
}

// Option configures the Guard.
type Option func(*Guard)

// WithIdentity sets the user identity extractor. Without one, only the
// address dimension is enforced.
func WithIdentity(fn IdentityFunc) Option {
	return func(g *Guard) { g.identity = fn }
}

// New creates a Guard over the engine.
func New(engine *sentinel.Engine, opts ...Option) *Guard {
	g := &Guard{engine: engine}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Middleware returns the enforcement middleware. Order matters: blocked
// addresses are rejected before account lockout is consulted, so a request
// failing both checks observes the address rejection.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		var userID string
		if g.identity != nil {
			userID = g.identity(c)
		}
		req := sentinel.RequestInfo{
			SourceIP: ip,
			UserID:   userID,
			Endpoint: c.FullPath(),
			Method:   c.Request.Method,
		}
		if req.Endpoint == "" {
			req.Endpoint = c.Request.URL.Path
		}

		if g.engine.IsBlocked(sentinel.DimensionIP, ip) {
			g.engine.RecordEvent(sentinel.EventBlockedIPAccess, req, nil)
			metrics.BlockedRequestsTotal.WithLabelValues(string(sentinel.DimensionIP)).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "Access temporarily blocked",
				"message": "Too many failed attempts. Please try again later.",
			})
			return
		}

		if userID != "" && g.engine.IsBlocked(sentinel.DimensionUser, userID) {
			g.engine.RecordEvent(sentinel.EventLockedUserAccess, req, nil)
			metrics.BlockedRequestsTotal.WithLabelValues(string(sentinel.DimensionUser)).Inc()
			c.AbortWithStatusJSON(http.StatusLocked, gin.H{
				"success": false,
				"error":   "Account temporarily locked",
				"message": "Too many failed attempts. Please wait before trying again.",
			})
			return
		}

		c.Set(recorderKey, &Recorder{engine: g.engine, req: req})
		c.Next()
	}
}

// Recorder is the per-request reporting surface handed to downstream
// handlers. Its request context (address, endpoint, method) is captured by
// the middleware; handlers only supply what they learned.
type Recorder struct {
	engine *sentinel.Engine
	req    sentinel.RequestInfo
}

// From returns the request's Recorder, if the guard middleware ran.
func From(c *gin.Context) (*Recorder, bool) {
	v, ok := c.Get(recorderKey)
	if !ok {
		return nil, false
	}
	r, ok := v.(*Recorder)
	return r, ok
}

// Event records a raw security event.
func (r *Recorder) Event(typ sentinel.EventType, details map[string]any) {
	r.engine.RecordEvent(typ, r.req, details)
}

// FailedAuthentication reports a credential failure. userID may name the
// account that was targeted even when the request itself was anonymous.
func (r *Recorder) FailedAuthentication(userID string, details map[string]any) {
	req := r.req
	if userID != "" {
		req.UserID = userID
	}
	r.engine.RecordFailedAuthentication(req, details)
}

// UnauthorizedAccess reports an ownership or role violation.
func (r *Recorder) UnauthorizedAccess(details map[string]any) {
	r.engine.RecordUnauthorizedAccess(r.req, details)
}

// SuspiciousOrder reports an order creation for frequency analysis.
func (r *Recorder) SuspiciousOrder(details map[string]any) {
	r.engine.RecordSuspiciousOrder(r.req, details)
}
