package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// healthThrottle keeps at most one health check in flight and spaces network
// checks by cooldown. Callers that arrive during a check or inside the
// cooldown get the last-known result.
type healthThrottle struct {
	mu       sync.Mutex
	cooldown time.Duration
	now      func() time.Time
	inFlight bool
	checked  time.Time
	last     bool
}

func newHealthThrottle(cooldown time.Duration) *healthThrottle {
	return &healthThrottle{cooldown: cooldown, now: time.Now}
}

// begin reports whether the caller should run a network check. If not, it
// returns the cached result.
func (h *healthThrottle) begin() (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.inFlight {
		return false, h.last
	}
	if !h.checked.IsZero() && h.now().Sub(h.checked) < h.cooldown {
		return false, h.last
	}
	h.inFlight = true
	return true, h.last
}

func (h *healthThrottle) finish(ok bool) {
	h.mu.Lock()
	h.inFlight = false
	h.checked = h.now()
	h.last = ok
	h.mu.Unlock()
}

func (h *healthThrottle) lastKnown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// HealthCheck reports whether the service answers GET /health with a 2xx.
// Calls are throttled; redundant calls return the last-known result, which is
// false until the first check completes.
func (c *Client) HealthCheck(ctx context.Context) bool {
	run, cached := c.health.begin()
	if !run {
		return cached
	}

	// Any 2xx counts, including non-JSON bodies such as "ok".
	_, err := c.do(ctx, OpHealth, http.MethodGet, "/health", nil)
	var pe *ParseError
	ok := err == nil || errors.As(err, &pe)
	if err != nil {
		c.logger.Debug("health check failed", "url", c.baseURL, "error", err)
	}
	c.health.finish(ok)
	return ok
}

// LastHealth returns the result of the most recent completed health check.
func (c *Client) LastHealth() bool {
	return c.health.lastKnown()
}
