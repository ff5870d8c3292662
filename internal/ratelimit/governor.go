// Package ratelimit enforces the remote request budget for every outbound
// request of a run.
package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/wesm/github-issue-mirror/internal/clock"
)

// Resource names as reported in the X-RateLimit-Resource header
const (
	ResourceCore    = "core"
	ResourceGraphQL = "graphql"
	ResourceSearch  = "search"
)

// DefaultSafetyMargin is added to the reset time before resuming
const DefaultSafetyMargin = 5 * time.Second

// Budget is the remaining request allowance for one resource
type Budget struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Prober reports the current budgets, keyed by resource
type Prober interface {
	RateLimits(ctx context.Context) (map[string]Budget, error)
}

// Governor is an http.RoundTripper that blocks outbound requests while the
// budget for their resource is exhausted and learns the budget from response
// headers.
type Governor struct {
	base   http.RoundTripper
	clock  clock.Clock
	margin time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	budgets  map[string]Budget
	disabled bool
}

// Option configures a Governor
type Option func(*Governor)

// WithClock sets the time source used for waits
func WithClock(c clock.Clock) Option {
	return func(g *Governor) { g.clock = c }
}

// WithSafetyMargin sets how long past the reset time the governor waits
func WithSafetyMargin(d time.Duration) Option {
	return func(g *Governor) { g.margin = d }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// New creates a governor wrapping base (http.DefaultTransport when nil)
func New(base http.RoundTripper, opts ...Option) *Governor {
	if base == nil {
		base = http.DefaultTransport
	}
	g := &Governor{
		base:    base,
		clock:   clock.Real{},
		margin:  DefaultSafetyMargin,
		logger:  slog.Default(),
		budgets: make(map[string]Budget),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Init seeds the budgets from the prober. If probing fails the governor
// stops blocking until a later Init succeeds; requests still go out.
func (g *Governor) Init(ctx context.Context, p Prober) {
	budgets, err := p.RateLimits(ctx)
	if err != nil {
		g.logger.Warn("rate limit probe failed, continuing without budget enforcement", "err", err)
		g.mu.Lock()
		g.disabled = true
		g.mu.Unlock()
		return
	}

	g.mu.Lock()
	g.disabled = false
	for res, b := range budgets {
		g.budgets[res] = b
	}
	g.mu.Unlock()

	if core, ok := budgets[ResourceCore]; ok {
		g.logger.Info("rate limit status",
			"remaining", core.Remaining,
			"limit", core.Limit,
			"reset", core.Reset.Format(time.RFC3339))
	}
}

// Disabled reports whether the governor has degraded to never blocking
func (g *Governor) Disabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabled
}

// Budget returns the last known budget for a resource
func (g *Governor) Budget(resource string) (Budget, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.budgets[resource]
	return b, ok
}

// Wait blocks until a request against resource may be issued
func (g *Governor) Wait(ctx context.Context, resource string) error {
	g.mu.Lock()
	b, ok := g.budgets[resource]
	disabled := g.disabled
	g.mu.Unlock()

	if disabled || !ok || b.Remaining > 0 {
		return nil
	}

	now := g.clock.Now()
	deadline := b.Reset.Add(g.margin)
	if wait := deadline.Sub(now); wait > 0 {
		g.logger.Warn("rate limit exhausted, waiting",
			"resource", resource,
			"resume", humanize.RelTime(deadline, now, "ago", "from now"),
			"wait", wait.Round(time.Second))

		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.clock.After(wait):
		}
	}

	// The window has rolled over; the next response tells us the new budget.
	g.mu.Lock()
	delete(g.budgets, resource)
	g.mu.Unlock()
	return nil
}

// Observe updates the budget from rate limit response headers
func (g *Governor) Observe(h http.Header) {
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return
	}
	limit, _ := strconv.Atoi(h.Get("X-RateLimit-Limit"))

	resource := h.Get("X-RateLimit-Resource")
	if resource == "" {
		resource = ResourceCore
	}

	g.mu.Lock()
	g.budgets[resource] = Budget{
		Limit:     limit,
		Remaining: remaining,
		Reset:     time.Unix(reset, 0).UTC(),
	}
	g.mu.Unlock()
}

// maxRejections bounds how often one request is resent after the server
// refused it for an exhausted budget.
const maxRejections = 3

// rateLimitHeaders are consumed by the governor and removed from responses
// before they reach the API client, so no other layer gates on them.
var rateLimitHeaders = []string{
	"X-RateLimit-Limit",
	"X-RateLimit-Remaining",
	"X-RateLimit-Reset",
	"X-RateLimit-Used",
	"X-RateLimit-Resource",
}

// RoundTrip implements http.RoundTripper. Responses rejected because the
// budget ran out are held and resent once the window rolls over.
func (g *Governor) RoundTrip(req *http.Request) (*http.Response, error) {
	res := resourceFor(req)
	for attempt := 0; ; attempt++ {
		if res != "" {
			if err := g.Wait(req.Context(), res); err != nil {
				return nil, err
			}
		}

		resp, err := g.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		g.Observe(resp.Header)

		if res != "" && attempt < maxRejections && g.rejected(resp) {
			if next, ok := rewind(req); ok {
				g.logger.Warn("request rejected by rate limit, retrying after reset",
					"url", req.URL.Redacted(), "status", resp.StatusCode)
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				req = next
				continue
			}
		}

		for _, h := range rateLimitHeaders {
			resp.Header.Del(h)
		}
		return resp, nil
	}
}

// rejected reports whether resp is a refusal caused by an exhausted budget
func (g *Governor) rejected(resp *http.Response) bool {
	if g.Disabled() {
		return false
	}
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return false
	}
	return resp.Header.Get("X-RateLimit-Remaining") == "0"
}

// rewind returns a copy of req that can be sent again
func rewind(req *http.Request) (*http.Request, bool) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	next := req.Clone(req.Context())
	next.Body = body
	return next, true
}

// resourceFor maps a request to its budget. The rate limit endpoint is free.
func resourceFor(req *http.Request) string {
	path := strings.TrimSuffix(req.URL.Path, "/")
	switch {
	case strings.HasSuffix(path, "/rate_limit"):
		return ""
	case strings.HasSuffix(path, "/graphql"):
		return ResourceGraphQL
	case strings.Contains(path, "/search/"):
		return ResourceSearch
	default:
		return ResourceCore
	}
}
