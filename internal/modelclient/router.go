package modelclient

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/coderunner/agentd/internal/turnengine"
)

// defaultRequestsPerSecond/defaultBurst bound how fast the router will
// dispatch requests to any one backend, independent of that backend's own
// HTTP-level retry-after handling; this is local pacing, not a replacement
// for provider-reported rate limits.
const (
	defaultRequestsPerSecond = 2
	defaultBurst             = 4
)

// Router selects a backend by the provider prefix on Thread.Model (e.g.
// "anthropic/claude-sonnet-4" or "openai/gpt-5"), so a Runner is built
// against one turnengine.ModelClient regardless of how many backends a
// deployment has configured. Each backend gets its own token-bucket limiter
// so a burst against one provider never starves a turn routed to another.
type Router struct {
	backends map[string]turnengine.ModelClient
	fallback string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRouter builds a Router from provider-prefix -> backend pairs. fallback
// names the provider used when Thread.Model carries no recognized prefix.
func NewRouter(fallback string, backends map[string]turnengine.ModelClient) *Router {
	return &Router{backends: backends, fallback: fallback, limiters: make(map[string]*rate.Limiter)}
}

func (r *Router) limiterFor(provider string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[provider]
	if !ok {
		l = rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultBurst)
		r.limiters[provider] = l
	}
	return l
}

// ProviderRateLimit reports the local pacing applied to one provider, for
// account/rateLimits/read. This is the router's own outbound throttle, not
// a provider-reported quota: no backend here surfaces server-side rate-limit
// headers, so this is the only rate-limit signal the engine can report.
type ProviderRateLimit struct {
	Provider          string  `json:"provider"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// RateLimits reports the configured pacing for every backend the router
// knows about, sorted by provider name for a stable response shape.
func (r *Router) RateLimits() []ProviderRateLimit {
	r.mu.Lock()
	defer r.mu.Unlock()

	providers := make([]string, 0, len(r.backends))
	for provider := range r.backends {
		providers = append(providers, provider)
	}
	sort.Strings(providers)

	out := make([]ProviderRateLimit, 0, len(providers))
	for _, provider := range providers {
		rps, burst := float64(defaultRequestsPerSecond), defaultBurst
		if l, ok := r.limiters[provider]; ok {
			rps, burst = float64(l.Limit()), l.Burst()
		}
		out = append(out, ProviderRateLimit{Provider: provider, RequestsPerSecond: rps, Burst: burst})
	}
	return out
}

func (r *Router) StreamStep(ctx context.Context, req turnengine.ModelRequest) (<-chan turnengine.ModelEvent, error) {
	provider := r.fallback
	if i := strings.IndexByte(req.Thread.Model, '/'); i > 0 {
		if _, ok := r.backends[req.Thread.Model[:i]]; ok {
			provider = req.Thread.Model[:i]
		}
	}
	backend, ok := r.backends[provider]
	if !ok {
		return nil, fmt.Errorf("modelclient: no backend configured for provider %q", provider)
	}
	if err := r.limiterFor(provider).Wait(ctx); err != nil {
		return nil, fmt.Errorf("modelclient: rate limit wait: %w", err)
	}
	return backend.StreamStep(ctx, req)
}
