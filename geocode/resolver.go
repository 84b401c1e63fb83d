package geocode

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mls_sync/config"
	"mls_sync/identity"
	"mls_sync/logging"
	"mls_sync/metrics"
	"mls_sync/models"
)

// Failure explains why no provider produced coordinates. It is a value, not
// an error: callers record the attempt and move on.
type Failure struct {
	Address string
	Reason  string
	Cached  bool // answered from the failure cache without a provider call
}

// Outcome is the result of one resolution.
type Outcome struct {
	Point   *Point
	Source  string
	Skipped bool // property already had coordinates and force was not set
	Failure *Failure
}

func (o Outcome) OK() bool { return o.Point != nil }

type Options struct {
	MinInterval time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	FailureTTL  time.Duration
}

// Resolver tries providers in order and owns the request pacing shared by
// every caller, so batch jobs and inline sync geocoding cannot exceed it
// together.
type Resolver struct {
	providers []Provider
	limiter   *rate.Limiter
	opts      Options

	mu       sync.Mutex
	failures map[string]time.Time
	now      func() time.Time
}

func NewResolver(providers []Provider, opts Options) *Resolver {
	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	return &Resolver{
		providers: providers,
		limiter:   rate.NewLimiter(limit, 1),
		opts:      opts,
		failures:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// New builds the production chain: Google when a key is configured, then Nominatim.
func New(cfg config.GeocodeConfig, client *http.Client) *Resolver {
	var providers []Provider
	if cfg.GoogleAPIKey != "" {
		providers = append(providers, NewGoogle(cfg.GoogleURL, cfg.GoogleAPIKey, cfg.CountryCode, client))
	} else {
		logging.Info().Msg("GOOGLE_MAPS_API_KEY not set, geocoding with Nominatim only")
	}
	providers = append(providers, NewNominatim(cfg.NominatimURL, cfg.NominatimAgent, cfg.CountryCode, client))

	return NewResolver(providers, Options{
		MinInterval: cfg.MinInterval,
		MaxRetries:  cfg.MaxRetries,
		FailureTTL:  cfg.FailureCacheTTL,
	})
}

// ResolveProperty geocodes p's address. Without force a property that already
// has coordinates is left alone and no provider is called.
func (r *Resolver) ResolveProperty(ctx context.Context, p *models.Property, force bool) Outcome {
	if p.HasCoordinates() && !force {
		return Outcome{Skipped: true}
	}
	return r.Resolve(ctx, p.GeocodeAddress())
}

func (r *Resolver) Resolve(ctx context.Context, address string) Outcome {
	address = strings.TrimSpace(address)
	if address == "" {
		return Outcome{Failure: &Failure{Reason: "no address"}}
	}

	key := identity.NormalizeAddress(address)
	if r.recentlyFailed(key) {
		metrics.GeocodeRequests.WithLabelValues("cache", "cached").Inc()
		return Outcome{Failure: &Failure{Address: address, Reason: "recently failed", Cached: true}}
	}

	var reasons []string
	definitive := true
	for _, p := range r.providers {
		point, err := r.tryProvider(ctx, p, address)
		if err == nil {
			metrics.GeocodeRequests.WithLabelValues(p.Name(), "ok").Inc()
			return Outcome{Point: point, Source: p.Name()}
		}
		if ctx.Err() != nil {
			return Outcome{Failure: &Failure{Address: address, Reason: ctx.Err().Error()}}
		}

		if errors.Is(err, ErrNotFound) {
			metrics.GeocodeRequests.WithLabelValues(p.Name(), "not_found").Inc()
		} else {
			metrics.GeocodeRequests.WithLabelValues(p.Name(), "error").Inc()
			definitive = false
		}
		reasons = append(reasons, p.Name()+": "+err.Error())
	}

	// Only cache when every provider actually answered; a provider outage
	// should not hide the address for a whole TTL.
	if definitive && len(r.providers) > 0 {
		r.rememberFailure(key)
	}

	reason := strings.Join(reasons, "; ")
	if reason == "" {
		reason = "no providers configured"
	}
	return Outcome{Failure: &Failure{Address: address, Reason: reason}}
}

func (r *Resolver) tryProvider(ctx context.Context, p Provider, address string) (*Point, error) {
	delay := r.opts.RetryDelay

	var lastErr error
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		point, err := p.Geocode(ctx, address)
		if err == nil {
			return point, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		logging.Debug().Str("provider", p.Name()).Int("attempt", attempt).Err(err).Msg("geocode retry")
		lastErr = err
	}
	return nil, lastErr
}

func (r *Resolver) recentlyFailed(key string) bool {
	if r.opts.FailureTTL <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	at, ok := r.failures[key]
	if !ok {
		return false
	}
	if r.now().Sub(at) > r.opts.FailureTTL {
		delete(r.failures, key)
		return false
	}
	return true
}

func (r *Resolver) rememberFailure(key string) {
	if r.opts.FailureTTL <= 0 {
		return
	}
	r.mu.Lock()
	r.failures[key] = r.now()
	r.mu.Unlock()
}
