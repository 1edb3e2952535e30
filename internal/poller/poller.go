// Package poller fans out game server queries across all configured
// endpoints each cycle, with per-attempt timeouts and bounded retries.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kmalyugin/serverwatch/internal/query"
)

// Result is the outcome of polling one endpoint in one cycle.
// ConsecutiveFailures carries across cycles and drives the offline
// classification hysteresis.
type Result struct {
	Endpoint            query.Endpoint
	Online              bool
	ServerName          string
	MapName             string
	PlayerCount         int
	MaxPlayers          int
	Ping                time.Duration
	Players             []query.PlayerSample
	ConsecutiveFailures int
}

// Down reports whether the endpoint should be treated as down for display
// purposes. A single transient failure keeps the endpoint visible until the
// threshold is exceeded, to avoid flapping.
func (r *Result) Down(threshold int) bool {
	return !r.Online && r.ConsecutiveFailures >= threshold
}

// Options holds retry behaviour for the poll loop.
type Options struct {
	// MaxRetries is the number of attempts per endpoint per cycle.
	MaxRetries int

	// RetryBackoff is the fixed sleep between attempts of one endpoint.
	RetryBackoff time.Duration

	// Timeout bounds a single query attempt.
	Timeout time.Duration
}

// Poller queries all endpoints concurrently and tracks per-endpoint
// failure streaks between cycles.
type Poller struct {
	client    query.Client
	endpoints []query.Endpoint
	failures  map[query.Endpoint]int
	opts      Options
}

// New creates a Poller over a fixed endpoint set.
func New(client query.Client, endpoints []query.Endpoint, opts Options) *Poller {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	return &Poller{
		client:    client,
		endpoints: endpoints,
		failures:  make(map[query.Endpoint]int, len(endpoints)),
		opts:      opts,
	}
}

// Endpoints returns the configured endpoint set in configuration order.
func (p *Poller) Endpoints() []query.Endpoint {
	return p.endpoints
}

// PollAll queries every endpoint concurrently and returns once each one has
// either succeeded or exhausted its retry budget. No endpoint is silently
// omitted from the returned map. Retries of a single endpoint are
// sequential.
func (p *Poller) PollAll(ctx context.Context) map[query.Endpoint]*Result {
	results := make(map[query.Endpoint]*Result, len(p.endpoints))

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, endpoint := range p.endpoints {
		wg.Add(1)
		go func(ep query.Endpoint) {
			defer wg.Done()
			res := p.pollOne(ctx, ep)

			mu.Lock()
			results[ep] = res
			mu.Unlock()
		}(endpoint)
	}

	wg.Wait()

	// Failure streaks are carried forward only after the whole cycle has
	// settled, so a re-poll within the same cycle cannot double count.
	for ep, res := range results {
		p.failures[ep] = res.ConsecutiveFailures
	}

	return results
}

func (p *Poller) pollOne(ctx context.Context, endpoint query.Endpoint) *Result {
	streak := p.failures[endpoint]

	for attempt := 1; attempt <= p.opts.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		info, err := p.client.Query(attemptCtx, endpoint)
		cancel()

		if err == nil {
			players, dropped := query.SanitizePlayers(info.Players)
			if dropped > 0 {
				log.Debug().
					Str("endpoint", endpoint.String()).
					Int("dropped", dropped).
					Msg("Dropped invalid player samples")
			}

			return &Result{
				Endpoint:            endpoint,
				Online:              true,
				ServerName:          info.Name,
				MapName:             info.Map,
				PlayerCount:         info.PlayerCount,
				MaxPlayers:          info.MaxPlayers,
				Ping:                info.Ping,
				Players:             players,
				ConsecutiveFailures: 0,
			}
		}

		log.Warn().
			Err(err).
			Str("endpoint", endpoint.String()).
			Int("attempt", attempt).
			Msg("Server query failed")

		if attempt < p.opts.MaxRetries {
			select {
			case <-ctx.Done():
				// Shutting down, classify as failed without burning retries.
				attempt = p.opts.MaxRetries
			case <-time.After(p.opts.RetryBackoff):
			}
		}
	}

	return &Result{
		Endpoint:            endpoint,
		Online:              false,
		ConsecutiveFailures: streak + 1,
	}
}
