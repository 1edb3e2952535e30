package query

import (
	"context"
	"fmt"
	"time"

	"github.com/woozymasta/a2s/pkg/a2s"
)

// Options holds Source Query protocol settings.
type Options struct {
	Timeout    time.Duration
	BufferSize uint16
}

// A2SClient queries game servers with A2S_INFO and A2S_PLAYER requests.
type A2SClient struct {
	opts Options
}

// NewA2S creates an A2S-backed query client.
func NewA2S(opts Options) *A2SClient {
	return &A2SClient{opts: opts}
}

// Query connects to a game server via UDP and requests server info and the
// player list. The ping is measured around the info exchange.
func (c *A2SClient) Query(ctx context.Context, endpoint Endpoint) (*Result, error) {
	client, err := a2s.New(endpoint.Host, endpoint.Port)
	if err != nil {
		return nil, fmt.Errorf("a2s connect %s: %w", endpoint, err)
	}
	defer func() { _ = client.Close() }()

	client.BufferSize = c.opts.BufferSize
	client.Timeout = c.opts.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < client.Timeout {
			client.Timeout = remain
		}
	}

	start := time.Now()
	info, err := client.GetInfo()
	if err != nil {
		return nil, fmt.Errorf("a2s info %s: %w", endpoint, err)
	}
	ping := time.Since(start)

	players, err := client.GetPlayers()
	if err != nil {
		return nil, fmt.Errorf("a2s players %s: %w", endpoint, err)
	}

	result := &Result{
		Name:        info.Name,
		Map:         info.Map,
		PlayerCount: int(info.Players),
		MaxPlayers:  int(info.MaxPlayers),
		Ping:        ping,
	}

	for _, p := range *players {
		result.Players = append(result.Players, PlayerSample{
			Name:     p.Name,
			Score:    int(p.Score),
			Duration: p.Duration,
		})
	}

	return result, nil
}
