// Package fake provides a randomized query client for development runs
// and tests, so the full pipeline can be exercised without reachable game
// servers.
package fake

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/kmalyugin/serverwatch/internal/query"
)

var (
	maps  = []string{"chernarusplus", "livonia", "namalsk", "takistan", "enoch", "sakhal", "deerisle"}
	names = []string{
		"alice", "bob", "carol", "dave", "erin", "frank", "grace", "heidi",
		"ivan", "judy", "mallory", "oscar", "peggy", "trent", "walter",
	}
)

// Client simulates game servers. Per endpoint it keeps a stable server
// identity and a drifting roster whose scores mostly grow and occasionally
// reset, like a real session counter.
type Client struct {
	mu      sync.Mutex
	rng     *rand.Rand
	servers map[query.Endpoint]*fakeServer

	// Flakiness is the probability [0..1) that one query fails.
	Flakiness float64
}

type fakeServer struct {
	name    string
	mapName string
	roster  map[string]int
}

// NewClient creates a fake query client with the given seed.
func NewClient(seed int64) *Client {
	return &Client{
		rng:     rand.New(rand.NewSource(seed)),
		servers: make(map[query.Endpoint]*fakeServer),
	}
}

// Query returns randomized but endpoint-stable server data.
func (c *Client) Query(_ context.Context, endpoint query.Endpoint) (*query.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Flakiness > 0 && c.rng.Float64() < c.Flakiness {
		return nil, fmt.Errorf("fake: %s unreachable", endpoint)
	}

	srv, ok := c.servers[endpoint]
	if !ok {
		srv = &fakeServer{
			name:    fmt.Sprintf("Fake Server #%d [PvP]", c.rng.Intn(1000)),
			mapName: maps[c.rng.Intn(len(maps))],
			roster:  make(map[string]int),
		}
		c.servers[endpoint] = srv
	}

	c.churnRoster(srv)

	res := &query.Result{
		Name:        srv.name,
		Map:         srv.mapName,
		MaxPlayers:  60,
		Ping:        time.Duration(10+c.rng.Intn(90)) * time.Millisecond,
		PlayerCount: len(srv.roster),
	}

	for name, score := range srv.roster {
		res.Players = append(res.Players, query.PlayerSample{
			Name:     name,
			Score:    score,
			Duration: time.Duration(c.rng.Intn(7200)) * time.Second,
		})
	}

	return res, nil
}

func (c *Client) churnRoster(srv *fakeServer) {
	// 30% chance someone joins
	if len(srv.roster) < len(names) && (len(srv.roster) == 0 || c.rng.Float32() < 0.3) {
		srv.roster[names[c.rng.Intn(len(names))]] = 0
	}

	for name := range srv.roster {
		switch {
		case c.rng.Float32() < 0.1:
			// leave
			delete(srv.roster, name)
		case c.rng.Float32() < 0.05:
			// reconnect, server-side counter resets
			srv.roster[name] = 0
		default:
			srv.roster[name] += c.rng.Intn(3)
		}
	}
}
