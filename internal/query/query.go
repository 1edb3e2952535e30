// Package query provides liveness and player queries against remote game
// servers over the Source Query (A2S) protocol.
package query

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Endpoint identifies one remote game server. Immutable after parse.
type Endpoint struct {
	Host string
	Port int
}

// ParseEndpoint parses a "host:port" string into an Endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port in endpoint %q", s)
	}

	return Endpoint{Host: host, Port: port}, nil
}

// String returns the canonical host:port form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// PlayerSample is one observed player on a server at query time.
// Score is the server's own running counter and may reset between sessions.
type PlayerSample struct {
	Name     string
	Score    int
	Duration time.Duration
}

// Result holds the outcome of a successful server query.
type Result struct {
	Name        string
	Map         string
	PlayerCount int
	MaxPlayers  int
	Ping        time.Duration
	Players     []PlayerSample
}

// Client queries a single game server. Implementations must honor the
// context deadline for the whole call.
type Client interface {
	Query(ctx context.Context, endpoint Endpoint) (*Result, error)
}

// SanitizePlayers drops samples that fail the arrival validation boundary
// (blank or whitespace-only names) and trims the remainder. It returns the
// kept samples and the number dropped.
func SanitizePlayers(players []PlayerSample) ([]PlayerSample, int) {
	kept := players[:0]
	dropped := 0

	for _, p := range players {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			dropped++
			continue
		}

		p.Name = name
		kept = append(kept, p)
	}

	return kept, dropped
}
