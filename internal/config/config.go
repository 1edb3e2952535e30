// Package config handles the parsing and validation of application configuration
// from command-line arguments and environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/kmalyugin/serverwatch/internal/logger"
	"github.com/kmalyugin/serverwatch/internal/query"
	"github.com/kmalyugin/serverwatch/internal/vars"
)

// Config represents the complete application flags configuration.
type Config struct {
	Monitor Monitor       `group:"Monitor Options" env-namespace:"SERVERWATCH"`
	Query   Query         `group:"Query Options" namespace:"query" env-namespace:"SERVERWATCH_QUERY"`
	Storage Storage       `group:"Storage Options" namespace:"db" env-namespace:"SERVERWATCH_DB"`
	Discord Discord       `group:"Discord Options" namespace:"discord" env-namespace:"SERVERWATCH_DISCORD"`
	GeoIP   GeoIP         `group:"GeoIP Options" namespace:"geoip" env-namespace:"SERVERWATCH_GEOIP"`
	Logger  logger.Config `group:"Logger Options" namespace:"log" env-namespace:"SERVERWATCH_LOG"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`

	endpoints []query.Endpoint
}

// Monitor holds the cycle and classification settings.
type Monitor struct {
	Servers          []string      `short:"s" long:"server" env:"SERVERS" env-delim:"," description:"Game server endpoint host:port (repeatable)" required:"true"`
	Interval         time.Duration `short:"i" long:"interval" env:"INTERVAL" description:"Poll cycle interval" default:"10s"`
	FailureThreshold int           `long:"failure-threshold" env:"FAILURE_THRESHOLD" description:"Consecutive failures before a server is shown offline" default:"2"`
	RefreshCooldown  time.Duration `long:"refresh-cooldown" env:"REFRESH_COOLDOWN" description:"Minimum gap between user-triggered refreshes" default:"30s"`
	Title            string        `long:"title" env:"TITLE" description:"Status panel title" default:"🟢 Server Status"`
	Text             string        `long:"text" env:"TEXT" description:"Custom text block under the status panel title"`
	FakeServers      bool          `long:"fake-servers" hidden:"true"`
}

// Query holds Source Query protocol configuration.
type Query struct {
	Timeout      time.Duration `long:"timeout" env:"TIMEOUT" description:"Query timeout per attempt" default:"5s"`
	Retries      int           `long:"retries" env:"RETRIES" description:"Attempts per endpoint per cycle" default:"3"`
	RetryBackoff time.Duration `long:"retry-backoff" env:"RETRY_BACKOFF" description:"Sleep between attempts of one endpoint" default:"1s"`
	BufferSize   uint16        `long:"buffer-size" env:"BUFFER_SIZE" description:"Response body buffer size" default:"1400"`
}

// Storage holds database configuration.
type Storage struct {
	Path string `short:"d" long:"path" env:"PATH" description:"Path to SQLite database" default:"serverwatch.db"`
}

// Discord holds the messaging surface configuration.
type Discord struct {
	Token     string `short:"t" long:"token" env:"TOKEN" description:"Bot token"`
	ChannelID string `short:"c" long:"channel" env:"CHANNEL" description:"Channel for status and leaderboard panels"`
	AdminRole string `long:"admin-role" env:"ADMIN_ROLE" description:"Role ID granting approve/reject rights"`
	APIBase   string `long:"api-base" env:"API_BASE" description:"REST API base URL" default:"https://discord.com/api/v10"`
	Gateway   string `long:"gateway" env:"GATEWAY" description:"Gateway websocket URL" default:"wss://gateway.discord.gg/?v=10&encoding=json"`
	Workflow  bool   `long:"workflow" env:"WORKFLOW" description:"Enable the registration workflow"`
}

// GeoIP holds MaxMind GeoIP configuration.
type GeoIP struct {
	Path     string        `short:"g" long:"path" env:"PATH" description:"Path to MMDB file (empty disables country tags)"`
	URL      string        `long:"url" env:"URL" description:"URL to download MMDB" default:"https://git.io/GeoLite2-Country.mmdb"`
	Interval time.Duration `long:"interval" env:"INTERVAL" description:"Update interval check" default:"24h"`
}

// Parse reads the configuration from flags and environment variables.
// It terminates the application if the configuration is invalid or if the help flag is invoked.
func Parse() *Config {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print()
		os.Exit(0)
	}

	if cfg.Discord.Token == "" || cfg.Discord.ChannelID == "" {
		fmt.Fprintln(os.Stderr,
			"Required flags `-t, --discord-token' and `-c, --discord-channel' (or SERVERWATCH_DISCORD_* environment variables) were not specified!")
		os.Exit(1)
	}

	for _, s := range cfg.Monitor.Servers {
		ep, err := query.ParseEndpoint(s)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg.endpoints = append(cfg.endpoints, ep)
	}

	return &cfg
}

// Endpoints returns the parsed, validated endpoint list in flag order.
func (c *Config) Endpoints() []query.Endpoint {
	return c.endpoints
}
