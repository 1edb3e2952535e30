// Package render formats poll and leaderboard snapshots into the panel
// documents pushed to the external surface. All functions are pure and
// deterministic so the reconciler can hash output for idempotent edits.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kmalyugin/serverwatch/internal/poller"
	"github.com/kmalyugin/serverwatch/internal/query"
	"github.com/kmalyugin/serverwatch/internal/stats"
)

// keycaps are the dense affordance labels bound to online endpoints, in
// order. The affordance set size is capped by this list.
var keycaps = []string{
	"1️⃣", "2️⃣", "3️⃣", "4️⃣", "5️⃣",
	"6️⃣", "7️⃣", "8️⃣", "9️⃣", "\U0001F51F",
}

// MaxAffordances is the largest number of endpoint affordances a panel can carry.
func MaxAffordances() int {
	return len(keycaps)
}

// Keycap returns the dense label for a 1-based affordance index.
func Keycap(index int) string {
	if index < 1 || index > len(keycaps) {
		return ""
	}
	return keycaps[index-1]
}

const maxNameLen = 20

// Options holds the operator-provided decoration of the status panel.
type Options struct {
	Title      string
	CustomText string
}

// CountryResolver maps an endpoint host to an ISO country code, or ""
// when unknown. May be nil.
type CountryResolver interface {
	GetCountryCode(host string) string
}

// StatusPanel renders the live server status document. Endpoints render in
// configuration order; an endpoint past the failure threshold renders as
// OFFLINE rather than being omitted.
func StatusPanel(endpoints []query.Endpoint, results map[query.Endpoint]*poller.Result, threshold int, countries CountryResolver, opts Options) string {
	var b strings.Builder

	title := opts.Title
	if title == "" {
		title = "Live Server Status"
	}
	fmt.Fprintf(&b, "## %s\n", title)
	if opts.CustomText != "" {
		b.WriteString(opts.CustomText)
		b.WriteString("\n")
	}

	online := 0
	label := 0

	for _, ep := range endpoints {
		res := results[ep]
		if res == nil {
			continue
		}

		country := ""
		if countries != nil {
			if code := countries.GetCountryCode(ep.Host); code != "" {
				country = " [" + code + "]"
			}
		}

		switch {
		case res.Online:
			// Only currently-online endpoints consume an affordance label,
			// so numbering stays dense over the online subset.
			label++
			online++
			name := res.ServerName
			if name == "" {
				name = ep.String()
			}
			fmt.Fprintf(&b, "\n%s **%s**%s (%d/%d) | Ping: %dms\n",
				Keycap(label), name, country, res.PlayerCount, res.MaxPlayers, res.Ping.Milliseconds())
			fmt.Fprintf(&b, "Map: %s\n", res.MapName)
			if table := playerTable(res.Players); table != "" {
				fmt.Fprintf(&b, "```\n%s```\n", table)
			}

		case !res.Down(threshold):
			// Inside the failure threshold: keep the endpoint visible so a
			// single timeout does not flicker it to OFFLINE.
			fmt.Fprintf(&b, "\n🟡 **%s**%s | UNSTABLE\n", ep.String(), country)

		default:
			fmt.Fprintf(&b, "\n🔴 **%s**%s | OFFLINE\n", ep.String(), country)
		}
	}

	fmt.Fprintf(&b, "\n🟢 %d online | 🔴 %d offline\n", online, len(endpoints)-online)

	return b.String()
}

func playerTable(players []query.PlayerSample) string {
	if len(players) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-*s %s\n", maxNameLen, "Player", "Score")
	for _, p := range players {
		fmt.Fprintf(&b, "%-*s %d\n", maxNameLen, truncate(p.Name), p.Score)
	}

	return b.String()
}

// LeaderboardPanel renders the monthly leaderboard document with score and
// playtime tables, the all-time top list, and the next reset date.
func LeaderboardPanel(monthScore, monthTime, allTime []stats.Entry, nextReset time.Time) string {
	var b strings.Builder

	b.WriteString("## 🏆 Monthly Leaderboards\n")

	if len(monthScore) > 0 {
		b.WriteString("\n**Top Scores**\n```\n")
		for i, e := range monthScore {
			fmt.Fprintf(&b, "%s %-*s %d\n", rankMarker(i+1), maxNameLen, truncate(e.Username), e.Score)
		}
		b.WriteString("```\n")
	}

	if len(monthTime) > 0 {
		b.WriteString("\n**Top Playtime**\n```\n")
		for i, e := range monthTime {
			fmt.Fprintf(&b, "%s %-*s %s\n", rankMarker(i+1), maxNameLen, truncate(e.Username), playtime(e.Seconds))
		}
		b.WriteString("```\n")
	}

	if len(allTime) > 0 {
		b.WriteString("\n**All-Time Top**\n")
		for i, e := range allTime {
			fmt.Fprintf(&b, "%s %s — %d pts, %s\n", rankMarker(i+1), displayName(e), e.Score, playtime(e.Seconds))
		}
	}

	fmt.Fprintf(&b, "\nResets %s\n", nextReset.Format("January 2, 2006"))

	return b.String()
}

// PlayerCard renders the personal stats reply for a linked identity.
func PlayerCard(username string, score, seconds int64, lastSeen, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "**Stats for %s**\n", truncate(username))
	fmt.Fprintf(&b, "Total Score: %d\n", score)
	fmt.Fprintf(&b, "Play Time: %s\n", playtime(seconds))
	if !lastSeen.IsZero() {
		fmt.Fprintf(&b, "Last Seen: %s\n", humanize.RelTime(lastSeen, now, "ago", "from now"))
	}

	return b.String()
}

// displayName renders a linked player as an identity mention, otherwise
// the truncated raw username.
func displayName(e stats.Entry) string {
	if e.LinkedIdentity != "" {
		return "<@" + e.LinkedIdentity + ">"
	}
	return truncate(e.Username)
}

func rankMarker(rank int) string {
	switch rank {
	case 1:
		return "🥇"
	case 2:
		return "🥈"
	case 3:
		return "🥉"
	default:
		return "🔹"
	}
}

func truncate(name string) string {
	runes := []rune(name)
	if len(runes) > maxNameLen {
		return string(runes[:maxNameLen-1]) + "…"
	}
	return name
}

// playtime formats the coarse poll-tick counter as a duration string.
func playtime(units int64) string {
	d := time.Duration(units) * time.Minute
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
