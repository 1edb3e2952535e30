// Package monitor drives the poll -> aggregate -> reconcile cycle on a
// fixed interval and routes asynchronous surface events to the reconciler
// and the registration workflow.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/kmalyugin/serverwatch/internal/panel"
	"github.com/kmalyugin/serverwatch/internal/poller"
	"github.com/kmalyugin/serverwatch/internal/query"
	"github.com/kmalyugin/serverwatch/internal/reconcile"
	"github.com/kmalyugin/serverwatch/internal/register"
	"github.com/kmalyugin/serverwatch/internal/render"
	"github.com/kmalyugin/serverwatch/internal/stats"
	"github.com/kmalyugin/serverwatch/internal/storage"
)

// Leaderboard sizes shown on the panels.
const (
	monthTop   = 5
	allTimeTop = 10
)

// Monitor composes the poller, aggregator, reconciler and workflow into
// one sequential cycle loop. Cycles never overlap: cycle k+1 starts only
// after cycle k fully completed.
type Monitor struct {
	poller   *poller.Poller
	agg      *stats.Aggregator
	rec      *reconcile.Reconciler
	workflow *register.Workflow // nil when the workflow is disabled
	sink     panel.Sink
	interval time.Duration
}

// New wires a Monitor. workflow may be nil to disable registrations.
func New(p *poller.Poller, agg *stats.Aggregator, rec *reconcile.Reconciler, workflow *register.Workflow, sink panel.Sink, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	return &Monitor{
		poller:   p,
		agg:      agg,
		rec:      rec,
		workflow: workflow,
		sink:     sink,
		interval: interval,
	}
}

// Serve implements suture.Service: it re-adopts existing panels, starts
// the event consumer, then runs cycles until the context is canceled. A
// failed cycle is logged and followed by the normal interval sleep; it
// never stops the loop.
func (m *Monitor) Serve(ctx context.Context) error {
	m.rec.Restore()

	go m.consumeEvents(ctx)

	for {
		m.runCycle(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.interval):
		}
	}
}

// runCycle executes one poll -> aggregate -> reconcile pass. A panic in
// any phase is contained to this cycle.
func (m *Monitor) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Cycle failed")
		}
	}()

	started := time.Now()
	results := m.poller.PollAll(ctx)
	m.agg.ApplyPoll(results)
	m.rec.Reconcile(m.snapshot(results))

	log.Debug().
		Dur("took", time.Since(started)).
		Int("endpoints", len(results)).
		Msg("Cycle complete")
}

func (m *Monitor) snapshot(results map[query.Endpoint]*poller.Result) *reconcile.Snapshot {
	return &reconcile.Snapshot{
		Endpoints:  m.poller.Endpoints(),
		Results:    results,
		MonthScore: m.agg.TopMonth(stats.ByScore, monthTop),
		MonthTime:  m.agg.TopMonth(stats.BySeconds, monthTop),
		AllTime:    m.agg.TopAllTime(allTimeTop),
		NextReset:  m.agg.NextResetDate(),
	}
}

// consumeEvents routes affordance triggers and user commands arriving
// outside the cycle cadence. Both land on serialized entry points, so they
// never race a running cycle's panel edits or store writes.
func (m *Monitor) consumeEvents(ctx context.Context) {
	events := m.sink.Events()
	commands := m.sink.Commands()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if m.workflow != nil && m.workflow.Routes(ev.Handle) {
				m.workflow.HandleTrigger(ev)
			} else {
				m.rec.HandleTrigger(ev)
			}

		case cmd, ok := <-commands:
			if !ok {
				return
			}
			m.handleCommand(cmd)
		}
	}
}

func (m *Monitor) handleCommand(cmd panel.Command) {
	switch strings.ToLower(cmd.Verb) {
	case "register":
		if m.workflow == nil {
			return
		}
		if m.workflow.Request(cmd.ActorID, cmd.Arg) {
			m.notify(cmd.ActorID, "✅ Registration request sent to admins!")
		} else {
			m.notify(cmd.ActorID, "❌ Username already registered, pending approval, or invalid")
		}

	case "mystats":
		stat := m.agg.StatsFor(cmd.ActorID)
		if stat == nil {
			m.notify(cmd.ActorID, "❌ No linked account found. Use register first")
			return
		}
		m.notify(cmd.ActorID, render.PlayerCard(stat.Username, stat.Score, stat.Seconds, stat.LastSeen, time.Now()))

	case "pending":
		if m.workflow == nil || !m.sink.IsAdmin(cmd.ActorID) {
			return
		}
		m.notify(cmd.ActorID, formatPending(m.workflow.Pending()))
	}
}

func formatPending(reqs []storage.PendingRequest) string {
	if len(reqs) == 0 {
		return "✅ No pending registrations"
	}

	var b strings.Builder
	b.WriteString("**Pending Registrations**\n")
	for _, req := range reqs {
		fmt.Fprintf(&b, "`%s` — requested by <@%s> %s\n",
			req.Username, req.RequesterID, humanize.Time(req.RequestedAt))
	}

	return b.String()
}

func (m *Monitor) notify(identity, text string) {
	if err := m.sink.Notify(identity, text); err != nil {
		log.Debug().Err(err).Str("identity", identity).Msg("Notification failed")
	}
}
