package reconcile

import (
	"testing"
	"time"

	"github.com/kmalyugin/serverwatch/internal/panel"
	"github.com/kmalyugin/serverwatch/internal/panel/paneltest"
	"github.com/kmalyugin/serverwatch/internal/poller"
	"github.com/kmalyugin/serverwatch/internal/query"
	"github.com/kmalyugin/serverwatch/internal/stats"
)

var (
	epA = query.Endpoint{Host: "a", Port: 1}
	epB = query.Endpoint{Host: "b", Port: 2}
)

func snapshot(results map[query.Endpoint]*poller.Result) *Snapshot {
	return &Snapshot{
		Endpoints: []query.Endpoint{epA, epB},
		Results:   results,
		MonthScore: []stats.Entry{
			{Username: "alice", Score: 50, Seconds: 3},
		},
		NextReset: time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC),
	}
}

func upDown(bStreak int) map[query.Endpoint]*poller.Result {
	return map[query.Endpoint]*poller.Result{
		epA: {Endpoint: epA, Online: true, ServerName: "Alpha", MapName: "takistan", PlayerCount: 3, MaxPlayers: 60},
		epB: {Endpoint: epB, Online: false, ConsecutiveFailures: bStreak},
	}
}

func newTestReconciler(sink panel.Sink) *Reconciler {
	return New(sink, Options{FailureThreshold: 2, RefreshCooldown: time.Hour})
}

func TestReconcile(t *testing.T) {
	t.Run("first pass creates both panels", func(t *testing.T) {
		sink := paneltest.New()
		r := newTestReconciler(sink)

		r.Reconcile(snapshot(upDown(1)))

		if sink.DocByLabel(StatusLabel) == nil {
			t.Error("status panel missing")
		}
		if sink.DocByLabel(LeaderboardLabel) == nil {
			t.Error("leaderboard panel missing")
		}
		if sink.Creates != 2 {
			t.Errorf("creates = %d, want 2", sink.Creates)
		}
	})

	t.Run("identical content causes zero mutations", func(t *testing.T) {
		sink := paneltest.New()
		r := newTestReconciler(sink)

		snap := snapshot(upDown(1))
		r.Reconcile(snap)

		edits, writes := sink.Edits, sink.AffordanceWrites
		r.Reconcile(snap)

		if sink.Edits != edits {
			t.Errorf("edits grew from %d to %d on identical content", edits, sink.Edits)
		}
		if sink.AffordanceWrites != writes {
			t.Errorf("affordance writes grew from %d to %d", writes, sink.AffordanceWrites)
		}
	})

	t.Run("changed content edits in place", func(t *testing.T) {
		sink := paneltest.New()
		r := newTestReconciler(sink)

		r.Reconcile(snapshot(upDown(1)))
		creates := sink.Creates

		changed := snapshot(upDown(1))
		changed.Results[epA].PlayerCount = 9
		r.Reconcile(changed)

		if sink.Creates != creates {
			t.Error("changed content must edit, not recreate")
		}
		if sink.Edits == 0 {
			t.Error("expected an edit")
		}
	})

	t.Run("vanished panel is recreated", func(t *testing.T) {
		sink := paneltest.New()
		r := newTestReconciler(sink)

		r.Reconcile(snapshot(upDown(1)))
		sink.Drop(r.StatusHandle())

		changed := snapshot(upDown(1))
		changed.Results[epA].PlayerCount = 42
		r.Reconcile(changed)

		doc := sink.DocByLabel(StatusLabel)
		if doc == nil {
			t.Fatal("status panel not recreated")
		}
	})

	t.Run("failed edit leaves panel stale but does not abort the other panel", func(t *testing.T) {
		sink := paneltest.New()
		r := newTestReconciler(sink)

		r.Reconcile(snapshot(upDown(1)))

		sink.FailEdits = true
		changed := snapshot(upDown(1))
		changed.Results[epA].PlayerCount = 7
		r.Reconcile(changed) // must not panic, both panels attempted

		if sink.DocByLabel(LeaderboardLabel) == nil {
			t.Error("leaderboard panel lost")
		}
	})
}

func TestAffordances(t *testing.T) {
	t.Run("only online endpoints consume labels", func(t *testing.T) {
		sink := paneltest.New()
		r := newTestReconciler(sink)

		// Cycle 1: A up, B one failure (below threshold).
		r.Reconcile(snapshot(upDown(1)))

		doc := sink.DocByLabel(StatusLabel)
		if len(doc.Affordances) != 1 {
			t.Fatalf("affordances = %d, want 1", len(doc.Affordances))
		}
		if r.bindings[doc.Affordances[0].ID] != epA {
			t.Error("label 1 must bind to the online endpoint")
		}
	})

	t.Run("crossing the threshold does not churn an unchanged set", func(t *testing.T) {
		sink := paneltest.New()
		r := newTestReconciler(sink)

		r.Reconcile(snapshot(upDown(1)))
		writes := sink.AffordanceWrites

		// Cycle 2: B hits the threshold; online subset unchanged.
		r.Reconcile(snapshot(upDown(2)))

		if sink.AffordanceWrites != writes {
			t.Errorf("affordance writes grew from %d to %d with an unchanged set", writes, sink.AffordanceWrites)
		}
		if r.bindings["1️⃣"] != epA {
			t.Error("binding lost on second cycle")
		}
	})

	t.Run("recovered endpoint reattaches the full set", func(t *testing.T) {
		sink := paneltest.New()
		r := newTestReconciler(sink)

		r.Reconcile(snapshot(upDown(1)))
		writes := sink.AffordanceWrites

		both := map[query.Endpoint]*poller.Result{
			epA: {Endpoint: epA, Online: true, ServerName: "Alpha"},
			epB: {Endpoint: epB, Online: true, ServerName: "Bravo"},
		}
		r.Reconcile(snapshot(both))

		if sink.AffordanceWrites != writes+1 {
			t.Errorf("expected exactly one reattach, writes %d -> %d", writes, sink.AffordanceWrites)
		}

		doc := sink.DocByLabel(StatusLabel)
		if len(doc.Affordances) != 2 {
			t.Errorf("affordances = %d, want 2", len(doc.Affordances))
		}
	})
}

func TestHandleTrigger(t *testing.T) {
	keycap1 := "1️⃣"

	t.Run("refresh self-heals a vanished panel", func(t *testing.T) {
		sink := paneltest.New()
		r := newTestReconciler(sink)

		r.Reconcile(snapshot(upDown(1)))
		handle := r.StatusHandle()
		sink.Drop(handle)

		r.HandleTrigger(panel.Event{Handle: handle, AffordanceID: keycap1, ActorID: "u1"})

		if sink.DocByLabel(StatusLabel) == nil {
			t.Error("manual refresh did not recreate the panel")
		}
	})

	t.Run("cooldown suppresses a second refresh", func(t *testing.T) {
		sink := paneltest.New()
		r := newTestReconciler(sink)

		r.Reconcile(snapshot(upDown(1)))
		handle := r.StatusHandle()

		// First trigger consumes the cooldown token.
		r.HandleTrigger(panel.Event{Handle: handle, AffordanceID: keycap1, ActorID: "u1"})

		sink.Drop(r.StatusHandle())
		r.HandleTrigger(panel.Event{Handle: r.StatusHandle(), AffordanceID: keycap1, ActorID: "u1"})

		if sink.DocByLabel(StatusLabel) != nil {
			t.Error("second refresh inside the cooldown must not render")
		}
	})

	t.Run("unknown handle and unknown affordance are ignored", func(t *testing.T) {
		sink := paneltest.New()
		r := newTestReconciler(sink)

		r.Reconcile(snapshot(upDown(1)))
		edits := sink.Edits

		r.HandleTrigger(panel.Event{Handle: "other", AffordanceID: keycap1, ActorID: "u1"})
		r.HandleTrigger(panel.Event{Handle: r.StatusHandle(), AffordanceID: "💩", ActorID: "u1"})

		if sink.Edits != edits {
			t.Error("ignored triggers must not mutate panels")
		}
	})
}
