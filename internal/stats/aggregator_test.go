package stats

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kmalyugin/serverwatch/internal/poller"
	"github.com/kmalyugin/serverwatch/internal/query"
	"github.com/kmalyugin/serverwatch/internal/storage"
)

func testAggregator(t *testing.T) (*Aggregator, *storage.Repository) {
	t.Helper()

	repo, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	agg, err := New(repo)
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}

	return agg, repo
}

func pollWith(players ...query.PlayerSample) map[query.Endpoint]*poller.Result {
	ep := query.Endpoint{Host: "h", Port: 1}
	return map[query.Endpoint]*poller.Result{
		ep: {Endpoint: ep, Online: true, Players: players},
	}
}

func TestMonthKey(t *testing.T) {
	ts := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	if key := MonthKey(ts); key != "2026-09" {
		t.Errorf("MonthKey = %q", key)
	}
}

func TestApplyPoll(t *testing.T) {
	t.Run("score merges with max, not sum", func(t *testing.T) {
		agg, _ := testAggregator(t)

		agg.ApplyPoll(pollWith(query.PlayerSample{Name: "alice", Score: 50}))
		agg.ApplyPoll(pollWith(query.PlayerSample{Name: "alice", Score: 10}))

		top := agg.TopAllTime(5)
		if len(top) != 1 {
			t.Fatalf("entries = %d", len(top))
		}
		if top[0].Score != 50 {
			t.Errorf("score = %d, want 50 (max merge)", top[0].Score)
		}
	})

	t.Run("seconds count observed cycles", func(t *testing.T) {
		agg, _ := testAggregator(t)

		for i := 0; i < 3; i++ {
			agg.ApplyPoll(pollWith(query.PlayerSample{Name: "bob", Score: 1, Duration: time.Hour}))
		}

		top := agg.TopAllTime(5)
		if top[0].Seconds != 3 {
			t.Errorf("seconds = %d, want 3 (one unit per cycle)", top[0].Seconds)
		}
	})

	t.Run("offline results contribute nothing", func(t *testing.T) {
		agg, _ := testAggregator(t)

		ep := query.Endpoint{Host: "h", Port: 1}
		agg.ApplyPoll(map[query.Endpoint]*poller.Result{
			ep: {Endpoint: ep, Online: false, Players: []query.PlayerSample{{Name: "ghost", Score: 9}}},
		})

		if top := agg.TopAllTime(5); len(top) != 0 {
			t.Errorf("entries = %d, want 0", len(top))
		}
	})

	t.Run("updates persist across reload", func(t *testing.T) {
		agg, repo := testAggregator(t)

		agg.ApplyPoll(pollWith(query.PlayerSample{Name: "carol", Score: 7}))

		reloaded, err := New(repo)
		if err != nil {
			t.Fatal(err)
		}
		top := reloaded.TopAllTime(5)
		if len(top) != 1 || top[0].Score != 7 {
			t.Errorf("reloaded = %+v", top)
		}
	})
}

func TestMaybeRollMonth(t *testing.T) {
	agg, _ := testAggregator(t)

	current := time.Date(2026, time.August, 20, 10, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return current }

	// Force the recorded key to August.
	agg.mu.Lock()
	agg.lastReset = MonthKey(current)
	agg.mu.Unlock()

	agg.ApplyPoll(pollWith(query.PlayerSample{Name: "alice", Score: 50}))

	t.Run("no reset within the same month", func(t *testing.T) {
		if agg.MaybeRollMonth() {
			t.Error("rolled within the same month")
		}
		if len(agg.TopMonth(ByScore, 5)) != 1 {
			t.Error("month store lost data without a boundary")
		}
	})

	t.Run("reset at the boundary clears only the month store", func(t *testing.T) {
		current = time.Date(2026, time.September, 1, 0, 5, 0, 0, time.UTC)

		if !agg.MaybeRollMonth() {
			t.Fatal("expected a reset at the month boundary")
		}

		if len(agg.TopMonth(ByScore, 5)) != 0 {
			t.Error("month store not cleared")
		}
		if len(agg.TopAllTime(5)) != 1 {
			t.Error("all-time store must never be cleared by rollover")
		}
	})

	t.Run("second call in the new month is a no-op", func(t *testing.T) {
		agg.ApplyPoll(pollWith(query.PlayerSample{Name: "bob", Score: 3}))

		if agg.MaybeRollMonth() {
			t.Error("second roll within the same month")
		}
		if len(agg.TopMonth(ByScore, 5)) != 1 {
			t.Error("no-op roll lost month data")
		}
	})
}

func TestLeaderboards(t *testing.T) {
	agg, _ := testAggregator(t)

	agg.ApplyPoll(pollWith(
		query.PlayerSample{Name: "alice", Score: 50},
		query.PlayerSample{Name: "bob", Score: 70},
		query.PlayerSample{Name: "carol", Score: 20},
	))
	agg.ApplyPoll(pollWith(
		query.PlayerSample{Name: "carol", Score: 20},
	))

	t.Run("ranked by score", func(t *testing.T) {
		top := agg.TopMonth(ByScore, 2)
		if len(top) != 2 {
			t.Fatalf("entries = %d", len(top))
		}
		if top[0].Username != "bob" || top[1].Username != "alice" {
			t.Errorf("order = %s, %s", top[0].Username, top[1].Username)
		}
	})

	t.Run("ranked by seconds", func(t *testing.T) {
		top := agg.TopMonth(BySeconds, 1)
		if top[0].Username != "carol" || top[0].Seconds != 2 {
			t.Errorf("top = %+v", top[0])
		}
	})

	t.Run("limit zero returns everything", func(t *testing.T) {
		if got := len(agg.TopAllTime(0)); got != 3 {
			t.Errorf("entries = %d, want 3", got)
		}
	})
}

func TestLinkIdentity(t *testing.T) {
	agg, _ := testAggregator(t)

	t.Run("links an existing player", func(t *testing.T) {
		agg.ApplyPoll(pollWith(query.PlayerSample{Name: "alice", Score: 50}))
		agg.LinkIdentity("alice", "u123")

		stat := agg.StatsFor("u123")
		if stat == nil || stat.Username != "alice" || stat.Score != 50 {
			t.Errorf("stat = %+v", stat)
		}
	})

	t.Run("creates a zeroed row for an unseen player", func(t *testing.T) {
		agg.LinkIdentity("newguy", "u456")

		stat := agg.StatsFor("u456")
		if stat == nil || stat.Score != 0 || stat.Seconds != 0 {
			t.Errorf("stat = %+v", stat)
		}
	})

	t.Run("unknown identity", func(t *testing.T) {
		if agg.StatsFor("nobody") != nil {
			t.Error("expected nil for unlinked identity")
		}
	})
}
