// Package stats aggregates observed player activity into persistent
// all-time and current-month leaderboards with monthly rollover.
package stats

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kmalyugin/serverwatch/internal/poller"
	"github.com/kmalyugin/serverwatch/internal/query"
	"github.com/kmalyugin/serverwatch/internal/storage"
)

// Category selects which counter a leaderboard is ranked by.
type Category string

// Leaderboard ranking categories.
const (
	ByScore   Category = "score"
	BySeconds Category = "seconds"
)

// Entry is one leaderboard row in ranked order.
type Entry struct {
	Username       string
	Score          int64
	Seconds        int64
	LinkedIdentity string
}

// Aggregator owns the in-memory leaderboard state and is the only writer
// of the persisted stats stores.
//
// Score merge policy: the remote score is itself a running counter that
// resets to zero when a player reconnects, so samples merge with max()
// rather than sum. A genuine remote reset under-counts briefly; summing
// would double count a whole session. Seconds count observed poll cycles,
// one unit per cycle the player was present.
type Aggregator struct {
	repo      *storage.Repository
	allTime   map[string]storage.PlayerStat
	month     map[string]storage.MonthStat
	lastReset string
	now       func() time.Time
	mu        sync.Mutex
}

// New loads the persisted stores and returns a ready Aggregator.
func New(repo *storage.Repository) (*Aggregator, error) {
	a := &Aggregator{
		repo: repo,
		now:  time.Now,
	}

	var err error
	if a.allTime, err = repo.LoadAllTime(); err != nil {
		return nil, fmt.Errorf("load all-time stats: %w", err)
	}
	if a.month, err = repo.LoadMonth(); err != nil {
		return nil, fmt.Errorf("load month stats: %w", err)
	}
	if a.lastReset, err = repo.LastResetKey(); err != nil {
		return nil, fmt.Errorf("load last reset key: %w", err)
	}

	// First run: record the current month so the first rollover happens at
	// a real month boundary, not at startup.
	if a.lastReset == "" {
		a.lastReset = MonthKey(a.now())
		if err := repo.ResetMonth(a.lastReset); err != nil {
			return nil, fmt.Errorf("init reset key: %w", err)
		}
	}

	return a, nil
}

// MonthKey formats the calendar year-month identifier for t.
func MonthKey(t time.Time) string {
	return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
}

// CurrentMonthKey returns the month key for the current time.
func (a *Aggregator) CurrentMonthKey() string {
	return MonthKey(a.now())
}

// MaybeRollMonth clears the month store if the calendar month has changed
// since the last recorded reset. Idempotent: a second call within the same
// month is a no-op. The all-time store is never touched.
func (a *Aggregator) MaybeRollMonth() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.maybeRollMonthLocked()
}

func (a *Aggregator) maybeRollMonthLocked() bool {
	key := MonthKey(a.now())
	if key == a.lastReset {
		return false
	}

	if err := a.repo.ResetMonth(key); err != nil {
		// Keep the old key so the reset is retried next cycle.
		log.Error().Err(err).Str("month", key).Msg("Failed to persist monthly reset")
		return false
	}

	a.month = make(map[string]storage.MonthStat)
	a.lastReset = key
	log.Info().Str("month", key).Msg("Monthly leaderboard reset")

	return true
}

// ApplyPoll folds one settled poll snapshot into both stores and persists
// the touched rows in a single transaction. A persistence failure is
// logged and does not roll back the in-memory update: the counters are
// cumulative, so the next successful cycle closes the gap.
func (a *Aggregator) ApplyPoll(results map[query.Endpoint]*poller.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeRollMonthLocked()

	now := a.now()
	touched := make(map[string]struct{})

	for _, res := range results {
		if !res.Online {
			continue
		}

		for _, p := range res.Players {
			a.mergeSample(p, now)
			touched[p.Name] = struct{}{}
		}
	}

	if len(touched) == 0 {
		return
	}

	allTime := make([]storage.PlayerStat, 0, len(touched))
	month := make([]storage.MonthStat, 0, len(touched))
	for name := range touched {
		allTime = append(allTime, a.allTime[name])
		month = append(month, a.month[name])
	}

	if err := a.repo.SaveStats(allTime, month); err != nil {
		log.Error().Err(err).Int("players", len(touched)).Msg("Failed to persist leaderboard stats")
	}
}

func (a *Aggregator) mergeSample(p query.PlayerSample, now time.Time) {
	total := a.allTime[p.Name]
	total.Username = p.Name
	total.Score = max(total.Score, int64(p.Score))
	total.Seconds++
	total.LastSeen = now
	a.allTime[p.Name] = total

	monthly := a.month[p.Name]
	monthly.Username = p.Name
	monthly.Score = max(monthly.Score, int64(p.Score))
	monthly.Seconds++
	a.month[p.Name] = monthly
}

// LinkIdentity attaches an external identity to a username in the in-memory
// all-time store, creating a zeroed row if needed. The persisted side is
// written by the registration workflow in the same approval transaction.
func (a *Aggregator) LinkIdentity(username, identity string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.allTime[username]
	if s.Username == "" {
		s.Username = username
		s.LastSeen = a.now()
	}
	s.LinkedIdentity = identity
	a.allTime[username] = s
}

// TopMonth returns the current-month leaderboard ranked by the given
// category, at most limit rows. Ties order by username for stable output.
func (a *Aggregator) TopMonth(category Category, limit int) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := make([]Entry, 0, len(a.month))
	for name, s := range a.month {
		entries = append(entries, Entry{
			Username:       name,
			Score:          s.Score,
			Seconds:        s.Seconds,
			LinkedIdentity: a.allTime[name].LinkedIdentity,
		})
	}

	rank(entries, category)
	return clip(entries, limit)
}

// TopAllTime returns the all-time leaderboard ranked by score with seconds
// as tiebreaker, at most limit rows.
func (a *Aggregator) TopAllTime(limit int) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := make([]Entry, 0, len(a.allTime))
	for name, s := range a.allTime {
		entries = append(entries, Entry{
			Username:       name,
			Score:          s.Score,
			Seconds:        s.Seconds,
			LinkedIdentity: s.LinkedIdentity,
		})
	}

	rank(entries, ByScore)
	return clip(entries, limit)
}

// StatsFor returns the all-time stats for the username linked to the given
// external identity, or nil when no link exists.
func (a *Aggregator) StatsFor(identity string) *storage.PlayerStat {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.allTime {
		if s.LinkedIdentity == identity {
			stat := s
			return &stat
		}
	}

	return nil
}

// NextResetDate returns the first day of the month following the last
// recorded reset.
func (a *Aggregator) NextResetDate() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, err := time.Parse("2006-01", a.lastReset)
	if err != nil {
		t = a.now()
	}

	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

func rank(entries []Entry, category Category) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		var av, bv int64
		if category == BySeconds {
			av, bv = a.Seconds, b.Seconds
		} else {
			av, bv = a.Score, b.Score
		}
		if av != bv {
			return av > bv
		}
		if a.Seconds != b.Seconds {
			return a.Seconds > b.Seconds
		}
		return a.Username < b.Username
	})
}

func clip(entries []Entry, limit int) []Entry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}
