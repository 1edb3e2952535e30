// Package reconcile keeps the externally published panels consistent with
// the latest poll and leaderboard snapshots: edit in place when content
// changed, recreate when a handle stopped resolving, do nothing when the
// rendered document is already current.
package reconcile

import (
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/kmalyugin/serverwatch/internal/panel"
	"github.com/kmalyugin/serverwatch/internal/poller"
	"github.com/kmalyugin/serverwatch/internal/query"
	"github.com/kmalyugin/serverwatch/internal/render"
	"github.com/kmalyugin/serverwatch/internal/stats"
)

// Panel labels on the external surface.
const (
	StatusLabel      = "status"
	LeaderboardLabel = "leaderboard"
)

// Snapshot bundles everything one reconcile pass renders from.
type Snapshot struct {
	Endpoints  []query.Endpoint
	Results    map[query.Endpoint]*poller.Result
	MonthScore []stats.Entry
	MonthTime  []stats.Entry
	AllTime    []stats.Entry
	NextReset  time.Time
}

// panelState is the last-rendered identity of one logical panel.
// Process-local: rebuilt from the sink by Restore at startup.
type panelState struct {
	handle      panel.Handle
	hash        uint64
	affordances map[string]struct{}
}

// Options configures reconciler behaviour.
type Options struct {
	// FailureThreshold is the consecutive-failure count past which an
	// endpoint is shown as offline and excluded from affordances.
	FailureThreshold int

	// RefreshCooldown is the minimum gap between externally-triggered
	// re-renders. Requests inside the window are acknowledged but do not
	// render.
	RefreshCooldown time.Duration

	// Render decoration for the status panel.
	Render render.Options

	// Countries resolves endpoint hosts to country codes, may be nil.
	Countries render.CountryResolver
}

// Reconciler owns all panel state. Scheduled cycles and event-triggered
// refreshes funnel through the same mutex, so two renders never race an
// edit of the same handle.
type Reconciler struct {
	sink    panel.Sink
	opts    Options
	limiter *rate.Limiter

	mu       sync.Mutex
	panels   map[string]*panelState
	bindings map[string]query.Endpoint
	last     *Snapshot
}

// New creates a Reconciler over the given sink.
func New(sink panel.Sink, opts Options) *Reconciler {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 2
	}
	if opts.RefreshCooldown <= 0 {
		opts.RefreshCooldown = 30 * time.Second
	}

	return &Reconciler{
		sink:    sink,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.RefreshCooldown), 1),
		panels: map[string]*panelState{
			StatusLabel:      {affordances: map[string]struct{}{}},
			LeaderboardLabel: {affordances: map[string]struct{}{}},
		},
		bindings: map[string]query.Endpoint{},
	}
}

// Restore re-adopts previously published panels by label lookup, so a
// process restart edits the existing documents instead of spawning
// duplicates. A missing panel is not an error; it will be created on the
// first reconcile pass.
func (r *Reconciler) Restore() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for label, state := range r.panels {
		handle, err := r.sink.Lookup(label)
		if err != nil {
			if !errors.Is(err, panel.ErrNotFound) {
				log.Warn().Err(err).Str("panel", label).Msg("Panel lookup failed")
			}
			continue
		}

		state.handle = handle
		// Hash left at zero: the first reconcile re-edits to known content.
		log.Info().Str("panel", label).Str("handle", string(handle)).Msg("Re-adopted existing panel")
	}
}

// Reconcile renders the snapshot into both panels and pushes whatever
// differs from the previously published state. One panel's failure never
// aborts the other's update.
func (r *Reconciler) Reconcile(snap *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.last = snap
	r.reconcileLocked(snap)
}

func (r *Reconciler) reconcileLocked(snap *Snapshot) {
	status := render.StatusPanel(snap.Endpoints, snap.Results, r.opts.FailureThreshold, r.opts.Countries, r.opts.Render)
	r.syncPanel(StatusLabel, status)

	board := render.LeaderboardPanel(snap.MonthScore, snap.MonthTime, snap.AllTime, snap.NextReset)
	r.syncPanel(LeaderboardLabel, board)

	r.syncAffordances(snap)
}

// syncPanel publishes content under label: create when no handle is known,
// edit when content changed, recreate when the handle stopped resolving.
func (r *Reconciler) syncPanel(label, content string) {
	state := r.panels[label]
	hash := xxhash.Sum64String(content)

	if state.handle == "" {
		r.createPanel(label, content, hash)
		return
	}

	if state.hash == hash {
		return
	}

	err := r.sink.Edit(state.handle, content)
	if err == nil {
		state.hash = hash
		return
	}

	if errors.Is(err, panel.ErrNotFound) {
		// Externally deleted: self-heal with a replacement document.
		log.Warn().Str("panel", label).Msg("Panel vanished, recreating")
		state.affordances = map[string]struct{}{}
		r.createPanel(label, content, hash)
		return
	}

	// Leave the panel stale until the next successful cycle.
	log.Error().Err(err).Str("panel", label).Msg("Panel edit failed")
}

func (r *Reconciler) createPanel(label, content string, hash uint64) {
	state := r.panels[label]

	handle, err := r.sink.Create(label, content)
	if err != nil {
		log.Error().Err(err).Str("panel", label).Msg("Panel create failed")
		return
	}

	state.handle = handle
	state.hash = hash
}

// syncAffordances computes the desired labeled set over currently-online
// endpoints and reattaches wholesale only when the set differs. Bindings
// are renumbered every pass regardless, so a trigger always resolves to
// the endpoint currently shown under that label.
func (r *Reconciler) syncAffordances(snap *Snapshot) {
	state := r.panels[StatusLabel]
	if state.handle == "" {
		return
	}

	desired := make([]panel.Affordance, 0, len(snap.Endpoints))
	desiredSet := make(map[string]struct{})
	bindings := make(map[string]query.Endpoint)

	index := 0
	for _, ep := range snap.Endpoints {
		res := snap.Results[ep]
		if res == nil || !res.Online {
			continue
		}
		index++
		if index > render.MaxAffordances() {
			break
		}

		key := render.Keycap(index)
		desired = append(desired, panel.Affordance{ID: key, Label: key})
		desiredSet[key] = struct{}{}
		bindings[key] = ep
	}

	r.bindings = bindings

	if setsEqual(desiredSet, state.affordances) {
		return
	}

	if err := r.sink.SetAffordances(state.handle, desired); err != nil {
		log.Error().Err(err).Str("panel", StatusLabel).Msg("Affordance update failed")
		return
	}

	state.affordances = desiredSet
}

// HandleTrigger services an affordance event on the status panel. Known
// bindings request a refresh; unknown ones are ignored.
func (r *Reconciler) HandleTrigger(ev panel.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.panels[StatusLabel]
	if ev.Handle != state.handle {
		return
	}

	ep, ok := r.bindings[ev.AffordanceID]
	if !ok {
		return
	}

	if !r.limiter.Allow() {
		// Inside the cooldown window: the trigger is acknowledged for
		// bookkeeping but no render is issued.
		log.Debug().
			Str("endpoint", ep.String()).
			Str("actor", ev.ActorID).
			Msg("Refresh request inside cooldown, skipped")
		return
	}

	log.Info().
		Str("endpoint", ep.String()).
		Str("actor", ev.ActorID).
		Msg("Manual refresh triggered")

	if r.last != nil {
		// Force republication even when the rendered content is unchanged,
		// so a refresh replaces a panel deleted out from under us.
		state.hash = 0
		r.reconcileLocked(r.last)
	}
}

// StatusHandle returns the current status panel handle, for event routing.
func (r *Reconciler) StatusHandle() panel.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.panels[StatusLabel].handle
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
