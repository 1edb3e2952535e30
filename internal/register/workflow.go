// Package register implements the human-approval workflow that links
// external identities to in-game usernames.
//
// The state machine per username is pending -> approved or pending ->
// rejected. Terminal states have no outgoing transitions; a rejected
// username may be re-requested, which creates a fresh pending record.
package register

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kmalyugin/serverwatch/internal/panel"
	"github.com/kmalyugin/serverwatch/internal/stats"
	"github.com/kmalyugin/serverwatch/internal/storage"
)

// Affordance IDs on decision messages.
const (
	ApproveID = "✅"
	RejectID  = "❌"
)

// DecisionTTL is how long a published decision message keeps routing
// triggers. After that the pending record stays, but the stale message no
// longer reacts.
const DecisionTTL = time.Hour

// decision tracks one published approval message awaiting an admin.
type decision struct {
	username    string
	requesterID string
	publishedAt time.Time
}

// Workflow owns registration requests and their decision messages.
// All mutating operations persist synchronously before returning.
type Workflow struct {
	repo *storage.Repository
	agg  *stats.Aggregator
	sink panel.Sink
	now  func() time.Time

	mu        sync.Mutex
	decisions map[panel.Handle]decision
}

// New creates a Workflow over the given store, aggregator and sink.
func New(repo *storage.Repository, agg *stats.Aggregator, sink panel.Sink) *Workflow {
	return &Workflow{
		repo:      repo,
		agg:       agg,
		sink:      sink,
		now:       time.Now,
		decisions: make(map[panel.Handle]decision),
	}
}

// Request files a registration request for username on behalf of identity.
// It returns false with no state change when the username is blank,
// already a known player, or already pending.
func (w *Workflow) Request(identity, username string) bool {
	username = strings.TrimSpace(username)
	if username == "" || identity == "" {
		return false
	}

	known, err := w.repo.HasPlayer(username)
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("Player lookup failed")
		return false
	}
	if known {
		return false
	}

	created, err := w.repo.CreateRequest(storage.PendingRequest{
		Username:    username,
		RequesterID: identity,
		RequestedAt: w.now(),
	})
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("Failed to persist request")
		return false
	}
	if !created {
		return false
	}

	log.Info().Str("username", username).Str("identity", identity).Msg("Registration requested")
	w.publishDecision(username, identity)

	return true
}

// publishDecision posts an approval message with approve/reject
// affordances for admins. Publication failure is not fatal: the pending
// record exists and admins can still decide through Approve/Reject.
func (w *Workflow) publishDecision(username, identity string) {
	text := fmt.Sprintf("New registration request from <@%s>\nUsername: `%s`", identity, username)

	handle, err := w.sink.Create("approval:"+username, text)
	if err != nil {
		log.Warn().Err(err).Str("username", username).Msg("Failed to publish approval message")
		return
	}

	affs := []panel.Affordance{
		{ID: ApproveID, Label: ApproveID},
		{ID: RejectID, Label: RejectID},
	}
	if err := w.sink.SetAffordances(handle, affs); err != nil {
		log.Warn().Err(err).Str("username", username).Msg("Failed to attach decision affordances")
	}

	w.mu.Lock()
	w.decisions[handle] = decision{
		username:    username,
		requesterID: identity,
		publishedAt: w.now(),
	}
	w.mu.Unlock()
}

// Approve moves a pending request into the player stores with zeroed
// counters and the requester identity attached. Returns false when the
// username is not pending, so a stale affordance triggered twice is
// safely ignored.
func (w *Workflow) Approve(username string) bool {
	requesterID, ok, err := w.repo.ApproveRequest(username, w.now())
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("Approve failed")
		return false
	}
	if !ok {
		return false
	}

	w.agg.LinkIdentity(username, requesterID)
	log.Info().Str("username", username).Str("identity", requesterID).Msg("Registration approved")

	// Best-effort, fire-and-forget.
	if err := w.sink.Notify(requesterID, fmt.Sprintf("Your registration for `%s` was approved!", username)); err != nil {
		log.Debug().Err(err).Str("identity", requesterID).Msg("Approval notification failed")
	}

	return true
}

// Reject deletes a pending request. Returns false when the username is not
// pending.
func (w *Workflow) Reject(username string) bool {
	req, err := w.repo.GetRequest(username)
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("Request lookup failed")
		return false
	}
	if req == nil {
		return false
	}

	ok, err := w.repo.RejectRequest(username)
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("Reject failed")
		return false
	}
	if !ok {
		return false
	}

	log.Info().Str("username", username).Msg("Registration rejected")

	if err := w.sink.Notify(req.RequesterID, fmt.Sprintf("Your registration for `%s` was rejected.", username)); err != nil {
		log.Debug().Err(err).Str("identity", req.RequesterID).Msg("Rejection notification failed")
	}

	return true
}

// Pending returns all requests awaiting a decision, oldest first.
func (w *Workflow) Pending() []storage.PendingRequest {
	reqs, err := w.repo.ListRequests()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list pending requests")
		return nil
	}

	return reqs
}

// HandleTrigger services an affordance event on a decision message. Events
// on unknown handles, from non-admins, or after the decision TTL are
// ignored.
func (w *Workflow) HandleTrigger(ev panel.Event) {
	w.mu.Lock()
	dec, ok := w.decisions[ev.Handle]
	if ok && w.now().Sub(dec.publishedAt) > DecisionTTL {
		delete(w.decisions, ev.Handle)
		ok = false
	}
	w.mu.Unlock()

	if !ok {
		return
	}

	if !w.sink.IsAdmin(ev.ActorID) {
		log.Debug().Str("actor", ev.ActorID).Msg("Decision trigger from non-admin ignored")
		return
	}

	var decided bool
	switch ev.AffordanceID {
	case ApproveID:
		decided = w.Approve(dec.username)
	case RejectID:
		decided = w.Reject(dec.username)
	default:
		return
	}

	if !decided {
		// Already consumed by an earlier trigger or command.
		log.Debug().Str("username", dec.username).Msg("Stale decision trigger ignored")
	}

	w.mu.Lock()
	delete(w.decisions, ev.Handle)
	w.mu.Unlock()

	w.closeDecision(ev.Handle, dec.username, ev.AffordanceID, decided)
}

func (w *Workflow) closeDecision(handle panel.Handle, username, affordance string, decided bool) {
	var text string
	switch {
	case !decided:
		text = fmt.Sprintf("Request for `%s` no longer exists", username)
	case affordance == ApproveID:
		text = fmt.Sprintf("%s Approved `%s`", ApproveID, username)
	default:
		text = fmt.Sprintf("%s Rejected `%s`", RejectID, username)
	}

	if err := w.sink.Edit(handle, text); err != nil {
		log.Debug().Err(err).Msg("Failed to close decision message")
	}
	if err := w.sink.SetAffordances(handle, nil); err != nil {
		log.Debug().Err(err).Msg("Failed to clear decision affordances")
	}
}

// Routes reports whether the workflow currently owns the given handle.
func (w *Workflow) Routes(handle panel.Handle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok := w.decisions[handle]
	return ok
}
