// Package panel abstracts the external messaging surface that renderable
// status and leaderboard documents are projected into.
package panel

import "errors"

// ErrNotFound is returned by Edit and Delete when the handle no longer
// resolves on the external surface, e.g. the document was deleted by a
// human. Callers treat it as a signal to recreate, not as a failure.
var ErrNotFound = errors.New("panel: handle not found")

// Handle is the opaque identity of one rendered document on the external
// surface. The zero value means "no document".
type Handle string

// Affordance is a discrete user-triggerable control attached to a panel,
// e.g. a numbered reaction or a labeled button.
type Affordance struct {
	// ID is the identifier echoed back in Events when triggered.
	ID string

	// Label is the user-visible marker.
	Label string
}

// Event is an affordance trigger delivered asynchronously by the surface.
type Event struct {
	Handle       Handle
	AffordanceID string
	ActorID      string
}

// Command is a user-issued text command delivered by the surface, e.g.
// a registration request with its argument.
type Command struct {
	ActorID string
	Verb    string
	Arg     string
}

// Sink is the consumed interface of the external messaging surface.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Create publishes a new document under the given label and returns
	// its handle.
	Create(label, content string) (Handle, error)

	// Edit replaces the content of an existing document. Returns
	// ErrNotFound when the handle no longer resolves.
	Edit(handle Handle, content string) error

	// Delete removes a document. Deleting an unresolvable handle returns
	// ErrNotFound.
	Delete(handle Handle) error

	// SetAffordances replaces the full affordance set of a document.
	// Partial edits are not supported by the surface, so the set is
	// cleared and reattached wholesale.
	SetAffordances(handle Handle, affordances []Affordance) error

	// Lookup resolves a previously published document by its label, so
	// panel state can be rebuilt across process restarts. Returns
	// ErrNotFound when no document carries the label.
	Lookup(label string) (Handle, error)

	// Notify delivers a direct message to an external identity.
	// Best-effort, fire-and-forget.
	Notify(identity, text string) error

	// IsAdmin reports whether the actor holds the administrator
	// capability on the external identity system.
	IsAdmin(actorID string) bool

	// Events returns the channel on which affordance triggers arrive.
	Events() <-chan Event

	// Commands returns the channel on which user commands arrive.
	Commands() <-chan Command
}
