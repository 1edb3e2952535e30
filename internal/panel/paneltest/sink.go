// Package paneltest provides an in-memory panel.Sink for tests.
package paneltest

import (
	"fmt"
	"sync"

	"github.com/kmalyugin/serverwatch/internal/panel"
)

// Doc is one published document with its current affordance set.
type Doc struct {
	Label       string
	Content     string
	Affordances []panel.Affordance
}

// Sink records every operation so tests can assert on mutation counts and
// final state. All methods are safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	nextID int
	docs   map[panel.Handle]*Doc

	events   chan panel.Event
	commands chan panel.Command

	// Operation counters.
	Creates          int
	Edits            int
	AffordanceWrites int

	// Admins is the set of actor ids treated as administrators.
	Admins map[string]bool

	// Notifications records Notify calls as "identity: text".
	Notifications []string

	// FailEdits makes every Edit return an error other than ErrNotFound.
	FailEdits bool
}

// New creates an empty sink.
func New() *Sink {
	return &Sink{
		docs:     make(map[panel.Handle]*Doc),
		events:   make(chan panel.Event, 16),
		commands: make(chan panel.Command, 16),
		Admins:   make(map[string]bool),
	}
}

// Create publishes a document.
func (s *Sink) Create(label, content string) (panel.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.Creates++
	handle := panel.Handle(fmt.Sprintf("msg-%d", s.nextID))
	s.docs[handle] = &Doc{Label: label, Content: content}

	return handle, nil
}

// Edit replaces a document's content.
func (s *Sink) Edit(handle panel.Handle, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailEdits {
		return fmt.Errorf("paneltest: edit refused")
	}

	doc, ok := s.docs[handle]
	if !ok {
		return panel.ErrNotFound
	}

	s.Edits++
	doc.Content = content

	return nil
}

// Delete removes a document.
func (s *Sink) Delete(handle panel.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[handle]; !ok {
		return panel.ErrNotFound
	}
	delete(s.docs, handle)

	return nil
}

// SetAffordances replaces a document's affordance set.
func (s *Sink) SetAffordances(handle panel.Handle, affordances []panel.Affordance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[handle]
	if !ok {
		return panel.ErrNotFound
	}

	s.AffordanceWrites++
	doc.Affordances = affordances

	return nil
}

// Lookup finds the document published under label.
func (s *Sink) Lookup(label string) (panel.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for handle, doc := range s.docs {
		if doc.Label == label {
			return handle, nil
		}
	}

	return "", panel.ErrNotFound
}

// Notify records a direct message.
func (s *Sink) Notify(identity, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Notifications = append(s.Notifications, identity+": "+text)

	return nil
}

// IsAdmin consults the Admins set.
func (s *Sink) IsAdmin(actorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.Admins[actorID]
}

// Events returns the trigger channel; tests may send into Inject.
func (s *Sink) Events() <-chan panel.Event { return s.events }

// Commands returns the command channel.
func (s *Sink) Commands() <-chan panel.Command { return s.commands }

// InjectEvent delivers an affordance trigger as the surface would.
func (s *Sink) InjectEvent(ev panel.Event) { s.events <- ev }

// InjectCommand delivers a user command as the surface would.
func (s *Sink) InjectCommand(cmd panel.Command) { s.commands <- cmd }

// Doc returns the live document for handle, or nil.
func (s *Sink) Doc(handle panel.Handle) *Doc {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.docs[handle]
}

// DocByLabel returns the live document published under label, or nil.
func (s *Sink) DocByLabel(label string) *Doc {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range s.docs {
		if doc.Label == label {
			return doc
		}
	}

	return nil
}

// Drop removes a document without going through Delete, simulating an
// external human deleting the message.
func (s *Sink) Drop(handle panel.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, handle)
}
