// Package subscription manages the versioned sets of named queries which
// select the objects a flexible sync session replicates.
//
// A Set is immutable once committed. Updates are made to a MutableSet copy
// of the latest Set, which is committed as a new Set version, atomically
// superseding prior versions. A committed Set progresses through states:
//
//	Bootstrapping -> Pending -> Complete
//	Bootstrapping -> Error
//	Pending       -> Error
//
// and any non-Error Set becomes Superseded once a newer version commits.
package subscription

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.strata.dev/core/query"
)

// State of a Set.
type State int

const (
	// Uncommitted is the State of a MutableSet.
	Uncommitted State = iota
	// Bootstrapping Sets are committed locally, and await the server's
	// acceptance and initial data.
	Bootstrapping
	// Pending Sets were accepted by the server, and their initial data is
	// being applied.
	Pending
	// Complete Sets are fully synchronized.
	Complete
	// Error Sets were rejected by the server.
	Error
	// Superseded Sets were replaced by a newer version.
	Superseded
)

var stateNames = [...]string{"uncommitted", "bootstrapping", "pending", "complete", "error", "superseded"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return errors.Errorf("unknown subscription state %q", b)
}

// Subscription is a query of objects to synchronize.
type Subscription struct {
	ID uuid.UUID `json:"id"`
	// Name of the Subscription, or empty if it's anonymous.
	Name  string `json:"name,omitempty"`
	Class string `json:"class"`
	// Query is the description of the query, as produced by query.Query.String.
	Query     string    `json:"query"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Anonymous returns whether the Subscription is unnamed.
func (s Subscription) Anonymous() bool { return s.Name == "" }

// Parse the Subscription's query.
func (s Subscription) Parse() (query.Query, error) {
	return query.ParseQuery(s.Class, s.Query)
}

func (s Subscription) matches(q query.Query) bool {
	return s.Class == q.Class && s.Query == q.String()
}

// Set is an immutable version of the Subscriptions of a file.
type Set struct {
	Version       uint64         `json:"version"`
	State         State          `json:"state"`
	Reason        string         `json:"reason,omitempty"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// Len returns the number of Subscriptions of the Set.
func (s Set) Len() int { return len(s.Subscriptions) }

// FindByName returns the Subscription of |name|.
func (s Set) FindByName(name string) (Subscription, bool) { return findByName(s.Subscriptions, name) }

// FindByQuery returns the first Subscription of query |q|.
func (s Set) FindByQuery(q query.Query) (Subscription, bool) { return findByQuery(s.Subscriptions, q) }

// Err returns the reason of an Error Set, or nil.
func (s Set) Err() error {
	if s.State != Error {
		return nil
	}
	return errors.WithMessage(ErrFailed, s.Reason)
}

func (s Set) clone() Set {
	s.Subscriptions = append([]Subscription(nil), s.Subscriptions...)
	return s
}

func findByName(subs []Subscription, name string) (Subscription, bool) {
	for _, s := range subs {
		if s.Name != "" && s.Name == name {
			return s, true
		}
	}
	return Subscription{}, false
}

func findByQuery(subs []Subscription, q query.Query) (Subscription, bool) {
	for _, s := range subs {
		if s.matches(q) {
			return s, true
		}
	}
	return Subscription{}, false
}

// MutableSet is an Uncommitted copy of a Set, modified within Manager.Update.
type MutableSet struct {
	base Set
	subs []Subscription
	now  func() time.Time
}

// Subscriptions of the MutableSet.
func (m *MutableSet) Subscriptions() []Subscription {
	return append([]Subscription(nil), m.subs...)
}

// State of the MutableSet, which is always Uncommitted.
func (m *MutableSet) State() State { return Uncommitted }

// FindByName returns the Subscription of |name|.
func (m *MutableSet) FindByName(name string) (Subscription, bool) { return findByName(m.subs, name) }

// FindByQuery returns the first Subscription of query |q|.
func (m *MutableSet) FindByQuery(q query.Query) (Subscription, bool) { return findByQuery(m.subs, q) }

// Add a Subscription of |q|. An anonymous Subscription (empty |name|) of a
// query which is already subscribed returns the existing Subscription. A
// named Subscription which exists with a different query fails with
// ErrNameInUse, unless |updateExisting|, in which case its query is replaced.
func (m *MutableSet) Add(q query.Query, name string, updateExisting bool) (Subscription, error) {
	if err := q.Validate(); err != nil {
		return Subscription{}, err
	}
	var now = m.now()

	if name == "" {
		for _, s := range m.subs {
			if s.Anonymous() && s.matches(q) {
				return s, nil
			}
		}
	} else {
		for i, s := range m.subs {
			if s.Name != name {
				continue
			} else if s.matches(q) {
				return s, nil
			} else if !updateExisting {
				return Subscription{}, errors.WithMessagef(ErrNameInUse,
					"subscription %q has query %s %s", name, s.Class, s.Query)
			}
			s.Class, s.Query, s.UpdatedAt = q.Class, q.String(), now
			m.subs[i] = s
			return s, nil
		}
	}

	var s = Subscription{
		ID:        uuid.New(),
		Name:      name,
		Class:     q.Class,
		Query:     q.String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.subs = append(m.subs, s)
	return s, nil
}

// Remove Subscription |sub|, returning whether it was present.
func (m *MutableSet) Remove(sub Subscription) bool {
	return m.removeIf(func(s Subscription) bool { return s.ID == sub.ID })
}

// RemoveByName removes the Subscription of |name|.
func (m *MutableSet) RemoveByName(name string) bool {
	return m.removeIf(func(s Subscription) bool { return s.Name != "" && s.Name == name })
}

// RemoveByClass removes all Subscriptions of |class|. If |anonymousOnly|,
// named Subscriptions are retained.
func (m *MutableSet) RemoveByClass(class string, anonymousOnly bool) bool {
	return m.removeIf(func(s Subscription) bool {
		return s.Class == class && (!anonymousOnly || s.Anonymous())
	})
}

// RemoveAll removes every Subscription. If |anonymousOnly|, named
// Subscriptions are retained.
func (m *MutableSet) RemoveAll(anonymousOnly bool) bool {
	return m.removeIf(func(s Subscription) bool { return !anonymousOnly || s.Anonymous() })
}

func (m *MutableSet) removeIf(fn func(Subscription) bool) bool {
	var out = m.subs[:0:0]
	for _, s := range m.subs {
		if !fn(s) {
			out = append(out, s)
		}
	}
	var removed = len(out) != len(m.subs)
	m.subs = out
	return removed
}

var (
	// ErrNameInUse is returned when adding a named Subscription whose name
	// is in use by a different query.
	ErrNameInUse = errors.New("subscription name is in use by a different query")
	// ErrFailed is the cause of the error of an Error Set.
	ErrFailed = errors.New("subscription set failed")
	// ErrSuperseded is returned when waiting upon a Set which was replaced.
	ErrSuperseded = errors.New("subscription set was superseded")
	// ErrIllegalTransition is returned for a State transition not allowed
	// from the Set's current State.
	ErrIllegalTransition = errors.New("illegal subscription state transition")
)

// transitions allowed by Manager.Transition.
var transitions = map[State][]State{
	Bootstrapping: {Pending, Error},
	Pending:       {Complete, Error},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
