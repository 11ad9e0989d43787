// Package identity models the actors who move rules through the
// lifecycle and verifies the tokens they present. The lifecycle service
// cares about one distinction above all others: whether an actor is a
// human or an automated service, because the critical tiers accept only
// human approvers.
package identity

import "fmt"

// ActorKind separates people from automation.
type ActorKind string

const (
	KindHuman   ActorKind = "human"
	KindService ActorKind = "service"
)

// Valid reports whether the kind is known.
func (k ActorKind) Valid() bool {
	return k == KindHuman || k == KindService
}

// Actor is an authenticated caller.
type Actor struct {
	ID      string    `json:"id"`
	Kind    ActorKind `json:"kind"`
	Display string    `json:"display,omitempty"`
}

// Human reports whether the actor is a person.
func (a Actor) Human() bool {
	return a.Kind == KindHuman
}

// Validate checks the actor is usable for attribution.
func (a Actor) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("actor id must not be empty")
	}
	if !a.Kind.Valid() {
		return fmt.Errorf("actor %s: unknown kind %q", a.ID, a.Kind)
	}
	return nil
}

// SystemActor attributes internal maintenance work, like the stuck-rule
// sweep, that runs without a caller.
func SystemActor(component string) Actor {
	return Actor{ID: "system:" + component, Kind: KindService, Display: component}
}
