// Package model defines the domain types shared by the store, catalogs,
// script runner, and report renderer: attribute values and their append-only
// snapshot histories, definition records, and the error taxonomy.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ObserverBot is the sentinel observer recorded on snapshots written by
// scripts rather than by a human-facing collaborator.
const ObserverBot = "bot"

// BlameSource names the kind of event that triggered a snapshot.
type BlameSource string

const (
	BlameMessage      BlameSource = "message"
	BlameConversation BlameSource = "conversation"
	BlameScript       BlameSource = "script"
)

// Valid reports whether s is a known blame source.
func (s BlameSource) Valid() bool {
	switch s {
	case BlameMessage, BlameConversation, BlameScript:
		return true
	}
	return false
}

// Blame identifies the triggering event behind a snapshot.
type Blame struct {
	Source BlameSource `json:"source"`
	ID     string      `json:"id"`
}

// Snapshot is one recorded value of an attribute: what was set, by whom,
// when, and why. Snapshots are immutable once written.
type Snapshot struct {
	ID          uuid.UUID `json:"id"`
	AttributeID string    `json:"attribute_id"`
	Value       Value     `json:"value"`
	Observer    string    `json:"observer"`
	Blame       *Blame    `json:"blame,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
	// Seq is the store-assigned append order within a (user, attribute)
	// history. It breaks ties between snapshots recorded in the same clock
	// tick.
	Seq int64 `json:"seq"`
	// ContentHash chains this snapshot to its predecessor (see the
	// integrity package). Empty on writes; populated by the store.
	ContentHash string `json:"content_hash,omitempty"`
}

// UserAttribute is one user's named attribute: the current value plus the
// full append-only history that produced it.
type UserAttribute struct {
	UserID      string     `json:"user_id"`
	AttributeID string     `json:"attribute_id"`
	Value       Value      `json:"value"`
	History     []Snapshot `json:"history"`
}

// Validate checks the structural invariants of a loaded attribute:
// non-empty history, current value equal to the last entry, non-decreasing
// timestamps, and a single value kind across all entries.
func (a UserAttribute) Validate() error {
	if len(a.History) == 0 {
		return fmt.Errorf("model: attribute %s: empty history", a.AttributeID)
	}
	last := a.History[len(a.History)-1]
	if !a.Value.Equal(last.Value) {
		return fmt.Errorf("model: attribute %s: current value diverges from last snapshot", a.AttributeID)
	}
	kind := a.History[0].Value.Kind()
	for i, s := range a.History {
		if s.Value.Kind() != kind {
			return fmt.Errorf("model: attribute %s: snapshot %d has kind %s, history established %s",
				a.AttributeID, i, s.Value.Kind(), kind)
		}
		if i > 0 && s.RecordedAt.Before(a.History[i-1].RecordedAt) {
			return fmt.Errorf("model: attribute %s: snapshot %d recorded before its predecessor", a.AttributeID, i)
		}
	}
	return nil
}

// User is the read-only profile snapshot exposed to scripts and templates.
type User struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	Phone        string     `json:"phone"`
	LastSignedIn *time.Time `json:"last_signed_in,omitempty"`
}
