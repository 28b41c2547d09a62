package facet

import (
	"time"

	"github.com/google/uuid"
)

// Blame identifies the triggering event behind a snapshot.
type Blame struct {
	// Source is "message", "conversation", or "script".
	Source string `json:"source"`
	ID     string `json:"id"`
}

// Snapshot is one recorded value of an attribute: what was set, by whom,
// when, and why. Snapshots are immutable once written.
type Snapshot struct {
	ID          uuid.UUID `json:"id"`
	AttributeID string    `json:"attribute_id"`
	// Value is a string, float64, or bool.
	Value       any       `json:"value"`
	Observer    string    `json:"observer"`
	Blame       *Blame    `json:"blame,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
	Seq         int64     `json:"seq"`
	ContentHash string    `json:"content_hash,omitempty"`
}

// Attribute is one user's named attribute: the current value plus the full
// append-only history that produced it.
type Attribute struct {
	UserID      string     `json:"user_id"`
	AttributeID string     `json:"attribute_id"`
	Value       any        `json:"value"`
	History     []Snapshot `json:"history"`
}

// Observation is one value to record for a user. The store assigns the
// snapshot id, timestamp, sequence, and content hash.
type Observation struct {
	AttributeID string
	// Value must be a string, bool, or numeric type.
	Value    any
	Observer string
	Blame    *Blame
}

// User is the profile record scripts and reports may reference.
type User struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	Phone        string     `json:"phone"`
	LastSignedIn *time.Time `json:"last_signed_in,omitempty"`
}

// IOSlot is one declared input or output of a script or report.
type IOSlot struct {
	AttributeID string `json:"attribute_id"`
	Optional    bool   `json:"optional,omitempty"`
}

// AttributeDefinition is a catalog entry describing one named attribute.
type AttributeDefinition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Tags        map[string]bool `json:"tags,omitempty"`
	Producers   []string        `json:"producers,omitempty"`
}

// ScriptDefinition is an admin-authored derivation: declared inputs,
// declared outputs, and the sandboxed source body.
type ScriptDefinition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Tags        map[string]bool `json:"tags,omitempty"`
	Inputs      []IOSlot        `json:"inputs"`
	Outputs     []IOSlot        `json:"outputs"`
	Source      string          `json:"source"`
}

// ReportDefinition is an admin-authored template over a user's current
// attribute values.
type ReportDefinition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Tags        map[string]bool `json:"tags,omitempty"`
	Inputs      []IOSlot        `json:"inputs"`
	Template    string          `json:"template"`
}

// RunResult is the outcome of a successful script run.
type RunResult struct {
	RunID uuid.UUID `json:"run_id"`
	// Updated lists the attribute ids that received a new snapshot.
	Updated []string `json:"updated"`
}

// DeleteUserResult counts the rows removed by a cascading user deletion.
type DeleteUserResult struct {
	Snapshots int64 `json:"snapshots"`
	Users     int64 `json:"users"`
}

// VerifyResult is the tamper-evidence verdict for one attribute history.
type VerifyResult struct {
	Verified bool `json:"verified"`
	// FirstInvalid is the index of the first snapshot whose stored hash
	// does not verify, or -1 when the whole chain holds.
	FirstInvalid int `json:"first_invalid"`
	Snapshots    int `json:"snapshots"`
	// ChainHead is the hash of the newest snapshot when the chain verifies.
	ChainHead string `json:"chain_head,omitempty"`
}

// UserVerifyResult is the verdict across all of a user's attributes.
type UserVerifyResult struct {
	Verified   bool                    `json:"verified"`
	Attributes map[string]VerifyResult `json:"attributes"`
	// MerkleRoot binds the chain heads of all attributes into one digest,
	// set only when every history verifies.
	MerkleRoot string `json:"merkle_root,omitempty"`
}
