// Package store defines the persistence contract consumed by the catalogs,
// script runner, and report renderer, plus an in-memory implementation used
// by tests and single-process deployments. The PostgreSQL implementation
// lives in internal/storage.
package store

import (
	"context"

	"github.com/aurelia-ai/facet/internal/model"
)

// Write is one pending snapshot append. The store assigns the snapshot id,
// timestamp, sequence number, and content hash.
type Write struct {
	AttributeID string
	Value       model.Value
	Observer    string
	Blame       *model.Blame
}

// DeleteUserResult counts the rows removed by a cascading user deletion.
type DeleteUserResult struct {
	Snapshots int64 `json:"snapshots"`
	Users     int64 `json:"users"`
}

// AttributeStore persists each user's named attributes as append-only
// snapshot histories.
//
// Append and AppendBatch are atomic per (user, attribute) pair under
// concurrent callers: concurrent appends both land, ordered by
// store-assigned timestamp and sequence, and no prior entry is ever
// rewritten. A write whose value kind differs from the kind established by
// the pair's first snapshot fails with model.ErrTypeMismatch. AppendBatch
// is all-or-nothing across its writes.
type AttributeStore interface {
	// GetAttribute returns the current value and full history, or a
	// model.NotFoundError if the attribute was never observed for the user.
	GetAttribute(ctx context.Context, userID, attributeID string) (model.UserAttribute, error)

	// History returns the snapshots oldest-to-newest.
	History(ctx context.Context, userID, attributeID string) ([]model.Snapshot, error)

	// ListAttributeIDs returns the ids of every attribute observed for the
	// user, sorted. A user with no observations yields an empty list, not
	// an error.
	ListAttributeIDs(ctx context.Context, userID string) ([]string, error)

	Append(ctx context.Context, userID string, w Write) (model.Snapshot, error)
	AppendBatch(ctx context.Context, userID string, ws []Write) ([]model.Snapshot, error)
}

// UserStore resolves and removes user profile rows. Deletion cascades:
// a user's snapshots go with the user row, atomically.
type UserStore interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	PutUser(ctx context.Context, u model.User) error
	DeleteUser(ctx context.Context, id string) (DeleteUserResult, error)
}

// DefinitionStore is the read side of the definition catalogs. Definitions
// are created and edited by an external CRUD collaborator; this core only
// consumes already-validated records by id. Tag queries run against the
// denormalized boolean-map tag index.
type DefinitionStore interface {
	AttributeDefinition(ctx context.Context, id string) (model.AttributeDefinition, error)
	ScriptDefinition(ctx context.Context, id string) (model.ScriptDefinition, error)
	ReportDefinition(ctx context.Context, id string) (model.ReportDefinition, error)

	ListScripts(ctx context.Context, tag string) ([]model.ScriptDefinition, error)
	ListReports(ctx context.Context, tag string) ([]model.ReportDefinition, error)

	PutAttributeDefinition(ctx context.Context, d model.AttributeDefinition) error
	PutScriptDefinition(ctx context.Context, d model.ScriptDefinition) error
	PutReportDefinition(ctx context.Context, d model.ReportDefinition) error
}

// Store is the full persistence collaborator contract.
type Store interface {
	AttributeStore
	UserStore
	DefinitionStore
}
