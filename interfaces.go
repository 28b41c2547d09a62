package facet

import "context"

// SnapshotHook receives async notifications when new snapshots are
// recorded, both from direct observations and from script runs. Multiple
// hooks may be registered via multiple WithSnapshotHook calls. Hook methods
// run in goroutines after the write has committed; failures are logged but
// never fail the originating operation.
type SnapshotHook interface {
	OnSnapshotRecorded(ctx context.Context, userID string, snapshot Snapshot) error
}
