package persistm

import "context"

// StateHooks is the capability interface a derived state machine implements.
// The persistence layer delegates to it for everything that involves the
// derived in-memory state: producing and restoring snapshots, and tracking
// how far the apply loop has progressed.
//
// Applier implements the cursor-related half of this interface; derived
// services typically embed one and add the snapshot hooks.
type StateHooks interface {
	// TakeSnapshot captures a consistent point-in-time snapshot of the derived
	// state. The returned header offset must not exceed the offset the state
	// actually reflects.
	TakeSnapshot(ctx context.Context) (Snapshot, error)

	// ApplySnapshot replaces the derived in-memory state with the snapshot.
	ApplySnapshot(ctx context.Context, header SnapshotHeader, payload []byte) error

	// WaitUntilApplied blocks until the apply loop has applied offset, or the
	// context expires.
	WaitUntilApplied(ctx context.Context, offset Offset) error

	// ResetApplyCursor positions the apply loop to consume from offset next.
	ResetApplyCursor(offset Offset)

	// AppliedOffset returns the highest applied offset, or -1.
	AppliedOffset() Offset

	// OnEvictionDetected runs when the log has been truncated past the state
	// the derived machine knows; the machine must arrange to rebuild.
	OnEvictionDetected()
}
