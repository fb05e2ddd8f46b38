package domain

import "time"

// Event types emitted by the ledger and the execution engine. Together with
// their Detail payloads they are sufficient for an external indexer to
// reconstruct full position history without replaying state.
const (
	EventPositionCreated  = "position_created"
	EventPositionModified = "position_modified"
	EventPositionPaused   = "position_paused"
	EventPositionResumed  = "position_resumed"
	EventPositionCanceled = "position_canceled"
	EventEmergencyExit    = "emergency_exit"
	EventDeposit          = "deposit"
	EventWithdraw         = "withdraw"
	EventOwnerChanged     = "owner_changed"
	EventSettlement       = "settlement"
	EventExecutionSkipped = "execution_skipped"
	EventAdminChange      = "admin_change"
)

// Event is one append-only telemetry record.
type Event struct {
	ID         string
	Type       string
	PositionID PositionID // zero for global/admin events
	Detail     map[string]any
	At         time.Time
}
