package rotation

// State is a step of the rotation transaction, or the outcome of an attempt
// that ended before reaching one.
type State string

const (
	StateIdle         State = "idle"
	StateLockAcquired State = "lock_acquired"
	StateBackedUp     State = "backed_up"
	StateReencrypting State = "reencrypting"
	StateCommitted    State = "committed"
	StateRolledBack   State = "rolled_back"

	// StateUpToDate: metadata already names today; nothing to do.
	StateUpToDate State = "up_to_date"
	// StateContended: another rotation holds a fresh lock.
	StateContended State = "contended"
	// StateActivated: encryption was switched on for a fresh store.
	StateActivated State = "activated"
	// StateAborted: the backup phase failed before any file was rewritten.
	StateAborted State = "aborted"
	// StateRollbackIncomplete: a restore could not be verified. The snapshot
	// must be applied by hand.
	StateRollbackIncomplete State = "rollback_incomplete"
)

// Failed reports whether the attempt ended in a failure state.
func (s State) Failed() bool {
	switch s {
	case StateRolledBack, StateAborted, StateRollbackIncomplete:
		return true
	default:
		return false
	}
}

// Result describes one call to Rotate.
type Result struct {
	AttemptID    string
	State        State
	PreviousDate string
	Date         string
	// Processed lists the files rewritten under the new key, in order.
	Processed []string
	// Restored lists the files copied back from the snapshot on rollback.
	Restored []string
	// Snapshot is the backup directory of this attempt, if one was made.
	Snapshot string
}
