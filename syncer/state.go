package syncer

// State is the orchestrator's position in a run.
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateReconciling State = "reconciling"
	StateFinalizing  State = "finalizing"
	StateCompleted   State = "completed"
	StateAborted     State = "aborted"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}
