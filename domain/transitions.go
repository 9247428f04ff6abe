package domain

// TransitionTable lists, per source lane, the lanes a task may move to.
// A nil table allows every move. Moving a task to the lane it is already
// in is always allowed.
type TransitionTable map[Lane][]Lane

// DefaultWorkflow is the strict table enabled by configuration: work flows
// forward one step at a time, can step back one lane, and any lane may
// divert to or return from recovery.
func DefaultWorkflow() TransitionTable {
	return TransitionTable{
		LaneBacklog:    {LaneTodo, LaneRecovery},
		LaneTodo:       {LaneBacklog, LaneInProgress, LaneRecovery},
		LaneInProgress: {LaneTodo, LaneDone, LaneRecovery},
		LaneDone:       {LaneInProgress, LaneRecovery},
		LaneRecovery:   {LaneBacklog, LaneTodo, LaneInProgress},
	}
}

// Check returns an InvalidTransitionError when from -> to is not allowed.
func (t TransitionTable) Check(from, to Lane) error {
	if t == nil || from == to {
		return nil
	}
	for _, allowed := range t[from] {
		if allowed == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to}
}
