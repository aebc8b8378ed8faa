package workflow

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"hypoline/internal/domain"
)

// Stage lifecycle states and events. No event leads out of StateDone.
const (
	StateOpen     = "open"
	StateDone     = "done"
	EventComplete = "complete"
)

var lifecycleEvents = fsm.Events{
	{Name: EventComplete, Src: []string{StateOpen}, Dst: StateDone},
}

func stageState(s domain.Stage) string {
	if s.Done {
		return StateDone
	}
	return StateOpen
}

// newLifecycle returns a machine positioned at the stage's current state.
func newLifecycle(s domain.Stage) *fsm.FSM {
	return fsm.NewFSM(stageState(s), lifecycleEvents, fsm.Callbacks{})
}

// complete fires the completion event. It reports false when the stage was
// already done.
func complete(ctx context.Context, s domain.Stage) (bool, error) {
	m := newLifecycle(s)
	if err := m.Event(ctx, EventComplete); err != nil {
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) {
			return false, nil
		}
		return false, err
	}
	return m.Current() == StateDone, nil
}

// CanComplete reports whether the stage lifecycle still allows completion.
func CanComplete(s domain.Stage) bool {
	return newLifecycle(s).Can(EventComplete)
}
