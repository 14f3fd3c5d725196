package reconcile

import (
	"fmt"

	"github.com/sundayezeilo/linkconsole/internal/errx"
)

// State is where a submission stands.
type State uint8

const (
	Idle State = iota
	Checking
	New
	ActiveDuplicate
	NeedsDecision
	Submitting
	Success
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Checking:
		return "CHECKING"
	case New:
		return "NEW"
	case ActiveDuplicate:
		return "ACTIVE_DUPLICATE"
	case NeedsDecision:
		return "NEEDS_DECISION"
	case Submitting:
		return "SUBMITTING"
	case Success:
		return "SUCCESS"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Busy reports whether a request is in flight.
func (s State) Busy() bool {
	return s == Checking || s == Submitting
}

// Event drives a State change.
type Event uint8

const (
	OnProbe Event = iota
	OnSubmit
	OnProbedNew
	OnProbedActive
	OnInactive
	OnAccepted
	OnRejected
	OnReuse
	OnCreateNew
	OnReset
)

func (e Event) String() string {
	switch e {
	case OnProbe:
		return "probe"
	case OnSubmit:
		return "submit"
	case OnProbedNew:
		return "probed_new"
	case OnProbedActive:
		return "probed_active"
	case OnInactive:
		return "inactive"
	case OnAccepted:
		return "accepted"
	case OnRejected:
		return "rejected"
	case OnReuse:
		return "reuse"
	case OnCreateNew:
		return "create_new"
	case OnReset:
		return "reset"
	default:
		return fmt.Sprintf("Event(%d)", e)
	}
}

// Transition returns the state that follows from on event ev. It has no side
// effects; guards that depend on more than the state (such as a preserved
// decision for a retry from Failed) are checked by the Reconciler.
func Transition(from State, ev Event) (State, error) {
	const op = "reconcile.Transition"

	switch ev {
	case OnReset:
		return Idle, nil

	case OnProbe:
		switch from {
		case Idle, New, ActiveDuplicate, NeedsDecision, Success, Failed:
			return Checking, nil
		}

	case OnSubmit:
		switch from {
		case Idle, New, ActiveDuplicate, Success, Failed:
			return Checking, nil
		}

	case OnProbedNew:
		if from == Checking {
			return New, nil
		}

	case OnProbedActive:
		if from == Checking {
			return ActiveDuplicate, nil
		}

	case OnInactive:
		if from == Checking || from == Submitting {
			return NeedsDecision, nil
		}

	case OnAccepted:
		if from == Checking || from == Submitting {
			return Success, nil
		}

	case OnRejected:
		if from == Checking || from == Submitting {
			return Failed, nil
		}

	case OnReuse, OnCreateNew:
		if from == NeedsDecision || from == Failed {
			return Submitting, nil
		}
	}

	return from, errx.Errorf(op, errx.Validation, "invalid transition: %s on %s", from, ev)
}
