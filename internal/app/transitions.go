package app

import (
	"fmt"

	"majority-vote-service/internal/domain"
)

// Action is a host-only room transition.
type Action string

const (
	ActionStart   Action = "start"
	ActionReveal  Action = "reveal"
	ActionAdvance Action = "advance"
)

// nextState is the room state machine. It returns the state the room moves to
// when actorID performs action, or the reason the action is illegal. It never
// mutates anything; callers commit the result conditionally on room.State().
func nextState(room domain.Room, actorID string, action Action, questionCount, playerCount int) (domain.RoomState, error) {
	if actorID == "" || actorID != room.HostPlayerID {
		return domain.RoomState{}, fmt.Errorf("%w: only the host can %s the room", domain.ErrForbidden, action)
	}

	cur := room.State()
	switch action {
	case ActionStart:
		if cur.Status != domain.StatusWaiting {
			return domain.RoomState{}, invalid(action, cur.Status)
		}
		if playerCount < 1 || questionCount < 1 {
			return domain.RoomState{}, fmt.Errorf("%w: room needs players and questions to start", domain.ErrInvalidState)
		}
		return domain.RoomState{Status: domain.StatusAnswering, CurrentQuestionIndex: cur.CurrentQuestionIndex}, nil

	case ActionReveal:
		if cur.Status != domain.StatusAnswering {
			return domain.RoomState{}, invalid(action, cur.Status)
		}
		return domain.RoomState{Status: domain.StatusShowingResult, CurrentQuestionIndex: cur.CurrentQuestionIndex}, nil

	case ActionAdvance:
		if cur.Status != domain.StatusShowingResult {
			return domain.RoomState{}, invalid(action, cur.Status)
		}
		if cur.CurrentQuestionIndex+1 < questionCount {
			return domain.RoomState{Status: domain.StatusAnswering, CurrentQuestionIndex: cur.CurrentQuestionIndex + 1}, nil
		}
		return domain.RoomState{Status: domain.StatusFinished, CurrentQuestionIndex: cur.CurrentQuestionIndex}, nil
	}
	return domain.RoomState{}, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidState, action)
}

func invalid(action Action, status domain.RoomStatus) error {
	return fmt.Errorf("%w: cannot %s while %s", domain.ErrInvalidState, action, status)
}

// answerWindow classifies a submission for question q in room. A question is
// late once its round has closed: an earlier index, or the current one after
// results were revealed. Questions not reached yet cannot be answered.
func answerWindow(room domain.Room, q domain.Question) (late bool, err error) {
	switch {
	case room.Status == domain.StatusWaiting:
		return false, fmt.Errorf("%w: game has not started", domain.ErrInvalidState)
	case q.OrderIndex < room.CurrentQuestionIndex:
		return true, nil
	case q.OrderIndex > room.CurrentQuestionIndex:
		return false, fmt.Errorf("%w: question %d is not open yet", domain.ErrInvalidState, q.OrderIndex)
	case room.Status == domain.StatusAnswering:
		return false, nil
	default:
		return true, nil
	}
}
