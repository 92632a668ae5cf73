package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden is returned when a non-host attempts a host-only transition.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState is returned when an action is not legal in the room's current status.
	ErrInvalidState = errors.New("invalid room state")
	// ErrConflict is returned for a second answer to the same question by the same player.
	ErrConflict = errors.New("conflict")
	// ErrNotFound is the common parent of all lookup failures.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks an empty or malformed field.
	ErrValidation = errors.New("validation failed")

	// ErrStaleState is returned by a store write whose room changed since it
	// was read. Callers re-read and try again.
	ErrStaleState = fmt.Errorf("%w: room changed concurrently", ErrInvalidState)

	ErrRoomNotFound     = fmt.Errorf("room %w", ErrNotFound)
	ErrQuestionNotFound = fmt.Errorf("question %w", ErrNotFound)
	ErrPlayerNotFound   = fmt.Errorf("player %w", ErrNotFound)
)
