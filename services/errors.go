// services/errors.go - Room coordinator error taxonomy
package services

import (
	"errors"
	"fmt"

	"quizroom/store"
)

var (
	ErrAuthorization      = errors.New("not authorized")
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomFull           = errors.New("room is full")
	ErrCapacityRace       = errors.New("could not reserve a seat, try again")
	ErrQuestionGeneration = errors.New("question generation failed")
	ErrStoreUnavailable   = errors.New("store unavailable, try again")

	ErrInvalidInput     = errors.New("invalid input")
	ErrNotEnoughPlayers = errors.New("not enough players to start")
	ErrGameNotWaiting   = errors.New("game already started")
	ErrNotInRoom        = errors.New("not a player in this room")
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// storeErr translates store failures that callers should see as taxonomy errors.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case store.IsTransient(err):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	case errors.Is(err, store.ErrInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return err
}
