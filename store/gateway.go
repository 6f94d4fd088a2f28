// Package store is the persistence boundary of the room coordinator.
// Every implementation validates records before writing them and reports
// failures with the sentinel errors below.
package store

import (
	"context"
	"errors"

	"quizroom/models"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrDuplicate   = errors.New("duplicate record")
	ErrConflict    = errors.New("stale version")
	ErrRoomClosed  = errors.New("room is not accepting this write")
	ErrFull        = errors.New("room is full")
	ErrInvalid     = errors.New("invalid record")
	ErrUnavailable = errors.New("store unavailable")
)

// RoomFilter narrows ListRooms. Zero values mean "any".
type RoomFilter struct {
	Status   models.RoomStatus
	OnlyOpen bool // current_players < max_players
	Limit    int
}

// Gateway is the typed CRUD surface over rooms, players, questions and answers.
type Gateway interface {
	CreateRoom(ctx context.Context, room *models.Room) error
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	// ListRooms returns rooms newest first.
	ListRooms(ctx context.Context, filter RoomFilter) ([]models.Room, error)
	// UpdateRoom writes every mutable field if room.Version still matches the
	// stored row, then bumps room.Version. ErrConflict otherwise.
	UpdateRoom(ctx context.Context, room *models.Room) error
	// DeleteRoom removes the room and everything that references it.
	// A positive version makes the delete conditional.
	DeleteRoom(ctx context.Context, id string, version int64) error

	InsertPlayer(ctx context.Context, player *models.Player) error
	GetPlayer(ctx context.Context, roomID, userID string) (*models.Player, error)
	// ListPlayers returns the room's players ordered by join time.
	ListPlayers(ctx context.Context, roomID string) ([]models.Player, error)
	DeletePlayer(ctx context.Context, roomID, userID string) error
	// RemovePlayer deletes the player row of userID and, in the same unit,
	// writes room under the UpdateRoom version check, or deletes it when
	// deleteRoom is set. Nothing is written on ErrNotFound or ErrConflict.
	RemovePlayer(ctx context.Context, room *models.Room, userID string, deleteRoom bool) error
	SetReady(ctx context.Context, roomID, playerID string, ready bool) error
	AddScore(ctx context.Context, roomID, playerID string, delta int) error
	SetCurrentAnswer(ctx context.Context, roomID, playerID string, value *int) error
	ClearCurrentAnswers(ctx context.Context, roomID string) error

	// InsertQuestion fails with ErrDuplicate if the sequence exists and
	// ErrRoomClosed if the room is not in progress.
	InsertQuestion(ctx context.Context, q *models.Question) error
	GetQuestion(ctx context.Context, id string) (*models.Question, error)
	LatestQuestion(ctx context.Context, roomID string) (*models.Question, error)
	GetQuestionBySequence(ctx context.Context, roomID string, sequence int) (*models.Question, error)

	InsertAnswer(ctx context.Context, a *models.Answer) error
	// RecordAnswer inserts a and adds credit to the player's score in the same
	// unit. ErrDuplicate if the user already answered, ErrNotFound if the
	// player is gone; neither row changes in either case.
	RecordAnswer(ctx context.Context, a *models.Answer, playerID string, credit int) error
	GetAnswer(ctx context.Context, questionID, userID string) (*models.Answer, error)
	ListAnswers(ctx context.Context, questionID string) ([]models.Answer, error)
}

// SeatCounter is implemented by stores that can reserve a seat with a single
// conditional write: increment current_players only while the room is
// waiting and below max_players. It returns the updated room, ErrFull or
// ErrRoomClosed.
type SeatCounter interface {
	IncrementPlayersIfBelow(ctx context.Context, roomID string) (*models.Room, error)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
