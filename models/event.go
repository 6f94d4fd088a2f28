package models

import (
	"encoding/json"
	"time"
)

// Table names carried on change events.
const (
	TableRooms     = "rooms"
	TablePlayers   = "players"
	TableQuestions = "questions"
	TableAnswers   = "answers"
)

// EventType describes the kind of row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent tells subscribers that a row in a room may have changed.
// Receivers re-read state instead of applying Row as a diff.
type ChangeEvent struct {
	Table     string          `json:"table"`
	EventType EventType       `json:"event_type"`
	RoomID    string          `json:"room_id"`
	RowID     string          `json:"row_id"`
	Row       json.RawMessage `json:"row,omitempty"`
	At        time.Time       `json:"at"`
}
