// models/multiplayer.go - Multiplayer room and player records
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRecord is wrapped by every Validate failure.
var ErrInvalidRecord = errors.New("invalid record")

// RoomStatus is the persisted lifecycle state of a room.
type RoomStatus string

const (
	RoomStatusWaiting    RoomStatus = "waiting"
	RoomStatusInProgress RoomStatus = "in_progress"
	RoomStatusCompleted  RoomStatus = "completed"
)

func (s RoomStatus) rank() int {
	switch s {
	case RoomStatusWaiting:
		return 0
	case RoomStatusInProgress:
		return 1
	case RoomStatusCompleted:
		return 2
	}
	return -1
}

// Valid reports whether s is one of the known statuses.
func (s RoomStatus) Valid() bool {
	return s.rank() >= 0
}

// CanTransition reports whether moving from s to next is a single forward step.
func (s RoomStatus) CanTransition(next RoomStatus) bool {
	return s.Valid() && next.Valid() && next.rank() == s.rank()+1
}

// Room represents one multiplayer quiz session
type Room struct {
	ID             string     `json:"id" gorm:"primaryKey;size:36"`
	Name           string     `json:"name" gorm:"not null;size:100"`
	HostUserID     string     `json:"host_user_id" gorm:"not null;size:100;index"`
	MaxPlayers     int        `json:"max_players" gorm:"not null;default:2"`
	CurrentPlayers int        `json:"current_players" gorm:"not null;default:0"`
	Status         RoomStatus `json:"status" gorm:"not null;default:'waiting';size:20;index"`
	TotalQuestions int        `json:"total_questions" gorm:"not null;default:10"`
	TimeLimitMs    int64      `json:"time_limit_ms" gorm:"not null"`

	// Start handshake
	CountdownEndsAt *time.Time `json:"countdown_ends_at"`
	StartedBy       string     `json:"started_by" gorm:"size:100"`

	// Set when the game was ended early because no further question could be produced
	Failed        bool   `json:"failed" gorm:"default:false"`
	FailureReason string `json:"failure_reason,omitempty" gorm:"size:255"`

	PasscodeHash string `json:"-" gorm:"size:100"`
	Private      bool   `json:"private" gorm:"default:false"`

	// Optimistic write token, bumped by every update
	Version int64 `json:"version" gorm:"not null;default:1"`

	CreatedAt   time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Player represents one participant in one room
type Player struct {
	ID            string    `json:"id" gorm:"primaryKey;size:36"`
	RoomID        string    `json:"room_id" gorm:"not null;size:36;uniqueIndex:idx_players_room_user"`
	UserID        string    `json:"user_id" gorm:"not null;size:100;uniqueIndex:idx_players_room_user"`
	DisplayName   string    `json:"display_name" gorm:"not null;size:100"`
	Score         int       `json:"score" gorm:"not null;default:0"`
	Ready         bool      `json:"ready" gorm:"default:false"`
	CurrentAnswer *int      `json:"current_answer"`
	JoinedAt      time.Time `json:"joined_at" gorm:"index"`
}

func (Room) TableName() string {
	return "rooms"
}

func (Player) TableName() string {
	return "players"
}

// Validate checks every field the store relies on.
func (r *Room) Validate() error {
	var problems []string
	if r.ID == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		problems = append(problems, "name is required")
	}
	if r.HostUserID == "" {
		problems = append(problems, "host_user_id is required")
	}
	if r.MaxPlayers < 1 {
		problems = append(problems, "max_players must be positive")
	}
	if r.CurrentPlayers < 0 || r.CurrentPlayers > r.MaxPlayers {
		problems = append(problems, fmt.Sprintf("current_players %d out of range [0,%d]", r.CurrentPlayers, r.MaxPlayers))
	}
	if !r.Status.Valid() {
		problems = append(problems, fmt.Sprintf("unknown status %q", r.Status))
	}
	if r.TotalQuestions < 1 {
		problems = append(problems, "total_questions must be positive")
	}
	if r.TimeLimitMs <= 0 {
		problems = append(problems, "time_limit_ms must be positive")
	}
	return joinProblems("room", problems)
}

// Validate checks every field the store relies on.
func (p *Player) Validate() error {
	var problems []string
	if p.ID == "" {
		problems = append(problems, "id is required")
	}
	if p.RoomID == "" {
		problems = append(problems, "room_id is required")
	}
	if p.UserID == "" {
		problems = append(problems, "user_id is required")
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		problems = append(problems, "display_name is required")
	}
	if p.Score < 0 {
		problems = append(problems, "score must not be negative")
	}
	return joinProblems("player", problems)
}

// Helper methods

// IsActive checks if the room can still change
func (r *Room) IsActive() bool {
	return r.Status == RoomStatusWaiting || r.Status == RoomStatusInProgress
}

// IsFull reports whether no seat is left
func (r *Room) IsFull() bool {
	return r.CurrentPlayers >= r.MaxPlayers
}

// TimeLimit returns the per-question limit as a duration
func (r *Room) TimeLimit() time.Duration {
	return time.Duration(r.TimeLimitMs) * time.Millisecond
}

// Duration returns how long the game lasted
func (r *Room) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

func joinProblems(record string, problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrInvalidRecord, record, strings.Join(problems, "; "))
}
