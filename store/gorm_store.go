// store/gorm_store.go - Room coordinator persistence on gorm (PostgreSQL / SQLite)
package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"quizroom/models"
)

// GormStore implements Gateway and SeatCounter on a gorm connection
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates a new gorm-backed store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

var _ SeatCounter = (*GormStore)(nil)

func (s *GormStore) CreateRoom(ctx context.Context, room *models.Room) error {
	if err := validate(room); err != nil {
		return err
	}
	if room.Version == 0 {
		room.Version = 1
	}
	if err := s.db.WithContext(ctx).Create(room).Error; err != nil {
		return classify("create room", err)
	}
	return nil
}

func (s *GormStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&room).Error; err != nil {
		return nil, classify("get room", err)
	}
	return &room, nil
}

func (s *GormStore) ListRooms(ctx context.Context, filter RoomFilter) ([]models.Room, error) {
	q := s.db.WithContext(ctx).Model(&models.Room{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.OnlyOpen {
		q = q.Where("current_players < max_players")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rooms []models.Room
	if err := q.Order("created_at DESC").Find(&rooms).Error; err != nil {
		return nil, classify("list rooms", err)
	}
	return rooms, nil
}

func (s *GormStore) UpdateRoom(ctx context.Context, room *models.Room) error {
	if err := validate(room); err != nil {
		return err
	}

	now := s.now().UTC()
	result := s.db.WithContext(ctx).Model(&models.Room{}).
		Where("id = ? AND version = ?", room.ID, room.Version).
		Updates(roomColumns(room, now))
	if result.Error != nil {
		return classify("update room", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.missingOrConflict(ctx, room.ID)
	}

	room.Version++
	room.UpdatedAt = now
	return nil
}

func roomColumns(room *models.Room, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"name":              room.Name,
		"host_user_id":      room.HostUserID,
		"max_players":       room.MaxPlayers,
		"current_players":   room.CurrentPlayers,
		"status":            string(room.Status),
		"total_questions":   room.TotalQuestions,
		"time_limit_ms":     room.TimeLimitMs,
		"countdown_ends_at": room.CountdownEndsAt,
		"started_by":        room.StartedBy,
		"failed":            room.Failed,
		"failure_reason":    room.FailureReason,
		"passcode_hash":     room.PasscodeHash,
		"private":           room.Private,
		"started_at":        room.StartedAt,
		"completed_at":      room.CompletedAt,
		"version":           room.Version + 1,
		"updated_at":        now,
	}
}

func (s *GormStore) DeleteRoom(ctx context.Context, id string, version int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteRoomRows(tx, id, version)
	})
	if errors.Is(err, errNoRows) {
		return s.missingOrConflict(ctx, id)
	}
	if err != nil {
		return classify("delete room", err)
	}
	return nil
}

// IncrementPlayersIfBelow reserves one seat with a single conditional UPDATE
func (s *GormStore) IncrementPlayersIfBelow(ctx context.Context, roomID string) (*models.Room, error) {
	result := s.db.WithContext(ctx).Model(&models.Room{}).
		Where("id = ? AND status = ? AND current_players < max_players", roomID, string(models.RoomStatusWaiting)).
		Updates(map[string]interface{}{
			"current_players": gorm.Expr("current_players + 1"),
			"version":         gorm.Expr("version + 1"),
			"updated_at":      s.now().UTC(),
		})
	if result.Error != nil {
		return nil, classify("reserve seat", result.Error)
	}

	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		if room.Status != models.RoomStatusWaiting {
			return room, ErrRoomClosed
		}
		return room, ErrFull
	}
	return room, nil
}

func (s *GormStore) InsertPlayer(ctx context.Context, player *models.Player) error {
	if err := validate(player); err != nil {
		return err
	}
	// players never outlive their room
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Room{}).Where("id = ?", player.RoomID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Create(player).Error
	})
	return classify("insert player", err)
}

func (s *GormStore) GetPlayer(ctx context.Context, roomID, userID string) (*models.Player, error) {
	var player models.Player
	if err := s.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).First(&player).Error; err != nil {
		return nil, classify("get player", err)
	}
	return &player, nil
}

func (s *GormStore) ListPlayers(ctx context.Context, roomID string) ([]models.Player, error) {
	var players []models.Player
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("joined_at ASC, id ASC").Find(&players).Error; err != nil {
		return nil, classify("list players", err)
	}
	return players, nil
}

func (s *GormStore) DeletePlayer(ctx context.Context, roomID, userID string) error {
	result := s.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).Delete(&models.Player{})
	if result.Error != nil {
		return classify("delete player", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RemovePlayer deletes the player row and writes the room in one transaction
func (s *GormStore) RemovePlayer(ctx context.Context, room *models.Room, userID string, deleteRoom bool) error {
	if !deleteRoom {
		if err := validate(room); err != nil {
			return err
		}
	}

	now := s.now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("room_id = ? AND user_id = ?", room.ID, userID).Delete(&models.Player{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if deleteRoom {
			return deleteRoomRows(tx, room.ID, room.Version)
		}
		result = tx.Model(&models.Room{}).
			Where("id = ? AND version = ?", room.ID, room.Version).
			Updates(roomColumns(room, now))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errNoRows
		}
		return nil
	})
	if errors.Is(err, errNoRows) {
		return s.missingOrConflict(ctx, room.ID)
	}
	if err != nil {
		return classify("remove player", err)
	}
	if !deleteRoom {
		room.Version++
		room.UpdatedAt = now
	}
	return nil
}

func (s *GormStore) SetReady(ctx context.Context, roomID, playerID string, ready bool) error {
	result := s.db.WithContext(ctx).Model(&models.Player{}).
		Where("id = ? AND room_id = ?", playerID, roomID).
		Update("ready", ready)
	if result.Error != nil {
		return classify("set ready", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddScore increments in SQL so concurrent credits never overwrite each other
func (s *GormStore) AddScore(ctx context.Context, roomID, playerID string, delta int) error {
	if delta < 0 {
		return fmt.Errorf("%w: score delta %d is negative", ErrInvalid, delta)
	}
	result := s.db.WithContext(ctx).Model(&models.Player{}).
		Where("id = ? AND room_id = ?", playerID, roomID).
		Update("score", gorm.Expr("score + ?", delta))
	if result.Error != nil {
		return classify("add score", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) SetCurrentAnswer(ctx context.Context, roomID, playerID string, value *int) error {
	result := s.db.WithContext(ctx).Model(&models.Player{}).
		Where("id = ? AND room_id = ?", playerID, roomID).
		Update("current_answer", value)
	if result.Error != nil {
		return classify("set current answer", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ClearCurrentAnswers(ctx context.Context, roomID string) error {
	err := s.db.WithContext(ctx).Model(&models.Player{}).
		Where("room_id = ?", roomID).
		Update("current_answer", nil).Error
	return classify("clear current answers", err)
}

// InsertQuestion checks the room status inside the same transaction as the insert.
// A status flip committed between the check and the insert is not excluded on
// stores without row locks; callers re-check after completion.
func (s *GormStore) InsertQuestion(ctx context.Context, q *models.Question) error {
	if err := validate(q); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room models.Room
		if err := tx.Select("id", "status").Where("id = ?", q.RoomID).First(&room).Error; err != nil {
			return err
		}
		if room.Status != models.RoomStatusInProgress {
			return ErrRoomClosed
		}
		return tx.Create(q).Error
	})
	if errors.Is(err, ErrRoomClosed) {
		return err
	}
	return classify("insert question", err)
}

func (s *GormStore) GetQuestion(ctx context.Context, id string) (*models.Question, error) {
	var q models.Question
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&q).Error; err != nil {
		return nil, classify("get question", err)
	}
	return &q, nil
}

func (s *GormStore) LatestQuestion(ctx context.Context, roomID string) (*models.Question, error) {
	var q models.Question
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("sequence DESC").First(&q).Error; err != nil {
		return nil, classify("latest question", err)
	}
	return &q, nil
}

func (s *GormStore) GetQuestionBySequence(ctx context.Context, roomID string, sequence int) (*models.Question, error) {
	var q models.Question
	if err := s.db.WithContext(ctx).Where("room_id = ? AND sequence = ?", roomID, sequence).First(&q).Error; err != nil {
		return nil, classify("get question by sequence", err)
	}
	return &q, nil
}

func (s *GormStore) InsertAnswer(ctx context.Context, a *models.Answer) error {
	if err := validate(a); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return classify("insert answer", err)
	}
	return nil
}

// RecordAnswer inserts the answer and credits the player in one transaction
func (s *GormStore) RecordAnswer(ctx context.Context, a *models.Answer, playerID string, credit int) error {
	if err := validate(a); err != nil {
		return err
	}
	if credit < 0 {
		return fmt.Errorf("%w: score credit %d is negative", ErrInvalid, credit)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(a).Error; err != nil {
			return err
		}
		if credit == 0 {
			return nil
		}
		result := tx.Model(&models.Player{}).
			Where("id = ? AND room_id = ?", playerID, a.RoomID).
			Update("score", gorm.Expr("score + ?", credit))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	return classify("record answer", err)
}

func (s *GormStore) GetAnswer(ctx context.Context, questionID, userID string) (*models.Answer, error) {
	var a models.Answer
	if err := s.db.WithContext(ctx).Where("question_id = ? AND user_id = ?", questionID, userID).First(&a).Error; err != nil {
		return nil, classify("get answer", err)
	}
	return &a, nil
}

func (s *GormStore) ListAnswers(ctx context.Context, questionID string) ([]models.Answer, error) {
	var answers []models.Answer
	if err := s.db.WithContext(ctx).Where("question_id = ?", questionID).Order("created_at ASC").Find(&answers).Error; err != nil {
		return nil, classify("list answers", err)
	}
	return answers, nil
}

var errNoRows = errors.New("no rows affected")

func deleteRoomRows(tx *gorm.DB, id string, version int64) error {
	q := tx.Where("id = ?", id)
	if version > 0 {
		q = q.Where("version = ?", version)
	}
	result := q.Delete(&models.Room{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errNoRows
	}
	for _, child := range []interface{}{&models.Answer{}, &models.Question{}, &models.Player{}} {
		if err := tx.Where("room_id = ?", id).Delete(child).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *GormStore) missingOrConflict(ctx context.Context, roomID string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", roomID).Count(&count).Error; err != nil {
		return classify("check room", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

type validator interface {
	Validate() error
}

func validate(v validator) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// classify maps driver errors onto the store sentinels
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return ErrDuplicate
	case transient(err):
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func transient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// connection exceptions, serialization failures, admin shutdown
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "57P01"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "database is locked")
}
