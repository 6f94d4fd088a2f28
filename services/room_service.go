// services/room_service.go - Room lifecycle: create, join, leave, host repair
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"quizroom/config"
	"quizroom/models"
	"quizroom/store"
)

const (
	maxNameLength     = 100
	maxTotalQuestions = 50
	maxTimeLimit      = 5 * time.Minute
	lobbyLimit        = 50
)

// errNoChange tells casRoom the mutation is already in effect.
var errNoChange = errors.New("no change")

// errCASExhausted is returned by casRoom when every attempt lost a race.
var errCASExhausted = errors.New("optimistic update retries exhausted")

// CreateRoomInput describes a new room
type CreateRoomInput struct {
	HostUserID     string
	HostName       string
	Name           string
	MaxPlayers     int
	TotalQuestions int
	TimeLimit      time.Duration
	Passcode       string
}

// RoomState is a room and its players read together
type RoomState struct {
	Room    *models.Room    `json:"room"`
	Players []models.Player `json:"players"`
}

// RoomService owns room and player creation and deletion
type RoomService struct {
	store store.Gateway
	cfg   config.GameConfig
	retry RetryPolicy
	log   zerolog.Logger
	now   func() time.Time
}

// NewRoomService creates a new room service
func NewRoomService(g store.Gateway, cfg config.GameConfig, log zerolog.Logger) *RoomService {
	retry := DefaultRetryPolicy
	retry.Attempts = cfg.StoreAttempts
	return &RoomService{
		store: g,
		cfg:   cfg,
		retry: retry,
		log:   log.With().Str("component", "rooms").Logger(),
		now:   time.Now,
	}
}

// CreateRoom creates a waiting room and seats its host. The caller must be the host.
func (s *RoomService) CreateRoom(ctx context.Context, caller string, in CreateRoomInput) (*models.Room, *models.Player, error) {
	if caller == "" || caller != in.HostUserID {
		return nil, nil, fmt.Errorf("%w: only the host may create their room", ErrAuthorization)
	}

	name := strings.TrimSpace(in.Name)
	hostName := strings.TrimSpace(in.HostName)
	switch {
	case name == "" || len(name) > maxNameLength:
		return nil, nil, invalid("room name must be 1-%d characters", maxNameLength)
	case hostName == "" || len(hostName) > maxNameLength:
		return nil, nil, invalid("display name must be 1-%d characters", maxNameLength)
	}

	maxPlayers := in.MaxPlayers
	if maxPlayers == 0 {
		maxPlayers = s.cfg.DefaultMaxPlayers
	}
	if maxPlayers < s.cfg.MinPlayers || maxPlayers > s.cfg.MaxPlayersLimit {
		return nil, nil, invalid("max players must be %d-%d", s.cfg.MinPlayers, s.cfg.MaxPlayersLimit)
	}
	total := in.TotalQuestions
	if total == 0 {
		total = s.cfg.TotalQuestions
	}
	if total < 1 || total > maxTotalQuestions {
		return nil, nil, invalid("total questions must be 1-%d", maxTotalQuestions)
	}
	limit := in.TimeLimit
	if limit == 0 {
		limit = s.cfg.TimeLimit
	}
	if limit < time.Second || limit > maxTimeLimit {
		return nil, nil, invalid("time limit must be between 1s and %s", maxTimeLimit)
	}

	now := s.now().UTC()
	room := &models.Room{
		ID:             uuid.NewString(),
		Name:           name,
		HostUserID:     in.HostUserID,
		MaxPlayers:     maxPlayers,
		Status:         models.RoomStatusWaiting,
		TotalQuestions: total,
		TimeLimitMs:    limit.Milliseconds(),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.Passcode != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(in.Passcode), bcrypt.DefaultCost)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to hash passcode: %w", err)
		}
		room.PasscodeHash = string(hash)
		room.Private = true
	}

	if err := s.retry.do(ctx, func() error { return s.store.CreateRoom(ctx, room) }); err != nil {
		return nil, nil, err
	}

	host := &models.Player{
		ID:          uuid.NewString(),
		RoomID:      room.ID,
		UserID:      in.HostUserID,
		DisplayName: hostName,
		Ready:       true,
		JoinedAt:    now,
	}
	seated, err := s.seatHost(ctx, room.ID, host)
	if err != nil {
		// never leave a room behind without its host
		if derr := s.store.DeleteRoom(context.WithoutCancel(ctx), room.ID, 0); derr != nil && !errors.Is(derr, store.ErrNotFound) {
			s.log.Error().Err(derr).Str("room_id", room.ID).Msg("❌ failed to remove room after host registration failed")
		}
		return nil, nil, err
	}

	s.log.Info().Str("room_id", seated.ID).Str("host", in.HostUserID).Int("max_players", maxPlayers).Msg("🎮 room created")
	return seated, host, nil
}

func (s *RoomService) seatHost(ctx context.Context, roomID string, host *models.Player) (*models.Room, error) {
	err := s.retry.do(ctx, func() error {
		err := s.store.InsertPlayer(ctx, host)
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	room, err := s.reserveSeat(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room, nil
}

// JoinRoom seats userID in a waiting room. Joining a room the user is
// already in returns the existing player.
func (s *RoomService) JoinRoom(ctx context.Context, roomID, userID, displayName, passcode string) (*models.Room, *models.Player, error) {
	displayName = strings.TrimSpace(displayName)
	switch {
	case userID == "":
		return nil, nil, fmt.Errorf("%w: missing identity", ErrAuthorization)
	case displayName == "" || len(displayName) > maxNameLength:
		return nil, nil, invalid("display name must be 1-%d characters", maxNameLength)
	}

	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}

	existing, err := s.getPlayer(ctx, roomID, userID)
	if err == nil {
		return room, existing, nil
	}
	if !errors.Is(err, ErrNotInRoom) {
		return nil, nil, err
	}

	if room.Status != models.RoomStatusWaiting {
		return nil, nil, fmt.Errorf("%w: room %s is %s", ErrRoomNotFound, roomID, room.Status)
	}
	if room.PasscodeHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(room.PasscodeHash), []byte(passcode)) != nil {
			return nil, nil, fmt.Errorf("%w: wrong passcode", ErrAuthorization)
		}
	}
	if room.IsFull() {
		return nil, nil, ErrRoomFull
	}

	room, err = s.reserveSeat(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}

	player := &models.Player{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: displayName,
		JoinedAt:    s.now().UTC(),
	}
	err = s.retry.do(ctx, func() error { return s.store.InsertPlayer(ctx, player) })
	if err != nil {
		s.releaseSeat(ctx, roomID)
		if errors.Is(err, store.ErrDuplicate) {
			// lost a race against our own concurrent join
			existing, gerr := s.getPlayer(ctx, roomID, userID)
			if gerr == nil {
				return room, existing, nil
			}
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrRoomNotFound
		}
		return nil, nil, err
	}

	s.log.Info().Str("room_id", roomID).Str("user_id", userID).Int("players", room.CurrentPlayers).Msg("👤 player joined")
	return room, player, nil
}

// reserveSeat increments current_players only while the room is waiting and
// below capacity, atomically when the store supports it.
func (s *RoomService) reserveSeat(ctx context.Context, roomID string) (*models.Room, error) {
	if counter, ok := s.store.(store.SeatCounter); ok {
		// one attempt: a failed increment may still have been applied
		room, err := counter.IncrementPlayersIfBelow(ctx, roomID)
		switch {
		case errors.Is(err, store.ErrFull):
			return nil, ErrRoomFull
		case errors.Is(err, store.ErrRoomClosed), errors.Is(err, store.ErrNotFound):
			return nil, ErrRoomNotFound
		case err != nil:
			return nil, storeErr(err)
		}
		return room, nil
	}

	room, err := casRoom(ctx, s.store, s.retry, s.cfg.JoinAttempts, roomID, func(r *models.Room) error {
		if r.Status != models.RoomStatusWaiting {
			return ErrRoomNotFound
		}
		if r.IsFull() {
			return ErrRoomFull
		}
		r.CurrentPlayers++
		return nil
	})
	if errors.Is(err, errCASExhausted) {
		return nil, ErrCapacityRace
	}
	return room, err
}

// releaseSeat gives back a seat whose player row was never written
func (s *RoomService) releaseSeat(ctx context.Context, roomID string) {
	ctx = context.WithoutCancel(ctx)
	_, err := casRoom(ctx, s.store, s.retry, s.cfg.JoinAttempts, roomID, func(r *models.Room) error {
		if r.CurrentPlayers == 0 {
			return errNoChange
		}
		r.CurrentPlayers--
		return nil
	})
	if err != nil && !errors.Is(err, ErrRoomNotFound) {
		s.log.Error().Err(err).Str("room_id", roomID).Msg("❌ failed to release reserved seat")
	}
}

// LeaveRoom removes userID from the room. The player row and the room row
// change together: the count drops and, if the leaver was host, the earliest
// remaining player takes over. The room is deleted once its count reaches
// zero. Leaving twice is a no-op.
func (s *RoomService) LeaveRoom(ctx context.Context, roomID, userID string) error {
	attempts := s.cfg.JoinAttempts
	for attempt := 0; attempt < attempts; attempt++ {
		room, err := s.getRoom(ctx, roomID)
		if errors.Is(err, ErrRoomNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		players, err := s.listPlayers(ctx, roomID)
		if err != nil {
			return err
		}
		found := false
		var remaining []models.Player
		for _, p := range players {
			if p.UserID == userID {
				found = true
				continue
			}
			remaining = append(remaining, p)
		}
		if !found {
			return nil
		}

		// the count never drops below the rows that stay
		room.CurrentPlayers = max(room.CurrentPlayers-1, len(remaining))
		drop := room.CurrentPlayers == 0
		migrated := false
		if !drop && room.HostUserID == userID && len(remaining) > 0 {
			room.HostUserID = remaining[0].UserID
			migrated = true
		}

		err = s.retry.do(ctx, func() error { return s.store.RemovePlayer(ctx, room, userID, drop) })
		switch {
		case err == nil:
			if migrated {
				s.log.Info().Str("room_id", roomID).Str("from", userID).Str("to", room.HostUserID).Msg("👑 host migrated")
			}
			s.log.Info().Str("room_id", roomID).Str("user_id", userID).Bool("room_deleted", drop).Msg("👋 player left")
			return nil
		case errors.Is(err, store.ErrConflict):
			continue
		case errors.Is(err, store.ErrNotFound):
			// someone else removed the row or the room first
			return nil
		default:
			return err
		}
	}
	return fmt.Errorf("%w: leave kept losing races", ErrStoreUnavailable)
}

// EnsureHost repairs a room whose host is not among its players by promoting
// the earliest joined player. Safe to run any number of times.
func (s *RoomService) EnsureHost(ctx context.Context, roomID string) (*models.Room, error) {
	var promoted string
	room, err := casRoom(ctx, s.store, s.retry, s.cfg.JoinAttempts, roomID, func(r *models.Room) error {
		players, err := s.store.ListPlayers(ctx, roomID)
		if err != nil {
			return err
		}
		if len(players) == 0 {
			return errNoChange
		}
		for _, p := range players {
			if p.UserID == r.HostUserID {
				return errNoChange
			}
		}
		promoted = players[0].UserID
		r.HostUserID = promoted
		return nil
	})
	if errors.Is(err, errCASExhausted) {
		return nil, fmt.Errorf("%w: host repair kept losing races", ErrStoreUnavailable)
	}
	if err != nil {
		return nil, err
	}
	if promoted != "" {
		s.log.Info().Str("room_id", roomID).Str("host", promoted).Msg("👑 host repaired")
	}
	return room, nil
}

// SetReady flips the informational ready flag of a player
func (s *RoomService) SetReady(ctx context.Context, roomID, userID string, ready bool) (*models.Player, error) {
	player, err := s.getPlayer(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if player.Ready == ready {
		return player, nil
	}
	if err := s.retry.do(ctx, func() error { return s.store.SetReady(ctx, roomID, player.ID, ready) }); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotInRoom
		}
		return nil, err
	}
	player.Ready = ready
	return player, nil
}

// ListAvailableRooms returns waiting rooms with a free seat, newest first
func (s *RoomService) ListAvailableRooms(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	err := s.retry.do(ctx, func() error {
		var err error
		rooms, err = s.store.ListRooms(ctx, store.RoomFilter{
			Status:   models.RoomStatusWaiting,
			OnlyOpen: true,
			Limit:    lobbyLimit,
		})
		return err
	})
	return rooms, err
}

// LoadRoom reads a room together with its players
func (s *RoomService) LoadRoom(ctx context.Context, roomID string) (*RoomState, error) {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	players, err := s.listPlayers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return &RoomState{Room: room, Players: players}, nil
}

func (s *RoomService) getRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room *models.Room
	err := s.retry.do(ctx, func() error {
		var err error
		room, err = s.store.GetRoom(ctx, roomID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	return room, err
}

func (s *RoomService) getPlayer(ctx context.Context, roomID, userID string) (*models.Player, error) {
	var player *models.Player
	err := s.retry.do(ctx, func() error {
		var err error
		player, err = s.store.GetPlayer(ctx, roomID, userID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInRoom
	}
	return player, err
}

func (s *RoomService) listPlayers(ctx context.Context, roomID string) ([]models.Player, error) {
	var players []models.Player
	err := s.retry.do(ctx, func() error {
		var err error
		players, err = s.store.ListPlayers(ctx, roomID)
		return err
	})
	return players, err
}

// casRoom re-reads the room and applies mutate until the versioned write
// lands. Reads are retried on transient failures; writes are not, since a
// write whose outcome is unknown must not be applied twice.
func casRoom(ctx context.Context, g store.Gateway, retry RetryPolicy, attempts int, roomID string, mutate func(*models.Room) error) (*models.Room, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		var room *models.Room
		err := retry.do(ctx, func() error {
			var err error
			room, err = g.GetRoom(ctx, roomID)
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		if err != nil {
			return nil, err
		}

		if err := mutate(room); err != nil {
			if errors.Is(err, errNoChange) {
				return room, nil
			}
			return nil, storeErr(err)
		}

		err = g.UpdateRoom(ctx, room)
		switch {
		case err == nil:
			return room, nil
		case errors.Is(err, store.ErrConflict):
			continue
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrRoomNotFound
		default:
			return nil, storeErr(err)
		}
	}
	return nil, errCASExhausted
}
