package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quizroom/config"
	"quizroom/models"
	"quizroom/store"
)

// CleanupService removes rooms nobody will come back to: finished rooms past
// the retention window, and open rooms that have had no players for as long.
type CleanupService struct {
	store store.Gateway
	cfg   config.GameConfig
	log   zerolog.Logger
	now   func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewCleanupService creates the janitor; call Start to run it periodically.
func NewCleanupService(g store.Gateway, cfg config.GameConfig, log zerolog.Logger) *CleanupService {
	return &CleanupService{
		store: g,
		cfg:   cfg,
		log:   log.With().Str("component", "cleanup").Logger(),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
}

// Start runs a sweep every CleanupInterval. A zero interval disables the worker.
func (s *CleanupService) Start() {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if _, err := s.Sweep(context.Background()); err != nil {
					s.log.Warn().Err(err).Msg("⚠️ cleanup sweep failed")
				}
			}
		}
	}()
}

// Stop waits for the running sweep to finish
func (s *CleanupService) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Sweep deletes expired rooms and returns how many were removed
func (s *CleanupService) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.RoomRetention)
	removed := 0

	for _, status := range []models.RoomStatus{models.RoomStatusCompleted, models.RoomStatusWaiting, models.RoomStatusInProgress} {
		rooms, err := s.store.ListRooms(ctx, store.RoomFilter{Status: status})
		if err != nil {
			return removed, err
		}
		for i := range rooms {
			room := &rooms[i]
			if room.UpdatedAt.After(cutoff) {
				continue
			}
			if status != models.RoomStatusCompleted {
				players, err := s.store.ListPlayers(ctx, room.ID)
				if err != nil {
					return removed, err
				}
				if len(players) > 0 {
					continue
				}
			}

			// the version guard skips rooms that changed since listing
			err := s.store.DeleteRoom(ctx, room.ID, room.Version)
			switch {
			case err == nil:
				removed++
			case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			default:
				return removed, err
			}
		}
	}

	if removed > 0 {
		s.log.Info().Int("rooms", removed).Msg("🧹 expired rooms removed")
	}
	return removed, nil
}
