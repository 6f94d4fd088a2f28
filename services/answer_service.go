// services/answer_service.go - Answer submission and round completion
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quizroom/config"
	"quizroom/models"
	"quizroom/store"
)

// lateAnswerGrace covers network delay on answers sent just before the deadline
const lateAnswerGrace = time.Second

// SubmitInput is one player's answer to one question
type SubmitInput struct {
	RoomID     string
	QuestionID string
	UserID     string
	Selected   int
	LatencyMs  int64
}

// AnswerResult reports what a submission did.
// Duplicate: an answer already existed and is returned unchanged.
// Ignored: the question was no longer active; nothing was written.
type AnswerResult struct {
	Answer        *models.Answer `json:"answer,omitempty"`
	Correct       bool           `json:"correct"`
	ScoreAwarded  int            `json:"score_awarded"`
	Duplicate     bool           `json:"duplicate"`
	Ignored       bool           `json:"ignored"`
	RoundComplete bool           `json:"round_complete"`
}

// AnswerService owns answer rows and the score changes they cause
type AnswerService struct {
	store store.Gateway
	cfg   config.GameConfig
	retry RetryPolicy
	log   zerolog.Logger
	now   func() time.Time
}

// NewAnswerService creates a new answer service
func NewAnswerService(g store.Gateway, cfg config.GameConfig, log zerolog.Logger) *AnswerService {
	retry := DefaultRetryPolicy
	retry.Attempts = cfg.StoreAttempts
	return &AnswerService{
		store: g,
		cfg:   cfg,
		retry: retry,
		log:   log.With().Str("component", "answers").Logger(),
		now:   time.Now,
	}
}

// Submit records the first answer of a user to a question. Later submissions
// return the first one. Answers to a question that is no longer active are
// accepted and ignored.
func (s *AnswerService) Submit(ctx context.Context, in SubmitInput) (*AnswerResult, error) {
	if in.UserID == "" {
		return nil, ErrAuthorization
	}
	if in.RoomID == "" || in.QuestionID == "" {
		return nil, invalid("room and question are required")
	}
	if in.LatencyMs < 0 {
		in.LatencyMs = 0
	}

	if existing, err := s.existing(ctx, in.QuestionID, in.UserID); err != nil {
		return nil, err
	} else if existing != nil {
		return s.duplicate(ctx, existing)
	}

	q, err := s.question(ctx, in.QuestionID)
	if errors.Is(err, store.ErrNotFound) {
		return &AnswerResult{Ignored: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if q.RoomID != in.RoomID {
		return nil, invalid("question %s does not belong to room %s", q.ID, in.RoomID)
	}

	active, err := s.isActive(ctx, q)
	if err != nil {
		return nil, err
	}
	if !active || s.now().After(q.Deadline().Add(lateAnswerGrace)) {
		s.log.Debug().Str("room_id", in.RoomID).Str("user_id", in.UserID).Int("sequence", q.Sequence).Msg("stale answer ignored")
		return &AnswerResult{Ignored: true}, nil
	}

	var player *models.Player
	err = s.retry.do(ctx, func() error {
		var err error
		player, err = s.store.GetPlayer(ctx, in.RoomID, in.UserID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInRoom
	}
	if err != nil {
		return nil, err
	}

	answer := &models.Answer{
		ID:         uuid.NewString(),
		RoomID:     in.RoomID,
		QuestionID: q.ID,
		UserID:     in.UserID,
		Selected:   in.Selected,
		Correct:    q.IsCorrect(in.Selected),
		LatencyMs:  in.LatencyMs,
		CreatedAt:  s.now().UTC(),
	}
	credit := 0
	if answer.Correct {
		credit = s.cfg.ScorePerCorrect
	}
	// the answer row and its credit land together or not at all
	err = s.retry.do(ctx, func() error { return s.store.RecordAnswer(ctx, answer, player.ID, credit) })
	if errors.Is(err, store.ErrDuplicate) {
		existing, gerr := s.existing(ctx, q.ID, in.UserID)
		if gerr != nil {
			return nil, gerr
		}
		switch {
		case existing != nil && existing.ID == answer.ID:
			// an earlier attempt committed before reporting failure
			err = nil
		case existing != nil:
			return s.duplicate(ctx, existing)
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInRoom
	}
	if err != nil {
		s.log.Error().Err(err).Str("room_id", in.RoomID).Str("user_id", in.UserID).Msg("❌ failed to record answer")
		return nil, err
	}

	result := &AnswerResult{Answer: answer, Correct: answer.Correct, ScoreAwarded: credit}

	selected := in.Selected
	if err := s.store.SetCurrentAnswer(ctx, in.RoomID, player.ID, &selected); err != nil {
		s.log.Warn().Err(err).Str("room_id", in.RoomID).Msg("current answer not recorded")
	}

	result.RoundComplete, _, err = s.RoundComplete(ctx, q)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitTimeouts writes the timeout sentinel for every current player who has
// not answered q. Players who answer concurrently keep their own answer.
func (s *AnswerService) SubmitTimeouts(ctx context.Context, q *models.Question) (int, error) {
	players, answered, err := s.answeredBy(ctx, q)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, p := range players {
		if answered[p.UserID] {
			continue
		}
		sentinel := &models.Answer{
			ID:         uuid.NewString(),
			RoomID:     q.RoomID,
			QuestionID: q.ID,
			UserID:     p.UserID,
			Selected:   models.TimeoutAnswer,
			Correct:    false,
			LatencyMs:  q.TimeLimitMs,
			TimedOut:   true,
			CreatedAt:  s.now().UTC(),
		}
		err := s.retry.do(ctx, func() error { return s.store.InsertAnswer(ctx, sentinel) })
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return inserted, err
		}
		inserted++

		timeout := models.TimeoutAnswer
		if err := s.store.SetCurrentAnswer(ctx, q.RoomID, p.ID, &timeout); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Warn().Err(err).Str("room_id", q.RoomID).Msg("current answer not recorded")
		}
	}
	if inserted > 0 {
		s.log.Info().Str("room_id", q.RoomID).Int("sequence", q.Sequence).Int("timed_out", inserted).Msg("⏰ round timed out")
	}
	return inserted, nil
}

// RoundComplete reports whether every current player has answered q, and how
// many answers q has.
func (s *AnswerService) RoundComplete(ctx context.Context, q *models.Question) (bool, int, error) {
	players, answered, err := s.answeredBy(ctx, q)
	if err != nil {
		return false, 0, err
	}
	if len(players) == 0 {
		return false, len(answered), nil
	}
	for _, p := range players {
		if !answered[p.UserID] {
			return false, len(answered), nil
		}
	}
	return true, len(answered), nil
}

func (s *AnswerService) answeredBy(ctx context.Context, q *models.Question) ([]models.Player, map[string]bool, error) {
	var (
		players []models.Player
		answers []models.Answer
	)
	err := s.retry.do(ctx, func() error {
		var err error
		if players, err = s.store.ListPlayers(ctx, q.RoomID); err != nil {
			return err
		}
		answers, err = s.store.ListAnswers(ctx, q.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	answered := make(map[string]bool, len(answers))
	for _, a := range answers {
		answered[a.UserID] = true
	}
	return players, answered, nil
}

func (s *AnswerService) duplicate(ctx context.Context, a *models.Answer) (*AnswerResult, error) {
	result := &AnswerResult{Answer: a, Correct: a.Correct, Duplicate: true}
	q, err := s.question(ctx, a.QuestionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return result, nil
		}
		return nil, err
	}
	result.RoundComplete, _, err = s.RoundComplete(ctx, q)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AnswerService) existing(ctx context.Context, questionID, userID string) (*models.Answer, error) {
	var answer *models.Answer
	err := s.retry.do(ctx, func() error {
		var err error
		answer, err = s.store.GetAnswer(ctx, questionID, userID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return answer, err
}

func (s *AnswerService) question(ctx context.Context, id string) (*models.Question, error) {
	var q *models.Question
	err := s.retry.do(ctx, func() error {
		var err error
		q, err = s.store.GetQuestion(ctx, id)
		return err
	})
	return q, err
}

// isActive reports whether q is the latest question of a room still in progress
func (s *AnswerService) isActive(ctx context.Context, q *models.Question) (bool, error) {
	var (
		room   *models.Room
		latest *models.Question
	)
	err := s.retry.do(ctx, func() error {
		var err error
		if room, err = s.store.GetRoom(ctx, q.RoomID); err != nil {
			return err
		}
		latest, err = s.store.LatestQuestion(ctx, q.RoomID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		if room == nil {
			return false, ErrRoomNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return room.Status == models.RoomStatusInProgress && latest.ID == q.ID, nil
}
