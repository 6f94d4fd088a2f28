// services/progression.go - Question sequence, timers and game completion
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"quizroom/config"
	"quizroom/models"
	"quizroom/store"
)

// Phase is the progression state derived from a room row
type Phase string

const (
	PhaseWaiting    Phase = "waiting"
	PhaseCountdown  Phase = "countdown"
	PhaseInProgress Phase = "in_progress"
	PhaseCompleted  Phase = "completed"
	PhaseClosed     Phase = "closed" // room no longer exists
)

// RoomView is everything Drive decides on, read in one pass
type RoomView struct {
	Room     *models.Room
	Players  []models.Player
	Question *models.Question // latest, nil before the first question
	Answers  []models.Answer  // answers to Question
}

// Phase derives the progression state
func (v *RoomView) Phase() Phase {
	if v == nil || v.Room == nil {
		return PhaseClosed
	}
	switch v.Room.Status {
	case models.RoomStatusWaiting:
		if v.Room.CountdownEndsAt != nil {
			return PhaseCountdown
		}
		return PhaseWaiting
	case models.RoomStatusInProgress:
		return PhaseInProgress
	}
	return PhaseCompleted
}

// HasPlayer reports whether userID is seated
func (v *RoomView) HasPlayer(userID string) bool {
	for _, p := range v.Players {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// HasAnswered reports whether userID answered the active question
func (v *RoomView) HasAnswered(userID string) bool {
	for _, a := range v.Answers {
		if a.UserID == userID {
			return true
		}
	}
	return false
}

// RoundComplete reports whether every seated player answered the active question
func (v *RoomView) RoundComplete() bool {
	if v.Question == nil || len(v.Players) == 0 {
		return false
	}
	for _, p := range v.Players {
		if !v.HasAnswered(p.UserID) {
			return false
		}
	}
	return true
}

// resolvedAt is when the active round was decided: the last answer, capped at the deadline
func (v *RoomView) resolvedAt() time.Time {
	deadline := v.Question.Deadline()
	var last time.Time
	for _, a := range v.Answers {
		if a.CreatedAt.After(last) {
			last = a.CreatedAt
		}
	}
	if last.IsZero() || last.After(deadline) {
		return deadline
	}
	return last
}

// Standing is one line of the final scoreboard
type Standing struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Score       int    `json:"score"`
}

// RoomResults is published once when a room completes
type RoomResults struct {
	RoomID        string     `json:"room_id"`
	Name          string     `json:"name"`
	Questions     int        `json:"questions"`
	Failed        bool       `json:"failed"`
	FailureReason string     `json:"failure_reason,omitempty"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	Standings     []Standing `json:"standings"`
}

// ResultsPublisher receives final results
type ResultsPublisher interface {
	PublishResults(ctx context.Context, results RoomResults) error
}

type noopResults struct{}

func (noopResults) PublishResults(context.Context, RoomResults) error { return nil }

// Progression drives rooms through countdown, questions and completion.
// Every client may call Drive concurrently; all writes are idempotent.
type Progression struct {
	store   store.Gateway
	rooms   *RoomService
	answers *AnswerService
	gen     QuestionGenerator
	results ResultsPublisher
	cfg     config.GameConfig
	retry   RetryPolicy
	log     zerolog.Logger
}

// NewProgression creates a new progression controller; results may be nil
func NewProgression(g store.Gateway, rooms *RoomService, answers *AnswerService, gen QuestionGenerator, results ResultsPublisher, cfg config.GameConfig, log zerolog.Logger) *Progression {
	if results == nil {
		results = noopResults{}
	}
	retry := DefaultRetryPolicy
	retry.Attempts = cfg.StoreAttempts
	return &Progression{
		store:   g,
		rooms:   rooms,
		answers: answers,
		gen:     gen,
		results: results,
		cfg:     cfg,
		retry:   retry,
		log:     log.With().Str("component", "progression").Logger(),
	}
}

// Load reads the room, its players, the latest question and its answers
func (p *Progression) Load(ctx context.Context, roomID string) (*RoomView, error) {
	view := &RoomView{}
	err := p.retry.do(ctx, func() error {
		var err error
		if view.Room, err = p.store.GetRoom(ctx, roomID); err != nil {
			return err
		}
		if view.Players, err = p.store.ListPlayers(ctx, roomID); err != nil {
			return err
		}
		view.Question, err = p.store.LatestQuestion(ctx, roomID)
		if errors.Is(err, store.ErrNotFound) {
			view.Question, view.Answers = nil, nil
			return nil
		}
		if err != nil {
			return err
		}
		view.Answers, err = p.store.ListAnswers(ctx, view.Question.ID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Start begins the countdown. Only a seated host may start, and only with
// enough players. Starting during a running countdown is a no-op.
func (p *Progression) Start(ctx context.Context, roomID, caller string, now time.Time) (*models.Room, error) {
	room, err := p.beginCountdown(ctx, roomID, caller, now)
	if err != nil {
		return nil, err
	}
	p.log.Info().Str("room_id", roomID).Str("host", caller).Time("countdown_ends_at", *room.CountdownEndsAt).Msg("⏳ countdown started")
	return room, nil
}

func (p *Progression) beginCountdown(ctx context.Context, roomID, caller string, now time.Time) (*models.Room, error) {
	room, err := casRoom(ctx, p.store, p.retry, p.cfg.JoinAttempts, roomID, func(r *models.Room) error {
		if r.Status != models.RoomStatusWaiting {
			return ErrGameNotWaiting
		}
		if r.HostUserID != caller {
			return fmt.Errorf("%w: only the host can start the game", ErrAuthorization)
		}
		players, err := p.store.ListPlayers(ctx, roomID)
		if err != nil {
			return err
		}
		present := false
		for _, pl := range players {
			if pl.UserID == caller {
				present = true
			}
		}
		if !present {
			return fmt.Errorf("%w: host is no longer in the room", ErrAuthorization)
		}
		if len(players) < p.cfg.MinPlayers {
			return fmt.Errorf("%w: need %d, have %d", ErrNotEnoughPlayers, p.cfg.MinPlayers, len(players))
		}
		if r.CountdownEndsAt != nil && r.StartedBy == caller {
			return errNoChange
		}
		ends := now.UTC().Add(p.cfg.Countdown)
		r.CountdownEndsAt = &ends
		r.StartedBy = caller
		return nil
	})
	if errors.Is(err, errCASExhausted) {
		return nil, fmt.Errorf("%w: start kept losing races", ErrStoreUnavailable)
	}
	return room, err
}

// Drive performs whatever step is due for the room at now and returns when it
// should be called again. A zero time means "on the next change"; a time not
// after now means "immediately".
func (p *Progression) Drive(ctx context.Context, view *RoomView, now time.Time) (time.Time, error) {
	if view.Phase() == PhaseClosed {
		return time.Time{}, ErrRoomNotFound
	}
	room := view.Room

	if room.IsActive() && len(view.Players) > 0 && !view.HasPlayer(room.HostUserID) {
		if _, err := p.rooms.EnsureHost(ctx, room.ID); err != nil {
			return time.Time{}, err
		}
		return now, nil
	}

	switch view.Phase() {
	case PhaseWaiting:
		if p.cfg.AutoStartWhenFull && room.IsFull() && len(view.Players) >= room.MaxPlayers && len(view.Players) >= p.cfg.MinPlayers {
			_, err := p.beginCountdown(ctx, room.ID, room.HostUserID, now)
			switch {
			case err == nil:
				return now, nil
			case errors.Is(err, ErrGameNotWaiting), errors.Is(err, ErrAuthorization), errors.Is(err, ErrNotEnoughPlayers):
				return time.Time{}, nil
			}
			return time.Time{}, err
		}
		return time.Time{}, nil

	case PhaseCountdown:
		if now.Before(*room.CountdownEndsAt) {
			return *room.CountdownEndsAt, nil
		}
		started, err := p.flip(ctx, room.ID, now)
		if err != nil {
			return time.Time{}, err
		}
		if started {
			if _, err := p.Advance(ctx, room.ID, 0, now); err != nil {
				return time.Time{}, err
			}
		}
		return now, nil

	case PhaseInProgress:
		q := view.Question
		if len(view.Players) < p.cfg.MinPlayers {
			// too few players left to keep playing
			if err := p.complete(ctx, room.ID, now, ""); err != nil {
				return time.Time{}, err
			}
			return time.Time{}, nil
		}
		if q == nil {
			if _, err := p.Advance(ctx, room.ID, 0, now); err != nil {
				return time.Time{}, err
			}
			return now, nil
		}
		if !view.RoundComplete() {
			if now.Before(q.Deadline()) {
				return q.Deadline(), nil
			}
			if _, err := p.answers.SubmitTimeouts(ctx, q); err != nil {
				return time.Time{}, err
			}
			return now, nil
		}
		advanceAt := view.resolvedAt().Add(p.cfg.ResultDelay)
		if now.Before(advanceAt) {
			return advanceAt, nil
		}
		if _, err := p.Advance(ctx, room.ID, q.Sequence, now); err != nil {
			return time.Time{}, err
		}
		return now, nil
	}
	return time.Time{}, nil
}

// flip moves a room whose countdown ended to in_progress. The start is only
// honored if the player who requested it is still the seated host; otherwise
// the countdown is cancelled and the new host has to start again.
func (p *Progression) flip(ctx context.Context, roomID string, now time.Time) (bool, error) {
	started := false
	_, err := casRoom(ctx, p.store, p.retry, p.cfg.JoinAttempts, roomID, func(r *models.Room) error {
		started = false
		if r.Status != models.RoomStatusWaiting || r.CountdownEndsAt == nil {
			return errNoChange
		}
		players, err := p.store.ListPlayers(ctx, roomID)
		if err != nil {
			return err
		}
		hostPresent := false
		for _, pl := range players {
			if pl.UserID == r.HostUserID {
				hostPresent = true
			}
		}
		if !hostPresent || r.StartedBy != r.HostUserID || len(players) < p.cfg.MinPlayers {
			r.CountdownEndsAt = nil
			r.StartedBy = ""
			return nil
		}
		at := now.UTC()
		r.Status = models.RoomStatusInProgress
		r.StartedAt = &at
		r.CountdownEndsAt = nil
		started = true
		return nil
	})
	if errors.Is(err, errCASExhausted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if started {
		p.log.Info().Str("room_id", roomID).Msg("🚀 game started")
	} else {
		p.log.Info().Str("room_id", roomID).Msg("🛑 countdown cancelled")
	}
	return started, nil
}

// Advance creates the question after fromSeq, or completes the room after the
// last one. Calling it again for the same fromSeq, or after completion, does nothing.
func (p *Progression) Advance(ctx context.Context, roomID string, fromSeq int, now time.Time) (*models.Question, error) {
	view, err := p.Load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	room := view.Room
	if room.Status != models.RoomStatusInProgress {
		return nil, nil
	}
	if view.Question != nil && view.Question.Sequence > fromSeq {
		return view.Question, nil
	}
	if fromSeq >= room.TotalQuestions {
		return nil, p.complete(ctx, roomID, now, "")
	}

	next := fromSeq + 1
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		q, err := p.gen.Generate(roomID, next, room.TimeLimit())
		if err == nil {
			q.CreatedAt = now.UTC()
			err = p.retry.do(ctx, func() error { return p.store.InsertQuestion(ctx, q) })
		}
		switch {
		case err == nil:
			if cerr := p.store.ClearCurrentAnswers(ctx, roomID); cerr != nil {
				p.log.Warn().Err(cerr).Str("room_id", roomID).Msg("current answers not reset")
			}
			p.log.Info().Str("room_id", roomID).Int("sequence", next).Str("question", q.Text()).Msg("❓ question created")
			return q, nil
		case errors.Is(err, store.ErrDuplicate):
			// another client advanced first
			return p.questionBySequence(ctx, roomID, next)
		case errors.Is(err, store.ErrRoomClosed), errors.Is(err, store.ErrNotFound):
			return nil, nil
		}
		lastErr = err
		p.log.Warn().Err(err).Str("room_id", roomID).Int("sequence", next).Int("attempt", attempt+1).Msg("⚠️ question generation failed")
	}

	reason := fmt.Sprintf("could not create question %d: %v", next, lastErr)
	if err := p.complete(ctx, roomID, now, reason); err != nil {
		p.log.Error().Err(err).Str("room_id", roomID).Msg("❌ failed to end room after generation failure")
	}
	return nil, fmt.Errorf("%w: %v", ErrQuestionGeneration, lastErr)
}

func (p *Progression) questionBySequence(ctx context.Context, roomID string, seq int) (*models.Question, error) {
	var q *models.Question
	err := p.retry.do(ctx, func() error {
		var err error
		q, err = p.store.GetQuestionBySequence(ctx, roomID, seq)
		return err
	})
	return q, err
}

// complete marks the room completed. Only the writer whose update lands
// publishes the results.
func (p *Progression) complete(ctx context.Context, roomID string, now time.Time, failure string) error {
	won := false
	room, err := casRoom(ctx, p.store, p.retry, p.cfg.JoinAttempts, roomID, func(r *models.Room) error {
		won = false
		if !r.Status.CanTransition(models.RoomStatusCompleted) {
			return errNoChange
		}
		at := now.UTC()
		r.Status = models.RoomStatusCompleted
		r.CompletedAt = &at
		r.CountdownEndsAt = nil
		if failure != "" {
			r.Failed = true
			r.FailureReason = truncate(failure, 255)
		}
		won = true
		return nil
	})
	if errors.Is(err, ErrRoomNotFound) {
		return nil
	}
	if errors.Is(err, errCASExhausted) {
		return fmt.Errorf("%w: completion kept losing races", ErrStoreUnavailable)
	}
	if err != nil || !won {
		return err
	}

	p.log.Info().Str("room_id", roomID).Bool("failed", room.Failed).Msg("🏁 game completed")
	p.publishResults(ctx, room)
	return nil
}

func (p *Progression) publishResults(ctx context.Context, room *models.Room) {
	ctx = context.WithoutCancel(ctx)
	players, err := p.store.ListPlayers(ctx, room.ID)
	if err != nil {
		p.log.Error().Err(err).Str("room_id", room.ID).Msg("❌ results not published")
		return
	}
	if err := p.results.PublishResults(ctx, BuildResults(room, players)); err != nil {
		p.log.Error().Err(err).Str("room_id", room.ID).Msg("❌ results not published")
	}
}

// BuildResults ranks players by score; ties share a rank and keep join order
func BuildResults(room *models.Room, players []models.Player) RoomResults {
	sorted := append([]models.Player(nil), players...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	standings := make([]Standing, len(sorted))
	for i, pl := range sorted {
		rank := i + 1
		if i > 0 && pl.Score == sorted[i-1].Score {
			rank = standings[i-1].Rank
		}
		standings[i] = Standing{Rank: rank, UserID: pl.UserID, DisplayName: pl.DisplayName, Score: pl.Score}
	}

	return RoomResults{
		RoomID:        room.ID,
		Name:          room.Name,
		Questions:     room.TotalQuestions,
		Failed:        room.Failed,
		FailureReason: room.FailureReason,
		StartedAt:     room.StartedAt,
		CompletedAt:   room.CompletedAt,
		Standings:     standings,
	}
}

// truncate keeps at most n characters of s
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
