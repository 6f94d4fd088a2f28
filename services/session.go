// services/session.go - Per-player room session
package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quizroom/models"
	"quizroom/realtime"
)

const (
	maxDriveSteps = 8
	stepBackoff   = 50 * time.Millisecond
)

// QuestionView is the active question as shown to players. The correct
// answer is only filled in once the round is decided.
type QuestionView struct {
	ID          string           `json:"id"`
	Sequence    int              `json:"sequence"`
	Total       int              `json:"total"`
	Text        string           `json:"text"`
	OperandA    int              `json:"operand_a"`
	OperandB    int              `json:"operand_b"`
	Operation   models.Operation `json:"operation"`
	Options     []int            `json:"options"`
	TimeLimitMs int64            `json:"time_limit_ms"`
	StartedAt   time.Time        `json:"started_at"`
	Deadline    time.Time        `json:"deadline"`
	Correct     *int             `json:"correct_answer,omitempty"`
}

// Snapshot is the derived state of a session after a reconcile
type Snapshot struct {
	Phase         Phase           `json:"phase"`
	Room          *models.Room    `json:"room,omitempty"`
	Players       []models.Player `json:"players"`
	Question      *QuestionView   `json:"question,omitempty"`
	AnswersCount  int             `json:"answers_count"`
	RoundComplete bool            `json:"round_complete"`
	TimeRemaining time.Duration   `json:"time_remaining"`
	LocalAnswered bool            `json:"local_answered"`
	IsHost        bool            `json:"is_host"`
	Error         string          `json:"error,omitempty"`
	At            time.Time       `json:"at"`
}

// Session is one player's view of one room. Change events, poll ticks,
// timers and local actions all end in the same reconcile step, which re-reads
// the store and lets the progression controller act.
type Session struct {
	roomID string
	userID string
	c      *Coordinator
	log    zerolog.Logger

	kick    chan struct{}
	updates chan Snapshot
	done    chan struct{}
	onClose func()

	mu       sync.Mutex
	snapshot Snapshot
	answered map[string]*AnswerResult // by question id; nil value means in flight
	sub      realtime.Subscription
	cancel   context.CancelFunc
	once     sync.Once
}

// NewSession builds an inactive session; call Activate to start it.
func NewSession(c *Coordinator, roomID, userID string) *Session {
	return &Session{
		roomID:   roomID,
		userID:   userID,
		c:        c,
		log:      c.log.With().Str("room_id", roomID).Str("user_id", userID).Logger(),
		kick:     make(chan struct{}, 1),
		updates:  make(chan Snapshot, 1),
		done:     make(chan struct{}),
		answered: make(map[string]*AnswerResult),
	}
}

func (s *Session) RoomID() string { return s.roomID }
func (s *Session) UserID() string { return s.userID }

// Activate loads the room, subscribes to its changes and starts the poller
// and reconcile loop. The session outlives ctx; stop it with Close.
func (s *Session) Activate(ctx context.Context) error {
	view, err := s.c.Progression.Load(ctx, s.roomID)
	if err != nil {
		return err
	}
	if !view.HasPlayer(s.userID) {
		return ErrNotInRoom
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	poller := realtime.NewPoller(s.c.cfg.PollInterval, s.Kick)

	sub, err := s.c.Channel.Subscribe(runCtx, s.roomID, func(models.ChangeEvent) {
		poller.Touch()
		s.Kick()
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("⚠️ subscription failed, polling only")
		poller.Force()
	}

	s.mu.Lock()
	s.sub = sub
	s.cancel = cancel
	s.mu.Unlock()

	s.publish(s.derive(view, s.c.now()))

	go poller.Run(runCtx)
	go s.loop(runCtx)
	s.Kick()
	return nil
}

// Kick schedules a reconcile. It never blocks.
func (s *Session) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Session) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-timer.C:
		}

		next, closed := s.reconcile(ctx)
		if closed {
			s.Close()
			return
		}

		timer.Stop()
		select {
		case <-timer.C:
		default:
		}
		if !next.IsZero() {
			d := next.Sub(s.c.now())
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		}
	}
}

// reconcile re-reads the room and performs due progression steps. It returns
// the next wake-up time and whether the room is gone.
func (s *Session) reconcile(ctx context.Context) (time.Time, bool) {
	var (
		view    *RoomView
		next    time.Time
		lastErr error
	)
	for step := 0; step < maxDriveSteps; step++ {
		now := s.c.now()
		var err error
		view, err = s.c.Progression.Load(ctx, s.roomID)
		if errors.Is(err, ErrRoomNotFound) {
			s.publish(Snapshot{Phase: PhaseClosed, Error: "room no longer exists", At: now})
			return time.Time{}, true
		}
		if err != nil {
			if ctx.Err() != nil {
				return time.Time{}, false
			}
			s.log.Warn().Err(err).Msg("reload failed")
			s.publishError(err)
			return now.Add(s.c.cfg.PollInterval), false
		}

		next, err = s.c.Progression.Drive(ctx, view, now)
		switch {
		case errors.Is(err, ErrRoomNotFound):
			s.publish(Snapshot{Phase: PhaseClosed, Error: "room no longer exists", At: now})
			return time.Time{}, true
		case errors.Is(err, ErrQuestionGeneration):
			// the room was completed with an error flag; show it
			s.log.Error().Err(err).Msg("❌ game ended early")
			next = now
			lastErr = err
		case err != nil:
			if ctx.Err() != nil {
				return time.Time{}, false
			}
			s.log.Warn().Err(err).Msg("progression step failed")
			lastErr = err
			next = now.Add(s.c.cfg.PollInterval)
		}
		if next.IsZero() || next.After(now) {
			break
		}
		next = now.Add(stepBackoff)
	}

	snap := s.derive(view, s.c.now())
	if lastErr != nil {
		snap.Error = lastErr.Error()
	}
	s.publish(snap)
	return next, false
}

// derive builds the snapshot for a view
func (s *Session) derive(view *RoomView, now time.Time) Snapshot {
	snap := Snapshot{
		Phase:   view.Phase(),
		Room:    view.Room,
		Players: view.Players,
		IsHost:  view.Room != nil && view.Room.HostUserID == s.userID,
		At:      now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if q := view.Question; q != nil && snap.Phase != PhaseWaiting {
		decided := view.RoundComplete() || !now.Before(q.Deadline())
		qv := &QuestionView{
			ID:          q.ID,
			Sequence:    q.Sequence,
			Total:       view.Room.TotalQuestions,
			Text:        q.Text(),
			OperandA:    q.OperandA,
			OperandB:    q.OperandB,
			Operation:   q.Operation,
			Options:     append([]int(nil), q.Options...),
			TimeLimitMs: q.TimeLimitMs,
			StartedAt:   q.CreatedAt,
			Deadline:    q.Deadline(),
		}
		if decided || snap.Phase == PhaseCompleted {
			correct := q.CorrectAnswer
			qv.Correct = &correct
		}
		snap.Question = qv
		snap.AnswersCount = len(view.Answers)
		snap.RoundComplete = view.RoundComplete()
		if remaining := q.Deadline().Sub(now); remaining > 0 && !decided {
			snap.TimeRemaining = remaining
		}
		_, local := s.answered[q.ID]
		snap.LocalAnswered = local || view.HasAnswered(s.userID)

		// forget guards of older questions
		for id := range s.answered {
			if id != q.ID {
				delete(s.answered, id)
			}
		}
	}
	return snap
}

func (s *Session) publish(snap Snapshot) {
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()

	// latest wins
	select {
	case s.updates <- snap:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}

func (s *Session) publishError(err error) {
	s.mu.Lock()
	snap := s.snapshot
	s.mu.Unlock()
	snap.Error = err.Error()
	snap.At = s.c.now()
	s.publish(snap)
}

// Snapshot returns the latest derived state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Updates delivers snapshots, newest only; slow readers skip intermediate ones.
func (s *Session) Updates() <-chan Snapshot {
	return s.updates
}

// Done is closed when the session stops
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start asks to start the game; only the host may.
func (s *Session) Start(ctx context.Context) error {
	if _, err := s.c.Progression.Start(ctx, s.roomID, s.userID, s.c.now()); err != nil {
		return err
	}
	s.Kick()
	return nil
}

// SubmitAnswer answers the active question. A second call for the same
// question returns the first result without reaching the store.
func (s *Session) SubmitAnswer(ctx context.Context, value int) (*AnswerResult, error) {
	s.mu.Lock()
	q := s.snapshot.Question
	if q == nil || s.snapshot.Phase != PhaseInProgress {
		s.mu.Unlock()
		return nil, invalid("no active question")
	}
	if prev, ok := s.answered[q.ID]; ok {
		s.mu.Unlock()
		if prev == nil {
			return &AnswerResult{Duplicate: true}, nil
		}
		dup := *prev
		dup.Duplicate = true
		return &dup, nil
	}
	s.answered[q.ID] = nil
	s.mu.Unlock()

	now := s.c.now()
	result, err := s.c.Answers.Submit(ctx, SubmitInput{
		RoomID:     s.roomID,
		QuestionID: q.ID,
		UserID:     s.userID,
		Selected:   value,
		LatencyMs:  now.Sub(q.StartedAt).Milliseconds(),
	})

	s.mu.Lock()
	if err != nil {
		delete(s.answered, q.ID)
	} else {
		s.answered[q.ID] = result
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.Kick()
	return result, nil
}

// SetReady updates the local player's ready flag
func (s *Session) SetReady(ctx context.Context, ready bool) error {
	if _, err := s.c.Rooms.SetReady(ctx, s.roomID, s.userID, ready); err != nil {
		return err
	}
	s.Kick()
	return nil
}

// Leave removes the player from the room and stops the session
func (s *Session) Leave(ctx context.Context) error {
	err := s.c.Rooms.LeaveRoom(ctx, s.roomID, s.userID)
	s.Close()
	return err
}

// Close stops the loop and the subscription. It does not leave the room.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		cancel, sub := s.cancel, s.sub
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				s.log.Warn().Err(err).Msg("unsubscribe failed")
			}
		}
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}
