package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"quizroom/config"
	"quizroom/models"
	"quizroom/realtime"
	"quizroom/store"
)

const waitFor = 5 * time.Second

func liveGameConfig() config.GameConfig {
	cfg := testGameConfig()
	cfg.TotalQuestions = 2
	cfg.TimeLimit = time.Second
	cfg.Countdown = 50 * time.Millisecond
	cfg.ResultDelay = 50 * time.Millisecond
	cfg.PollInterval = 100 * time.Millisecond
	return cfg
}

type liveRig struct {
	g       store.Gateway
	mgr     *SessionManager
	results *recordedResults
}

// newLiveRig runs sessions on the real clock over a notifying memory store.
func newLiveRig(t *testing.T, ch realtime.Channel, hub *realtime.Hub) *liveRig {
	t.Helper()
	cfg := liveGameConfig()
	g := store.Notify(store.NewMemoryStore(), hub, zerolog.Nop())
	results := &recordedResults{}
	c := NewCoordinator(g, ch, NewArithmeticGenerator(5), results, cfg, zerolog.Nop())
	fast := RetryPolicy{Attempts: cfg.StoreAttempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	c.Rooms.retry = fast
	c.Answers.retry = fast
	c.Progression.retry = fast

	mgr := NewSessionManager(c)
	t.Cleanup(mgr.CloseAll)
	return &liveRig{g: g, mgr: mgr, results: results}
}

func waitPhase(t *testing.T, s *Session, phase Phase, seq int) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = s.Snapshot()
		if snap.Phase != phase {
			return false
		}
		return seq == 0 || (snap.Question != nil && snap.Question.Sequence == seq)
	}, waitFor, 10*time.Millisecond, "waiting for %s #%d, last %s", phase, seq, snap.Phase)
	return snap
}

func TestSession_PlaysFullGame(t *testing.T) {
	hub := realtime.NewHub(zerolog.Nop())
	defer hub.Close()
	rig := newLiveRig(t, hub, hub)
	ctx := context.Background()

	host, err := rig.mgr.CreateRoom(ctx, "host", CreateRoomInput{HostUserID: "host", HostName: "Host", Name: "Live"})
	require.NoError(t, err)
	assert.True(t, host.Snapshot().IsHost)
	assert.Equal(t, PhaseWaiting, host.Snapshot().Phase)

	guest, err := rig.mgr.JoinRoom(ctx, host.RoomID(), "guest", "Guest", "")
	require.NoError(t, err)
	assert.False(t, guest.Snapshot().IsHost)
	assert.Equal(t, 2, rig.mgr.Len())

	// question 1: both answer, the host correctly
	snap := waitPhase(t, host, PhaseInProgress, 1)
	assert.Nil(t, snap.Question.Correct, "answer hidden while the round is open")
	q1, err := rig.g.GetQuestion(ctx, snap.Question.ID)
	require.NoError(t, err)

	res, err := host.SubmitAnswer(ctx, q1.CorrectAnswer)
	require.NoError(t, err)
	assert.True(t, res.Correct)

	dup, err := host.SubmitAnswer(ctx, wrongOption(q1))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.True(t, dup.Correct)

	waitPhase(t, guest, PhaseInProgress, 1)
	_, err = guest.SubmitAnswer(ctx, wrongOption(q1))
	require.NoError(t, err)

	// question 2: the guest lets the clock run out
	snap = waitPhase(t, host, PhaseInProgress, 2)
	q2, err := rig.g.GetQuestion(ctx, snap.Question.ID)
	require.NoError(t, err)
	_, err = host.SubmitAnswer(ctx, q2.CorrectAnswer)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return host.Snapshot().LocalAnswered }, waitFor, 10*time.Millisecond)

	final := waitPhase(t, guest, PhaseCompleted, 0)
	require.NotNil(t, final.Question)
	assert.NotNil(t, final.Question.Correct, "answer revealed once completed")

	require.Eventually(t, func() bool { return len(rig.results.All()) == 1 }, waitFor, 10*time.Millisecond)
	standings := rig.results.All()[0].Standings
	require.Len(t, standings, 2)
	assert.Equal(t, "host", standings[0].UserID)
	assert.Equal(t, 20, standings[0].Score)
	assert.Equal(t, 0, standings[1].Score)

	timeout, err := rig.g.GetAnswer(ctx, q2.ID, "guest")
	require.NoError(t, err)
	assert.True(t, timeout.TimedOut)

	// late clicks after the game never reach the store
	_, err = guest.SubmitAnswer(ctx, 1)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSession_ClosesWhenRoomDisappears(t *testing.T) {
	hub := realtime.NewHub(zerolog.Nop())
	defer hub.Close()
	rig := newLiveRig(t, hub, hub)
	ctx := context.Background()

	host, err := rig.mgr.CreateRoom(ctx, "host", CreateRoomInput{HostUserID: "host", HostName: "Host", Name: "Gone", MaxPlayers: 3})
	require.NoError(t, err)

	require.NoError(t, rig.g.DeleteRoom(ctx, host.RoomID(), 0))

	select {
	case <-host.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not stop")
	}
	snap := host.Snapshot()
	assert.Equal(t, PhaseClosed, snap.Phase)
	assert.NotEmpty(t, snap.Error)
	assert.Eventually(t, func() bool { return rig.mgr.Len() == 0 }, waitFor, 10*time.Millisecond)
}

func TestSession_LeaveStopsSession(t *testing.T) {
	hub := realtime.NewHub(zerolog.Nop())
	defer hub.Close()
	rig := newLiveRig(t, hub, hub)
	ctx := context.Background()

	host, err := rig.mgr.CreateRoom(ctx, "host", CreateRoomInput{HostUserID: "host", HostName: "Host", Name: "Leave", MaxPlayers: 3})
	require.NoError(t, err)
	guest, err := rig.mgr.JoinRoom(ctx, host.RoomID(), "guest", "Guest", "")
	require.NoError(t, err)

	require.NoError(t, rig.mgr.LeaveRoom(ctx, host.RoomID(), "host"))
	<-host.Done()

	require.Eventually(t, func() bool { return guest.Snapshot().IsHost }, waitFor, 10*time.Millisecond)
	_, ok := rig.mgr.Get(host.RoomID(), "host")
	assert.False(t, ok)
}

func TestSession_RejectsNonMember(t *testing.T) {
	hub := realtime.NewHub(zerolog.Nop())
	defer hub.Close()
	rig := newLiveRig(t, hub, hub)
	ctx := context.Background()

	host, err := rig.mgr.CreateRoom(ctx, "host", CreateRoomInput{HostUserID: "host", HostName: "Host", Name: "Members", MaxPlayers: 3})
	require.NoError(t, err)

	_, err = rig.mgr.Open(ctx, host.RoomID(), "stranger")
	assert.ErrorIs(t, err, ErrNotInRoom)
	assert.Equal(t, 1, rig.mgr.Len())

	same, err := rig.mgr.Open(ctx, host.RoomID(), "host")
	require.NoError(t, err)
	assert.Same(t, host, same)
}

// slowChannel holds each subscription back so activations overlap.
type slowChannel struct{ *realtime.Hub }

func (c slowChannel) Subscribe(ctx context.Context, roomID string, h realtime.Handler) (realtime.Subscription, error) {
	time.Sleep(50 * time.Millisecond)
	return c.Hub.Subscribe(ctx, roomID, h)
}

func TestSessionManager_ConcurrentOpenWaitsForActivation(t *testing.T) {
	hub := realtime.NewHub(zerolog.Nop())
	defer hub.Close()
	rig := newLiveRig(t, slowChannel{hub}, hub)
	ctx := context.Background()

	room, _, err := rig.mgr.Coordinator().Rooms.CreateRoom(ctx, "host", CreateRoomInput{HostUserID: "host", HostName: "Host", Name: "Open", MaxPlayers: 3})
	require.NoError(t, err)

	sessions := make([]*Session, 5)
	var eg errgroup.Group
	for i := range sessions {
		eg.Go(func() error {
			s, err := rig.mgr.Open(ctx, room.ID, "host")
			if err != nil {
				return err
			}
			sessions[i] = s
			// every caller sees an activated session
			assert.Equal(t, PhaseWaiting, s.Snapshot().Phase)
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, 1, rig.mgr.Len())

	_, err = rig.mgr.Open(ctx, room.ID, "stranger")
	assert.ErrorIs(t, err, ErrNotInRoom)
	_, ok := rig.mgr.Get(room.ID, "stranger")
	assert.False(t, ok)
}

// deafChannel refuses subscriptions, leaving sessions to the poller.
type deafChannel struct{ *realtime.Hub }

func (deafChannel) Subscribe(context.Context, string, realtime.Handler) (realtime.Subscription, error) {
	return nil, errors.New("subscribe refused")
}

func TestSession_FallsBackToPolling(t *testing.T) {
	hub := realtime.NewHub(zerolog.Nop())
	defer hub.Close()
	rig := newLiveRig(t, deafChannel{hub}, hub)
	ctx := context.Background()

	host, err := rig.mgr.CreateRoom(ctx, "host", CreateRoomInput{HostUserID: "host", HostName: "Host", Name: "Poll", MaxPlayers: 3})
	require.NoError(t, err)

	// a join the host session was never told about
	_, _, err = rig.mgr.Coordinator().Rooms.JoinRoom(ctx, host.RoomID(), "guest", "Guest", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(host.Snapshot().Players) == 2 }, waitFor, 10*time.Millisecond)

	require.NoError(t, host.Start(ctx))
	waitPhase(t, host, PhaseInProgress, 1)
}

func TestQuestionView_HidesAnswerUntilDecided(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := &models.Question{
		ID: "q", RoomID: "r", Sequence: 1, OperandA: 2, OperandB: 3, Operation: models.OpAdd,
		CorrectAnswer: 5, Options: []int{4, 5, 6, 7}, TimeLimitMs: 1000, CreatedAt: now,
	}
	view := &RoomView{
		Room:     &models.Room{ID: "r", HostUserID: "a", Status: models.RoomStatusInProgress, TotalQuestions: 3},
		Players:  []models.Player{{UserID: "a"}, {UserID: "b"}},
		Question: q,
		Answers:  []models.Answer{{UserID: "a", QuestionID: "q", Selected: 5}},
	}
	s := &Session{userID: "b", answered: map[string]*AnswerResult{}}

	open := s.derive(view, now.Add(200*time.Millisecond))
	require.NotNil(t, open.Question)
	assert.Nil(t, open.Question.Correct)
	assert.Equal(t, 800*time.Millisecond, open.TimeRemaining)
	assert.Equal(t, 1, open.AnswersCount)
	assert.False(t, open.LocalAnswered)

	expired := s.derive(view, now.Add(2*time.Second))
	require.NotNil(t, expired.Question.Correct)
	assert.Equal(t, 5, *expired.Question.Correct)
	assert.Zero(t, expired.TimeRemaining)

	view.Answers = append(view.Answers, models.Answer{UserID: "b", QuestionID: "q", Selected: 4})
	done := s.derive(view, now.Add(300*time.Millisecond))
	assert.True(t, done.RoundComplete)
	assert.True(t, done.LocalAnswered)
	assert.NotNil(t, done.Question.Correct)
}
