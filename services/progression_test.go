package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"quizroom/models"
	"quizroom/store"
)

func TestProgression_TimeoutThenNextQuestion(t *testing.T) {
	for name, g := range memoryAndGorm(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, g, testGameConfig(), nil)
			ctx := context.Background()
			room := h.twoPlayerRoom(t)

			// full room starts its countdown on its own
			next := h.settle(t, room.ID)
			v := h.view(t, room.ID)
			require.Equal(t, PhaseCountdown, v.Phase())
			assert.Equal(t, "host", v.Room.StartedBy)
			assert.True(t, next.Equal(*v.Room.CountdownEndsAt))

			h.clock.Advance(h.c.cfg.Countdown)
			next = h.settle(t, room.ID)
			v = h.view(t, room.ID)
			require.Equal(t, PhaseInProgress, v.Phase())
			require.NotNil(t, v.Room.StartedAt)
			q1 := v.Question
			require.NotNil(t, q1)
			assert.Equal(t, 1, q1.Sequence)
			assert.True(t, next.Equal(q1.Deadline()))

			h.clock.Advance(2 * time.Second)
			h.answer(t, room.ID, "host", q1, q1.CorrectAnswer)

			// nothing happens before the deadline
			h.settle(t, room.ID)
			assert.Equal(t, q1.ID, h.view(t, room.ID).Question.ID)

			h.clock.Set(q1.Deadline())
			next = h.settle(t, room.ID)
			assert.True(t, next.Equal(q1.Deadline().Add(h.c.cfg.ResultDelay)))

			guest, err := g.GetPlayer(ctx, room.ID, "guest")
			require.NoError(t, err)
			require.NotNil(t, guest.CurrentAnswer)
			assert.Equal(t, models.TimeoutAnswer, *guest.CurrentAnswer)

			h.clock.Advance(h.c.cfg.ResultDelay)
			h.settle(t, room.ID)
			v = h.view(t, room.ID)
			require.NotNil(t, v.Question)
			assert.Equal(t, 2, v.Question.Sequence)
			assert.Empty(t, v.Answers)

			for _, p := range v.Players {
				assert.Nil(t, p.CurrentAnswer, "current answers reset for %s", p.UserID)
				switch p.UserID {
				case "host":
					assert.Equal(t, 10, p.Score)
				case "guest":
					assert.Zero(t, p.Score)
				}
			}
		})
	}
}

func TestProgression_CompletesAfterLastQuestion(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), testGameConfig(), nil)
	ctx := context.Background()
	room, q := h.startDuel(t)

	for seq := 1; seq <= room.TotalQuestions; seq++ {
		require.Equal(t, seq, q.Sequence)
		h.clock.Advance(time.Second)
		h.answer(t, room.ID, "host", q, q.CorrectAnswer)
		res := h.answer(t, room.ID, "guest", q, wrongOption(q))
		require.True(t, res.RoundComplete)

		// early advance: the result delay counts from the last answer
		next := h.settle(t, room.ID)
		assert.True(t, next.Equal(h.clock.Now().Add(h.c.cfg.ResultDelay)))
		h.clock.Advance(h.c.cfg.ResultDelay)
		h.settle(t, room.ID)

		v := h.view(t, room.ID)
		if seq < room.TotalQuestions {
			require.Equal(t, PhaseInProgress, v.Phase())
			q = v.Question
		}
	}

	v := h.view(t, room.ID)
	assert.Equal(t, PhaseCompleted, v.Phase())
	assert.NotNil(t, v.Room.CompletedAt)
	assert.False(t, v.Room.Failed)

	_, err := h.g.GetQuestionBySequence(ctx, room.ID, room.TotalQuestions+1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// repeated drives and advances change nothing
	h.clock.Advance(time.Minute)
	assert.True(t, h.settle(t, room.ID).IsZero())
	_, err = h.c.Progression.Advance(ctx, room.ID, room.TotalQuestions, h.clock.Now())
	require.NoError(t, err)

	results := h.results.All()
	require.Len(t, results, 1, "results are published once")
	res := results[0]
	assert.Equal(t, room.ID, res.RoomID)
	require.Len(t, res.Standings, 2)
	assert.Equal(t, Standing{Rank: 1, UserID: "host", DisplayName: "Host", Score: 100}, res.Standings[0])
	assert.Equal(t, Standing{Rank: 2, UserID: "guest", DisplayName: "Guest", Score: 0}, res.Standings[1])
}

func TestProgression_ConcurrentAdvance(t *testing.T) {
	for name, g := range memoryAndGorm(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, g, testGameConfig(), nil)
			ctx := context.Background()
			room, q1 := h.startDuel(t)

			var (
				mu  sync.Mutex
				ids = map[string]bool{}
				eg  errgroup.Group
			)
			for i := 0; i < 4; i++ {
				eg.Go(func() error {
					q, err := h.c.Progression.Advance(ctx, room.ID, q1.Sequence, h.clock.Now())
					if err != nil {
						return err
					}
					mu.Lock()
					ids[q.ID] = true
					mu.Unlock()
					return nil
				})
			}
			require.NoError(t, eg.Wait())
			assert.Len(t, ids, 1, "every caller sees the same second question")

			latest, err := g.LatestQuestion(ctx, room.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, latest.Sequence)
			_, err = g.GetQuestionBySequence(ctx, room.ID, 3)
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestProgression_StartRules(t *testing.T) {
	cfg := testGameConfig()
	cfg.AutoStartWhenFull = false
	h := newHarness(t, store.NewMemoryStore(), cfg, nil)
	ctx := context.Background()

	room, _, err := h.c.Rooms.CreateRoom(ctx, "host", CreateRoomInput{HostUserID: "host", HostName: "Host", Name: "R", MaxPlayers: 3})
	require.NoError(t, err)

	_, err = h.c.Progression.Start(ctx, room.ID, "host", h.clock.Now())
	assert.ErrorIs(t, err, ErrNotEnoughPlayers)

	_, _, err = h.c.Rooms.JoinRoom(ctx, room.ID, "guest", "Guest", "")
	require.NoError(t, err)

	_, err = h.c.Progression.Start(ctx, room.ID, "guest", h.clock.Now())
	assert.ErrorIs(t, err, ErrAuthorization)

	first, err := h.c.Progression.Start(ctx, room.ID, "host", h.clock.Now())
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	second, err := h.c.Progression.Start(ctx, room.ID, "host", h.clock.Now())
	require.NoError(t, err)
	assert.True(t, first.CountdownEndsAt.Equal(*second.CountdownEndsAt), "restarting keeps the running countdown")

	h.clock.Advance(cfg.Countdown)
	h.settle(t, room.ID)
	_, err = h.c.Progression.Start(ctx, room.ID, "host", h.clock.Now())
	assert.ErrorIs(t, err, ErrGameNotWaiting)

	_, err = h.c.Progression.Start(ctx, "missing", "host", h.clock.Now())
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestProgression_HostLeavesDuringCountdown(t *testing.T) {
	cfg := testGameConfig()
	cfg.AutoStartWhenFull = false
	h := newHarness(t, store.NewMemoryStore(), cfg, nil)
	ctx := context.Background()

	room, _, err := h.c.Rooms.CreateRoom(ctx, "host", CreateRoomInput{HostUserID: "host", HostName: "Host", Name: "R", MaxPlayers: 4})
	require.NoError(t, err)
	for _, u := range []string{"g1", "g2"} {
		h.clock.Advance(time.Millisecond)
		_, _, err := h.c.Rooms.JoinRoom(ctx, room.ID, u, u, "")
		require.NoError(t, err)
	}

	_, err = h.c.Progression.Start(ctx, room.ID, "host", h.clock.Now())
	require.NoError(t, err)
	require.NoError(t, h.c.Rooms.LeaveRoom(ctx, room.ID, "host"))

	h.clock.Advance(cfg.Countdown)
	h.settle(t, room.ID)

	v := h.view(t, room.ID)
	assert.Equal(t, PhaseWaiting, v.Phase(), "a start by a departed host is cancelled")
	assert.Equal(t, "g1", v.Room.HostUserID)
	assert.Nil(t, v.Question)

	_, err = h.c.Progression.Start(ctx, room.ID, "g1", h.clock.Now())
	require.NoError(t, err)
	h.clock.Advance(cfg.Countdown)
	h.settle(t, room.ID)
	assert.Equal(t, PhaseInProgress, h.view(t, room.ID).Phase())
}

func TestProgression_PlayerLeavesMidRound(t *testing.T) {
	cfg := testGameConfig()
	h := newHarness(t, store.NewMemoryStore(), cfg, nil)
	ctx := context.Background()

	room, _, err := h.c.Rooms.CreateRoom(ctx, "host", CreateRoomInput{HostUserID: "host", HostName: "Host", Name: "Trio", MaxPlayers: 3})
	require.NoError(t, err)
	for _, u := range []string{"g1", "g2"} {
		h.clock.Advance(time.Millisecond)
		_, _, err := h.c.Rooms.JoinRoom(ctx, room.ID, u, u, "")
		require.NoError(t, err)
	}
	h.settle(t, room.ID)
	h.clock.Advance(cfg.Countdown)
	h.settle(t, room.ID)
	q := h.view(t, room.ID).Question
	require.NotNil(t, q)

	h.clock.Advance(time.Second)
	for _, u := range []string{"host", "g1"} {
		res := h.answer(t, room.ID, u, q, q.CorrectAnswer)
		require.False(t, res.RoundComplete)
	}

	require.NoError(t, h.c.Rooms.LeaveRoom(ctx, room.ID, "g2"))

	// the round only waits for players still seated
	v := h.view(t, room.ID)
	assert.True(t, v.RoundComplete())
	h.settle(t, room.ID)
	h.clock.Advance(cfg.ResultDelay)
	h.settle(t, room.ID)
	v = h.view(t, room.ID)
	assert.Equal(t, PhaseInProgress, v.Phase())
	assert.Equal(t, 2, v.Question.Sequence)
}

func TestProgression_CompletesWhenTooFewPlayersRemain(t *testing.T) {
	for name, g := range memoryAndGorm(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, g, testGameConfig(), nil)
			ctx := context.Background()
			room, q := h.startDuel(t)

			h.clock.Advance(time.Second)
			h.answer(t, room.ID, "host", q, q.CorrectAnswer)
			require.NoError(t, h.c.Rooms.LeaveRoom(ctx, room.ID, "guest"))

			next := h.settle(t, room.ID)
			assert.True(t, next.IsZero())
			v := h.view(t, room.ID)
			assert.Equal(t, PhaseCompleted, v.Phase())
			assert.False(t, v.Room.Failed)

			// later passes find nothing left to do
			h.clock.Advance(time.Minute)
			h.settle(t, room.ID)

			results := h.results.All()
			require.Len(t, results, 1)
			require.Len(t, results[0].Standings, 1)
			assert.Equal(t, "host", results[0].Standings[0].UserID)
			assert.Equal(t, h.c.cfg.ScorePerCorrect, results[0].Standings[0].Score)
		})
	}
}

func TestProgression_GenerationFailureEndsRoom(t *testing.T) {
	gen := &failingGenerator{}
	h := newHarness(t, store.NewMemoryStore(), testGameConfig(), gen)
	ctx := context.Background()
	room := h.twoPlayerRoom(t)

	h.settle(t, room.ID)
	h.clock.Advance(h.c.cfg.Countdown)

	v := h.view(t, room.ID)
	_, err := h.c.Progression.Drive(ctx, v, h.clock.Now())
	assert.ErrorIs(t, err, ErrQuestionGeneration)
	assert.Equal(t, int32(2), gen.calls.Load(), "one retry before giving up")

	v = h.view(t, room.ID)
	assert.Equal(t, PhaseCompleted, v.Phase())
	assert.True(t, v.Room.Failed)
	assert.Contains(t, v.Room.FailureReason, "question 1")

	next, err := h.c.Progression.Drive(ctx, v, h.clock.Now())
	require.NoError(t, err)
	assert.True(t, next.IsZero())

	results := h.results.All()
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed)
}

func TestProgression_RepairsMissingHost(t *testing.T) {
	cfg := testGameConfig()
	cfg.AutoStartWhenFull = false
	h := newHarness(t, store.NewMemoryStore(), cfg, nil)
	ctx := context.Background()
	room := h.twoPlayerRoom(t)

	// host row removed without the room write landing
	require.NoError(t, h.g.DeletePlayer(ctx, room.ID, "host"))
	h.settle(t, room.ID)
	assert.Equal(t, "guest", h.view(t, room.ID).Room.HostUserID)
}

func TestBuildResults_TiesShareRank(t *testing.T) {
	room := &models.Room{ID: "r", Name: "R", TotalQuestions: 3}
	players := []models.Player{
		{UserID: "a", DisplayName: "A", Score: 10},
		{UserID: "b", DisplayName: "B", Score: 30},
		{UserID: "c", DisplayName: "C", Score: 10},
		{UserID: "d", DisplayName: "D", Score: 0},
	}

	res := BuildResults(room, players)
	require.Len(t, res.Standings, 4)
	assert.Equal(t, []Standing{
		{Rank: 1, UserID: "b", DisplayName: "B", Score: 30},
		{Rank: 2, UserID: "a", DisplayName: "A", Score: 10},
		{Rank: 2, UserID: "c", DisplayName: "C", Score: 10},
		{Rank: 4, UserID: "d", DisplayName: "D", Score: 0},
	}, res.Standings)
	assert.Equal(t, 3, res.Questions)
}

func TestTruncate_KeepsWholeCharacters(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héllo", truncate("héllo wörld", 5))
	assert.Equal(t, "日本", truncate("日本語", 2))
	assert.True(t, utf8.ValidString(truncate(strings.Repeat("é", 300), 255)))
	assert.Equal(t, 255, utf8.RuneCountInString(truncate(strings.Repeat("é", 300), 255)))
}
