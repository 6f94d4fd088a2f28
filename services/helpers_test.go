package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"quizroom/config"
	"quizroom/models"
	"quizroom/realtime"
	"quizroom/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func testGameConfig() config.GameConfig {
	cfg := config.DefaultGameConfig()
	cfg.StoreAttempts = 3
	cfg.JoinAttempts = 5
	return cfg
}

type recordedResults struct {
	mu      sync.Mutex
	results []RoomResults
}

func (r *recordedResults) PublishResults(_ context.Context, res RoomResults) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *recordedResults) All() []RoomResults {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RoomResults(nil), r.results...)
}

type harness struct {
	g       store.Gateway
	c       *Coordinator
	clock   *fakeClock
	results *recordedResults
}

func newHarness(t *testing.T, g store.Gateway, cfg config.GameConfig, gen QuestionGenerator) *harness {
	t.Helper()
	if gen == nil {
		gen = NewArithmeticGenerator(11)
	}
	hub := realtime.NewHub(zerolog.Nop())
	t.Cleanup(func() { _ = hub.Close() })

	results := &recordedResults{}
	c := NewCoordinator(g, hub, gen, results, cfg, zerolog.Nop())
	fast := RetryPolicy{Attempts: cfg.StoreAttempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	c.Rooms.retry = fast
	c.Answers.retry = fast
	c.Progression.retry = fast

	clock := newFakeClock()
	c.SetClock(clock.Now)
	return &harness{g: g, c: c, clock: clock, results: results}
}

// twoPlayerRoom creates a room hosted by "host" and seats "guest".
func (h *harness) twoPlayerRoom(t *testing.T) *models.Room {
	t.Helper()
	ctx := context.Background()
	room, _, err := h.c.Rooms.CreateRoom(ctx, "host", CreateRoomInput{
		HostUserID: "host", HostName: "Host", Name: "Duel", MaxPlayers: 2,
	})
	require.NoError(t, err)
	h.clock.Advance(time.Millisecond)
	_, _, err = h.c.Rooms.JoinRoom(ctx, room.ID, "guest", "Guest", "")
	require.NoError(t, err)
	return room
}

// settle drives the room until nothing more is due at the current clock time
// and returns the next wake-up.
func (h *harness) settle(t *testing.T, roomID string) time.Time {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		now := h.clock.Now()
		view, err := h.c.Progression.Load(ctx, roomID)
		require.NoError(t, err)
		next, err := h.c.Progression.Drive(ctx, view, now)
		require.NoError(t, err)
		if next.IsZero() || next.After(now) {
			return next
		}
	}
	t.Fatal("room did not settle")
	return time.Time{}
}

// startDuel runs a two player room through the countdown and returns it with
// its first question.
func (h *harness) startDuel(t *testing.T) (*models.Room, *models.Question) {
	t.Helper()
	room := h.twoPlayerRoom(t)
	h.settle(t, room.ID)
	require.Equal(t, PhaseCountdown, h.view(t, room.ID).Phase())

	h.clock.Advance(h.c.cfg.Countdown)
	h.settle(t, room.ID)
	v := h.view(t, room.ID)
	require.Equal(t, PhaseInProgress, v.Phase())
	require.NotNil(t, v.Question)
	return v.Room, v.Question
}

func (h *harness) answer(t *testing.T, roomID, userID string, q *models.Question, value int) *AnswerResult {
	t.Helper()
	res, err := h.c.Answers.Submit(context.Background(), SubmitInput{
		RoomID: roomID, QuestionID: q.ID, UserID: userID, Selected: value, LatencyMs: 100,
	})
	require.NoError(t, err)
	return res
}

func wrongOption(q *models.Question) int {
	for _, o := range q.Options {
		if o != q.CorrectAnswer {
			return o
		}
	}
	return q.CorrectAnswer + 1
}

func (h *harness) view(t *testing.T, roomID string) *RoomView {
	t.Helper()
	v, err := h.c.Progression.Load(context.Background(), roomID)
	require.NoError(t, err)
	return v
}

// faultyStore injects failures into a gateway. It hides any SeatCounter the
// wrapped store has, forcing the compare-and-swap path.
type faultyStore struct {
	store.Gateway

	getRoomFailures atomic.Int32 // transient failures left for GetRoom
	alwaysConflict  atomic.Bool
	insertPlayerErr error

	recordFailures atomic.Int32 // RecordAnswer calls that fail before writing
	recordLost     atomic.Int32 // RecordAnswer calls that commit, then report ErrUnavailable
	removeLost     atomic.Int32 // RemovePlayer calls that commit, then report ErrUnavailable
}

var errBoom = errors.New("boom")

func (f *faultyStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	if f.getRoomFailures.Add(-1) >= 0 {
		return nil, store.ErrUnavailable
	}
	return f.Gateway.GetRoom(ctx, id)
}

func (f *faultyStore) UpdateRoom(ctx context.Context, room *models.Room) error {
	if f.alwaysConflict.Load() {
		return store.ErrConflict
	}
	return f.Gateway.UpdateRoom(ctx, room)
}

func (f *faultyStore) InsertPlayer(ctx context.Context, p *models.Player) error {
	if f.insertPlayerErr != nil {
		return f.insertPlayerErr
	}
	return f.Gateway.InsertPlayer(ctx, p)
}

func (f *faultyStore) RecordAnswer(ctx context.Context, a *models.Answer, playerID string, credit int) error {
	if f.recordFailures.Add(-1) >= 0 {
		return store.ErrUnavailable
	}
	if err := f.Gateway.RecordAnswer(ctx, a, playerID, credit); err != nil {
		return err
	}
	if f.recordLost.Add(-1) >= 0 {
		return store.ErrUnavailable
	}
	return nil
}

func (f *faultyStore) RemovePlayer(ctx context.Context, room *models.Room, userID string, deleteRoom bool) error {
	if err := f.Gateway.RemovePlayer(ctx, room, userID, deleteRoom); err != nil {
		return err
	}
	if f.removeLost.Add(-1) >= 0 {
		return store.ErrUnavailable
	}
	return nil
}

// lostIncrements is a SeatCounter whose increments may commit and still
// report ErrUnavailable.
type lostIncrements struct {
	store.Gateway
	counter store.SeatCounter
	calls   atomic.Int32
	lost    atomic.Int32
}

func (l *lostIncrements) IncrementPlayersIfBelow(ctx context.Context, roomID string) (*models.Room, error) {
	l.calls.Add(1)
	room, err := l.counter.IncrementPlayersIfBelow(ctx, roomID)
	if err == nil && l.lost.Add(-1) >= 0 {
		return nil, store.ErrUnavailable
	}
	return room, err
}

// slowLister widens the window between reading a room and writing it back
type slowLister struct {
	store.Gateway
	delay time.Duration
}

func (s slowLister) ListPlayers(ctx context.Context, roomID string) ([]models.Player, error) {
	time.Sleep(s.delay)
	return s.Gateway.ListPlayers(ctx, roomID)
}

type failingGenerator struct {
	calls atomic.Int32
}

func (g *failingGenerator) Generate(string, int, time.Duration) (*models.Question, error) {
	g.calls.Add(1)
	return nil, errBoom
}
