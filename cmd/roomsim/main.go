// cmd/roomsim - plays full rooms with bot players against a local store
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"quizroom/config"
	"quizroom/database"
	"quizroom/logger"
	"quizroom/realtime"
	"quizroom/services"
	"quizroom/store"
)

type options struct {
	rooms     int
	players   int
	questions int
	timeLimit time.Duration
	accuracy  float64
	backend   string
	verbose   bool
}

func main() {
	var opts options
	flag.IntVar(&opts.rooms, "rooms", 3, "number of rooms to play in parallel")
	flag.IntVar(&opts.players, "players", 4, "bots per room")
	flag.IntVar(&opts.questions, "questions", 5, "questions per game")
	flag.DurationVar(&opts.timeLimit, "time-limit", 2*time.Second, "time per question")
	flag.Float64Var(&opts.accuracy, "accuracy", 0.7, "chance a bot answers correctly")
	flag.StringVar(&opts.backend, "store", "memory", "store backend: memory or sqlite")
	flag.BoolVar(&opts.verbose, "v", false, "debug logging")
	flag.Parse()

	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	log := logger.New(level, true)

	results, err := simulate(context.Background(), opts, log)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	for _, r := range results {
		status := "ok"
		if r.Failed {
			status = "failed: " + r.FailureReason
		}
		fmt.Printf("room %s (%d questions, %s)\n", r.Name, r.Questions, status)
		for _, s := range r.Standings {
			fmt.Printf("  %d. %-8s %4d\n", s.Rank, s.DisplayName, s.Score)
		}
	}
}

func openStore(backend string) (store.Gateway, error) {
	switch backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		db, err := database.OpenMemory()
		if err != nil {
			return nil, err
		}
		return store.NewGormStore(db), nil
	}
	return nil, fmt.Errorf("unknown store %q", backend)
}

// collector keeps the results the coordinator publishes
type collector struct {
	out chan services.RoomResults
}

func (c *collector) PublishResults(_ context.Context, r services.RoomResults) error {
	c.out <- r
	return nil
}

func simulate(ctx context.Context, opts options, log zerolog.Logger) ([]services.RoomResults, error) {
	if opts.players < 2 {
		return nil, fmt.Errorf("need at least 2 players per room")
	}

	base, err := openStore(opts.backend)
	if err != nil {
		return nil, err
	}
	hub := realtime.NewHub(log)
	defer hub.Close()

	cfg := config.DefaultGameConfig()
	cfg.MaxPlayersLimit = max(cfg.MaxPlayersLimit, opts.players)
	cfg.TotalQuestions = opts.questions
	cfg.TimeLimit = opts.timeLimit
	cfg.Countdown = 500 * time.Millisecond
	cfg.ResultDelay = 300 * time.Millisecond
	cfg.PollInterval = time.Second
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sink := &collector{out: make(chan services.RoomResults, opts.rooms)}
	c := services.NewCoordinator(
		store.Notify(base, hub, log),
		hub,
		services.NewArithmeticGenerator(rand.Uint64()),
		sink,
		cfg,
		log,
	)
	mgr := services.NewSessionManager(c)
	defer mgr.CloseAll()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.rooms; i++ {
		name := fmt.Sprintf("sim-%d", i+1)
		g.Go(func() error {
			return playRoom(gctx, mgr, name, opts)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]services.RoomResults, 0, opts.rooms)
	for len(results) < opts.rooms {
		select {
		case r := <-sink.out:
			results = append(results, r)
		case <-time.After(5 * time.Second):
			return results, fmt.Errorf("only %d of %d rooms reported results", len(results), opts.rooms)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results, nil
}

// playRoom creates a room, fills it with bots and plays until it completes.
// The room starts on its own once full.
func playRoom(ctx context.Context, mgr *services.SessionManager, name string, opts options) error {
	host := uuid.NewString()
	first, err := mgr.CreateRoom(ctx, host, services.CreateRoomInput{
		HostUserID:     host,
		HostName:       "bot-1",
		Name:           name,
		MaxPlayers:     opts.players,
		TotalQuestions: opts.questions,
		TimeLimit:      opts.timeLimit,
	})
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}

	sessions := []*services.Session{first}
	for i := 2; i <= opts.players; i++ {
		s, err := mgr.JoinRoom(ctx, first.RoomID(), uuid.NewString(), fmt.Sprintf("bot-%d", i), "")
		if err != nil {
			return fmt.Errorf("join %s: %w", name, err)
		}
		sessions = append(sessions, s)
	}

	timeout := time.Duration(opts.questions)*(opts.timeLimit+time.Second) + 10*time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			return runBot(gctx, s, opts)
		})
	}
	return g.Wait()
}

// runBot answers every question it sees after a random think time and returns
// once the room is completed.
func runBot(ctx context.Context, s *services.Session, opts options) error {
	answered := map[string]bool{}
	for {
		var snap services.Snapshot
		select {
		case <-ctx.Done():
			return fmt.Errorf("bot %s: %w", s.UserID(), ctx.Err())
		case <-s.Done():
			return nil
		case snap = <-s.Updates():
		}

		switch snap.Phase {
		case services.PhaseCompleted, services.PhaseClosed:
			return nil
		case services.PhaseInProgress:
		default:
			continue
		}
		q := snap.Question
		if q == nil || snap.LocalAnswered || answered[q.ID] {
			continue
		}
		answered[q.ID] = true

		think := time.Duration(rand.Int64N(int64(opts.timeLimit)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(think):
		}

		if _, err := s.SubmitAnswer(ctx, pick(q, opts.accuracy)); err != nil {
			// the round may have moved on while thinking
			continue
		}
	}
}

func pick(q *services.QuestionView, accuracy float64) int {
	want, ok := q.Operation.Apply(q.OperandA, q.OperandB)
	if ok && rand.Float64() < accuracy {
		return want
	}
	wrong := make([]int, 0, len(q.Options))
	for _, o := range q.Options {
		if o != want {
			wrong = append(wrong, o)
		}
	}
	if len(wrong) == 0 {
		return q.Options[0]
	}
	return wrong[rand.IntN(len(wrong))]
}
