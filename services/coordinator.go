package services

import (
	"time"

	"github.com/rs/zerolog"

	"quizroom/config"
	"quizroom/realtime"
	"quizroom/store"
)

// Coordinator bundles the room services a session needs. Build one per
// process and share it between sessions.
type Coordinator struct {
	Rooms       *RoomService
	Answers     *AnswerService
	Progression *Progression
	Channel     realtime.Channel

	cfg config.GameConfig
	log zerolog.Logger
	now func() time.Time
}

// NewCoordinator wires the services over g. Pass a gateway wrapped with
// store.Notify(…, ch, …) so that writes reach the channel.
func NewCoordinator(g store.Gateway, ch realtime.Channel, gen QuestionGenerator, results ResultsPublisher, cfg config.GameConfig, log zerolog.Logger) *Coordinator {
	rooms := NewRoomService(g, cfg, log)
	answers := NewAnswerService(g, cfg, log)
	return &Coordinator{
		Rooms:       rooms,
		Answers:     answers,
		Progression: NewProgression(g, rooms, answers, gen, results, cfg, log),
		Channel:     ch,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
	}
}

// SetClock replaces the time source of every service, for tests and simulations.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
	c.Rooms.now = now
	c.Answers.now = now
}

// Config returns the game settings the coordinator was built with.
func (c *Coordinator) Config() config.GameConfig {
	return c.cfg
}
