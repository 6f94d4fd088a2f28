// handlers/rooms.go - Room REST endpoints
package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"quizroom/services"
	"quizroom/utils"
)

type CreateRoomRequest struct {
	Name             string `json:"name"`
	MaxPlayers       int    `json:"max_players"`
	TotalQuestions   int    `json:"total_questions"`
	TimeLimitSeconds int    `json:"time_limit_seconds"`
	Passcode         string `json:"passcode,omitempty"`
}

type JoinRoomRequest struct {
	Passcode string `json:"passcode,omitempty"`
}

type ReadyRequest struct {
	Ready bool `json:"ready"`
}

type AnswerRequest struct {
	QuestionID string `json:"question_id"`
	Selected   *int   `json:"selected"`
	LatencyMs  int64  `json:"latency_ms"`
}

// ListRooms returns joinable rooms
func (h *Handler) ListRooms(c *fiber.Ctx) error {
	rooms, err := h.mgr.ListRooms(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.Map{"rooms": rooms, "count": len(rooms)})
}

// CreateRoom creates a room hosted by the caller
func (h *Handler) CreateRoom(c *fiber.Ctx) error {
	userID, name, err := identity(c)
	if err != nil {
		return err
	}

	var req CreateRoomRequest
	if err := utils.ParseJSON(c, &req); err != nil {
		return utils.JSONError(c, fiber.StatusBadRequest, "Invalid request body")
	}

	s, err := h.mgr.CreateRoom(c.UserContext(), userID, services.CreateRoomInput{
		HostUserID:     userID,
		HostName:       name,
		Name:           req.Name,
		MaxPlayers:     req.MaxPlayers,
		TotalQuestions: req.TotalQuestions,
		TimeLimit:      time.Duration(req.TimeLimitSeconds) * time.Second,
		Passcode:       req.Passcode,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "state": s.Snapshot()})
}

// GetRoom returns the stored room and its players
func (h *Handler) GetRoom(c *fiber.Ctx) error {
	state, err := h.mgr.Coordinator().Rooms.LoadRoom(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.Map{"room": state.Room, "players": state.Players})
}

// GetState returns the caller's live session snapshot
func (h *Handler) GetState(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.Map{"state": s.Snapshot()})
}

// JoinRoom seats the caller
func (h *Handler) JoinRoom(c *fiber.Ctx) error {
	userID, name, err := identity(c)
	if err != nil {
		return err
	}

	var req JoinRoomRequest
	if err := utils.ParseJSON(c, &req); err != nil {
		return utils.JSONError(c, fiber.StatusBadRequest, "Invalid request body")
	}

	s, err := h.mgr.JoinRoom(c.UserContext(), c.Params("id"), userID, name, req.Passcode)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.Map{"state": s.Snapshot()})
}

// LeaveRoom removes the caller. Leaving a room one is not in succeeds.
func (h *Handler) LeaveRoom(c *fiber.Ctx) error {
	userID, _, err := identity(c)
	if err != nil {
		return err
	}
	if err := h.mgr.LeaveRoom(c.UserContext(), c.Params("id"), userID); err != nil {
		return h.fail(c, err)
	}
	return utils.JSONSuccess(c, nil)
}

// StartGame starts the countdown; host only
func (h *Handler) StartGame(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	if err := s.Start(c.UserContext()); err != nil {
		return h.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.Map{"state": s.Snapshot()})
}

// SetReady toggles the caller's ready flag
func (h *Handler) SetReady(c *fiber.Ctx) error {
	var req ReadyRequest
	if err := utils.ParseJSON(c, &req); err != nil {
		return utils.JSONError(c, fiber.StatusBadRequest, "Invalid request body")
	}
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	if err := s.SetReady(c.UserContext(), req.Ready); err != nil {
		return h.fail(c, err)
	}
	return utils.JSONSuccess(c, nil)
}

// SubmitAnswer answers a question. Without question_id the active one is answered.
func (h *Handler) SubmitAnswer(c *fiber.Ctx) error {
	var req AnswerRequest
	if err := utils.ParseJSON(c, &req); err != nil || req.Selected == nil {
		return utils.JSONError(c, fiber.StatusBadRequest, "selected is required")
	}

	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}

	var result *services.AnswerResult
	active := s.Snapshot().Question
	if req.QuestionID == "" || (active != nil && active.ID == req.QuestionID) {
		result, err = s.SubmitAnswer(c.UserContext(), *req.Selected)
	} else {
		result, err = h.mgr.Coordinator().Answers.Submit(c.UserContext(), services.SubmitInput{
			RoomID:     s.RoomID(),
			QuestionID: req.QuestionID,
			UserID:     s.UserID(),
			Selected:   *req.Selected,
			LatencyMs:  req.LatencyMs,
		})
		s.Kick()
	}
	if err != nil {
		return h.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.Map{"result": result})
}

func (h *Handler) session(c *fiber.Ctx) (*services.Session, error) {
	userID, _, err := identity(c)
	if err != nil {
		return nil, err
	}
	return h.mgr.Open(c.UserContext(), c.Params("id"), userID)
}
