// handlers/debug.go - Debug endpoints for troubleshooting rooms
package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"quizroom/middleware"
)

// DebugRoomInfo represents room information for debugging
type DebugRoomInfo struct {
	RoomID      string   `json:"room_id"`
	Host        string   `json:"host"`
	PlayerCount int      `json:"player_count"`
	MaxPlayers  int      `json:"max_players"`
	Status      string   `json:"status"`
	Phases      []string `json:"session_phases"`
	Sessions    int      `json:"sessions"`
	PlayerIDs   []string `json:"player_ids"`
}

// RegisterDebug mounts the debug routes (remove in production)
func (h *Handler) RegisterDebug(app *fiber.App) {
	debug := app.Group("/api/debug", middleware.Auth(h.auth.JWTSecret))
	debug.Get("/sessions", h.GetSessions)
	debug.Get("/rooms/:id", h.GetRoomDebug)
}

// GetSessions returns every live session held by this server
func (h *Handler) GetSessions(c *fiber.Ctx) error {
	sessions := h.mgr.Sessions()
	return c.JSON(fiber.Map{
		"success":        true,
		"total_sessions": len(sessions),
		"sessions":       sessions,
		"timestamp":      time.Now(),
	})
}

// GetRoomDebug returns one room with the sessions attached to it
func (h *Handler) GetRoomDebug(c *fiber.Ctx) error {
	roomID := c.Params("id")
	state, err := h.mgr.Coordinator().Rooms.LoadRoom(c.UserContext(), roomID)
	if err != nil {
		return h.fail(c, err)
	}

	info := DebugRoomInfo{
		RoomID:      state.Room.ID,
		Host:        state.Room.HostUserID,
		PlayerCount: state.Room.CurrentPlayers,
		MaxPlayers:  state.Room.MaxPlayers,
		Status:      string(state.Room.Status),
		PlayerIDs:   make([]string, 0, len(state.Players)),
	}
	for _, p := range state.Players {
		info.PlayerIDs = append(info.PlayerIDs, p.UserID)
	}
	for _, s := range h.mgr.Sessions() {
		if s.RoomID == roomID {
			info.Sessions++
			info.Phases = append(info.Phases, string(s.Phase))
		}
	}

	return c.JSON(fiber.Map{
		"success":   true,
		"room":      info,
		"timestamp": time.Now(),
	})
}
