package handlers

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"quizroom/middleware"
	"quizroom/utils"
)

const maxGuestName = 32

type GuestLoginRequest struct {
	GuestName string `json:"guest_name,omitempty"`
}

type AuthResponse struct {
	Success bool     `json:"success"`
	Token   string   `json:"token,omitempty"`
	User    UserInfo `json:"user,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsGuest  bool   `json:"is_guest"`
}

// GuestLogin issues a token for a fresh guest identity
func (h *Handler) GuestLogin(c *fiber.Ctx) error {
	var req GuestLoginRequest

	// an empty body is fine, the guest gets a generated name
	if err := utils.ParseJSON(c, &req); err != nil {
		return utils.JSONError(c, fiber.StatusBadRequest, "Invalid request body")
	}

	userID := uuid.NewString()
	guestName := strings.TrimSpace(req.GuestName)
	if guestName == "" {
		guestName = fmt.Sprintf("Guest_%s", userID[:8])
	}
	if len(guestName) > maxGuestName {
		return utils.JSONError(c, fiber.StatusBadRequest, fmt.Sprintf("Guest name must be at most %d characters", maxGuestName))
	}

	token, err := middleware.IssueToken(h.auth.JWTSecret, userID, guestName, true, h.auth.TokenTTL)
	if err != nil {
		h.log.Error().Err(err).Msg("❌ failed to sign token")
		return c.Status(500).JSON(AuthResponse{Success: false, Error: "Failed to generate token"})
	}

	h.log.Info().Str("user_id", userID).Str("username", guestName).Msg("👤 guest session issued")
	return c.JSON(AuthResponse{
		Success: true,
		Token:   token,
		User:    UserInfo{ID: userID, Username: guestName, IsGuest: true},
	})
}
