// handlers/handler.go - HTTP and websocket surface of the room coordinator
package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"quizroom/config"
	"quizroom/middleware"
	"quizroom/services"
	"quizroom/utils"
)

// Handler serves the REST and websocket API on top of a session manager
type Handler struct {
	mgr  *services.SessionManager
	auth config.AuthConfig
	log  zerolog.Logger
}

func New(mgr *services.SessionManager, auth config.AuthConfig, log zerolog.Logger) *Handler {
	return &Handler{
		mgr:  mgr,
		auth: auth,
		log:  log.With().Str("component", "http").Logger(),
	}
}

// Register mounts every route on app
func (h *Handler) Register(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
			"sessions":  h.mgr.Len(),
		})
	})

	api := app.Group("/api")
	api.Post("/auth/guest", h.GuestLogin)

	rooms := api.Group("/rooms", middleware.Auth(h.auth.JWTSecret))
	rooms.Get("/", h.ListRooms)
	rooms.Post("/", h.CreateRoom)
	rooms.Get("/:id", h.GetRoom)
	rooms.Get("/:id/state", h.GetState)
	rooms.Post("/:id/join", h.JoinRoom)
	rooms.Post("/:id/leave", h.LeaveRoom)
	rooms.Post("/:id/start", h.StartGame)
	rooms.Post("/:id/ready", h.SetReady)
	rooms.Post("/:id/answers", h.SubmitAnswer)

	app.Use("/ws", middleware.WebSocketAuth(h.auth.JWTSecret), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/rooms/:id", websocket.New(h.RoomSocket))
}

// statusFor maps the coordinator error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrAuthorization), errors.Is(err, services.ErrNotInRoom):
		return fiber.StatusForbidden
	case errors.Is(err, services.ErrRoomNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrRoomFull),
		errors.Is(err, services.ErrCapacityRace),
		errors.Is(err, services.ErrGameNotWaiting),
		errors.Is(err, services.ErrNotEnoughPlayers):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrStoreUnavailable):
		return fiber.StatusServiceUnavailable
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}

func (h *Handler) fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	message := err.Error()
	if status >= 500 && !services.IsClientError(err) {
		h.log.Error().Err(err).Str("path", c.Path()).Int("status", status).Msg("❌ request failed")
		if status == fiber.StatusInternalServerError {
			message = "An error occurred. Please try again later."
		}
	}
	return utils.JSONError(c, status, message)
}

func identity(c *fiber.Ctx) (string, string, error) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		return "", "", err
	}
	name, _ := middleware.GetUsername(c)
	return userID, name, nil
}
