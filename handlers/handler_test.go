package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quizroom/config"
	"quizroom/realtime"
	"quizroom/services"
	"quizroom/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	hub := realtime.NewHub(zerolog.Nop())
	t.Cleanup(func() { _ = hub.Close() })

	cfg := config.DefaultGameConfig()
	g := store.Notify(store.NewMemoryStore(), hub, zerolog.Nop())
	c := services.NewCoordinator(g, hub, services.NewArithmeticGenerator(3), nil, cfg, zerolog.Nop())
	mgr := services.NewSessionManager(c)
	t.Cleanup(mgr.CloseAll)

	h := New(mgr, config.AuthConfig{JWTSecret: testSecret, TokenTTL: time.Hour}, zerolog.Nop())
	app := fiber.New()
	h.Register(app)
	h.RegisterDebug(app)
	return app
}

func call(t *testing.T, app *fiber.App, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func login(t *testing.T, app *fiber.App, name string) string {
	t.Helper()
	status, body := call(t, app, "POST", "/api/auth/guest", "", map[string]string{"guest_name": name})
	require.Equal(t, 200, status)
	token, ok := body["token"].(string)
	require.True(t, ok)
	return token
}

func createRoom(t *testing.T, app *fiber.App, token string, maxPlayers int) string {
	t.Helper()
	status, body := call(t, app, "POST", "/api/rooms", token, map[string]interface{}{"name": "Arena", "max_players": maxPlayers})
	require.Equal(t, fiber.StatusCreated, status, body)
	state := body["state"].(map[string]interface{})
	room := state["room"].(map[string]interface{})
	return room["id"].(string)
}

func TestGuestLogin(t *testing.T) {
	app := newTestApp(t)

	status, body := call(t, app, "POST", "/api/auth/guest", "", nil)
	assert.Equal(t, 200, status)
	user := body["user"].(map[string]interface{})
	assert.Contains(t, user["username"], "Guest_")
	assert.Equal(t, true, user["is_guest"])

	status, _ = call(t, app, "POST", "/api/auth/guest", "", map[string]string{"guest_name": string(bytes.Repeat([]byte("x"), 40))})
	assert.Equal(t, 400, status)
}

func TestRooms_RequireToken(t *testing.T) {
	app := newTestApp(t)
	status, _ := call(t, app, "GET", "/api/rooms", "", nil)
	assert.Equal(t, 401, status)
}

func TestRooms_Lifecycle(t *testing.T) {
	app := newTestApp(t)
	alice := login(t, app, "Alice")
	bob := login(t, app, "Bob")
	carol := login(t, app, "Carol")

	roomID := createRoom(t, app, alice, 3)

	status, body := call(t, app, "GET", "/api/rooms", bob, nil)
	require.Equal(t, 200, status)
	assert.Equal(t, float64(1), body["count"])

	status, _ = call(t, app, "POST", fmt.Sprintf("/api/rooms/%s/join", roomID), bob, nil)
	require.Equal(t, 200, status)

	// only the host starts
	status, _ = call(t, app, "POST", fmt.Sprintf("/api/rooms/%s/start", roomID), bob, nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	// non members get no session
	status, _ = call(t, app, "GET", fmt.Sprintf("/api/rooms/%s/state", roomID), carol, nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = call(t, app, "POST", fmt.Sprintf("/api/rooms/%s/ready", roomID), bob, map[string]bool{"ready": true})
	assert.Equal(t, 200, status)

	status, body = call(t, app, "GET", "/api/rooms/"+roomID, carol, nil)
	require.Equal(t, 200, status)
	assert.Len(t, body["players"], 2)

	// nothing to answer before the game starts
	status, _ = call(t, app, "POST", fmt.Sprintf("/api/rooms/%s/answers", roomID), bob, map[string]int{"selected": 4})
	assert.Equal(t, fiber.StatusBadRequest, status)
	status, _ = call(t, app, "POST", fmt.Sprintf("/api/rooms/%s/answers", roomID), bob, map[string]string{})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = call(t, app, "POST", fmt.Sprintf("/api/rooms/%s/start", roomID), alice, nil)
	require.Equal(t, 200, status, body)
	require.Eventually(t, func() bool {
		_, body := call(t, app, "GET", fmt.Sprintf("/api/rooms/%s/state", roomID), bob, nil)
		state, _ := body["state"].(map[string]interface{})
		return state["phase"] == "countdown" || state["phase"] == "in_progress"
	}, 5*time.Second, 20*time.Millisecond)

	status, _ = call(t, app, "POST", fmt.Sprintf("/api/rooms/%s/leave", roomID), bob, nil)
	assert.Equal(t, 200, status)
	status, _ = call(t, app, "POST", fmt.Sprintf("/api/rooms/%s/leave", roomID), bob, nil)
	assert.Equal(t, 200, status, "leaving twice is harmless")
}

func TestRooms_FullRoom(t *testing.T) {
	app := newTestApp(t)
	alice := login(t, app, "Alice")
	bob := login(t, app, "Bob")
	carol := login(t, app, "Carol")

	roomID := createRoom(t, app, alice, 2)
	status, _ := call(t, app, "POST", fmt.Sprintf("/api/rooms/%s/join", roomID), bob, nil)
	require.Equal(t, 200, status)

	status, body := call(t, app, "POST", fmt.Sprintf("/api/rooms/%s/join", roomID), carol, nil)
	assert.Contains(t, []int{fiber.StatusConflict, fiber.StatusNotFound}, status, body)
}

func TestRooms_Validation(t *testing.T) {
	app := newTestApp(t)
	alice := login(t, app, "Alice")

	status, _ := call(t, app, "POST", "/api/rooms", alice, map[string]interface{}{"name": "", "max_players": 2})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = call(t, app, "POST", "/api/rooms", alice, map[string]interface{}{"name": "Big", "max_players": 50})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = call(t, app, "GET", "/api/rooms/does-not-exist", alice, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestWebSocket_RequiresUpgrade(t *testing.T) {
	app := newTestApp(t)
	alice := login(t, app, "Alice")

	resp, err := app.Test(httptest.NewRequest("GET", "/ws/rooms/x?token="+alice, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/ws/rooms/x", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		services.ErrInvalidInput:       400,
		services.ErrAuthorization:      403,
		services.ErrNotInRoom:          403,
		services.ErrRoomNotFound:       404,
		services.ErrRoomFull:           409,
		services.ErrCapacityRace:       409,
		services.ErrGameNotWaiting:     409,
		services.ErrNotEnoughPlayers:   409,
		services.ErrStoreUnavailable:   503,
		services.ErrQuestionGeneration: 500,
		fiber.ErrUnauthorized:          401,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
}

func TestDebug_Sessions(t *testing.T) {
	app := newTestApp(t)
	alice := login(t, app, "Alice")
	roomID := createRoom(t, app, alice, 3)

	status, body := call(t, app, "GET", "/api/debug/sessions", alice, nil)
	require.Equal(t, 200, status)
	assert.Equal(t, float64(1), body["total_sessions"])

	status, body = call(t, app, "GET", "/api/debug/rooms/"+roomID, alice, nil)
	require.Equal(t, 200, status)
	room := body["room"].(map[string]interface{})
	assert.Equal(t, "waiting", room["status"])
	assert.Equal(t, float64(1), room["sessions"])
	assert.Equal(t, float64(1), room["player_count"])
}
