// handlers/ws.go - Live room state over websocket
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/websocket/v2"

	"quizroom/services"
)

const (
	// WebSocket timeouts
	writeWait  = 10 * time.Second // Time allowed to write a message
	pingPeriod = 15 * time.Second // Send pings at this interval
	pongWait   = 2 * pingPeriod

	// Send channel buffer size
	sendBufferSize = 16
)

// Message is the envelope of every websocket frame in both directions
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type socket struct {
	h    *Handler
	conn *websocket.Conn
	s    *services.Session
	send chan outbound
	ctx  context.Context
}

// RoomSocket streams the caller's session snapshots and accepts room actions.
// Closing the socket does not leave the room; send "leave" for that.
func (h *Handler) RoomSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals("userId").(string)
	roomID := conn.Params("id")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := h.mgr.Open(ctx, roomID, userID)
	if err != nil {
		status := statusFor(err)
		_ = conn.WriteJSON(outbound{Type: "error", Payload: map[string]interface{}{"status": status, "error": err.Error()}})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		_ = conn.Close()
		return
	}

	sock := &socket{h: h, conn: conn, s: s, send: make(chan outbound, sendBufferSize), ctx: ctx}
	h.log.Info().Str("room_id", roomID).Str("user_id", userID).Msg("🎮 socket connected")

	sock.queue("state", s.Snapshot())
	written := make(chan struct{})
	go func() {
		defer close(written)
		sock.writePump(cancel)
	}()
	sock.readPump()

	// the connection is released once we return
	cancel()
	<-written

	h.log.Info().Str("room_id", roomID).Str("user_id", userID).Msg("🔌 socket disconnected")
}

func (k *socket) readPump() {
	k.conn.SetReadDeadline(time.Now().Add(pongWait))
	k.conn.SetPongHandler(func(string) error {
		return k.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := k.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				k.h.log.Debug().Err(err).Str("user_id", k.s.UserID()).Msg("websocket read error")
			}
			return
		}
		if k.ctx.Err() != nil {
			return
		}
		k.handle(msg)
	}
}

// writePump is the only writer of the connection
func (k *socket) writePump(cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		k.conn.Close()
	}()

	for {
		var msg outbound
		select {
		case <-k.ctx.Done():
			return
		case <-k.s.Done():
			final := k.s.Snapshot()
			k.write(outbound{Type: "state", Payload: final})
			k.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
			return
		case snap := <-k.s.Updates():
			msg = outbound{Type: "state", Payload: snap}
		case msg = <-k.send:
		case <-ticker.C:
			k.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := k.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		if err := k.write(msg); err != nil {
			k.h.log.Debug().Err(err).Str("user_id", k.s.UserID()).Msg("websocket write error")
			return
		}
	}
}

func (k *socket) write(msg outbound) error {
	k.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return k.conn.WriteJSON(msg)
}

// queue sends a reply without blocking the reader
func (k *socket) queue(msgType string, payload interface{}) {
	select {
	case k.send <- outbound{Type: msgType, Payload: payload}:
	default:
		k.h.log.Warn().Str("user_id", k.s.UserID()).Str("type", msgType).Msg("⚠️ send buffer full, dropping message")
	}
}

func (k *socket) fail(err error) {
	k.queue("error", map[string]interface{}{"status": statusFor(err), "error": err.Error()})
}

func (k *socket) handle(msg Message) {
	ctx := k.ctx
	switch msg.Type {
	case "start_game":
		if err := k.s.Start(ctx); err != nil {
			k.fail(err)
		}
	case "submit_answer":
		var p struct {
			Selected int `json:"selected"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			k.fail(services.ErrInvalidInput)
			return
		}
		res, err := k.s.SubmitAnswer(ctx, p.Selected)
		if err != nil {
			k.fail(err)
			return
		}
		k.queue("answer_result", res)
	case "player_ready":
		var p struct {
			Ready bool `json:"ready"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			k.fail(services.ErrInvalidInput)
			return
		}
		if err := k.s.SetReady(ctx, p.Ready); err != nil {
			k.fail(err)
		}
	case "leave_room":
		if err := k.s.Leave(ctx); err != nil {
			k.fail(err)
		}
	case "refresh":
		k.s.Kick()
	case "ping":
		// Send pong response for latency measurement
		k.queue("pong", map[string]interface{}{"at": time.Now().UnixMilli()})
	default:
		k.fail(services.ErrInvalidInput)
	}
}
