package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"quizroom/models"
)

// Publisher receives a change event after every successful write.
type Publisher interface {
	Publish(ctx context.Context, event models.ChangeEvent) error
}

// Notify wraps g so that writes emit change events on pub, the way a managed
// store's change feed would. The returned gateway keeps the SeatCounter
// capability if g has it.
func Notify(g Gateway, pub Publisher, log zerolog.Logger) Gateway {
	n := &notifying{Gateway: g, pub: pub, log: log}
	if sc, ok := g.(SeatCounter); ok {
		return &notifyingCounter{notifying: n, counter: sc}
	}
	return n
}

type notifying struct {
	Gateway
	pub Publisher
	log zerolog.Logger
}

type notifyingCounter struct {
	*notifying
	counter SeatCounter
}

func (n *notifyingCounter) IncrementPlayersIfBelow(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := n.counter.IncrementPlayersIfBelow(ctx, roomID)
	if err == nil {
		n.emit(ctx, models.TableRooms, models.EventUpdate, roomID, roomID, room)
	}
	return room, err
}

func (n *notifying) emit(ctx context.Context, table string, kind models.EventType, roomID, rowID string, row interface{}) {
	event := models.ChangeEvent{
		Table:     table,
		EventType: kind,
		RoomID:    roomID,
		RowID:     rowID,
		At:        time.Now().UTC(),
	}
	if row != nil {
		if b, err := json.Marshal(row); err == nil {
			event.Row = b
		}
	}
	// Delivery is best effort; sessions fall back to polling.
	if err := n.pub.Publish(context.WithoutCancel(ctx), event); err != nil {
		n.log.Warn().Err(err).Str("room_id", roomID).Str("table", table).Msg("change event not published")
	}
}

func (n *notifying) CreateRoom(ctx context.Context, room *models.Room) error {
	if err := n.Gateway.CreateRoom(ctx, room); err != nil {
		return err
	}
	n.emit(ctx, models.TableRooms, models.EventInsert, room.ID, room.ID, room)
	return nil
}

func (n *notifying) UpdateRoom(ctx context.Context, room *models.Room) error {
	if err := n.Gateway.UpdateRoom(ctx, room); err != nil {
		return err
	}
	n.emit(ctx, models.TableRooms, models.EventUpdate, room.ID, room.ID, room)
	return nil
}

func (n *notifying) DeleteRoom(ctx context.Context, id string, version int64) error {
	if err := n.Gateway.DeleteRoom(ctx, id, version); err != nil {
		return err
	}
	n.emit(ctx, models.TableRooms, models.EventDelete, id, id, nil)
	return nil
}

func (n *notifying) InsertPlayer(ctx context.Context, player *models.Player) error {
	if err := n.Gateway.InsertPlayer(ctx, player); err != nil {
		return err
	}
	n.emit(ctx, models.TablePlayers, models.EventInsert, player.RoomID, player.ID, player)
	return nil
}

func (n *notifying) DeletePlayer(ctx context.Context, roomID, userID string) error {
	if err := n.Gateway.DeletePlayer(ctx, roomID, userID); err != nil {
		return err
	}
	n.emit(ctx, models.TablePlayers, models.EventDelete, roomID, userID, nil)
	return nil
}

func (n *notifying) RemovePlayer(ctx context.Context, room *models.Room, userID string, deleteRoom bool) error {
	if err := n.Gateway.RemovePlayer(ctx, room, userID, deleteRoom); err != nil {
		return err
	}
	n.emit(ctx, models.TablePlayers, models.EventDelete, room.ID, userID, nil)
	if deleteRoom {
		n.emit(ctx, models.TableRooms, models.EventDelete, room.ID, room.ID, nil)
	} else {
		n.emit(ctx, models.TableRooms, models.EventUpdate, room.ID, room.ID, room)
	}
	return nil
}

func (n *notifying) SetReady(ctx context.Context, roomID, playerID string, ready bool) error {
	if err := n.Gateway.SetReady(ctx, roomID, playerID, ready); err != nil {
		return err
	}
	n.emit(ctx, models.TablePlayers, models.EventUpdate, roomID, playerID, nil)
	return nil
}

func (n *notifying) AddScore(ctx context.Context, roomID, playerID string, delta int) error {
	if err := n.Gateway.AddScore(ctx, roomID, playerID, delta); err != nil {
		return err
	}
	n.emit(ctx, models.TablePlayers, models.EventUpdate, roomID, playerID, nil)
	return nil
}

func (n *notifying) SetCurrentAnswer(ctx context.Context, roomID, playerID string, value *int) error {
	if err := n.Gateway.SetCurrentAnswer(ctx, roomID, playerID, value); err != nil {
		return err
	}
	n.emit(ctx, models.TablePlayers, models.EventUpdate, roomID, playerID, nil)
	return nil
}

func (n *notifying) ClearCurrentAnswers(ctx context.Context, roomID string) error {
	if err := n.Gateway.ClearCurrentAnswers(ctx, roomID); err != nil {
		return err
	}
	n.emit(ctx, models.TablePlayers, models.EventUpdate, roomID, "", nil)
	return nil
}

func (n *notifying) InsertQuestion(ctx context.Context, q *models.Question) error {
	if err := n.Gateway.InsertQuestion(ctx, q); err != nil {
		return err
	}
	n.emit(ctx, models.TableQuestions, models.EventInsert, q.RoomID, q.ID, q)
	return nil
}

func (n *notifying) InsertAnswer(ctx context.Context, a *models.Answer) error {
	if err := n.Gateway.InsertAnswer(ctx, a); err != nil {
		return err
	}
	n.emit(ctx, models.TableAnswers, models.EventInsert, a.RoomID, a.ID, a)
	return nil
}

func (n *notifying) RecordAnswer(ctx context.Context, a *models.Answer, playerID string, credit int) error {
	if err := n.Gateway.RecordAnswer(ctx, a, playerID, credit); err != nil {
		return err
	}
	n.emit(ctx, models.TableAnswers, models.EventInsert, a.RoomID, a.ID, a)
	if credit > 0 {
		n.emit(ctx, models.TablePlayers, models.EventUpdate, a.RoomID, playerID, nil)
	}
	return nil
}
