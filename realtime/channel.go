// Package realtime delivers per-room change notifications. Delivery is
// at-least-once at best: events may be duplicated, reordered or lost, and
// receivers treat each one as a hint to re-read the store.
package realtime

import (
	"context"
	"errors"
	"fmt"

	"quizroom/models"
)

// ErrClosed is returned when subscribing to a channel that was shut down.
var ErrClosed = errors.New("channel closed")

// Handler is invoked for every event of a subscribed room. It must not block.
type Handler func(models.ChangeEvent)

// Subscription is returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Channel is the synchronization channel contract.
type Channel interface {
	Publish(ctx context.Context, event models.ChangeEvent) error
	Subscribe(ctx context.Context, roomID string, h Handler) (Subscription, error)
}

func roomTopic(roomID string) string {
	return fmt.Sprintf("quizroom:room:%s:changes", roomID)
}

type subscriptionFunc func() error

func (f subscriptionFunc) Unsubscribe() error { return f() }
