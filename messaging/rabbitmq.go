// Package messaging ships final room results to RabbitMQ for downstream
// consumers (leaderboards, notifications).
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"quizroom/config"
	"quizroom/services"
)

const publishTimeout = 5 * time.Second

// amqpChannel is the part of *amqp.Channel the publisher needs
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ResultsPublisher publishes RoomResults as persistent JSON messages on a
// durable queue. It implements services.ResultsPublisher.
type ResultsPublisher struct {
	conn  *amqp.Connection
	queue string
	log   zerolog.Logger

	mu sync.Mutex // amqp channels are not safe for concurrent publishing
	ch amqpChannel
}

// NewResultsPublisher dials RabbitMQ and declares the results queue
func NewResultsPublisher(cfg config.RabbitMQConfig, log zerolog.Logger) (*ResultsPublisher, error) {
	conn, err := amqp.Dial(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p, err := newResultsPublisher(ch, cfg.ResultsQueue, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newResultsPublisher(ch amqpChannel, queue string, log zerolog.Logger) (*ResultsPublisher, error) {
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return &ResultsPublisher{
		ch:    ch,
		queue: queue,
		log:   log.With().Str("component", "results").Str("queue", queue).Logger(),
	}, nil
}

// PublishResults sends one message per completed room
func (p *ResultsPublisher) PublishResults(ctx context.Context, results services.RoomResults) error {
	body, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    results.RoomID,
			Timestamp:    time.Now(),
			Body:         body,
		})
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish results for room %s: %w", results.RoomID, err)
	}

	p.log.Info().Str("room_id", results.RoomID).Int("players", len(results.Standings)).Msg("📨 results published")
	return nil
}

// Close closes the channel and the connection
func (p *ResultsPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
