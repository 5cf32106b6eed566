// Package queue is the durable job queue between the scheduler and the worker.
// Delivery is at-least-once: a received message stays invisible for the
// visibility timeout and reappears unless deleted. A message received
// MaxReceives times is moved to the dead-letter sink instead of being delivered
// again.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const DefaultMaxReceives = 20

// ErrReceiptInvalid is returned when a receipt no longer identifies the current
// delivery of a message: it was deleted, nacked, or delivered again.
var ErrReceiptInvalid = errors.New("queue receipt is not valid")

type Message struct {
	ID           string
	Body         []byte
	Receipt      string
	ReceiveCount int
}

type DeadLetter struct {
	ID             string    `json:"id"`
	Body           []byte    `json:"-"`
	ReceiveCount   int       `json:"receiveCount"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

type Stats struct {
	Pending      int64 `json:"pending"`
	InFlight     int64 `json:"inFlight"`
	DeadLettered int64 `json:"deadLettered"`
}

type Queue interface {
	Send(ctx context.Context, body []byte) (string, error)
	// Receive returns ok=false when no message is visible.
	Receive(ctx context.Context, visibility time.Duration) (Message, bool, error)
	Delete(ctx context.Context, receipt string) error
	// Nack makes the message visible again after delay. The receive count is kept.
	Nack(ctx context.Context, receipt string, delay time.Duration) error
	Stats(ctx context.Context) (Stats, error)
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

type Options struct {
	MaxReceives int
	Now         func() time.Time
}

func (o Options) normalized() Options {
	if o.MaxReceives <= 0 {
		o.MaxReceives = DefaultMaxReceives
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

func newID() string {
	return ulid.Make().String()
}

// receipts are "<message id>.<delivery id>".
func newReceipt(id string) string {
	return id + "." + newID()
}

func messageIDOf(receipt string) (string, error) {
	id, _, ok := strings.Cut(strings.TrimSpace(receipt), ".")
	if !ok || id == "" {
		return "", ErrReceiptInvalid
	}
	return id, nil
}
