package broker

import (
	"context"
	"errors"
	"time"

	"tradegate/internal/domain"
)

var ErrRejected = errors.New("order rejected by venue")

type Action string

const (
	ActionOpen   Action = "open"
	ActionReduce Action = "reduce"
	ActionClose  Action = "close"
)

// Order is what the pipeline hands to a venue. CommandID doubles as the
// idempotency key; an order is never resent under the same id.
type Order struct {
	CommandID  string      `json:"command_id"`
	AccountID  string      `json:"account_id"`
	Action     Action      `json:"action"`
	Instrument string      `json:"instrument"`
	Side       domain.Side `json:"side"`
	Size       float64     `json:"size"`
	Price      float64     `json:"price"`
	StopLoss   float64     `json:"stop_loss,omitempty"`
	TakeProfit float64     `json:"take_profit,omitempty"`
}

type Fill struct {
	CommandID string    `json:"command_id"`
	OrderID   string    `json:"order_id"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	FilledAt  time.Time `json:"filled_at"`
}

type Executor interface {
	Venue() domain.Venue
	Execute(ctx context.Context, order Order) (Fill, error)
}
