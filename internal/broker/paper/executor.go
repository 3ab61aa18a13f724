package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradegate/internal/broker"
	"tradegate/internal/domain"
)

// Executor fills every order immediately at the requested price.
type Executor struct {
	mu     sync.Mutex
	filled map[string]broker.Fill
	now    func() time.Time
}

func New() *Executor {
	return &Executor{
		filled: make(map[string]broker.Fill),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (e *Executor) Venue() domain.Venue { return domain.VenuePaper }

func (e *Executor) Execute(ctx context.Context, order broker.Order) (broker.Fill, error) {
	if err := ctx.Err(); err != nil {
		return broker.Fill{}, err
	}
	if order.Size <= 0 || order.Price <= 0 {
		return broker.Fill{}, fmt.Errorf("%w: size and price must be positive", broker.ErrRejected)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if fill, ok := e.filled[order.CommandID]; ok {
		return fill, nil
	}
	fill := broker.Fill{
		CommandID: order.CommandID,
		OrderID:   uuid.NewString(),
		Price:     order.Price,
		Size:      order.Size,
		FilledAt:  e.now(),
	}
	e.filled[order.CommandID] = fill
	return fill, nil
}

// Fills reports how many distinct orders were filled.
func (e *Executor) Fills() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.filled)
}
