package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradegate/internal/domain"
)

var ErrNoQuote = errors.New("no quote for instrument")

type Quote struct {
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	MarketOpen bool      `json:"market_open"`
	At         time.Time `json:"at"`
}

func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// PriceFor is the price a market order on side would fill at.
func (q Quote) PriceFor(side domain.Side) float64 {
	if side == domain.SideSell {
		return q.Bid
	}
	return q.Ask
}

// Quotes is implemented by the market-data collaborator.
type Quotes interface {
	Quote(ctx context.Context, instrument string) (Quote, error)
}

// Board is an in-memory quote book fed by an external ingestion process.
type Board struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewBoard() *Board {
	return &Board{quotes: make(map[string]Quote)}
}

func (b *Board) Set(q Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q.Instrument = strings.ToUpper(q.Instrument)
	if q.At.IsZero() {
		q.At = time.Now().UTC()
	}
	b.quotes[q.Instrument] = q
}

// SetMarketOpen flips the session flag for an instrument already on the board.
func (b *Board) SetMarketOpen(instrument string, open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := strings.ToUpper(instrument)
	if q, ok := b.quotes[key]; ok {
		q.MarketOpen = open
		b.quotes[key] = q
	}
}

func (b *Board) Quote(_ context.Context, instrument string) (Quote, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[strings.ToUpper(instrument)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoQuote, instrument)
	}
	return q, nil
}

// ParseSeed reads "EURUSD=1.085,USDJPY=151.2" into open-market quotes with
// bid == ask.
func ParseSeed(raw string) ([]Quote, error) {
	out := make([]Quote, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("invalid quote seed %q", part)
		}
		px, err := strconv.ParseFloat(strings.TrimSpace(part[eq+1:]), 64)
		if err != nil || px <= 0 {
			return nil, fmt.Errorf("invalid quote price in %q", part)
		}
		out = append(out, Quote{
			Instrument: strings.ToUpper(strings.TrimSpace(part[:eq])),
			Bid:        px,
			Ask:        px,
			MarketOpen: true,
		})
	}
	return out, nil
}
