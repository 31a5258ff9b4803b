// Package quota enforces the per-user daily message limit.
//
// Information Hiding:
// - Day bucketing and reset computation hidden in the store
// - Clock injectable for tests
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richinex/parley/storage"
)

// DefaultDailyLimit is the number of turns a user may start per UTC day.
const DefaultDailyLimit = 50

// ErrQuotaExceeded is returned by Check and Reserve when the daily limit is reached.
var ErrQuotaExceeded = errors.New("daily message quota exceeded")

// Usage is a user's current standing against the limit.
type Usage struct {
	Count   int       `json:"count"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"resetAt"`

	day time.Time
}

// Gate checks and counts turns against a daily limit.
// A Limit of zero or less disables the gate.
type Gate struct {
	Store storage.QuotaStore
	Limit int
	Clock func() time.Time
}

// NewGate creates a gate over store with the given daily limit.
func NewGate(store storage.QuotaStore, limit int) *Gate {
	return &Gate{Store: store, Limit: limit, Clock: time.Now}
}

func (g *Gate) now() time.Time {
	if g.Clock == nil {
		return time.Now()
	}
	return g.Clock()
}

// Check returns the user's usage, and ErrQuotaExceeded if no turn may start
// before the reset time.
func (g *Gate) Check(ctx context.Context, userID string) (Usage, error) {
	now := g.now()
	count, resetAt, err := g.Store.GetCount(ctx, userID, now)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read quota: %w", err)
	}

	usage := Usage{Count: count, Limit: g.Limit, ResetAt: resetAt}
	if g.Limit > 0 && count >= g.Limit && now.Before(resetAt) {
		return usage, ErrQuotaExceeded
	}
	return usage, nil
}

// Reserve counts one turn for the user, or returns ErrQuotaExceeded when
// the limit is reached. Checking and counting happen in one store operation
// so concurrent requests cannot pass the limit together.
func (g *Gate) Reserve(ctx context.Context, userID string) (Usage, error) {
	now := g.now()
	count, ok, err := g.Store.Reserve(ctx, userID, now, g.Limit)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to reserve quota: %w", err)
	}
	usage := Usage{Count: count, Limit: g.Limit, ResetAt: storage.ResetAt(now), day: now}
	if !ok {
		return usage, ErrQuotaExceeded
	}
	return usage, nil
}

// Release returns a reservation made by Reserve, for turns that ended
// before the model was called.
func (g *Gate) Release(ctx context.Context, userID string, reserved Usage) error {
	day := reserved.day
	if day.IsZero() {
		day = g.now()
	}
	if err := g.Store.Release(ctx, userID, day); err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}
