// Package capacity guards slot seat counts against overbooking under
// concurrent allocation attempts, using conditional updates that succeed
// only when the slot's current allocation still satisfies the seat
// predicate at write time.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wisbric/opdtoken/internal/telemetry"
	"github.com/wisbric/opdtoken/pkg/token"
)

// ErrSlotAtCapacity is returned by Store.Reserve when the conditional
// update's predicate (current < max) did not hold at write time.
var ErrSlotAtCapacity = errors.New("capacity: slot at capacity")

// ErrNothingToRelease is returned by Store.Release when the slot's
// allocation is already zero.
var ErrNothingToRelease = errors.New("capacity: nothing to release")

// Store is the conditional-update persistence surface Guard drives slots
// through. Implementations live in internal/opddb.
type Store interface {
	// Reserve atomically increments current_allocation by one, provided it
	// is still below max_capacity, and returns the resulting allocation.
	Reserve(ctx context.Context, slotID string) (int, error)

	// ReserveOverride unconditionally increments current_allocation by one,
	// bypassing the max_capacity predicate. It exists solely for emergency
	// capacity-override insertion (spec.md §4.4's path (c)): current_allocation
	// still tracks live tokens (P2) even when it exceeds max_capacity (P1's
	// named exception for capacity_override tokens).
	ReserveOverride(ctx context.Context, slotID string) (int, error)

	// Release atomically decrements current_allocation by one, provided it
	// is above zero, and returns the resulting allocation.
	Release(ctx context.Context, slotID string) (int, error)

	// NextTokenNumber atomically increments and returns the slot's running
	// token counter.
	NextTokenNumber(ctx context.Context, slotID string) (int, error)

	// ListPreemptionCandidates returns the slot's tokens in status allocated
	// whose source is not emergency, ordered by priority ascending, then
	// CreatedAt ascending, for PreemptLowest's scan.
	ListPreemptionCandidates(ctx context.Context, slotID string) ([]token.Token, error)
}

// Guard wraps Store with the retry policy and preemption-eligibility rule
// the allocation engine needs around raw seat bookkeeping.
type Guard struct {
	store              Store
	logger             *slog.Logger
	displacementMargin int
	maxAttempts        int
}

// NewGuard builds a Guard. displacementMargin is the minimum priority gap
// an incoming request must have over the lowest-priority occupant before
// that occupant is eligible for preemption.
func NewGuard(store Store, logger *slog.Logger, displacementMargin int) *Guard {
	return &Guard{
		store:              store,
		logger:             logger,
		displacementMargin: displacementMargin,
		maxAttempts:        3,
	}
}

// Reserve attempts to claim one seat in slotID, retrying on contention with
// exponential backoff (base 100ms, factor 2, +/-50% jitter, 1s cap, 3
// attempts total) before surfacing ErrSlotAtCapacity to the caller, who is
// expected to fall through to preemption or alternatives.
func (g *Guard) Reserve(ctx context.Context, slotID string) (int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.5
	policy.MaxInterval = 1000 * time.Millisecond

	attempt := 0
	result, err := backoff.Retry(ctx, func() (int, error) {
		attempt++
		n, err := g.store.Reserve(ctx, slotID)
		if err != nil {
			if errors.Is(err, ErrSlotAtCapacity) {
				telemetry.ReserveContentionTotal.Inc()
				return 0, err
			}
			return 0, backoff.Permanent(err)
		}
		return n, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(g.maxAttempts)))

	if err != nil {
		if errors.Is(err, ErrSlotAtCapacity) {
			return 0, ErrSlotAtCapacity
		}
		return 0, fmt.Errorf("reserving seat in slot %s after %d attempts: %w", slotID, attempt, err)
	}
	return result, nil
}

// ReserveOverride claims a seat in slotID even if the slot is already at
// max_capacity, for the emergency capacity-override path. Callers must mark
// the resulting token's metadata CapacityOverride=true so P1's exception
// applies to the slot's overbooked state.
func (g *Guard) ReserveOverride(ctx context.Context, slotID string) (int, error) {
	n, err := g.store.ReserveOverride(ctx, slotID)
	if err != nil {
		return 0, fmt.Errorf("reserving override seat in slot %s: %w", slotID, err)
	}
	return n, nil
}

// Release frees one seat in slotID.
func (g *Guard) Release(ctx context.Context, slotID string) (int, error) {
	n, err := g.store.Release(ctx, slotID)
	if err != nil {
		if errors.Is(err, ErrNothingToRelease) {
			g.logger.Warn("capacity: release with nothing to release", "slot_id", slotID)
			return 0, nil
		}
		return 0, fmt.Errorf("releasing seat in slot %s: %w", slotID, err)
	}
	return n, nil
}

// NextTokenNumber issues the next token number for slotID.
func (g *Guard) NextTokenNumber(ctx context.Context, slotID string) (int, error) {
	n, err := g.store.NextTokenNumber(ctx, slotID)
	if err != nil {
		return 0, fmt.Errorf("issuing token number in slot %s: %w", slotID, err)
	}
	return n, nil
}

// PreemptLowest finds the lowest-priority occupant of slotID eligible for
// displacement by an incoming request of incomingPriority, or returns
// found=false if none qualifies. Eligibility requires the incoming priority
// to exceed the candidate's by more than the guard's displacement margin;
// ties on priority are broken by earliest CreatedAt.
func (g *Guard) PreemptLowest(ctx context.Context, slotID string, incomingPriority int) (token.Token, bool, error) {
	candidates, err := g.store.ListPreemptionCandidates(ctx, slotID)
	if err != nil {
		return token.Token{}, false, fmt.Errorf("listing preemption candidates in slot %s: %w", slotID, err)
	}

	var lowest token.Token
	found := false
	for _, c := range candidates {
		if incomingPriority-c.Priority <= g.displacementMargin {
			continue
		}
		if !found || c.Priority < lowest.Priority {
			lowest = c
			found = true
		}
	}

	if found {
		telemetry.PreemptionsTotal.Inc()
	}
	return lowest, found, nil
}
