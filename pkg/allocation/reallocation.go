package allocation

import (
	"context"
	"time"

	"github.com/wisbric/opdtoken/pkg/slot"
	"github.com/wisbric/opdtoken/pkg/token"
)

// reallocateDisplaced implements §4.4's reallocation-of-displaced-tokens
// procedure. It never returns an error to the caller: a failure here is
// logged and leaves the token in pending_reallocation for the sweeper, per
// the "caller already has their result" ordering guarantee in §5.
func (e *Engine) reallocateDisplaced(ctx context.Context, displaced token.Token) {
	oldSlot, found, err := e.slots.GetSlot(ctx, displaced.SlotID)
	if err != nil || !found {
		e.logger.Error("allocation: reallocation could not look up displaced token's old slot",
			"token_id", displaced.TokenID, "error", err)
		e.markPendingReallocation(ctx, displaced)
		return
	}

	window := time.Duration(e.cfg.ReallocationWindowHours) * time.Hour
	if window == 0 {
		window = 2 * time.Hour
	}

	candidate, found := e.findReallocationCandidate(ctx, displaced.DoctorID, oldSlot, window)
	if !found {
		// release(oldSlot) is deliberately NOT called here: the preempting
		// token already occupies the seat displaced held (attemptPreemption
		// never incremented the counter for it), so oldSlot's allocation
		// count already matches its post-cancellation occupancy.
		_, err := e.tokens.Transition(ctx, displaced.TokenID, []token.Status{token.StatusAllocated}, token.StatusCancelled,
			func(m *token.Metadata) { m.CancelReason = "preempted_no_alternatives" })
		if err != nil {
			e.logger.Error("allocation: cancelling displaced token failed", "token_id", displaced.TokenID, "error", err)
		}
		e.sink.Emit(ctx, Event{
			Type: EventTokenCancelled, TokenID: displaced.TokenID, CorrelationID: displaced.TokenID, Severity: SeverityMedium,
			Metadata: map[string]any{"reason": "preempted_no_alternatives"},
		})
		return
	}

	if _, err := e.guard.Reserve(ctx, candidate.SlotID); err != nil {
		e.logger.Warn("allocation: reallocation target lost its seat before we could claim it", "token_id", displaced.TokenID, "error", err)
		e.markPendingReallocation(ctx, displaced)
		return
	}

	newTokenNum, err := e.guard.NextTokenNumber(ctx, candidate.SlotID)
	if err != nil {
		_, _ = e.guard.Release(ctx, candidate.SlotID)
		e.markPendingReallocation(ctx, displaced)
		return
	}

	_, err = e.tokens.Move(ctx, displaced.TokenID, candidate.SlotID, newTokenNum,
		func(m *token.Metadata) { m.OriginalSlotID = displaced.SlotID })
	if err != nil {
		_, _ = e.guard.Release(ctx, candidate.SlotID)
		e.markPendingReallocation(ctx, displaced)
		return
	}

	if _, err := e.guard.Release(ctx, oldSlot.SlotID); err != nil {
		e.logger.Error("allocation: releasing old slot after reallocation failed", "token_id", displaced.TokenID, "error", err)
	}

	e.sink.Emit(ctx, Event{
		Type: EventTokenReallocated, TokenID: displaced.TokenID, CorrelationID: displaced.TokenID, Severity: SeverityMedium,
		Metadata: map[string]any{"fromSlotId": oldSlot.SlotID, "toSlotId": candidate.SlotID},
	})
}

func (e *Engine) markPendingReallocation(ctx context.Context, t token.Token) {
	_, err := e.tokens.Transition(ctx, t.TokenID, []token.Status{token.StatusAllocated}, token.StatusPendingReallocation, nil)
	if err != nil {
		e.logger.Error("allocation: marking token pending_reallocation failed", "token_id", t.TokenID, "error", err)
	}
	e.logger.Warn("allocation: displaced token left pending_reallocation", "token_id", t.TokenID)
}

// findReallocationCandidate searches doctorID's slots within +/- window of
// oldSlot's start time for one with free capacity.
func (e *Engine) findReallocationCandidate(ctx context.Context, doctorID string, oldSlot slot.Slot, window time.Duration) (slot.Slot, bool) {
	slots, err := e.slots.ListSlotsForDoctorOnDate(ctx, doctorID, oldSlot.Date)
	if err != nil {
		e.logger.Error("allocation: listing doctor's slots for reallocation search failed", "doctor_id", doctorID, "error", err)
		return slot.Slot{}, false
	}

	oldStart, err := time.Parse("15:04", oldSlot.StartTime)
	if err != nil {
		return slot.Slot{}, false
	}

	for _, s := range slots {
		if s.SlotID == oldSlot.SlotID || !s.HasCapacity() {
			continue
		}
		candStart, err := time.Parse("15:04", s.StartTime)
		if err != nil {
			continue
		}
		diff := candStart.Sub(oldStart)
		if diff < 0 {
			diff = -diff
		}
		if diff <= window {
			return s, true
		}
	}
	return slot.Slot{}, false
}
