package allocation

import (
	"context"
	"errors"

	"github.com/wisbric/opdtoken/pkg/token"
)

// allStatuses enumerates every token.Status so fromStatusesFor can discover,
// by brute force against the pure token.Transition function, which current
// statuses a given action legally applies from. This keeps token.Transition
// the single source of truth for the state machine: this file never encodes
// the allowed/forbidden transitions itself.
var allStatuses = []token.Status{
	token.StatusAllocated,
	token.StatusConfirmed,
	token.StatusCompleted,
	token.StatusCancelled,
	token.StatusNoShow,
	token.StatusPendingReallocation,
}

// fromStatusesFor returns the statuses action applies from, and the status
// and side effect it produces (identical for every valid "from", since
// token.Transition's action semantics don't depend on which legal "from" was
// used).
func fromStatusesFor(action token.Action) (from []token.Status, to token.Status, effect token.SideEffect) {
	for _, s := range allStatuses {
		if next, se, err := token.Transition(s, action); err == nil {
			from = append(from, s)
			to, effect = next, se
		}
	}
	return from, to, effect
}

// transitionToken drives a single token through action: conditional update
// in the store, then release the seat if the transition frees one.
func (e *Engine) transitionToken(ctx context.Context, tokenID string, action token.Action, mutate func(*token.Metadata)) (token.Token, *Error) {
	from, to, effect := fromStatusesFor(action)

	t, err := e.tokens.Transition(ctx, tokenID, from, to, mutate)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return token.Token{}, newError(KindTokenNotFound, "token not found")
		}
		if errors.Is(err, token.ErrConflict) {
			return token.Token{}, newError(KindInvalidTransition, "token is not in a status this action applies to")
		}
		return token.Token{}, e.storeFault("transitioning token", err)
	}

	if effect == token.SideEffectReleaseSeat {
		if _, relErr := e.guard.Release(ctx, t.SlotID); relErr != nil {
			return token.Token{}, e.storeFault("releasing seat after transition", relErr)
		}
	}
	return t, nil
}

// GetToken looks up a token by id.
func (e *Engine) GetToken(ctx context.Context, tokenID string) (token.Token, error) {
	return e.tokens.Get(ctx, tokenID)
}

// Confirm marks a token confirmed at check-in. Only legal from allocated.
func (e *Engine) Confirm(ctx context.Context, tokenID string) (token.Token, *Error) {
	return e.transitionToken(ctx, tokenID, token.ActionConfirm, nil)
}

// Complete marks a token completed after consult, releasing its seat, and
// records the consulting doctor as the patient's last-visited doctor via the
// token's own DoctorID (no separate write needed; LastVisitedDoctor derives
// from completed tokens).
func (e *Engine) Complete(ctx context.Context, tokenID string) (token.Token, *Error) {
	return e.transitionToken(ctx, tokenID, token.ActionComplete, nil)
}

// Cancel cancels a token from allocated or confirmed, releasing its seat.
func (e *Engine) Cancel(ctx context.Context, tokenID, reason string) (token.Token, *Error) {
	t, allocErr := e.transitionToken(ctx, tokenID, token.ActionCancel, func(m *token.Metadata) {
		m.CancelReason = reason
	})
	if allocErr != nil {
		return token.Token{}, allocErr
	}
	e.sink.Emit(ctx, Event{
		Type: EventTokenCancelled, TokenID: t.TokenID, CorrelationID: t.TokenID, Severity: SeverityLow,
		Metadata: map[string]any{"slotId": t.SlotID, "reason": reason},
	})
	return t, nil
}

// NoShow marks a confirmed token as a no-show, releasing its seat.
func (e *Engine) NoShow(ctx context.Context, tokenID string) (token.Token, *Error) {
	t, allocErr := e.transitionToken(ctx, tokenID, token.ActionNoShow, nil)
	if allocErr != nil {
		return token.Token{}, allocErr
	}
	e.sink.Emit(ctx, Event{
		Type: EventTokenNoShow, TokenID: t.TokenID, CorrelationID: t.TokenID, Severity: SeverityLow,
		Metadata: map[string]any{"slotId": t.SlotID},
	})
	return t, nil
}
