package allocation

import (
	"context"
	"time"

	"github.com/wisbric/opdtoken/pkg/priority"
	"github.com/wisbric/opdtoken/pkg/slot"
	"github.com/wisbric/opdtoken/pkg/token"
)

// AllocateEmergency implements §4.4's explicit emergency-insertion endpoint:
// direct capacity, then preemption, then — as a last resort — a capacity
// override that exceeds maxCapacity and is recorded on the token.
func (e *Engine) AllocateEmergency(ctx context.Context, req EmergencyRequest) (*Result, *Error) {
	today := resolveDate(time.Time{})

	prio, err := e.priorities.ComputePriority(ctx, priority.Request{
		Source: token.SourceEmergency, Patient: req.Patient, WaitingMinutes: req.WaitingMinutes,
	})
	if err != nil {
		return nil, newError(KindInvalidSource, err.Error())
	}

	candidates, err := e.emergencyCandidates(ctx, req, today)
	if err != nil {
		return nil, e.storeFault("listing emergency candidate slots", err)
	}
	if len(candidates) == 0 {
		return nil, newError(KindNoAvailabilityInDepartment, "no active slots today to insert an emergency token into")
	}

	// (a) direct: any candidate with free capacity, earliest first.
	for _, sl := range candidates {
		if sl.HasCapacity() {
			if _, err := e.guard.Reserve(ctx, sl.SlotID); err == nil {
				return e.writeDirectToken(ctx, req.PatientID, sl.DoctorID, sl.SlotID, token.SourceEmergency, prio.FinalScore, req.WaitingMinutes, MethodDirect)
			}
		}
	}

	// (b) preemption: the first candidate with an eligible incumbent.
	for _, sl := range candidates {
		if res, allocErr := e.attemptPreemption(ctx, req.PatientID, sl.DoctorID, sl.SlotID, token.SourceEmergency, prio.FinalScore, req.WaitingMinutes); allocErr == nil {
			return res, nil
		}
	}

	// (c) capacity override: earliest active slot regardless of capacity.
	// current_allocation is still incremented (P2 must hold), but via the
	// unconditional ReserveOverride path rather than Reserve's capacity check.
	sl := candidates[0]
	if _, err := e.guard.ReserveOverride(ctx, sl.SlotID); err != nil {
		return nil, e.storeFault("reserving capacity-override seat", err)
	}
	tokenNum, err := e.guard.NextTokenNumber(ctx, sl.SlotID)
	if err != nil {
		_, _ = e.guard.Release(ctx, sl.SlotID)
		return nil, e.storeFault("issuing token number for capacity override", err)
	}
	tokenID, err := newTokenID("emergency", e.now())
	if err != nil {
		_, _ = e.guard.Release(ctx, sl.SlotID)
		return nil, e.storeFault("generating token id", err)
	}
	t := token.Token{
		TokenID: tokenID, PatientID: req.PatientID, DoctorID: sl.DoctorID, SlotID: sl.SlotID,
		TokenNumber: tokenNum, Source: token.SourceEmergency, Priority: prio.FinalScore, Status: token.StatusAllocated,
		Metadata: token.Metadata{WaitingMinutes: req.WaitingMinutes, CapacityOverride: true},
	}
	if err := e.tokens.Create(ctx, t); err != nil {
		_, _ = e.guard.Release(ctx, sl.SlotID)
		return nil, e.storeFault("writing capacity-override token", err)
	}

	e.logger.Warn("allocation: emergency capacity override", "slot_id", sl.SlotID, "token_id", tokenID)
	e.sink.Emit(ctx, Event{
		Type: EventSlotCapacityOverride, TokenID: tokenID, CorrelationID: tokenID, Severity: SeverityHigh,
		Metadata: map[string]any{"slotId": sl.SlotID, "maxCapacity": sl.MaxCapacity},
	})

	return &Result{Token: t, AllocationMethod: MethodCapacityOverride}, nil
}

func (e *Engine) emergencyCandidates(ctx context.Context, req EmergencyRequest, today time.Time) ([]slot.Slot, error) {
	if req.PreferredSlotID != "" {
		if sl, found, err := e.slots.GetSlot(ctx, req.PreferredSlotID); err != nil {
			return nil, err
		} else if found && sl.Status == slot.StatusActive {
			return []slot.Slot{sl}, nil
		}
	}
	if req.PreferredDoctorID != "" {
		slots, err := e.slots.ListSlotsForDoctorOnDate(ctx, req.PreferredDoctorID, today)
		if err != nil {
			return nil, err
		}
		if len(slots) > 0 {
			return slots, nil
		}
	}
	return e.slots.ListSlotsForDepartmentOnDate(ctx, req.Department, today)
}
