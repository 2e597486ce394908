package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/opdtoken/pkg/alternative"
	"github.com/wisbric/opdtoken/pkg/capacity"
	"github.com/wisbric/opdtoken/pkg/priority"
	"github.com/wisbric/opdtoken/pkg/slot"
	"github.com/wisbric/opdtoken/pkg/token"
)

// Config carries the tunables the engine needs beyond its collaborators.
type Config struct {
	MaxReallocationAttempts int
	ReallocationWindowHours int
	MaxForwardDays          int
}

// Engine wires PriorityEngine, SlotLifecycle, CapacityGuard, AlternativeFinder,
// and a Token store together into the allocate/confirm/cancel/complete
// surface the transport layer calls.
type Engine struct {
	slots      slot.Store
	lifecycle  *slot.Lifecycle
	guard      *capacity.Guard
	tokens     token.Store
	priorities *priority.Engine
	finder     *alternative.Finder
	sink       Sink
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time
}

// NewEngine builds an allocation Engine. sink may be nil, in which case
// emitted events are discarded.
func NewEngine(
	slots slot.Store,
	lifecycle *slot.Lifecycle,
	guard *capacity.Guard,
	tokens token.Store,
	priorities *priority.Engine,
	finder *alternative.Finder,
	sink Sink,
	logger *slog.Logger,
	cfg Config,
) *Engine {
	if sink == nil {
		sink = noopSink{}
	}
	return &Engine{
		slots: slots, lifecycle: lifecycle, guard: guard, tokens: tokens,
		priorities: priorities, finder: finder, sink: sink, logger: logger, cfg: cfg,
		now: time.Now,
	}
}

func resolveDate(requested time.Time) time.Time {
	if requested.IsZero() {
		requested = time.Now()
	}
	return time.Date(requested.Year(), requested.Month(), requested.Day(), 0, 0, 0, 0, time.UTC)
}

// checkDuplicates enforces invariants I4/I5 before any capacity work begins.
func (e *Engine) checkDuplicates(ctx context.Context, patientID, doctorID, slotID string, date time.Time, source token.Source) *Error {
	if t, found, err := e.tokens.FindLiveInSlot(ctx, patientID, slotID); err != nil {
		return e.storeFault("checking duplicate in slot", err)
	} else if found {
		return &Error{Kind: KindDuplicateInSlot, Message: "patient already holds a live token in this slot",
			Details: map[string]any{"existingTokenId": t.TokenID}}
	}

	if doctorID != "" {
		if t, found, err := e.tokens.FindLiveWithDoctorOnDate(ctx, patientID, doctorID, date); err != nil {
			return e.storeFault("checking duplicate with doctor", err)
		} else if found {
			return &Error{Kind: KindDuplicateWithDoctor, Message: "patient already holds a live token with this doctor today",
				Details: map[string]any{"existingTokenId": t.TokenID}}
		}
	}

	if source != token.SourceEmergency {
		if t, found, err := e.tokens.FindLiveOnDate(ctx, patientID, date); err != nil {
			return e.storeFault("checking duplicate on date", err)
		} else if found && t.Source != token.SourceEmergency {
			return &Error{Kind: KindDuplicateOnDate, Message: "patient already holds a live token today",
				Details: map[string]any{"existingTokenId": t.TokenID}}
		}
	}

	return nil
}

// checkContinuity implements §4.4 step 6: a follow-up with a different
// doctor than last time is refused with KindDoctorContinuityRecommended,
// listing up to three of the prior doctor's open slots, when the prior
// doctor has availability today or tomorrow.
func (e *Engine) checkContinuity(ctx context.Context, req TargetedRequest) *Error {
	if req.Source != token.SourceFollowup || req.Patient.LastVisitedDoctor == "" {
		return nil
	}
	if req.Patient.LastVisitedDoctor == req.DoctorID {
		return nil
	}

	date := resolveDate(req.ReferenceDate)
	var suggestions []slot.Slot
	for _, d := range []time.Time{date, date.AddDate(0, 0, 1)} {
		avail, err := e.slots.FindAvailable(ctx, slot.AvailableFilter{
			DoctorID: req.Patient.LastVisitedDoctor, From: d, To: d, MinFreeSeats: 1,
		})
		if err != nil {
			return e.storeFault("checking prior-doctor availability", err)
		}
		suggestions = append(suggestions, avail...)
		if len(suggestions) >= 3 {
			break
		}
	}
	if len(suggestions) == 0 {
		return nil
	}
	if len(suggestions) > 3 {
		suggestions = suggestions[:3]
	}

	details := make([]map[string]any, 0, len(suggestions))
	for _, s := range suggestions {
		details = append(details, map[string]any{"slotId": s.SlotID, "date": s.Date.Format("2006-01-02"), "startTime": s.StartTime})
	}
	return &Error{
		Kind:        KindDoctorContinuityRecommended,
		Message:     "the patient's prior doctor has near-term availability; consider continuity of care",
		Details:     map[string]any{"priorDoctorId": req.Patient.LastVisitedDoctor, "suggestedSlots": details},
		Suggestions: []string{"retry with an explicit override flag to proceed with the new doctor"},
	}
}

// AllocateTargeted implements §4.4's targeted allocation procedure against a
// specific, caller-chosen slot.
func (e *Engine) AllocateTargeted(ctx context.Context, req TargetedRequest) (*Result, *Error) {
	if !req.Source.Valid() {
		return nil, newError(KindInvalidSource, fmt.Sprintf("unknown source %q", req.Source))
	}

	date := resolveDate(req.ReferenceDate)

	if dupErr := e.checkDuplicates(ctx, req.PatientID, req.DoctorID, req.SlotID, date, req.Source); dupErr != nil {
		return nil, dupErr
	}
	if contErr := e.checkContinuity(ctx, req); contErr != nil {
		return nil, contErr
	}

	sl, found, err := e.slots.GetSlot(ctx, req.SlotID)
	if err != nil {
		return nil, e.storeFault("looking up slot", err)
	}
	if !found {
		return nil, newError(KindSlotNotFound, fmt.Sprintf("slot %s not found", req.SlotID))
	}
	if sl.Status != slot.StatusActive {
		return nil, newError(KindSlotInactive, fmt.Sprintf("slot %s is not active", req.SlotID))
	}

	prio, err := e.priorities.ComputePriority(ctx, priority.Request{
		Source: req.Source, Patient: req.Patient, WaitingMinutes: req.WaitingMinutes,
	})
	if err != nil {
		return nil, newError(KindInvalidSource, err.Error())
	}

	if _, err := e.guard.Reserve(ctx, sl.SlotID); err == nil {
		return e.writeDirectToken(ctx, req.PatientID, req.DoctorID, sl.SlotID, req.Source, prio.FinalScore, req.WaitingMinutes, MethodDirect)
	} else if !errors.Is(err, capacity.ErrSlotAtCapacity) {
		return nil, e.storeFault("reserving slot", err)
	}

	if req.Source == token.SourceEmergency {
		if res, allocErr := e.attemptPreemption(ctx, req.PatientID, req.DoctorID, sl.SlotID, req.Source, prio.FinalScore, req.WaitingMinutes); allocErr == nil {
			return res, nil
		} else if allocErr.Kind != KindPreemptionFailed {
			return nil, allocErr
		}
	}

	return nil, e.slotFullWithAlternatives(ctx, req.DoctorID, sl.Department, req.Source, date)
}

func (e *Engine) writeDirectToken(ctx context.Context, patientID, doctorID, slotID string, source token.Source, priorityScore, waitingMinutes int, method Method) (*Result, *Error) {
	tokenNum, err := e.guard.NextTokenNumber(ctx, slotID)
	if err != nil {
		_, _ = e.guard.Release(ctx, slotID)
		return nil, e.storeFault("issuing token number", err)
	}

	prefix := "token"
	if source == token.SourceEmergency {
		prefix = "emergency"
	}
	tokenID, err := newTokenID(prefix, e.now())
	if err != nil {
		_, _ = e.guard.Release(ctx, slotID)
		return nil, e.storeFault("generating token id", err)
	}

	t := token.Token{
		TokenID: tokenID, PatientID: patientID, DoctorID: doctorID, SlotID: slotID,
		TokenNumber: tokenNum, Source: source, Priority: priorityScore, Status: token.StatusAllocated,
		Metadata: token.Metadata{WaitingMinutes: waitingMinutes},
	}
	if err := e.tokens.Create(ctx, t); err != nil {
		_, _ = e.guard.Release(ctx, slotID)
		return nil, e.storeFault("writing token", err)
	}

	e.sink.Emit(ctx, Event{
		Type: EventTokenAllocated, TokenID: tokenID, CorrelationID: tokenID, Severity: SeverityLow,
		Metadata: map[string]any{"slotId": slotID, "method": string(method)},
	})

	return &Result{Token: t, AllocationMethod: method}, nil
}

// attemptPreemption implements §4.4 step 4: an emergency request displaces
// the lowest-priority eligible incumbent and triggers that incumbent's
// reallocation before returning.
func (e *Engine) attemptPreemption(ctx context.Context, patientID, doctorID, slotID string, source token.Source, priorityScore, waitingMinutes int) (*Result, *Error) {
	displaced, found, err := e.guard.PreemptLowest(ctx, slotID, priorityScore)
	if err != nil {
		return nil, e.storeFault("selecting preemption candidate", err)
	}
	if !found {
		return nil, newError(KindPreemptionFailed, "no eligible incumbent to preempt")
	}

	tokenID, err := newTokenID("emergency", e.now())
	if err != nil {
		return nil, e.storeFault("generating token id", err)
	}
	newToken := token.Token{
		TokenID: tokenID, PatientID: patientID, DoctorID: doctorID, SlotID: slotID,
		TokenNumber: displaced.TokenNumber, Source: source, Priority: priorityScore, Status: token.StatusAllocated,
		Metadata: token.Metadata{WaitingMinutes: waitingMinutes, PreemptedTokenIDs: []string{displaced.TokenID}},
	}
	if err := e.tokens.Create(ctx, newToken); err != nil {
		return nil, e.storeFault("writing preempting token", err)
	}

	e.sink.Emit(ctx, Event{
		Type: EventTokenPreempted, TokenID: displaced.TokenID, CorrelationID: tokenID, Severity: SeverityMedium,
		Metadata: map[string]any{"slotId": slotID, "newTokenId": tokenID},
	})

	e.reallocateDisplaced(ctx, displaced)

	e.sink.Emit(ctx, Event{
		Type: EventTokenAllocated, TokenID: tokenID, CorrelationID: tokenID, Severity: SeverityMedium,
		Metadata: map[string]any{"slotId": slotID, "method": string(MethodPreemption)},
	})

	return &Result{Token: newToken, AllocationMethod: MethodPreemption, PreemptedTokens: []string{displaced.TokenID}}, nil
}

// slotFullWithAlternatives builds the KindSlotFullAlternatives failure,
// populating it with whatever AlternativeFinder can surface.
func (e *Engine) slotFullWithAlternatives(ctx context.Context, doctorID, department string, source token.Source, date time.Time) *Error {
	env, err := e.finder.Find(ctx, alternative.Request{DoctorID: doctorID, Department: department, OnDate: date, Source: source})
	if err != nil {
		return e.storeFault("searching alternatives", err)
	}
	return &Error{
		Kind:        KindSlotFullAlternatives,
		Message:     "the requested slot is at capacity",
		Suggestions: []string{"try a different slot, doctor, or department"},
		Alternatives: &env,
	}
}

func (e *Engine) storeFault(action string, err error) *Error {
	e.logger.Error("allocation: store fault", "action", action, "error", err)
	return &Error{Kind: KindStoreFault, Message: fmt.Sprintf("%s: %v", action, err)}
}
