package allocation_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/opdtoken/internal/opddb"
	"github.com/wisbric/opdtoken/pkg/allocation"
	"github.com/wisbric/opdtoken/pkg/alternative"
	"github.com/wisbric/opdtoken/pkg/capacity"
	"github.com/wisbric/opdtoken/pkg/priority"
	"github.com/wisbric/opdtoken/pkg/slot"
	"github.com/wisbric/opdtoken/pkg/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(store *opddb.MemoryStore) *allocation.Engine {
	logger := testLogger()
	guard := capacity.NewGuard(store, logger, 200)
	lifecycle := slot.NewLifecycle(store, logger)
	prio := priority.NewEngine(store, logger)
	finder := alternative.NewFinder(store)
	return allocation.NewEngine(store, lifecycle, guard, store, prio, finder, nil, logger, allocation.Config{
		MaxReallocationAttempts: 3,
		ReallocationWindowHours: 2,
		MaxForwardDays:          30,
	})
}

func baseSlot(id, doctorID, department string, date time.Time, capacity int) slot.Slot {
	return slot.Slot{
		SlotID: id, DoctorID: doctorID, Department: department,
		Date: date, StartTime: "09:00", EndTime: "09:15",
		MaxCapacity: capacity, Status: slot.StatusActive,
	}
}

func TestAllocateTargeted_Direct(t *testing.T) {
	store := opddb.NewMemoryStore()
	today := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	store.SeedSlot(baseSlot("s1", "doc_1", "general", today, 2))

	eng := newTestEngine(store)
	res, allocErr := eng.AllocateTargeted(context.Background(), allocation.TargetedRequest{
		PatientID: "p1", DoctorID: "doc_1", SlotID: "s1", Source: token.SourceOnline,
		ReferenceDate: today,
	})
	if allocErr != nil {
		t.Fatalf("unexpected error: %v", allocErr)
	}
	if res.AllocationMethod != allocation.MethodDirect {
		t.Errorf("method = %s, want direct", res.AllocationMethod)
	}
	if res.Token.TokenNumber != 1 {
		t.Errorf("tokenNumber = %d, want 1", res.Token.TokenNumber)
	}
	if res.Token.Status != token.StatusAllocated {
		t.Errorf("status = %s, want allocated", res.Token.Status)
	}

	s, _, _ := store.GetSlot(context.Background(), "s1")
	if s.CurrentAllocation != 1 {
		t.Errorf("currentAllocation = %d, want 1", s.CurrentAllocation)
	}
}

func TestAllocateTargeted_DuplicateInSlot(t *testing.T) {
	store := opddb.NewMemoryStore()
	today := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	store.SeedSlot(baseSlot("s1", "doc_1", "general", today, 5))

	eng := newTestEngine(store)
	ctx := context.Background()
	if _, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p1", DoctorID: "doc_1", SlotID: "s1", Source: token.SourceOnline, ReferenceDate: today,
	}); allocErr != nil {
		t.Fatalf("first allocation failed: %v", allocErr)
	}

	_, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p1", DoctorID: "doc_1", SlotID: "s1", Source: token.SourceOnline, ReferenceDate: today,
	})
	if allocErr == nil {
		t.Fatal("expected duplicate-in-slot error")
	}
	if allocErr.Kind != allocation.KindDuplicateInSlot {
		t.Errorf("kind = %s, want duplicate_in_slot", allocErr.Kind)
	}
}

func TestAllocateTargeted_DuplicateOnDateAcrossSlots(t *testing.T) {
	store := opddb.NewMemoryStore()
	today := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	store.SeedSlot(baseSlot("s1", "doc_1", "general", today, 5))
	store.SeedSlot(baseSlot("s2", "doc_2", "cardio", today, 5))

	eng := newTestEngine(store)
	ctx := context.Background()
	if _, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p1", DoctorID: "doc_1", SlotID: "s1", Source: token.SourceOnline, ReferenceDate: today,
	}); allocErr != nil {
		t.Fatalf("first allocation failed: %v", allocErr)
	}

	_, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p1", DoctorID: "doc_2", SlotID: "s2", Source: token.SourceOnline, ReferenceDate: today,
	})
	if allocErr == nil || allocErr.Kind != allocation.KindDuplicateOnDate {
		t.Fatalf("expected duplicate_on_date, got %v", allocErr)
	}
}

// TestAllocateTargeted_ExistingEmergencyBypassesDuplicateOnDate covers
// spec.md §4.4 step 5: the duplicate-on-date rule is bypassed when *either*
// side of the pair is emergency, not just the incoming request.
func TestAllocateTargeted_ExistingEmergencyBypassesDuplicateOnDate(t *testing.T) {
	store := opddb.NewMemoryStore()
	today := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	store.SeedSlot(baseSlot("s1", "doc_1", "general", today, 5))
	store.SeedSlot(baseSlot("s2", "doc_2", "cardio", today, 5))

	eng := newTestEngine(store)
	ctx := context.Background()
	if _, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p1", DoctorID: "doc_1", SlotID: "s1", Source: token.SourceEmergency, ReferenceDate: today,
	}); allocErr != nil {
		t.Fatalf("first (emergency) allocation failed: %v", allocErr)
	}

	res, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p1", DoctorID: "doc_2", SlotID: "s2", Source: token.SourceOnline, ReferenceDate: today,
	})
	if allocErr != nil {
		t.Fatalf("expected the non-emergency request to bypass duplicate_on_date since the existing token is emergency, got %v", allocErr)
	}
	if res.AllocationMethod != allocation.MethodDirect {
		t.Errorf("method = %s, want direct", res.AllocationMethod)
	}
}

func TestAllocateTargeted_SlotFullReturnsAlternatives(t *testing.T) {
	store := opddb.NewMemoryStore()
	today := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	store.SeedSlot(baseSlot("s1", "doc_1", "general", today, 1))
	store.SeedSlot(baseSlot("s2", "doc_1", "general", today.AddDate(0, 0, 1), 3))

	eng := newTestEngine(store)
	ctx := context.Background()
	if _, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p1", DoctorID: "doc_1", SlotID: "s1", Source: token.SourceOnline, ReferenceDate: today,
	}); allocErr != nil {
		t.Fatalf("first allocation failed: %v", allocErr)
	}

	_, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p2", DoctorID: "doc_1", SlotID: "s1", Source: token.SourceOnline, ReferenceDate: today,
	})
	if allocErr == nil || allocErr.Kind != allocation.KindSlotFullAlternatives {
		t.Fatalf("expected slot_full_alternatives, got %v", allocErr)
	}
	if allocErr.Alternatives == nil || len(allocErr.Alternatives.SameDoctorFutureSlots) != 1 {
		t.Fatalf("expected one same-doctor future slot alternative, got %+v", allocErr.Alternatives)
	}
}

func TestAllocateTargeted_EmergencyPreemptsLowestPriority(t *testing.T) {
	store := opddb.NewMemoryStore()
	today := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	store.SeedSlot(baseSlot("s1", "doc_1", "general", today, 2))

	eng := newTestEngine(store)
	ctx := context.Background()

	// Fill the slot with two online tokens at the same priority (400 each);
	// the tie goes to the earlier-created one, p1.
	res1, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p1", DoctorID: "doc_1", SlotID: "s1", Source: token.SourceOnline, ReferenceDate: today,
		Patient: priority.PatientInfo{}, WaitingMinutes: 0,
	})
	if allocErr != nil {
		t.Fatalf("seed token 1 failed: %v", allocErr)
	}
	if _, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p2", DoctorID: "doc_1", SlotID: "s1", Source: token.SourceOnline, ReferenceDate: today,
	}); allocErr != nil {
		t.Fatalf("seed token 2 failed: %v", allocErr)
	}

	res, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p3", DoctorID: "doc_1", SlotID: "s1", Source: token.SourceEmergency, ReferenceDate: today,
		Patient: priority.PatientInfo{Age: 68, UrgencyLevel: "critical"},
	})
	if allocErr != nil {
		t.Fatalf("emergency allocation failed: %v", allocErr)
	}
	if res.AllocationMethod != allocation.MethodPreemption {
		t.Fatalf("method = %s, want preemption", res.AllocationMethod)
	}
	if len(res.PreemptedTokens) != 1 || res.PreemptedTokens[0] != res1.Token.TokenID {
		t.Fatalf("expected p1's token preempted, got %+v", res.PreemptedTokens)
	}
	if res.Token.TokenNumber != res1.Token.TokenNumber {
		t.Errorf("preempting token should inherit displaced token number: got %d, want %d", res.Token.TokenNumber, res1.Token.TokenNumber)
	}

	displaced, err := store.Get(ctx, res1.Token.TokenID)
	if err != nil {
		t.Fatalf("fetching displaced token: %v", err)
	}
	if displaced.Status != token.StatusAllocated && displaced.Status != token.StatusCancelled {
		t.Errorf("displaced token status = %s, want allocated (rehoused) or cancelled", displaced.Status)
	}
}

func TestAllocateTargeted_EmergencyNotEligibleWithinMargin(t *testing.T) {
	store := opddb.NewMemoryStore()
	today := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	store.SeedSlot(baseSlot("s1", "doc_1", "general", today, 1))

	eng := newTestEngine(store)
	ctx := context.Background()
	// Priority-source incumbent at 800 base + 100 for critical history = 900,
	// only 100 below the incoming emergency's 1000 base — inside the 200
	// displacement margin, so preemption must not apply.
	if _, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p1", DoctorID: "doc_1", SlotID: "s1", Source: token.SourcePriority, ReferenceDate: today,
		Patient: priority.PatientInfo{History: priority.MedicalHistory{Critical: true}},
	}); allocErr != nil {
		t.Fatalf("seed token failed: %v", allocErr)
	}

	_, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p2", DoctorID: "doc_1", SlotID: "s1", Source: token.SourceEmergency, ReferenceDate: today,
	})
	if allocErr == nil {
		t.Fatal("expected failure when displacement margin isn't met")
	}
	if allocErr.Kind != allocation.KindSlotFullAlternatives {
		t.Errorf("kind = %s, want slot_full_alternatives (preemption should fail and fall through)", allocErr.Kind)
	}
}

func TestAllocateDepartment_PicksLeastLoadedDoctor(t *testing.T) {
	store := opddb.NewMemoryStore()
	today := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC) // Monday
	store.SeedSlot(baseSlot("busy", "doc_1", "general", today, 2))
	store.SeedSlot(baseSlot("light", "doc_2", "general", today, 2))
	// pre-load "busy" so "light" is picked first.
	store.SeedSlot(withAllocation(baseSlot("busy", "doc_1", "general", today, 2), 2))

	eng := newTestEngine(store)
	ctx := context.Background()
	res, allocErr := eng.AllocateDepartment(ctx, allocation.DepartmentRequest{
		PatientID: "p1", Department: "general", Source: token.SourceWalkin, ReferenceDate: today,
	})
	if allocErr != nil {
		t.Fatalf("unexpected error: %v", allocErr)
	}
	if res.Token.SlotID != "light" {
		t.Errorf("slotId = %s, want light (least loaded doctor)", res.Token.SlotID)
	}
	if res.AllocationMethod != allocation.MethodDepartmentSmart {
		t.Errorf("method = %s, want department_smart", res.AllocationMethod)
	}
}

func withAllocation(s slot.Slot, n int) slot.Slot {
	s.CurrentAllocation = n
	return s
}

func TestAllocateDepartment_NoAvailabilityExhaustsHorizon(t *testing.T) {
	store := opddb.NewMemoryStore()
	today := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)

	eng := newTestEngine(store)
	_, allocErr := eng.AllocateDepartment(context.Background(), allocation.DepartmentRequest{
		PatientID: "p1", Department: "general", Source: token.SourceWalkin, ReferenceDate: today,
	})
	if allocErr == nil || allocErr.Kind != allocation.KindNoAvailabilityInDepartment {
		t.Fatalf("expected no_availability_in_department, got %v", allocErr)
	}
}

func TestLifecycle_ConfirmCompleteReleasesSeat(t *testing.T) {
	store := opddb.NewMemoryStore()
	today := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	store.SeedSlot(baseSlot("s1", "doc_1", "general", today, 1))

	eng := newTestEngine(store)
	ctx := context.Background()
	res, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p1", DoctorID: "doc_1", SlotID: "s1", Source: token.SourceOnline, ReferenceDate: today,
	})
	if allocErr != nil {
		t.Fatalf("allocate failed: %v", allocErr)
	}

	if _, allocErr := eng.Confirm(ctx, res.Token.TokenID); allocErr != nil {
		t.Fatalf("confirm failed: %v", allocErr)
	}

	confirmed, err := store.Get(ctx, res.Token.TokenID)
	if err != nil || confirmed.Status != token.StatusConfirmed {
		t.Fatalf("expected confirmed status, got %v err %v", confirmed.Status, err)
	}

	completed, allocErr := eng.Complete(ctx, res.Token.TokenID)
	if allocErr != nil {
		t.Fatalf("complete failed: %v", allocErr)
	}
	if completed.Status != token.StatusCompleted {
		t.Errorf("status = %s, want completed", completed.Status)
	}

	s, _, _ := store.GetSlot(ctx, "s1")
	if s.CurrentAllocation != 0 {
		t.Errorf("currentAllocation = %d, want 0 after completion releases the seat", s.CurrentAllocation)
	}

	// The slot should now accept a new token.
	if _, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p2", DoctorID: "doc_1", SlotID: "s1", Source: token.SourceOnline, ReferenceDate: today,
	}); allocErr != nil {
		t.Fatalf("expected seat reuse after completion, got %v", allocErr)
	}
}

func TestLifecycle_CompleteRejectsWrongStatus(t *testing.T) {
	store := opddb.NewMemoryStore()
	today := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	store.SeedSlot(baseSlot("s1", "doc_1", "general", today, 1))

	eng := newTestEngine(store)
	ctx := context.Background()
	res, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p1", DoctorID: "doc_1", SlotID: "s1", Source: token.SourceOnline, ReferenceDate: today,
	})
	if allocErr != nil {
		t.Fatalf("allocate failed: %v", allocErr)
	}

	// Complete is only legal from confirmed, not allocated.
	_, allocErr = eng.Complete(ctx, res.Token.TokenID)
	if allocErr == nil || allocErr.Kind != allocation.KindInvalidTransition {
		t.Fatalf("expected invalid_transition, got %v", allocErr)
	}
}

func TestLifecycle_CancelUnknownToken(t *testing.T) {
	store := opddb.NewMemoryStore()
	eng := newTestEngine(store)
	_, allocErr := eng.Cancel(context.Background(), "token_nonexistent", "patient_request")
	if allocErr == nil || allocErr.Kind != allocation.KindTokenNotFound {
		t.Fatalf("expected token_not_found, got %v", allocErr)
	}
}

func TestAllocateTargeted_InvalidSource(t *testing.T) {
	store := opddb.NewMemoryStore()
	eng := newTestEngine(store)
	_, allocErr := eng.AllocateTargeted(context.Background(), allocation.TargetedRequest{
		PatientID: "p1", DoctorID: "doc_1", SlotID: "s1", Source: "bogus",
	})
	if allocErr == nil || allocErr.Kind != allocation.KindInvalidSource {
		t.Fatalf("expected invalid_source, got %v", allocErr)
	}
}

func TestAllocateEmergency_CapacityOverrideAsLastResort(t *testing.T) {
	store := opddb.NewMemoryStore()
	today := time.Now().UTC()
	today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	store.SeedSlot(baseSlot("s1", "doc_1", "general", today, 1))

	eng := newTestEngine(store)
	ctx := context.Background()
	// Fill the only slot with an emergency-ineligible-for-preemption token
	// (another emergency token, which PreemptLowest must never displace).
	if _, allocErr := eng.AllocateTargeted(ctx, allocation.TargetedRequest{
		PatientID: "p1", DoctorID: "doc_1", SlotID: "s1", Source: token.SourceEmergency, ReferenceDate: today,
	}); allocErr != nil {
		t.Fatalf("seed emergency token failed: %v", allocErr)
	}

	res, allocErr := eng.AllocateEmergency(ctx, allocation.EmergencyRequest{
		PatientID: "p2", Department: "general", PreferredDoctorID: "doc_1",
		Patient: priority.PatientInfo{UrgencyLevel: "critical"},
	})
	if allocErr != nil {
		t.Fatalf("unexpected error: %v", allocErr)
	}
	if res.AllocationMethod != allocation.MethodCapacityOverride {
		t.Fatalf("method = %s, want capacity_override", res.AllocationMethod)
	}
	if !res.Token.Metadata.CapacityOverride {
		t.Error("expected CapacityOverride metadata flag set")
	}

	s, _, _ := store.GetSlot(ctx, "s1")
	if s.CurrentAllocation != s.MaxCapacity+1 {
		t.Errorf("currentAllocation = %d, want %d (max + the override seat, P2 still holds)", s.CurrentAllocation, s.MaxCapacity+1)
	}
}

func TestReserveContentionRetriesThenFails(t *testing.T) {
	store := opddb.NewMemoryStore()
	today := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	store.SeedSlot(baseSlot("s1", "doc_1", "general", today, 0))

	guard := capacity.NewGuard(store, testLogger(), 200)
	_, err := guard.Reserve(context.Background(), "s1")
	if !errors.Is(err, capacity.ErrSlotAtCapacity) {
		t.Fatalf("expected ErrSlotAtCapacity, got %v", err)
	}
}
