package slot

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu        sync.Mutex
	slots     map[string]Slot
	schedules []DoctorSchedule
	liveCount map[string]int
	maxToken  map[string]int
}

func newFakeStore(schedules []DoctorSchedule) *fakeStore {
	return &fakeStore{
		slots:     make(map[string]Slot),
		schedules: schedules,
		liveCount: make(map[string]int),
		maxToken:  make(map[string]int),
	}
}

func (f *fakeStore) GetSlot(_ context.Context, slotID string) (Slot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[slotID]
	return s, ok, nil
}

func (f *fakeStore) UpsertSlot(_ context.Context, s Slot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots[s.SlotID] = s
	return nil
}

func (f *fakeStore) FindAvailable(_ context.Context, _ AvailableFilter) ([]Slot, error) {
	return nil, nil
}

func (f *fakeStore) FindOverlapping(_ context.Context, _ string, _ time.Time, _, _ string) ([]Slot, error) {
	return nil, nil
}

func (f *fakeStore) ListSlotsForDoctorOnDate(_ context.Context, _ string, _ time.Time) ([]Slot, error) {
	return nil, nil
}

func (f *fakeStore) ListSlotsForDepartmentOnDate(_ context.Context, _ string, _ time.Time) ([]Slot, error) {
	return nil, nil
}

func (f *fakeStore) ListActiveSchedules(_ context.Context, _ time.Time, _ string) ([]DoctorSchedule, error) {
	return f.schedules, nil
}

func (f *fakeStore) CountLiveTokensInSlot(_ context.Context, slotID string) (int, error) {
	return f.liveCount[slotID], nil
}

func (f *fakeStore) MaxTokenNumberInSlot(_ context.Context, slotID string) (int, error) {
	return f.maxToken[slotID], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerateForDate_Idempotent(t *testing.T) {
	monday := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC) // a Monday
	sched := DoctorSchedule{
		DoctorID:      "doc_1",
		Department:    "general",
		IsActive:      true,
		EffectiveFrom: monday.AddDate(0, 0, -30),
		Weekly: map[time.Weekday][]WeeklyTemplate{
			time.Monday: {{StartTime: "09:00", EndTime: "09:15", MaxCapacity: 5}},
		},
	}
	store := newFakeStore([]DoctorSchedule{sched})
	lc := NewLifecycle(store, testLogger())

	first, err := lc.GenerateForDate(context.Background(), monday)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("first run: got %d slots, want 1", len(first))
	}

	store.liveCount[first[0].SlotID] = 2
	store.maxToken[first[0].SlotID] = 2

	second, err := lc.GenerateForDate(context.Background(), monday)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 {
		t.Fatalf("second run: got %d slots, want 1", len(second))
	}
	if second[0].SlotID != first[0].SlotID {
		t.Errorf("second run produced a different slot ID: %s vs %s", second[0].SlotID, first[0].SlotID)
	}
	if second[0].CurrentAllocation != 2 {
		t.Errorf("CurrentAllocation = %d, want 2 (reconciled from live tokens)", second[0].CurrentAllocation)
	}
	if len(store.slots) != 1 {
		t.Errorf("store has %d slots, want 1 (no duplicate on re-run)", len(store.slots))
	}
}

func TestGenerateForDate_SkipsInactiveSchedule(t *testing.T) {
	monday := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	sched := DoctorSchedule{
		DoctorID:      "doc_2",
		IsActive:      false,
		EffectiveFrom: monday.AddDate(0, 0, -30),
		Weekly: map[time.Weekday][]WeeklyTemplate{
			time.Monday: {{StartTime: "10:00", EndTime: "10:15", MaxCapacity: 5}},
		},
	}
	store := newFakeStore([]DoctorSchedule{sched})
	lc := NewLifecycle(store, testLogger())

	got, err := lc.GenerateForDate(context.Background(), monday)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %d slots for inactive schedule, want 0", len(got))
	}
}
