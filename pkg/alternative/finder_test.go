package alternative

import (
	"context"
	"testing"
	"time"

	"github.com/wisbric/opdtoken/pkg/slot"
)

type fakeSlotStore struct {
	available  map[string][]slot.Slot // keyed by date string
	forDoctor  map[string][]slot.Slot // keyed by doctorID+date string
}

func dateKey(date time.Time) string { return date.Format("2006-01-02") }

func (f *fakeSlotStore) FindAvailable(_ context.Context, filter slot.AvailableFilter) ([]slot.Slot, error) {
	return f.available[dateKey(filter.From)], nil
}

func (f *fakeSlotStore) ListSlotsForDoctorOnDate(_ context.Context, doctorID string, date time.Time) ([]slot.Slot, error) {
	return f.forDoctor[doctorID+dateKey(date)], nil
}

func TestFind_PrefersSameDoctorFutureSlot(t *testing.T) {
	today := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	tomorrow := today.AddDate(0, 0, 1)

	store := &fakeSlotStore{
		forDoctor: map[string][]slot.Slot{
			"doc_1" + dateKey(tomorrow): {
				{SlotID: "s2", DoctorID: "doc_1", Status: slot.StatusActive, MaxCapacity: 5, CurrentAllocation: 1},
			},
		},
		available: map[string][]slot.Slot{},
	}

	f := NewFinder(store)
	env, err := f.Find(context.Background(), Request{DoctorID: "doc_1", Department: "general", OnDate: today})
	if err != nil {
		t.Fatal(err)
	}
	if len(env.SameDoctorFutureSlots) != 1 {
		t.Fatalf("SameDoctorFutureSlots = %d, want 1", len(env.SameDoctorFutureSlots))
	}
	if env.RecommendedAction != "same_doctor_future_slot" {
		t.Errorf("RecommendedAction = %s, want same_doctor_future_slot", env.RecommendedAction)
	}
}

func TestFind_NoAlternatives(t *testing.T) {
	today := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	store := &fakeSlotStore{available: map[string][]slot.Slot{}, forDoctor: map[string][]slot.Slot{}}

	f := NewFinder(store)
	env, err := f.Find(context.Background(), Request{DoctorID: "doc_1", Department: "general", OnDate: today})
	if err != nil {
		t.Fatal(err)
	}
	if env.RecommendedAction != "no_alternatives_found" {
		t.Errorf("RecommendedAction = %s, want no_alternatives_found", env.RecommendedAction)
	}
}
