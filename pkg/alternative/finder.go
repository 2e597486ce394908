// Package alternative searches for substitute slots when a patient's
// preferred slot or doctor has no capacity, and summarizes each candidate
// slot's occupancy so callers can explain why an alternative was recommended.
package alternative

import (
	"context"
	"fmt"
	"time"

	"github.com/wisbric/opdtoken/pkg/slot"
	"github.com/wisbric/opdtoken/pkg/token"
)

// Workload summarizes one slot's occupancy so a recommendation can be
// explained; it is not aggregated across the doctor's other slots.
type Workload struct {
	CurrentPatients int
	TotalCapacity   int
	UtilizationRate float64
}

// Candidate pairs a slot with that slot's workload.
type Candidate struct {
	Slot     slot.Slot
	Workload Workload
}

// Envelope is the full set of substitutes returned for one search.
type Envelope struct {
	SameDoctorFutureSlots     []Candidate
	SameDepartmentOtherDoctors []Candidate
	NextAvailableSlots        []Candidate
	RecommendedAction         string
}

// Request describes what couldn't be satisfied directly.
type Request struct {
	DoctorID   string
	Department string
	OnDate     time.Time

	// Source tunes the recommendedAction label on the next-available
	// fallback: emergencies call it "next_available_slot", everyone else
	// "future_booking" (§4.6).
	Source token.Source
}

// Fixed search windows and result caps per spec.md §4.6: these are not
// configurable — only the department-smart forward search (§4.4 step 5)
// uses a tunable horizon.
const (
	sameDoctorWindowDays  = 7
	nextAvailableWindowDays = 3
	sameDoctorCap         = 3
	sameDepartmentCap     = 3
	nextAvailableCap      = 5
)

// SlotStore is the subset of slot.Store the finder needs, declared here so
// alternative does not depend on slot.Lifecycle directly.
type SlotStore interface {
	FindAvailable(ctx context.Context, f slot.AvailableFilter) ([]slot.Slot, error)
	ListSlotsForDoctorOnDate(ctx context.Context, doctorID string, date time.Time) ([]slot.Slot, error)
}

// Finder searches for substitute slots.
type Finder struct {
	store SlotStore
}

// NewFinder builds a Finder.
func NewFinder(store SlotStore) *Finder {
	return &Finder{store: store}
}

// Find assembles the three substitute categories and a recommended action.
func (f *Finder) Find(ctx context.Context, req Request) (Envelope, error) {
	sameDoctor, err := f.sameDoctorFutureSlots(ctx, req.DoctorID, req.OnDate)
	if err != nil {
		return Envelope{}, fmt.Errorf("searching same-doctor future slots: %w", err)
	}

	sameDept, err := f.sameDepartmentOtherDoctors(ctx, req.Department, req.DoctorID, req.OnDate)
	if err != nil {
		return Envelope{}, fmt.Errorf("searching same-department doctors: %w", err)
	}

	nextAvailable, err := f.nextAvailableSlots(ctx, req.Department, req.OnDate)
	if err != nil {
		return Envelope{}, fmt.Errorf("searching next available slots: %w", err)
	}

	env := Envelope{
		SameDoctorFutureSlots:      sameDoctor,
		SameDepartmentOtherDoctors: sameDept,
		NextAvailableSlots:         nextAvailable,
	}
	env.RecommendedAction = recommend(env, req.Source == token.SourceEmergency)
	return env, nil
}

// sameDoctorFutureSlots returns up to 3 capacity slots with doctorID on
// dates within the 7 days after from, earliest first.
func (f *Finder) sameDoctorFutureSlots(ctx context.Context, doctorID string, from time.Time) ([]Candidate, error) {
	var out []Candidate
	for d := 1; d <= sameDoctorWindowDays && len(out) < sameDoctorCap; d++ {
		date := from.AddDate(0, 0, d)
		slots, err := f.store.ListSlotsForDoctorOnDate(ctx, doctorID, date)
		if err != nil {
			return nil, err
		}
		for _, s := range slots {
			if s.HasCapacity() {
				out = append(out, Candidate{Slot: s, Workload: workloadOf(s)})
				if len(out) >= sameDoctorCap {
					break
				}
			}
		}
	}
	return out, nil
}

// sameDepartmentOtherDoctors returns up to 3 capacity slots from doctors
// other than excludeDoctorID, in department, on date.
func (f *Finder) sameDepartmentOtherDoctors(ctx context.Context, department, excludeDoctorID string, date time.Time) ([]Candidate, error) {
	slots, err := f.store.FindAvailable(ctx, slot.AvailableFilter{
		Department:   department,
		From:         date,
		To:           date,
		MinFreeSeats: 1,
	})
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, s := range slots {
		if s.DoctorID == excludeDoctorID {
			continue
		}
		out = append(out, Candidate{Slot: s, Workload: workloadOf(s)})
		if len(out) >= sameDepartmentCap {
			break
		}
	}
	return out, nil
}

// nextAvailableSlots returns up to 5 of the earliest-capacity slots across
// any doctor within the next 3 days, preferring department when both appear
// on the same day.
func (f *Finder) nextAvailableSlots(ctx context.Context, department string, from time.Time) ([]Candidate, error) {
	var out []Candidate
	for d := 0; d <= nextAvailableWindowDays && len(out) < nextAvailableCap; d++ {
		date := from.AddDate(0, 0, d)

		preferred, err := f.store.FindAvailable(ctx, slot.AvailableFilter{
			Department:   department,
			From:         date,
			To:           date,
			MinFreeSeats: 1,
		})
		if err != nil {
			return nil, err
		}
		for _, s := range preferred {
			out = append(out, Candidate{Slot: s, Workload: workloadOf(s)})
			if len(out) >= nextAvailableCap {
				return out, nil
			}
		}

		others, err := f.store.FindAvailable(ctx, slot.AvailableFilter{From: date, To: date, MinFreeSeats: 1})
		if err != nil {
			return nil, err
		}
		for _, s := range others {
			if s.Department == department {
				continue
			}
			out = append(out, Candidate{Slot: s, Workload: workloadOf(s)})
			if len(out) >= nextAvailableCap {
				return out, nil
			}
		}
	}
	return out, nil
}

func workloadOf(s slot.Slot) Workload {
	w := Workload{
		CurrentPatients: s.CurrentAllocation,
		TotalCapacity:   s.MaxCapacity,
	}
	if s.MaxCapacity > 0 {
		w.UtilizationRate = float64(s.CurrentAllocation) / float64(s.MaxCapacity)
	}
	return w
}

// recommend picks a short, human-readable suggestion per §4.6's priority
// order: same-department-today, then same-doctor-future, then the
// next-available fallback (labeled differently for emergencies, which want
// the earliest open seat, versus everyone else, who is offered a booking).
func recommend(env Envelope, emergency bool) string {
	switch {
	case len(env.SameDepartmentOtherDoctors) > 0:
		return "same_department_other_doctor"
	case len(env.SameDoctorFutureSlots) > 0:
		return "same_doctor_future_slot"
	case len(env.NextAvailableSlots) > 0:
		if emergency {
			return "next_available_slot"
		}
		return "future_booking"
	default:
		return "no_alternatives_found"
	}
}
