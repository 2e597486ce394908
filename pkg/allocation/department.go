package allocation

import (
	"context"
	"fmt"
	"time"

	"github.com/wisbric/opdtoken/pkg/priority"
	"github.com/wisbric/opdtoken/pkg/slot"
	"github.com/wisbric/opdtoken/pkg/token"
)

// AllocateDepartment implements §4.4's department-smart allocation: it picks
// a doctor/slot within req.Department without the caller naming one.
func (e *Engine) AllocateDepartment(ctx context.Context, req DepartmentRequest) (*Result, *Error) {
	if !req.Source.Valid() {
		return nil, newError(KindInvalidSource, fmt.Sprintf("unknown source %q", req.Source))
	}

	date := resolveDate(req.ReferenceDate)

	if dupErr := e.checkDuplicates(ctx, req.PatientID, req.PreferredDoctorID, req.PreferredSlotID, date, req.Source); dupErr != nil {
		return nil, dupErr
	}

	prio, err := e.priorities.ComputePriority(ctx, priority.Request{
		Source: req.Source, Patient: req.Patient, WaitingMinutes: req.WaitingMinutes,
	})
	if err != nil {
		return nil, newError(KindInvalidSource, err.Error())
	}

	// Step 2: preferred slot.
	if req.PreferredSlotID != "" {
		if sl, found, err := e.slots.GetSlot(ctx, req.PreferredSlotID); err != nil {
			return nil, e.storeFault("looking up preferred slot", err)
		} else if found && sl.Department == req.Department && sl.HasCapacity() {
			res, allocErr := e.reserveInto(ctx, req.PatientID, sl, req.Source, prio.FinalScore, req.WaitingMinutes, MethodDepartmentSmart)
			if allocErr == nil {
				res.DepartmentInfo = &DepartmentInfo{Method: "preferred_slot", DoctorID: sl.DoctorID}
				return res, nil
			}
		}
	}

	// Step 3: preferred doctor's slots on the date.
	if req.PreferredDoctorID != "" {
		slots, err := e.slots.ListSlotsForDoctorOnDate(ctx, req.PreferredDoctorID, date)
		if err != nil {
			return nil, e.storeFault("listing preferred doctor's slots", err)
		}
		for _, sl := range slots {
			if !sl.HasCapacity() {
				continue
			}
			res, allocErr := e.reserveInto(ctx, req.PatientID, sl, req.Source, prio.FinalScore, req.WaitingMinutes, MethodDepartmentSmart)
			if allocErr == nil {
				res.DepartmentInfo = &DepartmentInfo{Method: "preferred_doctor", DoctorID: sl.DoctorID}
				return res, nil
			}
		}
	}

	// Step 4: least-loaded doctor's earliest available slot today.
	if sl, found, err := e.leastLoadedSlot(ctx, req.Department, date); err != nil {
		return nil, e.storeFault("computing department workload", err)
	} else if found {
		res, allocErr := e.reserveInto(ctx, req.PatientID, sl, req.Source, prio.FinalScore, req.WaitingMinutes, MethodDepartmentSmart)
		if allocErr == nil {
			res.DepartmentInfo = &DepartmentInfo{Method: "least_loaded", DoctorID: sl.DoctorID}
			return res, nil
		}
	}

	// Step 5: walk forward day by day, generating slots on demand.
	maxForward := e.cfg.MaxForwardDays
	if maxForward == 0 {
		maxForward = 30
	}
	for d := 1; d <= maxForward; d++ {
		day := date.AddDate(0, 0, d)

		sl, found, err := e.leastLoadedSlot(ctx, req.Department, day)
		if err != nil {
			return nil, e.storeFault("computing forward-day department workload", err)
		}
		generated := false
		if !found {
			if _, err := e.lifecycle.GenerateForDate(ctx, day); err != nil {
				return nil, e.storeFault("generating slots for forward day", err)
			}
			generated = true
			sl, found, err = e.leastLoadedSlot(ctx, req.Department, day)
			if err != nil {
				return nil, e.storeFault("computing forward-day department workload", err)
			}
		}
		if !found {
			continue
		}

		methodLabel := "least_loaded"
		if generated {
			methodLabel = "auto_generated_next_available"
		}
		res, allocErr := e.reserveInto(ctx, req.PatientID, sl, req.Source, prio.FinalScore, req.WaitingMinutes, MethodDepartmentSmart)
		if allocErr == nil {
			res.DepartmentInfo = &DepartmentInfo{Method: methodLabel, DoctorID: sl.DoctorID, DaysSearched: d}
			return res, nil
		}
	}

	return nil, &Error{
		Kind:    KindNoAvailabilityInDepartment,
		Message: fmt.Sprintf("no availability in %s within %d days", req.Department, maxForward),
		Details: map[string]any{"daysSearched": maxForward, "department": req.Department},
	}
}

// reserveInto reserves a seat in sl for patientID and writes the token,
// compensating with a release on any failure after the reserve succeeds.
func (e *Engine) reserveInto(ctx context.Context, patientID string, sl slot.Slot, source token.Source, priorityScore, waitingMinutes int, method Method) (*Result, *Error) {
	if _, err := e.guard.Reserve(ctx, sl.SlotID); err != nil {
		return nil, newError(KindSlotFullAlternatives, "lost the race for this slot's last seat")
	}
	return e.writeDirectToken(ctx, patientID, sl.DoctorID, sl.SlotID, source, priorityScore, waitingMinutes, method)
}

// leastLoadedSlot finds the earliest available slot in department on date,
// belonging to whichever doctor has the lowest live-token/capacity ratio.
func (e *Engine) leastLoadedSlot(ctx context.Context, department string, date time.Time) (slot.Slot, bool, error) {
	available, err := e.slots.FindAvailable(ctx, slot.AvailableFilter{Department: department, From: date, To: date, MinFreeSeats: 1})
	if err != nil {
		return slot.Slot{}, false, err
	}
	if len(available) == 0 {
		return slot.Slot{}, false, nil
	}

	workload := make(map[string]struct{ live, capacity int })
	for _, sl := range available {
		w := workload[sl.DoctorID]
		w.live += sl.CurrentAllocation
		w.capacity += sl.MaxCapacity
		workload[sl.DoctorID] = w
	}

	bestDoctor := ""
	bestRatio := 2.0 // > 1.0, guaranteed worse than any real ratio
	for doctorID, w := range workload {
		ratio := 0.0
		if w.capacity > 0 {
			ratio = float64(w.live) / float64(w.capacity)
		}
		if ratio < bestRatio {
			bestRatio = ratio
			bestDoctor = doctorID
		}
	}

	for _, sl := range available {
		if sl.DoctorID == bestDoctor {
			return sl, true, nil
		}
	}
	return slot.Slot{}, false, nil
}
