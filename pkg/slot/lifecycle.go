package slot

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Lifecycle materializes dated slots from doctors' weekly schedules and
// answers the lookup queries the allocation engine needs. The generation
// step is grounded in the same "idempotent upsert against a recurring
// template" shape used to expand weekly rosters into dated shifts: running
// it twice for the same date must never double-book or duplicate a slot.
type Lifecycle struct {
	store  Store
	logger *slog.Logger
}

// NewLifecycle builds a Lifecycle engine.
func NewLifecycle(store Store, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{store: store, logger: logger}
}

// GenerateForDate materializes every active doctor schedule's weekly
// templates for date's weekday into concrete Slot rows, reconciling
// counters on slots that already exist. It is safe to call repeatedly for
// the same date.
func (l *Lifecycle) GenerateForDate(ctx context.Context, date time.Time) ([]Slot, error) {
	schedules, err := l.store.ListActiveSchedules(ctx, date, "")
	if err != nil {
		return nil, fmt.Errorf("listing active schedules: %w", err)
	}

	var generated []Slot
	weekday := date.Weekday()

	for _, sched := range schedules {
		if !sched.ActiveOn(date) {
			continue
		}
		templates := sched.Weekly[weekday]
		for _, tmpl := range templates {
			s, err := l.materialize(ctx, sched, tmpl, date)
			if err != nil {
				l.logger.Error("slot: materializing template failed",
					"doctor_id", sched.DoctorID, "date", date.Format("2006-01-02"), "error", err)
				continue
			}
			generated = append(generated, s)
		}
	}

	return generated, nil
}

func (l *Lifecycle) materialize(ctx context.Context, sched DoctorSchedule, tmpl WeeklyTemplate, date time.Time) (Slot, error) {
	slotID := BuildSlotID(sched.DoctorID, date, tmpl.StartTime)

	existing, found, err := l.store.GetSlot(ctx, slotID)
	if err != nil {
		return Slot{}, fmt.Errorf("getting slot %s: %w", slotID, err)
	}

	if found {
		liveCount, err := l.store.CountLiveTokensInSlot(ctx, slotID)
		if err != nil {
			return Slot{}, fmt.Errorf("counting live tokens in %s: %w", slotID, err)
		}
		maxTokenNum, err := l.store.MaxTokenNumberInSlot(ctx, slotID)
		if err != nil {
			return Slot{}, fmt.Errorf("finding max token number in %s: %w", slotID, err)
		}
		existing.CurrentAllocation = liveCount
		existing.LastTokenNumber = maxTokenNum
		if err := l.store.UpsertSlot(ctx, existing); err != nil {
			return Slot{}, fmt.Errorf("reconciling slot %s: %w", slotID, err)
		}
		return existing, nil
	}

	s := Slot{
		SlotID:      slotID,
		DoctorID:    sched.DoctorID,
		Department:  sched.Department,
		Date:        truncateToDay(date),
		StartTime:   tmpl.StartTime,
		EndTime:     tmpl.EndTime,
		MaxCapacity: tmpl.MaxCapacity,
		Status:      StatusActive,
		Type:        tmpl.Type,
	}
	if s.Type == "" {
		s.Type = TypeRegular
	}
	if err := l.store.UpsertSlot(ctx, s); err != nil {
		return Slot{}, fmt.Errorf("creating slot %s: %w", slotID, err)
	}
	return s, nil
}

// FindBySlotID looks up a single slot.
func (l *Lifecycle) FindBySlotID(ctx context.Context, slotID string) (Slot, bool, error) {
	return l.store.GetSlot(ctx, slotID)
}

// FindAvailable searches for slots with free seats matching f.
func (l *Lifecycle) FindAvailable(ctx context.Context, f AvailableFilter) ([]Slot, error) {
	if f.MinFreeSeats == 0 {
		f.MinFreeSeats = 1
	}
	return l.store.FindAvailable(ctx, f)
}

// FindOverlapping delegates to the store for schedule-conflict checks.
func (l *Lifecycle) FindOverlapping(ctx context.Context, doctorID string, date time.Time, start, end string) ([]Slot, error) {
	return l.store.FindOverlapping(ctx, doctorID, date, start, end)
}
