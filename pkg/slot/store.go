package slot

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store lookups that find nothing.
var ErrNotFound = errors.New("slot: not found")

// AvailableFilter narrows FindAvailable's search.
type AvailableFilter struct {
	Department string // optional
	DoctorID   string // optional
	From       time.Time
	To         time.Time
	MinFreeSeats int // default 1
}

// Store is the persistence surface the Lifecycle engine, CapacityGuard, and
// AlternativeFinder drive slots through. Implementations live in
// internal/opddb.
type Store interface {
	GetSlot(ctx context.Context, slotID string) (Slot, bool, error)

	// UpsertSlot idempotently creates or refreshes a slot row. Lifecycle
	// calls this both to materialize brand new slots and to reconcile an
	// existing slot's counters against the live token table.
	UpsertSlot(ctx context.Context, s Slot) error

	FindAvailable(ctx context.Context, f AvailableFilter) ([]Slot, error)

	// FindOverlapping returns doctorID's slots on date whose [start,end)
	// window intersects [start,end), for schedule-conflict checks.
	FindOverlapping(ctx context.Context, doctorID string, date time.Time, start, end string) ([]Slot, error)

	// ListSlotsForDoctorOnDate returns every slot doctorID has on date.
	ListSlotsForDoctorOnDate(ctx context.Context, doctorID string, date time.Time) ([]Slot, error)

	// ListSlotsForDepartmentOnDate returns every active slot in department on
	// date regardless of remaining capacity, ordered by StartTime. Used by
	// emergency capacity-override search, which must consider full slots.
	ListSlotsForDepartmentOnDate(ctx context.Context, department string, date time.Time) ([]Slot, error)

	// ListActiveSchedules returns every DoctorSchedule active on date,
	// filtered to department when non-empty.
	ListActiveSchedules(ctx context.Context, date time.Time, department string) ([]DoctorSchedule, error)

	// CountLiveTokensInSlot and MaxTokenNumberInSlot back Lifecycle's
	// idempotent counter reconciliation when a slot already exists.
	CountLiveTokensInSlot(ctx context.Context, slotID string) (int, error)
	MaxTokenNumberInSlot(ctx context.Context, slotID string) (int, error)
}
