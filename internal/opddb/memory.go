package opddb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wisbric/opdtoken/pkg/capacity"
	"github.com/wisbric/opdtoken/pkg/slot"
	"github.com/wisbric/opdtoken/pkg/token"
)

// MemoryStore implements token.Store, slot.Store, capacity.Store, and
// priority.ConfigStore entirely in process memory, guarded by a single
// mutex. It exists so the CORE engines' unit and property tests don't need
// a running Postgres instance; it is not used by the production binary.
type MemoryStore struct {
	mu        sync.Mutex
	slots     map[string]slot.Slot
	schedules []slot.DoctorSchedule
	tokens    map[string]token.Token
	config    map[string]string
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:  make(map[string]slot.Slot),
		tokens: make(map[string]token.Token),
		config: make(map[string]string),
	}
}

// SeedSlot and SeedSchedule let tests populate fixtures directly.
func (m *MemoryStore) SeedSlot(s slot.Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[s.SlotID] = s
}

func (m *MemoryStore) SeedSchedule(d slot.DoctorSchedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules = append(m.schedules, d)
}

// --- capacity.Store ---------------------------------------------------

func (m *MemoryStore) Reserve(_ context.Context, slotID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	if !ok {
		return 0, capacity.ErrSlotAtCapacity
	}
	if s.Status != slot.StatusActive || s.CurrentAllocation >= s.MaxCapacity {
		return 0, capacity.ErrSlotAtCapacity
	}
	s.CurrentAllocation++
	m.slots[slotID] = s
	return s.CurrentAllocation, nil
}

func (m *MemoryStore) ReserveOverride(_ context.Context, slotID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	if !ok {
		return 0, capacity.ErrSlotAtCapacity
	}
	s.CurrentAllocation++
	m.slots[slotID] = s
	return s.CurrentAllocation, nil
}

func (m *MemoryStore) Release(_ context.Context, slotID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	if !ok || s.CurrentAllocation <= 0 {
		return 0, capacity.ErrNothingToRelease
	}
	s.CurrentAllocation--
	m.slots[slotID] = s
	return s.CurrentAllocation, nil
}

func (m *MemoryStore) NextTokenNumber(_ context.Context, slotID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.slots[slotID]
	s.LastTokenNumber++
	m.slots[slotID] = s
	return s.LastTokenNumber, nil
}

func (m *MemoryStore) ListPreemptionCandidates(_ context.Context, slotID string) ([]token.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []token.Token
	for _, t := range m.tokens {
		if t.SlotID == slotID && t.Status == token.StatusAllocated && t.Source != token.SourceEmergency {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- slot.Store -----------------------------------------------------------

func (m *MemoryStore) GetSlot(_ context.Context, slotID string) (slot.Slot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	return s, ok, nil
}

func (m *MemoryStore) UpsertSlot(_ context.Context, s slot.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[s.SlotID] = s
	return nil
}

func (m *MemoryStore) FindAvailable(_ context.Context, f slot.AvailableFilter) ([]slot.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	minFree := f.MinFreeSeats
	if minFree == 0 {
		minFree = 1
	}
	var out []slot.Slot
	for _, s := range m.slots {
		if s.Status != slot.StatusActive {
			continue
		}
		if s.MaxCapacity-s.CurrentAllocation < minFree {
			continue
		}
		if f.Department != "" && s.Department != f.Department {
			continue
		}
		if f.DoctorID != "" && s.DoctorID != f.DoctorID {
			continue
		}
		if !f.From.IsZero() && s.Date.Before(truncate(f.From)) {
			continue
		}
		if !f.To.IsZero() && s.Date.After(truncate(f.To)) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

func (m *MemoryStore) FindOverlapping(_ context.Context, doctorID string, date time.Time, start, end string) ([]slot.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []slot.Slot
	for _, s := range m.slots {
		if s.DoctorID != doctorID || !s.Date.Equal(truncate(date)) {
			continue
		}
		if s.StartTime < end && s.EndTime > start {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListSlotsForDoctorOnDate(_ context.Context, doctorID string, date time.Time) ([]slot.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []slot.Slot
	for _, s := range m.slots {
		if s.DoctorID == doctorID && s.Date.Equal(truncate(date)) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

func (m *MemoryStore) ListSlotsForDepartmentOnDate(_ context.Context, department string, date time.Time) ([]slot.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []slot.Slot
	for _, s := range m.slots {
		if s.Department == department && s.Date.Equal(truncate(date)) && s.Status == slot.StatusActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

func (m *MemoryStore) ListActiveSchedules(_ context.Context, date time.Time, department string) ([]slot.DoctorSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []slot.DoctorSchedule
	for _, d := range m.schedules {
		if department != "" && d.Department != department {
			continue
		}
		if d.ActiveOn(date) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryStore) CountLiveTokensInSlot(_ context.Context, slotID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tokens {
		if t.SlotID == slotID && t.Status.Live() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) MaxTokenNumberInSlot(_ context.Context, slotID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, t := range m.tokens {
		if t.SlotID == slotID && t.TokenNumber > max {
			max = t.TokenNumber
		}
	}
	return max, nil
}

// --- token.Store ------------------------------------------------------

func (m *MemoryStore) Create(_ context.Context, t token.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.tokens[t.TokenID] = t
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tokenID string) (token.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenID]
	if !ok {
		return token.Token{}, token.ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) FindLiveInSlot(_ context.Context, patientID, slotID string) (token.Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.PatientID == patientID && t.SlotID == slotID && t.Status.Live() {
			return t, true, nil
		}
	}
	return token.Token{}, false, nil
}

func (m *MemoryStore) FindLiveWithDoctorOnDate(_ context.Context, patientID, doctorID string, date time.Time) (token.Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.PatientID != patientID || t.DoctorID != doctorID || !t.Status.Live() {
			continue
		}
		if s, ok := m.slots[t.SlotID]; ok && s.Date.Equal(truncate(date)) {
			return t, true, nil
		}
	}
	return token.Token{}, false, nil
}

func (m *MemoryStore) FindLiveOnDate(_ context.Context, patientID string, date time.Time) (token.Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.PatientID != patientID || !t.Status.Live() {
			continue
		}
		if s, ok := m.slots[t.SlotID]; ok && s.Date.Equal(truncate(date)) {
			return t, true, nil
		}
	}
	return token.Token{}, false, nil
}

func (m *MemoryStore) ListLiveInSlot(_ context.Context, slotID string) ([]token.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []token.Token
	for _, t := range m.tokens {
		if t.SlotID == slotID && t.Status.Live() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Transition(_ context.Context, tokenID string, from []token.Status, to token.Status, mutate func(*token.Metadata)) (token.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenID]
	if !ok {
		return token.Token{}, token.ErrNotFound
	}
	matched := false
	for _, f := range from {
		if t.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return token.Token{}, token.ErrConflict
	}
	if mutate != nil {
		mutate(&t.Metadata)
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	m.tokens[tokenID] = t
	return t, nil
}

func (m *MemoryStore) Move(_ context.Context, tokenID, newSlotID string, newTokenNumber int, mutate func(*token.Metadata)) (token.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenID]
	if !ok || t.Status != token.StatusAllocated {
		return token.Token{}, token.ErrConflict
	}
	if mutate != nil {
		mutate(&t.Metadata)
	}
	t.SlotID = newSlotID
	t.TokenNumber = newTokenNumber
	t.UpdatedAt = time.Now()
	m.tokens[tokenID] = t
	return t, nil
}

func (m *MemoryStore) ListPendingReallocationOlderThan(_ context.Context, age time.Duration) ([]token.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-age)
	var out []token.Token
	for _, t := range m.tokens {
		if t.Status == token.StatusPendingReallocation && t.UpdatedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) LastVisitedDoctor(_ context.Context, patientID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest token.Token
	found := false
	for _, t := range m.tokens {
		if t.PatientID != patientID || t.Status != token.StatusCompleted {
			continue
		}
		if !found || t.UpdatedAt.After(latest.UpdatedAt) {
			latest = t
			found = true
		}
	}
	if !found {
		return "", false, nil
	}
	return latest.DoctorID, true, nil
}

// --- priority.ConfigStore ---------------------------------------------

func (m *MemoryStore) GetConfig(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.config[key]
	return v, ok, nil
}

func (m *MemoryStore) SetConfig(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[key] = value
	return nil
}

func truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
