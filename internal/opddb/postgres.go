package opddb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/opdtoken/pkg/capacity"
	"github.com/wisbric/opdtoken/pkg/slot"
	"github.com/wisbric/opdtoken/pkg/token"
)

// PostgresStore implements token.Store, slot.Store, capacity.Store, and
// priority.ConfigStore over a pgx connection pool using hand-written SQL and
// conditional UPDATE ... RETURNING statements for every atomic operation.
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore wraps a pool (or transaction) in a PostgresStore.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx returns a PostgresStore bound to tx, for callers that need several
// operations inside one transaction (e.g. reallocation's reserve+write+release).
func (s *PostgresStore) WithTx(tx pgx.Tx) *PostgresStore {
	return &PostgresStore{db: tx}
}

// --- capacity.Store ---------------------------------------------------

func (s *PostgresStore) Reserve(ctx context.Context, slotID string) (int, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE slots
		SET current_allocation = current_allocation + 1, updated_at = now()
		WHERE slot_id = $1 AND current_allocation < max_capacity AND status = 'active'
		RETURNING current_allocation`, slotID)

	var n int
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, capacity.ErrSlotAtCapacity
		}
		return 0, fmt.Errorf("reserving slot %s: %w", slotID, err)
	}
	return n, nil
}

func (s *PostgresStore) ReserveOverride(ctx context.Context, slotID string) (int, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE slots
		SET current_allocation = current_allocation + 1, updated_at = now()
		WHERE slot_id = $1 AND status = 'active'
		RETURNING current_allocation`, slotID)

	var n int
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, capacity.ErrSlotAtCapacity
		}
		return 0, fmt.Errorf("override-reserving slot %s: %w", slotID, err)
	}
	return n, nil
}

func (s *PostgresStore) Release(ctx context.Context, slotID string) (int, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE slots
		SET current_allocation = current_allocation - 1, updated_at = now()
		WHERE slot_id = $1 AND current_allocation > 0
		RETURNING current_allocation`, slotID)

	var n int
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, capacity.ErrNothingToRelease
		}
		return 0, fmt.Errorf("releasing slot %s: %w", slotID, err)
	}
	return n, nil
}

func (s *PostgresStore) NextTokenNumber(ctx context.Context, slotID string) (int, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE slots
		SET last_token_number = last_token_number + 1, updated_at = now()
		WHERE slot_id = $1
		RETURNING last_token_number`, slotID)

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("issuing token number for slot %s: %w", slotID, err)
	}
	return n, nil
}

func (s *PostgresStore) ListPreemptionCandidates(ctx context.Context, slotID string) ([]token.Token, error) {
	rows, err := s.db.Query(ctx, `
		SELECT token_id, patient_id, doctor_id, slot_id, token_number, source, priority, status, metadata, created_at, updated_at
		FROM tokens
		WHERE slot_id = $1 AND status = 'allocated' AND source != 'emergency'
		ORDER BY priority ASC, created_at ASC`, slotID)
	if err != nil {
		return nil, fmt.Errorf("listing preemption candidates for slot %s: %w", slotID, err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

// --- slot.Store ---------------------------------------------------------

func (s *PostgresStore) GetSlot(ctx context.Context, slotID string) (slot.Slot, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT slot_id, doctor_id, department, date, start_time, end_time, max_capacity,
		       current_allocation, last_token_number, status, metadata, created_at, updated_at
		FROM slots WHERE slot_id = $1`, slotID)
	sl, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return slot.Slot{}, false, nil
		}
		return slot.Slot{}, false, fmt.Errorf("getting slot %s: %w", slotID, err)
	}
	return sl, true, nil
}

func (s *PostgresStore) UpsertSlot(ctx context.Context, sl slot.Slot) error {
	metaJSON, err := json.Marshal(sl.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling slot metadata: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO slots (slot_id, doctor_id, department, date, start_time, end_time, max_capacity,
		                    current_allocation, last_token_number, status, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (slot_id) DO UPDATE SET
		  current_allocation = EXCLUDED.current_allocation,
		  last_token_number   = EXCLUDED.last_token_number,
		  status              = EXCLUDED.status,
		  updated_at          = now()`,
		sl.SlotID, sl.DoctorID, sl.Department, sl.Date, sl.StartTime, sl.EndTime, sl.MaxCapacity,
		sl.CurrentAllocation, sl.LastTokenNumber, string(sl.Status), metaJSON)
	if err != nil {
		return fmt.Errorf("upserting slot %s: %w", sl.SlotID, err)
	}
	return nil
}

func (s *PostgresStore) FindAvailable(ctx context.Context, f slot.AvailableFilter) ([]slot.Slot, error) {
	minFree := f.MinFreeSeats
	if minFree == 0 {
		minFree = 1
	}
	rows, err := s.db.Query(ctx, `
		SELECT slot_id, doctor_id, department, date, start_time, end_time, max_capacity,
		       current_allocation, last_token_number, status, metadata, created_at, updated_at
		FROM slots
		WHERE status = 'active'
		  AND (max_capacity - current_allocation) >= $1
		  AND ($2 = '' OR department = $2)
		  AND ($3 = '' OR doctor_id = $3)
		  AND date BETWEEN $4 AND $5
		ORDER BY date ASC, start_time ASC`,
		minFree, f.Department, f.DoctorID, f.From, f.To)
	if err != nil {
		return nil, fmt.Errorf("finding available slots: %w", err)
	}
	defer rows.Close()
	return scanSlots(rows)
}

func (s *PostgresStore) FindOverlapping(ctx context.Context, doctorID string, date time.Time, start, end string) ([]slot.Slot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT slot_id, doctor_id, department, date, start_time, end_time, max_capacity,
		       current_allocation, last_token_number, status, metadata, created_at, updated_at
		FROM slots
		WHERE doctor_id = $1 AND date = $2 AND start_time < $4 AND end_time > $3`,
		doctorID, date, start, end)
	if err != nil {
		return nil, fmt.Errorf("finding overlapping slots for doctor %s: %w", doctorID, err)
	}
	defer rows.Close()
	return scanSlots(rows)
}

func (s *PostgresStore) ListSlotsForDoctorOnDate(ctx context.Context, doctorID string, date time.Time) ([]slot.Slot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT slot_id, doctor_id, department, date, start_time, end_time, max_capacity,
		       current_allocation, last_token_number, status, metadata, created_at, updated_at
		FROM slots
		WHERE doctor_id = $1 AND date = $2
		ORDER BY start_time ASC`, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("listing slots for doctor %s on %s: %w", doctorID, date, err)
	}
	defer rows.Close()
	return scanSlots(rows)
}

func (s *PostgresStore) ListSlotsForDepartmentOnDate(ctx context.Context, department string, date time.Time) ([]slot.Slot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT slot_id, doctor_id, department, date, start_time, end_time, max_capacity,
		       current_allocation, last_token_number, status, metadata, created_at, updated_at
		FROM slots
		WHERE department = $1 AND date = $2 AND status = 'active'
		ORDER BY start_time ASC`, department, date)
	if err != nil {
		return nil, fmt.Errorf("listing department slots for %s on %s: %w", department, date, err)
	}
	defer rows.Close()
	return scanSlots(rows)
}

func (s *PostgresStore) ListActiveSchedules(ctx context.Context, date time.Time, department string) ([]slot.DoctorSchedule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT doctor_id, department, weekly_schedule, is_active, effective_from, effective_to, emergency_available
		FROM doctor_schedules
		WHERE is_active = true
		  AND effective_from <= $1
		  AND (effective_to IS NULL OR effective_to >= $1)
		  AND ($2 = '' OR department = $2)`, date, department)
	if err != nil {
		return nil, fmt.Errorf("listing active schedules: %w", err)
	}
	defer rows.Close()

	var out []slot.DoctorSchedule
	for rows.Next() {
		var (
			doctorID, dept                string
			weeklyJSON                    []byte
			isActive, emergencyAvailable  bool
			effectiveFrom                 time.Time
			effectiveTo                   *time.Time
		)
		if err := rows.Scan(&doctorID, &dept, &weeklyJSON, &isActive, &effectiveFrom, &effectiveTo, &emergencyAvailable); err != nil {
			return nil, fmt.Errorf("scanning doctor schedule: %w", err)
		}
		weekly, err := unmarshalWeekly(weeklyJSON)
		if err != nil {
			return nil, fmt.Errorf("unmarshaling weekly schedule for doctor %s: %w", doctorID, err)
		}
		out = append(out, slot.DoctorSchedule{
			DoctorID:           doctorID,
			Department:         dept,
			Weekly:             weekly,
			IsActive:           isActive,
			EffectiveFrom:      effectiveFrom,
			EffectiveTo:        effectiveTo,
			EmergencyAvailable: emergencyAvailable,
		})
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountLiveTokensInSlot(ctx context.Context, slotID string) (int, error) {
	row := s.db.QueryRow(ctx, `
		SELECT count(*) FROM tokens WHERE slot_id = $1 AND status IN ('allocated','confirmed')`, slotID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counting live tokens in slot %s: %w", slotID, err)
	}
	return n, nil
}

func (s *PostgresStore) MaxTokenNumberInSlot(ctx context.Context, slotID string) (int, error) {
	row := s.db.QueryRow(ctx, `
		SELECT coalesce(max(token_number), 0) FROM tokens WHERE slot_id = $1`, slotID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("finding max token number in slot %s: %w", slotID, err)
	}
	return n, nil
}

// --- token.Store ----------------------------------------------------------

func (s *PostgresStore) Create(ctx context.Context, t token.Token) error {
	metaJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling token metadata: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO tokens (token_id, patient_id, doctor_id, slot_id, token_number, source, priority, status, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.TokenID, t.PatientID, t.DoctorID, t.SlotID, t.TokenNumber, string(t.Source), t.Priority, string(t.Status), metaJSON)
	if err != nil {
		return fmt.Errorf("creating token %s: %w", t.TokenID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tokenID string) (token.Token, error) {
	row := s.db.QueryRow(ctx, tokenSelectBase+` WHERE token_id = $1`, tokenID)
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return token.Token{}, token.ErrNotFound
		}
		return token.Token{}, fmt.Errorf("getting token %s: %w", tokenID, err)
	}
	return t, nil
}

func (s *PostgresStore) FindLiveInSlot(ctx context.Context, patientID, slotID string) (token.Token, bool, error) {
	row := s.db.QueryRow(ctx, tokenSelectBase+`
		WHERE patient_id = $1 AND slot_id = $2 AND status IN ('allocated','confirmed')`, patientID, slotID)
	return scanOptionalToken(row)
}

func (s *PostgresStore) FindLiveWithDoctorOnDate(ctx context.Context, patientID, doctorID string, date time.Time) (token.Token, bool, error) {
	row := s.db.QueryRow(ctx, tokenSelectBase+`
		JOIN slots ON slots.slot_id = tokens.slot_id
		WHERE tokens.patient_id = $1 AND tokens.doctor_id = $2 AND slots.date = $3
		  AND tokens.status IN ('allocated','confirmed')`, patientID, doctorID, date)
	return scanOptionalToken(row)
}

func (s *PostgresStore) FindLiveOnDate(ctx context.Context, patientID string, date time.Time) (token.Token, bool, error) {
	row := s.db.QueryRow(ctx, tokenSelectBase+`
		JOIN slots ON slots.slot_id = tokens.slot_id
		WHERE tokens.patient_id = $1 AND slots.date = $2
		  AND tokens.status IN ('allocated','confirmed')`, patientID, date)
	return scanOptionalToken(row)
}

func (s *PostgresStore) ListLiveInSlot(ctx context.Context, slotID string) ([]token.Token, error) {
	rows, err := s.db.Query(ctx, tokenSelectBase+`
		WHERE slot_id = $1 AND status IN ('allocated','confirmed')
		ORDER BY created_at ASC`, slotID)
	if err != nil {
		return nil, fmt.Errorf("listing live tokens in slot %s: %w", slotID, err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

func (s *PostgresStore) Transition(ctx context.Context, tokenID string, from []token.Status, to token.Status, mutate func(*token.Metadata)) (token.Token, error) {
	current, err := s.Get(ctx, tokenID)
	if err != nil {
		return token.Token{}, err
	}

	meta := current.Metadata
	if mutate != nil {
		mutate(&meta)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return token.Token{}, fmt.Errorf("marshaling token metadata: %w", err)
	}

	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}

	row := s.db.QueryRow(ctx, `
		UPDATE tokens SET status = $1, metadata = $2, updated_at = now()
		WHERE token_id = $3 AND status = ANY($4)
		RETURNING token_id, patient_id, doctor_id, slot_id, token_number, source, priority, status, metadata, created_at, updated_at`,
		string(to), metaJSON, tokenID, fromStrs)
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return token.Token{}, token.ErrConflict
		}
		return token.Token{}, fmt.Errorf("transitioning token %s: %w", tokenID, err)
	}
	return t, nil
}

func (s *PostgresStore) Move(ctx context.Context, tokenID, newSlotID string, newTokenNumber int, mutate func(*token.Metadata)) (token.Token, error) {
	current, err := s.Get(ctx, tokenID)
	if err != nil {
		return token.Token{}, err
	}
	meta := current.Metadata
	if mutate != nil {
		mutate(&meta)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return token.Token{}, fmt.Errorf("marshaling token metadata: %w", err)
	}

	row := s.db.QueryRow(ctx, `
		UPDATE tokens SET slot_id = $1, token_number = $2, metadata = $3, updated_at = now()
		WHERE token_id = $4 AND status = 'allocated'
		RETURNING token_id, patient_id, doctor_id, slot_id, token_number, source, priority, status, metadata, created_at, updated_at`,
		newSlotID, newTokenNumber, metaJSON, tokenID)
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return token.Token{}, token.ErrConflict
		}
		return token.Token{}, fmt.Errorf("moving token %s: %w", tokenID, err)
	}
	return t, nil
}

func (s *PostgresStore) ListPendingReallocationOlderThan(ctx context.Context, age time.Duration) ([]token.Token, error) {
	cutoff := time.Now().Add(-age)
	rows, err := s.db.Query(ctx, tokenSelectBase+`
		WHERE status = 'pending_reallocation' AND updated_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale pending_reallocation tokens: %w", err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

func (s *PostgresStore) LastVisitedDoctor(ctx context.Context, patientID string) (string, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT doctor_id FROM tokens
		WHERE patient_id = $1 AND status = 'completed'
		ORDER BY updated_at DESC LIMIT 1`, patientID)
	var doctorID string
	if err := row.Scan(&doctorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("finding last visited doctor for patient %s: %w", patientID, err)
	}
	return doctorID, true, nil
}

// --- priority.ConfigStore ---------------------------------------------

func (s *PostgresStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	row := s.db.QueryRow(ctx, `SELECT value FROM configurations WHERE key = $1`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("getting config %s: %w", key, err)
	}
	return v, true, nil
}

func (s *PostgresStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO configurations (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, value)
	if err != nil {
		return fmt.Errorf("setting config %s: %w", key, err)
	}
	return nil
}
