package opddb

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/opdtoken/pkg/slot"
	"github.com/wisbric/opdtoken/pkg/token"
)

const tokenSelectBase = `
		SELECT token_id, patient_id, doctor_id, slot_id, token_number, source, priority, status, metadata, created_at, updated_at
		FROM tokens`

// rowScanner is satisfied by both pgx.Row and the *pgx.Rows cursor, letting
// scanToken/scanSlot serve both a single QueryRow call and a Next() loop.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (token.Token, error) {
	var (
		t          token.Token
		source     string
		status     string
		metaJSON   []byte
	)
	err := row.Scan(&t.TokenID, &t.PatientID, &t.DoctorID, &t.SlotID, &t.TokenNumber,
		&source, &t.Priority, &status, &metaJSON, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return token.Token{}, err
	}
	t.Source = token.Source(source)
	t.Status = token.Status(status)
	if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
		return token.Token{}, fmt.Errorf("unmarshaling token metadata: %w", err)
	}
	return t, nil
}

func scanOptionalToken(row rowScanner) (token.Token, bool, error) {
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return token.Token{}, false, nil
		}
		return token.Token{}, false, err
	}
	return t, true, nil
}

func scanTokens(rows pgx.Rows) ([]token.Token, error) {
	var out []token.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning token row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanSlot(row rowScanner) (slot.Slot, error) {
	var (
		s          slot.Slot
		status     string
		metaJSON   []byte
	)
	err := row.Scan(&s.SlotID, &s.DoctorID, &s.Department, &s.Date, &s.StartTime, &s.EndTime,
		&s.MaxCapacity, &s.CurrentAllocation, &s.LastTokenNumber, &status, &metaJSON, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return slot.Slot{}, err
	}
	s.Status = slot.Status(status)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &s.Metadata); err != nil {
			return slot.Slot{}, fmt.Errorf("unmarshaling slot metadata: %w", err)
		}
	}
	return s, nil
}

func scanSlots(rows pgx.Rows) ([]slot.Slot, error) {
	var out []slot.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning slot row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// weeklyScheduleJSON is the on-disk shape of doctor_schedules.weekly_schedule:
// a map of weekday name to an ordered list of templates.
type weeklyScheduleJSON map[string][]struct {
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`
	MaxCapacity int    `json:"maxCapacity"`
	SlotType    string `json:"slotType"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

func unmarshalWeekly(raw []byte) (map[time.Weekday][]slot.WeeklyTemplate, error) {
	var parsed weeklyScheduleJSON
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	out := make(map[time.Weekday][]slot.WeeklyTemplate, len(parsed))
	for dayName, templates := range parsed {
		day, ok := weekdayNames[dayName]
		if !ok {
			continue
		}
		tmpls := make([]slot.WeeklyTemplate, 0, len(templates))
		for _, t := range templates {
			tmpls = append(tmpls, slot.WeeklyTemplate{
				StartTime:   t.StartTime,
				EndTime:     t.EndTime,
				MaxCapacity: t.MaxCapacity,
				Type:        slot.Type(t.SlotType),
			})
		}
		out[day] = tmpls
	}
	return out, nil
}

// MarshalWeekly encodes a weekly template map into the JSON shape
// doctor_schedules.weekly_schedule expects. Exported for seed provisioning,
// which writes doctor_schedules rows directly rather than through a Store
// method (the CORE Store contract has no schedule-write operation — schedules
// are authored out-of-band per spec.md §3).
func MarshalWeekly(weekly map[time.Weekday][]slot.WeeklyTemplate) ([]byte, error) {
	named := make(weeklyScheduleJSON, len(weekly))
	names := map[time.Weekday]string{
		time.Sunday: "sunday", time.Monday: "monday", time.Tuesday: "tuesday",
		time.Wednesday: "wednesday", time.Thursday: "thursday", time.Friday: "friday", time.Saturday: "saturday",
	}
	for day, templates := range weekly {
		entries := make([]struct {
			StartTime   string `json:"startTime"`
			EndTime     string `json:"endTime"`
			MaxCapacity int    `json:"maxCapacity"`
			SlotType    string `json:"slotType"`
		}, 0, len(templates))
		for _, t := range templates {
			entries = append(entries, struct {
				StartTime   string `json:"startTime"`
				EndTime     string `json:"endTime"`
				MaxCapacity int    `json:"maxCapacity"`
				SlotType    string `json:"slotType"`
			}{t.StartTime, t.EndTime, t.MaxCapacity, string(t.Type)})
		}
		named[names[day]] = entries
	}
	return json.Marshal(named)
}
