// Package seed provisions a handful of departments, doctors, weekly
// schedules, and generated slots for today and tomorrow for local development and manual
// testing of the allocation API, the way the on-call stack's demo seeder
// provisions a sample tenant.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/opdtoken/internal/opddb"
	"github.com/wisbric/opdtoken/pkg/slot"
)

type doctorSpec struct {
	id, name, department string
	emergencyAvailable   bool
	weekly               map[time.Weekday][]slot.WeeklyTemplate
}

// RunDemo provisions demo doctors, weekly schedules, and generated slots
// for today and tomorrow against db. It is idempotent: doctors are upserted by id and slot
// generation reconciles existing rows rather than duplicating them.
func RunDemo(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	weekdays := func(tmpl ...slot.WeeklyTemplate) map[time.Weekday][]slot.WeeklyTemplate {
		m := make(map[time.Weekday][]slot.WeeklyTemplate)
		for _, d := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday} {
			m[d] = tmpl
		}
		return m
	}

	specs := []doctorSpec{
		{
			id: "doc_cardio_1", name: "Dr. Amara Okafor", department: "cardiology",
			emergencyAvailable: true,
			weekly: weekdays(
				slot.WeeklyTemplate{StartTime: "09:00", EndTime: "13:00", MaxCapacity: 20, Type: slot.TypeRegular},
				slot.WeeklyTemplate{StartTime: "14:00", EndTime: "17:00", MaxCapacity: 15, Type: slot.TypeRegular},
			),
		},
		{
			id: "doc_cardio_2", name: "Dr. Priya Raman", department: "cardiology",
			emergencyAvailable: false,
			weekly: weekdays(
				slot.WeeklyTemplate{StartTime: "10:00", EndTime: "13:00", MaxCapacity: 12, Type: slot.TypeRegular},
			),
		},
		{
			id: "doc_peds_1", name: "Dr. Luis Fernandez", department: "pediatrics",
			emergencyAvailable: true,
			weekly: weekdays(
				slot.WeeklyTemplate{StartTime: "09:00", EndTime: "12:00", MaxCapacity: 18, Type: slot.TypeRegular},
				slot.WeeklyTemplate{StartTime: "13:00", EndTime: "16:00", MaxCapacity: 10, Type: slot.TypeEmergencyReserved},
			),
		},
		{
			id: "doc_ortho_1", name: "Dr. Helena Kask", department: "orthopedics",
			emergencyAvailable: false,
			weekly: weekdays(
				slot.WeeklyTemplate{StartTime: "08:30", EndTime: "12:30", MaxCapacity: 16, Type: slot.TypeRegular},
			),
		},
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	for _, d := range specs {
		if _, err := conn.Exec(ctx, `
			INSERT INTO doctors (id, name, department, is_active)
			VALUES ($1, $2, $3, true)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, department = EXCLUDED.department`,
			d.id, d.name, d.department); err != nil {
			return fmt.Errorf("seeding doctor %s: %w", d.id, err)
		}

		weeklyJSON, err := opddb.MarshalWeekly(d.weekly)
		if err != nil {
			return fmt.Errorf("marshaling weekly schedule for %s: %w", d.id, err)
		}
		if _, err := conn.Exec(ctx, `
			INSERT INTO doctor_schedules (doctor_id, department, weekly_schedule, is_active, effective_from, emergency_available)
			VALUES ($1, $2, $3, true, $4, $5)
			ON CONFLICT (doctor_id) DO UPDATE SET
			  department          = EXCLUDED.department,
			  weekly_schedule      = EXCLUDED.weekly_schedule,
			  emergency_available  = EXCLUDED.emergency_available,
			  updated_at           = now()`,
			d.id, d.department, weeklyJSON, time.Now().Add(-30*24*time.Hour), d.emergencyAvailable); err != nil {
			return fmt.Errorf("seeding schedule for %s: %w", d.id, err)
		}
	}
	logger.Info("seed-demo: provisioned doctors and schedules", "count", len(specs))

	store := opddb.NewPostgresStore(pool)
	lifecycle := slot.NewLifecycle(store, logger)

	today := time.Now()
	generated, err := lifecycle.GenerateForDate(ctx, today)
	if err != nil {
		return fmt.Errorf("generating today's slots: %w", err)
	}
	tomorrow, err := lifecycle.GenerateForDate(ctx, today.Add(24*time.Hour))
	if err != nil {
		return fmt.Errorf("generating tomorrow's slots: %w", err)
	}
	logger.Info("seed-demo: generated slots", "today", len(generated), "tomorrow", len(tomorrow))

	logger.Info("seed-demo: completed", "doctors", len(specs))
	return nil
}
