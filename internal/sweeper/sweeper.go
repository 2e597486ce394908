// Package sweeper runs the two background loops the allocation engine
// depends on but never drives itself: daily slot generation ahead of demand,
// and a periodic sweep for tokens stuck in pending_reallocation. Both loops
// follow the ticker-plus-ctx.Done shape the on-call stack's escalation
// engine uses for its periodic work.
package sweeper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/opdtoken/pkg/slot"
	"github.com/wisbric/opdtoken/pkg/token"
)

const staleReallocationStream = "opdtoken:pending_reallocation:stale"

// SlotGenerator materializes tomorrow's slots once a day so AllocateTargeted
// and AllocateDepartment never need to generate on the hot path except when
// a department-smart search runs past the horizon.
type SlotGenerator struct {
	lifecycle *slot.Lifecycle
	logger    *slog.Logger
	interval  time.Duration
}

// NewSlotGenerator builds a SlotGenerator. interval defaults to 24h.
func NewSlotGenerator(lifecycle *slot.Lifecycle, logger *slog.Logger, interval time.Duration) *SlotGenerator {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &SlotGenerator{lifecycle: lifecycle, logger: logger, interval: interval}
}

// Run generates tomorrow's slots immediately, then again on every tick,
// until ctx is cancelled.
func (g *SlotGenerator) Run(ctx context.Context) {
	g.logger.Info("sweeper: slot generator started", "interval", g.interval)
	g.generateTomorrow(ctx)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("sweeper: slot generator stopped")
			return
		case <-ticker.C:
			g.generateTomorrow(ctx)
		}
	}
}

func (g *SlotGenerator) generateTomorrow(ctx context.Context) {
	tomorrow := time.Now().UTC().AddDate(0, 0, 1)
	generated, err := g.lifecycle.GenerateForDate(ctx, tomorrow)
	if err != nil {
		g.logger.Error("sweeper: generating tomorrow's slots failed", "error", err)
		return
	}
	g.logger.Info("sweeper: generated slots", "date", tomorrow.Format("2006-01-02"), "count", len(generated))
}

// StaleReallocationSweeper finds tokens that have sat in pending_reallocation
// past age and routes them to a dead-letter stream, since the engine itself
// has already exhausted its own reallocation attempt by the time a token
// reaches this state.
type StaleReallocationSweeper struct {
	tokens   token.Store
	rdb      *redis.Client
	logger   *slog.Logger
	interval time.Duration
	maxAge   time.Duration
}

// NewStaleReallocationSweeper builds a StaleReallocationSweeper. interval
// defaults to 5 minutes, maxAge to 10 minutes, matching the background-task
// cadence the allocation engine's design assumes.
func NewStaleReallocationSweeper(tokens token.Store, rdb *redis.Client, logger *slog.Logger, interval, maxAge time.Duration) *StaleReallocationSweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &StaleReallocationSweeper{tokens: tokens, rdb: rdb, logger: logger, interval: interval, maxAge: maxAge}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *StaleReallocationSweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper: stale reallocation sweeper started", "interval", s.interval, "max_age", s.maxAge)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper: stale reallocation sweeper stopped")
			return
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("sweeper: stale reallocation tick failed", "error", err)
			}
		}
	}
}

func (s *StaleReallocationSweeper) tick(ctx context.Context) error {
	stale, err := s.tokens.ListPendingReallocationOlderThan(ctx, s.maxAge)
	if err != nil {
		return err
	}
	for _, t := range stale {
		payload, err := json.Marshal(map[string]any{
			"tokenId":   t.TokenID,
			"patientId": t.PatientID,
			"slotId":    t.SlotID,
			"stuckSince": t.UpdatedAt,
		})
		if err != nil {
			s.logger.Error("sweeper: marshaling stale token failed", "token_id", t.TokenID, "error", err)
			continue
		}
		if err := s.rdb.Publish(ctx, staleReallocationStream, payload).Err(); err != nil {
			s.logger.Error("sweeper: publishing stale token failed", "token_id", t.TokenID, "error", err)
			continue
		}
		s.logger.Warn("sweeper: routed stale pending_reallocation token to dead-letter stream", "token_id", t.TokenID)
	}
	return nil
}
