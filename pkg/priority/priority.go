// Package priority computes the admission priority score for an incoming
// token request. Scoring is a pure function of the request plus a small set
// of configurable base scores, which are memoized from the configuration
// store with a short TTL so every request doesn't round-trip to Postgres.
package priority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/wisbric/opdtoken/pkg/token"
)

// Level buckets a final score into a coarse urgency tier for display. The
// AllocationEngine decides on FinalScore and Source, not on Level.
type Level string

const (
	LevelEmergency Level = "emergency"
	LevelHigh      Level = "high"
	LevelMedium    Level = "medium"
	LevelLow       Level = "low"
)

// defaultBaseScores are the fallback per-source base scores used when the
// configuration store has no override for "priority.<source>.base_score".
var defaultBaseScores = map[token.Source]int{
	token.SourceEmergency: 1000,
	token.SourcePriority:  800,
	token.SourceFollowup:  600,
	token.SourceOnline:    400,
	token.SourceWalkin:    200,
}

// MedicalHistory summarizes the patient-history flags that affect scoring.
type MedicalHistory struct {
	Critical bool
	Chronic  bool
}

// PatientInfo is the subset of the patient record the priority engine and
// the allocation engine's continuity checks need.
type PatientInfo struct {
	Age             int
	History         MedicalHistory
	Conditions      []string
	UrgencyLevel    string // scored: "emergency", "critical", "urgent", "moderate"; others add nothing
	IsPregnant      bool
	HasDisability   bool
	FollowupUrgency string // "", "routine", "moderate", "urgent"

	// LastVisitedDoctor is not used in scoring; AllocationEngine reads it to
	// decide whether continuity-of-care applies to a follow-up request.
	LastVisitedDoctor string
}

// Adjustment records one rule's contribution to the final score.
type Adjustment struct {
	Label string
	Delta int
}

// Result is the full, explainable output of ComputePriority.
type Result struct {
	BaseScore   int
	Adjustments []Adjustment
	FinalScore  int
	Level       Level
}

// ConfigStore resolves runtime configuration overrides by key. It is
// satisfied by internal/opddb's Postgres-backed store and its in-memory
// test double.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, bool, error)
}

// Engine computes priority scores, caching per-source base-score lookups.
type Engine struct {
	configStore ConfigStore
	cache       *cache.Cache
	logger      *slog.Logger
}

// NewEngine builds a priority Engine. Base-score overrides are cached for 5
// minutes, matching the operational expectation that config changes need
// not take effect instantly.
func NewEngine(configStore ConfigStore, logger *slog.Logger) *Engine {
	return &Engine{
		configStore: configStore,
		cache:       cache.New(5*time.Minute, 10*time.Minute),
		logger:      logger,
	}
}

// Request is the input to ComputePriority.
type Request struct {
	Source         token.Source
	Patient        PatientInfo
	WaitingMinutes int
}

// ErrInvalidSource is returned by ComputePriority when req.Source is not one
// of the five known intake sources.
var ErrInvalidSource = errors.New("priority: invalid source")

// ComputePriority scores req, combining a per-source base score with a
// sequence of additive adjustment rules. It is a pure function of its
// inputs apart from the base-score lookup, which only reads external state.
func (e *Engine) ComputePriority(ctx context.Context, req Request) (Result, error) {
	if !req.Source.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidSource, req.Source)
	}

	if req.WaitingMinutes < 0 {
		req.WaitingMinutes = 0
	}

	base, err := e.baseScore(ctx, req.Source)
	if err != nil {
		return Result{}, fmt.Errorf("resolving base score for source %q: %w", req.Source, err)
	}

	var adjustments []Adjustment
	total := base
	for _, rule := range rules {
		if adj, ok := rule(req); ok {
			adjustments = append(adjustments, adj)
			total += adj.Delta
		}
	}

	return Result{
		BaseScore:   base,
		Adjustments: adjustments,
		FinalScore:  total,
		Level:       levelFor(total),
	}, nil
}

func (e *Engine) baseScore(ctx context.Context, source token.Source) (int, error) {
	key := fmt.Sprintf("priority.%s.base_score", source)
	if v, found := e.cache.Get(key); found {
		return v.(int), nil
	}

	fallback := defaultBaseScores[source]

	raw, found, err := e.configStore.GetConfig(ctx, key)
	if err != nil {
		e.logger.Warn("priority: config lookup failed, using default base score", "key", key, "error", err)
		e.cache.Set(key, fallback, cache.DefaultExpiration)
		return fallback, nil
	}
	if !found {
		e.cache.Set(key, fallback, cache.DefaultExpiration)
		return fallback, nil
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		e.logger.Warn("priority: non-integer base score override, using default", "key", key, "value", raw)
		e.cache.Set(key, fallback, cache.DefaultExpiration)
		return fallback, nil
	}

	e.cache.Set(key, parsed, cache.DefaultExpiration)
	return parsed, nil
}

// levelFor buckets the final score per the level thresholds in §4.1's base
// priority table: a source's base score alone is always enough to reach the
// level the table lists beside it.
func levelFor(score int) Level {
	switch {
	case score >= 1000:
		return LevelEmergency
	case score >= 700:
		return LevelHigh
	case score >= 300:
		return LevelMedium
	default:
		return LevelLow
	}
}
