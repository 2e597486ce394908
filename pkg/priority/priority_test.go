package priority

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/wisbric/opdtoken/pkg/token"
)

type fakeConfigStore struct {
	values map[string]string
}

func (f *fakeConfigStore) GetConfig(_ context.Context, key string) (string, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func newTestEngine(overrides map[string]string) *Engine {
	if overrides == nil {
		overrides = map[string]string{}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(&fakeConfigStore{values: overrides}, logger)
}

func TestComputePriority_BaseScoresAndLevels(t *testing.T) {
	e := newTestEngine(nil)

	cases := []struct {
		source token.Source
		score  int
		level  Level
	}{
		{token.SourceEmergency, 1000, LevelEmergency},
		{token.SourcePriority, 800, LevelHigh},
		{token.SourceFollowup, 600, LevelMedium},
		{token.SourceOnline, 400, LevelMedium},
		{token.SourceWalkin, 200, LevelLow},
	}

	for _, tc := range cases {
		res, err := e.ComputePriority(context.Background(), Request{Source: tc.source})
		if err != nil {
			t.Fatalf("source %s: %v", tc.source, err)
		}
		if res.FinalScore != tc.score {
			t.Errorf("source %s: FinalScore = %d, want %d", tc.source, res.FinalScore, tc.score)
		}
		if res.Level != tc.level {
			t.Errorf("source %s: Level = %s, want %s", tc.source, res.Level, tc.level)
		}
	}
}

func TestComputePriority_InvalidSource(t *testing.T) {
	e := newTestEngine(nil)
	_, err := e.ComputePriority(context.Background(), Request{Source: "bogus"})
	if err == nil {
		t.Fatal("expected an error for an unknown source")
	}
}

func TestComputePriority_ConfigOverride(t *testing.T) {
	e := newTestEngine(map[string]string{"priority.online.base_score": "150"})

	res, err := e.ComputePriority(context.Background(), Request{Source: token.SourceOnline})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalScore != 150 {
		t.Errorf("FinalScore = %d, want 150", res.FinalScore)
	}
}

func TestWaitingTimeRule_Boundary(t *testing.T) {
	e := newTestEngine(nil)

	res59, err := e.ComputePriority(context.Background(), Request{Source: token.SourceWalkin, WaitingMinutes: 59})
	if err != nil {
		t.Fatal(err)
	}
	if res59.FinalScore != 200+40 {
		t.Errorf("at 59 minutes: FinalScore = %d, want %d (capped at +40)", res59.FinalScore, 240)
	}

	res60, err := e.ComputePriority(context.Background(), Request{Source: token.SourceWalkin, WaitingMinutes: 60})
	if err != nil {
		t.Fatal(err)
	}
	if res60.FinalScore != 200+100 {
		t.Errorf("at 60 minutes: FinalScore = %d, want %d (jumps to +100)", res60.FinalScore, 300)
	}
}

func TestAgeRule_Boundary(t *testing.T) {
	e := newTestEngine(nil)

	res64, err := e.ComputePriority(context.Background(), Request{Source: token.SourceWalkin, Patient: PatientInfo{Age: 64}})
	if err != nil {
		t.Fatal(err)
	}
	if res64.FinalScore != 200 {
		t.Errorf("at age 64: FinalScore = %d, want 200 (no bonus)", res64.FinalScore)
	}

	res65, err := e.ComputePriority(context.Background(), Request{Source: token.SourceWalkin, Patient: PatientInfo{Age: 65}})
	if err != nil {
		t.Fatal(err)
	}
	if res65.FinalScore != 220 {
		t.Errorf("at age 65: FinalScore = %d, want 220 (+20 senior bonus)", res65.FinalScore)
	}
}

func TestNamedConditionRule_CaseInsensitive(t *testing.T) {
	e := newTestEngine(nil)

	res, err := e.ComputePriority(context.Background(), Request{
		Source:  token.SourceWalkin,
		Patient: PatientInfo{Conditions: []string{"Diabetes"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalScore != 200+20 {
		t.Errorf("FinalScore = %d, want 220 (case-insensitive diabetes match)", res.FinalScore)
	}
}

func TestConditionCountRule_Tiers(t *testing.T) {
	e := newTestEngine(nil)

	two, err := e.ComputePriority(context.Background(), Request{
		Source:  token.SourceWalkin,
		Patient: PatientInfo{Conditions: []string{"a", "b"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if two.FinalScore != 200+40 {
		t.Errorf("2 conditions: FinalScore = %d, want 240", two.FinalScore)
	}

	three, err := e.ComputePriority(context.Background(), Request{
		Source:  token.SourceWalkin,
		Patient: PatientInfo{Conditions: []string{"a", "b", "c"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if three.FinalScore != 200+75 {
		t.Errorf("3 conditions: FinalScore = %d, want 275", three.FinalScore)
	}
}

func TestComputePriority_NegativeWaitingMinutesClampedToZero(t *testing.T) {
	e := newTestEngine(nil)
	res, err := e.ComputePriority(context.Background(), Request{Source: token.SourceWalkin, WaitingMinutes: -10})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalScore != 200 {
		t.Errorf("FinalScore = %d, want 200 (negative waiting time clamped to 0)", res.FinalScore)
	}
}
