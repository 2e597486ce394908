package capacity

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wisbric/opdtoken/pkg/token"
)

type fakeStore struct {
	mu          sync.Mutex
	allocation  map[string]int
	maxCapacity map[string]int
	tokenNum    map[string]int
	candidates  map[string][]token.Token
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		allocation:  make(map[string]int),
		maxCapacity: make(map[string]int),
		tokenNum:    make(map[string]int),
		candidates:  make(map[string][]token.Token),
	}
}

func (f *fakeStore) Reserve(_ context.Context, slotID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allocation[slotID] >= f.maxCapacity[slotID] {
		return 0, ErrSlotAtCapacity
	}
	f.allocation[slotID]++
	return f.allocation[slotID], nil
}

func (f *fakeStore) ReserveOverride(_ context.Context, slotID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocation[slotID]++
	return f.allocation[slotID], nil
}

func (f *fakeStore) Release(_ context.Context, slotID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allocation[slotID] <= 0 {
		return 0, ErrNothingToRelease
	}
	f.allocation[slotID]--
	return f.allocation[slotID], nil
}

func (f *fakeStore) NextTokenNumber(_ context.Context, slotID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenNum[slotID]++
	return f.tokenNum[slotID], nil
}

func (f *fakeStore) ListPreemptionCandidates(_ context.Context, slotID string) ([]token.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candidates[slotID], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGuard_Reserve_MaxCapacityOne(t *testing.T) {
	store := newFakeStore()
	store.maxCapacity["s1"] = 1
	g := NewGuard(store, testLogger(), 200)

	if _, err := g.Reserve(context.Background(), "s1"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	if _, err := g.Reserve(context.Background(), "s1"); err == nil {
		t.Fatal("second reserve on a capacity-1 slot succeeded, want ErrSlotAtCapacity")
	}
}

func TestGuard_ReleaseThenReserve(t *testing.T) {
	store := newFakeStore()
	store.maxCapacity["s1"] = 1
	g := NewGuard(store, testLogger(), 200)

	if _, err := g.Reserve(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Release(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Reserve(context.Background(), "s1"); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestGuard_Reserve_ConcurrentContention(t *testing.T) {
	store := newFakeStore()
	store.maxCapacity["s1"] = 5

	g := NewGuard(store, testLogger(), 200)

	var wg sync.WaitGroup
	successes := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Reserve(context.Background(), "s1")
			successes <- err == nil
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for ok := range successes {
		if ok {
			count++
		}
	}
	if count != 5 {
		t.Errorf("succeeded reservations = %d, want 5 (max capacity)", count)
	}
	if store.allocation["s1"] != 5 {
		t.Errorf("final allocation = %d, want 5", store.allocation["s1"])
	}
}

func TestGuard_PreemptLowest_RespectsMargin(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	store.candidates["s1"] = []token.Token{
		{TokenID: "t1", Priority: 100, CreatedAt: now},
		{TokenID: "t2", Priority: 150, CreatedAt: now.Add(time.Minute)},
	}
	g := NewGuard(store, testLogger(), 200)

	_, found, err := g.PreemptLowest(context.Background(), "s1", 250)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected no eligible candidate: margin of 200 not exceeded by a 150-point gap")
	}

	victim, found, err := g.PreemptLowest(context.Background(), "s1", 400)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected an eligible candidate: 300-point gap exceeds margin of 200")
	}
	if victim.TokenID != "t1" {
		t.Errorf("victim = %s, want t1 (lowest priority)", victim.TokenID)
	}
}

func TestGuard_PreemptLowest_NoneEligible(t *testing.T) {
	store := newFakeStore()
	g := NewGuard(store, testLogger(), 200)

	_, found, err := g.PreemptLowest(context.Background(), "empty-slot", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected no candidate for an empty slot")
	}
}
