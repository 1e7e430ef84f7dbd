package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bestguess/internal/lock"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	locks := lock.NewManager(rdb, zerolog.Nop(), lock.WithRetry(100, 2*time.Millisecond, time.Millisecond))
	store := NewStore(rdb, locks, nil, testCatalog(), zerolog.Nop(), nil)
	return mr, store
}

func TestReadAbsent(t *testing.T) {
	_, store := newTestStore(t)
	if _, err := store.Read(context.Background(), "nobody"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("want ErrStateNotFound, got %v", err)
	}
}

func TestGetOrCreate(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	created, err := store.GetOrCreate(ctx, "p1", "Alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.PlayerID != "p1" || created.DisplayName != "Alice" {
		t.Fatalf("created state: %+v", created)
	}
	if len(created.DailyQuests) != 2 {
		t.Fatalf("quests seeded: %d, want 2", len(created.DailyQuests))
	}

	// A second call returns the existing document.
	again, err := store.GetOrCreate(ctx, "p1", "Renamed")
	if err != nil {
		t.Fatalf("get existing: %v", err)
	}
	if again.DisplayName != "Alice" {
		t.Errorf("existing document overwritten: %q", again.DisplayName)
	}
}

func TestSpendGemAdvancesConsumptionAchievement(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, "p1", "Alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Earn(ctx, "p1", CurrencyGem, 60); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Earn(ctx, "p1", CurrencyGold, 100); err != nil {
		t.Fatal(err)
	}

	state, err := store.Spend(ctx, "p1", CurrencyGem, 30)
	if err != nil {
		t.Fatalf("spend gem: %v", err)
	}
	ach := state.achievementByID(11)
	if ach == nil || ach.Amount != 30 || ach.Claimable {
		t.Fatalf("after first gem spend: %+v", ach)
	}

	// Gold spending does not touch the gem-consumption achievement.
	if _, err := store.Spend(ctx, "p1", CurrencyGold, 50); err != nil {
		t.Fatal(err)
	}
	state, _ = store.Read(ctx, "p1")
	if ach := state.achievementByID(11); ach.Amount != 30 {
		t.Fatalf("gold spend moved gem achievement: %+v", ach)
	}

	// Progress caps at the target and becomes claimable.
	state, err = store.Spend(ctx, "p1", CurrencyGem, 25)
	if err != nil {
		t.Fatal(err)
	}
	ach = state.achievementByID(11)
	if ach.Amount != 50 || !ach.Claimable {
		t.Fatalf("after crossing target: %+v", ach)
	}
}

func TestEarnSpendRoundTrip(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, "p1", "Alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Earn(ctx, "p1", CurrencyGold, 100); err != nil {
		t.Fatalf("earn: %v", err)
	}

	if _, err := store.Spend(ctx, "p1", CurrencyGold, 150); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdraft: want ErrInsufficientBalance, got %v", err)
	}

	state, err := store.Read(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Gold != 100 {
		t.Fatalf("failed spend changed committed balance: %d", state.Gold)
	}

	if _, err := store.Spend(ctx, "p1", CurrencyGold, 60); err != nil {
		t.Fatalf("spend: %v", err)
	}
	state, _ = store.Read(ctx, "p1")
	if state.Gold != 40 {
		t.Fatalf("balance=%d, want 40", state.Gold)
	}
}

func TestConcurrentEarnNoLostUpdates(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, "p1", "Alice"); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	const perWorker = 5

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := store.Earn(ctx, "p1", CurrencyGold, 10); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent earn: %v", err)
	}

	state, err := store.Read(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(workers * perWorker * 10); state.Gold != want {
		t.Fatalf("balance=%d, want %d (lost updates)", state.Gold, want)
	}
}

func TestMutationMaterializesLazyReset(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	now := base
	store.now = func() time.Time { return now }

	if _, err := store.GetOrCreate(ctx, "p1", "Alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Earn(ctx, "p1", CurrencyGold, 100); err != nil {
		t.Fatal(err)
	}

	// Cross the daily boundary: the next mutation applies the reset first.
	now = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	state, err := store.Earn(ctx, "p1", CurrencyGold, 5)
	if err != nil {
		t.Fatal(err)
	}
	if state.Stats.DailyGoldEarn != 5 {
		t.Errorf("daily earn=%d, want 5 (reset then earn)", state.Stats.DailyGoldEarn)
	}
	if state.Stats.TotalGoldEarn != 105 {
		t.Errorf("total earn=%d, want 105", state.Stats.TotalGoldEarn)
	}

	// The committed document carries the reset too.
	persisted, err := store.Read(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if persisted.Stats.DailyGoldEarn != 5 {
		t.Errorf("persisted daily earn=%d, want 5", persisted.Stats.DailyGoldEarn)
	}
}

func TestApplySettlementStore(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, "p1", "Alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Earn(ctx, "p1", CurrencyGold, 50); err != nil {
		t.Fatal(err)
	}

	out, err := store.ApplySettlement(ctx, "p1", true, 20)
	if err != nil {
		t.Fatalf("apply settlement: %v", err)
	}
	if out.GoldDelta != 20 || len(out.BoardDeltas) != 9 {
		t.Fatalf("outcome: %+v", out)
	}

	state, _ := store.Read(ctx, "p1")
	if state.Gold != 70 {
		t.Fatalf("balance=%d, want 70", state.Gold)
	}
}
