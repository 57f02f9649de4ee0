package treasury

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingJournal struct {
	mu     sync.Mutex
	events []Event
	last   State
}

func (j *recordingJournal) RecordTreasury(_ context.Context, st State, ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	j.last = st
	return nil
}

func (j *recordingJournal) kinds() []EventKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]EventKind, 0, len(j.events))
	for _, ev := range j.events {
		out = append(out, ev.Kind)
	}
	return out
}

func smallConfig() Config {
	return Config{
		GenesisAllocation:   1000,
		ReleaseThresholdBps: 3000,
		CriticalBelow:       100,
		HealthyAbove:        500,
		CriticalRunwayDays:  90,
		OpportunisticDays:   30,
		BurnWindowDays:      7,
		MintAuthority:       true,
	}
}

func settle(t *testing.T, a *Allocator, job string, amount int64) Allocation {
	t.Helper()
	ctx := context.Background()
	alloc, err := a.Reserve(ctx, job, amount)
	require.NoError(t, err)
	_, err = a.Commit(ctx, job, "tx-"+job)
	require.NoError(t, err)
	return alloc
}

func TestGenesisThenMinting(t *testing.T) {
	j := &recordingJournal{}
	a := New(smallConfig(), nil, j, nil)

	for i, job := range []string{"a", "b", "c"} {
		alloc := settle(t, a, job, 100)
		assert.Equal(t, SourceGenesis, alloc.Source, "settlement %d", i)
	}
	st := a.Snapshot()
	assert.True(t, st.MintingEnabled, "thirty percent of genesis released")
	assert.Equal(t, int64(300), st.Released)
	assert.Equal(t, int64(700), st.Balance)

	alloc := settle(t, a, "d", 50)
	assert.Equal(t, SourceMint, alloc.Source)

	st = a.Snapshot()
	assert.Equal(t, int64(300), st.Released, "genesis pool no longer drawn")
	assert.Equal(t, int64(50), st.Minted)
	assert.Equal(t, int64(350), st.PaidOut)
	assert.Equal(t, int64(1050), st.Supply())
	assert.Contains(t, j.kinds(), EventMintingEnabled)
}

func TestMintingFlagIsMonotone(t *testing.T) {
	a := New(smallConfig(), &State{GenesisAllocation: 1000, Balance: 700, Released: 300, MintingEnabled: true}, nil, nil)
	ctx := context.Background()

	_, err := a.Reserve(ctx, "x", 10)
	require.NoError(t, err)
	a.Release("x")
	a.Replenish(ctx)
	settle(t, a, "y", 10)

	assert.True(t, a.Snapshot().MintingEnabled)
}

func TestPoolExhaustionEnablesMinting(t *testing.T) {
	cfg := smallConfig()
	cfg.GenesisAllocation = 100
	cfg.ReleaseThresholdBps = 10000
	a := New(cfg, nil, nil, nil)

	alloc, err := a.Reserve(context.Background(), "big", 150)
	require.NoError(t, err)
	assert.Equal(t, SourceMint, alloc.Source)
	assert.True(t, a.Snapshot().MintingEnabled)
	assert.Equal(t, int64(100), a.Snapshot().Balance)
}

func TestExhaustedWithoutMintAuthority(t *testing.T) {
	cfg := smallConfig()
	cfg.GenesisAllocation = 100
	cfg.ReleaseThresholdBps = 10000
	cfg.MintAuthority = false
	a := New(cfg, nil, nil, nil)

	ctx := context.Background()

	_, err := a.Reserve(ctx, "big", 150)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.False(t, a.Snapshot().MintingEnabled)
	assert.Equal(t, int64(100), a.Snapshot().Balance)

	// The remaining pool still pays what it can cover.
	small, err := a.Reserve(ctx, "small", 60)
	require.NoError(t, err)
	assert.Equal(t, SourceGenesis, small.Source)
	_, err = a.Commit(ctx, "small", "tx-small")
	require.NoError(t, err)

	last, err := a.Reserve(ctx, "last", 40)
	require.NoError(t, err)
	assert.Equal(t, SourceGenesis, last.Source)
	_, err = a.Commit(ctx, "last", "tx-last")
	require.NoError(t, err)

	// An empty pool does switch over, and without authority nothing pays.
	st := a.Snapshot()
	assert.Zero(t, st.Balance)
	assert.True(t, st.MintingEnabled)
	_, err = a.Reserve(ctx, "after", 1)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestReserveIsIdempotentPerJob(t *testing.T) {
	a := New(smallConfig(), nil, nil, nil)
	ctx := context.Background()

	first, err := a.Reserve(ctx, "job", 100)
	require.NoError(t, err)
	second, err := a.Reserve(ctx, "job", 120)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(900), a.Snapshot().Balance)

	a.Release("job")
	assert.Equal(t, int64(1000), a.Snapshot().Balance)

	_, err = a.Commit(ctx, "job", "tx")
	assert.ErrorIs(t, err, ErrNotReserved)
	assert.Equal(t, int64(0), a.Snapshot().PaidOut)
}

func TestInvalidAmount(t *testing.T) {
	a := New(smallConfig(), nil, nil, nil)
	_, err := a.Reserve(context.Background(), "job", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestReplenishTiers(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		balance  int64
		wantTier Tier
		wantDays int64
	}{
		{"critical", 50, TierCritical, 90},
		{"opportunistic", 300, TierOpportunistic, 30},
		{"healthy", 800, TierHealthy, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &recordingJournal{}
			a := New(smallConfig(), &State{GenesisAllocation: 1000, Balance: tt.balance, MintingEnabled: true}, j, nil)
			a.SetClock(func() time.Time { return now })
			settle(t, a, "burn", 700)

			r := a.Replenish(context.Background())
			assert.Equal(t, tt.wantTier, r.Tier)
			assert.Equal(t, int64(100), r.AvgDailyBurn)
			assert.Equal(t, tt.wantDays, r.RunwayDays)
			assert.Equal(t, tt.wantDays*100, r.Amount)
			assert.Equal(t, r.Amount > 0, r.Executed)

			st := a.Snapshot()
			assert.Equal(t, tt.balance+r.Amount, st.Balance)
			assert.Equal(t, int64(700)+r.Amount, st.Minted)
			assert.Equal(t, r.Amount, st.Replenished)
		})
	}
}

func TestReplenishWaitsForMinting(t *testing.T) {
	a := New(smallConfig(), &State{GenesisAllocation: 1000, Balance: 50}, nil, nil)
	settle(t, a, "burn", 20)

	r := a.Replenish(context.Background())
	assert.Equal(t, TierCritical, r.Tier)
	assert.False(t, r.Executed)
	assert.Equal(t, int64(0), a.Snapshot().Replenished)
}

func TestBurnWindowDropsOldDays(t *testing.T) {
	day := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := day
	a := New(smallConfig(), &State{GenesisAllocation: 1000, Balance: 800, MintingEnabled: true}, nil, nil)
	a.SetClock(func() time.Time { return clock })
	settle(t, a, "old", 700)

	clock = day.Add(8 * 24 * time.Hour)
	r := a.Replenish(context.Background())
	assert.Equal(t, int64(0), r.AvgDailyBurn)
}

func TestConcurrentReservations(t *testing.T) {
	a := New(smallConfig(), nil, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.Reserve(ctx, "same", 10)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(990), a.Snapshot().Balance)
}
