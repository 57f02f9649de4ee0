package settlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("m1")
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Zero(t, k.size())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := k.Lock("b")
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
}

func TestBusHistoryAndSubscribers(t *testing.T) {
	b := NewBus(3)
	var missed []string
	b.OnDrop(func(sub string, ev Event) { missed = append(missed, sub+":"+ev.JobHash) })
	ch, cancel := b.SubscribeAs("audit", 1)

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventJobSubmitted, JobHash: string(rune('a' + i))})
	}

	recent := b.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "c", recent[0].JobHash)
	assert.Equal(t, "e", recent[2].JobHash)
	assert.False(t, recent[0].At.IsZero())

	// The buffer held only the first event; the rest were dropped.
	ev := <-ch
	assert.Equal(t, "a", ev.JobHash)
	assert.Equal(t, int64(4), b.Dropped("audit"))
	assert.Zero(t, b.Dropped("anonymous"))
	assert.Equal(t, []string{"audit:b", "audit:c", "audit:d", "audit:e"}, missed)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestDeriveActivity(t *testing.T) {
	cfg := ActivityConfig{Window: time.Hour, Baseline: 36000}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	empty := Derive(ActivityTotals{}, cfg, at)
	assert.Equal(t, 1.0, empty.Ratio)

	busy := Derive(ActivityTotals{WorkSeconds: 72000, ActiveMachines: 20, CompletedJobs: 40}, cfg, at)
	assert.Equal(t, 72000.0, busy.WorkRate)
	assert.Equal(t, 2.0, busy.Ratio)

	half := Derive(ActivityTotals{WorkSeconds: 9000}, ActivityConfig{Window: 30 * time.Minute, Baseline: 36000}, at)
	assert.Equal(t, 18000.0, half.WorkRate)
	assert.Equal(t, 0.5, half.Ratio)
}

type countingSource struct {
	calls  atomic.Int32
	totals ActivityTotals
	err    error
}

func (c *countingSource) AggregateActivity(context.Context, time.Time) (ActivityTotals, error) {
	c.calls.Add(1)
	return c.totals, c.err
}

func TestActivityTrackerCachesForTTL(t *testing.T) {
	src := &countingSource{totals: ActivityTotals{WorkSeconds: 36000}}
	tr := NewActivityTracker(src, ActivityConfig{Window: time.Hour, Baseline: 36000, TTL: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	s, err := tr.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Ratio)
	_, _ = tr.Snapshot(context.Background())
	assert.Equal(t, int32(1), src.calls.Load())

	now = now.Add(2 * time.Minute)
	_, _ = tr.Snapshot(context.Background())
	assert.Equal(t, int32(2), src.calls.Load())

	tr.Invalidate()
	_, _ = tr.Snapshot(context.Background())
	assert.Equal(t, int32(3), src.calls.Load())

	src.err = errors.New("db down")
	tr.Invalidate()
	_, err = tr.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestErrorMatchingByCode(t *testing.T) {
	err := ErrStaleProof.Withf("proof is 10m old")
	assert.ErrorIs(t, err, ErrStaleProof)
	assert.NotErrorIs(t, err, ErrDurationTooShort)
	assert.Equal(t, KindProof, KindOf(err))
	assert.Equal(t, "stale_proof", CodeOf(err))

	plain := errors.New("connection reset")
	wrapped := storageErr(plain)
	assert.ErrorIs(t, wrapped, ErrStorage)
	assert.ErrorIs(t, wrapped, plain)
	assert.Equal(t, KindInfrastructure, KindOf(plain))
	assert.Equal(t, "internal_error", CodeOf(plain))
	assert.Same(t, ErrJobNotFound, storageErr(ErrJobNotFound))
}

func TestSplitWorkerAbsorbsRounding(t *testing.T) {
	o := &Orchestrator{cfg: DefaultConfig()}
	f := o.split(1_000_000_001)
	assert.Equal(t, int64(30_000_000), f.TreasuryFee)
	assert.Equal(t, int64(20_000_000), f.FounderFee)
	assert.Equal(t, int64(950_000_001), f.Worker)
	assert.Equal(t, f.Gross, f.Worker+f.TreasuryFee+f.FounderFee)
}
