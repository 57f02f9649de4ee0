package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry-backend/chain"
	"foundry-backend/core/identity"
	"foundry-backend/core/reward"
	"foundry-backend/core/settlement"
	"foundry-backend/core/treasury"
	"foundry-backend/core/trust"
	"foundry-backend/storage/ledger"
)

const wallet = "RecipientWa11et111111111111111111111111111"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type harness struct {
	orch   *settlement.Orchestrator
	store  *ledger.MemoryStore
	chain  *chain.MemoryLedger
	alloc  *treasury.Allocator
	clock  *clock
	key    identity.Keypair
	t0     time.Time
	events <-chan settlement.Event
}

func newHarness(t *testing.T, mutate func(*settlement.Config, *treasury.Config)) *harness {
	t.Helper()
	return newHarnessWithStore(t, nil, mutate)
}

// newHarnessWithStore lets wrap put a store in front of the memory ledger.
func newHarnessWithStore(t *testing.T, wrap func(*ledger.MemoryStore) settlement.Store, mutate func(*settlement.Config, *treasury.Config)) *harness {
	t.Helper()
	cfg := settlement.DefaultConfig()
	tcfg := treasury.DefaultConfig()
	if mutate != nil {
		mutate(&cfg, &tcfg)
	}

	t0 := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	clk := &clock{t: t0}
	store := ledger.NewMemoryStore()
	payer := chain.NewMemoryLedger("pool", tcfg.GenesisAllocation)
	alloc := treasury.New(tcfg, nil, store, nil)
	alloc.SetClock(clk.Now)
	bus := settlement.NewBus(50)
	events, cancel := bus.Subscribe(64)
	t.Cleanup(cancel)

	var backing settlement.Store = store
	if wrap != nil {
		backing = wrap(store)
	}
	orch := settlement.New(backing, payer, alloc, cfg, settlement.WithClock(clk.Now), settlement.WithBus(bus))

	key, err := identity.Generate()
	require.NoError(t, err)

	return &harness{orch: orch, store: store, chain: payer, alloc: alloc, clock: clk, key: key, t0: t0, events: events}
}

func (h *harness) register(t *testing.T, id string) settlement.Machine {
	t.Helper()
	m, err := h.orch.RegisterMachine(context.Background(), settlement.RegisterRequest{MachineID: id, PublicKey: h.key.PublicKeyBase58()})
	require.NoError(t, err)
	return m
}

func (h *harness) submit(t *testing.T, machine, hash string) {
	t.Helper()
	_, err := h.orch.SubmitJob(context.Background(), settlement.SubmitRequest{
		MachineID:       machine,
		JobHash:         hash,
		Complexity:      1.0,
		DurationSeconds: 600,
	})
	require.NoError(t, err)
}

func (h *harness) proofAt(hash string, at time.Time) settlement.Proof {
	ts, sig := h.key.SignProof(hash, wallet, at)
	return settlement.Proof{RecipientWallet: wallet, Timestamp: ts, Signature: sig}
}

// completeAfter signs a proof at start+d and delivers it a few seconds later.
func (h *harness) completeAfter(machine, hash string, start time.Time, d time.Duration) (settlement.Settlement, error) {
	proofAt := start.Add(d)
	h.clock.Set(proofAt.Add(5 * time.Second))
	return h.orch.CompleteJob(context.Background(), settlement.CompleteRequest{
		MachineID: machine,
		JobHash:   hash,
		Proof:     h.proofAt(hash, proofAt),
	})
}

func TestNewMachineEarnsHalfDuringWarmup(t *testing.T) {
	h := newHarness(t, nil)
	m := h.register(t, "machine-a")
	assert.Equal(t, trust.MaxScore, m.Score)
	h.submit(t, "machine-a", "job-1")

	s, err := h.completeAfter("machine-a", "job-1", h.t0, 600*time.Second)
	require.NoError(t, err)

	assert.Equal(t, settlement.OutcomePaid, s.Outcome)
	assert.InDelta(t, 1.5, s.Reward, 1e-9)
	assert.Equal(t, int64(1_500_000_000), s.RewardUnits)
	assert.Equal(t, 1.0, s.ActivityRatio)
	assert.Equal(t, 0.5, s.Breakdown.Warmup)
	assert.Equal(t, string(treasury.SourceGenesis), s.Source)
	assert.NotEmpty(t, s.TxRef)

	assert.Equal(t, int64(45_000_000), s.Fees.TreasuryFee)
	assert.Equal(t, int64(30_000_000), s.Fees.FounderFee)
	assert.Equal(t, int64(1_425_000_000), s.Fees.Worker)
	assert.Equal(t, s.Fees.Worker, h.chain.Balance(wallet))
	assert.Equal(t, s.Fees.TreasuryFee, h.chain.Balance("foundry-treasury"))

	job, err := h.orch.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, job.Status)
	assert.Equal(t, s.TxRef, job.TxRef())

	machine, err := h.orch.GetMachine(context.Background(), "machine-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), machine.JobCount)

	st := h.alloc.Snapshot()
	assert.Equal(t, int64(1_500_000_000), st.PaidOut)
	assert.Equal(t, int64(1_500_000_000), st.Released)
	assert.Len(t, h.store.TreasuryEvents(), 1)
}

func TestWarmedUpMachineEarnsFullRate(t *testing.T) {
	h := newHarness(t, nil)
	m := h.register(t, "machine-b")
	m.JobCount = 40
	h.store.PutMachine(m)
	h.submit(t, "machine-b", "job-1")

	s, err := h.completeAfter("machine-b", "job-1", h.t0, 600*time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, s.Reward, 1e-9)
	assert.Equal(t, int64(3_000_000_000), s.RewardUnits)
}

func TestDuplicateCompletionMovesNoFunds(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")

	first, err := h.completeAfter("machine-a", "job-1", h.t0, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, h.chain.Transfers())

	again, err := h.completeAfter("machine-a", "job-1", h.t0, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.TxRef, again.TxRef)
	assert.Equal(t, first.RewardUnits, again.RewardUnits)
	assert.Equal(t, 1, h.chain.Transfers())
	assert.Equal(t, first.RewardUnits, h.alloc.Snapshot().PaidOut)
}

func TestStaleProofRejectsJobPermanently(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")
	ctx := context.Background()

	signedAt := h.t0.Add(10 * time.Minute)
	h.clock.Set(signedAt.Add(10 * time.Minute))
	_, err := h.orch.CompleteJob(ctx, settlement.CompleteRequest{JobHash: "job-1", Proof: h.proofAt("job-1", signedAt)})
	require.ErrorIs(t, err, settlement.ErrStaleProof)
	assert.Equal(t, settlement.KindProof, settlement.KindOf(err))

	job, err := h.orch.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusRejected, job.Status)
	assert.Equal(t, "stale_proof", job.RejectReason)

	fresh := h.clock.Now()
	_, err = h.orch.CompleteJob(ctx, settlement.CompleteRequest{JobHash: "job-1", Proof: h.proofAt("job-1", fresh)})
	assert.ErrorIs(t, err, settlement.ErrInvalidState)
	assert.Zero(t, h.chain.Transfers())
}

func TestFutureProofBeyondSkewIsStale(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")

	h.clock.Set(h.t0.Add(10 * time.Minute))
	_, err := h.orch.CompleteJob(context.Background(), settlement.CompleteRequest{
		JobHash: "job-1",
		Proof:   h.proofAt("job-1", h.t0.Add(11*time.Minute)),
	})
	assert.ErrorIs(t, err, settlement.ErrStaleProof)
}

func TestInvalidSignatureRejectsJob(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")

	other, err := identity.Generate()
	require.NoError(t, err)
	at := h.t0.Add(10 * time.Minute)
	h.clock.Set(at)
	ts, sig := other.SignProof("job-1", wallet, at)

	_, err = h.orch.CompleteJob(context.Background(), settlement.CompleteRequest{
		JobHash: "job-1",
		Proof:   settlement.Proof{RecipientWallet: wallet, Timestamp: ts, Signature: sig},
	})
	require.ErrorIs(t, err, settlement.ErrInvalidSignature)
	assert.Equal(t, settlement.KindUnauthorized, settlement.KindOf(err))

	job, err := h.orch.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusRejected, job.Status)
}

func TestTamperedWalletFailsVerification(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")

	at := h.t0.Add(10 * time.Minute)
	h.clock.Set(at)
	proof := h.proofAt("job-1", at)
	proof.RecipientWallet = "AttackerWa11et"

	_, err := h.orch.CompleteJob(context.Background(), settlement.CompleteRequest{JobHash: "job-1", Proof: proof})
	assert.ErrorIs(t, err, settlement.ErrInvalidSignature)
	assert.Zero(t, h.chain.Balance("AttackerWa11et"))
}

func TestDurationBelowMinimumIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")

	_, err := h.completeAfter("machine-a", "job-1", h.t0, 30*time.Second)
	assert.ErrorIs(t, err, settlement.ErrDurationTooShort)
	assert.Zero(t, h.chain.Transfers())
}

func TestMachineMismatch(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")

	_, err := h.completeAfter("machine-b", "job-1", h.t0, 10*time.Minute)
	assert.ErrorIs(t, err, settlement.ErrMachineMismatch)

	job, err := h.orch.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusStarted, job.Status)
}

func TestConcurrentCompletionsSettleOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")

	at := h.t0.Add(10 * time.Minute)
	h.clock.Set(at.Add(time.Second))
	proof := h.proofAt("job-1", at)

	const callers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		paid  int
		fails int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := h.orch.CompleteJob(context.Background(), settlement.CompleteRequest{JobHash: "job-1", Proof: proof})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				fails++
			case !s.Duplicate:
				paid++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, paid)
	assert.Zero(t, fails)
	assert.Equal(t, 1, h.chain.Transfers())
	assert.Equal(t, int64(1_500_000_000), h.alloc.Snapshot().PaidOut)
}

func TestTransferFailureLeavesJobRetryable(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")
	h.chain.FailNext(errors.New("rpc unavailable"))

	_, err := h.completeAfter("machine-a", "job-1", h.t0, 10*time.Minute)
	require.ErrorIs(t, err, settlement.ErrTransferFailed)
	assert.Equal(t, settlement.KindInfrastructure, settlement.KindOf(err))

	job, err := h.orch.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusStarted, job.Status)
	assert.Equal(t, treasury.DefaultConfig().GenesisAllocation, h.alloc.Snapshot().Balance)

	s, err := h.completeAfter("machine-a", "job-1", h.t0, 11*time.Minute)
	require.NoError(t, err)
	assert.False(t, s.Duplicate)
	assert.Equal(t, 1, h.chain.Transfers())
}

// flakyStore fails the next CompleteJob calls before they reach the ledger.
type flakyStore struct {
	*ledger.MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) CompleteJob(ctx context.Context, hash string, c settlement.Completion) (settlement.Job, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return settlement.Job{}, errors.New("db down")
	}
	return f.MemoryStore.CompleteJob(ctx, hash, c)
}

func TestRetryAfterUnrecordedTransferKeepsOriginalSettlement(t *testing.T) {
	flaky := &flakyStore{failures: 1}
	h := newHarnessWithStore(t, func(m *ledger.MemoryStore) settlement.Store {
		flaky.MemoryStore = m
		return flaky
	}, nil)
	m := h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")

	proofAt := h.t0.Add(10 * time.Minute)
	proof := h.proofAt("job-1", proofAt)
	req := settlement.CompleteRequest{MachineID: "machine-a", JobHash: "job-1", Proof: proof}
	h.clock.Set(proofAt.Add(5 * time.Second))

	_, err := h.orch.CompleteJob(context.Background(), req)
	require.ErrorIs(t, err, settlement.ErrStorage)
	assert.Equal(t, settlement.KindInfrastructure, settlement.KindOf(err))
	assert.Equal(t, 1, h.chain.Transfers())
	paid := h.chain.Balance(wallet)
	assert.Equal(t, int64(1_425_000_000), paid)

	job, err := h.orch.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusStarted, job.Status)
	_, open := h.alloc.Pending("job-1")
	assert.True(t, open)

	// Before the retry the machine drops to probation and the proof
	// goes stale. Neither may undo a payout that already happened.
	m.Record = trust.Record{Score: 0, State: trust.Probation, Probations: 1}
	h.store.PutMachine(m)
	h.clock.Set(proofAt.Add(2 * time.Hour))

	s, err := h.orch.CompleteJob(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, s.Duplicate)
	assert.Equal(t, settlement.OutcomePaid, s.Outcome)
	assert.Equal(t, int64(1_500_000_000), s.RewardUnits)
	assert.NotEmpty(t, s.TxRef)

	job, err = h.orch.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, job.Status)
	require.NotNil(t, job.Settlement)
	assert.Equal(t, s.TxRef, job.Settlement.TxRef)
	assert.Equal(t, int64(1_500_000_000), job.RewardUnits())

	st := h.alloc.Snapshot()
	assert.Equal(t, int64(1_500_000_000), st.Released)
	assert.Equal(t, int64(1_500_000_000), st.PaidOut)
	assert.Equal(t, treasury.DefaultConfig().GenesisAllocation-1_500_000_000, st.Balance)
	_, open = h.alloc.Pending("job-1")
	assert.False(t, open)
	assert.Equal(t, 1, h.chain.Transfers())
	assert.Equal(t, paid, h.chain.Balance(wallet))

	again, err := h.orch.CompleteJob(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, s.TxRef, again.TxRef)
}

func TestDailyCapRefusesWithoutRejecting(t *testing.T) {
	h := newHarness(t, func(c *settlement.Config, _ *treasury.Config) {
		c.DailyCap = 2 * reward.UnitsPerToken
	})
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")
	_, err := h.completeAfter("machine-a", "job-1", h.t0, 10*time.Minute)
	require.NoError(t, err)

	start := h.clock.Now()
	_, err = h.orch.SubmitJob(context.Background(), settlement.SubmitRequest{MachineID: "machine-a", JobHash: "job-2", Complexity: 1, DurationSeconds: 600})
	require.NoError(t, err)
	_, err = h.completeAfter("machine-a", "job-2", start, 10*time.Minute)
	require.ErrorIs(t, err, settlement.ErrDailyLimitExceeded)
	assert.Equal(t, settlement.KindLimit, settlement.KindOf(err))

	job, err := h.orch.GetJob(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusStarted, job.Status)
	assert.Equal(t, 1, h.chain.Transfers())
}

func TestProbationMachineIsRecordedButNotPaid(t *testing.T) {
	h := newHarness(t, nil)
	m := h.register(t, "machine-a")
	m.Record = trust.Record{Score: 0, State: trust.Probation, Probations: 1}
	h.store.PutMachine(m)
	h.submit(t, "machine-a", "job-1")

	s, err := h.completeAfter("machine-a", "job-1", h.t0, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeTrustIneligible, s.Outcome)
	assert.Zero(t, s.RewardUnits)
	assert.Zero(t, h.chain.Transfers())

	job, err := h.orch.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, job.Status)
}

func TestTreasuryExhaustedWithoutMintAuthority(t *testing.T) {
	h := newHarness(t, func(_ *settlement.Config, tc *treasury.Config) {
		tc.GenesisAllocation = reward.UnitsPerToken
		tc.MintAuthority = false
	})
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")

	_, err := h.completeAfter("machine-a", "job-1", h.t0, 10*time.Minute)
	require.ErrorIs(t, err, settlement.ErrTreasuryExhausted)
	assert.Equal(t, settlement.KindFatal, settlement.KindOf(err))
	assert.False(t, h.alloc.Snapshot().MintingEnabled)

	// 600s at complexity 0.5 during warm-up is 0.75 MINT, which the
	// remaining pool covers.
	start := h.clock.Now()
	_, err = h.orch.SubmitJob(context.Background(), settlement.SubmitRequest{MachineID: "machine-a", JobHash: "job-2", Complexity: 0.5, DurationSeconds: 600})
	require.NoError(t, err)
	s, err := h.completeAfter("machine-a", "job-2", start, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomePaid, s.Outcome)
	assert.Equal(t, string(treasury.SourceGenesis), s.Source)
	assert.Equal(t, int64(750_000_000), s.RewardUnits)
	assert.Equal(t, reward.UnitsPerToken-s.RewardUnits, h.alloc.Snapshot().Balance)
}

func TestMintedSettlementAfterGenesisExhausted(t *testing.T) {
	h := newHarness(t, func(_ *settlement.Config, tc *treasury.Config) {
		tc.GenesisAllocation = reward.UnitsPerToken
	})
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")

	s, err := h.completeAfter("machine-a", "job-1", h.t0, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, string(treasury.SourceMint), s.Source)
	assert.Equal(t, reward.UnitsPerToken+s.RewardUnits, h.chain.Supply())
	assert.Equal(t, s.RewardUnits, h.alloc.Snapshot().Minted)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "machine-a")
	ctx := context.Background()

	_, err := h.orch.SubmitJob(ctx, settlement.SubmitRequest{MachineID: "machine-a", JobHash: "j", Complexity: 2.5})
	assert.ErrorIs(t, err, settlement.ErrInvalidComplexity)
	_, err = h.orch.SubmitJob(ctx, settlement.SubmitRequest{MachineID: "machine-a", JobHash: " j ", Complexity: 1})
	assert.ErrorIs(t, err, settlement.ErrInvalidRequest)
	_, err = h.orch.SubmitJob(ctx, settlement.SubmitRequest{MachineID: "ghost", JobHash: "j", Complexity: 1})
	assert.ErrorIs(t, err, settlement.ErrMachineNotRegistered)

	job, err := h.orch.SubmitJob(ctx, settlement.SubmitRequest{MachineID: "machine-a", JobHash: "j", Complexity: 1.234, Payload: []byte(`{"model":"llama"}`)})
	require.NoError(t, err)
	assert.Equal(t, 1.23, job.Complexity)
	assert.NotEmpty(t, job.PayloadCID)

	_, err = h.orch.SubmitJob(ctx, settlement.SubmitRequest{MachineID: "machine-a", JobHash: "j", Complexity: 1})
	assert.ErrorIs(t, err, settlement.ErrDuplicateJob)
	assert.Equal(t, settlement.KindConflict, settlement.KindOf(err))
}

func TestRegisterMachineIdempotentPerKey(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first := h.register(t, "machine-a")

	again, err := h.orch.RegisterMachine(ctx, settlement.RegisterRequest{MachineID: "machine-a", PublicKey: h.key.PublicKeyBase58()})
	require.NoError(t, err)
	assert.Equal(t, first.RegisteredAt, again.RegisteredAt)

	other, err := identity.Generate()
	require.NoError(t, err)
	_, err = h.orch.RegisterMachine(ctx, settlement.RegisterRequest{MachineID: "machine-a", PublicKey: other.PublicKeyBase58()})
	assert.ErrorIs(t, err, settlement.ErrDuplicateMachine)

	_, err = h.orch.RegisterMachine(ctx, settlement.RegisterRequest{PublicKey: "not-a-key"})
	assert.ErrorIs(t, err, settlement.ErrInvalidPublicKey)

	generated, err := h.orch.RegisterMachine(ctx, settlement.RegisterRequest{PublicKey: other.PublicKeyBase58()})
	require.NoError(t, err)
	assert.Len(t, generated.ID, 36)
}

func TestUpdateTrustAppliesOncePerJob(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")
	ctx := context.Background()

	res, err := h.orch.UpdateTrust(ctx, settlement.VerdictRequest{JobHash: "job-1", Confidence: 0.9, Delta: -5})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, trust.FlagStrong, res.Verdict.Verdict)
	assert.Equal(t, 95, res.Machine.Score)

	res, err = h.orch.UpdateTrust(ctx, settlement.VerdictRequest{JobHash: "job-1", Confidence: 0.9, Delta: -5})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 95, res.Machine.Score)

	job, err := h.orch.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusStarted, job.Status)

	_, err = h.orch.UpdateTrust(ctx, settlement.VerdictRequest{JobHash: "job-1", Confidence: 1.5})
	assert.ErrorIs(t, err, settlement.ErrInvalidRequest)
	_, err = h.orch.UpdateTrust(ctx, settlement.VerdictRequest{JobHash: "missing", Confidence: 1})
	assert.ErrorIs(t, err, settlement.ErrJobNotFound)
}

func TestLowConfidenceFlagIsRecordedNotApplied(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")

	res, err := h.orch.UpdateTrust(context.Background(), settlement.VerdictRequest{JobHash: "job-1", Confidence: 0.2, Verdict: "flag_strong"})
	require.NoError(t, err)
	assert.False(t, res.Verdict.Applied)
	assert.Equal(t, trust.MaxScore, res.Machine.Score)
}

func TestFlagJobAndListing(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")
	ctx := context.Background()

	job, err := h.orch.FlagJob(ctx, "job-1", "output looks copied", "")
	require.NoError(t, err)
	require.Len(t, job.CommunityFlags, 1)
	assert.Equal(t, "anonymous", job.CommunityFlags[0].Member)

	_, err = h.orch.FlagJob(ctx, "job-1", "  ", "bob")
	assert.ErrorIs(t, err, settlement.ErrInvalidRequest)

	jobs, err := h.orch.ListMachineJobs(ctx, "machine-a", 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	_, err = h.orch.ListMachineJobs(ctx, "ghost", 10)
	assert.ErrorIs(t, err, settlement.ErrMachineNotRegistered)
}

func TestMetricsReflectSettlements(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")
	_, err := h.completeAfter("machine-a", "job-1", h.t0, 10*time.Minute)
	require.NoError(t, err)

	m, err := h.orch.Metrics(context.Background())
	require.NoError(t, err)
	require.Len(t, m.RecentSettlements, 1)
	assert.Equal(t, "job-1", m.RecentSettlements[0].JobHash)
	assert.Equal(t, 1, m.Activity.CompletedJobs)
	assert.Equal(t, 600.0, m.Activity.WorkSeconds)
	assert.Equal(t, int64(1_500_000_000), m.Treasury.PaidOut)
	assert.Equal(t, treasury.TierHealthy, m.TreasuryTier)
	assert.Equal(t, 1.0, m.DecayMultiplier)
}

func TestEstimateReward(t *testing.T) {
	h := newHarness(t, nil)
	b, err := h.orch.EstimateReward(context.Background(), settlement.EstimateRequest{DurationSeconds: 600, Complexity: 1})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, b.Reward, 1e-9)

	h.register(t, "machine-a")
	b, err = h.orch.EstimateReward(context.Background(), settlement.EstimateRequest{MachineID: "machine-a", DurationSeconds: 600, Complexity: 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.5, b.Reward, 1e-9)
}

func TestEventsPublishedInOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "machine-a")
	h.submit(t, "machine-a", "job-1")
	_, err := h.completeAfter("machine-a", "job-1", h.t0, 10*time.Minute)
	require.NoError(t, err)

	var got []settlement.EventType
	for len(got) < 3 {
		select {
		case ev := <-h.events:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out after events %v", got)
		}
	}
	assert.Equal(t, []settlement.EventType{
		settlement.EventMachineRegistered,
		settlement.EventJobSubmitted,
		settlement.EventJobCompleted,
	}, got)
}
