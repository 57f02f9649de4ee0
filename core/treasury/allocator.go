// Package treasury decides where settlement payouts come from.
//
// Early settlements draw on a pre-funded genesis pool. Once a share of the
// pool has been released, or the pool runs dry, the allocator switches to
// minting payouts directly. The switch is one-way.
package treasury

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrExhausted     = Err("treasury exhausted and minting unavailable")
	ErrNotReserved   = Err("no reservation for job")
	ErrInvalidAmount = Err("allocation amount must be positive")
)

// Tier classifies the pre-funded balance.
type Tier string

const (
	TierCritical      Tier = "critical"
	TierOpportunistic Tier = "opportunistic"
	TierHealthy       Tier = "healthy"
)

// Source is where a payout is funded from.
type Source string

const (
	SourceGenesis Source = "genesis"
	SourceMint    Source = "mint"
)

const unitsPerToken = 1_000_000_000

// Config controls the allocator. Amounts are base units.
type Config struct {
	GenesisAllocation   int64         `json:"genesis_allocation" yaml:"genesis_allocation"`
	ReleaseThresholdBps int64         `json:"release_threshold_bps" yaml:"release_threshold_bps"`
	CriticalBelow       int64         `json:"critical_below" yaml:"critical_below"`
	HealthyAbove        int64         `json:"healthy_above" yaml:"healthy_above"`
	CriticalRunwayDays  int64         `json:"critical_runway_days" yaml:"critical_runway_days"`
	OpportunisticDays   int64         `json:"opportunistic_runway_days" yaml:"opportunistic_runway_days"`
	BurnWindowDays      int64         `json:"burn_window_days" yaml:"burn_window_days"`
	MintAuthority       bool          `json:"mint_authority" yaml:"mint_authority"`
	ReplenishInterval   time.Duration `json:"replenish_interval" yaml:"replenish_interval"`
}

// DefaultConfig is a 100M MINT genesis pool released up to 30%.
func DefaultConfig() Config {
	return Config{
		GenesisAllocation:   100_000_000 * unitsPerToken,
		ReleaseThresholdBps: 3000,
		CriticalBelow:       10_000_000 * unitsPerToken,
		HealthyAbove:        20_000_000 * unitsPerToken,
		CriticalRunwayDays:  90,
		OpportunisticDays:   30,
		BurnWindowDays:      7,
		MintAuthority:       true,
		ReplenishInterval:   24 * time.Hour,
	}
}

// State is the treasury aggregate. Minted and PaidOut never decrease.
type State struct {
	GenesisAllocation int64     `json:"genesis_allocation"`
	Balance           int64     `json:"pre_minted_balance"`
	Released          int64     `json:"released"`
	Minted            int64     `json:"minted"`
	Replenished       int64     `json:"replenished"`
	PaidOut           int64     `json:"paid_out"`
	AvgDailyBurn      int64     `json:"avg_daily_burn"`
	Tier              Tier      `json:"tier"`
	MintingEnabled    bool      `json:"minting_enabled"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Supply is the total token supply accounted for by the treasury.
func (s State) Supply() int64 {
	return s.GenesisAllocation + s.Minted
}

// EventKind names an entry in the treasury audit trail.
type EventKind string

const (
	EventSettlement     EventKind = "settlement"
	EventReplenish      EventKind = "replenish"
	EventMintingEnabled EventKind = "minting_enabled"
)

// Event is one append-only treasury audit record.
type Event struct {
	Kind    EventKind `json:"kind"`
	JobHash string    `json:"job_hash,omitempty"`
	Source  Source    `json:"source,omitempty"`
	Amount  int64     `json:"amount"`
	TxRef   string    `json:"tx_ref,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Journal persists the treasury snapshot together with the event that
// produced it.
type Journal interface {
	RecordTreasury(ctx context.Context, st State, ev Event) error
}

// Allocation is a reserved payout awaiting its transfer.
type Allocation struct {
	JobHash string `json:"job_hash"`
	Amount  int64  `json:"amount"`
	Source  Source `json:"source"`
}

// Replenishment is the outcome of one tier evaluation.
type Replenishment struct {
	Tier         Tier  `json:"tier"`
	AvgDailyBurn int64 `json:"avg_daily_burn"`
	RunwayDays   int64 `json:"runway_days"`
	Amount       int64 `json:"amount"`
	Executed     bool  `json:"executed"`
}

// Allocator owns the treasury State. All mutation goes through its methods.
type Allocator struct {
	mu      sync.Mutex
	cfg     Config
	state   State
	pending map[string]Allocation
	burn    map[int64]int64 // day number -> units paid
	journal Journal
	logger  *slog.Logger
	now     func() time.Time
}

// New returns an allocator resuming from st, or starting a fresh genesis
// pool when st is nil.
func New(cfg Config, st *State, journal Journal, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Allocator{
		cfg:     cfg,
		pending: make(map[string]Allocation),
		burn:    make(map[int64]int64),
		journal: journal,
		logger:  logger.With("component", "treasury"),
		now:     time.Now,
	}
	if st != nil {
		a.state = *st
	} else {
		a.state = State{
			GenesisAllocation: cfg.GenesisAllocation,
			Balance:           cfg.GenesisAllocation,
		}
	}
	a.state.Tier = a.tierFor(a.state.Balance)
	return a
}

// SetClock replaces the time source.
func (a *Allocator) SetClock(now func() time.Time) {
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (a *Allocator) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Pending returns the open reservation for jobHash, if any.
func (a *Allocator) Pending(jobHash string) (Allocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.pending[jobHash]
	return alloc, ok
}

// Reserve picks the funding source for a payout and holds the amount until
// Commit or Release. Reserving an already reserved job returns the original
// allocation unchanged.
func (a *Allocator) Reserve(ctx context.Context, jobHash string, amount int64) (Allocation, error) {
	if amount <= 0 {
		return Allocation{}, ErrInvalidAmount
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.pending[jobHash]; ok {
		return existing, nil
	}

	if !a.state.MintingEnabled {
		if a.state.Balance >= amount {
			a.state.Balance -= amount
			alloc := Allocation{JobHash: jobHash, Amount: amount, Source: SourceGenesis}
			a.pending[jobHash] = alloc
			return alloc, nil
		}
		// Without mint authority a partly drained pool stays open for
		// payouts it can still cover.
		if !a.cfg.MintAuthority && a.state.Balance > 0 {
			return Allocation{}, ErrExhausted
		}
		a.enableMintingLocked(ctx, "genesis pool exhausted")
	}
	if !a.cfg.MintAuthority {
		return Allocation{}, ErrExhausted
	}
	alloc := Allocation{JobHash: jobHash, Amount: amount, Source: SourceMint}
	a.pending[jobHash] = alloc
	return alloc, nil
}

// Release cancels a reservation after a failed transfer.
func (a *Allocator) Release(jobHash string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.pending[jobHash]
	if !ok {
		return
	}
	delete(a.pending, jobHash)
	if alloc.Source == SourceGenesis {
		a.state.Balance += alloc.Amount
	}
}

// Commit books a reserved payout once its transfer is confirmed and the job
// is recorded.
func (a *Allocator) Commit(ctx context.Context, jobHash, txRef string) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.pending[jobHash]
	if !ok {
		return a.state, ErrNotReserved
	}
	delete(a.pending, jobHash)

	now := a.now()
	switch alloc.Source {
	case SourceGenesis:
		a.state.Released += alloc.Amount
	case SourceMint:
		a.state.Minted += alloc.Amount
	}
	a.state.PaidOut += alloc.Amount
	a.burn[dayNumber(now)] += alloc.Amount
	a.state.Tier = a.tierFor(a.state.Balance)
	a.state.UpdatedAt = now

	a.recordLocked(ctx, Event{
		Kind:    EventSettlement,
		JobHash: jobHash,
		Source:  alloc.Source,
		Amount:  alloc.Amount,
		TxRef:   txRef,
		At:      now,
	})

	if alloc.Source == SourceGenesis && !a.state.MintingEnabled {
		switch {
		case a.state.Released >= a.releaseLimit():
			a.enableMintingLocked(ctx, "release threshold reached")
		case a.state.Balance <= 0:
			a.enableMintingLocked(ctx, "genesis pool exhausted")
		}
	}
	return a.state, nil
}

// Replenish evaluates the tier of the pre-funded balance and, once minting
// is live, mints the runway its tier calls for into the treasury reserve.
func (a *Allocator) Replenish(ctx context.Context) Replenishment {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.pruneBurnLocked(now)
	avg := a.avgBurnLocked(now)
	tier := a.tierFor(a.state.Balance)

	r := Replenishment{Tier: tier, AvgDailyBurn: avg}
	switch tier {
	case TierCritical:
		r.RunwayDays = a.cfg.CriticalRunwayDays
	case TierOpportunistic:
		r.RunwayDays = a.cfg.OpportunisticDays
	}
	r.Amount = r.RunwayDays * avg

	a.state.AvgDailyBurn = avg
	a.state.Tier = tier
	a.state.UpdatedAt = now

	if r.Amount > 0 && a.state.MintingEnabled && a.cfg.MintAuthority {
		a.state.Balance += r.Amount
		a.state.Minted += r.Amount
		a.state.Replenished += r.Amount
		a.state.Tier = a.tierFor(a.state.Balance)
		r.Executed = true
		a.recordLocked(ctx, Event{
			Kind:   EventReplenish,
			Amount: r.Amount,
			Source: SourceMint,
			Reason: string(tier),
			At:     now,
		})
		a.logger.Info("treasury replenished", "tier", tier, "amount", r.Amount, "avg_daily_burn", avg)
	}
	return r
}

// Run evaluates replenishment on the configured cadence until ctx ends.
func (a *Allocator) Run(ctx context.Context) {
	interval := a.cfg.ReplenishInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r := a.Replenish(ctx)
			a.logger.Debug("treasury tier evaluated", "tier", r.Tier, "amount", r.Amount, "executed", r.Executed)
		}
	}
}

func (a *Allocator) enableMintingLocked(ctx context.Context, reason string) {
	if a.state.MintingEnabled {
		return
	}
	a.state.MintingEnabled = true
	a.state.UpdatedAt = a.now()
	a.logger.Warn("minting enabled", "reason", reason, "released", a.state.Released, "balance", a.state.Balance)
	a.recordLocked(ctx, Event{Kind: EventMintingEnabled, Reason: reason, At: a.state.UpdatedAt})
}

func (a *Allocator) recordLocked(ctx context.Context, ev Event) {
	if a.journal == nil {
		return
	}
	if err := a.journal.RecordTreasury(ctx, a.state, ev); err != nil {
		a.logger.Error("failed to record treasury event", "kind", ev.Kind, "job_hash", ev.JobHash, "error", err)
	}
}

// releaseLimit is GenesisAllocation * ReleaseThresholdBps / 10000 without
// overflowing for large pools.
func (a *Allocator) releaseLimit() int64 {
	g, bps := a.state.GenesisAllocation, a.cfg.ReleaseThresholdBps
	return g/10000*bps + g%10000*bps/10000
}

func (a *Allocator) tierFor(balance int64) Tier {
	switch {
	case balance < a.cfg.CriticalBelow:
		return TierCritical
	case balance > a.cfg.HealthyAbove:
		return TierHealthy
	default:
		return TierOpportunistic
	}
}

func (a *Allocator) avgBurnLocked(now time.Time) int64 {
	days := a.cfg.BurnWindowDays
	if days <= 0 {
		days = 7
	}
	today := dayNumber(now)
	var total int64
	for d := today - days + 1; d <= today; d++ {
		total += a.burn[d]
	}
	return total / days
}

func (a *Allocator) pruneBurnLocked(now time.Time) {
	days := a.cfg.BurnWindowDays
	if days <= 0 {
		days = 7
	}
	cutoff := dayNumber(now) - days
	for d := range a.burn {
		if d <= cutoff {
			delete(a.burn, d)
		}
	}
}

func dayNumber(t time.Time) int64 {
	return t.Unix() / 86400
}
