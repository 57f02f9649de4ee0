package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"foundry-backend/chain"
	"foundry-backend/core/identity"
	"foundry-backend/core/reward"
	"foundry-backend/core/treasury"
	"foundry-backend/core/trust"
)

// Config holds the protocol constants of the completion pipeline.
type Config struct {
	Reward          reward.Params  `yaml:"reward"`
	Activity        ActivityConfig `yaml:"activity"`
	FreshnessWindow time.Duration  `yaml:"freshness_window"`
	ClockSkew       time.Duration  `yaml:"clock_skew"`
	MinDuration     time.Duration  `yaml:"min_duration"`
	DailyCap        int64          `yaml:"daily_cap"` // base units per machine per 24h
	TreasuryWallet  string         `yaml:"treasury_wallet"`
	FounderWallet   string         `yaml:"founder_wallet"`
	TreasuryFeeBps  int64          `yaml:"treasury_fee_bps"`
	FounderFeeBps   int64          `yaml:"founder_fee_bps"`
	LaunchTime      time.Time      `yaml:"launch_time"`
	RecentLimit     int            `yaml:"recent_limit"`
}

// DefaultConfig returns production defaults. LaunchTime is left zero, which
// disables time decay until it is set.
func DefaultConfig() Config {
	return Config{
		Reward:          reward.DefaultParams(),
		Activity:        DefaultActivityConfig(),
		FreshnessWindow: 5 * time.Minute,
		ClockSkew:       30 * time.Second,
		MinDuration:     60 * time.Second,
		DailyCap:        100 * reward.UnitsPerToken,
		TreasuryWallet:  "foundry-treasury",
		FounderWallet:   "foundry-founder",
		TreasuryFeeBps:  300,
		FounderFeeBps:   200,
		RecentLimit:     10,
	}
}

// Observer receives settlement measurements.
type Observer interface {
	ObserveSettlement(code string, units int64, elapsed time.Duration)
	ObserveVerdict(v trust.Verdict, applied bool)
	ObserveTreasury(st treasury.State)
	ObserveActivity(s ActivitySnapshot)
}

type nopObserver struct{}

func (nopObserver) ObserveSettlement(string, int64, time.Duration) {}
func (nopObserver) ObserveVerdict(trust.Verdict, bool)             {}
func (nopObserver) ObserveTreasury(treasury.State)                 {}
func (nopObserver) ObserveActivity(ActivitySnapshot)               {}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithObserver attaches a metrics observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithBus publishes events on b.
func WithBus(b *Bus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// Orchestrator runs the job lifecycle: registration, submission, the
// completion pipeline and trust verdicts.
type Orchestrator struct {
	store    Store
	payer    chain.Payer
	alloc    *treasury.Allocator
	activity *ActivityTracker
	locks    *keyedMutex
	bus      *Bus
	observer Observer
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// Transfers that went through but whose job is not yet recorded.
	unrecordedMu sync.Mutex
	unrecorded   map[string]paidTransfer
}

// paidTransfer is a settlement whose money has moved.
type paidTransfer struct {
	settlement Settlement
	proof      Proof
	billed     float64
}

// New wires an orchestrator.
func New(store Store, payer chain.Payer, alloc *treasury.Allocator, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		payer:    payer,
		alloc:    alloc,
		locks:    newKeyedMutex(),
		bus:      NewBus(100),
		observer: nopObserver{},
		cfg:      cfg,
		logger:   slog.Default(),
		tracer:   otel.Tracer("foundry-backend/core/settlement"),
		now:      time.Now,

		unrecorded: make(map[string]paidTransfer),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "settlement")
	o.activity = NewActivityTracker(store, cfg.Activity)
	o.activity.now = o.now
	return o
}

// Bus returns the event bus.
func (o *Orchestrator) Bus() *Bus { return o.bus }

// Config returns the active configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// RegisterRequest registers a machine identity.
type RegisterRequest struct {
	MachineID   string         `json:"machine_id"`
	PublicKey   string         `json:"public_key"`
	OwnerWallet string         `json:"owner_wallet"`
	Metadata    map[string]any `json:"metadata"`
}

// RegisterMachine creates a machine with trust 100. Re-registering the same
// id with the same key returns the stored machine.
func (o *Orchestrator) RegisterMachine(ctx context.Context, req RegisterRequest) (Machine, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.register_machine")
	defer span.End()

	if _, err := identity.DecodePublicKey(req.PublicKey); err != nil {
		return Machine{}, o.fail(span, ErrInvalidPublicKey.Wrap(err))
	}
	id := strings.TrimSpace(req.MachineID)
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > 128 {
		return Machine{}, o.fail(span, ErrInvalidRequest.Withf("machine id longer than 128 characters"))
	}
	span.SetAttributes(attribute.String("machine.id", id))

	now := o.now().UTC()
	m := Machine{
		ID:           id,
		PublicKey:    strings.TrimSpace(req.PublicKey),
		OwnerWallet:  strings.TrimSpace(req.OwnerWallet),
		Metadata:     req.Metadata,
		Record:       trust.New(),
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	stored, err := o.store.CreateMachine(ctx, m)
	if errors.Is(err, ErrDuplicateMachine) {
		if stored.PublicKey == m.PublicKey {
			return stored, nil
		}
		return stored, o.fail(span, err)
	}
	if err != nil {
		return Machine{}, o.fail(span, storageErr(err))
	}

	o.logger.Info("machine registered", "machine_id", stored.ID, "trust", stored.Score)
	o.bus.Publish(Event{Type: EventMachineRegistered, MachineID: stored.ID, Trust: &stored.Record, At: now})
	return stored, nil
}

// SubmitRequest declares a unit of work.
type SubmitRequest struct {
	MachineID       string          `json:"machine_id"`
	JobHash         string          `json:"job_hash"`
	Complexity      float64         `json:"complexity"`
	DurationSeconds float64         `json:"duration_seconds"`
	Payload         json.RawMessage `json:"payload"`
}

// NormalizeComplexity rounds to two decimals.
func NormalizeComplexity(c float64) float64 {
	return math.Round(c*100) / 100
}

// SubmitJob records a started job. A duplicate hash fails with
// ErrDuplicateJob and returns the stored job.
func (o *Orchestrator) SubmitJob(ctx context.Context, req SubmitRequest) (Job, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.submit_job", trace.WithAttributes(
		attribute.String("job.hash", req.JobHash),
		attribute.String("machine.id", req.MachineID),
	))
	defer span.End()

	if err := validateHash(req.JobHash); err != nil {
		return Job{}, o.fail(span, err)
	}
	complexity := NormalizeComplexity(req.Complexity)
	if math.IsNaN(complexity) || complexity < o.cfg.Reward.MinComplexity || complexity > o.cfg.Reward.MaxComplexity {
		return Job{}, o.fail(span, ErrInvalidComplexity)
	}
	if req.DurationSeconds < 0 || math.IsNaN(req.DurationSeconds) || math.IsInf(req.DurationSeconds, 0) {
		return Job{}, o.fail(span, ErrInvalidRequest.Withf("duration_seconds must be a non-negative number"))
	}
	if _, err := o.store.GetMachine(ctx, req.MachineID); err != nil {
		return Job{}, o.fail(span, storageErr(err))
	}

	payload := req.Payload
	if len(payload) == 0 || string(payload) == "null" {
		payload = nil
	}
	job := Job{
		Hash:             req.JobHash,
		MachineID:        req.MachineID,
		Complexity:       complexity,
		DeclaredDuration: req.DurationSeconds,
		Payload:          payload,
		PayloadCID:       PayloadCID(payload),
		Status:           StatusStarted,
		StartedAt:        o.now().UTC(),
	}
	stored, err := o.store.CreateJob(ctx, job)
	if errors.Is(err, ErrDuplicateJob) {
		o.logger.Debug("duplicate job submission", "job_hash", job.Hash, "status", stored.Status)
		return stored, o.fail(span, err)
	}
	if err != nil {
		return Job{}, o.fail(span, storageErr(err))
	}

	o.logger.Info("job started", "job_hash", stored.Hash, "machine_id", stored.MachineID, "complexity", stored.Complexity)
	o.bus.Publish(Event{Type: EventJobSubmitted, JobHash: stored.Hash, MachineID: stored.MachineID, At: stored.StartedAt})
	return stored, nil
}

// CompleteRequest carries a completion proof.
type CompleteRequest struct {
	MachineID string `json:"machine_id"`
	JobHash   string `json:"job_hash"`
	Proof     Proof  `json:"proof"`
}

// CompleteJob verifies a completion proof and settles the job. Repeating a
// successful completion returns the stored settlement with Duplicate set
// and moves no funds.
func (o *Orchestrator) CompleteJob(ctx context.Context, req CompleteRequest) (Settlement, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.complete_job", trace.WithAttributes(
		attribute.String("job.hash", req.JobHash),
	))
	defer span.End()
	started := time.Now()

	s, err := o.completeJob(ctx, req)
	code := s.Outcome
	if err != nil {
		code = CodeOf(err)
		o.logCompletionFailure(req, err)
		_ = o.fail(span, err)
	} else if s.Duplicate {
		code = "duplicate"
	}
	span.SetAttributes(attribute.String("settlement.code", code), attribute.Int64("settlement.units", s.RewardUnits))
	o.observer.ObserveSettlement(code, s.RewardUnits, time.Since(started))
	return s, err
}

func (o *Orchestrator) completeJob(ctx context.Context, req CompleteRequest) (Settlement, error) {
	if err := validateHash(req.JobHash); err != nil {
		return Settlement{}, err
	}
	if strings.TrimSpace(req.Proof.RecipientWallet) == "" || req.Proof.Signature == "" || req.Proof.Timestamp == "" {
		return Settlement{}, ErrInvalidRequest.Withf("proof requires recipient_wallet, timestamp and signature")
	}

	// The machine lock serialises completions of one machine, which makes
	// the completed check below exclusive per job and keeps the daily cap
	// check consistent with concurrent payouts.
	job, err := o.store.GetJob(ctx, req.JobHash)
	if err != nil {
		return Settlement{}, storageErr(err)
	}
	unlock := o.locks.Lock(job.MachineID)
	defer unlock()

	job, err = o.store.GetJob(ctx, req.JobHash)
	if err != nil {
		return Settlement{}, storageErr(err)
	}
	if req.MachineID != "" && req.MachineID != job.MachineID {
		return Settlement{}, ErrMachineMismatch
	}
	switch job.Status {
	case StatusCompleted:
		if p, ok := o.unrecordedTransfer(job.Hash); ok {
			// The store kept the completion but reported a failure.
			o.book(ctx, job.Hash, p.settlement.TxRef)
		}
		return duplicateOf(job), nil
	case StatusRejected:
		return Settlement{}, ErrInvalidState.Withf("job was rejected: %s", job.RejectReason)
	}

	machine, err := o.store.GetMachine(ctx, job.MachineID)
	if err != nil {
		return Settlement{}, storageErr(err)
	}

	// Proof failures are terminal for the job.
	msg := identity.CanonicalMessage(job.Hash, req.Proof.RecipientWallet, req.Proof.Timestamp)
	if !identity.VerifyBase58(msg, req.Proof.Signature, machine.PublicKey) {
		return Settlement{}, o.reject(ctx, job, req.Proof, ErrInvalidSignature)
	}

	// Money already moved for this job: record it as decided then,
	// whatever trust, freshness or the daily cap say now.
	if p, ok := o.unrecordedTransfer(job.Hash); ok {
		o.logger.Warn("recording earlier transfer", "job_hash", job.Hash, "tx_ref", p.settlement.TxRef)
		return o.finishPaid(ctx, job, p)
	}
	now := o.now().UTC()
	proofTime, err := identity.ParseTimestamp(req.Proof.Timestamp)
	if err != nil {
		return Settlement{}, o.reject(ctx, job, req.Proof, ErrStaleProof.Wrap(err))
	}
	if age := now.Sub(proofTime); age > o.cfg.FreshnessWindow || -age > o.cfg.ClockSkew {
		return Settlement{}, o.reject(ctx, job, req.Proof, ErrStaleProof.Withf("proof timestamp is %s old", age.Round(time.Second)))
	}
	elapsed := proofTime.Sub(job.StartedAt)
	if elapsed < o.cfg.MinDuration {
		return Settlement{}, o.reject(ctx, job, req.Proof, ErrDurationTooShort.Withf("job ran %s, minimum is %s", elapsed.Round(time.Second), o.cfg.MinDuration))
	}
	billed := elapsed.Seconds()
	if job.DeclaredDuration > 0 && job.DeclaredDuration < billed {
		billed = job.DeclaredDuration
	}

	snap, err := o.activity.Snapshot(ctx)
	if err != nil {
		return Settlement{}, storageErr(err)
	}
	o.observer.ObserveActivity(snap)

	breakdown := o.cfg.Reward.Compute(reward.Input{
		DurationSeconds: billed,
		Complexity:      job.Complexity,
		ActivityRatio:   snap.Ratio,
		DaysSinceLaunch: o.daysSinceLaunch(now),
		TrustScore:      machine.Score,
		JobCount:        machine.JobCount,
	})
	s := Settlement{
		JobHash:         job.Hash,
		MachineID:       job.MachineID,
		RecipientWallet: req.Proof.RecipientWallet,
		ActivityRatio:   snap.Ratio,
		Complexity:      job.Complexity,
		DurationSeconds: billed,
		Breakdown:       breakdown,
		CompletedAt:     now,
	}

	if !machine.Eligible() {
		s.Outcome = OutcomeTrustIneligible
		return o.record(ctx, job, req.Proof, s, billed)
	}

	// Rolling 24h cap per machine.
	gross := breakdown.Units()
	paid, err := o.store.PayoutTotalSince(ctx, machine.ID, now.Add(-24*time.Hour))
	if err != nil {
		return Settlement{}, storageErr(err)
	}
	if o.cfg.DailyCap > 0 && paid+gross > o.cfg.DailyCap {
		return Settlement{}, ErrDailyLimitExceeded.Withf("machine paid %d of %d units in the last 24h", paid, o.cfg.DailyCap)
	}

	// Fund, then move all legs in one transfer.
	alloc, err := o.alloc.Reserve(ctx, job.Hash, gross)
	if err != nil {
		if errors.Is(err, treasury.ErrExhausted) {
			return Settlement{}, ErrTreasuryExhausted.Wrap(err)
		}
		return Settlement{}, ErrTransferFailed.Wrap(err)
	}
	gross = alloc.Amount
	s.Fees = o.split(gross)
	s.RewardUnits = gross
	s.Reward = reward.FromUnits(gross)
	s.Source = string(alloc.Source)
	s.Outcome = OutcomePaid

	receipt, err := o.payer.Transfer(ctx, chain.TransferRequest{
		IdempotencyKey: job.Hash,
		Source:         chain.Source(alloc.Source),
		Legs:           o.legs(s.RecipientWallet, s.Fees),
	})
	if err != nil {
		o.alloc.Release(job.Hash)
		return Settlement{}, ErrTransferFailed.Wrap(err)
	}
	s.TxRef = receipt.TxRef

	p := paidTransfer{settlement: s, proof: req.Proof, billed: billed}
	o.unrecordedMu.Lock()
	o.unrecorded[job.Hash] = p
	o.unrecordedMu.Unlock()
	return o.finishPaid(ctx, job, p)
}

// finishPaid records a transferred settlement and books its reservation.
// On a storage failure both stay open for the next attempt.
func (o *Orchestrator) finishPaid(ctx context.Context, job Job, p paidTransfer) (Settlement, error) {
	out, err := o.record(ctx, job, p.proof, p.settlement, p.billed)
	if err != nil {
		return out, err
	}
	if out.Duplicate && out.TxRef != p.settlement.TxRef {
		o.logger.Warn("job recorded with another transfer", "job_hash", job.Hash, "tx_ref", p.settlement.TxRef, "stored_tx_ref", out.TxRef)
	}
	// The funds left the pool either way.
	o.book(ctx, job.Hash, p.settlement.TxRef)
	return out, nil
}

func (o *Orchestrator) book(ctx context.Context, jobHash, txRef string) {
	o.forgetTransfer(jobHash)
	if _, ok := o.alloc.Pending(jobHash); !ok {
		return
	}
	st, err := o.alloc.Commit(ctx, jobHash, txRef)
	if err != nil {
		o.logger.Error("treasury commit failed", "job_hash", jobHash, "error", err)
	}
	o.observer.ObserveTreasury(st)
}

func (o *Orchestrator) unrecordedTransfer(jobHash string) (paidTransfer, bool) {
	o.unrecordedMu.Lock()
	defer o.unrecordedMu.Unlock()
	p, ok := o.unrecorded[jobHash]
	return p, ok
}

func (o *Orchestrator) forgetTransfer(jobHash string) {
	o.unrecordedMu.Lock()
	delete(o.unrecorded, jobHash)
	o.unrecordedMu.Unlock()
}

func (o *Orchestrator) record(ctx context.Context, job Job, proof Proof, s Settlement, billed float64) (Settlement, error) {
	stored, err := o.store.CompleteJob(ctx, job.Hash, Completion{
		Proof:       proof,
		Settlement:  s,
		WorkSeconds: billed,
		CompletedAt: s.CompletedAt,
	})
	if errors.Is(err, ErrAlreadyCompleted) {
		return duplicateOf(stored), nil
	}
	if err != nil {
		return Settlement{}, storageErr(err)
	}
	o.activity.Invalidate()

	o.logger.Info("job settled",
		"job_hash", s.JobHash,
		"machine_id", s.MachineID,
		"outcome", s.Outcome,
		"gross_units", s.RewardUnits,
		"source", s.Source,
		"tx_ref", s.TxRef,
	)
	o.bus.Publish(Event{
		Type:        EventJobCompleted,
		JobHash:     s.JobHash,
		MachineID:   s.MachineID,
		Code:        s.Outcome,
		RewardUnits: s.RewardUnits,
		TxRef:       s.TxRef,
		Job:         &stored,
		At:          s.CompletedAt,
	})
	return s, nil
}

func (o *Orchestrator) reject(ctx context.Context, job Job, proof Proof, cause *Error) error {
	rejected, err := o.store.RejectJob(ctx, job.Hash, Rejection{
		Proof:      proof,
		Reason:     cause.Code,
		RejectedAt: o.now().UTC(),
	})
	if err != nil {
		return storageErr(err)
	}
	o.bus.Publish(Event{Type: EventJobRejected, JobHash: job.Hash, MachineID: job.MachineID, Code: cause.Code, Job: &rejected})
	return cause
}

func (o *Orchestrator) logCompletionFailure(req CompleteRequest, err error) {
	attrs := []any{"job_hash", req.JobHash, "machine_id", req.MachineID, "code", CodeOf(err), "error", err}
	switch KindOf(err) {
	case KindFatal:
		o.logger.Error("settlement failed", append(attrs, "fatal", true)...)
	case KindInfrastructure:
		o.logger.Error("settlement failed", attrs...)
	case KindProof, KindUnauthorized:
		o.logger.Warn("completion proof rejected", attrs...)
	default:
		o.logger.Info("completion refused", attrs...)
	}
}

// split divides gross into worker, treasury and founder shares. The worker
// share absorbs rounding.
func (o *Orchestrator) split(gross int64) FeeBreakdown {
	f := FeeBreakdown{
		Gross:          gross,
		TreasuryFeeBps: o.cfg.TreasuryFeeBps,
		FounderFeeBps:  o.cfg.FounderFeeBps,
	}
	f.TreasuryFee = gross * o.cfg.TreasuryFeeBps / 10000
	f.FounderFee = gross * o.cfg.FounderFeeBps / 10000
	f.Worker = gross - f.TreasuryFee - f.FounderFee
	return f
}

func (o *Orchestrator) legs(worker string, f FeeBreakdown) []chain.Leg {
	legs := []chain.Leg{{Kind: chain.LegWorker, To: worker, Amount: f.Worker}}
	if f.TreasuryFee > 0 {
		legs = append(legs, chain.Leg{Kind: chain.LegTreasuryFee, To: o.cfg.TreasuryWallet, Amount: f.TreasuryFee})
	}
	if f.FounderFee > 0 {
		legs = append(legs, chain.Leg{Kind: chain.LegFounderFee, To: o.cfg.FounderWallet, Amount: f.FounderFee})
	}
	return legs
}

func (o *Orchestrator) daysSinceLaunch(now time.Time) float64 {
	if o.cfg.LaunchTime.IsZero() || now.Before(o.cfg.LaunchTime) {
		return 0
	}
	return now.Sub(o.cfg.LaunchTime).Hours() / 24
}

// VerdictRequest is an inbound scorer message. Verdict, when set, takes
// precedence over the sign of Delta.
type VerdictRequest struct {
	JobHash    string  `json:"job_hash"`
	Confidence float64 `json:"confidence"`
	Delta      float64 `json:"delta"`
	Verdict    string  `json:"verdict,omitempty"`
}

// VerdictResult reports the machine after a verdict.
type VerdictResult struct {
	Verdict   TrustVerdict `json:"verdict"`
	Machine   Machine      `json:"machine"`
	Duplicate bool         `json:"duplicate"`
}

// UpdateTrust applies a scorer verdict for a job to its machine. It never
// touches the job's settlement.
func (o *Orchestrator) UpdateTrust(ctx context.Context, req VerdictRequest) (VerdictResult, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.update_trust", trace.WithAttributes(
		attribute.String("job.hash", req.JobHash),
	))
	defer span.End()

	if err := validateHash(req.JobHash); err != nil {
		return VerdictResult{}, o.fail(span, err)
	}
	if req.Confidence < 0 || req.Confidence > 1 || math.IsNaN(req.Confidence) {
		return VerdictResult{}, o.fail(span, ErrInvalidRequest.Withf("confidence must be within [0, 1]"))
	}
	verdict := trust.VerdictFromDelta(req.Delta)
	if req.Verdict != "" {
		v, err := trust.ParseVerdict(req.Verdict)
		if err != nil {
			return VerdictResult{}, o.fail(span, ErrInvalidRequest.Wrap(err))
		}
		verdict = v
	}

	job, err := o.store.GetJob(ctx, req.JobHash)
	if err != nil {
		return VerdictResult{}, o.fail(span, storageErr(err))
	}

	now := o.now().UTC()
	stored, m, dup, err := o.store.ApplyVerdict(ctx, TrustVerdict{
		JobHash:    job.Hash,
		MachineID:  job.MachineID,
		Verdict:    verdict,
		Confidence: req.Confidence,
		Delta:      req.Delta,
		ReceivedAt: now,
	}, func(r trust.Record) (trust.Record, bool) {
		return r.Apply(verdict, req.Confidence)
	})
	if err != nil {
		return VerdictResult{}, o.fail(span, storageErr(err))
	}
	if !dup {
		o.observer.ObserveVerdict(stored.Verdict, stored.Applied)
		o.logger.Info("trust verdict",
			"job_hash", stored.JobHash,
			"machine_id", stored.MachineID,
			"verdict", stored.Verdict,
			"applied", stored.Applied,
			"trust", m.Score,
			"state", m.State,
		)
		if stored.Before.State != stored.After.State {
			o.logger.Warn("machine trust state changed", "machine_id", m.ID, "from", stored.Before.State, "to", stored.After.State)
		}
		rec := m.Record
		o.bus.Publish(Event{Type: EventTrustVerdict, JobHash: stored.JobHash, MachineID: m.ID, Code: string(stored.Verdict), Trust: &rec, At: now})
	}
	return VerdictResult{Verdict: stored, Machine: m, Duplicate: dup}, nil
}

// FlagJob files a community flag against a job.
func (o *Orchestrator) FlagJob(ctx context.Context, jobHash, reason, member string) (Job, error) {
	if err := validateHash(jobHash); err != nil {
		return Job{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Job{}, ErrInvalidRequest.Withf("flag_reason is required")
	}
	if member = strings.TrimSpace(member); member == "" {
		member = "anonymous"
	}
	job, err := o.store.AddCommunityFlag(ctx, jobHash, CommunityFlag{Reason: reason, Member: member, CreatedAt: o.now().UTC()})
	if err != nil {
		return Job{}, storageErr(err)
	}
	o.logger.Info("job flagged", "job_hash", jobHash, "member", member, "total_flags", len(job.CommunityFlags))
	o.bus.Publish(Event{Type: EventJobFlagged, JobHash: jobHash, MachineID: job.MachineID, Code: reason})
	return job, nil
}

// GetJob returns one job.
func (o *Orchestrator) GetJob(ctx context.Context, hash string) (Job, error) {
	j, err := o.store.GetJob(ctx, hash)
	if err != nil {
		return Job{}, storageErr(err)
	}
	return j, nil
}

// GetMachine returns one machine.
func (o *Orchestrator) GetMachine(ctx context.Context, id string) (Machine, error) {
	m, err := o.store.GetMachine(ctx, id)
	if err != nil {
		return Machine{}, storageErr(err)
	}
	return m, nil
}

// ListMachineJobs returns a machine's most recent jobs, newest first.
func (o *Orchestrator) ListMachineJobs(ctx context.Context, machineID string, limit int) ([]Job, error) {
	if _, err := o.store.GetMachine(ctx, machineID); err != nil {
		return nil, storageErr(err)
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	jobs, err := o.store.ListRecentByMachine(ctx, machineID, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	return jobs, nil
}

// NetworkMetrics is the read-only network snapshot.
type NetworkMetrics struct {
	Activity          ActivitySnapshot `json:"activity"`
	ActivityRatio     float64          `json:"activity_ratio"`
	DaysSinceLaunch   float64          `json:"days_since_launch"`
	DecayMultiplier   float64          `json:"decay_multiplier"`
	Treasury          treasury.State   `json:"treasury"`
	TreasuryTier      treasury.Tier    `json:"treasury_tier"`
	RecentSettlements []Settlement     `json:"recent_settlements"`
	BaseRate          float64          `json:"base_rate"`
	GeneratedAt       time.Time        `json:"generated_at"`
}

// Metrics assembles the network snapshot.
func (o *Orchestrator) Metrics(ctx context.Context) (NetworkMetrics, error) {
	now := o.now().UTC()
	snap, err := o.activity.Snapshot(ctx)
	if err != nil {
		return NetworkMetrics{}, storageErr(err)
	}
	recent, err := o.store.RecentSettlements(ctx, o.cfg.RecentLimit)
	if err != nil {
		return NetworkMetrics{}, storageErr(err)
	}
	days := o.daysSinceLaunch(now)
	st := o.alloc.Snapshot()
	m := NetworkMetrics{
		Activity:          snap,
		ActivityRatio:     snap.Ratio,
		DaysSinceLaunch:   days,
		DecayMultiplier:   o.cfg.Reward.DecayMultiplier(days),
		Treasury:          st,
		TreasuryTier:      st.Tier,
		RecentSettlements: make([]Settlement, 0, len(recent)),
		BaseRate:          o.cfg.Reward.BaseRate,
		GeneratedAt:       now,
	}
	for _, j := range recent {
		if j.Settlement != nil {
			m.RecentSettlements = append(m.RecentSettlements, *j.Settlement)
		}
	}
	o.observer.ObserveActivity(snap)
	o.observer.ObserveTreasury(st)
	return m, nil
}

// EstimateRequest asks what a job would earn right now.
type EstimateRequest struct {
	MachineID       string  `json:"machine_id"`
	DurationSeconds float64 `json:"duration_seconds"`
	Complexity      float64 `json:"complexity"`
}

// EstimateReward evaluates the reward formula with live network inputs.
// With no machine id a fully warmed-up machine at trust 100 is assumed.
func (o *Orchestrator) EstimateReward(ctx context.Context, req EstimateRequest) (reward.Breakdown, error) {
	score, jobs := trust.MaxScore, int64(o.cfg.Reward.WarmupJobs)
	if req.MachineID != "" {
		m, err := o.store.GetMachine(ctx, req.MachineID)
		if err != nil {
			return reward.Breakdown{}, storageErr(err)
		}
		if !m.Eligible() {
			score = 0
		} else {
			score = m.Score
		}
		jobs = m.JobCount
	}
	snap, err := o.activity.Snapshot(ctx)
	if err != nil {
		return reward.Breakdown{}, storageErr(err)
	}
	b := o.cfg.Reward.Compute(reward.Input{
		DurationSeconds: req.DurationSeconds,
		Complexity:      req.Complexity,
		ActivityRatio:   snap.Ratio,
		DaysSinceLaunch: o.daysSinceLaunch(o.now()),
		TrustScore:      score,
		JobCount:        jobs,
	})
	if score == 0 {
		b.Reward = 0
	}
	return b, nil
}

func (o *Orchestrator) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, CodeOf(err))
	return err
}

func duplicateOf(j Job) Settlement {
	if j.Settlement == nil {
		return Settlement{JobHash: j.Hash, MachineID: j.MachineID, Duplicate: true}
	}
	s := *j.Settlement
	s.Duplicate = true
	return s
}

func validateHash(hash string) error {
	if strings.TrimSpace(hash) == "" {
		return ErrInvalidRequest.Withf("job_hash is required")
	}
	if strings.TrimSpace(hash) != hash {
		return ErrInvalidRequest.Withf("job_hash must not have surrounding whitespace")
	}
	if len(hash) > 256 {
		return ErrInvalidRequest.Withf("job_hash longer than 256 characters")
	}
	return nil
}
