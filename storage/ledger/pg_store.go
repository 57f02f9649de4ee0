package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"foundry-backend/core/settlement"
	"foundry-backend/core/treasury"
	"foundry-backend/core/trust"
)

// PGStore persists the ledger in Postgres. Job completion is guarded twice:
// the row is locked FOR UPDATE and the update is conditional on
// status='started'.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects and initializes the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return s, nil
}

var _ settlement.Store = (*PGStore)(nil)

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// Pool exposes the connection pool to stores sharing the database.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// Ping checks connectivity.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS machines (
  machine_id TEXT PRIMARY KEY,
  public_key TEXT NOT NULL,
  owner_wallet TEXT,
  metadata JSONB,
  trust_score INT NOT NULL DEFAULT 100,
  trust_state TEXT NOT NULL DEFAULT 'healthy',
  probation_count INT NOT NULL DEFAULT 0,
  job_count BIGINT NOT NULL DEFAULT 0,
  work_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
  registered_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
  job_hash TEXT PRIMARY KEY,
  machine_id TEXT NOT NULL REFERENCES machines(machine_id),
  complexity DOUBLE PRECISION NOT NULL,
  declared_duration DOUBLE PRECISION NOT NULL DEFAULT 0,
  payload JSONB,
  payload_cid TEXT,
  status TEXT NOT NULL,
  started_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ,
  proof JSONB,
  settlement JSONB,
  reward_units BIGINT NOT NULL DEFAULT 0,
  work_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
  tx_ref TEXT,
  reject_reason TEXT,
  community_flags JSONB NOT NULL DEFAULT '[]'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_jobs_machine_started ON jobs(machine_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status_completed ON jobs(status, completed_at);
CREATE TABLE IF NOT EXISTS trust_verdicts (
  job_hash TEXT PRIMARY KEY,
  machine_id TEXT NOT NULL REFERENCES machines(machine_id),
  verdict TEXT NOT NULL,
  confidence DOUBLE PRECISION NOT NULL,
  delta DOUBLE PRECISION NOT NULL,
  applied BOOLEAN NOT NULL,
  before_state JSONB NOT NULL,
  after_state JSONB NOT NULL,
  received_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS treasury_state (
  id SMALLINT PRIMARY KEY CHECK (id = 1),
  state JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS treasury_events (
  id BIGSERIAL PRIMARY KEY,
  kind TEXT NOT NULL,
  job_hash TEXT,
  source TEXT,
  amount BIGINT NOT NULL,
  tx_ref TEXT,
  reason TEXT,
  at TIMESTAMPTZ NOT NULL,
  state JSONB NOT NULL
);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const machineColumns = `machine_id, public_key, owner_wallet, metadata, trust_score, trust_state, probation_count, job_count, work_seconds, registered_at, updated_at`

func scanMachine(row pgx.Row) (settlement.Machine, error) {
	var (
		m        settlement.Machine
		owner    *string
		metaJSON []byte
		state    string
	)
	err := row.Scan(&m.ID, &m.PublicKey, &owner, &metaJSON, &m.Score, &state, &m.Probations, &m.JobCount, &m.WorkSeconds, &m.RegisteredAt, &m.UpdatedAt)
	if err != nil {
		return settlement.Machine{}, err
	}
	if owner != nil {
		m.OwnerWallet = *owner
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &m.Metadata)
	}
	m.State = trust.State(state)
	m.Record = m.Record.Normalize()
	return m, nil
}

func (s *PGStore) CreateMachine(ctx context.Context, m settlement.Machine) (settlement.Machine, error) {
	var metaJSON any
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return settlement.Machine{}, settlement.ErrInvalidRequest.Wrap(err)
		}
		metaJSON = string(b)
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO machines (machine_id, public_key, owner_wallet, metadata, trust_score, trust_state, probation_count, job_count, work_seconds, registered_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (machine_id) DO NOTHING
`, m.ID, m.PublicKey, m.OwnerWallet, metaJSON, m.Score, string(m.State), m.Probations, m.JobCount, m.WorkSeconds, m.RegisteredAt, m.UpdatedAt)
	if err != nil {
		return settlement.Machine{}, err
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetMachine(ctx, m.ID)
		if err != nil {
			return settlement.Machine{}, err
		}
		return existing, settlement.ErrDuplicateMachine
	}
	return m, nil
}

func (s *PGStore) GetMachine(ctx context.Context, id string) (settlement.Machine, error) {
	m, err := scanMachine(s.pool.QueryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE machine_id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.Machine{}, settlement.ErrMachineNotRegistered
	}
	return m, err
}

func (s *PGStore) ApplyVerdict(ctx context.Context, v settlement.TrustVerdict, transition func(trust.Record) (trust.Record, bool)) (settlement.TrustVerdict, settlement.Machine, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return settlement.TrustVerdict{}, settlement.Machine{}, false, err
	}
	defer tx.Rollback(ctx)

	if prior, err := scanVerdict(tx.QueryRow(ctx, `SELECT `+verdictColumns+` FROM trust_verdicts WHERE job_hash=$1`, v.JobHash)); err == nil {
		m, err := s.GetMachine(ctx, prior.MachineID)
		return prior, m, true, err
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return settlement.TrustVerdict{}, settlement.Machine{}, false, err
	}

	m, err := scanMachine(tx.QueryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE machine_id=$1 FOR UPDATE`, v.MachineID))
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.TrustVerdict{}, settlement.Machine{}, false, settlement.ErrMachineNotRegistered
	}
	if err != nil {
		return settlement.TrustVerdict{}, settlement.Machine{}, false, err
	}

	v.Before = m.Record
	v.After, v.Applied = transition(m.Record)
	before, _ := json.Marshal(v.Before)
	after, _ := json.Marshal(v.After)

	tag, err := tx.Exec(ctx, `
INSERT INTO trust_verdicts (job_hash, machine_id, verdict, confidence, delta, applied, before_state, after_state, received_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (job_hash) DO NOTHING
`, v.JobHash, v.MachineID, string(v.Verdict), v.Confidence, v.Delta, v.Applied, string(before), string(after), v.ReceivedAt)
	if err != nil {
		return settlement.TrustVerdict{}, settlement.Machine{}, false, err
	}
	if tag.RowsAffected() == 0 {
		// A concurrent verdict for the same job won the insert.
		_ = tx.Rollback(ctx)
		prior, err := scanVerdict(s.pool.QueryRow(ctx, `SELECT `+verdictColumns+` FROM trust_verdicts WHERE job_hash=$1`, v.JobHash))
		if err != nil {
			return settlement.TrustVerdict{}, settlement.Machine{}, false, err
		}
		m, err := s.GetMachine(ctx, prior.MachineID)
		return prior, m, true, err
	}

	if v.Applied {
		m.Record = v.After
		m.UpdatedAt = v.ReceivedAt
		if _, err := tx.Exec(ctx, `
UPDATE machines SET trust_score=$2, trust_state=$3, probation_count=$4, updated_at=$5 WHERE machine_id=$1
`, m.ID, m.Score, string(m.State), m.Probations, m.UpdatedAt); err != nil {
			return settlement.TrustVerdict{}, settlement.Machine{}, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return settlement.TrustVerdict{}, settlement.Machine{}, false, err
	}
	return v, m, false, nil
}

const verdictColumns = `job_hash, machine_id, verdict, confidence, delta, applied, before_state, after_state, received_at`

func scanVerdict(row pgx.Row) (settlement.TrustVerdict, error) {
	var (
		v             settlement.TrustVerdict
		verdict       string
		before, after []byte
	)
	if err := row.Scan(&v.JobHash, &v.MachineID, &verdict, &v.Confidence, &v.Delta, &v.Applied, &before, &after, &v.ReceivedAt); err != nil {
		return settlement.TrustVerdict{}, err
	}
	v.Verdict = trust.Verdict(verdict)
	_ = json.Unmarshal(before, &v.Before)
	_ = json.Unmarshal(after, &v.After)
	return v, nil
}

const jobColumns = `job_hash, machine_id, complexity, declared_duration, payload, payload_cid, status, started_at, completed_at, proof, settlement, reject_reason, community_flags`

func scanJob(row pgx.Row) (settlement.Job, error) {
	var (
		j                          settlement.Job
		payload, proof, settleJSON []byte
		flagsJSON                  []byte
		cid, rejectReason          *string
		status                     string
	)
	err := row.Scan(&j.Hash, &j.MachineID, &j.Complexity, &j.DeclaredDuration, &payload, &cid, &status, &j.StartedAt, &j.CompletedAt, &proof, &settleJSON, &rejectReason, &flagsJSON)
	if err != nil {
		return settlement.Job{}, err
	}
	j.Status = settlement.JobStatus(status)
	if len(payload) > 0 {
		j.Payload = json.RawMessage(payload)
	}
	if cid != nil {
		j.PayloadCID = *cid
	}
	if rejectReason != nil {
		j.RejectReason = *rejectReason
	}
	if len(proof) > 0 {
		var p settlement.Proof
		if err := json.Unmarshal(proof, &p); err == nil {
			j.Proof = &p
		}
	}
	if len(settleJSON) > 0 {
		var st settlement.Settlement
		if err := json.Unmarshal(settleJSON, &st); err == nil {
			j.Settlement = &st
		}
	}
	if len(flagsJSON) > 0 {
		_ = json.Unmarshal(flagsJSON, &j.CommunityFlags)
	}
	return j, nil
}

func scanJobs(rows pgx.Rows) ([]settlement.Job, error) {
	defer rows.Close()
	out := make([]settlement.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func jsonParam(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (s *PGStore) CreateJob(ctx context.Context, j settlement.Job) (settlement.Job, error) {
	var cid any
	if j.PayloadCID != "" {
		cid = j.PayloadCID
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO jobs (job_hash, machine_id, complexity, declared_duration, payload, payload_cid, status, started_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (job_hash) DO NOTHING
`, j.Hash, j.MachineID, j.Complexity, j.DeclaredDuration, jsonParam(j.Payload), cid, string(j.Status), j.StartedAt)
	if err != nil {
		return settlement.Job{}, err
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetJob(ctx, j.Hash)
		if err != nil {
			return settlement.Job{}, err
		}
		return existing, settlement.ErrDuplicateJob
	}
	return j, nil
}

func (s *PGStore) GetJob(ctx context.Context, hash string) (settlement.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_hash=$1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.Job{}, settlement.ErrJobNotFound
	}
	return j, err
}

func (s *PGStore) CompleteJob(ctx context.Context, hash string, c settlement.Completion) (settlement.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return settlement.Job{}, err
	}
	defer tx.Rollback(ctx)

	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_hash=$1 FOR UPDATE`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.Job{}, settlement.ErrJobNotFound
	}
	if err != nil {
		return settlement.Job{}, err
	}
	switch j.Status {
	case settlement.StatusCompleted:
		return j, settlement.ErrAlreadyCompleted
	case settlement.StatusStarted:
	default:
		return j, settlement.ErrInvalidState
	}

	proof, _ := json.Marshal(c.Proof)
	result, err := json.Marshal(c.Settlement)
	if err != nil {
		return settlement.Job{}, err
	}
	tag, err := tx.Exec(ctx, `
UPDATE jobs SET status='completed', completed_at=$2, proof=$3, settlement=$4, reward_units=$5, work_seconds=$6, tx_ref=$7
WHERE job_hash=$1 AND status='started'
`, hash, c.CompletedAt, string(proof), string(result), c.Settlement.RewardUnits, c.WorkSeconds, c.Settlement.TxRef)
	if err != nil {
		return settlement.Job{}, err
	}
	if tag.RowsAffected() == 0 {
		return j, settlement.ErrAlreadyCompleted
	}
	if _, err := tx.Exec(ctx, `
UPDATE machines SET job_count=job_count+1, work_seconds=work_seconds+$2, updated_at=$3 WHERE machine_id=$1
`, j.MachineID, c.WorkSeconds, c.CompletedAt); err != nil {
		return settlement.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return settlement.Job{}, err
	}

	completedAt := c.CompletedAt
	st := c.Settlement
	pr := c.Proof
	j.Status = settlement.StatusCompleted
	j.CompletedAt = &completedAt
	j.Settlement = &st
	j.Proof = &pr
	return j, nil
}

func (s *PGStore) RejectJob(ctx context.Context, hash string, r settlement.Rejection) (settlement.Job, error) {
	proof, _ := json.Marshal(r.Proof)
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET status='rejected', completed_at=$2, proof=$3, reject_reason=$4
WHERE job_hash=$1 AND status='started'
`, hash, r.RejectedAt, string(proof), r.Reason)
	if err != nil {
		return settlement.Job{}, err
	}
	j, err := s.GetJob(ctx, hash)
	if err != nil {
		return settlement.Job{}, err
	}
	if tag.RowsAffected() == 0 {
		return j, settlement.ErrInvalidState
	}
	return j, nil
}

func (s *PGStore) AddCommunityFlag(ctx context.Context, hash string, f settlement.CommunityFlag) (settlement.Job, error) {
	flag, err := json.Marshal([]settlement.CommunityFlag{f})
	if err != nil {
		return settlement.Job{}, err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET community_flags = community_flags || $2::jsonb WHERE job_hash=$1
`, hash, string(flag))
	if err != nil {
		return settlement.Job{}, err
	}
	if tag.RowsAffected() == 0 {
		return settlement.Job{}, settlement.ErrJobNotFound
	}
	return s.GetJob(ctx, hash)
}

func (s *PGStore) ListRecentByMachine(ctx context.Context, machineID string, limit int) ([]settlement.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE machine_id=$1 ORDER BY started_at DESC LIMIT $2`, machineID, limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *PGStore) AggregateActivity(ctx context.Context, since time.Time) (settlement.ActivityTotals, error) {
	var totals settlement.ActivityTotals
	err := s.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(work_seconds), 0), COUNT(DISTINCT machine_id), COUNT(*)
FROM jobs WHERE status='completed' AND completed_at >= $1
`, since).Scan(&totals.WorkSeconds, &totals.ActiveMachines, &totals.CompletedJobs)
	return totals, err
}

func (s *PGStore) PayoutTotalSince(ctx context.Context, machineID string, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(reward_units), 0)::BIGINT FROM jobs
WHERE machine_id=$1 AND status='completed' AND completed_at >= $2
`, machineID, since).Scan(&total)
	return total, err
}

func (s *PGStore) RecentSettlements(ctx context.Context, limit int) ([]settlement.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+` FROM jobs WHERE status='completed' AND settlement IS NOT NULL
ORDER BY completed_at DESC LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *PGStore) RecordTreasury(ctx context.Context, st treasury.State, ev treasury.Event) error {
	state, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
INSERT INTO treasury_events (kind, job_hash, source, amount, tx_ref, reason, at, state)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, string(ev.Kind), ev.JobHash, string(ev.Source), ev.Amount, ev.TxRef, ev.Reason, ev.At, string(state)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO treasury_state (id, state, updated_at) VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE SET state=EXCLUDED.state, updated_at=EXCLUDED.updated_at
`, string(state), ev.At); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) LoadTreasury(ctx context.Context) (*treasury.State, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM treasury_state WHERE id=1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st treasury.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode treasury state: %w", err)
	}
	return &st, nil
}

// TreasuryEvents returns the most recent audit events, newest first.
func (s *PGStore) TreasuryEvents(ctx context.Context, limit int) ([]treasury.Event, error) {
	rows, err := s.pool.Query(ctx, `
SELECT kind, COALESCE(job_hash,''), COALESCE(source,''), amount, COALESCE(tx_ref,''), COALESCE(reason,''), at
FROM treasury_events ORDER BY id DESC LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []treasury.Event
	for rows.Next() {
		var (
			ev           treasury.Event
			kind, source string
		)
		if err := rows.Scan(&kind, &ev.JobHash, &source, &ev.Amount, &ev.TxRef, &ev.Reason, &ev.At); err != nil {
			return nil, err
		}
		ev.Kind = treasury.EventKind(kind)
		ev.Source = treasury.Source(source)
		out = append(out, ev)
	}
	return out, rows.Err()
}
