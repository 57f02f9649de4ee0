package settlement

import (
	"context"
	"time"

	"foundry-backend/core/treasury"
	"foundry-backend/core/trust"
)

// MachineStore persists machines and their trust.
type MachineStore interface {
	// CreateMachine fails with ErrDuplicateMachine and returns the stored
	// machine when the id is taken.
	CreateMachine(ctx context.Context, m Machine) (Machine, error)
	GetMachine(ctx context.Context, id string) (Machine, error)

	// ApplyVerdict records v and applies transition to the machine's trust
	// in one atomic step. A second verdict for the same job hash is not
	// applied: the first stored verdict is returned with duplicate=true.
	ApplyVerdict(ctx context.Context, v TrustVerdict, transition func(trust.Record) (trust.Record, bool)) (stored TrustVerdict, m Machine, duplicate bool, err error)
}

// JobStore is the Job Ledger.
type JobStore interface {
	// CreateJob fails with ErrDuplicateJob and returns the stored job when
	// the hash exists.
	CreateJob(ctx context.Context, j Job) (Job, error)
	GetJob(ctx context.Context, hash string) (Job, error)

	// CompleteJob moves a started job to completed and credits the owning
	// machine's job count and work seconds. It fails with
	// ErrAlreadyCompleted, returning the stored job, when the job is
	// already completed, and with ErrInvalidState when it was rejected.
	CompleteJob(ctx context.Context, hash string, c Completion) (Job, error)

	// RejectJob moves a started job to rejected.
	RejectJob(ctx context.Context, hash string, r Rejection) (Job, error)

	// AddCommunityFlag appends a flag and returns the job with all flags.
	AddCommunityFlag(ctx context.Context, hash string, f CommunityFlag) (Job, error)

	ListRecentByMachine(ctx context.Context, machineID string, limit int) ([]Job, error)
	AggregateActivity(ctx context.Context, since time.Time) (ActivityTotals, error)
	PayoutTotalSince(ctx context.Context, machineID string, since time.Time) (int64, error)
	RecentSettlements(ctx context.Context, limit int) ([]Job, error)
}

// TreasuryStore persists the treasury aggregate and its audit trail.
type TreasuryStore interface {
	treasury.Journal
	// LoadTreasury returns nil when no snapshot was saved yet.
	LoadTreasury(ctx context.Context) (*treasury.State, error)
}

// Store is everything the orchestrator persists.
type Store interface {
	MachineStore
	JobStore
	TreasuryStore
}
