// Package settlement owns the life of a job from submission to payout:
// the ledger contracts, the completion pipeline and the network activity
// view that feeds the reward formula.
package settlement

import (
	"encoding/json"
	"time"

	"foundry-backend/core/reward"
	"foundry-backend/core/trust"
)

// JobStatus is the position of a job in its lifecycle.
// started -> completed and started -> rejected are the only transitions.
type JobStatus string

const (
	StatusStarted   JobStatus = "started"
	StatusCompleted JobStatus = "completed"
	StatusRejected  JobStatus = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// Outcome codes recorded on a completed job.
const (
	OutcomePaid            = "paid"
	OutcomeTrustIneligible = "trust_ineligible"
)

// Machine is a registered worker identity.
type Machine struct {
	ID          string         `json:"machine_id"`
	PublicKey   string         `json:"public_key"`
	OwnerWallet string         `json:"owner_wallet,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	trust.Record
	JobCount     int64     `json:"job_count"`
	WorkSeconds  float64   `json:"work_seconds"`
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OnProbation reports the probation flag of the data model.
func (m Machine) OnProbation() bool { return m.State == trust.Probation }

// IsBanned reports the ban flag of the data model.
func (m Machine) IsBanned() bool { return m.State == trust.Banned }

// Proof is a machine's signed completion claim.
type Proof struct {
	RecipientWallet string `json:"recipient_wallet"`
	Timestamp       string `json:"timestamp"`
	Signature       string `json:"signature"`
}

// FeeBreakdown splits a gross reward into its transfer legs, in base units.
type FeeBreakdown struct {
	Gross          int64 `json:"gross"`
	Worker         int64 `json:"agent_reward"`
	TreasuryFee    int64 `json:"treasury_fee"`
	FounderFee     int64 `json:"founder_fee"`
	TreasuryFeeBps int64 `json:"treasury_fee_bps"`
	FounderFeeBps  int64 `json:"founder_fee_bps"`
}

// Settlement is the finalized result of completing a job.
type Settlement struct {
	JobHash         string           `json:"job_hash"`
	MachineID       string           `json:"machine_id"`
	RecipientWallet string           `json:"recipient_wallet"`
	Outcome         string           `json:"outcome"`
	Reward          float64          `json:"reward"`
	RewardUnits     int64            `json:"reward_units"`
	Fees            FeeBreakdown     `json:"fee_breakdown"`
	Source          string           `json:"source,omitempty"`
	TxRef           string           `json:"tx_ref,omitempty"`
	ActivityRatio   float64          `json:"activity_ratio"`
	Complexity      float64          `json:"complexity_claimed"`
	DurationSeconds float64          `json:"duration_seconds"`
	Breakdown       reward.Breakdown `json:"breakdown"`
	CompletedAt     time.Time        `json:"completed_at"`
	Duplicate       bool             `json:"duplicate,omitempty"`
}

// CommunityFlag is a report filed against a job by a community member.
// Flags are informational; only the scorer moves trust.
type CommunityFlag struct {
	Reason    string    `json:"flag_reason"`
	Member    string    `json:"community_member"`
	CreatedAt time.Time `json:"created_at"`
}

// Job is one declared unit of work.
type Job struct {
	Hash             string          `json:"job_hash"`
	MachineID        string          `json:"machine_id"`
	Complexity       float64         `json:"complexity"`
	DeclaredDuration float64         `json:"declared_duration_seconds,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	PayloadCID       string          `json:"payload_cid,omitempty"`
	Status           JobStatus       `json:"status"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Proof            *Proof          `json:"proof,omitempty"`
	Settlement       *Settlement     `json:"settlement,omitempty"`
	RejectReason     string          `json:"reject_reason,omitempty"`
	CommunityFlags   []CommunityFlag `json:"community_flags,omitempty"`
}

// RewardUnits is the gross amount paid for the job, zero until completed.
func (j Job) RewardUnits() int64 {
	if j.Settlement == nil {
		return 0
	}
	return j.Settlement.RewardUnits
}

// TxRef is the transfer reference of the job's settlement, if any.
func (j Job) TxRef() string {
	if j.Settlement == nil {
		return ""
	}
	return j.Settlement.TxRef
}

// Completion is everything the ledger records when a job completes.
type Completion struct {
	Proof       Proof
	Settlement  Settlement
	WorkSeconds float64
	CompletedAt time.Time
}

// Rejection records a failed proof.
type Rejection struct {
	Proof      Proof
	Reason     string
	RejectedAt time.Time
}

// TrustVerdict is one scorer message, keyed by job hash.
type TrustVerdict struct {
	JobHash    string        `json:"job_hash"`
	MachineID  string        `json:"machine_id"`
	Verdict    trust.Verdict `json:"verdict"`
	Confidence float64       `json:"confidence"`
	Delta      float64       `json:"delta"`
	Applied    bool          `json:"applied"`
	Before     trust.Record  `json:"before"`
	After      trust.Record  `json:"after"`
	ReceivedAt time.Time     `json:"received_at"`
}

// ActivityTotals is the raw aggregate of completed work in a window.
type ActivityTotals struct {
	WorkSeconds    float64 `json:"work_seconds"`
	ActiveMachines int     `json:"active_machines"`
	CompletedJobs  int     `json:"completed_jobs"`
}
