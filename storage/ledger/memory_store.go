// Package ledger persists machines, jobs, trust verdicts and the treasury
// snapshot. MemoryStore backs tests and single-process deployments;
// PGStore backs everything else.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"foundry-backend/core/settlement"
	"foundry-backend/core/treasury"
	"foundry-backend/core/trust"
)

// MemoryStore holds ledger data in memory.
// The single RWMutex makes every check-and-set atomic across maps.
type MemoryStore struct {
	mu             sync.RWMutex
	machines       map[string]settlement.Machine
	jobs           map[string]settlement.Job
	verdicts       map[string]settlement.TrustVerdict
	treasury       *treasury.State
	treasuryEvents []treasury.Event
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		machines: make(map[string]settlement.Machine),
		jobs:     make(map[string]settlement.Job),
		verdicts: make(map[string]settlement.TrustVerdict),
	}
}

var _ settlement.Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateMachine(_ context.Context, m settlement.Machine) (settlement.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.machines[m.ID]; ok {
		return existing, settlement.ErrDuplicateMachine
	}
	s.machines[m.ID] = m
	return m, nil
}

func (s *MemoryStore) GetMachine(_ context.Context, id string) (settlement.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	if !ok {
		return settlement.Machine{}, settlement.ErrMachineNotRegistered
	}
	return m, nil
}

// PutMachine overwrites a machine. It exists for seeding and tests.
func (s *MemoryStore) PutMachine(m settlement.Machine) {
	s.mu.Lock()
	s.machines[m.ID] = m
	s.mu.Unlock()
}

func (s *MemoryStore) ApplyVerdict(_ context.Context, v settlement.TrustVerdict, transition func(trust.Record) (trust.Record, bool)) (settlement.TrustVerdict, settlement.Machine, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[v.MachineID]
	if !ok {
		return settlement.TrustVerdict{}, settlement.Machine{}, false, settlement.ErrMachineNotRegistered
	}
	if prior, ok := s.verdicts[v.JobHash]; ok {
		return prior, m, true, nil
	}

	v.Before = m.Record
	v.After, v.Applied = transition(m.Record)
	if v.Applied {
		m.Record = v.After
		m.UpdatedAt = v.ReceivedAt
		s.machines[m.ID] = m
	}
	s.verdicts[v.JobHash] = v
	return v, m, false, nil
}

func (s *MemoryStore) CreateJob(_ context.Context, j settlement.Job) (settlement.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[j.Hash]; ok {
		return existing, settlement.ErrDuplicateJob
	}
	if _, ok := s.machines[j.MachineID]; !ok {
		return settlement.Job{}, settlement.ErrMachineNotRegistered
	}
	s.jobs[j.Hash] = j
	return j, nil
}

func (s *MemoryStore) GetJob(_ context.Context, hash string) (settlement.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[hash]
	if !ok {
		return settlement.Job{}, settlement.ErrJobNotFound
	}
	return j, nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, hash string, c settlement.Completion) (settlement.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[hash]
	if !ok {
		return settlement.Job{}, settlement.ErrJobNotFound
	}
	switch j.Status {
	case settlement.StatusCompleted:
		return j, settlement.ErrAlreadyCompleted
	case settlement.StatusStarted:
	default:
		return j, settlement.ErrInvalidState
	}

	completedAt := c.CompletedAt
	proof := c.Proof
	result := c.Settlement
	j.Status = settlement.StatusCompleted
	j.CompletedAt = &completedAt
	j.Proof = &proof
	j.Settlement = &result
	s.jobs[hash] = j

	if m, ok := s.machines[j.MachineID]; ok {
		m.JobCount++
		m.WorkSeconds += c.WorkSeconds
		m.UpdatedAt = completedAt
		s.machines[m.ID] = m
	}
	return j, nil
}

func (s *MemoryStore) RejectJob(_ context.Context, hash string, r settlement.Rejection) (settlement.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[hash]
	if !ok {
		return settlement.Job{}, settlement.ErrJobNotFound
	}
	if j.Status != settlement.StatusStarted {
		return j, settlement.ErrInvalidState
	}
	at := r.RejectedAt
	proof := r.Proof
	j.Status = settlement.StatusRejected
	j.CompletedAt = &at
	j.Proof = &proof
	j.RejectReason = r.Reason
	s.jobs[hash] = j
	return j, nil
}

func (s *MemoryStore) AddCommunityFlag(_ context.Context, hash string, f settlement.CommunityFlag) (settlement.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[hash]
	if !ok {
		return settlement.Job{}, settlement.ErrJobNotFound
	}
	j.CommunityFlags = append(append([]settlement.CommunityFlag(nil), j.CommunityFlags...), f)
	s.jobs[hash] = j
	return j, nil
}

func (s *MemoryStore) ListRecentByMachine(_ context.Context, machineID string, limit int) ([]settlement.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]settlement.Job, 0)
	for _, j := range s.jobs {
		if j.MachineID == machineID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AggregateActivity(_ context.Context, since time.Time) (settlement.ActivityTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var totals settlement.ActivityTotals
	active := make(map[string]struct{})
	for _, j := range s.jobs {
		if j.Status != settlement.StatusCompleted || j.CompletedAt == nil || j.CompletedAt.Before(since) {
			continue
		}
		totals.CompletedJobs++
		if j.Settlement != nil {
			totals.WorkSeconds += j.Settlement.DurationSeconds
		}
		active[j.MachineID] = struct{}{}
	}
	totals.ActiveMachines = len(active)
	return totals, nil
}

func (s *MemoryStore) PayoutTotalSince(_ context.Context, machineID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, j := range s.jobs {
		if j.MachineID != machineID || j.Status != settlement.StatusCompleted || j.CompletedAt == nil {
			continue
		}
		if j.CompletedAt.Before(since) {
			continue
		}
		total += j.RewardUnits()
	}
	return total, nil
}

func (s *MemoryStore) RecentSettlements(_ context.Context, limit int) ([]settlement.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]settlement.Job, 0)
	for _, j := range s.jobs {
		if j.Status == settlement.StatusCompleted && j.Settlement != nil {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CompletedAt.After(*out[b].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RecordTreasury(_ context.Context, st treasury.State, ev treasury.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := st
	s.treasury = &snapshot
	s.treasuryEvents = append(s.treasuryEvents, ev)
	return nil
}

func (s *MemoryStore) LoadTreasury(_ context.Context) (*treasury.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.treasury == nil {
		return nil, nil
	}
	st := *s.treasury
	return &st, nil
}

// TreasuryEvents returns the audit trail recorded so far.
func (s *MemoryStore) TreasuryEvents() []treasury.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]treasury.Event(nil), s.treasuryEvents...)
}
