package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/computex/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	head        model.JournalHead
	audit       []model.AuditRecord
	balances    map[string]model.Balance
	applied     map[string]*model.Receipt
	failed      map[string]model.FailedApplication
	failedOrder []string
	sla         map[string]model.SlaRecord
	activation  []model.ActivationTransition
	reputation  map[string]model.ReputationScore
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:   make(map[string]model.Balance),
		applied:    make(map[string]*model.Receipt),
		failed:     make(map[string]model.FailedApplication),
		sla:        make(map[string]model.SlaRecord),
		reputation: make(map[string]model.ReputationScore),
	}
}

func (s *MemoryStore) Head(_ context.Context) (model.JournalHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, party string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[party].Amount, nil
}

func (s *MemoryStore) ListBalances(_ context.Context) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Balance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Party < out[j].Party })
	return out, nil
}

func (s *MemoryStore) IsApplied(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.applied[key]
	return ok, nil
}

func (s *MemoryStore) GetReceipt(_ context.Context, key string) (*model.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.applied[key]
	if !ok || r == nil {
		return nil, fmt.Errorf("receipt %s: %w", key, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) CommitEntry(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before touching state so the commit is all-or-nothing.
	if e.IndexKey != "" {
		if _, ok := s.applied[e.IndexKey]; ok {
			return ErrAlreadyApplied
		}
	}
	if e.Record != nil && e.Record.Sequence != s.head.Sequence+1 {
		return fmt.Errorf("append %d after %d: %w", e.Record.Sequence, s.head.Sequence, ErrSequenceGap)
	}

	if e.Record != nil {
		s.audit = append(s.audit, *e.Record)
		s.head = model.JournalHead{Sequence: e.Record.Sequence, Digest: e.Record.Digest}
	}
	for _, b := range e.Balances {
		s.balances[b.Party] = b
	}
	if e.IndexKey != "" {
		var r *model.Receipt
		if e.Receipt != nil {
			copy := *e.Receipt
			r = &copy
		}
		s.applied[e.IndexKey] = r
	}
	if e.Archive != nil {
		key := e.Archive.Receipt.IdempotencyKey
		if _, ok := s.failed[key]; !ok {
			s.failedOrder = append(s.failedOrder, key)
		}
		s.failed[key] = *e.Archive
	}
	if e.Unarchive != "" {
		if _, ok := s.failed[e.Unarchive]; ok {
			delete(s.failed, e.Unarchive)
			for i, k := range s.failedOrder {
				if k == e.Unarchive {
					s.failedOrder = append(s.failedOrder[:i], s.failedOrder[i+1:]...)
					break
				}
			}
		}
	}
	return nil
}

func (s *MemoryStore) GetFailed(_ context.Context, key string) (*model.FailedApplication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.failed[key]
	if !ok {
		return nil, fmt.Errorf("failed application %s: %w", key, ErrNotFound)
	}
	return &f, nil
}

func (s *MemoryStore) ListFailed(_ context.Context) ([]model.FailedApplication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.FailedApplication, 0, len(s.failedOrder))
	for _, k := range s.failedOrder {
		out = append(out, s.failed[k])
	}
	return out, nil
}

func (s *MemoryStore) AuditRange(_ context.Context, from uint64, limit int) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Sequences start at 1 and are gap-free, so the record for seq n is at n-1.
	start := 0
	if from > 1 {
		start = int(from - 1)
	}
	if start >= len(s.audit) {
		return nil, nil
	}
	end := len(s.audit)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]model.AuditRecord, end-start)
	copy(out, s.audit[start:end])
	return out, nil
}

func (s *MemoryStore) RecentDigests(_ context.Context, limit int) ([]model.Digest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Digest
	for i := len(s.audit) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, model.Digest{Sequence: s.audit[i].Sequence, Value: s.audit[i].Digest})
	}
	return out, nil
}

func (s *MemoryStore) PutSLA(_ context.Context, r *model.SlaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sla[r.JobID] = *r
	return nil
}

func (s *MemoryStore) GetSLA(_ context.Context, jobID string) (*model.SlaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.sla[jobID]
	if !ok {
		return nil, fmt.Errorf("sla %s: %w", jobID, ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) DeleteSLA(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sla[jobID]; !ok {
		return fmt.Errorf("sla %s: %w", jobID, ErrNotFound)
	}
	delete(s.sla, jobID)
	return nil
}

func (s *MemoryStore) ListSLA(_ context.Context) ([]model.SlaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.SlaRecord, 0, len(s.sla))
	for _, r := range s.sla {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func (s *MemoryStore) AppendTransition(_ context.Context, t model.ActivationTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Version != uint64(len(s.activation))+1 {
		return fmt.Errorf("append version %d after %d: %w", t.Version, len(s.activation), ErrVersionConflict)
	}
	s.activation = append(s.activation, t)
	return nil
}

func (s *MemoryStore) ActivationHistory(_ context.Context) ([]model.ActivationTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ActivationTransition, len(s.activation))
	copy(out, s.activation)
	return out, nil
}

func (s *MemoryStore) PutReputation(_ context.Context, r model.ReputationScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reputation[r.ProviderID] = r
	return nil
}

func (s *MemoryStore) GetReputation(_ context.Context, providerID string) (*model.ReputationScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reputation[providerID]
	if !ok {
		return nil, fmt.Errorf("reputation %s: %w", providerID, ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) ListReputation(_ context.Context) ([]model.ReputationScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ReputationScore, 0, len(s.reputation))
	for _, r := range s.reputation {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}
