package settler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meridian-dex/liquidityd/pkg/db/queue"
	"github.com/meridian-dex/liquidityd/pkg/ledger"
	"github.com/meridian-dex/liquidityd/pkg/models"
)

// fakeStore is an in-memory queue.Store sharing the production eligibility
// predicate and transition rules.
type fakeStore struct {
	mu        sync.Mutex
	reqs      map[uint64]*models.WithdrawalRequest
	snapshots []*models.PoolSnapshot
	findErr   error
}

var _ queue.Store = (*fakeStore)(nil)

func newFakeStore(reqs ...*models.WithdrawalRequest) *fakeStore {
	s := &fakeStore{reqs: make(map[uint64]*models.WithdrawalRequest)}
	for _, r := range reqs {
		cp := *r
		if cp.Status == "" {
			cp.Status = models.StatusQueued
		}
		s.reqs[cp.RequestID] = &cp
	}
	return s
}

func (s *fakeStore) InitializeDB(context.Context) error { return nil }
func (s *fakeStore) Health(context.Context) error       { return nil }
func (s *fakeStore) Close() error                       { return nil }

func (s *fakeStore) Enqueue(_ context.Context, req *models.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.reqs[cp.RequestID] = &cp
	return nil
}

func (s *fakeStore) FindEligible(_ context.Context, now time.Time, delay time.Duration, maxAttempts uint32) ([]*models.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	var out []*models.WithdrawalRequest
	for _, r := range s.reqs {
		if r.EligibleAt(now, delay, maxAttempts) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out, nil
}

func (s *fakeStore) GetRequest(_ context.Context, requestID uint64) (*models.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[requestID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, requestID uint64, status models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[requestID]
	if !ok {
		return queue.ErrNotFound
	}
	if !r.Status.CanTransition(status) {
		return fmt.Errorf("%w: %d %s -> %s", queue.ErrInvalidTransition, requestID, r.Status, status)
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeStore) RecordAttempt(_ context.Context, requestID uint64, attempts uint32, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[requestID]
	if !ok {
		return queue.ErrNotFound
	}
	r.Attempts = attempts
	r.NextAttemptAt = nextAttemptAt
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeStore) InsertPoolSnapshot(_ context.Context, snapshot *models.PoolSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

func (s *fakeStore) LatestPoolSnapshot(context.Context) (*models.PoolSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		return nil, queue.ErrNotFound
	}
	return s.snapshots[len(s.snapshots)-1], nil
}

func (s *fakeStore) status(id uint64) models.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[id].Status
}

func (s *fakeStore) attempts(id uint64) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[id].Attempts
}

// fakeLedger records call order and scripts per-request outcomes.
type fakeLedger struct {
	mu        sync.Mutex
	fetched   []uint64
	submitted []uint64
	notFound  map[uint64]bool
	fetchErr  map[uint64]error
	submitErr map[uint64]error
	poolCalls int
	poolErr   error
	pool      ledger.PoolState
}

var _ ledger.Client = (*fakeLedger)(nil)

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		notFound:  map[uint64]bool{},
		fetchErr:  map[uint64]error{},
		submitErr: map[uint64]error{},
		pool:      ledger.PoolState{TotalLiquidity: 1_000_000, TotalShares: 500_000, FeeBps: 30, APR: 12.5},
	}
}

func (l *fakeLedger) WithdrawalRequest(_ context.Context, requestID uint64) (*ledger.OnchainWithdrawal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetched = append(l.fetched, requestID)
	if l.notFound[requestID] {
		return nil, ledger.ErrNotFound
	}
	if err := l.fetchErr[requestID]; err != nil {
		return nil, err
	}
	return &ledger.OnchainWithdrawal{
		RequestID:             requestID,
		Provider:              fmt.Sprintf("prov-%d", requestID),
		SettlementKey:         fmt.Sprintf("key-%d", requestID),
		DestinationAccountRef: fmt.Sprintf("dest-%d", requestID),
	}, nil
}

func (l *fakeLedger) SubmitSettlement(_ context.Context, instruction ledger.SettlementInstruction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var id uint64
	_, _ = fmt.Sscanf(instruction.SettlementKey, "key-%d", &id)
	l.submitted = append(l.submitted, id)
	return l.submitErr[id]
}

func (l *fakeLedger) Pool(context.Context) (*ledger.PoolState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.poolCalls++
	if l.poolErr != nil {
		return nil, l.poolErr
	}
	cp := l.pool
	return &cp, nil
}

func (l *fakeLedger) fetchOrder() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.fetched...)
}

func (l *fakeLedger) submitOrder() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.submitted...)
}

func (l *fakeLedger) resyncs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.poolCalls
}
