// Package store provides in-memory filing.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nylta/bulk-filing/filing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	submissions map[string]*filing.Submission
	links       map[string]filing.UpgradeLink // keyed by original submission id
	intents     map[string]filing.Intent      // keyed by idempotency key
}

func NewMemory() *Memory {
	return &Memory{
		submissions: make(map[string]*filing.Submission),
		links:       make(map[string]filing.UpgradeLink),
		intents:     make(map[string]filing.Intent),
	}
}

func (m *Memory) SaveSubmission(_ context.Context, s *filing.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveSubmissionLocked(s)
}

func (m *Memory) GetSubmission(_ context.Context, id string) (*filing.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSubmissionLocked(id)
}

func (m *Memory) ListSubmissions(_ context.Context, f filing.SubmissionFilter) ([]*filing.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSubmissionsLocked(f), nil
}

func (m *Memory) UpdatePaymentStatus(_ context.Context, id string, from, to filing.PaymentStatus, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatePaymentStatusLocked(id, from, to, txID)
}

// SaveUpgrade checks and writes under one lock, so two concurrent upgrades
// of the same original cannot both succeed.
func (m *Memory) SaveUpgrade(_ context.Context, originalID string, upgraded *filing.Submission, link filing.UpgradeLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUpgradeLocked(originalID, upgraded, link)
}

func (m *Memory) GetUpgradeLink(_ context.Context, originalID string) (*filing.UpgradeLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getUpgradeLinkLocked(originalID)
}

func (m *Memory) CreateIntent(_ context.Context, in filing.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createIntentLocked(in)
}

func (m *Memory) GetIntentByKey(_ context.Context, key string) (*filing.Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getIntentLocked(key)
}

func (m *Memory) UpdateIntent(_ context.Context, in filing.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateIntentLocked(in)
}

func (m *Memory) ListIntents(_ context.Context, status filing.IntentStatus) ([]filing.Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listIntentsLocked(status), nil
}

// =============================================================================
// LOCKED HELPERS - caller holds mu
// =============================================================================

func (m *Memory) saveSubmissionLocked(s *filing.Submission) error {
	if s == nil || s.ID == "" {
		return &filing.ValidationError{Field: "id", Reason: "submission id required"}
	}
	if _, ok := m.submissions[s.ID]; ok {
		return &filing.ValidationError{Field: "id", Reason: fmt.Sprintf("submission %s already exists", s.ID)}
	}
	m.submissions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) getSubmissionLocked(id string) (*filing.Submission, error) {
	s, ok := m.submissions[id]
	if !ok {
		return nil, fmt.Errorf("submission %s: %w", id, filing.ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *Memory) listSubmissionsLocked(f filing.SubmissionFilter) []*filing.Submission {
	result := []*filing.Submission{}
	for _, s := range m.submissions {
		if f.Matches(s) {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result
}

func (m *Memory) updatePaymentStatusLocked(id string, from, to filing.PaymentStatus, txID string) error {
	s, ok := m.submissions[id]
	if !ok {
		return fmt.Errorf("submission %s: %w", id, filing.ErrNotFound)
	}
	if s.PaymentStatus != from {
		return &filing.ValidationError{
			Field:  "payment_status",
			Reason: fmt.Sprintf("expected %s, found %s", from, s.PaymentStatus),
		}
	}
	s.PaymentStatus = to
	if txID != "" {
		s.TransactionID = txID
	}
	return nil
}

func (m *Memory) saveUpgradeLocked(originalID string, upgraded *filing.Submission, link filing.UpgradeLink) error {
	orig, ok := m.submissions[originalID]
	if !ok {
		return fmt.Errorf("submission %s: %w", originalID, filing.ErrNotFound)
	}
	if orig.UpgradedTo != "" {
		return &filing.AlreadyUpgradedError{SubmissionID: originalID, UpgradedTo: orig.UpgradedTo}
	}
	if _, ok := m.links[originalID]; ok {
		return &filing.AlreadyUpgradedError{SubmissionID: originalID}
	}
	if err := m.saveSubmissionLocked(upgraded); err != nil {
		return err
	}
	orig.UpgradedTo = upgraded.ID
	m.links[originalID] = link
	return nil
}

func (m *Memory) getUpgradeLinkLocked(originalID string) (*filing.UpgradeLink, error) {
	l, ok := m.links[originalID]
	if !ok {
		return nil, fmt.Errorf("upgrade link for %s: %w", originalID, filing.ErrNotFound)
	}
	return &l, nil
}

func (m *Memory) createIntentLocked(in filing.Intent) error {
	if in.IdempotencyKey == "" {
		return &filing.ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	if _, ok := m.intents[in.IdempotencyKey]; ok {
		return filing.ErrDuplicateIdempotencyKey
	}
	in.Payload = in.Payload.Clone()
	m.intents[in.IdempotencyKey] = in
	return nil
}

func (m *Memory) getIntentLocked(key string) (*filing.Intent, error) {
	in, ok := m.intents[key]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", key, filing.ErrNotFound)
	}
	in.Payload = in.Payload.Clone()
	return &in, nil
}

func (m *Memory) updateIntentLocked(in filing.Intent) error {
	cur, ok := m.intents[in.IdempotencyKey]
	if !ok {
		return fmt.Errorf("intent %s: %w", in.IdempotencyKey, filing.ErrNotFound)
	}
	cur.Status = in.Status
	cur.TransactionID = in.TransactionID
	cur.Error = in.Error
	cur.UpdatedAt = in.UpdatedAt
	m.intents[in.IdempotencyKey] = cur
	return nil
}

func (m *Memory) listIntentsLocked(status filing.IntentStatus) []filing.Intent {
	var result []filing.Intent
	for _, in := range m.intents {
		if in.Status == status {
			in.Payload = in.Payload.Clone()
			result = append(result, in)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(_ context.Context, fn func(filing.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	submissions map[string]*filing.Submission
	links       map[string]filing.UpgradeLink
	intents     map[string]filing.Intent
}

func (tm *TxMemory) snapshot() memorySnapshot {
	subs := make(map[string]*filing.Submission, len(tm.submissions))
	for k, v := range tm.submissions {
		subs[k] = v.Clone()
	}
	links := make(map[string]filing.UpgradeLink, len(tm.links))
	for k, v := range tm.links {
		links[k] = v
	}
	intents := make(map[string]filing.Intent, len(tm.intents))
	for k, v := range tm.intents {
		intents[k] = v
	}
	return memorySnapshot{submissions: subs, links: links, intents: intents}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.submissions = s.submissions
	tm.links = s.links
	tm.intents = s.intents
}

// txMemoryView runs against the parent while WithTx holds its lock.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) SaveSubmission(_ context.Context, s *filing.Submission) error {
	return tv.parent.saveSubmissionLocked(s)
}

func (tv *txMemoryView) GetSubmission(_ context.Context, id string) (*filing.Submission, error) {
	return tv.parent.getSubmissionLocked(id)
}

func (tv *txMemoryView) ListSubmissions(_ context.Context, f filing.SubmissionFilter) ([]*filing.Submission, error) {
	return tv.parent.listSubmissionsLocked(f), nil
}

func (tv *txMemoryView) UpdatePaymentStatus(_ context.Context, id string, from, to filing.PaymentStatus, txID string) error {
	return tv.parent.updatePaymentStatusLocked(id, from, to, txID)
}

func (tv *txMemoryView) SaveUpgrade(_ context.Context, originalID string, upgraded *filing.Submission, link filing.UpgradeLink) error {
	return tv.parent.saveUpgradeLocked(originalID, upgraded, link)
}

func (tv *txMemoryView) GetUpgradeLink(_ context.Context, originalID string) (*filing.UpgradeLink, error) {
	return tv.parent.getUpgradeLinkLocked(originalID)
}

func (tv *txMemoryView) CreateIntent(_ context.Context, in filing.Intent) error {
	return tv.parent.createIntentLocked(in)
}

func (tv *txMemoryView) GetIntentByKey(_ context.Context, key string) (*filing.Intent, error) {
	return tv.parent.getIntentLocked(key)
}

func (tv *txMemoryView) UpdateIntent(_ context.Context, in filing.Intent) error {
	return tv.parent.updateIntentLocked(in)
}

func (tv *txMemoryView) ListIntents(_ context.Context, status filing.IntentStatus) ([]filing.Intent, error) {
	return tv.parent.listIntentsLocked(status), nil
}

var (
	_ filing.TxStore = (*TxMemory)(nil)
	_ filing.Store   = (*txMemoryView)(nil)
)
