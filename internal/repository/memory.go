package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryRepository is an in-process domain.Repository for tests and
// single-node demos. Records are stored encoded so callers never share
// memory with the store.
type MemoryRepository struct {
	mu        sync.RWMutex
	decisions map[string]map[string][]byte
	order     map[string][]string
	feedback  map[string][]domain.FeedbackRecord
	entities  map[string]map[string][]byte
	errors    map[string]map[string][]byte
	closed    bool
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		decisions: make(map[string]map[string][]byte),
		order:     make(map[string][]string),
		feedback:  make(map[string][]domain.FeedbackRecord),
		entities:  make(map[string]map[string][]byte),
		errors:    make(map[string]map[string][]byte),
	}
}

func (m *MemoryRepository) SaveDecision(ctx context.Context, tenantID string, d *domain.AggregatedDecision) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if d == nil || d.ID == "" {
		return fmt.Errorf("%w: decision id is required", ErrInvalidInput)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.decisions[tenantID]
	if bucket == nil {
		bucket = make(map[string][]byte)
		m.decisions[tenantID] = bucket
	}
	if _, ok := bucket[d.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateDecision, d.ID)
	}
	bucket[d.ID] = data
	m.order[tenantID] = append(m.order[tenantID], d.ID)
	return nil
}

func (m *MemoryRepository) GetDecision(ctx context.Context, tenantID string, decisionID string) (*domain.AggregatedDecision, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	m.mu.RLock()
	data, ok := m.decisions[tenantID][decisionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var d domain.AggregatedDecision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDecisions returns the most recently saved decisions first.
func (m *MemoryRepository) ListDecisions(ctx context.Context, tenantID string, limit int) ([]*domain.AggregatedDecision, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.order[tenantID]
	out := make([]*domain.AggregatedDecision, 0, min(limit, len(ids)))
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		var d domain.AggregatedDecision
		if err := json.Unmarshal(m.decisions[tenantID][ids[i]], &d); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, nil
}

func (m *MemoryRepository) SaveFeedback(ctx context.Context, tenantID string, fb *domain.FeedbackRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := *fb
	rec.TenantID = tenantID
	m.feedback[tenantID] = append(m.feedback[tenantID], rec)
	return nil
}

func (m *MemoryRepository) ListFeedback(ctx context.Context, tenantID string, decisionID string) ([]*domain.FeedbackRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.FeedbackRecord
	for _, fb := range m.feedback[tenantID] {
		if fb.DecisionID == decisionID {
			rec := fb
			out = append(out, &rec)
		}
	}
	return out, nil
}

func (m *MemoryRepository) SaveEntity(ctx context.Context, tenantID string, e *domain.ComplianceEntity) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}
	return m.put(m.entities, tenantID, e.ID, e)
}

func (m *MemoryRepository) GetEntity(ctx context.Context, tenantID string, entityID string) (*domain.ComplianceEntity, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	m.mu.RLock()
	data, ok := m.entities[tenantID][entityID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var e domain.ComplianceEntity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (m *MemoryRepository) ListEntities(ctx context.Context, tenantID string) ([]*domain.ComplianceEntity, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return listSorted[domain.ComplianceEntity](&m.mu, m.entities, tenantID)
}

func (m *MemoryRepository) SaveComplianceError(ctx context.Context, tenantID string, ce *domain.ComplianceError) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if ce == nil || ce.ID == "" {
		return fmt.Errorf("%w: error id is required", ErrInvalidInput)
	}
	return m.put(m.errors, tenantID, ce.ID, ce)
}

func (m *MemoryRepository) ListComplianceErrors(ctx context.Context, tenantID string) ([]*domain.ComplianceError, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return listSorted[domain.ComplianceError](&m.mu, m.errors, tenantID)
}

func (m *MemoryRepository) DeleteComplianceError(ctx context.Context, tenantID string, errorID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.errors[tenantID][errorID]; !ok {
		return ErrNotFound
	}
	delete(m.errors[tenantID], errorID)
	return nil
}

// Ping fails once the repository is closed.
func (m *MemoryRepository) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("repository closed")
	}
	return nil
}

func (m *MemoryRepository) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) put(store map[string]map[string][]byte, tenantID, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := store[tenantID]
	if bucket == nil {
		bucket = make(map[string][]byte)
		store[tenantID] = bucket
	}
	bucket[id] = data
	return nil
}

func listSorted[T any](mu *sync.RWMutex, store map[string]map[string][]byte, tenantID string) ([]*T, error) {
	mu.RLock()
	defer mu.RUnlock()

	bucket := store[tenantID]

	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		var v T
		if err := json.Unmarshal(bucket[id], &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, nil
}
