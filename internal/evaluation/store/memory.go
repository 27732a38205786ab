package store

import (
	"context"
	"sync"

	"keel/internal/evaluation/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/sentinel"
)

type hashKey struct {
	namespace id.Namespace
	inputHash string
}

// InMemory keeps evaluations guarded by a mutex, enforcing the same
// (namespace, input_hash) uniqueness as the postgres constraint.
type InMemory struct {
	mu     sync.RWMutex
	byID   map[id.EvaluationID]*models.Evaluation
	byHash map[hashKey]id.EvaluationID
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:   make(map[id.EvaluationID]*models.Evaluation),
		byHash: make(map[hashKey]id.EvaluationID),
	}
}

// CreateIfAbsent inserts the evaluation unless one with the same
// (namespace, input_hash) exists; the existing record wins the race.
func (s *InMemory) CreateIfAbsent(_ context.Context, eval *models.Evaluation) (*models.Evaluation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hashKey{namespace: eval.Namespace, inputHash: eval.InputHash}
	if existingID, ok := s.byHash[key]; ok {
		return copyEvaluation(s.byID[existingID]), false, nil
	}
	stored := copyEvaluation(eval)
	s.byID[eval.ID] = stored
	s.byHash[key] = eval.ID
	return copyEvaluation(stored), true, nil
}

func (s *InMemory) FindByID(_ context.Context, evalID id.EvaluationID) (*models.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	eval, ok := s.byID[evalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyEvaluation(eval), nil
}

func (s *InMemory) FindByInputHash(_ context.Context, namespace id.Namespace, inputHash string) (*models.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evalID, ok := s.byHash[hashKey{namespace: namespace, inputHash: inputHash}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyEvaluation(s.byID[evalID]), nil
}

func copyEvaluation(eval *models.Evaluation) *models.Evaluation {
	cp := *eval
	cp.SignalIDs = append([]id.SignalID(nil), eval.SignalIDs...)
	cp.Details.Conditions = append([]models.ConditionOutcome(nil), eval.Details.Conditions...)
	return &cp
}
