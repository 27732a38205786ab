package store

import (
	"context"
	"sync"

	"keel/internal/decision/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/sentinel"
)

// InMemory keeps decisions in maps guarded by a mutex. The store is
// append-only: there is no update or delete method to add.
type InMemory struct {
	mu          sync.RWMutex
	byID        map[id.DecisionID]*models.Decision
	byException map[id.ExceptionID]id.DecisionID
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:        make(map[id.DecisionID]*models.Decision),
		byException: make(map[id.ExceptionID]id.DecisionID),
	}
}

func (s *InMemory) Create(_ context.Context, decision *models.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[decision.ID]; exists {
		return sentinel.ErrAlreadyUsed
	}
	if _, exists := s.byException[decision.ExceptionID]; exists {
		return sentinel.ErrAlreadyUsed
	}
	s.byID[decision.ID] = copyDecision(decision)
	s.byException[decision.ExceptionID] = decision.ID
	return nil
}

func (s *InMemory) FindByID(_ context.Context, decisionID id.DecisionID) (*models.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	decision, ok := s.byID[decisionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyDecision(decision), nil
}

func (s *InMemory) FindByException(_ context.Context, exceptionID id.ExceptionID) (*models.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	decisionID, ok := s.byException[exceptionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyDecision(s.byID[decisionID]), nil
}

func copyDecision(decision *models.Decision) *models.Decision {
	cp := *decision
	if decision.Assumptions != nil {
		cp.Assumptions = make([]string, len(decision.Assumptions))
		copy(cp.Assumptions, decision.Assumptions)
	}
	return &cp
}
