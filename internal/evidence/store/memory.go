package store

import (
	"context"
	"sync"

	"keel/internal/evidence/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/sentinel"
)

// InMemory keeps evidence packs in maps guarded by a mutex, one pack per
// decision as in the postgres unique constraint.
type InMemory struct {
	mu         sync.RWMutex
	byID       map[id.EvidencePackID]*models.EvidencePack
	byDecision map[id.DecisionID]id.EvidencePackID
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:       make(map[id.EvidencePackID]*models.EvidencePack),
		byDecision: make(map[id.DecisionID]id.EvidencePackID),
	}
}

// CreateIfAbsent inserts the pack unless its decision already has one,
// in which case the existing pack is returned with created=false.
func (s *InMemory) CreateIfAbsent(_ context.Context, pack *models.EvidencePack) (*models.EvidencePack, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byDecision[pack.DecisionID]; ok {
		return copyPack(s.byID[existingID]), false, nil
	}
	if _, exists := s.byID[pack.ID]; exists {
		return nil, false, sentinel.ErrAlreadyUsed
	}
	s.byID[pack.ID] = copyPack(pack)
	s.byDecision[pack.DecisionID] = pack.ID
	return copyPack(pack), true, nil
}

func (s *InMemory) FindByID(_ context.Context, packID id.EvidencePackID) (*models.EvidencePack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pack, ok := s.byID[packID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyPack(pack), nil
}

func (s *InMemory) FindByDecision(_ context.Context, decisionID id.DecisionID) (*models.EvidencePack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	packID, ok := s.byDecision[decisionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyPack(s.byID[packID]), nil
}

func copyPack(pack *models.EvidencePack) *models.EvidencePack {
	cp := *pack
	return &cp
}
