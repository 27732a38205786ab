package store

import (
	"context"
	"sort"
	"sync"

	"keel/internal/proposal/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/sentinel"
)

// InMemory keeps proposals in a map guarded by a mutex.
type InMemory struct {
	mu   sync.RWMutex
	byID map[id.ProposalID]*models.Proposal
}

func NewInMemory() *InMemory {
	return &InMemory{byID: make(map[id.ProposalID]*models.Proposal)}
}

func (s *InMemory) Create(_ context.Context, proposal *models.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[proposal.ID]; exists {
		return sentinel.ErrAlreadyUsed
	}
	s.byID[proposal.ID] = copyProposal(proposal)
	return nil
}

func (s *InMemory) FindByID(_ context.Context, proposalID id.ProposalID) (*models.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	proposal, ok := s.byID[proposalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyProposal(proposal), nil
}

func (s *InMemory) ListPending(_ context.Context) ([]*models.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Proposal
	for _, proposal := range s.byID {
		if proposal.Status == models.StatusPending {
			out = append(out, copyProposal(proposal))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// Execute atomically validates and mutates one proposal under the store
// lock.
func (s *InMemory) Execute(_ context.Context, proposalID id.ProposalID, validate func(*models.Proposal) error, mutate func(*models.Proposal)) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proposal, ok := s.byID[proposalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if err := validate(proposal); err != nil {
		return nil, err
	}
	mutate(proposal)
	return copyProposal(proposal), nil
}

func copyProposal(proposal *models.Proposal) *models.Proposal {
	cp := *proposal
	if proposal.DecidedAt != nil {
		at := *proposal.DecidedAt
		cp.DecidedAt = &at
	}
	if proposal.Confidence != nil {
		c := *proposal.Confidence
		cp.Confidence = &c
	}
	return &cp
}
