package store

import (
	"context"
	"sort"
	"sync"

	"keel/internal/policy/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/sentinel"
)

// InMemory keeps policy versions in maps guarded by a mutex. Uniqueness of
// (policy_id, version_number) matches the postgres constraint.
type InMemory struct {
	mu       sync.RWMutex
	byID     map[id.PolicyVersionID]*models.PolicyVersion
	byPolicy map[id.PolicyID][]id.PolicyVersionID
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:     make(map[id.PolicyVersionID]*models.PolicyVersion),
		byPolicy: make(map[id.PolicyID][]id.PolicyVersionID),
	}
}

func (s *InMemory) Create(_ context.Context, version *models.PolicyVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[version.ID]; exists {
		return sentinel.ErrAlreadyUsed
	}
	for _, existingID := range s.byPolicy[version.PolicyID] {
		if s.byID[existingID].VersionNumber == version.VersionNumber {
			return sentinel.ErrAlreadyUsed
		}
	}
	cp := *version
	s.byID[version.ID] = &cp
	s.byPolicy[version.PolicyID] = append(s.byPolicy[version.PolicyID], version.ID)
	return nil
}

func (s *InMemory) FindByID(_ context.Context, versionID id.PolicyVersionID) (*models.PolicyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	version, ok := s.byID[versionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *version
	return &cp, nil
}

func (s *InMemory) ListByPolicy(_ context.Context, policyID id.PolicyID) ([]*models.PolicyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.byPolicy[policyID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := make([]*models.PolicyVersion, 0, len(ids))
	for _, versionID := range ids {
		cp := *s.byID[versionID]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

func (s *InMemory) ListActiveByPack(_ context.Context, pack id.Pack) ([]*models.PolicyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.PolicyVersion
	for _, version := range s.byID {
		if version.Pack == pack && version.Status == models.StatusActive {
			cp := *version
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PolicyID.String() != out[j].PolicyID.String() {
			return out[i].PolicyID.String() < out[j].PolicyID.String()
		}
		return out[i].VersionNumber < out[j].VersionNumber
	})
	return out, nil
}

// Execute atomically validates and mutates one version under the store
// lock, mirroring the postgres FOR UPDATE flow.
func (s *InMemory) Execute(_ context.Context, versionID id.PolicyVersionID, validate func(*models.PolicyVersion) error, mutate func(*models.PolicyVersion)) (*models.PolicyVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, ok := s.byID[versionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if err := validate(version); err != nil {
		return nil, err
	}
	mutate(version)
	cp := *version
	return &cp, nil
}
