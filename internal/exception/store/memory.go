package store

import (
	"context"
	"sort"
	"sync"

	"keel/internal/exception/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/sentinel"
)

type fingerprintKey struct {
	namespace   id.Namespace
	fingerprint string
}

// InMemory keeps exceptions in maps guarded by a mutex. Open-fingerprint
// uniqueness matches the partial unique index on the postgres store: only
// OPEN exceptions hold their fingerprint.
type InMemory struct {
	mu     sync.RWMutex
	byID   map[id.ExceptionID]*models.Exception
	byOpen map[fingerprintKey]id.ExceptionID
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:   make(map[id.ExceptionID]*models.Exception),
		byOpen: make(map[fingerprintKey]id.ExceptionID),
	}
}

// CreateIfAbsent inserts the exception unless another OPEN exception in
// the same namespace already holds its fingerprint, in which case the
// existing record is returned with created=false.
func (s *InMemory) CreateIfAbsent(_ context.Context, exception *models.Exception) (*models.Exception, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fingerprintKey{namespace: exception.Namespace, fingerprint: exception.Fingerprint}
	if existingID, ok := s.byOpen[key]; ok {
		return copyException(s.byID[existingID]), false, nil
	}
	if _, exists := s.byID[exception.ID]; exists {
		return nil, false, sentinel.ErrAlreadyUsed
	}
	s.byID[exception.ID] = copyException(exception)
	s.byOpen[key] = exception.ID
	return copyException(exception), true, nil
}

func (s *InMemory) FindByID(_ context.Context, exceptionID id.ExceptionID) (*models.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exception, ok := s.byID[exceptionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyException(exception), nil
}

func (s *InMemory) ListOpen(_ context.Context, namespace id.Namespace) ([]*models.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Exception
	for _, exception := range s.byID {
		if exception.Namespace == namespace && exception.Status == models.StatusOpen {
			out = append(out, copyException(exception))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].RaisedAt.Before(out[j].RaisedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *InMemory) ListByNamespace(_ context.Context, namespace id.Namespace) ([]*models.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Exception
	for _, exception := range s.byID {
		if exception.Namespace == namespace {
			out = append(out, copyException(exception))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].RaisedAt.Before(out[j].RaisedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// Execute atomically validates and mutates one exception under the store
// lock. An exception leaving OPEN releases its fingerprint for reuse.
func (s *InMemory) Execute(_ context.Context, exceptionID id.ExceptionID, validate func(*models.Exception) error, mutate func(*models.Exception)) (*models.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exception, ok := s.byID[exceptionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if err := validate(exception); err != nil {
		return nil, err
	}
	wasOpen := exception.Status == models.StatusOpen
	mutate(exception)
	if wasOpen && exception.Status != models.StatusOpen {
		delete(s.byOpen, fingerprintKey{namespace: exception.Namespace, fingerprint: exception.Fingerprint})
	}
	return copyException(exception), nil
}

func copyException(exception *models.Exception) *models.Exception {
	cp := *exception
	if exception.Options != nil {
		cp.Options = make([]models.Option, len(exception.Options))
		copy(cp.Options, exception.Options)
	}
	if exception.ResolvedAt != nil {
		at := *exception.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}
