package store

import (
	"context"
	"sort"
	"sync"

	"keel/internal/replay/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/sentinel"
)

// InMemory keeps replay results in a map guarded by a mutex, keyed by
// namespace. Suitable for single-process hosts and tests.
type InMemory struct {
	mu      sync.RWMutex
	results map[id.Namespace]*models.Result
}

func NewInMemory() *InMemory {
	return &InMemory{results: make(map[id.Namespace]*models.Result)}
}

func (s *InMemory) Get(_ context.Context, namespace id.Namespace) (*models.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, ok := s.results[namespace]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *result
	return &cp, nil
}

func (s *InMemory) Put(_ context.Context, result *models.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *result
	s.results[result.Namespace] = &cp
	return nil
}

func (s *InMemory) Delete(_ context.Context, namespace id.Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.results, namespace)
	return nil
}

func (s *InMemory) List(_ context.Context) ([]id.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]id.Namespace, 0, len(s.results))
	for namespace := range s.results {
		out = append(out, namespace)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
