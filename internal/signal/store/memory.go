package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"keel/internal/signal/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/sentinel"
)

// InMemory keeps signals in maps guarded by a mutex. It enforces the same
// content-hash uniqueness the postgres store gets from its constraint, so
// unit tests exercise identical dedup semantics.
type InMemory struct {
	mu      sync.RWMutex
	byID    map[id.SignalID]*models.Signal
	byHash  map[string]id.SignalID
	ordered []id.SignalID
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:   make(map[id.SignalID]*models.Signal),
		byHash: make(map[string]id.SignalID),
	}
}

// CreateIfAbsent inserts the signal unless one with the same content hash
// exists, in which case the existing signal is returned with created=false.
func (s *InMemory) CreateIfAbsent(_ context.Context, sig *models.Signal) (*models.Signal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byHash[sig.ContentHash]; ok {
		return copySignal(s.byID[existingID]), false, nil
	}
	stored := copySignal(sig)
	s.byID[sig.ID] = stored
	s.byHash[sig.ContentHash] = sig.ID
	s.ordered = append(s.ordered, sig.ID)
	return copySignal(stored), true, nil
}

func (s *InMemory) FindByID(_ context.Context, signalID id.SignalID) (*models.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.byID[signalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copySignal(sig), nil
}

func (s *InMemory) ListByIDs(_ context.Context, ids []id.SignalID) ([]*models.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Signal, 0, len(ids))
	for _, signalID := range ids {
		sig, ok := s.byID[signalID]
		if !ok {
			return nil, sentinel.ErrNotFound
		}
		out = append(out, copySignal(sig))
	}
	return out, nil
}

// ListByPack returns signals for a pack observed within [from, to). Zero
// bounds are open-ended. Results are ordered by observed_at.
func (s *InMemory) ListByPack(_ context.Context, pack id.Pack, from, to time.Time) ([]*models.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Signal
	for _, signalID := range s.ordered {
		sig := s.byID[signalID]
		if sig.Pack != pack {
			continue
		}
		if !from.IsZero() && sig.ObservedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !sig.ObservedAt.Before(to) {
			continue
		}
		out = append(out, copySignal(sig))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out, nil
}

func copySignal(sig *models.Signal) *models.Signal {
	cp := *sig
	if sig.Payload != nil {
		cp.Payload = make(map[string]any, len(sig.Payload))
		for k, v := range sig.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}
