//go:build integration

package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"keel/internal/replay/models"
	"keel/internal/replay/store"
	id "keel/pkg/domain"
	"keel/pkg/platform/sentinel"
	"keel/pkg/testutil/containers"
)

type ReplayRedisSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *store.Redis
}

func TestReplayRedisSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(ReplayRedisSuite))
}

func (s *ReplayRedisSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = store.NewRedis(s.redis.Client)
}

func (s *ReplayRedisSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func replayResult(namespace string) *models.Result {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &models.Result{
		Namespace:   id.Namespace(namespace),
		Pack:        id.Pack("trading"),
		StartedAt:   now,
		CompletedAt: now.Add(time.Minute),
		Counts:      models.Counts{Pass: 3, Fail: 1},
	}
}

func (s *ReplayRedisSuite) TestRoundTrip() {
	ctx := context.Background()
	result := replayResult("replay-2026-03-01")

	s.Require().NoError(s.store.Put(ctx, result))

	loaded, err := s.store.Get(ctx, result.Namespace)
	s.Require().NoError(err)
	s.Equal(result.Counts, loaded.Counts)
	s.Equal(result.Pack, loaded.Pack)
	s.True(loaded.StartedAt.Equal(result.StartedAt))
}

func (s *ReplayRedisSuite) TestMissingNamespace() {
	_, err := s.store.Get(context.Background(), id.Namespace("replay-never-ran"))
	s.Require().Error(err)
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *ReplayRedisSuite) TestDelete() {
	ctx := context.Background()
	result := replayResult("replay-2026-03-02")
	s.Require().NoError(s.store.Put(ctx, result))

	s.Require().NoError(s.store.Delete(ctx, result.Namespace))

	_, err := s.store.Get(ctx, result.Namespace)
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *ReplayRedisSuite) TestListFindsAllNamespaces() {
	ctx := context.Background()
	s.Require().NoError(s.store.Put(ctx, replayResult("replay-a")))
	s.Require().NoError(s.store.Put(ctx, replayResult("replay-b")))

	namespaces, err := s.store.List(ctx)
	s.Require().NoError(err)
	s.ElementsMatch([]id.Namespace{"replay-a", "replay-b"}, namespaces)
}

func (s *ReplayRedisSuite) TestTTLExpiresResults() {
	ctx := context.Background()
	short := store.NewRedis(s.redis.Client, store.WithTTL(time.Second))
	s.Require().NoError(short.Put(ctx, replayResult("replay-ttl")))

	time.Sleep(1500 * time.Millisecond)

	_, err := short.Get(ctx, id.Namespace("replay-ttl"))
	s.True(errors.Is(err, sentinel.ErrNotFound))
}
