package testutil

import (
	"context"
	"time"

	"keel/pkg/requestcontext"
)

// FixedContext returns a context with a pinned clock, actor, and request
// id, the request-scoped values every mutation path stamps into audit
// events. Tests that assert on timestamps or actors should build their
// contexts here so assertions stay exact.
func FixedContext(t time.Time, actor string) context.Context {
	ctx := requestcontext.WithTime(context.Background(), t)
	ctx = requestcontext.WithActor(ctx, actor)
	return requestcontext.WithRequestID(ctx, "test-request")
}

// At re-pins the clock on an existing context, keeping actor and request
// id. Useful for driving an evaluation, exception, and decision through
// at distinct times so trail ordering is deterministic.
func At(ctx context.Context, t time.Time) context.Context {
	return requestcontext.WithTime(ctx, t)
}
