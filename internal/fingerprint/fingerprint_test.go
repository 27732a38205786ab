package fingerprint

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "keel/pkg/domain"
)

func newSignal(signalType string, payload map[string]any) NormalizedSignal {
	return NormalizedSignal{
		ID:          id.SignalID(uuid.New()),
		SignalType:  signalType,
		Payload:     payload,
		Source:      "unit-test",
		Reliability: 0.9,
		ObservedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEvaluationInputHashOrderIndependent(t *testing.T) {
	pvID := id.PolicyVersionID(uuid.New())
	signals := []NormalizedSignal{
		newSignal("position", map[string]any{"asset": "BTC", "current_position": 120}),
		newSignal("position", map[string]any{"asset": "ETH", "current_position": 40}),
		newSignal("limit", map[string]any{"asset": "BTC", "limit": 100}),
	}

	want, err := EvaluationInputHash(pvID, signals)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		shuffled := make([]NormalizedSignal, len(signals))
		copy(shuffled, signals)
		rand.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		got, err := EvaluationInputHash(pvID, shuffled)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestEvaluationInputHashDistinguishesPolicyVersion(t *testing.T) {
	signals := []NormalizedSignal{newSignal("position", map[string]any{"asset": "BTC"})}

	h1, err := EvaluationInputHash(id.PolicyVersionID(uuid.New()), signals)
	require.NoError(t, err)
	h2, err := EvaluationInputHash(id.PolicyVersionID(uuid.New()), signals)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestExceptionFingerprintStable(t *testing.T) {
	policyID := id.PolicyID(uuid.New())
	dims := map[string]any{"asset": "BTC", "window": "daily"}

	first, err := ExceptionFingerprint(policyID, "threshold_breach", dims)
	require.NoError(t, err)
	second, err := ExceptionFingerprint(policyID, "threshold_breach", dims)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, first, "sha256:")
}

func TestExceptionFingerprintSensitiveToDimensions(t *testing.T) {
	policyID := id.PolicyID(uuid.New())

	btc, err := ExceptionFingerprint(policyID, "threshold_breach", map[string]any{"asset": "BTC"})
	require.NoError(t, err)
	eth, err := ExceptionFingerprint(policyID, "threshold_breach", map[string]any{"asset": "ETH"})
	require.NoError(t, err)

	assert.NotEqual(t, btc, eth)
}

func TestContentHashReproducible(t *testing.T) {
	doc := map[string]any{
		"decision":  map[string]any{"rationale": "within appetite"},
		"signals":   []any{map[string]any{"asset": "BTC"}},
		"metadata":  map[string]any{"version": 1},
		"exception": nil,
	}

	first, err := ContentHash(doc)
	require.NoError(t, err)
	second, err := ContentHash(doc)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSortSignalsDoesNotMutateInput(t *testing.T) {
	a := newSignal("a", nil)
	b := newSignal("b", nil)
	in := []NormalizedSignal{b, a}

	_ = SortSignals(in)

	assert.Equal(t, b.ID, in[0].ID)
	assert.Equal(t, a.ID, in[1].ID)
}
