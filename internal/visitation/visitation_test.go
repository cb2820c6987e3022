package visitation

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sample is a minimal visitation used across the package tests.
type sample struct {
	Base

	Replica    string            `json:"replica"`
	Bucket     string            `json:"bucket"`
	Limit      int               `json:"limit"`
	Labels     map[string]string `json:"labels"`
	WorkResult int               `json:"work_result"`

	sampleWalker
}

type sampleWalker struct {
	Marker string `json:"marker"`
}

func newSample() Visitation {
	return &sample{Limit: 5, Labels: map[string]string{}}
}

func (s *sample) ResetWalker() { s.sampleWalker = sampleWalker{} }
func (s *sample) JobInitialize(context.Context) error { return nil }
func (s *sample) JobFinalize(context.Context, []json.RawMessage) error { return nil }
func (s *sample) WalkerWalk(context.Context) error { return nil }

func TestStatus_Transitions(t *testing.T) {
	assert.True(t, StatusInit.CanTransition(StatusWalk))
	assert.True(t, StatusWalk.CanTransition(StatusWalk))
	assert.True(t, StatusWalk.CanTransition(StatusFinished))
	assert.True(t, StatusFinished.CanTransition(StatusInit))
	assert.True(t, StatusFinished.CanTransition(StatusEnd))

	assert.False(t, StatusInit.CanTransition(StatusFinished))
	assert.False(t, StatusWalk.CanTransition(StatusEnd))
	assert.False(t, StatusEnd.CanTransition(StatusInit))

	for _, s := range []WalkerStatus{StatusInit, StatusWalk, StatusFinished, StatusEnd} {
		assert.True(t, s.CanTransition(StatusFailed), "failed is reachable from %s", s)
		assert.True(t, s.Valid())
	}
	assert.False(t, WalkerStatus("bogus").Valid())
	assert.True(t, StatusEnd.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusWalk.Terminal())
}

func TestRemainingRuntime(t *testing.T) {
	var b Base
	assert.Equal(t, time.Duration(math.MaxInt64), b.RemainingRuntime(), "no oracle is unbounded")
	assert.False(t, b.OutOfTime())

	b.Bind(Env{Remaining: RemainingFunc(func() int64 { return 1500 }), Margin: time.Second})
	assert.Equal(t, 1500*time.Millisecond, b.RemainingRuntime())
	assert.False(t, b.OutOfTime())

	b.Bind(Env{Remaining: RemainingFunc(func() int64 { return 1000 }), Margin: time.Second})
	assert.True(t, b.OutOfTime(), "the margin is reserved")

	b.Bind(Env{Remaining: RemainingFunc(func() int64 { return math.MaxInt64 })})
	assert.Equal(t, time.Duration(math.MaxInt64), b.RemainingRuntime())
}

func TestFromContext(t *testing.T) {
	assert.Equal(t, int64(math.MaxInt64), FromContext(context.Background()).RemainingTimeMillis())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ms := FromContext(ctx).RemainingTimeMillis()
	assert.Greater(t, ms, int64(58_000))
	assert.LessOrEqual(t, ms, int64(60_000))
}

func TestAggregate(t *testing.T) {
	sum := func(acc, next int) int { return acc + next }

	got, err := Aggregate([]json.RawMessage{
		json.RawMessage(`2`), json.RawMessage(`null`), nil, json.RawMessage(`3`),
	}, sum)
	require.NoError(t, err)
	assert.Equal(t, 5, got)

	_, err = Aggregate([]json.RawMessage{json.RawMessage(`"x"`)}, sum)
	assert.Error(t, err)
}

func TestHexPrefixes(t *testing.T) {
	for _, workers := range []int{1, 8, 16} {
		p := HexPrefixes(workers)
		assert.Len(t, p, 16)
		assert.Equal(t, "0", p[0])
		assert.Equal(t, "f", p[15])
	}
	for _, workers := range []int{17, 100, 256} {
		p := HexPrefixes(workers)
		assert.Len(t, p, 256)
		assert.Equal(t, "00", p[0])
		assert.Equal(t, "ff", p[255])
	}
}
