package importance

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recollect-ai/recollect/internal/llm/llmtest"
	"github.com/recollect-ai/recollect/pkg/types"
)

func newTestEvaluator(fake *llmtest.Fake) *Evaluator {
	return NewEvaluator(fake, slog.Default(), 16, time.Minute)
}

func TestEvaluateCachesWithinTTL(t *testing.T) {
	fake := &llmtest.Fake{DefaultReply: "0.9"}
	e := newTestEvaluator(fake)
	ctx := context.Background()

	first, err := e.Evaluate(ctx, "I got engaged last night", types.ContentConversation, false)
	require.NoError(t, err)
	second, err := e.Evaluate(ctx, "I got engaged last night", types.ContentConversation, false)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 0.9, first.Value)
	assert.True(t, first.Known)
	assert.Equal(t, 1, fake.CompleteCalls, "identical (text, type) within TTL must issue exactly one provider call")
}

func TestEvaluateCacheKeyIncludesContentType(t *testing.T) {
	fake := &llmtest.Fake{DefaultReply: "0.5"}
	e := newTestEvaluator(fake)
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "same text", types.ContentConversation, false)
	require.NoError(t, err)
	_, err = e.Evaluate(ctx, "same text", types.ContentDocument, false)
	require.NoError(t, err)

	assert.Equal(t, 2, fake.CompleteCalls)
}

func TestEvaluateEmptyShortCircuits(t *testing.T) {
	fake := &llmtest.Fake{DefaultReply: "0.9"}
	e := newTestEvaluator(fake)

	for _, content := range []string{"", "   ", "\n\t "} {
		score, err := e.Evaluate(context.Background(), content, types.ContentConversation, false)
		require.NoError(t, err)
		assert.Equal(t, Score{Value: 0, Known: true}, score)
	}
	assert.Zero(t, fake.CompleteCalls)
}

func TestEvaluateForceBypassesProvider(t *testing.T) {
	fake := &llmtest.Fake{DefaultReply: "0.1"}
	e := newTestEvaluator(fake)

	score, err := e.Evaluate(context.Background(), "bulk uploaded fragment", types.ContentDocument, true)
	require.NoError(t, err)
	assert.Equal(t, Score{Value: 1, Known: true}, score)
	assert.Zero(t, fake.CompleteCalls)
}

func TestEvaluateUnparseableIsUnknownNotZero(t *testing.T) {
	fake := &llmtest.Fake{DefaultReply: "hard to say, really"}
	e := newTestEvaluator(fake)

	score, err := e.Evaluate(context.Background(), "some text", types.ContentConversation, false)
	require.NoError(t, err)
	assert.False(t, score.Known)
}

func TestEvaluatePropagatesProviderError(t *testing.T) {
	fake := &llmtest.Fake{Err: assert.AnError}
	e := newTestEvaluator(fake)

	_, err := e.Evaluate(context.Background(), "some text", types.ContentConversation, false)
	assert.Error(t, err)
}
