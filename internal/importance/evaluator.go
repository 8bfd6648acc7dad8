// Package importance scores whether a raw event is worth remembering.
//
// Scores come from a short completion prompt and are cached by a TTL-bounded
// LRU keyed on a hash of (text, content type), so re-evaluating identical
// content within the window costs no provider call. The cache is an injected
// instance, not package state, so tests can construct and discard it freely.
package importance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/recollect-ai/recollect/internal/llm"
	"github.com/recollect-ai/recollect/pkg/types"
)

// Score is an importance evaluation result. Known is false when the
// provider reply contained no parseable number, which is distinct from an
// evaluated score of zero.
type Score struct {
	Value float64 // [0,1]
	Known bool
}

// Evaluator scores raw events through the provider with TTL caching.
type Evaluator struct {
	provider llm.Provider
	cache    *expirable.LRU[string, Score]
	logger   *slog.Logger
}

// NewEvaluator creates an evaluator with a cache of the given size and TTL.
// Defaults: 4096 entries, 15 minutes.
func NewEvaluator(provider llm.Provider, logger *slog.Logger, cacheSize int, ttl time.Duration) *Evaluator {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Evaluator{
		provider: provider,
		cache:    expirable.NewLRU[string, Score](cacheSize, nil, ttl),
		logger:   logger.With("component", "importance"),
	}
}

// Evaluate scores content. Empty or whitespace-only text short-circuits to
// zero without touching the provider. force bypasses scoring entirely and
// returns 1.0 (used by onboarding and bulk-upload flows).
func (e *Evaluator) Evaluate(ctx context.Context, content string, contentType types.ContentType, force bool) (Score, error) {
	if force {
		return Score{Value: 1, Known: true}, nil
	}
	if strings.TrimSpace(content) == "" {
		return Score{Value: 0, Known: true}, nil
	}

	key := cacheKey(content, contentType)
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}

	reply, err := e.provider.Complete(ctx, llm.ImportancePrompt(content, string(contentType)))
	if err != nil {
		return Score{}, err
	}

	value, known := llm.ParseImportance(reply)
	score := Score{Value: value, Known: known}
	if !known {
		e.logger.Warn("importance reply had no parseable score", "reply_prefix", prefix(reply, 80))
	}
	// Unknown results are cached too; retrying the same text within the TTL
	// would get the same unusable reply.
	e.cache.Add(key, score)
	return score, nil
}

// cacheKey hashes (text, content type) so the cache never retains raw
// user content as map keys.
func cacheKey(content string, contentType types.ContentType) string {
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(contentType))
	return hex.EncodeToString(h.Sum(nil))
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
