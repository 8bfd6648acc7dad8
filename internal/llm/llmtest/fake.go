// Package llmtest provides a scripted fake Provider for tests: deterministic
// embeddings derived from the input text and queued completion replies.
package llmtest

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// Fake implements llm.Provider with deterministic behavior.
type Fake struct {
	mu sync.Mutex

	// Dim is the embedding dimensionality (default 8).
	Dim int

	// Replies are returned by Complete in order; when exhausted, Complete
	// returns DefaultReply.
	Replies      []string
	DefaultReply string

	// Vectors overrides deterministic embedding per exact text.
	Vectors map[string][]float32

	// EmbedLimit truncates EmbedBatch results to simulate partial provider
	// failure. Zero means no truncation.
	EmbedLimit int

	// Err, when set, is returned by every call.
	Err error

	CompleteCalls int
	EmbedCalls    int
}

// Complete pops the next scripted reply.
func (f *Fake) Complete(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CompleteCalls++
	if f.Err != nil {
		return "", f.Err
	}
	if len(f.Replies) > 0 {
		reply := f.Replies[0]
		f.Replies = f.Replies[1:]
		return reply, nil
	}
	return f.DefaultReply, nil
}

// EmbedBatch returns one deterministic unit vector per text, truncated to
// EmbedLimit when set.
func (f *Fake) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EmbedCalls++
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if v, ok := f.Vectors[text]; ok {
			out = append(out, v)
			continue
		}
		out = append(out, f.embed(text))
	}
	if f.EmbedLimit > 0 && len(out) > f.EmbedLimit {
		out = out[:f.EmbedLimit]
	}
	return out, nil
}

// Model identifies the fake.
func (f *Fake) Model() string { return "fake" }

// Dimension returns the configured dimensionality.
func (f *Fake) Dimension() int {
	if f.Dim <= 0 {
		return 8
	}
	return f.Dim
}

// embed hashes the text into a stable unit vector so identical texts get
// identical embeddings and different texts almost surely differ.
func (f *Fake) embed(text string) []float32 {
	dim := f.Dimension()
	vec := make([]float32, dim)
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float32(int64(seed>>11))/float32(1<<52) - 1 // roughly [-1, 1)
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// UnitVector builds a dim-length unit vector with 1 at position hot, useful
// for constructing exact similarity fixtures in tests.
func UnitVector(dim, hot int) []float32 {
	vec := make([]float32, dim)
	vec[hot%dim] = 1
	return vec
}
