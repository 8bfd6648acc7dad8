package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEmpty(t *testing.T) {
	c := New(8, 32)
	assert.Empty(t, c.Split(""))
}

func TestSplitSingleFragmentUnderMax(t *testing.T) {
	c := New(8, 512)
	input := "A short note about dinner plans."
	out := c.Split(input)
	require.Len(t, out, 1)
	assert.Equal(t, input, out[0])
}

func TestSplitRoundTrip(t *testing.T) {
	c := New(8, 24)
	input := "First sentence of the story. Second one follows here! Третье предложение с юникодом?\n\n" +
		"A new paragraph starts now. It keeps going with more detail. And ends with a short bit.\n\n" +
		strings.Repeat("tail ", 60)

	out := c.Split(input)
	require.Greater(t, len(out), 1)
	assert.Equal(t, input, strings.Join(out, ""), "concatenated fragments must reproduce the input exactly")
}

func TestSplitRespectsMax(t *testing.T) {
	c := New(4, 16)
	input := "One sentence here. Another sentence here. A third sentence too. And a fourth one now. " +
		"Plus a fifth sentence. Then the sixth arrives. Finally seventh closes."

	for i, frag := range c.Split(input) {
		// The final fragment may carry a merged runt; everything else stays
		// within roughly one sentence of the maximum.
		assert.LessOrEqual(t, EstimateTokens(frag), c.MaxTokens*2, "fragment %d too large", i)
	}
}

func TestSplitMergesRuntsForward(t *testing.T) {
	c := New(10, 20)
	// Short sentences individually below the minimum must coalesce.
	input := "Hi. Ok. Yes. Sure thing, let us continue talking about the plan we made for Saturday. " +
		"That plan involves the lake house and a long drive north with the dogs in the back."

	out := c.Split(input)
	require.NotEmpty(t, out)
	for i, frag := range out[:len(out)-1] {
		assert.GreaterOrEqual(t, EstimateTokens(frag), c.MinTokens, "fragment %d below minimum", i)
	}
	assert.Equal(t, input, strings.Join(out, ""))
}

func TestSplitPrefersParagraphBoundaries(t *testing.T) {
	c := New(2, 12)
	para1 := "Paragraph one sits here with text.\n\n"
	para2 := "Paragraph two follows with more."
	out := c.Split(para1 + para2)

	require.GreaterOrEqual(t, len(out), 2)
	assert.Equal(t, para1, out[0])
}

func TestHardSplitUnbrokenText(t *testing.T) {
	c := New(4, 8)
	input := strings.Repeat("x", 200) // no boundaries at all
	out := c.Split(input)
	require.Greater(t, len(out), 1)
	assert.Equal(t, input, strings.Join(out, ""))
	for _, frag := range out[:len(out)-1] {
		assert.LessOrEqual(t, EstimateTokens(frag), c.MaxTokens)
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}
