package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseImportance(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		wantScore float64
		wantKnown bool
	}{
		{"bare number", "0.7", 0.7, true},
		{"number with chatter", "I'd rate this 0.85 out of 1.", 0.85, true},
		{"integer zero", "0", 0, true},
		{"integer one", "1", 1, true},
		{"ten scale fallback", "8", 0.8, true},
		{"clamped above ten", "95", 1, true},
		{"negative clamped", "-0.3", 0, true},
		{"no number", "this seems quite important to me", 0, false},
		{"empty", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, known := ParseImportance(tt.reply)
			assert.Equal(t, tt.wantKnown, known)
			assert.InDelta(t, tt.wantScore, score, 1e-9)
		})
	}
}

func TestParseEpisodeSynthesis(t *testing.T) {
	reply := "```json\n{\"title\": \"Move to Lisbon\", \"summary\": \"The user relocated.\", \"tags\": [\"relocation\", \"excitement\"]}\n```"

	out, ok := ParseEpisodeSynthesis(reply)
	assert.True(t, ok)
	assert.Equal(t, "Move to Lisbon", out.Title)
	assert.Equal(t, "The user relocated.", out.Summary)
	assert.Equal(t, []string{"relocation", "excitement"}, out.Tags)
}

func TestParseEpisodeSynthesisUnparseable(t *testing.T) {
	for _, reply := range []string{"", "no json here", "{broken", `{"other": 1}`} {
		_, ok := ParseEpisodeSynthesis(reply)
		assert.False(t, ok, "reply %q should not parse", reply)
	}
}

func TestParseThoughtSynthesisDefaultsConfidence(t *testing.T) {
	out, ok := ParseThoughtSynthesis(`{"name": "Recurring travel anxiety", "description": "d", "confidence": 7}`)
	assert.True(t, ok)
	assert.Equal(t, 0.5, out.Confidence)
}

func TestExtractJSONObjectNested(t *testing.T) {
	raw, ok := extractJSONObject(`prefix {"a": {"b": "with } brace"}, "c": 2} suffix`)
	assert.True(t, ok)
	assert.Equal(t, `{"a": {"b": "with } brace"}, "c": 2}`, raw)
}
