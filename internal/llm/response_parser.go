package llm

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var floatPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// ParseImportance extracts a score in [0,1] from a completion reply.
// The second return value reports whether a number was found at all, so
// callers can distinguish "evaluated as unimportant" from "evaluation
// failed". Out-of-range values are clamped.
func ParseImportance(reply string) (float64, bool) {
	match := floatPattern.FindString(reply)
	if match == "" {
		return 0, false
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, false
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		// Models occasionally answer on a 0-10 scale despite instructions.
		if score <= 10 {
			score = score / 10
		} else {
			score = 1
		}
	}
	return score, true
}

// EpisodeSynthesis is the parsed result of an episode synthesis or
// re-summarization completion.
type EpisodeSynthesis struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Tags    []string `json:"tags"`
}

// ThoughtSynthesis is the parsed result of a thought synthesis completion.
type ThoughtSynthesis struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// ParseEpisodeSynthesis decodes the JSON body of an episode completion.
// Returns false when no usable JSON object can be recovered; callers apply
// placeholder defaults and log, they never fail the pipeline on this.
func ParseEpisodeSynthesis(reply string) (EpisodeSynthesis, bool) {
	var out EpisodeSynthesis
	raw, ok := extractJSONObject(reply)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return EpisodeSynthesis{}, false
	}
	if out.Title == "" && out.Summary == "" {
		return EpisodeSynthesis{}, false
	}
	return out, true
}

// ParseThoughtSynthesis decodes the JSON body of a thought completion.
func ParseThoughtSynthesis(reply string) (ThoughtSynthesis, bool) {
	var out ThoughtSynthesis
	raw, ok := extractJSONObject(reply)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return ThoughtSynthesis{}, false
	}
	if out.Name == "" {
		return ThoughtSynthesis{}, false
	}
	if out.Confidence <= 0 || out.Confidence > 1 {
		out.Confidence = 0.5
	}
	return out, true
}

// extractJSONObject pulls the first top-level {...} out of a reply, which
// tolerates markdown fences and chatter around the JSON despite the
// JSON-only instruction.
func extractJSONObject(reply string) (string, bool) {
	start := strings.Index(reply, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(reply); i++ {
		ch := reply[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return reply[start : i+1], true
				}
			}
		}
	}
	return "", false
}
