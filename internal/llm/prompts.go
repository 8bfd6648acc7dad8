// Package llm provides the model integration for the memory pipeline:
// provider clients for completions and batched embeddings, strict JSON
// prompt templates, and tolerant response parsers.
package llm

import (
	"fmt"
	"strings"
)

// ImportancePrompt asks for a single numeric importance score in [0,1] for
// a piece of content. The response parser extracts the first float it finds,
// so the prompt insists on a bare number.
func ImportancePrompt(content string, contentType string) string {
	return fmt.Sprintf(`Rate how important the following %s is to remember about the user long-term.

Respond with ONLY a single number between 0.0 and 1.0. No explanation, no other text.
0.0 = trivial small talk, filler, greetings
0.5 = mildly informative preferences or facts
1.0 = major life events, core preferences, lasting commitments

Content:
%s

Score:`, contentType, content)
}

// EpisodeSynthesisPrompt asks for a title, narrative summary, and topic tags
// for a new episode built from the given chunk texts. Strict JSON-only
// output keeps the parser simple.
func EpisodeSynthesisPrompt(chunks []string) string {
	var sb strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, c)
	}
	return fmt.Sprintf(`The following memory fragments belong to one narrative episode in a user's life.

Respond with ONLY valid JSON, no markdown fences, in exactly this shape:
{"title": "short episode title", "summary": "2-3 sentence narrative summary", "tags": ["topic", "emotion"]}

Fragments:
%s`, sb.String())
}

// EpisodeResummarizePrompt asks for an updated narrative after new chunks
// joined an existing episode.
func EpisodeResummarizePrompt(title, currentSummary string, chunks []string) string {
	var sb strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, c)
	}
	return fmt.Sprintf(`An episode titled %q currently has this summary:
%s

New and existing fragments of the episode are listed below. Respond with ONLY valid JSON:
{"summary": "updated 2-3 sentence narrative summary", "tags": ["topic", "emotion"]}

Fragments:
%s`, title, currentSummary, sb.String())
}

// ThoughtSynthesisPrompt asks for a named abstraction over episode
// narratives that share recurring structure.
func ThoughtSynthesisPrompt(narratives []string) string {
	var sb strings.Builder
	for i, n := range narratives {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, n)
	}
	return fmt.Sprintf(`The following episode summaries from one user's life share a recurring pattern.

Name the pattern and describe it. Respond with ONLY valid JSON:
{"name": "short pattern name", "description": "1-2 sentence description of the recurring pattern", "confidence": 0.8}

Episodes:
%s`, sb.String())
}
