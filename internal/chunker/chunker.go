// Package chunker splits important content into bounded-size semantic
// fragments. Sizes are measured in estimated model tokens, splits prefer
// paragraph and then sentence boundaries, and output is lossless: the
// concatenation of the returned fragments reproduces the input exactly.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// Chunker holds the fragment size bounds in estimated tokens.
type Chunker struct {
	MinTokens int // fragments below this are merged forward (default: 32)
	MaxTokens int // soft upper bound per fragment (default: 512)
}

// New creates a chunker, applying defaults for non-positive bounds.
func New(minTokens, maxTokens int) *Chunker {
	if minTokens <= 0 {
		minTokens = 32
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}
	if minTokens >= maxTokens {
		minTokens = maxTokens / 4
	}
	return &Chunker{MinTokens: minTokens, MaxTokens: maxTokens}
}

// Split fragments the input. Empty input yields an empty slice; input that
// already fits within MaxTokens is returned unchanged as a single fragment.
func (c *Chunker) Split(text string) []string {
	if len(text) == 0 {
		return nil
	}
	if EstimateTokens(text) <= c.MaxTokens {
		return []string{text}
	}

	// Break the text into pieces no larger than MaxTokens, preferring
	// paragraph boundaries, then sentences, then a hard split.
	var pieces []string
	for _, para := range splitParagraphs(text) {
		if EstimateTokens(para) <= c.MaxTokens {
			pieces = append(pieces, para)
			continue
		}
		for _, sentence := range splitSentences(para) {
			if EstimateTokens(sentence) <= c.MaxTokens {
				pieces = append(pieces, sentence)
				continue
			}
			pieces = append(pieces, hardSplit(sentence, c.MaxTokens)...)
		}
	}

	// Pack pieces into fragments up to MaxTokens.
	var (
		fragments []string
		current   strings.Builder
		curTokens int
	)
	for _, piece := range pieces {
		tokens := EstimateTokens(piece)
		if curTokens > 0 && curTokens+tokens > c.MaxTokens {
			fragments = append(fragments, current.String())
			current.Reset()
			curTokens = 0
		}
		current.WriteString(piece)
		curTokens += tokens
	}
	if current.Len() > 0 {
		fragments = append(fragments, current.String())
	}

	return c.mergeRunts(fragments)
}

// mergeRunts merges fragments below MinTokens forward into their successor
// until they meet the minimum or the input is exhausted. The final fragment
// may stay below the minimum: there is nothing left to merge it with.
func (c *Chunker) mergeRunts(fragments []string) []string {
	out := fragments[:0]
	for i := 0; i < len(fragments); i++ {
		frag := fragments[i]
		for EstimateTokens(frag) < c.MinTokens && i+1 < len(fragments) {
			i++
			frag += fragments[i]
		}
		out = append(out, frag)
	}
	return out
}

// EstimateTokens estimates model tokens with the ~4-characters-per-token
// heuristic, rounding up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// splitParagraphs splits after blank-line runs, keeping each run attached to
// the preceding paragraph so concatenation is lossless.
func splitParagraphs(text string) []string {
	var parts []string
	start := 0
	for i := 0; i+1 < len(text); {
		if text[i] == '\n' && text[i+1] == '\n' {
			j := i
			for j < len(text) && text[j] == '\n' {
				j++
			}
			parts = append(parts, text[start:j])
			start = j
			i = j
			continue
		}
		i++
	}
	if start < len(text) {
		parts = append(parts, text[start:])
	}
	return parts
}

// splitSentences splits after sentence terminators followed by whitespace,
// keeping the whitespace run attached to the preceding sentence.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '.' && ch != '!' && ch != '?' {
			continue
		}
		j := i + 1
		for j < len(text) && isSpace(text[j]) {
			j++
		}
		// Only split when whitespace followed the terminator and more text
		// remains; trailing whitespace belongs to the final sentence.
		if j > i+1 && j < len(text) {
			out = append(out, text[start:j])
			start = j
			i = j - 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// hardSplit cuts text into maxTokens-sized pieces at rune boundaries. Used
// only for degenerate sentences longer than the maximum.
func hardSplit(text string, maxTokens int) []string {
	maxBytes := maxTokens * 4
	var out []string
	for len(text) > maxBytes {
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxBytes
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		out = append(out, text)
	}
	return out
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
