// Package extract pulls structured JSON out of untrusted agent output.
//
// Upstream text is never assumed to be strictly valid JSON: extraction runs
// an ordered list of strategies and the first success wins. A failure is a
// tagged ExtractionError so callers can distinguish a structural parse
// failure (fixer-eligible) from other errors.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Strategy names reported on a successful extraction.
const (
	StrategyDirect   = "direct"
	StrategyFenced   = "fenced"
	StrategyBalanced = "balanced"
)

var fencedRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

// Result is a successful extraction.
type Result struct {
	Value    map[string]interface{}
	Raw      string // the exact JSON text that parsed
	Strategy string
}

// Decode unmarshals the extracted JSON into a typed destination.
func (r *Result) Decode(dest interface{}) error {
	if err := json.Unmarshal([]byte(r.Raw), dest); err != nil {
		return fmt.Errorf("decode extracted JSON: %w", err)
	}
	return nil
}

// ExtractionError reports that no strategy produced acceptable JSON.
type ExtractionError struct {
	Tried        []string
	RequiredKeys []string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("no JSON extractable (tried %s, required keys %v)",
		strings.Join(e.Tried, ", "), e.RequiredKeys)
}

// JSON extracts a JSON object from text. Strategies, in order: parse the
// whole payload, parse fenced code blocks, then the longest balanced-brace
// substring. When requiredKeys are given, a candidate only wins if it
// contains every one of them; the fixer calls with no keys to relax that.
func JSON(text string, requiredKeys ...string) (*Result, error) {
	tried := []string{StrategyDirect}
	if res := tryParse(strings.TrimSpace(text), StrategyDirect, requiredKeys); res != nil {
		return res, nil
	}

	tried = append(tried, StrategyFenced)
	for _, m := range fencedRe.FindAllStringSubmatch(text, -1) {
		if res := tryParse(strings.TrimSpace(m[1]), StrategyFenced, requiredKeys); res != nil {
			return res, nil
		}
	}

	tried = append(tried, StrategyBalanced)
	for _, candidate := range balancedCandidates(text) {
		if res := tryParse(candidate, StrategyBalanced, requiredKeys); res != nil {
			return res, nil
		}
	}

	return nil, &ExtractionError{Tried: tried, RequiredKeys: requiredKeys}
}

// tryParse accepts a candidate if it parses to an object containing every
// required key.
func tryParse(candidate, strategy string, requiredKeys []string) *Result {
	if candidate == "" || candidate[0] != '{' {
		return nil
	}
	var value map[string]interface{}
	if err := json.Unmarshal([]byte(candidate), &value); err != nil {
		return nil
	}
	for _, key := range requiredKeys {
		if _, ok := value[key]; !ok {
			return nil
		}
	}
	return &Result{Value: value, Raw: candidate, Strategy: strategy}
}

// balancedCandidates returns every balanced-brace substring of text, longest
// first, so the richest object wins.
func balancedCandidates(text string) []string {
	var candidates []string
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		if end := matchBrace(text, start); end > start {
			candidates = append(candidates, text[start:end+1])
		}
	}
	// Longest first
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && len(candidates[j]) > len(candidates[j-1]); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	return candidates
}

// matchBrace finds the index of the brace closing text[start], honoring JSON
// string literals and escapes. Returns -1 if unbalanced.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
