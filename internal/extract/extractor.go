// Package extract finds one-time verification codes in message text.
//
// Text is first reduced to what a reader would see (Normalize), then scanned
// by an ordered table of patterns grouped in tiers. The override tier wins
// over everything, then high, medium and finally any bare 4-8 digit run.
// Inside the winning tier the earliest candidate is selected.
package extract

import (
	"regexp"
	"sort"
)

const (
	minCodeLen = 4
	maxCodeLen = 8
)

var digitRun = regexp.MustCompile(`\d+`)

// Candidate is one code-shaped token found in the text
type Candidate struct {
	Code     string `json:"code"`
	Tier     Tier   `json:"tier"`
	Position int    `json:"position"`
	Pattern  string `json:"pattern"`
	Score    int    `json:"score"`
}

// Result holds the selected code, if any, and every surviving candidate in rank order
type Result struct {
	Best       *Candidate
	Candidates []Candidate
}

// Found reports whether a code was selected
func (r Result) Found() bool {
	return r.Best != nil
}

// Code returns the selected code or an empty string
func (r Result) Code() string {
	if r.Best == nil {
		return ""
	}
	return r.Best.Code
}

// Extractor applies the tiered pattern table and the blacklist
type Extractor struct {
	patterns  []Pattern
	blacklist *Blacklist
}

// NewExtractor creates an extractor from built-in patterns plus the given rules
func NewExtractor(rules Rules) (*Extractor, error) {
	custom, err := rules.compile()
	if err != nil {
		return nil, err
	}

	patterns := append(DefaultPatterns(), custom...)
	// stable so built-in patterns keep precedence inside a tier
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Tier < patterns[j].Tier
	})

	return &Extractor{
		patterns:  patterns,
		blacklist: NewBlacklist(rules.Deny...),
	}, nil
}

// Default returns an extractor with only the built-in rules
func Default() *Extractor {
	e, _ := NewExtractor(Rules{})
	return e
}

// ExtractMessage normalizes subject and body and extracts from the visible text
func (e *Extractor) ExtractMessage(subject, body string) Result {
	return e.Extract(VisibleText(subject, body))
}

// Extract scans already-normalized text. A result without a code is normal.
func (e *Extractor) Extract(text string) Result {
	byPosition := make(map[int]Candidate)

	for _, p := range e.patterns {
		for _, m := range p.Regexp.FindAllStringSubmatchIndex(text, -1) {
			if len(m) < 4 || m[2] < 0 {
				continue
			}
			start, end := m[2], m[3]
			if !isWholeRun(text, start, end) {
				continue
			}
			code := text[start:end]
			if !isCodeShaped(code) || e.blacklist.Contains(code) {
				continue
			}
			if existing, ok := byPosition[start]; ok && existing.Tier <= p.Tier {
				continue
			}
			byPosition[start] = newCandidate(code, p.Tier, start, p.Name)
		}
	}

	for _, loc := range digitRun.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if n := end - start; n < minCodeLen || n > maxCodeLen {
			continue
		}
		if _, ok := byPosition[start]; ok {
			continue
		}
		code := text[start:end]
		if e.blacklist.Contains(code) {
			continue
		}
		byPosition[start] = newCandidate(code, TierLow, start, "digit_run")
	}

	if len(byPosition) == 0 {
		return Result{}
	}

	candidates := make([]Candidate, 0, len(byPosition))
	for _, c := range byPosition {
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Tier != candidates[j].Tier {
			return candidates[i].Tier < candidates[j].Tier
		}
		return candidates[i].Position < candidates[j].Position
	})

	best := candidates[0]
	return Result{Best: &best, Candidates: candidates}
}

// isWholeRun rejects captures that are a slice of a longer digit sequence
func isWholeRun(text string, start, end int) bool {
	if start > 0 && isDigit(text[start-1]) {
		return false
	}
	if end < len(text) && isDigit(text[end]) {
		return false
	}
	return true
}

// isCodeShaped guards custom patterns whose group may capture more than digits
func isCodeShaped(code string) bool {
	if len(code) < minCodeLen || len(code) > maxCodeLen {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !isDigit(code[i]) {
			return false
		}
	}
	return true
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

var tierScore = map[Tier]int{
	TierOverride: 100,
	TierHigh:     80,
	TierMedium:   50,
	TierLow:      10,
}

// newCandidate scores a candidate for diagnostics. Six-digit codes are by far
// the most common shape, so they get a small bonus; selection ignores scores.
func newCandidate(code string, tier Tier, pos int, pattern string) Candidate {
	score := tierScore[tier]
	switch len(code) {
	case 6:
		score += 10
	case 5, 7:
		score += 5
	}
	return Candidate{
		Code:     code,
		Tier:     tier,
		Position: pos,
		Pattern:  pattern,
		Score:    score,
	}
}
