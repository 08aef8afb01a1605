package services

import "strings"

// ScreeningEvaluator decides eligibility from free-text screening input. The
// check is an exact match against a single exclusion token after trimming
// whitespace and case folding; substrings never match, so "no concerns at
// all" does not exclude.
type ScreeningEvaluator struct {
	token string
}

func NewScreeningEvaluator(exclusionToken string) *ScreeningEvaluator {
	return &ScreeningEvaluator{token: strings.ToLower(strings.TrimSpace(exclusionToken))}
}

// Evaluate reports whether the screening text excludes the participant.
func (e *ScreeningEvaluator) Evaluate(text string) bool {
	return strings.ToLower(strings.TrimSpace(text)) == e.token
}
