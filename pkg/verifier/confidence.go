package verifier

import (
	"strings"
	"unicode/utf8"
)

const (
	baseConfidence   = 0.8
	shortOutputRunes = 50
	longOutputRunes  = 500
)

var uncertaintyMarkers = []string{
	"i'm not sure",
	"i don't know",
	"maybe",
	"perhaps",
	"possibly",
	"unclear",
}

// HeuristicConfidence scores text when the provider reports no confidence.
// The score is deterministic for a given text.
func HeuristicConfidence(text string) float64 {
	confidence := baseConfidence
	n := utf8.RuneCountInString(text)
	if n < shortOutputRunes {
		confidence -= 0.1
	}
	lower := strings.ToLower(text)
	for _, marker := range uncertaintyMarkers {
		if strings.Contains(lower, marker) {
			confidence -= 0.2
			break
		}
	}
	if n > longOutputRunes {
		confidence += 0.1
	}
	return clamp(confidence)
}

// Score returns reported when the provider supplied one, else the heuristic.
func Score(text string, reported *float64) float64 {
	if reported != nil {
		return clamp(*reported)
	}
	return HeuristicConfidence(text)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
