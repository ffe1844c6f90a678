package grade

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

// DefaultOverlap is the word-overlap fraction a free-text answer needs to pass.
const DefaultOverlap = 0.5

// AnswerOracle is the oracle of an answer task. Locate-the-function tasks set
// Function and File; free-text tasks set Answer.
type AnswerOracle struct {
	Function string `json:"function,omitempty"`
	File     string `json:"file,omitempty"`
	Answer   string `json:"answer,omitempty"`
}

// AnswerScores are the heuristics computed for one answer.
type AnswerScores struct {
	ExactMatch  bool    `json:"exact_match"` // function and file both named
	FuncMatch   bool    `json:"func_match"`
	FileMatch   bool    `json:"file_match"`
	WordOverlap float64 `json:"word_overlap"` // fraction of reference words present
}

// AnswerMatch grades answer tasks against the reference in their oracle.
type AnswerMatch struct {
	Threshold float64 // word overlap needed for free-text answers; DefaultOverlap when 0
}

// Verdict passes a located function when both name and file appear in the
// result, and a free-text answer when enough reference words appear.
// Tasks with no usable oracle are Unknown.
func (m AnswerMatch) Verdict(t *task.Task, rec *task.Record) Verdict {
	oracle, ok := decodeOracle(t)
	if !ok {
		return Unknown
	}
	s := Score(oracle, rec.ResultText)
	switch {
	case oracle.Function != "":
		if s.ExactMatch {
			return Pass
		}
		return Fail
	default:
		threshold := m.Threshold
		if threshold <= 0 {
			threshold = DefaultOverlap
		}
		if s.WordOverlap >= threshold {
			return Pass
		}
		return Fail
	}
}

func decodeOracle(t *task.Task) (AnswerOracle, bool) {
	var o AnswerOracle
	if len(t.Oracle) == 0 {
		return o, false
	}
	if err := json.Unmarshal(t.Oracle, &o); err != nil {
		return o, false
	}
	if o.Function == "" && o.Answer == "" {
		return o, false
	}
	return o, true
}

// Score computes the answer heuristics case-insensitively.
func Score(oracle AnswerOracle, predicted string) AnswerScores {
	pred := strings.ToLower(predicted)
	var s AnswerScores
	if oracle.Function != "" {
		s.FuncMatch = strings.Contains(pred, strings.ToLower(oracle.Function))
		s.FileMatch = oracle.File != "" && strings.Contains(pred, strings.ToLower(oracle.File))
		s.ExactMatch = s.FuncMatch && (oracle.File == "" || s.FileMatch)
	}
	if oracle.Answer != "" {
		s.WordOverlap = wordOverlap(oracle.Answer, predicted)
	}
	return s
}

func wordOverlap(reference, predicted string) float64 {
	ref := wordSet(reference)
	if len(ref) == 0 {
		return 0
	}
	pred := wordSet(predicted)
	hits := 0
	for w := range ref {
		if _, ok := pred[w]; ok {
			hits++
		}
	}
	return math.Round(float64(hits)/float64(len(ref))*1000) / 1000
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = struct{}{}
	}
	return out
}
