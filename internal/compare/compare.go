// Package compare reconciles two configurations' records into a paired
// comparison over the task registry.
//
// Every registry task lands in exactly one category. A task without a record
// on either side, or without a verdict for a record that needs one, is
// incomplete; it is never counted as a failure.
package compare

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/johnwbyrd/comprehend-benchmark/internal/checkpoint"
	"github.com/johnwbyrd/comprehend-benchmark/internal/config"
	"github.com/johnwbyrd/comprehend-benchmark/internal/grade"
	"github.com/johnwbyrd/comprehend-benchmark/internal/task"
)

// Outcome is what one configuration did with one task.
type Outcome string

const (
	OutcomeMissing     Outcome = "missing"      // no record
	OutcomeToolFailure Outcome = "tool_failure" // record without a usable artifact
	OutcomePass        Outcome = "pass"
	OutcomeFail        Outcome = "fail"
	OutcomeUngraded    Outcome = "ungraded" // the oracle has no verdict yet
)

// complete reports whether the outcome can take part in a paired count.
func (o Outcome) complete() bool {
	return o != OutcomeMissing && o != OutcomeUngraded
}

// Category is a task's place in the paired comparison.
type Category string

const (
	BothPass      Category = "both_pass"
	OnlyBaseline  Category = "only_baseline"  // regression
	OnlyCandidate Category = "only_candidate" // new fix
	BothFail      Category = "both_fail"
	Incomplete    Category = "incomplete"
)

// Categories lists every category in report order.
var Categories = []Category{BothPass, OnlyBaseline, OnlyCandidate, BothFail, Incomplete}

// Arm is one side of a comparison.
type Arm struct {
	Experiment *config.Experiment
	Records    map[string]*task.Record
	Grader     grade.Grader // grade.Status when nil
}

// Input is everything Compare needs.
type Input struct {
	Tasks     []task.Task // the registry, in order
	Baseline  Arm
	Candidate Arm

	// AllowMismatch compares configurations that differ in more than the
	// capability toggle and instruction augmentation; the differences are
	// kept in Result.Mismatch.
	AllowMismatch bool
}

// Side is one configuration's view of a task.
type Side struct {
	Outcome         Outcome     `json:"outcome"`
	Status          task.Status `json:"status,omitempty"`
	WallTimeSeconds float64     `json:"wall_time_seconds,omitempty"`
	CostUSD         *float64    `json:"cost_usd,omitempty"`
	NumTurns        int         `json:"num_turns,omitempty"`
	ExitCode        int         `json:"exit_code,omitempty"`
}

// Row is one task of the paired table.
type Row struct {
	TaskID    string   `json:"task_id"`
	Category  Category `json:"category"`
	Baseline  Side     `json:"baseline"`
	Candidate Side     `json:"candidate"`
}

// Totals aggregates one configuration's records.
type Totals struct {
	Records         int     `json:"records"`
	Passed          int     `json:"passed"`
	Failed          int     `json:"failed"`
	ToolFailures    int     `json:"tool_failures"`
	Ungraded        int     `json:"ungraded"`
	Missing         int     `json:"missing"`
	WallTimeSeconds float64 `json:"wall_time_seconds"`
	CostUSD         float64 `json:"cost_usd"`
	Turns           int     `json:"turns"`
}

// Delta is the candidate-minus-baseline difference for a task both
// configurations have records for.
type Delta struct {
	TaskID          string   `json:"task_id"`
	Category        Category `json:"category"`
	WallTimeSeconds float64  `json:"wall_time_seconds"`
	CostUSD         float64  `json:"cost_usd"`
	Turns           int      `json:"turns"`
}

// Pair is one complete pair of the paired outcome table, the input to a
// significance test such as McNemar's.
type Pair struct {
	TaskID        string `json:"task_id"`
	BaselinePass  bool   `json:"baseline_pass"`
	CandidatePass bool   `json:"candidate_pass"`
}

// Result is the full comparison.
type Result struct {
	Baseline  string `json:"baseline"`
	Candidate string `json:"candidate"`

	Rows     []Row            `json:"rows"`
	Counts   map[Category]int `json:"counts"`
	NetDelta int              `json:"net_delta"` // only_candidate - only_baseline

	BaselineTotals  Totals `json:"baseline_totals"`
	CandidateTotals Totals `json:"candidate_totals"`

	// sums over tasks where both sides are complete
	PairedBaseline  Totals `json:"paired_baseline"`
	PairedCandidate Totals `json:"paired_candidate"`

	// sorted by cost delta, largest first
	Deltas []Delta `json:"deltas"`

	// records whose task is not in the registry, per side
	ExtraneousBaseline  []string `json:"extraneous_baseline,omitempty"`
	ExtraneousCandidate []string `json:"extraneous_candidate,omitempty"`

	Mismatch []string `json:"mismatch,omitempty"`
}

// Complete reports whether every registry task has a paired verdict.
func (r *Result) Complete() bool { return r.Counts[Incomplete] == 0 }

// IncompleteIDs returns the incomplete tasks in registry order.
func (r *Result) IncompleteIDs() []string {
	var ids []string
	for _, row := range r.Rows {
		if row.Category == Incomplete {
			ids = append(ids, row.TaskID)
		}
	}
	return ids
}

// Pairs returns the complete pairs in registry order.
func (r *Result) Pairs() []Pair {
	var out []Pair
	for _, row := range r.Rows {
		if row.Category == Incomplete {
			continue
		}
		out = append(out, Pair{
			TaskID:        row.TaskID,
			BaselinePass:  row.Baseline.Outcome == OutcomePass,
			CandidatePass: row.Candidate.Outcome == OutcomePass,
		})
	}
	return out
}

// Compare builds the paired comparison.
func Compare(in Input) (*Result, error) {
	if in.Baseline.Experiment == nil || in.Candidate.Experiment == nil {
		return nil, errors.New("compare: both configurations are required")
	}
	res := &Result{
		Baseline:  in.Baseline.Experiment.Name,
		Candidate: in.Candidate.Experiment.Name,
		Rows:      make([]Row, 0, len(in.Tasks)),
		Counts:    make(map[Category]int, len(Categories)),
		Deltas:    []Delta{},
	}
	if err := config.ValidatePair(in.Baseline.Experiment, in.Candidate.Experiment); err != nil {
		if !in.AllowMismatch {
			return nil, err
		}
		res.Mismatch = []string{err.Error()}
	}
	for _, c := range Categories {
		res.Counts[c] = 0
	}

	seen := make(map[string]struct{}, len(in.Tasks))
	for i := range in.Tasks {
		t := &in.Tasks[i]
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("compare: duplicate task id %q", t.ID)
		}
		seen[t.ID] = struct{}{}

		brec, crec := in.Baseline.Records[t.ID], in.Candidate.Records[t.ID]
		row := Row{
			TaskID:    t.ID,
			Baseline:  side(t, brec, in.Baseline.Grader),
			Candidate: side(t, crec, in.Candidate.Grader),
		}
		row.Category = categorize(row.Baseline.Outcome, row.Candidate.Outcome)
		res.Rows = append(res.Rows, row)
		res.Counts[row.Category]++

		accumulate(&res.BaselineTotals, row.Baseline, brec)
		accumulate(&res.CandidateTotals, row.Candidate, crec)
		if row.Category != Incomplete {
			accumulate(&res.PairedBaseline, row.Baseline, brec)
			accumulate(&res.PairedCandidate, row.Candidate, crec)
		}
		if brec != nil && crec != nil {
			res.Deltas = append(res.Deltas, Delta{
				TaskID:          t.ID,
				Category:        row.Category,
				WallTimeSeconds: round(crec.WallTimeSeconds-brec.WallTimeSeconds, 3),
				CostUSD:         round(crec.Cost()-brec.Cost(), 6),
				Turns:           crec.NumTurns - brec.NumTurns,
			})
		}
	}

	res.NetDelta = res.Counts[OnlyCandidate] - res.Counts[OnlyBaseline]
	res.ExtraneousBaseline = extraneous(in.Baseline.Records, seen)
	res.ExtraneousCandidate = extraneous(in.Candidate.Records, seen)
	for _, tot := range []*Totals{&res.BaselineTotals, &res.CandidateTotals, &res.PairedBaseline, &res.PairedCandidate} {
		tot.WallTimeSeconds = round(tot.WallTimeSeconds, 3)
		tot.CostUSD = round(tot.CostUSD, 6)
	}
	sort.SliceStable(res.Deltas, func(i, j int) bool {
		if res.Deltas[i].CostUSD != res.Deltas[j].CostUSD {
			return res.Deltas[i].CostUSD > res.Deltas[j].CostUSD
		}
		return res.Deltas[i].TaskID < res.Deltas[j].TaskID
	})
	return res, nil
}

func side(t *task.Task, rec *task.Record, g grade.Grader) Side {
	if rec == nil {
		return Side{Outcome: OutcomeMissing}
	}
	s := Side{
		Status:          rec.Status,
		WallTimeSeconds: rec.WallTimeSeconds,
		CostUSD:         rec.CostUSD,
		NumTurns:        rec.NumTurns,
		ExitCode:        rec.ExitCode,
	}
	if rec.Status.ToolFailure() {
		s.Outcome = OutcomeToolFailure
		return s
	}
	if g == nil {
		g = grade.Status{}
	}
	switch g.Verdict(t, rec) {
	case grade.Pass:
		s.Outcome = OutcomePass
	case grade.Fail:
		s.Outcome = OutcomeFail
	default:
		s.Outcome = OutcomeUngraded
	}
	return s
}

// categorize places a task. Tool failures count as not passing.
func categorize(b, c Outcome) Category {
	if !b.complete() || !c.complete() {
		return Incomplete
	}
	bp, cp := b == OutcomePass, c == OutcomePass
	switch {
	case bp && cp:
		return BothPass
	case bp:
		return OnlyBaseline
	case cp:
		return OnlyCandidate
	default:
		return BothFail
	}
}

func accumulate(tot *Totals, s Side, rec *task.Record) {
	switch s.Outcome {
	case OutcomeMissing:
		tot.Missing++
		return
	case OutcomePass:
		tot.Passed++
	case OutcomeFail:
		tot.Failed++
	case OutcomeToolFailure:
		tot.ToolFailures++
	case OutcomeUngraded:
		tot.Ungraded++
	}
	tot.Records++
	tot.WallTimeSeconds += rec.WallTimeSeconds
	tot.CostUSD += rec.Cost()
	tot.Turns += rec.NumTurns
}

func extraneous(records map[string]*task.Record, registry map[string]struct{}) []string {
	var ids []string
	for id := range records {
		if _, ok := registry[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// LoadRecords reads both configurations' records concurrently. Loads are
// read-only, so the two arms never contend on anything but the store itself.
func LoadRecords(ctx context.Context, s checkpoint.Store, baseline, candidate string) (map[string]*task.Record, map[string]*task.Record, error) {
	var brecs, crecs map[string]*task.Record
	g, gctx := errgroup.WithContext(ctx)
	load := func(name string, dst *map[string]*task.Record) func() error {
		return func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			recs, err := s.ReadAll(name)
			if err != nil {
				return fmt.Errorf("load %s records: %w", name, err)
			}
			*dst = recs
			return nil
		}
	}
	g.Go(load(baseline, &brecs))
	g.Go(load(candidate, &crecs))
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return brecs, crecs, nil
}
