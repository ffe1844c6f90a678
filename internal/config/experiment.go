package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// identPattern restricts names used as file and key components.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return identPattern.MatchString(s) && s != "." && s != ".."
	})
	return v
}

// Experiment is one arm of an A/B comparison: a named, immutable set of agent
// parameters.
type Experiment struct {
	Name               string   `json:"name" validate:"required,ident"`
	Comprehend         bool     `json:"comprehend"`
	MaxTurns           int      `json:"max_turns" validate:"gt=0"`
	AllowedTools       []string `json:"allowed_tools" validate:"dive,required"`
	Model              string   `json:"model" validate:"required"`
	AppendSystemPrompt string   `json:"append_system_prompt,omitempty"`
	Description        string   `json:"description,omitempty"`
}

// LoadExperiment reads and validates an experiment configuration JSON file.
func LoadExperiment(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var e Experiment
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &e, nil
}

// Validate checks the experiment's field constraints.
func (e *Experiment) Validate() error {
	if err := validate.Struct(e); err != nil {
		return describeValidation(err)
	}
	return nil
}

// ValidatePair asserts two experiments differ only in the capability toggle
// and the instruction augmentation. Any other difference would confound the
// comparison.
func ValidatePair(baseline, candidate *Experiment) error {
	if baseline.Name == candidate.Name {
		return fmt.Errorf("baseline and candidate share the name %q", baseline.Name)
	}
	var diffs []string
	if baseline.MaxTurns != candidate.MaxTurns {
		diffs = append(diffs, fmt.Sprintf("max_turns (%d vs %d)", baseline.MaxTurns, candidate.MaxTurns))
	}
	if baseline.Model != candidate.Model {
		diffs = append(diffs, fmt.Sprintf("model (%q vs %q)", baseline.Model, candidate.Model))
	}
	if !sameSet(baseline.AllowedTools, candidate.AllowedTools) {
		diffs = append(diffs, fmt.Sprintf("allowed_tools (%v vs %v)", baseline.AllowedTools, candidate.AllowedTools))
	}
	if len(diffs) > 0 {
		return fmt.Errorf("configurations %q and %q differ beyond the capability toggle: %s",
			baseline.Name, candidate.Name, strings.Join(diffs, ", "))
	}
	return nil
}

func sameSet(a, b []string) bool {
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(slices.Compact(x), slices.Compact(y))
}

// describeValidation flattens validator errors into one readable error.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s fails %s", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid: %s", strings.Join(msgs, "; "))
}
