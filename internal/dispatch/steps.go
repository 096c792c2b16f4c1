package dispatch

import (
	"fmt"
	"strconv"

	"github.com/google/shlex"

	"github.com/seantiz/autopilot/internal/model"
)

// Step is one parsed sequence step, e.g. `tap 120 340` or
// `input "hello world"`.
type Step struct {
	Verb string   `json:"verb"`
	Args []string `json:"args,omitempty"`
}

type stepRule struct {
	min, max int
	numeric  bool
}

var stepRules = map[string]stepRule{
	"tap":       {min: 2, max: 2, numeric: true},
	"swipe":     {min: 4, max: 5, numeric: true},
	"wait":      {min: 1, max: 1, numeric: true},
	"input":     {min: 1, max: 1},
	"start_app": {min: 1, max: 1},
	"stop_app":  {min: 1, max: 1},
	"back":      {},
}

// ParseStep splits a step line with shell quoting rules and checks the verb
// and its arguments.
func ParseStep(line string) (Step, error) {
	tokens, err := shlex.Split(line)
	if err != nil {
		return Step{}, fmt.Errorf("%w: parsing step %q: %v", model.ErrValidation, line, err)
	}
	if len(tokens) == 0 {
		return Step{}, validationError("empty step")
	}

	verb, args := tokens[0], tokens[1:]
	rule, ok := stepRules[verb]
	if !ok {
		return Step{}, validationError("unknown step verb %q", verb)
	}
	if len(args) < rule.min || len(args) > rule.max {
		if rule.min == rule.max {
			return Step{}, validationError("%s takes %d arguments, got %d", verb, rule.min, len(args))
		}
		return Step{}, validationError("%s takes %d to %d arguments, got %d", verb, rule.min, rule.max, len(args))
	}
	if rule.numeric {
		for _, a := range args {
			if n, err := strconv.Atoi(a); err != nil || n < 0 {
				return Step{}, validationError("%s argument %q is not a non-negative integer", verb, a)
			}
		}
	}
	return Step{Verb: verb, Args: args}, nil
}

// parseSteps parses already validated step lines.
func parseSteps(lines []string) ([]Step, error) {
	steps := make([]Step, 0, len(lines))
	for _, l := range lines {
		s, err := ParseStep(l)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}
