package session

import (
	"goa.design/sessiond/runtime/agent/engine"
)

// Decision is the outcome of classifying one engine event.
type Decision int

const (
	// DecisionContinue means the run goes on.
	DecisionContinue Decision = iota
	// DecisionError means the run failed.
	DecisionError
	// DecisionComplete means the run finished successfully.
	DecisionComplete
)

type rule struct {
	name     string
	decision Decision
	match    func(engine.Event) bool
}

// terminalTypeTags are the type tags that end a run.
var terminalTypeTags = map[string]struct{}{
	"result":     {},
	"final":      {},
	"completion": {},
}

// rules are evaluated in order and the first match wins. The error flag
// takes precedence so that a failed result message is never reported as a
// completion. The turns-and-duration rule is a heuristic for engines whose
// result messages carry no explicit type or subtype.
var rules = []rule{
	{name: "error_flag", decision: DecisionError, match: engine.IsError},
	{name: "final_result_subtype", decision: DecisionComplete, match: func(ev engine.Event) bool {
		st, ok := engine.SubtypeOf(ev)
		return ok && st == "final_result"
	}},
	{name: "terminal_type_tag", decision: DecisionComplete, match: func(ev engine.Event) bool {
		tag, ok := engine.TypeTagOf(ev)
		if !ok {
			return false
		}
		_, terminal := terminalTypeTags[tag]
		return terminal
	}},
	{name: "turns_and_duration", decision: DecisionComplete, match: func(ev engine.Event) bool {
		_, hasTurns := engine.NumTurnsOf(ev)
		_, hasDuration := engine.DurationMSOf(ev)
		return hasTurns && hasDuration
	}},
}

// Classify decides whether ev ends the run.
func Classify(ev engine.Event) Decision {
	d, _ := classify(ev)
	return d
}

// classify also returns the name of the matching rule, or "" for
// continuation.
func classify(ev engine.Event) (Decision, string) {
	for _, r := range rules {
		if r.match(ev) {
			return r.decision, r.name
		}
	}
	return DecisionContinue, ""
}

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case DecisionError:
		return "error"
	case DecisionComplete:
		return "complete"
	default:
		return "continue"
	}
}

// errorText returns the description recorded for an error event.
func errorText(ev engine.Event) string {
	if text, ok := engine.ResultTextOf(ev); ok && text != "" {
		return text
	}
	return UnknownErrorMessage
}

// resultOf builds the Result recorded for a terminal event. usage converts
// the engine usage payload into its stored form.
func resultOf(ev engine.Event, usage func(any) any) *Result {
	var r Result
	r.SessionID, _ = engine.SessionIDOf(ev)
	if v, ok := engine.NumTurnsOf(ev); ok {
		r.NumTurns = &v
	}
	if v, ok := engine.DurationMSOf(ev); ok {
		r.DurationMS = &v
	}
	if v, ok := engine.TotalCostUSDOf(ev); ok {
		r.TotalCostUSD = &v
	}
	if v, ok := engine.UsageOf(ev); ok {
		r.Usage = usage(v)
	}
	return &r
}
