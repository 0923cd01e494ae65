package flow

import (
	"fmt"
	"strings"
)

// ValidationError is one structural defect found while building a
// Definition from a DefinitionTOML.
type ValidationError struct {
	FlowName string
	Message  string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("flow %q: %s", e.FlowName, e.Message)
}

// ValidationErrors is a non-empty slice of ValidationError, satisfying the
// error interface by joining messages.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Warning is a non-fatal validation finding, logged but never blocking load
// (spec §4.E: "Warnings (logged, not fatal)").
type Warning struct {
	FlowName string
	Message  string
}

// BuildDefinition validates t and, on success, returns the runtime
// Definition plus any non-fatal warnings (spec §4.E "Validation").
func BuildDefinition(t DefinitionTOML) (Definition, []Warning, error) {
	name := t.Flow.Name
	var errs ValidationErrors

	seenIDs := make(map[string]bool, len(t.Steps))
	stepIDs := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if seenIDs[s.ID] {
			errs = append(errs, ValidationError{name, fmt.Sprintf("duplicate step id %q", s.ID)})
		}
		seenIDs[s.ID] = true
		stepIDs[s.ID] = true
	}

	if !stepIDs[t.Flow.Start] {
		errs = append(errs, ValidationError{name, fmt.Sprintf("start step %q does not exist", t.Flow.Start)})
	}

	for _, s := range t.Steps {
		switch s.Kind {
		case StepKeyboard:
			if len(s.Buttons) == 0 {
				errs = append(errs, ValidationError{name, fmt.Sprintf("step %q: keyboard step requires non-empty buttons", s.ID)})
			}
		case StepPoll:
			if len(s.PollOptions) < 2 {
				errs = append(errs, ValidationError{name, fmt.Sprintf("step %q: poll step requires at least 2 options (found %d)", s.ID, len(s.PollOptions))})
			}
		case StepMessage, StepEdit:
			if s.Text == "" {
				errs = append(errs, ValidationError{name, fmt.Sprintf("step %q: %s step requires non-empty text", s.ID, s.Kind)})
			}
		default:
			errs = append(errs, ValidationError{name, fmt.Sprintf("step %q: unknown kind %q", s.ID, s.Kind)})
		}

		for _, tr := range s.Transitions {
			if !stepIDs[tr.Target] {
				errs = append(errs, ValidationError{name, fmt.Sprintf("step %q: transition target %q does not exist", s.ID, tr.Target)})
			}
		}
	}

	var warnings []Warning
	if stepIDs[t.Flow.Start] {
		reachable := reachableSteps(t.Steps, t.Flow.Start)
		for _, s := range t.Steps {
			if !reachable[s.ID] {
				warnings = append(warnings, Warning{name, fmt.Sprintf("step %q is unreachable from start", s.ID)})
			}
		}
	}
	for _, s := range t.Steps {
		for _, row := range s.Buttons {
			for _, b := range row {
				if !hasMatchingTransition(s.Transitions, b.CallbackData) {
					warnings = append(warnings, Warning{name, fmt.Sprintf("step %q: button callback_data %q has no matching transition", s.ID, b.CallbackData)})
				}
			}
		}
	}
	if hasCycles(t.Steps, t.Flow.Start) {
		warnings = append(warnings, Warning{name, "contains cycles (valid for retry loops)"})
	}

	if len(errs) > 0 {
		return Definition{}, warnings, errs
	}

	steps := make(map[string]Step, len(t.Steps))
	for _, s := range t.Steps {
		anon := true
		if s.PollAnonymous != nil {
			anon = *s.PollAnonymous
		}
		steps[s.ID] = Step{
			ID:            s.ID,
			Kind:          s.Kind,
			Text:          s.Text,
			Buttons:       s.Buttons,
			PollOptions:   s.PollOptions,
			PollAnonymous: anon,
			TimeoutSecs:   s.TimeoutSecs,
			AgentHandoff:  s.AgentHandoff,
			Transitions:   s.Transitions,
		}
	}

	return Definition{
		Name:               t.Flow.Name,
		Description:        t.Flow.Description,
		StartStep:          t.Flow.Start,
		DefaultTimeoutSecs: t.Flow.DefaultTimeoutSecs,
		Steps:              steps,
	}, warnings, nil
}

func hasMatchingTransition(transitions []TransitionDef, callbackData string) bool {
	for _, tr := range transitions {
		if tr.On == callbackData || tr.On == TokenAny {
			return true
		}
	}
	return false
}

func reachableSteps(steps []StepTOML, start string) map[string]bool {
	byID := make(map[string]StepTOML, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	reachable := make(map[string]bool)
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if reachable[cur] {
			continue
		}
		reachable[cur] = true
		if s, ok := byID[cur]; ok {
			for _, tr := range s.Transitions {
				queue = append(queue, tr.Target)
			}
		}
	}
	return reachable
}

func hasCycles(steps []StepTOML, start string) bool {
	byID := make(map[string]StepTOML, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	return dfsCycle(byID, start, visited, onStack)
}

func dfsCycle(byID map[string]StepTOML, node string, visited, onStack map[string]bool) bool {
	if onStack[node] {
		return true
	}
	if visited[node] {
		return false
	}
	visited[node] = true
	onStack[node] = true

	if s, ok := byID[node]; ok {
		for _, tr := range s.Transitions {
			if dfsCycle(byID, tr.Target, visited, onStack) {
				return true
			}
		}
	}

	onStack[node] = false
	return false
}
