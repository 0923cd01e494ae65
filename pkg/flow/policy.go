package flow

import (
	"strconv"
	"strings"
)

// Policy holds the agent-authoring policy gate's tunables (spec §4.F).
type Policy struct {
	AgentAuthoringEnabled    bool
	MaxSteps                 int
	MaxAgentFlows            int
	RequireHandoffOnKeyboard bool
	AutoApprove              bool
	AutoApproveMaxSteps      int
	DeniedStepKinds          []string
	DeniedTextPatterns       []string
}

// Violation is a single broken policy rule.
type Violation struct {
	Message string
}

// CheckPolicy validates an agent-authored flow definition against p,
// returning every violated rule (spec §4.F numbered checks 1-7, the
// operator-name-collision check is evaluated by the caller via
// Cache.IsOperatorOwned since it needs the Cache, not just Policy).
func CheckPolicy(t DefinitionTOML, p Policy, currentAgentFlowCount int) []Violation {
	var violations []Violation

	if !p.AgentAuthoringEnabled {
		violations = append(violations, Violation{"agent flow authoring is disabled"})
	}

	if len(t.Steps) > p.MaxSteps {
		violations = append(violations, Violation{
			"flow has " + strconv.Itoa(len(t.Steps)) + " steps, exceeds max_steps (" + strconv.Itoa(p.MaxSteps) + ")",
		})
	}

	for _, s := range t.Steps {
		kind := string(s.Kind)
		for _, denied := range p.DeniedStepKinds {
			if strings.EqualFold(denied, kind) {
				violations = append(violations, Violation{"step '" + s.ID + "' uses denied kind '" + kind + "'"})
			}
		}
	}

	if p.RequireHandoffOnKeyboard {
		for _, s := range t.Steps {
			if s.Kind == StepKeyboard && !s.AgentHandoff {
				violations = append(violations, Violation{
					"step '" + s.ID + "': keyboard step requires agent_handoff = true (policy: require_handoff_on_keyboard)",
				})
			}
		}
	}

	if len(p.DeniedTextPatterns) > 0 {
		for _, s := range t.Steps {
			textLower := strings.ToLower(s.Text)
			for _, pattern := range p.DeniedTextPatterns {
				if strings.Contains(textLower, strings.ToLower(pattern)) {
					violations = append(violations, Violation{
						"step '" + s.ID + "': text contains denied pattern '" + pattern + "'",
					})
				}
			}
		}
	}

	if currentAgentFlowCount >= p.MaxAgentFlows {
		violations = append(violations, Violation{
			"agent flow count (" + strconv.Itoa(currentAgentFlowCount) + ") has reached max_agent_flows (" + strconv.Itoa(p.MaxAgentFlows) + ")",
		})
	}

	return violations
}

// QualifiesForAutoApprove reports whether t can skip pending_review: all
// steps are message-kind and step count is within the auto-approve limit
// (spec §4.F "Auto-approve").
func QualifiesForAutoApprove(t DefinitionTOML, p Policy) bool {
	if !p.AutoApprove {
		return false
	}
	if len(t.Steps) > p.AutoApproveMaxSteps {
		return false
	}
	for _, s := range t.Steps {
		if s.Kind != StepMessage {
			return false
		}
	}
	return true
}

