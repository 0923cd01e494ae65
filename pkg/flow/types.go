// Package flow implements the Declarative Flow Engine: durable per-chat
// state-machine execution of versioned flow definitions, operator and
// agent authoring, a policy gate, timeout detection, and an append-only
// audit trail (spec §4.E, §4.F).
package flow

import "strconv"

// StepKind enumerates the four step behaviors a flow step can have
// (spec §4.E).
type StepKind string

const (
	StepMessage  StepKind = "message"
	StepKeyboard StepKind = "keyboard"
	StepPoll     StepKind = "poll"
	StepEdit     StepKind = "edit"
)

// TokenTimeout and TokenAny are the synthetic/wildcard transition tokens
// the engine recognizes alongside exact-match tokens (spec §4.E).
const (
	TokenTimeout = "_timeout"
	TokenAny     = "_any"
)

// PollOptionToken returns the synthetic transition token for the i-th poll
// option answer (spec §4.E: "poll_option_<index>").
func PollOptionToken(i int) string {
	return "poll_option_" + strconv.Itoa(i)
}

// DefinitionTOML is the raw shape a flow TOML file (or an agent-authored
// JSON definition round-tripped through the same schema) parses into.
type DefinitionTOML struct {
	Flow  MetaTOML   `toml:"flow" json:"flow"`
	Steps []StepTOML `toml:"steps" json:"steps"`
}

// MetaTOML is the `[flow]` table.
type MetaTOML struct {
	Name               string `toml:"name" json:"name"`
	Description        string `toml:"description" json:"description,omitempty"`
	Start              string `toml:"start" json:"start"`
	DefaultTimeoutSecs int    `toml:"default_timeout_secs" json:"default_timeout_secs"`
}

// StepTOML is one `[[steps]]` table.
type StepTOML struct {
	ID            string          `toml:"id" json:"id"`
	Kind          StepKind        `toml:"kind" json:"kind"`
	Text          string          `toml:"text" json:"text"`
	Buttons       [][]ButtonDef   `toml:"buttons" json:"buttons,omitempty"`
	PollOptions   []string        `toml:"poll_options" json:"poll_options,omitempty"`
	PollAnonymous *bool           `toml:"poll_anonymous" json:"poll_anonymous,omitempty"`
	TimeoutSecs   *int            `toml:"timeout_secs" json:"timeout_secs,omitempty"`
	AgentHandoff  bool            `toml:"agent_handoff" json:"agent_handoff"`
	Transitions   []TransitionDef `toml:"transitions" json:"transitions,omitempty"`
}

// ButtonDef is one inline keyboard button.
type ButtonDef struct {
	Text         string `toml:"text" json:"text"`
	CallbackData string `toml:"callback_data" json:"callback_data"`
}

// TransitionDef is one `on -> target` edge.
type TransitionDef struct {
	On     string `toml:"on" json:"on"`
	Target string `toml:"target" json:"target"`
}

// Definition is a validated, runtime-ready flow: step lookup is O(1) by id.
type Definition struct {
	Name               string
	Description        string
	StartStep          string
	DefaultTimeoutSecs int
	Steps              map[string]Step
}

// Step is a validated runtime step. Unlike StepTOML, Text is never nil and
// PollAnonymous has its default (true) already resolved.
type Step struct {
	ID            string
	Kind          StepKind
	Text          string
	Buttons       [][]ButtonDef
	PollOptions   []string
	PollAnonymous bool
	TimeoutSecs   *int
	AgentHandoff  bool
	Transitions   []TransitionDef
}

// IsTerminal reports whether a step has no outgoing transitions — arriving
// here ends the flow.
func (s Step) IsTerminal() bool {
	return len(s.Transitions) == 0
}

// EffectiveTimeout returns the step's timeout override, or flowDefault if
// none is set. Zero means no timeout.
func (s Step) EffectiveTimeout(flowDefault int) int {
	if s.TimeoutSecs != nil {
		return *s.TimeoutSecs
	}
	return flowDefault
}
