package flow

import "testing"

func TestBuildDefinitionValid(t *testing.T) {
	toml := DefinitionTOML{
		Flow: MetaTOML{Name: "onboarding", Start: "ask_name", DefaultTimeoutSecs: 300},
		Steps: []StepTOML{
			{ID: "ask_name", Kind: StepMessage, Text: "What's your name?", Transitions: []TransitionDef{{On: TokenAny, Target: "ask_email"}}},
			{ID: "ask_email", Kind: StepMessage, Text: "What's your email?"},
		},
	}

	def, warnings, err := BuildDefinition(toml)
	if err != nil {
		t.Fatalf("BuildDefinition: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", warnings)
	}
	if def.StartStep != "ask_name" || len(def.Steps) != 2 {
		t.Fatalf("def = %+v", def)
	}
	if !def.Steps["ask_email"].IsTerminal() {
		t.Fatal("ask_email has no transitions, should be terminal")
	}
}

func TestBuildDefinitionStructuralErrors(t *testing.T) {
	tests := []struct {
		name string
		toml DefinitionTOML
	}{
		{
			name: "duplicate step id",
			toml: DefinitionTOML{
				Flow: MetaTOML{Name: "f", Start: "a"},
				Steps: []StepTOML{
					{ID: "a", Kind: StepMessage, Text: "x"},
					{ID: "a", Kind: StepMessage, Text: "y"},
				},
			},
		},
		{
			name: "missing start step",
			toml: DefinitionTOML{
				Flow:  MetaTOML{Name: "f", Start: "nope"},
				Steps: []StepTOML{{ID: "a", Kind: StepMessage, Text: "x"}},
			},
		},
		{
			name: "keyboard step without buttons",
			toml: DefinitionTOML{
				Flow:  MetaTOML{Name: "f", Start: "a"},
				Steps: []StepTOML{{ID: "a", Kind: StepKeyboard}},
			},
		},
		{
			name: "poll step with one option",
			toml: DefinitionTOML{
				Flow:  MetaTOML{Name: "f", Start: "a"},
				Steps: []StepTOML{{ID: "a", Kind: StepPoll, PollOptions: []string{"only"}}},
			},
		},
		{
			name: "transition to nonexistent target",
			toml: DefinitionTOML{
				Flow: MetaTOML{Name: "f", Start: "a"},
				Steps: []StepTOML{
					{ID: "a", Kind: StepMessage, Text: "x", Transitions: []TransitionDef{{On: TokenAny, Target: "ghost"}}},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := BuildDefinition(tt.toml); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestBuildDefinitionUnreachableStepWarns(t *testing.T) {
	toml := DefinitionTOML{
		Flow: MetaTOML{Name: "f", Start: "a"},
		Steps: []StepTOML{
			{ID: "a", Kind: StepMessage, Text: "x"},
			{ID: "b", Kind: StepMessage, Text: "unreachable"},
		},
	}

	_, warnings, err := BuildDefinition(toml)
	if err != nil {
		t.Fatalf("BuildDefinition: %v", err)
	}
	found := false
	for _, w := range warnings {
		if w.Message == `step "b" is unreachable from start` {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an unreachable-step warning, got %+v", warnings)
	}
}
