package models

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PromptSet holds the conversational system instructions. Control and
// Experimental are the two condition-dependent instructions; Greeting is the
// instruction used to open a round with an assistant turn.
type PromptSet struct {
	Control      string `yaml:"control"`
	Experimental string `yaml:"experimental"`
	Greeting     string `yaml:"greeting"`
}

// LoadPromptSet reads and parses the prompts YAML file.
func LoadPromptSet(path string) (*PromptSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt set: %w", err)
	}

	var prompts PromptSet
	if err := yaml.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prompt set YAML: %w", err)
	}
	if prompts.Control == "" || prompts.Experimental == "" {
		return nil, fmt.Errorf("prompt set %s must define control and experimental instructions", path)
	}
	return &prompts, nil
}

// SystemInstruction selects the instruction for a condition. The experimental
// arm gets the participant's own screening text appended as context, so the
// same round never produces the same prompt across conditions.
func (p *PromptSet) SystemInstruction(condition Condition, screeningText string) string {
	if condition == ConditionExperimental {
		return p.Experimental + "\nContext: " + screeningText
	}
	return p.Control
}

// GreetingInstruction builds the instruction for an assistant round opener.
func (p *PromptSet) GreetingInstruction(round int) string {
	return strings.ReplaceAll(p.Greeting, "{round}", fmt.Sprintf("%d", round))
}
