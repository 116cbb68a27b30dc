package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Character describes the agent answering on a channel.
type Character struct {
	// ID is the agent identifier used as the author of its messages.
	ID string `yaml:"id" json:"id"`

	// Name is the display name.
	Name string `yaml:"name" json:"name"`

	// System is the system prompt prepended to every model call.
	System string `yaml:"system" json:"system,omitempty"`

	// Bio lines are appended to the system prompt.
	Bio []string `yaml:"bio" json:"bio,omitempty"`

	// Model overrides the provider default model when set.
	Model string `yaml:"model" json:"model,omitempty"`

	Temperature float64 `yaml:"temperature" json:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens" json:"maxTokens,omitempty"`
}

// ErrInvalidCharacter is returned by Validate.
var ErrInvalidCharacter = errors.New("invalid character")

// Validate checks that the character can be used to answer messages.
func (c *Character) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil", ErrInvalidCharacter)
	}
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidCharacter)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCharacter)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature %.2f out of range [0, 2]", ErrInvalidCharacter, c.Temperature)
	}
	return nil
}

// SystemPrompt joins the system prompt and bio lines.
func (c *Character) SystemPrompt() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(c.System))
	for _, line := range c.Bio {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(line)
	}
	if b.Len() == 0 {
		return fmt.Sprintf("You are %s.", c.Name)
	}
	return b.String()
}
