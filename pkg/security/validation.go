package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Content limits.
const (
	MaxIdentifierLength = 128
	MaxContentLength    = 32 * 1024
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_:.@-]+$`)

// StringValidator validates string arguments with various constraints
type StringValidator struct {
	Pattern              *regexp.Regexp
	MaxLength            int
	MinLength            int
	AllowedVals          []string
	DisallowNullBytes    bool
	DisallowControlChars bool
	RequireUTF8          bool
}

// Validate checks if value meets all string validation constraints.
func (v *StringValidator) Validate(value string) error {
	if v.RequireUTF8 && !utf8.ValidString(value) {
		return errors.New("string is not valid UTF-8")
	}

	if v.MinLength > 0 && len(value) < v.MinLength {
		return fmt.Errorf("string too short: minimum %d characters", v.MinLength)
	}

	if v.MaxLength > 0 && len(value) > v.MaxLength {
		return fmt.Errorf("string exceeds max length %d", v.MaxLength)
	}

	if v.DisallowNullBytes && strings.Contains(value, "\x00") {
		return errors.New("string contains null bytes")
	}

	if v.DisallowControlChars {
		for _, r := range value {
			if r < 32 && r != '\n' && r != '\t' && r != '\r' {
				return errors.New("string contains control characters")
			}
		}
	}

	if v.Pattern != nil && !v.Pattern.MatchString(value) {
		return errors.New("string does not match required pattern")
	}

	if len(v.AllowedVals) > 0 {
		for _, allowed := range v.AllowedVals {
			if value == allowed {
				return nil
			}
		}
		return errors.New("string not in allowlist")
	}

	return nil
}

var (
	identifierValidator = &StringValidator{
		Pattern:   identifierPattern,
		MaxLength: MaxIdentifierLength,
	}
	contentValidator = &StringValidator{
		MaxLength:         MaxContentLength,
		DisallowNullBytes: true,
		RequireUTF8:       true,
	}
)

// ValidateIdentifier checks a user, agent or channel id supplied by a client.
func ValidateIdentifier(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if err := identifierValidator.Validate(id); err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	return nil
}

// ValidateContent checks message text supplied by a client.
func ValidateContent(content string) error {
	if err := contentValidator.Validate(content); err != nil {
		return fmt.Errorf("invalid content: %w", err)
	}
	return nil
}

// SanitizeString removes potentially dangerous characters from strings
func SanitizeString(input string) string {
	var cleaned strings.Builder
	cleaned.Grow(len(input))
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' || r == '\r' {
			cleaned.WriteRune(r)
		}
	}
	return cleaned.String()
}
