package security

import (
	"regexp"
	"strings"
	"testing"
)

func TestStringValidator(t *testing.T) {
	tests := []struct {
		name      string
		validator *StringValidator
		input     string
		wantErr   bool
		errMsg    string
	}{
		{
			name:      "pattern mismatch",
			validator: &StringValidator{Pattern: regexp.MustCompile(`^[a-z]+$`)},
			input:     "admin' OR '1'='1",
			wantErr:   true,
			errMsg:    "string does not match required pattern",
		},
		{
			name:      "too long",
			validator: &StringValidator{MaxLength: 3},
			input:     "abcd",
			wantErr:   true,
			errMsg:    "string exceeds max length 3",
		},
		{
			name:      "too short",
			validator: &StringValidator{MinLength: 3},
			input:     "ab",
			wantErr:   true,
			errMsg:    "string too short",
		},
		{
			name:      "null byte",
			validator: &StringValidator{DisallowNullBytes: true},
			input:     "a\x00b",
			wantErr:   true,
			errMsg:    "null bytes",
		},
		{
			name:      "control characters",
			validator: &StringValidator{DisallowControlChars: true},
			input:     "bell\x07",
			wantErr:   true,
			errMsg:    "control characters",
		},
		{
			name:      "newlines allowed",
			validator: &StringValidator{DisallowControlChars: true},
			input:     "line one\nline two\r\n\ttabbed",
		},
		{
			name:      "invalid utf8",
			validator: &StringValidator{RequireUTF8: true},
			input:     "\xff\xfe",
			wantErr:   true,
			errMsg:    "UTF-8",
		},
		{
			name:      "allowlist",
			validator: &StringValidator{AllowedVals: []string{"http", "sse"}},
			input:     "ftp",
			wantErr:   true,
			errMsg:    "allowlist",
		},
		{
			name:      "allowlist match",
			validator: &StringValidator{AllowedVals: []string{"http", "sse"}},
			input:     "sse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.validator.Validate(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.errMsg)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error = %q, want it to contain %q", err, tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateIdentifier(t *testing.T) {
	for _, id := range []string{"user-1", "agent_7", "a1b2c3d4-e5f6-0000-0000-000000000000", "dm:alice:bob", "sam@example.com"} {
		if err := ValidateIdentifier("userId", id); err != nil {
			t.Errorf("ValidateIdentifier(%q) = %v", id, err)
		}
	}

	if err := ValidateIdentifier("userId", ""); err == nil || err.Error() != "userId is required" {
		t.Errorf("empty id error = %v", err)
	}
	for _, id := range []string{"has space", "semi;colon", "<script>", strings.Repeat("x", MaxIdentifierLength+1)} {
		if err := ValidateIdentifier("senderId", id); err == nil || !strings.HasPrefix(err.Error(), "invalid senderId") {
			t.Errorf("ValidateIdentifier(%q) = %v, want invalid senderId", id, err)
		}
	}
}

func TestValidateContent(t *testing.T) {
	if err := ValidateContent("hello\nworld"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateContent(strings.Repeat("a", MaxContentLength+1)); err == nil {
		t.Error("expected oversized content to fail")
	}
	if err := ValidateContent("nul\x00"); err == nil {
		t.Error("expected null byte to fail")
	}
}

func TestSanitizeString(t *testing.T) {
	got := SanitizeString("ok\x00\x07 text\n\tend")
	if got != "ok text\n\tend" {
		t.Errorf("SanitizeString() = %q", got)
	}
}
