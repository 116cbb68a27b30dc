package security

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrorCode is a stable, client-facing error identifier.
type ErrorCode string

const (
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidTransport ErrorCode = "INVALID_TRANSPORT"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeSessionExpired   ErrorCode = "SESSION_EXPIRED"
	ErrCodeAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
	ErrCodeRateLimit        ErrorCode = "RATE_LIMIT"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeConflict         ErrorCode = "CONFLICT"
)

// SecureError is an error safe to return to clients.
type SecureError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface
func (e *SecureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// SanitizeError converts an internal error to a generic client error. In
// debug mode the scrubbed original message is attached as a detail.
func SanitizeError(err error, debugMode bool) *SecureError {
	return SanitizeErrorWithCode(err, ErrCodeInternal, "An internal error occurred", debugMode)
}

// SanitizeErrorWithCode creates a secure error with a specific code and message.
func SanitizeErrorWithCode(err error, code ErrorCode, message string, debugMode bool) *SecureError {
	if err == nil {
		return nil
	}

	secureErr := &SecureError{
		Code:    code,
		Message: message,
	}
	if debugMode {
		secureErr.Details = map[string]any{
			"error": ScrubMessage(err.Error()),
		}
	}
	return secureErr
}

// ScrubMessage removes paths, addresses, secrets and stack traces from msg.
func ScrubMessage(msg string) string {
	msg = removeFilePaths(msg)
	msg = removeIPAddresses(msg)
	msg = removeSecretPatterns(msg)
	return removeStackTraces(msg)
}

func removeFilePaths(msg string) string {
	msg = strings.ReplaceAll(msg, "/Users/", "/home/")
	for _, prefix := range []string{"/home/", "/var/", "/etc/", "/opt/", "/tmp/"} {
		msg = strings.ReplaceAll(msg, prefix, "[PATH]/")
	}
	for _, drive := range []string{"C:", "D:", "E:", "F:"} {
		msg = strings.ReplaceAll(msg, drive+"\\", "[PATH]\\")
	}
	return msg
}

var ipv4Pattern = regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}(:\d+)?\b`)

func removeIPAddresses(msg string) string {
	return ipv4Pattern.ReplaceAllString(msg, "[IP_ADDRESS]")
}

var secretPrefixes = []struct {
	prefix string
	length int
}{
	{"sk-", 32},
	{"AIza", 35},
	{"api_key=", 20},
	{"apiKey=", 20},
	{"token=", 20},
	{"Bearer ", 20},
}

func removeSecretPatterns(msg string) string {
	for _, p := range secretPrefixes {
		idx := strings.Index(msg, p.prefix)
		if idx == -1 {
			continue
		}
		end := min(idx+len(p.prefix)+p.length, len(msg))
		msg = msg[:idx] + "[REDACTED]" + msg[end:]
	}
	return msg
}

var (
	goroutinePattern = regexp.MustCompile(`goroutine \d+ \[[^\]]+\]:[\s\S]*?(?:\n\n|\z)`)
	fileLinePattern  = regexp.MustCompile(`\S+\.go:\d+`)
	addrPattern      = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	panicPattern     = regexp.MustCompile(`panic:.*`)
)

func removeStackTraces(msg string) string {
	msg = goroutinePattern.ReplaceAllString(msg, "[STACK_TRACE_REMOVED]")
	msg = fileLinePattern.ReplaceAllString(msg, "[FILE:LINE]")
	msg = addrPattern.ReplaceAllString(msg, "[ADDR]")
	return panicPattern.ReplaceAllString(msg, "panic: [DETAILS_REMOVED]")
}

// MaskSecret masks a secret for logging purposes
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
