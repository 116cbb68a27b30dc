package orchestrator

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ExtractParameters turns the parameters of a step into a map. Raw may be a
// JSON string or already decoded data; only an object is accepted. Anything
// else is logged and yields an empty map.
func ExtractParameters(raw any, logger *zap.Logger) map[string]any {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return maps.Clone(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" || isNullWord(s) {
			return map[string]any{}
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			logger.Warn("ignoring malformed action parameters", zap.String("raw", truncate(s, 200)), zap.Error(err))
			return map[string]any{}
		}
		if obj, ok := decoded.(map[string]any); ok {
			return obj
		}
		logger.Warn("ignoring action parameters that are not an object", zap.String("type", kindOf(decoded)))
		return map[string]any{}
	default:
		logger.Warn("ignoring action parameters that are not an object", zap.String("type", kindOf(v)))
		return map[string]any{}
	}
}

func isNullWord(s string) bool {
	switch strings.ToLower(s) {
	case "null", "nil", "undefined", "{}":
		return true
	}
	return false
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	}
	return fmt.Sprintf("%T", v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
