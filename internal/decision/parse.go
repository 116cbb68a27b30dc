package decision

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// StepDecision is one iteration's structured output.
type StepDecision struct {
	Thought   string   `json:"thought"`
	Providers []string `json:"providers"`
	Action    string   `json:"action,omitempty"`
	// Parameters is whatever the model produced: a JSON string, an object or
	// nothing. The orchestrator normalizes it.
	Parameters any    `json:"parameters,omitempty"`
	IsFinish   bool   `json:"isFinish"`
	Text       string `json:"text,omitempty"`
}

// IsNoop reports a step that consults nothing, runs nothing and does not finish.
func (d *StepDecision) IsNoop() bool {
	return len(d.Providers) == 0 && d.Action == "" && !d.IsFinish
}

// Summary is the parsed final answer.
type Summary struct {
	Thought string `json:"thought"`
	Text    string `json:"text"`

	// Aborted is set when the summary stream was cancelled and Text holds
	// the partial output.
	Aborted bool `json:"-"`
}

// ParseFailure reports model output that matched none of the accepted formats.
type ParseFailure struct {
	Raw    string
	Reason string
}

func (e *ParseFailure) Error() string {
	return "unparseable model output: " + e.Reason
}

var (
	fencePattern = regexp.MustCompile("(?s)```(?:json|xml)?\\s*(.*?)```")
	tagPatterns  = map[string]*regexp.Regexp{}
	stepTags     = []string{"thought", "providers", "action", "parameters", "isFinish", "text"}
)

func init() {
	for _, tag := range stepTags {
		// RE2 has no backreferences, so each tag gets its own pattern.
		tagPatterns[tag] = regexp.MustCompile(`(?is)<` + tag + `>(.*?)</` + tag + `>`)
	}
}

// ParseStep parses a decision step. It accepts XML-style tags, a JSON object
// (repaired when malformed) or ReAct-style "Thought:/Action:" lines, in that
// order of preference. The returned error is always a *ParseFailure.
func ParseStep(raw string) (*StepDecision, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ParseFailure{Raw: raw, Reason: "empty response"}
	}

	if fields, ok := parseTags(trimmed); ok {
		return stepFromTags(fields), nil
	}
	if obj, ok := parseJSONObject(trimmed); ok {
		if d, ok := stepFromJSON(obj); ok {
			return d, nil
		}
	}
	if d, ok := parseReAct(trimmed); ok {
		return d, nil
	}
	return nil, &ParseFailure{Raw: raw, Reason: "no recognizable step structure"}
}

// ParseSummary parses the final answer. A text field is required.
func ParseSummary(raw string) (*Summary, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ParseFailure{Raw: raw, Reason: "empty response"}
	}

	if fields, ok := parseTags(trimmed); ok {
		if text, ok := fields["text"]; ok && text != "" {
			return &Summary{Thought: fields["thought"], Text: text}, nil
		}
	}
	if obj, ok := parseJSONObject(trimmed); ok {
		if text := stringField(obj, "text"); text != "" {
			return &Summary{Thought: stringField(obj, "thought"), Text: text}, nil
		}
	}
	return nil, &ParseFailure{Raw: raw, Reason: "summary has no text"}
}

func parseTags(s string) (map[string]string, bool) {
	fields := make(map[string]string)
	for _, tag := range stepTags {
		if m := tagPatterns[tag].FindStringSubmatch(s); m != nil {
			fields[tag] = strings.TrimSpace(m[1])
		}
	}
	return fields, len(fields) > 0
}

func stepFromTags(fields map[string]string) *StepDecision {
	d := &StepDecision{
		Thought:   fields["thought"],
		Providers: splitNames(fields["providers"]),
		Action:    cleanAction(fields["action"]),
		IsFinish:  parseBool(fields["isFinish"]),
		Text:      fields["text"],
	}
	if p := fields["parameters"]; p != "" {
		d.Parameters = p
	}
	return d
}

// parseJSONObject finds the first JSON object in s, repairing it if needed.
func parseJSONObject(s string) (map[string]any, bool) {
	candidate := s
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		candidate = strings.TrimSpace(m[1])
	}
	start := strings.Index(candidate, "{")
	if start < 0 {
		return nil, false
	}
	if end := strings.LastIndex(candidate, "}"); end > start {
		candidate = candidate[start : end+1]
	} else {
		candidate = candidate[start:]
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
		return obj, true
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func stepFromJSON(obj map[string]any) (*StepDecision, bool) {
	known := false
	for _, k := range []string{"thought", "providers", "action", "parameters", "isFinish", "is_finish", "text"} {
		if _, ok := obj[k]; ok {
			known = true
			break
		}
	}
	if !known {
		return nil, false
	}

	d := &StepDecision{
		Thought:    stringField(obj, "thought"),
		Action:     cleanAction(stringField(obj, "action")),
		Parameters: obj["parameters"],
		Text:       stringField(obj, "text"),
	}

	switch v := obj["providers"].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				d.Providers = append(d.Providers, splitNames(s)...)
			}
		}
	case string:
		d.Providers = splitNames(v)
	}

	finish, ok := obj["isFinish"]
	if !ok {
		finish = obj["is_finish"]
	}
	switch v := finish.(type) {
	case bool:
		d.IsFinish = v
	case string:
		d.IsFinish = parseBool(v)
	}
	return d, true
}

func parseReAct(s string) (*StepDecision, bool) {
	d := &StepDecision{}
	matched := false
	var params string

	for _, line := range strings.Split(s, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "thought":
			d.Thought, matched = value, true
		case "providers":
			d.Providers, matched = splitNames(value), true
		case "action":
			d.Action, matched = cleanAction(value), true
		case "action input", "parameters":
			params = value
		case "final answer":
			d.IsFinish, d.Text, matched = true, value, true
		case "isfinish", "finish":
			d.IsFinish, matched = parseBool(value), true
		}
	}
	if !matched {
		return nil, false
	}
	if params != "" {
		d.Parameters = params
	}
	return d, true
}

func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func splitNames(s string) []string {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	var names []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		name := strings.Trim(strings.TrimSpace(part), `"'`)
		if name != "" && !isNullWord(name) {
			names = append(names, name)
		}
	}
	return names
}

func cleanAction(s string) string {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	if isNullWord(s) {
		return ""
	}
	return s
}

func isNullWord(s string) bool {
	switch strings.ToLower(s) {
	case "", "null", "nil", "undefined":
		return true
	}
	return false
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "yes" {
		return true
	}
	b, _ := strconv.ParseBool(s)
	return b
}
