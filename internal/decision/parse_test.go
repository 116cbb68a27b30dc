package decision

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStep(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want StepDecision
	}{
		{
			name: "xml tags",
			raw: `<response>
  <thought>Need the time first.</thought>
  <providers>TIME, RECENT_MESSAGES</providers>
  <action></action>
  <parameters></parameters>
  <isFinish>false</isFinish>
</response>`,
			want: StepDecision{Thought: "Need the time first.", Providers: []string{"TIME", "RECENT_MESSAGES"}},
		},
		{
			name: "xml action with parameters",
			raw:  `<thought>send it</thought><action>SEND_EMAIL</action><parameters>{"to":"bob"}</parameters><isFinish>False</isFinish>`,
			want: StepDecision{Thought: "send it", Action: "SEND_EMAIL", Parameters: `{"to":"bob"}`},
		},
		{
			name: "xml finish with surrounding prose",
			raw:  "Sure!\n<thought>done</thought>\n<isFinish>TRUE</isFinish>",
			want: StepDecision{Thought: "done", IsFinish: true},
		},
		{
			name: "xml null action",
			raw:  `<thought>t</thought><action>null</action><providers>[]</providers><isFinish>yes</isFinish>`,
			want: StepDecision{Thought: "t", IsFinish: true},
		},
		{
			name: "json object",
			raw:  `{"thought":"look","providers":["TIME"],"action":null,"parameters":{"a":1},"isFinish":false}`,
			want: StepDecision{Thought: "look", Providers: []string{"TIME"}, Parameters: map[string]any{"a": float64(1)}},
		},
		{
			name: "fenced json with string finish",
			raw:  "```json\n{\"thought\": \"ok\", \"action\": \"REPLY\", \"is_finish\": \"true\"}\n```",
			want: StepDecision{Thought: "ok", Action: "REPLY", IsFinish: true},
		},
		{
			name: "malformed json is repaired",
			raw:  `{thought: 'fix me', providers: ['TIME'], isFinish: false,}`,
			want: StepDecision{Thought: "fix me", Providers: []string{"TIME"}},
		},
		{
			name: "react lines",
			raw:  "Thought: check the clock\nAction: LOOKUP\nAction Input: {\"q\": \"time\"}",
			want: StepDecision{Thought: "check the clock", Action: "LOOKUP", Parameters: `{"q": "time"}`},
		},
		{
			name: "react final answer",
			raw:  "Thought: I know\nFinal Answer: It is noon.",
			want: StepDecision{Thought: "I know", IsFinish: true, Text: "It is noon."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStep(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestParseStep_Failures(t *testing.T) {
	for _, raw := range []string{"", "   ", "I am not sure what to do here.", `{"unrelated": true}`} {
		_, err := ParseStep(raw)
		var pf *ParseFailure
		require.True(t, errors.As(err, &pf), "raw=%q", raw)
		assert.Equal(t, raw, pf.Raw)
		assert.NotEmpty(t, pf.Reason)
	}
}

func TestStepDecision_IsNoop(t *testing.T) {
	assert.True(t, (&StepDecision{Thought: "hmm"}).IsNoop())
	assert.False(t, (&StepDecision{Providers: []string{"TIME"}}).IsNoop())
	assert.False(t, (&StepDecision{Action: "SEND"}).IsNoop())
	assert.False(t, (&StepDecision{IsFinish: true}).IsNoop())
}

func TestParseSummary(t *testing.T) {
	s, err := ParseSummary("<response><thought>short</thought><text>\nIt is noon.\n</text></response>")
	require.NoError(t, err)
	assert.Equal(t, &Summary{Thought: "short", Text: "It is noon."}, s)

	s, err = ParseSummary(`{"thought": "j", "text": "From JSON"}`)
	require.NoError(t, err)
	assert.Equal(t, "From JSON", s.Text)

	for _, raw := range []string{"", "<thought>no text</thought>", "<text></text>", "plain words"} {
		_, err := ParseSummary(raw)
		var pf *ParseFailure
		assert.True(t, errors.As(err, &pf), "raw=%q", raw)
	}
}
