package decision

import (
	"strings"
	"text/template"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/internal/capability"
	"github.com/aixgo-dev/agentrelay/internal/capability/builtin"
)

// State is the accumulated input for one decision step or summary.
type State struct {
	Character *agent.Character
	Message   *agent.Message

	// History is the conversation before Message, oldest first.
	History []*agent.Message

	Providers []capability.Descriptor
	Actions   []capability.Descriptor

	// Trace holds every provider and action result of this run, in call order.
	Trace []capability.Result

	// Thoughts holds the thought of every earlier step of this run.
	Thoughts []string

	// Iteration is 1-based.
	Iteration     int
	MaxIterations int
}

type promptData struct {
	Agent         string
	History       string
	Sender        string
	Message       string
	Providers     []capability.Descriptor
	Actions       []capability.Descriptor
	Trace         []capability.Result
	Thoughts      []string
	Iteration     int
	MaxIterations int
}

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

var stepTemplate = template.Must(template.New("step").Funcs(funcs).Parse(`# Conversation
{{if .History}}{{.History}}{{else}}(no earlier messages){{end}}

# Current message
{{.Sender}}: {{.Message}}

# Available providers
{{range .Providers}}- {{.Name}}: {{.Description}}
{{else}}(none)
{{end}}
# Available actions
{{range .Actions}}- {{.Name}}: {{.Description}}
{{else}}(none)
{{end}}
# Results so far
{{range $i, $r := .Trace}}{{inc $i}}. [{{$r.Kind}}] {{$r.Name}}: {{if $r.Success}}success{{else}}failed{{end}}{{with $r.Text}}
{{.}}{{end}}{{with $r.Error}}
error: {{.}}{{end}}
{{else}}(none yet)
{{end}}{{if .Thoughts}}
# Earlier thoughts
{{range .Thoughts}}- {{.}}
{{end}}{{end}}
# Task
You are {{.Agent}}. This is step {{.Iteration}} of at most {{.MaxIterations}}.
Decide the single next step toward answering the current message.
Consult providers to gather context, run at most one action, or finish when
you have everything needed to answer. Do not repeat a step that already succeeded.

Respond with exactly this structure and nothing else:
<response>
  <thought>your reasoning for this step</thought>
  <providers>comma-separated provider names, or empty</providers>
  <action>one action name, or empty</action>
  <parameters>a JSON object with the action parameters, or empty</parameters>
  <isFinish>true or false</isFinish>
</response>
`))

var summaryTemplate = template.Must(template.New("summary").Funcs(funcs).Parse(`# Conversation
{{if .History}}{{.History}}{{else}}(no earlier messages){{end}}

# Current message
{{.Sender}}: {{.Message}}

# What you did
{{range $i, $r := .Trace}}{{inc $i}}. [{{$r.Kind}}] {{$r.Name}}: {{if $r.Success}}success{{else}}failed{{end}}{{with $r.Text}}
{{.}}{{end}}{{with $r.Error}}
error: {{.}}{{end}}
{{else}}(nothing)
{{end}}{{if .Thoughts}}
# Your reasoning
{{range .Thoughts}}- {{.}}
{{end}}{{end}}
# Task
You are {{.Agent}}. Write the reply to the current message using the results above.
Mention failures only when they matter to the user.

Respond with exactly this structure and nothing else:
<response>
  <thought>a short note on how you built the reply</thought>
  <text>the reply to send to the user</text>
</response>
`))

func buildPrompt(tmpl *template.Template, st *State) (string, error) {
	data := promptData{
		Agent:         st.Character.Name,
		History:       builtin.FormatMessages(st.History, st.Character),
		Providers:     st.Providers,
		Actions:       st.Actions,
		Trace:         st.Trace,
		Thoughts:      st.Thoughts,
		Iteration:     st.Iteration,
		MaxIterations: st.MaxIterations,
	}
	if st.Message != nil {
		data.Sender = st.Message.GetMetadataString(agent.MetaAuthorName, st.Message.AuthorID)
		data.Message = strings.TrimSpace(st.Message.Content)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
