package main

import (
	"github.com/aixgo-dev/agentrelay/internal/decision"
	"github.com/aixgo-dev/agentrelay/pkg/llm/provider"
)

// echoResponder drives the mock backend so the server is usable without a
// model: every run finishes on its first step and the reply echoes the input.
func echoResponder(req provider.CompletionRequest) string {
	if req.Purpose == decision.PurposeSummary {
		return "<response><thought>echo</thought><text>You said: " + req.Input + "</text></response>"
	}
	return "<response><thought>Nothing to look up.</thought><isFinish>true</isFinish></response>"
}
