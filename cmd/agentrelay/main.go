// Command agentrelay serves a conversational agent over HTTP, server-sent
// events and websockets.
//
// Usage:
//
//	agentrelay serve --config config/agentrelay.yaml
//	agentrelay version
//
// Configuration is read from YAML and overridden by AGENTRELAY_* environment
// variables. Without a config file the mock model backend is used.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
