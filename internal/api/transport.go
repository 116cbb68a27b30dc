package api

import (
	"encoding/json"
	"strings"

	"github.com/aixgo-dev/agentrelay/pkg/security"
)

// Transport selects how the agent's reply is delivered.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

var legacyModes = map[string]Transport{
	"sync":      TransportHTTP,
	"stream":    TransportSSE,
	"websocket": TransportWebSocket,
}

// parseTransport resolves the transport of a message request. transport wins
// over the legacy mode field; neither means websocket.
func parseTransport(transport, mode json.RawMessage) (Transport, error) {
	if len(transport) > 0 && string(transport) != "null" {
		var v string
		if err := json.Unmarshal(transport, &v); err != nil {
			return "", badRequest(security.ErrCodeInvalidTransport, "Transport must be a string")
		}
		switch t := Transport(strings.ToLower(strings.TrimSpace(v))); t {
		case TransportHTTP, TransportSSE, TransportWebSocket:
			return t, nil
		}
		return "", badRequest(security.ErrCodeInvalidTransport,
			"Invalid transport %q. Must be one of: http, sse, websocket", v)
	}

	if len(mode) > 0 && string(mode) != "null" {
		var v string
		if err := json.Unmarshal(mode, &v); err != nil {
			return "", badRequest(security.ErrCodeInvalidTransport, "Mode must be a string")
		}
		if t, ok := legacyModes[strings.ToLower(strings.TrimSpace(v))]; ok {
			return t, nil
		}
		return "", badRequest(security.ErrCodeInvalidTransport,
			"Invalid mode %q. Must be one of: sync, stream, websocket", v)
	}

	return TransportWebSocket, nil
}
