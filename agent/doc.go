// Package agent provides the public data model shared by every part of agentrelay.
//
// This package exports the Message, Attachment, StreamChunk, and Character types
// that the orchestrator, session registry, transports, and real-time hub pass
// between each other. It has no dependencies on the rest of the module so
// external projects can build clients or capabilities against it.
//
// # Messages
//
// Messages are immutable once created. Create them with NewMessage, which
// assigns a unique ID and timestamp:
//
//	msg := agent.NewMessage(channelID, userID, "hello").
//	    WithMetadata("transport", "sse")
//
// # Characters
//
// A Character describes the agent that answers on a channel: its identity,
// its system prompt and the model settings used for its replies.
//
//	c := &agent.Character{
//	    ID:     "eliza",
//	    Name:   "Eliza",
//	    System: "You are a helpful assistant.",
//	}
//	if err := c.Validate(); err != nil {
//	    return err
//	}
//
// # Streaming
//
// While a reply is being generated, incremental text is carried as StreamChunk
// values keyed by the ID of the message the text will eventually belong to.
package agent
