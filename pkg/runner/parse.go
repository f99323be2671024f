package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"agentd/pkg/proto"
)

// streamRecord is the wire shape of one structured output line. The Type
// field discriminates; everything else is optional per kind.
type streamRecord struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Error     string `json:"error,omitempty"`
	Content   string `json:"content,omitempty"`
}

type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// parseLine maps one stdout line to zero or more events. Plain text that
// does not parse as JSON becomes a raw output event so nothing is dropped
// silently. Administrative record kinds (init, system, tool results) are
// suppressed.
func parseLine(line string) []proto.StreamUpdate {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		return []proto.StreamUpdate{proto.NewUpdate(proto.UpdateOutput, line)}
	}

	var rec streamRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return []proto.StreamUpdate{proto.NewUpdate(proto.UpdateOutput, line)}
	}

	switch rec.Type {
	case "system":
		// Init handshake and other administrative chatter.
		return nil

	case "user":
		// Tool results echoed back into the transcript.
		return nil

	case "assistant":
		if rec.Message == nil {
			return nil
		}
		var updates []proto.StreamUpdate
		for _, block := range rec.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					u := proto.NewUpdate(proto.UpdateOutput, block.Text)
					u.SessionID = rec.SessionID
					updates = append(updates, u)
				}
			case "thinking":
				if block.Thinking != "" {
					u := proto.NewUpdate(proto.UpdateThinking, block.Thinking)
					u.SessionID = rec.SessionID
					updates = append(updates, u)
				}
			}
		}
		return updates

	case "input_request":
		u := proto.NewUpdate(proto.UpdateInputRequest, rec.Prompt)
		u.SessionID = rec.SessionID
		return []proto.StreamUpdate{u}

	case "result":
		if rec.IsError {
			content := rec.Error
			if content == "" {
				content = rec.Result
			}
			u := proto.NewUpdate(proto.UpdateError, content)
			u.SessionID = rec.SessionID
			return []proto.StreamUpdate{u}
		}
		u := proto.NewUpdate(proto.UpdateCompleted, rec.Result)
		u.SessionID = rec.SessionID
		return []proto.StreamUpdate{u}

	default:
		// Unrecognized kinds with visible content still reach the consumer
		// as output; content-free ones are suppressed.
		if rec.Content != "" {
			return []proto.StreamUpdate{proto.NewUpdate(proto.UpdateOutput, rec.Content)}
		}
		if rec.Result != "" {
			return []proto.StreamUpdate{proto.NewUpdate(proto.UpdateOutput, rec.Result)}
		}
		return nil
	}
}

// exitUpdate builds the synthetic terminal event emitted when the process
// closes without having produced one itself.
func exitUpdate(err error, exitCode int) proto.StreamUpdate {
	if err != nil {
		return proto.NewUpdate(proto.UpdateError, fmt.Sprintf("agent process failed: %v", err))
	}
	if exitCode != 0 {
		return proto.NewUpdate(proto.UpdateError, fmt.Sprintf("agent process exited with code %d", exitCode))
	}
	return proto.NewUpdate(proto.UpdateCompleted, fmt.Sprintf("agent process exited with code %d", exitCode))
}
