package message

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pokecode/pokecode/pkg/claudecode"
)

// Parsed is the normalized form of one SDK envelope: the canonical type and
// extracted fields, alongside the verbatim envelope for persistence.
type Parsed struct {
	Type              string
	ParentToolUseID   *string
	ProviderSessionID string
	Tokens            int64
	DisplayText       string
	ToolUses          []ToolUseRef
	ToolResults       []ToolResultRef
	Raw               json.RawMessage

	// Malformed is set when the envelope was unusable and a synthetic error
	// record was produced instead.
	Malformed bool
	ParseErr  string
}

// Parse normalizes a raw SDK envelope. It never fails: malformed input
// yields a synthetic error record with Malformed set.
func Parse(raw json.RawMessage) *Parsed {
	var env claudecode.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return malformed(raw, fmt.Sprintf("invalid JSON: %v", err))
	}
	if env.Type == "" {
		return malformed(raw, "envelope missing type field")
	}
	env.Raw = raw
	return ParseEnvelope(&env)
}

// ParseEnvelope normalizes an already-decoded envelope.
func ParseEnvelope(env *claudecode.Envelope) *Parsed {
	p := &Parsed{
		Raw:               env.Raw,
		ProviderSessionID: env.SessionID,
	}
	if env.ParentToolUseID != "" {
		id := env.ParentToolUseID
		p.ParentToolUseID = &id
	}

	switch env.Type {
	case claudecode.MessageTypeSystem:
		p.Type = TypeSystem

	case claudecode.MessageTypeUser:
		p.Type = TypeUser
		p.extractContent(env)

	case claudecode.MessageTypeAssistant:
		p.Type = TypeAssistant
		p.extractContent(env)
		if env.Message != nil {
			p.Tokens = env.Message.Usage.TotalTokens()
		}

	case claudecode.MessageTypeResult:
		p.Type = TypeResult
		p.Tokens = env.Usage.TotalTokens()
		if env.IsError {
			p.Type = TypeError
		}

	case TypeError:
		// Synthetic error envelopes produced by the core itself.
		p.Type = TypeError

	default:
		// Unknown top-level type: persist verbatim under the envelope role,
		// with no extracted side effects.
		if env.Message != nil && env.Message.Role == "user" {
			p.Type = TypeUser
		} else if env.Message != nil && env.Message.Role == "assistant" {
			p.Type = TypeAssistant
		} else {
			p.Type = TypeSystem
		}
	}

	return p
}

// extractContent walks the content blocks of a user or assistant envelope,
// collecting display text, tool uses and tool results. Unknown block types
// are ignored here; they survive verbatim in the raw envelope.
func (p *Parsed) extractContent(env *claudecode.Envelope) {
	if env.Message == nil {
		return
	}
	if text, ok := env.Message.ContentText(); ok {
		p.DisplayText = text
		return
	}
	blocks, ok := env.Message.ContentBlocks()
	if !ok {
		return
	}

	var texts []string
	for _, block := range blocks {
		switch block.Type {
		case claudecode.BlockText:
			texts = append(texts, block.Text)
		case claudecode.BlockToolUse, claudecode.BlockServerToolUse:
			p.ToolUses = append(p.ToolUses, ToolUseRef{
				ToolID: block.ID,
				Name:   block.Name,
				Input:  block.Input,
			})
		case claudecode.BlockToolResult:
			p.ToolResults = append(p.ToolResults, ToolResultRef{
				ToolUseID: block.ToolUseID,
				Content:   block.Content,
				IsError:   block.IsError,
			})
		}
	}
	p.DisplayText = strings.Join(texts, "")

	// A user envelope delivering a single tool result links to its tool use.
	if p.ParentToolUseID == nil && p.Type == TypeUser && len(p.ToolResults) == 1 {
		id := p.ToolResults[0].ToolUseID
		p.ParentToolUseID = &id
	}
}

// malformed wraps an unusable envelope in a synthetic error record that
// preserves the original bytes.
func malformed(raw json.RawMessage, reason string) *Parsed {
	synthetic, _ := json.Marshal(map[string]any{
		"type":  TypeError,
		"error": reason,
		"raw":   string(raw),
	})
	return &Parsed{
		Type:      TypeError,
		Raw:       synthetic,
		Malformed: true,
		ParseErr:  reason,
	}
}

// SyntheticError builds an error envelope for failures that originate in the
// core rather than the agent stream (runner crashes, cancellations).
func SyntheticError(text string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{
		"type":  TypeError,
		"error": text,
	})
	return raw
}

// SyntheticAssistantText builds an assistant envelope carrying plain text,
// used for the cancellation notice.
func SyntheticAssistantText(text string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"type": TypeAssistant,
		"message": map[string]any{
			"role": "assistant",
			"content": []map[string]string{
				{"type": "text", "text": text},
			},
		},
	})
	return raw
}

// SyntheticUserText builds a user envelope for a client-submitted prompt.
func SyntheticUserText(text string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"type": TypeUser,
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
	})
	return raw
}
