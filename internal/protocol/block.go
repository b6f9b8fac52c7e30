package protocol

import (
	"encoding/json"
	"strings"
)

// BlockType discriminates the content-block union nested inside assistant
// and user frames.
type BlockType string

const (
	BlockText                BlockType = "text"
	BlockToolUse             BlockType = "tool_use"
	BlockToolResult          BlockType = "tool_result"
	BlockImage               BlockType = "image"
	BlockThinking            BlockType = "thinking"
	BlockServerToolUse       BlockType = "server_tool_use"
	BlockWebSearchResult     BlockType = "web_search_tool_result"
	BlockCodeExecutionResult BlockType = "code_execution_tool_result"
	BlockMCPToolUse          BlockType = "mcp_tool_use"
	BlockMCPToolResult       BlockType = "mcp_tool_result"

	// BlockOther is the fallback for block types this codec does not know.
	BlockOther BlockType = "other"
)

// Block is one typed fragment of frame content. The Type field selects
// which of the variant pointers (if any) is populated; fields absent for a
// given variant stay zero rather than failing the frame.
type Block struct {
	Type BlockType

	// Text is set for text and thinking blocks.
	Text string

	// ToolUse is set for tool_use, server_tool_use, and mcp_tool_use.
	ToolUse *ToolUse

	// ToolResult is set for tool_result and mcp_tool_result.
	ToolResult *ToolResult

	// Raw preserves the original block JSON for unknown variants.
	Raw json.RawMessage
}

// ToolUse describes a tool invocation request.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a tool invocation, referencing the request
// by id.
type ToolResult struct {
	ToolUseID string
	Text      string
	IsError   bool
}

// UnmarshalJSON performs the two-stage block decode: the type discriminant
// selects the variant, then variant fields are extracted with per-field
// defaults. An unrecognized type never fails; it becomes BlockOther.
func (b *Block) UnmarshalJSON(data []byte) error {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	switch BlockType(env.Type) {
	case BlockText, BlockThinking:
		var v struct {
			Text     string `json:"text"`
			Thinking string `json:"thinking"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		b.Type = BlockType(env.Type)
		b.Text = v.Text
		if b.Text == "" {
			b.Text = v.Thinking
		}

	case BlockToolUse, BlockServerToolUse, BlockMCPToolUse:
		var v ToolUse
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		b.Type = BlockType(env.Type)
		b.ToolUse = &v

	case BlockToolResult, BlockMCPToolResult:
		var v struct {
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
			IsError   bool            `json:"is_error"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		b.Type = BlockType(env.Type)
		b.ToolResult = &ToolResult{
			ToolUseID: v.ToolUseID,
			Text:      flattenContent(v.Content),
			IsError:   v.IsError,
		}

	case BlockImage, BlockWebSearchResult, BlockCodeExecutionResult:
		b.Type = BlockType(env.Type)
		b.Raw = append(json.RawMessage(nil), data...)

	default:
		b.Type = BlockOther
		b.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

// flattenContent extracts text from a tool_result content field, which the
// CLI emits either as a plain string or as an array of text blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			sb.WriteString(blk.Text)
		}
	}
	return sb.String()
}

// TextContent concatenates the text of all text blocks in order.
func TextContent(blocks []Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
