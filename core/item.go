package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Item is a single conversation entry: a message, a reasoning trace, a tool
// call or a tool output. Concrete types implement the unexported isItem marker
// so the set is closed. Items are immutable once created.
type Item interface {
	isItem()
	// ItemType returns the wire tag used in the "type" JSON field.
	ItemType() string
}

// ContentItem is a segment of message content.
type ContentItem interface {
	isContentItem()
}

// InputText is user or system supplied text.
type InputText struct {
	Text string `json:"text"`
}

func (InputText) isContentItem() {}

// MarshalJSON adds the "input_text" tag.
func (c InputText) MarshalJSON() ([]byte, error) {
	type alias InputText
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{"input_text", alias(c)})
}

// OutputText is assistant produced text.
type OutputText struct {
	Text string `json:"text"`
}

func (OutputText) isContentItem() {}

// MarshalJSON adds the "output_text" tag.
func (c OutputText) MarshalJSON() ([]byte, error) {
	type alias OutputText
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{"output_text", alias(c)})
}

// InputImage references an image by URL (data URLs included).
type InputImage struct {
	ImageURL string `json:"image_url"`
}

func (InputImage) isContentItem() {}

// MarshalJSON adds the "input_image" tag.
func (c InputImage) MarshalJSON() ([]byte, error) {
	type alias InputImage
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{"input_image", alias(c)})
}

// UnmarshalContentItem decodes a tagged content segment.
func UnmarshalContentItem(data []byte) (ContentItem, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case "input_text":
		var c InputText
		err := json.Unmarshal(data, &c)
		return c, err
	case "output_text":
		var c OutputText
		err := json.Unmarshal(data, &c)
		return c, err
	case "input_image":
		var c InputImage
		err := json.Unmarshal(data, &c)
		return c, err
	default:
		return nil, fmt.Errorf("unknown content item type %q", head.Type)
	}
}

// Message is a role based conversation message.
type Message struct {
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role"`
	Content []ContentItem `json:"content"`
}

func (Message) isItem() {}

// ItemType implements Item.
func (Message) ItemType() string { return "message" }

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{m.ItemType(), alias(m)})
}

// UnmarshalJSON decodes the tagged content slice.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID      string            `json:"id,omitempty"`
		Role    string            `json:"role"`
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.ID = wire.ID
	m.Role = wire.Role
	m.Content = make([]ContentItem, 0, len(wire.Content))
	for _, raw := range wire.Content {
		c, err := UnmarshalContentItem(raw)
		if err != nil {
			return err
		}
		m.Content = append(m.Content, c)
	}
	return nil
}

// Text concatenates all text segments of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, c := range m.Content {
		switch v := c.(type) {
		case InputText:
			sb.WriteString(v.Text)
		case OutputText:
			sb.WriteString(v.Text)
		}
	}
	return sb.String()
}

// ReasoningPart is one summary or content segment of a Reasoning item.
type ReasoningPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SummaryText builds a "summary_text" reasoning part.
func SummaryText(text string) ReasoningPart { return ReasoningPart{Type: "summary_text", Text: text} }

// ReasoningText builds a "reasoning_text" reasoning part.
func ReasoningText(text string) ReasoningPart {
	return ReasoningPart{Type: "reasoning_text", Text: text}
}

// Reasoning carries model reasoning summaries and (optionally) raw content.
type Reasoning struct {
	ID               string          `json:"id"`
	Summary          []ReasoningPart `json:"summary"`
	Content          []ReasoningPart `json:"content,omitempty"`
	EncryptedContent string          `json:"encrypted_content,omitempty"`
}

func (Reasoning) isItem() {}

// ItemType implements Item.
func (Reasoning) ItemType() string { return "reasoning" }

// MarshalJSON implements json.Marshaler.
func (r Reasoning) MarshalJSON() ([]byte, error) {
	type alias Reasoning
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{r.ItemType(), alias(r)})
}

// FunctionCall is a model request to invoke a JSON-argument tool.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	CallID    string `json:"call_id"`
}

func (FunctionCall) isItem() {}

// ItemType implements Item.
func (FunctionCall) ItemType() string { return "function_call" }

// MarshalJSON implements json.Marshaler.
func (f FunctionCall) MarshalJSON() ([]byte, error) {
	type alias FunctionCall
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{f.ItemType(), alias(f)})
}

// FunctionCallOutputPayload is the tool result returned to the model. On the
// wire it is a plain string; Success is kept for local bookkeeping only.
type FunctionCallOutputPayload struct {
	Content string
	Success *bool
}

// MarshalJSON encodes the payload as its content string.
func (p FunctionCallOutputPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Content)
}

// UnmarshalJSON accepts either a plain string or {"content": ..., "success": ...}.
func (p *FunctionCallOutputPayload) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		p.Content = s
		return nil
	}
	var obj struct {
		Content string `json:"content"`
		Success *bool  `json:"success"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	p.Content = obj.Content
	p.Success = obj.Success
	return nil
}

// FunctionCallOutput answers a FunctionCall or LocalShellCall.
type FunctionCallOutput struct {
	CallID string                    `json:"call_id"`
	Output FunctionCallOutputPayload `json:"output"`
}

func (FunctionCallOutput) isItem() {}

// ItemType implements Item.
func (FunctionCallOutput) ItemType() string { return "function_call_output" }

// MarshalJSON implements json.Marshaler.
func (f FunctionCallOutput) MarshalJSON() ([]byte, error) {
	type alias FunctionCallOutput
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{f.ItemType(), alias(f)})
}

// CustomToolCall is a model request to invoke a freeform-input tool.
type CustomToolCall struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Input  string `json:"input"`
}

func (CustomToolCall) isItem() {}

// ItemType implements Item.
func (CustomToolCall) ItemType() string { return "custom_tool_call" }

// MarshalJSON implements json.Marshaler.
func (c CustomToolCall) MarshalJSON() ([]byte, error) {
	type alias CustomToolCall
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{c.ItemType(), alias(c)})
}

// CustomToolCallOutput answers a CustomToolCall.
type CustomToolCallOutput struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

func (CustomToolCallOutput) isItem() {}

// ItemType implements Item.
func (CustomToolCallOutput) ItemType() string { return "custom_tool_call_output" }

// MarshalJSON implements json.Marshaler.
func (c CustomToolCallOutput) MarshalJSON() ([]byte, error) {
	type alias CustomToolCallOutput
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{c.ItemType(), alias(c)})
}

// LocalShellAction describes the command of a LocalShellCall.
type LocalShellAction struct {
	Command          []string `json:"command"`
	WorkingDirectory string   `json:"working_directory,omitempty"`
	TimeoutMs        int64    `json:"timeout_ms,omitempty"`
}

// LocalShellCall is the built-in shell tool call of some models.
type LocalShellCall struct {
	ID     string           `json:"id,omitempty"`
	CallID string           `json:"call_id"`
	Status string           `json:"status"`
	Action LocalShellAction `json:"action"`
}

func (LocalShellCall) isItem() {}

// ItemType implements Item.
func (LocalShellCall) ItemType() string { return "local_shell_call" }

// MarshalJSON implements json.Marshaler.
func (l LocalShellCall) MarshalJSON() ([]byte, error) {
	type alias LocalShellCall
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{l.ItemType(), alias(l)})
}

// WebSearchCall records a hosted web search. Not part of the API history.
type WebSearchCall struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	Query  string `json:"query,omitempty"`
}

func (WebSearchCall) isItem() {}

// ItemType implements Item.
func (WebSearchCall) ItemType() string { return "web_search_call" }

// MarshalJSON implements json.Marshaler.
func (w WebSearchCall) MarshalJSON() ([]byte, error) {
	type alias WebSearchCall
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{w.ItemType(), alias(w)})
}

// OtherItem keeps an unrecognised item verbatim.
type OtherItem struct {
	Type string
	Raw  json.RawMessage
}

func (OtherItem) isItem() {}

// ItemType implements Item.
func (o OtherItem) ItemType() string { return o.Type }

// MarshalJSON returns the raw payload.
func (o OtherItem) MarshalJSON() ([]byte, error) {
	if len(o.Raw) == 0 {
		return json.Marshal(map[string]string{"type": o.Type})
	}
	return o.Raw, nil
}

// UnmarshalItem decodes a tagged item. Unknown tags become OtherItem.
func UnmarshalItem(data []byte) (Item, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	var (
		item Item
		err  error
	)
	switch head.Type {
	case "message":
		var v Message
		err = json.Unmarshal(data, &v)
		item = v
	case "reasoning":
		var v Reasoning
		err = json.Unmarshal(data, &v)
		item = v
	case "function_call":
		var v FunctionCall
		err = json.Unmarshal(data, &v)
		item = v
	case "function_call_output":
		var v FunctionCallOutput
		err = json.Unmarshal(data, &v)
		item = v
	case "custom_tool_call":
		var v CustomToolCall
		err = json.Unmarshal(data, &v)
		item = v
	case "custom_tool_call_output":
		var v CustomToolCallOutput
		err = json.Unmarshal(data, &v)
		item = v
	case "local_shell_call":
		var v LocalShellCall
		err = json.Unmarshal(data, &v)
		item = v
	case "web_search_call":
		var v WebSearchCall
		err = json.Unmarshal(data, &v)
		item = v
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		item = OtherItem{Type: head.Type, Raw: raw}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s item: %w", head.Type, err)
	}
	return item, nil
}

// UserMessage builds a user text message.
func UserMessage(text string) Message {
	return Message{Role: "user", Content: []ContentItem{InputText{Text: text}}}
}

// AssistantMessage builds an assistant text message.
func AssistantMessage(text string) Message {
	return Message{Role: "assistant", Content: []ContentItem{OutputText{Text: text}}}
}

// IsUserMessage reports whether item is a message authored by the user.
func IsUserMessage(item Item) bool {
	m, ok := item.(Message)
	return ok && m.Role == "user"
}

// IsAPIItem reports whether item belongs in the model-visible history.
// System messages, web searches and unknown items are excluded.
func IsAPIItem(item Item) bool {
	switch v := item.(type) {
	case Message:
		return v.Role != "system"
	case Reasoning, FunctionCall, FunctionCallOutput, CustomToolCall, CustomToolCallOutput, LocalShellCall:
		return true
	default:
		return false
	}
}
