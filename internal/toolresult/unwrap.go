// Package toolresult decodes the content envelope a gateway wraps around
// tool results.
package toolresult

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"
)

var (
	// ErrEnvelopeMalformed means the result could not be read as a tool
	// result envelope at all.
	ErrEnvelopeMalformed = errors.New("tool result envelope malformed")

	// ErrToolFailed means the gateway ran the tool and flagged the result
	// with isError.
	ErrToolFailed = errors.New("tool reported an error")
)

// Unwrap returns the logical value inside a tools/call result.
//
// When content[0] is a text item it is parsed as JSON, and text that is
// not JSON is returned as a JSON string. Otherwise the structured content,
// or failing that the envelope itself, is returned. A result object without
// a content array is returned unchanged. A result flagged isError becomes
// an error carrying its text.
func Unwrap(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.Wrapf(ErrEnvelopeMalformed, "result is not an object: %s", preview(trimmed))
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode tool result"), ErrEnvelopeMalformed)
	}
	if _, ok := probe["content"]; !ok {
		return trimmed, nil
	}

	msg := json.RawMessage(trimmed)
	result, err := mcp.ParseCallToolResult(&msg)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse tool result"), ErrEnvelopeMalformed)
	}

	texts := textContents(result)
	if result.IsError {
		text := strings.Join(texts, "\n")
		if text == "" {
			text = "tool returned an error without a message"
		}
		return nil, errors.Mark(errors.New(text), ErrToolFailed)
	}

	first, ok := firstText(result)
	if !ok {
		if result.StructuredContent != nil {
			b, err := json.Marshal(result.StructuredContent)
			if err != nil {
				return nil, errors.Mark(errors.Wrap(err, "encode structured content"), ErrEnvelopeMalformed)
			}
			return b, nil
		}
		return trimmed, nil
	}

	text := strings.TrimSpace(first)
	if text != "" && json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	b, _ := json.Marshal(first)
	return b, nil
}

// Wrap builds the envelope a gateway would send for value. It is the inverse
// of Unwrap for any JSON-encodable value.
func Wrap(value any) (json.RawMessage, error) {
	text, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(err, "encode tool value")
	}
	return json.Marshal(mcp.NewToolResultText(string(text)))
}

func textContents(result *mcp.CallToolResult) []string {
	var out []string
	for _, content := range result.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			out = append(out, c.Text)
		case *mcp.TextContent:
			out = append(out, c.Text)
		}
	}
	return out
}

// firstText returns content[0] when it is a text item.
func firstText(result *mcp.CallToolResult) (string, bool) {
	if len(result.Content) == 0 {
		return "", false
	}
	switch c := result.Content[0].(type) {
	case mcp.TextContent:
		return c.Text, true
	case *mcp.TextContent:
		return c.Text, true
	}
	return "", false
}

func preview(b []byte) string {
	if len(b) > 120 {
		return string(b[:120]) + "..."
	}
	return string(b)
}
