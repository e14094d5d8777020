package proxyfix

import (
	"bytes"
	"encoding/json"
	"errors"
)

var errNotAnObject = errors.New("proxyfix: request body is not a json object")

type chatToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatToolCall struct {
	ID       string               `json:"id"`
	Type     string               `json:"type"`
	Function chatToolCallFunction `json:"function"`
}

type chatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

// NormalizeRequestBody rewrites a chat-completions request so that no
// assistant message carries more than one tool call. An assistant message with
// N calls becomes N sequential assistant/tool pairs: each pair holds one call
// and the tool result whose tool_call_id matches it. Results without a
// matching call are kept after the pairs in their original order. A request
// already in this shape is returned unchanged, byte for byte.
//
// Normalization is best-effort: any body that does not parse as a JSON object
// with a messages array is returned as-is so an unexpected request shape still
// reaches the provider and fails with the provider's own diagnostics.
func NormalizeRequestBody(body []byte) []byte {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return body
	}
	rawMessages, ok := envelope["messages"]
	if !ok {
		return body
	}
	var messages []json.RawMessage
	if err := json.Unmarshal(rawMessages, &messages); err != nil {
		return body
	}

	out := make([]json.RawMessage, 0, len(messages))
	changed := false
	for i := 0; i < len(messages); i++ {
		var msg chatMessage
		if err := json.Unmarshal(messages[i], &msg); err != nil {
			out = append(out, messages[i])
			continue
		}
		if msg.Role != "assistant" || len(msg.ToolCalls) < 2 {
			out = append(out, messages[i])
			continue
		}

		// Collect the contiguous run of tool results that answers this
		// assistant message, keyed by call ID.
		results := make(map[string]json.RawMessage)
		resultOrder := make([]string, 0, len(msg.ToolCalls))
		j := i + 1
		for ; j < len(messages); j++ {
			var next chatMessage
			if err := json.Unmarshal(messages[j], &next); err != nil || next.Role != "tool" {
				break
			}
			if _, dup := results[next.ToolCallID]; !dup {
				resultOrder = append(resultOrder, next.ToolCallID)
			}
			results[next.ToolCallID] = messages[j]
		}

		for _, call := range msg.ToolCalls {
			single := chatMessage{
				Role:      "assistant",
				ToolCalls: []chatToolCall{call},
			}
			encoded, err := json.Marshal(single)
			if err != nil {
				return body
			}
			out = append(out, encoded)
			if result, found := results[call.ID]; found {
				out = append(out, result)
				delete(results, call.ID)
			}
		}
		for _, id := range resultOrder {
			if result, found := results[id]; found {
				out = append(out, result)
			}
		}
		i = j - 1
		changed = true
	}

	if !changed {
		return body
	}
	encodedMessages, err := json.Marshal(out)
	if err != nil {
		return body
	}
	envelope["messages"] = encodedMessages
	normalized, err := marshalEnvelope(body, envelope)
	if err != nil {
		return body
	}
	return normalized
}

// marshalEnvelope re-encodes the top-level object preserving the original key
// order, so that only the messages array differs from the input.
func marshalEnvelope(original []byte, envelope map[string]json.RawMessage) ([]byte, error) {
	keys, err := topLevelKeys(original)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(encodedKey)
		buf.WriteByte(':')
		buf.Write(envelope[key])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func topLevelKeys(body []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	if _, err := dec.Token(); err != nil { // opening brace
		return nil, err
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errNotAnObject
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
