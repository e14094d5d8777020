package proxyfix

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func decodeMessages(t *testing.T, body []byte) []chatMessage {
	t.Helper()
	var envelope struct {
		Messages []chatMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode normalized body: %v", err)
	}
	return envelope.Messages
}

func TestNormalizeSplitsParallelToolCalls(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"model": "demo-chat",
		"messages": [
			{"role": "user", "content": "check both wallets"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_a", "type": "function", "function": {"name": "check_balance", "arguments": "{\"address\":\"0xaa\"}"}},
				{"id": "call_b", "type": "function", "function": {"name": "check_balance", "arguments": "{\"address\":\"0xbb\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_b", "content": "{\"eth\":\"2\"}"},
			{"role": "tool", "tool_call_id": "call_a", "content": "{\"eth\":\"1\"}"},
			{"role": "user", "content": "thanks"}
		]
	}`)

	got := decodeMessages(t, NormalizeRequestBody(body))
	if len(got) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(got))
	}

	wantRoles := []string{"user", "assistant", "tool", "assistant", "tool", "user"}
	for i, role := range wantRoles {
		if got[i].Role != role {
			t.Fatalf("message %d role=%s want=%s", i, got[i].Role, role)
		}
	}
	// Pairs follow the assistant's call order, not the result order.
	if len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].ID != "call_a" {
		t.Fatalf("first pair should carry call_a, got %+v", got[1].ToolCalls)
	}
	if got[2].ToolCallID != "call_a" {
		t.Fatalf("first result should be call_a, got %s", got[2].ToolCallID)
	}
	if len(got[3].ToolCalls) != 1 || got[3].ToolCalls[0].ID != "call_b" {
		t.Fatalf("second pair should carry call_b, got %+v", got[3].ToolCalls)
	}
	if got[4].ToolCallID != "call_b" {
		t.Fatalf("second result should be call_b, got %s", got[4].ToolCallID)
	}
}

func TestNormalizeSingleCallUnchanged(t *testing.T) {
	t.Parallel()
	body := []byte(`{"model":"demo-chat","messages":[` +
		`{"role":"assistant","tool_calls":[{"id":"call_a","type":"function","function":{"name":"create_wallet","arguments":"{}"}}]},` +
		`{"role":"tool","tool_call_id":"call_a","content":"ok"}]}`)
	got := NormalizeRequestBody(body)
	if !bytes.Equal(got, body) {
		t.Fatalf("single-call request changed:\n got=%s\nwant=%s", got, body)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()
	body := []byte(`{"messages":[` +
		`{"role":"assistant","tool_calls":[` +
		`{"id":"a","type":"function","function":{"name":"check_balance","arguments":"{}"}},` +
		`{"id":"b","type":"function","function":{"name":"request_faucet","arguments":"{}"}}]},` +
		`{"role":"tool","tool_call_id":"a","content":"1"},` +
		`{"role":"tool","tool_call_id":"b","content":"2"}]}`)

	once := NormalizeRequestBody(body)
	twice := NormalizeRequestBody(once)
	if !bytes.Equal(once, twice) {
		t.Fatalf("second pass changed the body:\nonce=%s\ntwice=%s", once, twice)
	}
}

func TestNormalizeKeepsUnmatchedResults(t *testing.T) {
	t.Parallel()
	body := []byte(`{"messages":[` +
		`{"role":"assistant","tool_calls":[` +
		`{"id":"a","type":"function","function":{"name":"check_balance","arguments":"{}"}},` +
		`{"id":"b","type":"function","function":{"name":"request_faucet","arguments":"{}"}}]},` +
		`{"role":"tool","tool_call_id":"a","content":"1"},` +
		`{"role":"tool","tool_call_id":"orphan","content":"?"}]}`)

	got := decodeMessages(t, NormalizeRequestBody(body))
	wantRoles := []string{"assistant", "tool", "assistant", "tool"}
	var gotRoles []string
	for _, m := range got {
		gotRoles = append(gotRoles, m.Role)
	}
	if diff := cmp.Diff(wantRoles, gotRoles); diff != "" {
		t.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}
	if got[3].ToolCallID != "orphan" {
		t.Fatalf("orphan result should trail the pairs, got %s", got[3].ToolCallID)
	}
	// call_b has no result, so its assistant message stands alone before the orphan.
	if got[2].ToolCalls[0].ID != "b" {
		t.Fatalf("expected lone assistant for call b, got %+v", got[2].ToolCalls)
	}
}

func TestNormalizeFailSoftOnBadJSON(t *testing.T) {
	t.Parallel()
	for _, body := range [][]byte{
		[]byte(`not json at all`),
		[]byte(`{"messages": "not an array"}`),
		[]byte(`{"model": "demo-chat"}`),
		[]byte(`[1,2,3]`),
	} {
		if got := NormalizeRequestBody(body); !bytes.Equal(got, body) {
			t.Fatalf("malformed body changed: in=%s out=%s", body, got)
		}
	}
}

func TestNormalizePreservesOtherFields(t *testing.T) {
	t.Parallel()
	body := []byte(`{"model":"demo-chat","stream":true,"messages":[` +
		`{"role":"assistant","tool_calls":[` +
		`{"id":"a","type":"function","function":{"name":"check_balance","arguments":"{}"}},` +
		`{"id":"b","type":"function","function":{"name":"request_faucet","arguments":"{}"}}]}],` +
		`"temperature":0.2}`)

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(NormalizeRequestBody(body), &envelope); err != nil {
		t.Fatalf("decode normalized body: %v", err)
	}
	if string(envelope["model"]) != `"demo-chat"` {
		t.Fatalf("model field lost: %s", envelope["model"])
	}
	if string(envelope["stream"]) != "true" {
		t.Fatalf("stream field lost: %s", envelope["stream"])
	}
	if string(envelope["temperature"]) != "0.2" {
		t.Fatalf("temperature field lost: %s", envelope["temperature"])
	}
}
