package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"payagent/internal/domain"
	"payagent/internal/runner"
)

type scriptedRunner struct {
	turns []runner.TurnResult
	errs  []error
	calls int
	seen  [][]runner.Message
}

func (r *scriptedRunner) GenerateTurnStream(ctx context.Context, messages []runner.Message, cfg runner.GenerateConfig, tools []runner.ToolDefinition, onDelta func(string)) (runner.TurnResult, error) {
	r.seen = append(r.seen, append([]runner.Message(nil), messages...))
	idx := r.calls
	r.calls++
	if idx < len(r.errs) && r.errs[idx] != nil {
		return runner.TurnResult{}, r.errs[idx]
	}
	if idx >= len(r.turns) {
		return runner.TurnResult{Text: "done"}, nil
	}
	turn := r.turns[idx]
	if onDelta != nil && turn.Text != "" {
		onDelta(turn.Text)
	}
	return turn, nil
}

type scriptedTools struct {
	outputs map[string]string
	calls   []string
}

func (t *scriptedTools) Definitions() []runner.ToolDefinition {
	return []runner.ToolDefinition{{Name: "create_wallet", Parameters: map[string]interface{}{"type": "object"}}}
}

func (t *scriptedTools) Execute(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	t.calls = append(t.calls, name)
	out, ok := t.outputs[name]
	if !ok {
		out = `{"success":true}`
	}
	return json.RawMessage(out), nil
}

func userRequest(text string) domain.ChatRequest {
	return domain.ChatRequest{
		Messages: []domain.UIMessage{{
			ID:    "m1",
			Role:  "user",
			Parts: []domain.MessagePart{{Type: domain.PartText, Text: text}},
		}},
	}
}

func eventTypes(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Type)
	}
	return out
}

func TestProcessTextOnlyExchange(t *testing.T) {
	t.Parallel()
	svc := NewService(Dependencies{
		Runner: &scriptedRunner{turns: []runner.TurnResult{{Text: "Hi! I can manage your wallets."}}},
		Tools:  &scriptedTools{},
	})

	result, procErr := svc.Process(context.Background(), ProcessParams{Request: userRequest("hello")}, nil)
	if procErr != nil {
		t.Fatalf("unexpected error: %v", procErr)
	}
	want := []string{"start", "start-step", "text-start", "text-delta", "text-end", "finish-step", "finish"}
	got := eventTypes(result.Events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events=%v want=%v", got, want)
	}
	if result.Reply != "Hi! I can manage your wallets." {
		t.Fatalf("reply=%q", result.Reply)
	}
	final := result.Events[len(result.Events)-1]
	if final.FinishReason != "stop" {
		t.Fatalf("finishReason=%q", final.FinishReason)
	}
}

func TestProcessCreateWalletFlow(t *testing.T) {
	t.Parallel()
	address := "0x1234567890abcdef1234567890abcdef12345678"
	tools := &scriptedTools{outputs: map[string]string{
		"create_wallet": fmt.Sprintf(`{"success":true,"name":"savings","address":%q}`, address),
	}}
	svc := NewService(Dependencies{
		Runner: &scriptedRunner{turns: []runner.TurnResult{
			{ToolCalls: []runner.ToolCall{{ID: "call_1", Name: "create_wallet", Arguments: map[string]interface{}{"name": "savings"}}}},
			{Text: "Created wallet \"savings\" at 0x1234...5678."},
		}},
		Tools: tools,
	})

	var emitted []Event
	result, procErr := svc.Process(context.Background(), ProcessParams{Request: userRequest("make me a wallet called savings")},
		func(evt Event) { emitted = append(emitted, evt) })
	if procErr != nil {
		t.Fatalf("unexpected error: %v", procErr)
	}
	if len(emitted) != len(result.Events) {
		t.Fatalf("emit saw %d events, result has %d", len(emitted), len(result.Events))
	}

	want := []string{
		"start",
		"start-step", "tool-input-start", "tool-input-available", "tool-output-available", "finish-step",
		"start-step", "text-start", "text-delta", "text-end", "finish-step",
		"finish",
	}
	got := eventTypes(result.Events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events=%v want=%v", got, want)
	}

	var outputEvt Event
	for _, evt := range result.Events {
		if evt.Type == "tool-output-available" {
			outputEvt = evt
		}
	}
	if outputEvt.ToolCallID != "call_1" {
		t.Fatalf("tool output call id=%q", outputEvt.ToolCallID)
	}
	addressPattern := regexp.MustCompile(`0x[0-9a-fA-F]{40}`)
	if !addressPattern.Match(outputEvt.Output) {
		t.Fatalf("tool output should carry a full address: %s", outputEvt.Output)
	}
	if !strings.Contains(result.Reply, "0x1234...5678") {
		t.Fatalf("reply should abbreviate the address: %q", result.Reply)
	}
	if tools.calls[0] != "create_wallet" {
		t.Fatalf("tool calls: %v", tools.calls)
	}
}

func TestProcessToolResultFedBackToModel(t *testing.T) {
	t.Parallel()
	r := &scriptedRunner{turns: []runner.TurnResult{
		{ToolCalls: []runner.ToolCall{{ID: "call_1", Name: "create_wallet", Arguments: map[string]interface{}{"name": "a"}}}},
		{Text: "done"},
	}}
	svc := NewService(Dependencies{Runner: r, Tools: &scriptedTools{}})
	if _, procErr := svc.Process(context.Background(), ProcessParams{Request: userRequest("go")}, nil); procErr != nil {
		t.Fatalf("unexpected error: %v", procErr)
	}

	second := r.seen[1]
	assistant := second[len(second)-2]
	toolMsg := second[len(second)-1]
	if assistant.Role != "assistant" || len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call_1" {
		t.Fatalf("assistant history entry: %+v", assistant)
	}
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_1" || !strings.Contains(toolMsg.Content, "success") {
		t.Fatalf("tool history entry: %+v", toolMsg)
	}
}

func TestProcessBoundedStepLoop(t *testing.T) {
	t.Parallel()
	alwaysTools := make([]runner.TurnResult, maxSteps+3)
	for i := range alwaysTools {
		alwaysTools[i] = runner.TurnResult{ToolCalls: []runner.ToolCall{{
			ID: fmt.Sprintf("call_%d", i), Name: "create_wallet", Arguments: map[string]interface{}{"name": "x"},
		}}}
	}
	r := &scriptedRunner{turns: alwaysTools}
	svc := NewService(Dependencies{Runner: r, Tools: &scriptedTools{}})

	result, procErr := svc.Process(context.Background(), ProcessParams{Request: userRequest("loop")}, nil)
	if procErr != nil {
		t.Fatalf("unexpected error: %v", procErr)
	}
	if r.calls != maxSteps {
		t.Fatalf("runner called %d times, want %d", r.calls, maxSteps)
	}
	final := result.Events[len(result.Events)-1]
	if final.Type != "finish" || final.FinishReason != "tool-calls" {
		t.Fatalf("final event: %+v", final)
	}
}

func TestProcessRunnerErrorEmitsErrorEvent(t *testing.T) {
	t.Parallel()
	svc := NewService(Dependencies{
		Runner: &scriptedRunner{errs: []error{&runner.RunnerError{Code: runner.ErrorCodeProviderRequestFailed, Message: "provider returned status 502"}}},
		Tools:  &scriptedTools{},
	})
	result, procErr := svc.Process(context.Background(), ProcessParams{Request: userRequest("hi")}, nil)
	if procErr == nil || procErr.Status != 502 {
		t.Fatalf("expected 502 process error, got %v", procErr)
	}
	last := result.Events[len(result.Events)-1]
	if last.Type != "error" || last.ErrorText == "" {
		t.Fatalf("expected trailing error event, got %+v", last)
	}
}

func TestProcessNotConfiguredMapsTo503(t *testing.T) {
	t.Parallel()
	svc := NewService(Dependencies{
		Runner: &scriptedRunner{errs: []error{&runner.RunnerError{Code: runner.ErrorCodeProviderNotConfigured, Message: "provider auth token is required"}}},
		Tools:  &scriptedTools{},
	})
	_, procErr := svc.Process(context.Background(), ProcessParams{Request: userRequest("hi")}, nil)
	if procErr == nil || procErr.Status != 503 {
		t.Fatalf("expected 503, got %v", procErr)
	}
}

func TestProcessRejectsInvalidRequests(t *testing.T) {
	t.Parallel()
	svc := NewService(Dependencies{Runner: &scriptedRunner{}, Tools: &scriptedTools{}})

	_, procErr := svc.Process(context.Background(), ProcessParams{}, nil)
	if procErr == nil || procErr.Status != 400 {
		t.Fatalf("empty request should be 400, got %v", procErr)
	}

	req := domain.ChatRequest{Messages: []domain.UIMessage{{
		ID: "m1", Role: "assistant",
		Parts: []domain.MessagePart{{Type: domain.PartText, Text: "hello"}},
	}}}
	_, procErr = svc.Process(context.Background(), ProcessParams{Request: req}, nil)
	if procErr == nil || procErr.Status != 400 {
		t.Fatalf("assistant-last request should be 400, got %v", procErr)
	}
}

func TestBuildSystemPromptListsWallets(t *testing.T) {
	t.Parallel()
	prompt := BuildSystemPrompt([]domain.WalletInfo{
		{Name: "savings", Address: "0x1111111111111111111111111111111111111111"},
	}, "0x2222222222222222222222222222222222222222")
	if !strings.Contains(prompt, `"savings": 0x1111111111111111111111111111111111111111`) {
		t.Fatalf("prompt missing wallet list:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Connected browser wallet: 0x2222222222222222222222222222222222222222") {
		t.Fatalf("prompt missing connected wallet:\n%s", prompt)
	}
	if !strings.HasPrefix(prompt, "You are PayAgent") {
		t.Fatalf("prompt opening changed:\n%s", prompt)
	}

	empty := BuildSystemPrompt(nil, "")
	if !strings.Contains(empty, "Agent wallets: none yet") {
		t.Fatalf("empty prompt missing placeholder:\n%s", empty)
	}
}

func TestBuildConversationInjectsWalletContextOnce(t *testing.T) {
	t.Parallel()
	req := domain.ChatRequest{
		Wallets: []domain.WalletInfo{{Name: "savings", Address: "0x1111111111111111111111111111111111111111"}},
		Messages: []domain.UIMessage{
			{ID: "m1", Role: "user", Parts: []domain.MessagePart{{Type: domain.PartText, Text: "first"}}},
			{ID: "m2", Role: "assistant", Parts: []domain.MessagePart{{Type: domain.PartText, Text: "reply"}}},
			{ID: "m3", Role: "user", Parts: []domain.MessagePart{{Type: domain.PartText, Text: "second"}}},
		},
	}
	conversation := buildConversation(req)
	if conversation[0].Role != "system" {
		t.Fatalf("first message should be system, got %s", conversation[0].Role)
	}
	first := conversation[1]
	if !strings.HasPrefix(first.Content, "[Context: User's agent wallets are:") || !strings.HasSuffix(first.Content, "first") {
		t.Fatalf("first user message should carry the context prefix: %q", first.Content)
	}
	third := conversation[3]
	if third.Content != "second" {
		t.Fatalf("later user messages should be untouched: %q", third.Content)
	}
}

func TestBuildConversationReplaysToolHistory(t *testing.T) {
	t.Parallel()
	req := domain.ChatRequest{
		Messages: []domain.UIMessage{
			{ID: "m1", Role: "user", Parts: []domain.MessagePart{{Type: domain.PartText, Text: "make a wallet"}}},
			{ID: "m2", Role: "assistant", Parts: []domain.MessagePart{{
				Type:       domain.PartToolCall,
				ToolCallID: "call_1",
				ToolName:   "create_wallet",
				Input:      json.RawMessage(`{"name":"savings"}`),
				Output:     json.RawMessage(`{"success":true}`),
			}}},
			{ID: "m3", Role: "user", Parts: []domain.MessagePart{{Type: domain.PartText, Text: "thanks"}}},
		},
	}
	conversation := buildConversation(req)
	// system, user, assistant(tool call), tool result, user
	if len(conversation) != 5 {
		t.Fatalf("expected 5 messages, got %d: %+v", len(conversation), conversation)
	}
	if len(conversation[2].ToolCalls) != 1 || conversation[2].ToolCalls[0].Name != "create_wallet" {
		t.Fatalf("assistant tool call lost: %+v", conversation[2])
	}
	if conversation[3].Role != "tool" || conversation[3].ToolCallID != "call_1" {
		t.Fatalf("tool result lost: %+v", conversation[3])
	}
}
