// Package runner drives single model turns against the chat-completions
// provider. The HTTP client it uses by default wraps the proxy-repair
// transport, so mangled tool names and malformed tool-call blocks are fixed
// before any byte of the stream reaches this package.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode"

	"payagent/internal/proxyfix"
)

const (
	ErrorCodeProviderNotConfigured = "provider_not_configured"
	ErrorCodeProviderRequestFailed = "provider_request_failed"
	ErrorCodeProviderInvalidReply  = "provider_invalid_reply"
)

type RunnerError struct {
	Code    string
	Message string
	Err     error
}

func (e *RunnerError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *RunnerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type InvalidToolCallError struct {
	Index        int
	CallID       string
	Name         string
	ArgumentsRaw string
	Err          error
}

func (e *InvalidToolCallError) Error() string {
	if e == nil {
		return ""
	}
	detail := "invalid arguments"
	if e.Err != nil {
		detail = e.Err.Error()
	}
	name := strings.TrimSpace(e.Name)
	if name != "" {
		return fmt.Sprintf("provider tool call %q has invalid arguments: %s", name, detail)
	}
	return fmt.Sprintf("provider tool call[%d] has invalid arguments: %s", e.Index, detail)
}

func (e *InvalidToolCallError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// GenerateConfig identifies the provider endpoint and model for a turn.
type GenerateConfig struct {
	BaseURL   string
	AuthToken string
	Model     string
	TimeoutMS int
}

// Message is one chat-completions conversation entry.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []AssistantToolCall // assistant messages only
	ToolCallID string              // tool messages only
	Name       string              // tool messages only
}

// AssistantToolCall is a tool call already issued by the assistant, carried
// back to the provider as conversation history.
type AssistantToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ToolCall is a tool invocation requested by the model, with parsed arguments.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

type TurnResult struct {
	Text      string
	ToolCalls []ToolCall
}

type Runner struct {
	httpClient *http.Client
}

// New returns a Runner whose HTTP client routes through the proxy-repair
// transport. No global client timeout is set; streams are bounded per-request
// via context.
func New() *Runner {
	return NewWithHTTPClient(&http.Client{Transport: proxyfix.NewTransport(nil)})
}

// NewWithHTTPClient is New with an injected client, for tests.
func NewWithHTTPClient(client *http.Client) *Runner {
	if client == nil {
		client = &http.Client{Transport: proxyfix.NewTransport(nil)}
	}
	return &Runner{httpClient: client}
}

// GenerateTurnStream runs one streaming model turn. Text deltas are forwarded
// to onDelta as they arrive; tool-call fragments are accumulated by index and
// returned parsed in the TurnResult.
func (r *Runner) GenerateTurnStream(
	ctx context.Context,
	messages []Message,
	cfg GenerateConfig,
	tools []ToolDefinition,
	onDelta func(string),
) (TurnResult, error) {
	authToken := strings.TrimSpace(cfg.AuthToken)
	if authToken == "" {
		return TurnResult{}, &RunnerError{Code: ErrorCodeProviderNotConfigured, Message: "provider auth token is required"}
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return TurnResult{}, &RunnerError{Code: ErrorCodeProviderNotConfigured, Message: "model is required"}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return TurnResult{}, &RunnerError{Code: ErrorCodeProviderNotConfigured, Message: "provider base url is required"}
	}

	payload := chatRequest{
		Model:    cfg.Model,
		Messages: toChatMessages(messages),
		Tools:    toChatTools(tools),
		Stream:   true,
	}
	if len(payload.Messages) == 0 {
		return TurnResult{}, &RunnerError{Code: ErrorCodeProviderInvalidReply, Message: "conversation has no sendable messages"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return TurnResult{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "failed to encode provider request",
			Err:     err,
		}
	}

	requestCtx := ctx
	cancel := func() {}
	if cfg.TimeoutMS > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return TurnResult{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "failed to create provider request",
			Err:     err,
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+authToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return TurnResult{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "provider request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
		return TurnResult{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: fmt.Sprintf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	var replyBuilder strings.Builder
	toolCalls := map[int]*chatToolCall{}
	processData := func(data string) error {
		if isSSEControlToken(data) {
			return nil
		}
		var chunk chatStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("provider stream chunk is not valid json: %w; payload=%q", err, truncateText(data, 512))
		}
		for _, choice := range chunk.Choices {
			delta := extractDeltaContent(choice.Delta.Content)
			if delta != "" {
				replyBuilder.WriteString(delta)
				if onDelta != nil {
					onDelta(delta)
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := tc.Index
				if idx < 0 {
					idx = 0
				}
				current, ok := toolCalls[idx]
				if !ok {
					current = &chatToolCall{}
					toolCalls[idx] = current
				}
				if strings.TrimSpace(tc.ID) != "" {
					current.ID = strings.TrimSpace(tc.ID)
				}
				if strings.TrimSpace(tc.Type) != "" {
					current.Type = strings.TrimSpace(tc.Type)
				}
				if strings.TrimSpace(tc.Function.Name) != "" {
					current.Function.Name = strings.TrimSpace(tc.Function.Name)
				}
				if tc.Function.Arguments != "" {
					current.Function.Arguments += tc.Function.Arguments
				}
			}
		}
		return nil
	}

	if err := consumeSSEData(resp.Body, processData); err != nil {
		return TurnResult{}, mapStreamConsumeError(err)
	}

	orderedIndexes := make([]int, 0, len(toolCalls))
	for idx := range toolCalls {
		orderedIndexes = append(orderedIndexes, idx)
	}
	sort.Ints(orderedIndexes)
	aggregated := make([]chatToolCall, 0, len(orderedIndexes))
	for _, idx := range orderedIndexes {
		if tc := toolCalls[idx]; tc != nil {
			aggregated = append(aggregated, *tc)
		}
	}

	parsedToolCalls, err := parseChatToolCalls(aggregated)
	if err != nil {
		return TurnResult{}, &RunnerError{
			Code:    ErrorCodeProviderInvalidReply,
			Message: err.Error(),
			Err:     err,
		}
	}

	reply := replyBuilder.String()
	if strings.TrimSpace(reply) == "" && len(parsedToolCalls) == 0 {
		return TurnResult{}, &RunnerError{
			Code:    ErrorCodeProviderInvalidReply,
			Message: "provider response has empty content",
		}
	}

	return TurnResult{Text: reply, ToolCalls: parsedToolCalls}, nil
}

type chatRequest struct {
	Model    string               `json:"model"`
	Messages []chatMessage        `json:"messages"`
	Tools    []chatToolDefinition `json:"tools,omitempty"`
	Stream   bool                 `json:"stream,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    interface{}    `json:"content,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type chatToolDefinition struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type chatToolCall struct {
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

type chatStreamResponse struct {
	ID      string `json:"id,omitempty"`
	Choices []struct {
		Delta struct {
			Content   json.RawMessage      `json:"content"`
			ToolCalls []chatStreamToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
	} `json:"choices"`
}

type chatStreamToolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function chatFunctionCall `json:"function"`
}

func toChatMessages(messages []Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		role := normalizeRole(msg.Role)
		content := strings.TrimSpace(msg.Content)
		switch role {
		case "assistant":
			item := chatMessage{Role: role}
			if content != "" {
				item.Content = content
			}
			for _, call := range msg.ToolCalls {
				if strings.TrimSpace(call.ID) == "" || strings.TrimSpace(call.Name) == "" {
					continue
				}
				arguments := strings.TrimSpace(call.Arguments)
				if arguments == "" {
					arguments = "{}"
				}
				item.ToolCalls = append(item.ToolCalls, chatToolCall{
					ID:   strings.TrimSpace(call.ID),
					Type: "function",
					Function: chatFunctionCall{
						Name:      strings.TrimSpace(call.Name),
						Arguments: arguments,
					},
				})
			}
			if item.Content == nil && len(item.ToolCalls) == 0 {
				continue
			}
			out = append(out, item)
		case "tool":
			if strings.TrimSpace(msg.ToolCallID) == "" {
				continue
			}
			out = append(out, chatMessage{
				Role:       role,
				Content:    content,
				ToolCallID: strings.TrimSpace(msg.ToolCallID),
				Name:       strings.TrimSpace(msg.Name),
			})
		default:
			if content == "" {
				continue
			}
			out = append(out, chatMessage{Role: role, Content: content})
		}
	}
	return out
}

func toChatTools(tools []ToolDefinition) []chatToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	out := make([]chatToolDefinition, 0, len(tools))
	for _, item := range tools {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		out = append(out, chatToolDefinition{
			Type: "function",
			Function: chatToolFunction{
				Name:        name,
				Description: strings.TrimSpace(item.Description),
				Parameters:  normalizeToolParameters(item.Parameters),
			},
		})
	}
	return out
}

func parseChatToolCalls(in []chatToolCall) ([]ToolCall, error) {
	if len(in) == 0 {
		return nil, nil
	}
	calls := make([]ToolCall, 0, len(in))
	for i, item := range in {
		name := strings.TrimSpace(item.Function.Name)
		if name == "" {
			return nil, fmt.Errorf("provider tool call[%d] name is empty", i)
		}
		callID := strings.TrimSpace(item.ID)
		if callID == "" {
			callID = fmt.Sprintf("call_%d", i+1)
		}
		argumentsRaw := strings.TrimSpace(item.Function.Arguments)
		if argumentsRaw == "" {
			argumentsRaw = "{}"
		}
		var arguments map[string]interface{}
		if err := json.Unmarshal([]byte(argumentsRaw), &arguments); err != nil {
			return nil, &InvalidToolCallError{
				Index:        i,
				CallID:       callID,
				Name:         name,
				ArgumentsRaw: argumentsRaw,
				Err:          err,
			}
		}
		if arguments == nil {
			arguments = map[string]interface{}{}
		}
		calls = append(calls, ToolCall{ID: callID, Name: name, Arguments: arguments})
	}
	return calls, nil
}

func normalizeToolParameters(in map[string]interface{}) map[string]interface{} {
	if len(in) == 0 {
		return map[string]interface{}{
			"type":                 "object",
			"additionalProperties": true,
		}
	}
	buf, err := json.Marshal(in)
	if err != nil {
		return map[string]interface{}{
			"type":                 "object",
			"additionalProperties": true,
		}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(buf, &out); err != nil {
		return map[string]interface{}{
			"type":                 "object",
			"additionalProperties": true,
		}
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "system", "assistant", "user", "tool":
		return strings.ToLower(strings.TrimSpace(role))
	default:
		return "user"
	}
}

func extractDeltaContent(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var direct string
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}
	var arr []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &arr); err == nil {
		var out strings.Builder
		for _, item := range arr {
			if item.Type != "text" || item.Text == "" {
				continue
			}
			out.WriteString(item.Text)
		}
		return out.String()
	}
	return ""
}

func truncateText(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "...(truncated)"
}

func consumeSSEData(reader io.Reader, onData func(string) error) error {
	if reader == nil {
		return fmt.Errorf("stream reader is nil")
	}
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	dataLines := make([]string, 0, 4)
	flushBlock := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		payload := strings.TrimSpace(strings.Join(dataLines, "\n"))
		dataLines = dataLines[:0]
		if payload == "" || onData == nil {
			return nil
		}
		return onData(payload)
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if err := flushBlock(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flushBlock()
}

func isSSEControlToken(data string) bool {
	token := strings.TrimSpace(data)
	if token == "" {
		return true
	}
	if strings.EqualFold(token, "[DONE]") {
		return true
	}
	if len(token) < 2 || token[0] != '[' || token[len(token)-1] != ']' {
		return false
	}
	inner := strings.TrimSpace(token[1 : len(token)-1])
	if inner == "" {
		return true
	}
	for _, r := range inner {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '_' || r == '-' || r == '.' {
			continue
		}
		return false
	}
	return true
}

func mapStreamConsumeError(err error) *RunnerError {
	if isStreamReadTimeout(err) {
		return &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "provider stream request failed",
			Err:     err,
		}
	}
	return &RunnerError{
		Code:    ErrorCodeProviderInvalidReply,
		Message: "provider stream response is invalid",
		Err:     err,
	}
}

func isStreamReadTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "client.timeout")
}
