// Package agent orchestrates one chat exchange: it builds the conversation,
// drives the model in a bounded tool loop, executes requested wallet tools,
// and emits the incremental events the chat UI renders.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"payagent/internal/domain"
	"payagent/internal/runner"
)

// maxSteps bounds the model/tool loop for one exchange. A run that still
// wants tools after the last step is cut off with finishReason "tool-calls".
const maxSteps = 5

// Event is one UI message stream part, serialized to the client as a
// `data: <json>` SSE event.
type Event struct {
	Type         string          `json:"type"`
	ID           string          `json:"id,omitempty"`
	Delta        string          `json:"delta,omitempty"`
	ToolCallID   string          `json:"toolCallId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorText    string          `json:"errorText,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
}

// TurnRunner runs one streaming model turn.
type TurnRunner interface {
	GenerateTurnStream(ctx context.Context, messages []runner.Message, cfg runner.GenerateConfig, tools []runner.ToolDefinition, onDelta func(string)) (runner.TurnResult, error)
}

// ToolRuntime advertises and executes the wallet tools.
type ToolRuntime interface {
	Definitions() []runner.ToolDefinition
	Execute(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

type Dependencies struct {
	Runner TurnRunner
	Tools  ToolRuntime
}

type ProcessParams struct {
	Request        domain.ChatRequest
	GenerateConfig runner.GenerateConfig
}

type ProcessResult struct {
	Reply  string
	Events []Event
}

type ProcessError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProcessError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

type Service struct {
	deps Dependencies
}

func NewService(deps Dependencies) *Service {
	return &Service{deps: deps}
}

// Process runs the agent loop for one chat request. Every event is appended
// to the result and forwarded to emit as it happens, so a streaming caller
// can flush them immediately.
func (s *Service) Process(
	ctx context.Context,
	params ProcessParams,
	emit func(evt Event),
) (ProcessResult, *ProcessError) {
	if s == nil {
		return ProcessResult{}, &ProcessError{Status: 500, Code: "agent_service_unavailable", Message: "agent service is unavailable"}
	}
	if err := s.validateDependencies(); err != nil {
		return ProcessResult{}, &ProcessError{Status: 500, Code: "agent_service_misconfigured", Message: err.Error()}
	}
	if err := validateRequest(params.Request); err != nil {
		return ProcessResult{}, &ProcessError{Status: 400, Code: "invalid_chat_request", Message: err.Error()}
	}

	events := make([]Event, 0, 16)
	appendEvent := func(evt Event) {
		events = append(events, evt)
		if emit != nil {
			emit(evt)
		}
	}

	conversation := buildConversation(params.Request)
	tools := s.deps.Tools.Definitions()

	appendEvent(Event{Type: "start"})

	reply := ""
	finishReason := "stop"
	for step := 1; step <= maxSteps; step++ {
		appendEvent(Event{Type: "start-step"})

		textID := ""
		onDelta := func(delta string) {
			if delta == "" {
				return
			}
			if textID == "" {
				textID = uuid.New().String()
				appendEvent(Event{Type: "text-start", ID: textID})
			}
			appendEvent(Event{Type: "text-delta", ID: textID, Delta: delta})
		}

		turn, runErr := s.deps.Runner.GenerateTurnStream(ctx, conversation, params.GenerateConfig, tools, onDelta)
		if runErr != nil {
			procErr := mapRunnerError(runErr)
			appendEvent(Event{Type: "error", ErrorText: procErr.Message})
			return ProcessResult{Events: events}, procErr
		}
		if textID != "" {
			appendEvent(Event{Type: "text-end", ID: textID})
		}
		if text := strings.TrimSpace(turn.Text); text != "" {
			reply = text
		}

		if len(turn.ToolCalls) == 0 {
			appendEvent(Event{Type: "finish-step"})
			break
		}

		assistant := runner.Message{Role: "assistant", Content: strings.TrimSpace(turn.Text)}
		for _, call := range turn.ToolCalls {
			args, err := json.Marshal(call.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			assistant.ToolCalls = append(assistant.ToolCalls, runner.AssistantToolCall{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: string(args),
			})
		}
		conversation = append(conversation, assistant)

		for _, call := range turn.ToolCalls {
			input, err := json.Marshal(call.Arguments)
			if err != nil {
				input = []byte("{}")
			}
			appendEvent(Event{Type: "tool-input-start", ToolCallID: call.ID, ToolName: call.Name})
			appendEvent(Event{Type: "tool-input-available", ToolCallID: call.ID, ToolName: call.Name, Input: input})

			output, execErr := s.deps.Tools.Execute(ctx, call.Name, call.Arguments)
			if execErr != nil {
				output, _ = json.Marshal(map[string]any{"success": false, "error": execErr.Error()})
			}
			appendEvent(Event{Type: "tool-output-available", ToolCallID: call.ID, Output: output})

			conversation = append(conversation, runner.Message{
				Role:       "tool",
				Content:    string(output),
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
		appendEvent(Event{Type: "finish-step"})

		if step == maxSteps {
			finishReason = "tool-calls"
		}
	}

	appendEvent(Event{Type: "finish", FinishReason: finishReason})
	return ProcessResult{Reply: reply, Events: events}, nil
}

func (s *Service) validateDependencies() error {
	switch {
	case s.deps.Runner == nil:
		return errors.New("missing agent runner dependency")
	case s.deps.Tools == nil:
		return errors.New("missing agent tool runtime dependency")
	default:
		return nil
	}
}

func validateRequest(req domain.ChatRequest) error {
	if len(req.Messages) == 0 {
		return errors.New("chat request has no messages")
	}
	for i, msg := range req.Messages {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		return errors.New("last message must be from the user")
	}
	return nil
}

func mapRunnerError(err error) *ProcessError {
	var runErr *runner.RunnerError
	if errors.As(err, &runErr) {
		switch runErr.Code {
		case runner.ErrorCodeProviderNotConfigured:
			return &ProcessError{Status: 503, Code: runErr.Code, Message: runErr.Error()}
		default:
			return &ProcessError{Status: 502, Code: runErr.Code, Message: runErr.Error()}
		}
	}
	return &ProcessError{Status: 502, Code: "provider_request_failed", Message: err.Error()}
}
