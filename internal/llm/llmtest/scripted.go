// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"starknet-agent-kit/internal/llm"
)

// Scripted replays canned responses in order and records every request.
type Scripted struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      []error
	Requests  []llm.Request
}

// New returns a client that answers with responses in sequence.
func New(responses ...*llm.Response) *Scripted {
	return &Scripted{responses: responses}
}

// FailWith queues an error for the next call.
func (s *Scripted) FailWith(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
	return s
}

// Chat implements llm.Client.
func (s *Scripted) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	if len(s.responses) == 0 {
		return nil, errors.New("llmtest: no scripted response left")
	}
	resp := s.responses[0]
	// 最后一条响应重复使用，便于测试迭代上限。
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp, nil
}

// Calls returns the number of recorded requests.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}

// Answer builds a final assistant response.
func Answer(content string) *llm.Response {
	return &llm.Response{Message: llm.Message{Role: llm.RoleAssistant, Content: content}, FinishReason: "stop"}
}

// Call builds an assistant response requesting one tool call.
func Call(id, name, args string) *llm.Response {
	return &llm.Response{
		Message: llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}},
		},
		FinishReason: "tool_calls",
	}
}
