package llm

import (
	"context"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func System(content string) Message { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message   { return Message{Role: RoleUser, Content: content} }

type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "model is required"}
	}
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "at least one message is required"}
	}
	for i, m := range r.Messages {
		if m.Role != RoleSystem && m.Role != RoleUser {
			return &ConfigurationError{Message: fmt.Sprintf("message %d: invalid role %q", i, m.Role)}
		}
	}
	return nil
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Completer is the narrow language-model collaborator boundary consumed by
// the planning, generation, healing, and (optionally) validation stages.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
