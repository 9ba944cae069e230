// Package pipeline holds the post-processing stages that run after the coding
// agent finishes: generating a fragment title and a user-facing reply from
// the agent's task summary.
package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/siteloom/siteloom/llm"
)

// Fallbacks used when a stage's model call fails or returns nothing. Post
// processing must never fail a run that already produced working files.
const (
	FallbackTitle    = "Fragment"
	FallbackResponse = "Here You Go!!"
)

// TitleStage turns a task summary into a short fragment title.
type TitleStage struct {
	llm          llm.Client
	log          *zap.Logger
	systemPrompt string
}

// NewTitleStage creates a title stage. Pass empty systemPrompt to use the default.
func NewTitleStage(client llm.Client, log *zap.Logger, systemPrompt string) *TitleStage {
	if systemPrompt == "" {
		systemPrompt = DefaultTitlePrompt
	}
	return &TitleStage{llm: client, log: log, systemPrompt: systemPrompt}
}

func (s *TitleStage) Name() string { return "title" }

// Title generates the fragment title for a summary. It always returns a
// usable title.
func (s *TitleStage) Title(ctx context.Context, summary string) string {
	out, err := s.llm.Complete(ctx, s.systemPrompt, summary)
	if err != nil {
		s.log.Warn("title generation failed", zap.Error(err))
		return FallbackTitle
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return FallbackTitle
	}
	return out
}

// ResponseStage turns a task summary into the assistant's chat reply.
type ResponseStage struct {
	llm          llm.Client
	log          *zap.Logger
	systemPrompt string
}

// NewResponseStage creates a response stage. Pass empty systemPrompt to use the default.
func NewResponseStage(client llm.Client, log *zap.Logger, systemPrompt string) *ResponseStage {
	if systemPrompt == "" {
		systemPrompt = DefaultResponsePrompt
	}
	return &ResponseStage{llm: client, log: log, systemPrompt: systemPrompt}
}

func (s *ResponseStage) Name() string { return "response" }

// Respond generates the user-facing reply for a summary. It always returns a
// usable reply.
func (s *ResponseStage) Respond(ctx context.Context, summary string) string {
	out, err := s.llm.Complete(ctx, s.systemPrompt, summary)
	if err != nil {
		s.log.Warn("response generation failed", zap.Error(err))
		return FallbackResponse
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return FallbackResponse
	}
	return out
}
