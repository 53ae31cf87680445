package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/kfcFriedChicken16/Lumos-sub000/internal/config"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/model/conversation"
)

// Service wraps the streaming generation collaborator behind a compiled
// eino chain: system prompt + history window + the student's utterance.
type Service struct {
	chatModel model.ChatModel
	cfg       config.AIConfig
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates the generation service from configuration.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		cfg:       cfg,
		chain:     runnable,
	}, nil
}

// StreamReply streams the tutor's reply to a transcript as a lazy
// sequence of message fragments. The stream is finite and not
// restartable; the caller owns Close.
func (s *Service) StreamReply(ctx context.Context, history []conversation.Message, transcript string) (*schema.StreamReader[*schema.Message], error) {
	input := s.buildChainInput(history, transcript)

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream reply: %w", err)
	}
	return stream, nil
}

// Reply generates a complete reply in one call. Kept for tooling and
// non-streaming callers.
func (s *Service) Reply(ctx context.Context, history []conversation.Message, transcript string) (string, error) {
	input := s.buildChainInput(history, transcript)

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to generate reply: %w", err)
	}
	return response.Content, nil
}

func (s *Service) buildChainInput(history []conversation.Message, transcript string) map[string]any {
	return map[string]any{
		"system":  BuildSystemPrompt(),
		"history": s.buildHistoryMessages(history),
		"query":   transcript,
	}
}

func (s *Service) buildHistoryMessages(messages []conversation.Message) []*schema.Message {
	limit := s.cfg.HistoryLimit
	if limit <= 0 {
		limit = 10
	}

	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > limit {
		startIdx = len(messages) - limit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Sender {
		case conversation.SenderStudent:
			history = append(history, schema.UserMessage(msg.Content))
		case conversation.SenderTutor:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
