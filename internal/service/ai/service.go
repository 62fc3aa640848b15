package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/voicechat/backend/internal/config"
	"github.com/zhouzirui/voicechat/backend/internal/model/chat"
	"github.com/zhouzirui/voicechat/backend/internal/model/persona"
)

// Service generates assistant replies through an eino chain.
type Service struct {
	chatModel model.ChatModel
	timeout   time.Duration
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates the Ark-backed service described by cfg.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg.Timeout)
}

// NewServiceWithModel compiles the chain around an existing model.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, timeout time.Duration) (*Service, error) {
	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{chatModel: chatModel, timeout: timeout, chain: runnable}, nil
}

// GenerateReply answers utterance given the earlier turns. It never fails:
// any model error becomes a reply starting with "Error:".
func (s *Service) GenerateReply(ctx context.Context, utterance string, history []chat.Message, p persona.Persona, tag string) string {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	input := map[string]any{
		"system":  BuildSystemPrompt(p, tag),
		"history": buildHistory(history),
		"query":   utterance,
	}

	start := time.Now()
	resp, err := s.chain.Invoke(ctx, input)
	if err != nil {
		log.Warn().Str("component", "ai").Str("persona", p.ID).Err(err).Msg("generation failed")
		return "Error: " + err.Error()
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		log.Warn().Str("component", "ai").Str("persona", p.ID).Msg("empty completion")
		return "Error: empty response from model"
	}

	log.Info().
		Str("component", "ai").
		Str("persona", p.ID).
		Int("history", len(history)).
		Int("length", len(content)).
		Dur("took", time.Since(start)).
		Msg("generated reply")
	return content
}
