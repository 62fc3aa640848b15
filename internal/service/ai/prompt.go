package ai

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/voicechat/backend/internal/model/chat"
	"github.com/zhouzirui/voicechat/backend/internal/model/language"
	"github.com/zhouzirui/voicechat/backend/internal/model/persona"
)

// BuildSystemPrompt combines the personality instruction with the reply language.
func BuildSystemPrompt(p persona.Persona, tag string) string {
	base := strings.TrimSpace(p.SystemPrompt)
	if base == "" {
		base = basicSystemPrompt(p)
	}
	return fmt.Sprintf("%s\n\nAlways reply in %s.", base, language.NameOf(tag))
}

// basicSystemPrompt covers personalities registered without an instruction.
func basicSystemPrompt(p persona.Persona) string {
	if p.Description == "" {
		return fmt.Sprintf("You are %s, a helpful AI assistant.", p.Name)
	}
	return fmt.Sprintf("You are %s. %s.", p.Name, strings.TrimSuffix(p.Description, "."))
}

// buildHistory converts prior turns to schema messages, oldest first.
func buildHistory(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
