// Package command recognizes spoken control phrases in confirmed transcripts.
package command

import (
	"strings"

	"github.com/zhouzirui/voicechat/backend/internal/model/persona"
)

// Kind enumerates the voice commands the session understands.
type Kind string

const (
	Help              Kind = "help"
	ClearChat         Kind = "clear_chat"
	StopAudio         Kind = "stop_audio"
	SpeedUp           Kind = "speed_up"
	SlowDown          Kind = "slow_down"
	NormalSpeed       Kind = "normal_speed"
	ChangePersonality Kind = "change_personality"
)

// Command is a recognized control phrase. PersonaID is only set for ChangePersonality.
type Command struct {
	Kind      Kind   `json:"kind"`
	PersonaID string `json:"personaId,omitempty"`
}

// HelpText lists the phrases a user can say.
const HelpText = `Voice commands:
- "Clear chat" - clear the conversation history
- "Change to study" / "Switch to fitness" - change personality
- "Speak faster" / "Speak slower" / "Normal speed" - adjust the reply voice
- "Stop audio" - stop playback
- "What can I say" - show this list`

var wakeWords = []string{
	"hey assistant",
	"ok assistant",
	"okay assistant",
	"hey chatbot",
	"assistant",
	"chatbot",
}

type phraseRule struct {
	kind    Kind
	phrases []string
}

// 顺序即优先级：先匹配到的命令生效。
var rules = []phraseRule{
	{Help, []string{"what can i say", "show commands", "list commands", "voice commands", "help commands"}},
	{ClearChat, []string{"clear chat", "clear history", "clear conversation"}},
	{StopAudio, []string{"stop audio", "stop speaking", "stop talking", "be quiet"}},
	{SpeedUp, []string{"speak faster", "talk faster", "speed up"}},
	{SlowDown, []string{"speak slower", "talk slower", "slow down"}},
	{NormalSpeed, []string{"normal speed", "reset speed", "default speed"}},
}

var switchTriggers = []string{"change to", "switch to", "change personality", "switch personality", "change mode"}

type personaKeyword struct {
	keyword   string
	personaID string
}

var personaKeywords = []personaKeyword{
	{"general", persona.DefaultID},
	{"study", persona.StudyBuddyID},
	{"fitness", persona.FitnessCoachID},
	{"gaming", persona.GamingHelperID},
	{"game", persona.GamingHelperID},
}

// Interpret maps a transcript to a command. Matching is plain substring
// search on the normalized text, so short keywords may hit inside longer words.
func Interpret(text string) (Command, bool) {
	normalized := Normalize(text)
	if normalized == "" {
		return Command{}, false
	}

	if normalized == "help" {
		return Command{Kind: Help}, true
	}

	for _, rule := range rules {
		if containsAny(normalized, rule.phrases) {
			return Command{Kind: rule.kind}, true
		}
	}

	if containsAny(normalized, switchTriggers) {
		for _, pk := range personaKeywords {
			if strings.Contains(normalized, pk.keyword) {
				return Command{Kind: ChangePersonality, PersonaID: pk.personaID}, true
			}
		}
	}

	return Command{}, false
}

// Normalize lowercases, trims and strips one leading wake word.
func Normalize(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	for _, wake := range wakeWords {
		rest, ok := strings.CutPrefix(normalized, wake)
		if !ok {
			continue
		}
		// "assistantship" is not a wake word.
		if rest != "" && !isSeparator(rest[0]) {
			continue
		}
		normalized = strings.TrimLeft(rest, " ,.!?:;-")
		break
	}
	return strings.TrimSpace(normalized)
}

func isSeparator(b byte) bool {
	return strings.IndexByte(" ,.!?:;-", b) >= 0
}

func containsAny(text string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}
