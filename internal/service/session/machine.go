// Package session owns the state of one chat tab and applies user actions to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/voicechat/backend/internal/logger"
	"github.com/zhouzirui/voicechat/backend/internal/model/chat"
	"github.com/zhouzirui/voicechat/backend/internal/model/language"
	"github.com/zhouzirui/voicechat/backend/internal/model/persona"
	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
	"github.com/zhouzirui/voicechat/backend/internal/service/command"
	"github.com/zhouzirui/voicechat/backend/internal/service/speech"
)

// Speech rate bounds in words per minute.
const (
	MinRateWPM    = 100
	MaxRateWPM    = 300
	NormalRateWPM = 180
	RateStepWPM   = 25

	// 100 and 300 are not multiples of RateStepWPM away from 180, so the
	// reachable extremes are 105 and 280.
	minGridRateWPM = NormalRateWPM - (NormalRateWPM-MinRateWPM)/RateStepWPM*RateStepWPM
	maxGridRateWPM = NormalRateWPM + (MaxRateWPM-NormalRateWPM)/RateStepWPM*RateStepWPM
)

var (
	ErrNothingToSend      = errors.New("no transcript ready to send")
	ErrEmptyMessage       = errors.New("message is empty")
	ErrUnknownPersonality = errors.New("unknown personality")
	ErrUnknownLanguage    = errors.New("unknown language")
	// ErrSuperseded means another action changed the session while this one waited on a provider.
	ErrSuperseded    = errors.New("superseded by a newer action")
	ErrUnknownAction = errors.New("unknown action")
)

// Transcriber is the transcription pipeline.
type Transcriber interface {
	Transcribe(ctx context.Context, sessionID string, clip speechmodel.AudioClip, tag string) speech.Outcome
}

// ReplyGenerator is the response generation pipeline.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, utterance string, history []chat.Message, p persona.Persona, tag string) string
}

// AudioCache is the per-session speech synthesis cache.
type AudioCache interface {
	Synthesize(ctx context.Context, messageID uint64, text, tag string, wpm int) *speechmodel.AudioResult
	Lookup(messageID uint64) (*speechmodel.AudioResult, bool)
	Clear()
}

// Options configures a new Machine. Audio may be nil when synthesis is disabled.
type Options struct {
	ID             string
	Personas       persona.Store
	Transcriber    Transcriber
	Generator      ReplyGenerator
	Audio          AudioCache
	DefaultRateWPM int
}

// Machine is the state of one browser tab. Every mutation bumps version;
// provider results computed against an older version are discarded.
type Machine struct {
	id          string
	personas    persona.Store
	transcriber Transcriber
	generator   ReplyGenerator
	audio       AudioCache
	createdAt   time.Time
	logger      zerolog.Logger

	mu            sync.Mutex
	version       uint64
	nextMessageID uint64
	messages      []chat.Message
	personality   persona.Persona
	lang          language.Language
	pending       string
	status        chat.TranscriptionStatus
	errorMessage  string
	rateWPM       int
	quickResponse bool
	speechOutput  bool
	turnCount     int
	lastClipSize  int

	// cleared at the start of every action
	lastCommand string
	notice      string
	helpText    string
	listenAgain bool
}

// New creates a machine with the default personality and language.
func New(opts Options) (*Machine, error) {
	if opts.Personas == nil || opts.Transcriber == nil || opts.Generator == nil {
		return nil, errors.New("session: personas, transcriber and generator are required")
	}
	p, ok := opts.Personas.FindByID(persona.DefaultID)
	if !ok {
		return nil, fmt.Errorf("%w: default %q not registered", ErrUnknownPersonality, persona.DefaultID)
	}
	lang, _ := language.ByTag(language.DefaultTag)

	rate := opts.DefaultRateWPM
	if rate == 0 {
		rate = NormalRateWPM
	}

	return &Machine{
		id:            opts.ID,
		personas:      opts.Personas,
		transcriber:   opts.Transcriber,
		generator:     opts.Generator,
		audio:         opts.Audio,
		createdAt:     time.Now().UTC(),
		logger:        logger.Component("session").With().Str("session", opts.ID).Logger(),
		nextMessageID: 1,
		personality:   p,
		lang:          lang,
		status:        chat.StatusIdle,
		rateWPM:       clampRate(rate),
		speechOutput:  opts.Audio != nil,
	}, nil
}

// ID returns the session identifier.
func (m *Machine) ID() string {
	return m.id
}

// Snapshot renders the current state.
func (m *Machine) Snapshot() chat.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Audio returns the synthesized audio for an assistant message. Replies whose
// audio was dropped by a rate change are synthesized again at the current rate.
func (m *Machine) Audio(ctx context.Context, messageID uint64) (*speechmodel.AudioResult, bool) {
	if m.audio == nil {
		return nil, false
	}
	if result, ok := m.audio.Lookup(messageID); ok {
		return result, result != nil
	}

	m.mu.Lock()
	msg, found := m.messageLocked(messageID)
	if !found || msg.Role != chat.RoleAssistant || !m.speechOutput {
		m.mu.Unlock()
		return nil, false
	}
	tag, rate := m.lang.Tag, m.rateWPM
	m.mu.Unlock()

	result := m.audio.Synthesize(ctx, messageID, msg.Content, tag, rate)
	if result == nil {
		return nil, false
	}
	m.mu.Lock()
	m.markAudioLocked(messageID)
	m.mu.Unlock()
	return result, true
}

// Dispatch applies one action and returns the resulting snapshot. On error
// the snapshot still reflects the current state.
func (m *Machine) Dispatch(ctx context.Context, action Action) (chat.Snapshot, error) {
	var err error
	switch a := action.(type) {
	case SubmitAudio:
		err = m.submitAudio(ctx, a.Clip)
	case ConfirmTranscript:
		err = m.confirmTranscript(ctx)
	case DiscardTranscript, DismissStatus:
		m.mutate(func() {
			m.pending = ""
			m.status = chat.StatusIdle
			m.errorMessage = ""
		})
	case SendText:
		err = m.sendText(ctx, a.Text)
	case SelectPersonality:
		err = m.selectPersonality(a.Personality)
	case SelectLanguage:
		err = m.selectLanguage(a.Language)
	case SetQuickResponse:
		m.mutate(func() { m.quickResponse = a.Enabled })
	case SetSpeechOutput:
		m.mutate(func() { m.speechOutput = a.Enabled && m.audio != nil })
	case ClearChat:
		m.mutate(func() {
			m.clearConversationLocked()
			m.notice = "Chat history cleared"
		})
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownAction, action)
	}

	if err != nil && !errors.Is(err, ErrSuperseded) {
		m.logger.Debug().Str("action", actionName(action)).Err(err).Msg("action rejected")
	}
	return m.Snapshot(), err
}

func actionName(a Action) string {
	if a == nil {
		return "<nil>"
	}
	return a.Name()
}

// mutate runs fn under the lock as a new version.
func (m *Machine) mutate(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beginLocked()
	fn()
}

func (m *Machine) beginLocked() uint64 {
	m.lastCommand = ""
	m.notice = ""
	m.helpText = ""
	m.listenAgain = false
	m.version++
	return m.version
}

func (m *Machine) submitAudio(ctx context.Context, clip speechmodel.AudioClip) error {
	m.mu.Lock()
	// the recorder re-sends its last clip on unrelated re-renders
	if clip.Size() == m.lastClipSize {
		m.mu.Unlock()
		return nil
	}
	m.lastClipSize = clip.Size()
	version := m.beginLocked()
	m.status = chat.StatusProcessing
	m.pending = ""
	m.errorMessage = ""
	tag := m.lang.Tag
	m.mu.Unlock()

	outcome := m.transcriber.Transcribe(ctx, m.id, clip, tag)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.version != version {
		return ErrSuperseded
	}
	m.beginLocked()
	m.status = outcome.Status
	m.pending = outcome.Text
	if outcome.Status == chat.StatusError {
		m.errorMessage = outcome.ErrorMessage
	}
	m.logger.Debug().Str("status", string(outcome.Status)).Msg("transcription applied")
	return nil
}

func (m *Machine) confirmTranscript(ctx context.Context) error {
	m.mu.Lock()
	text := strings.TrimSpace(m.pending)
	if m.status != chat.StatusReady || text == "" {
		m.mu.Unlock()
		return ErrNothingToSend
	}

	if cmd, ok := command.Interpret(text); ok {
		defer m.mu.Unlock()
		return m.applyCommandLocked(cmd)
	}

	return m.chatTurnLocked(ctx, text, true)
}

func (m *Machine) sendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	m.mu.Lock()
	return m.chatTurnLocked(ctx, text, false)
}

// chatTurnLocked must be called with the lock held; it releases it.
func (m *Machine) chatTurnLocked(ctx context.Context, text string, voice bool) error {
	version := m.beginLocked()
	m.pending = ""
	m.status = chat.StatusIdle
	m.errorMessage = ""
	m.appendLocked(chat.RoleUser, text)

	history := append([]chat.Message(nil), m.messages[:len(m.messages)-1]...)
	p, tag, rate := m.personality, m.lang.Tag, m.rateWPM
	m.mu.Unlock()

	reply := m.generator.GenerateReply(ctx, text, history, p, tag)

	m.mu.Lock()
	if m.version != version {
		m.mu.Unlock()
		return ErrSuperseded
	}
	m.beginLocked()
	assistant := m.appendLocked(chat.RoleAssistant, reply)
	if voice {
		m.turnCount++
		m.listenAgain = m.quickResponse
	}
	synthesize := m.speechOutput && m.audio != nil
	m.mu.Unlock()

	if !synthesize {
		return nil
	}

	// the cache drops results that straddle a Clear
	if result := m.audio.Synthesize(ctx, assistant.ID, assistant.Content, tag, rate); result != nil {
		m.mu.Lock()
		m.markAudioLocked(assistant.ID)
		m.mu.Unlock()
	}
	return nil
}

func (m *Machine) appendLocked(role chat.Role, content string) chat.Message {
	msg := chat.Message{
		ID:        m.nextMessageID,
		Role:      role,
		Content:   content,
		Index:     len(m.messages),
		CreatedAt: time.Now().UTC(),
	}
	m.nextMessageID++
	m.messages = append(m.messages, msg)
	return msg
}

func (m *Machine) messageLocked(id uint64) (chat.Message, bool) {
	for _, msg := range m.messages {
		if msg.ID == id {
			return msg, true
		}
	}
	return chat.Message{}, false
}

func (m *Machine) markAudioLocked(id uint64) {
	for i := range m.messages {
		if m.messages[i].ID == id {
			if !m.messages[i].HasAudio {
				m.messages[i].HasAudio = true
				m.version++
			}
			return
		}
	}
}

func (m *Machine) applyCommandLocked(cmd command.Command) error {
	if cmd.Kind == command.ChangePersonality {
		if _, ok := m.personas.FindByID(cmd.PersonaID); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPersonality, cmd.PersonaID)
		}
	}

	m.beginLocked()
	m.pending = ""
	m.status = chat.StatusReady
	m.errorMessage = ""
	m.lastCommand = string(cmd.Kind)

	switch cmd.Kind {
	case command.ClearChat:
		m.clearConversationLocked()
		m.notice = "Voice command: cleared chat history"
	case command.ChangePersonality:
		p, _ := m.personas.FindByID(cmd.PersonaID)
		m.personality = p
		m.clearConversationLocked()
		m.notice = fmt.Sprintf("Voice command: switched to %s", p.Name)
	case command.Help:
		m.helpText = command.HelpText
	case command.SpeedUp:
		m.setRateLocked(m.rateWPM + RateStepWPM)
		m.notice = fmt.Sprintf("Speech rate %d wpm", m.rateWPM)
	case command.SlowDown:
		m.setRateLocked(m.rateWPM - RateStepWPM)
		m.notice = fmt.Sprintf("Speech rate %d wpm", m.rateWPM)
	case command.NormalSpeed:
		m.setRateLocked(NormalRateWPM)
		m.notice = fmt.Sprintf("Speech rate %d wpm", m.rateWPM)
	case command.StopAudio:
		// playback lives in the browser
		m.notice = "Audio stopped"
	}

	m.logger.Info().Str("command", string(cmd.Kind)).Msg("voice command applied")
	return nil
}

func (m *Machine) setRateLocked(rate int) {
	m.rateWPM = clampRate(rate)
	m.clearAudioLocked()
}

func (m *Machine) selectPersonality(key string) error {
	p, ok := m.personas.FindByID(strings.TrimSpace(key))
	if !ok {
		p, ok = m.personas.FindByName(key)
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPersonality, key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == m.personality.ID {
		return nil
	}
	m.beginLocked()
	m.personality = p
	m.clearConversationLocked()
	return nil
}

func (m *Machine) selectLanguage(key string) error {
	lang, ok := language.Resolve(key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLanguage, key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if lang.Tag == m.lang.Tag {
		return nil
	}
	m.beginLocked()
	m.lang = lang
	m.clearConversationLocked()
	return nil
}

func (m *Machine) clearConversationLocked() {
	m.messages = nil
	m.clearAudioLocked()
}

// clearAudioLocked drops cached audio; kept messages lose HasAudio until
// Audio synthesizes them again.
func (m *Machine) clearAudioLocked() {
	if m.audio != nil {
		m.audio.Clear()
	}
	for i := range m.messages {
		m.messages[i].HasAudio = false
	}
}

func (m *Machine) snapshotLocked() chat.Snapshot {
	messages := make([]chat.Message, len(m.messages))
	copy(messages, m.messages)

	return chat.Snapshot{
		ID:                m.id,
		Version:           m.version,
		Personality:       m.personality,
		Language:          m.lang,
		Messages:          messages,
		PendingTranscript: m.pending,
		Status:            m.status,
		ErrorMessage:      m.errorMessage,
		SpeechRateWPM:     m.rateWPM,
		QuickResponse:     m.quickResponse,
		SpeechOutput:      m.speechOutput,
		TurnCount:         m.turnCount,
		LastCommand:       m.lastCommand,
		Notice:            m.notice,
		HelpText:          m.helpText,
		ListenAgain:       m.listenAgain,
		CreatedAt:         m.createdAt,
	}
}

// clampRate keeps rate inside [MinRateWPM, MaxRateWPM] and on the step grid
// around NormalRateWPM, snapping toward the normal rate.
func clampRate(rate int) int {
	rate = min(max(rate, minGridRateWPM), maxGridRateWPM)
	offset := rate - NormalRateWPM
	offset -= offset % RateStepWPM
	return NormalRateWPM + offset
}
