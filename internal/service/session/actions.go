package session

import speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"

// Action is one user event consumed by Machine.Dispatch.
type Action interface {
	Name() string
}

// SubmitAudio delivers a freshly recorded clip.
type SubmitAudio struct {
	Clip speechmodel.AudioClip
}

// ConfirmTranscript sends the pending transcript, running voice commands first.
type ConfirmTranscript struct{}

// DiscardTranscript drops the pending transcript without sending it.
type DiscardTranscript struct{}

// DismissStatus is the "try again" button on a terminal status.
type DismissStatus struct{}

// SendText is typed input. It is never interpreted as a command.
type SendText struct {
	Text string
}

// SelectPersonality accepts a personality id or display name.
type SelectPersonality struct {
	Personality string
}

// SelectLanguage accepts a locale tag or language name.
type SelectLanguage struct {
	Language string
}

// SetQuickResponse toggles re-arming the microphone after a voice reply.
type SetQuickResponse struct {
	Enabled bool
}

// SetSpeechOutput toggles reply synthesis. It stays off without a synthesizer.
type SetSpeechOutput struct {
	Enabled bool
}

// ClearChat is the sidebar "Clear Chat History" button.
type ClearChat struct{}

func (SubmitAudio) Name() string       { return "submit_audio" }
func (ConfirmTranscript) Name() string { return "confirm_transcript" }
func (DiscardTranscript) Name() string { return "discard_transcript" }
func (DismissStatus) Name() string     { return "dismiss_status" }
func (SendText) Name() string          { return "send_text" }
func (SelectPersonality) Name() string { return "select_personality" }
func (SelectLanguage) Name() string    { return "select_language" }
func (SetQuickResponse) Name() string  { return "set_quick_response" }
func (SetSpeechOutput) Name() string   { return "set_speech_output" }
func (ClearChat) Name() string         { return "clear_chat" }
