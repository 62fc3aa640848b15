package chat

import (
	"time"

	"github.com/zhouzirui/voicechat/backend/internal/model/language"
	"github.com/zhouzirui/voicechat/backend/internal/model/persona"
)

// TranscriptionStatus is the voice input state shown next to the recorder.
type TranscriptionStatus string

const (
	StatusIdle             TranscriptionStatus = "idle"
	StatusProcessing       TranscriptionStatus = "processing"
	StatusReady            TranscriptionStatus = "ready"
	StatusError            TranscriptionStatus = "error"
	StatusPermissionDenied TranscriptionStatus = "permission_denied"
	StatusNoSpeech         TranscriptionStatus = "no_speech"
)

// Snapshot is the rendered view of one session after an action.
type Snapshot struct {
	ID                string              `json:"id"`
	Version           uint64              `json:"version"`
	Personality       persona.Persona     `json:"personality"`
	Language          language.Language   `json:"language"`
	Messages          []Message           `json:"messages"`
	PendingTranscript string              `json:"pendingTranscript,omitempty"`
	Status            TranscriptionStatus `json:"status"`
	ErrorMessage      string              `json:"errorMessage,omitempty"`
	SpeechRateWPM     int                 `json:"speechRateWpm"`
	QuickResponse     bool                `json:"quickResponse"`
	SpeechOutput      bool                `json:"speechOutput"`
	TurnCount         int                 `json:"turnCount"`
	LastCommand       string              `json:"lastCommand,omitempty"`
	Notice            string              `json:"notice,omitempty"`
	HelpText          string              `json:"helpText,omitempty"`
	ListenAgain       bool                `json:"listenAgain"`
	CreatedAt         time.Time           `json:"createdAt"`
}
