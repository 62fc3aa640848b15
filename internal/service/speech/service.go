package speech

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/voicechat/backend/internal/config"
	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
)

// Service 持有当前提供方的识别与合成客户端。
type Service struct {
	cfg         config.SpeechConfig
	recognizer  Recognizer
	synthesizer Synthesizer
}

// NewService 根据 SPEECH_PROVIDER 构建语音客户端。
func NewService(ctx context.Context, cfg config.SpeechConfig) (*Service, error) {
	var (
		recognizer  Recognizer
		synthesizer Synthesizer
	)

	switch cfg.Provider {
	case config.ProviderVolcengine:
		asr, err := NewVolcengineASR(cfg)
		if err != nil {
			return nil, err
		}
		tts, err := NewVolcengineTTS(cfg)
		if err != nil {
			return nil, err
		}
		recognizer, synthesizer = asr, tts
	case config.ProviderGoogle:
		g, err := NewGoogleSpeech(ctx, cfg)
		if err != nil {
			return nil, err
		}
		recognizer, synthesizer = g, g
	case config.ProviderOpenAI:
		o, err := NewOpenAISpeech(cfg)
		if err != nil {
			return nil, err
		}
		recognizer, synthesizer = o, o
	default:
		return nil, fmt.Errorf("unknown speech provider %q", cfg.Provider)
	}

	log.Info().Str("component", "speech").Str("provider", cfg.Provider).Bool("tts", cfg.TTSEnabled).Msg("speech service ready")
	return NewServiceWith(cfg, recognizer, synthesizer), nil
}

// NewServiceWith wires explicit clients, mainly for tests.
func NewServiceWith(cfg config.SpeechConfig, recognizer Recognizer, synthesizer Synthesizer) *Service {
	return &Service{cfg: cfg, recognizer: recognizer, synthesizer: synthesizer}
}

// Provider returns the configured provider name.
func (s *Service) Provider() string {
	return s.cfg.Provider
}

// TTSEnabled reports whether replies may be synthesized at all.
func (s *Service) TTSEnabled() bool {
	return s.cfg.TTSEnabled && s.synthesizer != nil
}

// NewTranscriber returns a transcription pipeline bound to this provider.
func (s *Service) NewTranscriber(minDuration time.Duration) *Transcriber {
	return NewTranscriber(s.recognizer, minDuration, s.cfg.Timeout)
}

// NewSynthesisCache returns a per-session cache, or nil when TTS is disabled.
func (s *Service) NewSynthesisCache(sessionID string) *SynthesisCache {
	if !s.TTSEnabled() {
		return nil
	}
	return NewSynthesisCache(s.synthesizer, s.cfg.Provider, s.cfg.TTSVoice, s.cfg.Timeout, sessionID)
}

// TranscribeBuffer 直接调用识别接口，不经过时长门限与结果分类。
func (s *Service) TranscribeBuffer(ctx context.Context, sessionID string, audio []byte, format, language string) (*speechmodel.ASRResponse, error) {
	return s.recognizer.Recognize(ctx, &speechmodel.ASRRequest{
		SessionID: sessionID,
		AudioData: audio,
		Format:    format,
		Language:  language,
	})
}

// SynthesizeToBuffer 直接调用合成接口，按语言选择音色。
func (s *Service) SynthesizeToBuffer(ctx context.Context, sessionID, text, language string, wpm int) (*speechmodel.TTSResponse, error) {
	voice := VoiceFor(s.cfg.Provider, language, s.cfg.TTSVoice)
	return s.synthesizer.Synthesize(ctx, &speechmodel.TTSRequest{
		SessionID: sessionID,
		Text:      truncateRunes(text, MaxSynthesisRunes),
		Voice:     voice.Name,
		Speed:     SpeedRatio(wpm),
		Format:    "mp3",
		Language:  language,
	})
}

// Health 返回提供方状态概要。
func (s *Service) Health() map[string]any {
	return map[string]any{
		"provider":   s.cfg.Provider,
		"asr":        s.recognizer != nil,
		"tts":        s.TTSEnabled(),
		"timeoutSec": int(s.cfg.Timeout / time.Second),
	}
}
