package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/voicechat/backend/internal/config"
	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
)

// OpenAISpeech uses Whisper for recognition and the speech endpoint for synthesis.
type OpenAISpeech struct {
	client *openai.Client
	voice  string
}

// NewOpenAISpeech creates the client, honouring a custom base URL for compatible gateways.
func NewOpenAISpeech(cfg config.SpeechConfig) (*OpenAISpeech, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("%w: openai speech requires an api key", config.ErrMissingCredentials)
	}
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}
	return &OpenAISpeech{client: openai.NewClientWithConfig(clientCfg), voice: cfg.TTSVoice}, nil
}

// Recognize transcribes the clip with whisper-1.
func (o *OpenAISpeech) Recognize(ctx context.Context, req *speechmodel.ASRRequest) (*speechmodel.ASRResponse, error) {
	format := strings.ToLower(req.Format)
	if format == "" {
		format = "wav"
	}

	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   bytes.NewReader(req.AudioData),
		FilePath: "clip." + format,
		Language: whisperLanguage(req.Language),
	})
	if err != nil {
		return nil, openAIError(err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, ErrNoSpeech
	}
	return &speechmodel.ASRResponse{
		SessionID:  req.SessionID,
		Text:       text,
		Confidence: 1,
		Duration:   int64(resp.Duration * 1000),
		CreatedAt:  time.Now(),
	}, nil
}

// Synthesize renders text as MP3 with tts-1.
func (o *OpenAISpeech) Synthesize(ctx context.Context, req *speechmodel.TTSRequest) (*speechmodel.TTSResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	voice := req.Voice
	if voice == "" {
		voice = o.voice
	}
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	speed := 1.0
	if req.Speed > 0 {
		speed = min(max(float64(req.Speed), 0.25), 4.0)
	}

	raw, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          req.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
		Speed:          speed,
	})
	if err != nil {
		return nil, openAIError(err)
	}
	defer raw.Close()

	audio, err := io.ReadAll(raw)
	if err != nil {
		return nil, fmt.Errorf("read openai speech body: %w", err)
	}
	return &speechmodel.TTSResponse{
		SessionID: req.SessionID,
		AudioData: audio,
		Format:    "mp3",
		CreatedAt: time.Now(),
	}, nil
}

// whisperLanguage converts "en-US" to the ISO-639-1 code whisper expects.
func whisperLanguage(tag string) string {
	lang, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(lang)
}

func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{Provider: config.ProviderOpenAI, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &APIError{Provider: config.ProviderOpenAI, StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return fmt.Errorf("openai speech request: %w", err)
}
