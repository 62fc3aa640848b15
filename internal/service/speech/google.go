package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	speechapi "google.golang.org/api/speech/v1"
	"google.golang.org/api/texttospeech/v1"

	"github.com/zhouzirui/voicechat/backend/internal/config"
	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
)

// GoogleSpeech talks to Cloud Speech-to-Text and Text-to-Speech over REST.
type GoogleSpeech struct {
	asr    *speechapi.Service
	tts    *texttospeech.Service
	voice  string
	volume float32
}

// NewGoogleSpeech builds both REST services from an API key or a credentials file.
func NewGoogleSpeech(ctx context.Context, cfg config.SpeechConfig) (*GoogleSpeech, error) {
	var opts []option.ClientOption
	switch {
	case cfg.GoogleAPIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.GoogleAPIKey))
	case cfg.GoogleCredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.GoogleCredentialsFile))
	default:
		return nil, fmt.Errorf("%w: google speech requires an api key or credentials file", config.ErrMissingCredentials)
	}

	asr, err := speechapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create google speech service: %w", err)
	}
	tts, err := texttospeech.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create google text-to-speech service: %w", err)
	}

	return &GoogleSpeech{asr: asr, tts: tts, voice: cfg.TTSVoice, volume: cfg.TTSVolume}, nil
}

// Recognize runs a synchronous recognition request.
func (g *GoogleSpeech) Recognize(ctx context.Context, req *speechmodel.ASRRequest) (*speechmodel.ASRResponse, error) {
	rc := &speechapi.RecognitionConfig{
		LanguageCode:               req.Language,
		EnableAutomaticPunctuation: true,
	}
	switch strings.ToLower(req.Format) {
	case "wav":
		// sample rate comes from the WAV header
		rc.Encoding = "LINEAR16"
	case "webm":
		rc.Encoding = "WEBM_OPUS"
		rc.SampleRateHertz = 48000
	case "ogg", "opus":
		rc.Encoding = "OGG_OPUS"
		rc.SampleRateHertz = 48000
	}

	resp, err := g.asr.Speech.Recognize(&speechapi.RecognizeRequest{
		Config: rc,
		Audio:  &speechapi.RecognitionAudio{Content: base64.StdEncoding.EncodeToString(req.AudioData)},
	}).Context(ctx).Do()
	if err != nil {
		return nil, googleError(err)
	}

	var (
		parts      []string
		confidence float64
	)
	for _, result := range resp.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		best := result.Alternatives[0]
		if t := strings.TrimSpace(best.Transcript); t != "" {
			parts = append(parts, t)
			confidence = max(confidence, best.Confidence)
		}
	}
	if len(parts) == 0 {
		return nil, ErrNoSpeech
	}

	return &speechmodel.ASRResponse{
		SessionID:  req.SessionID,
		Text:       strings.Join(parts, " "),
		Confidence: confidence,
		CreatedAt:  time.Now(),
	}, nil
}

// Synthesize renders text as MP3.
func (g *GoogleSpeech) Synthesize(ctx context.Context, req *speechmodel.TTSRequest) (*speechmodel.TTSResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	voiceName := req.Voice
	if voiceName == "" {
		voiceName = g.voice
	}
	audioCfg := &texttospeech.AudioConfig{AudioEncoding: "MP3"}
	if req.Speed > 0 {
		audioCfg.SpeakingRate = float64(req.Speed)
	}
	if g.volume > 0 && g.volume != 1.0 {
		// volume ratio to dB gain, clamped to what the API accepts
		audioCfg.VolumeGainDb = min(max(float64(g.volume-1)*16, -96), 16)
	}

	resp, err := g.tts.Text.Synthesize(&texttospeech.SynthesizeSpeechRequest{
		Input: &texttospeech.SynthesisInput{Text: req.Text},
		Voice: &texttospeech.VoiceSelectionParams{
			LanguageCode: googleLanguageCode(voiceName, req.Language),
			Name:         voiceName,
		},
		AudioConfig: audioCfg,
	}).Context(ctx).Do()
	if err != nil {
		return nil, googleError(err)
	}

	audio, err := base64.StdEncoding.DecodeString(resp.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("decode google audio content: %w", err)
	}

	return &speechmodel.TTSResponse{
		SessionID: req.SessionID,
		AudioData: audio,
		Format:    "mp3",
		CreatedAt: time.Now(),
	}, nil
}

func googleError(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return &APIError{Provider: config.ProviderGoogle, StatusCode: gErr.Code, Message: gErr.Message}
	}
	return fmt.Errorf("google speech request: %w", err)
}
