package speech

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/voicechat/backend/internal/logger"
	"github.com/zhouzirui/voicechat/backend/internal/model/chat"
	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
)

// User-facing messages for StatusError.
const (
	ConnectionErrorMessage = "Connection error - Please check your internet and try again"
	GenericErrorMessage    = "Something went wrong - Please try again"
)

// DefaultMinClipDuration is the shortest clip worth sending to ASR.
const DefaultMinClipDuration = 500 * time.Millisecond

// Outcome is the classified result of one transcription attempt.
// Status is never StatusProcessing.
type Outcome struct {
	Status       chat.TranscriptionStatus
	Text         string
	ErrorMessage string
}

// Transcriber gates clips by duration and classifies every recognizer failure.
type Transcriber struct {
	recognizer  Recognizer
	minDuration time.Duration
	timeout     time.Duration
}

// NewTranscriber wraps a recognizer. A zero timeout leaves the caller's deadline alone.
func NewTranscriber(recognizer Recognizer, minDuration, timeout time.Duration) *Transcriber {
	return &Transcriber{recognizer: recognizer, minDuration: minDuration, timeout: timeout}
}

// Transcribe converts a clip into an Outcome. It never returns an error.
func (t *Transcriber) Transcribe(ctx context.Context, sessionID string, clip speechmodel.AudioClip, tag string) Outcome {
	logger := logger.Component("transcriber").With().Str("session", sessionID).Logger()

	if clip.Size() == 0 {
		return Outcome{Status: chat.StatusNoSpeech}
	}

	format := DetectFormat(clip)
	duration, err := ClipDuration(clip)
	switch {
	case errors.Is(err, ErrUnsupportedFormat):
		logger.Debug().Str("format", format).Msg("duration gate skipped")
	case err != nil:
		logger.Warn().Err(err).Msg("clip decode failed")
		if IsPermissionError(err) {
			return Outcome{Status: chat.StatusPermissionDenied}
		}
		return Outcome{Status: chat.StatusError, ErrorMessage: GenericErrorMessage}
	case duration < t.minDuration:
		logger.Debug().Dur("duration", duration).Msg("clip too short")
		return Outcome{Status: chat.StatusNoSpeech}
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	resp, err := t.recognizer.Recognize(ctx, &speechmodel.ASRRequest{
		SessionID: sessionID,
		AudioData: clip.Data,
		Format:    format,
		Language:  tag,
	})
	outcome := classify(resp, err)
	if err != nil {
		logger.Warn().Err(err).Str("status", string(outcome.Status)).Msg("recognition failed")
	}
	return outcome
}

func classify(resp *speechmodel.ASRResponse, err error) Outcome {
	switch {
	case errors.Is(err, ErrNoSpeech):
		return Outcome{Status: chat.StatusNoSpeech}
	case IsPermissionError(err):
		return Outcome{Status: chat.StatusPermissionDenied}
	case err != nil:
		return Outcome{Status: chat.StatusError, ErrorMessage: ConnectionErrorMessage}
	case resp == nil || trimmed(resp.Text) == "":
		return Outcome{Status: chat.StatusNoSpeech}
	default:
		return Outcome{Status: chat.StatusReady, Text: trimmed(resp.Text)}
	}
}
