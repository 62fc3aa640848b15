package speech

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"

	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
)

// DetectFormat returns the clip container, trusting magic bytes over the declared format.
func DetectFormat(clip speechmodel.AudioClip) string {
	data := clip.Data
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return "wav"
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return "mp3"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "mp3"
	case len(data) >= 4 && string(data[0:4]) == "OggS":
		return "ogg"
	case len(data) >= 4 && data[0] == 0x1A && data[1] == 0x45 && data[2] == 0xDF && data[3] == 0xA3:
		return "webm"
	}

	format := strings.ToLower(strings.TrimSpace(clip.Format))
	format = strings.TrimPrefix(format, "audio/")
	switch format {
	case "wave", "x-wav":
		return "wav"
	case "mpeg":
		return "mp3"
	}
	return format
}

// ClipDuration decodes a wav or mp3 clip and returns its playback length.
func ClipDuration(clip speechmodel.AudioClip) (time.Duration, error) {
	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
		err      error
	)

	switch DetectFormat(clip) {
	case "wav":
		streamer, format, err = wav.Decode(bytes.NewReader(clip.Data))
	case "mp3":
		streamer, format, err = mp3.Decode(readSeekNopCloser{bytes.NewReader(clip.Data)})
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, clip.Format)
	}
	if err != nil {
		return 0, fmt.Errorf("decode audio clip: %w", err)
	}
	defer streamer.Close()

	return format.SampleRate.D(streamer.Len()), nil
}

// go-mp3 only computes the stream length when the source can seek.
type readSeekNopCloser struct {
	*bytes.Reader
}

func (readSeekNopCloser) Close() error { return nil }
