package speech

import (
	"context"

	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
)

// Recognizer turns audio into text.
type Recognizer interface {
	Recognize(ctx context.Context, req *speechmodel.ASRRequest) (*speechmodel.ASRResponse, error)
}

// Synthesizer turns text into encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req *speechmodel.TTSRequest) (*speechmodel.TTSResponse, error)
}
