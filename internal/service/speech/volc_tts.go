package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/voicechat/backend/internal/config"
	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
)

const volcTTSEndpoint = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

// VolcengineTTS 火山引擎单向流式语音合成客户端。
type VolcengineTTS struct {
	appID    string
	token    string
	voice    string
	volume   float32
	endpoint string
	dialer   *websocket.Dialer
}

// NewVolcengineTTS 创建合成客户端。
func NewVolcengineTTS(cfg config.SpeechConfig) (*VolcengineTTS, error) {
	appID, token, err := volcCredentials(cfg)
	if err != nil {
		return nil, err
	}
	return &VolcengineTTS{
		appID:    appID,
		token:    token,
		voice:    strings.TrimSpace(cfg.TTSVoice),
		volume:   cfg.TTSVolume,
		endpoint: volcTTSEndpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
	}, nil
}

type volcTTSPayload struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string `json:"speaker"`
		Text        string `json:"text"`
		AudioParams struct {
			Format      string  `json:"format"`
			SampleRate  int     `json:"sample_rate"`
			SpeedRatio  float32 `json:"speed_ratio,omitempty"`
			VolumeRatio float32 `json:"volume_ratio,omitempty"`
		} `json:"audio_params"`
		Language string `json:"language,omitempty"`
	} `json:"req_params"`
}

type volcTTSResult struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
	Addition struct {
		Duration string `json:"duration,omitempty"`
	} `json:"addition"`
}

// Synthesize tries each speaker and resource pairing until one is accepted.
func (c *VolcengineTTS) Synthesize(ctx context.Context, req *speechmodel.TTSRequest) (*speechmodel.TTSResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	var lastMismatch error
	for _, speaker := range volcSpeakerCandidates(req.Voice, c.voice) {
		for _, resourceID := range volcResourceCandidates(speaker) {
			resp, err := c.synthesizeWith(ctx, req, speaker, resourceID)
			if err == nil {
				return resp, nil
			}
			if !isResourceMismatch(err) {
				return nil, err
			}
			log.Debug().Str("component", "tts").Str("speaker", speaker).Str("resource", resourceID).Msg("resource mismatch, trying next")
			lastMismatch = err
		}
	}
	if lastMismatch != nil {
		return nil, lastMismatch
	}
	return nil, fmt.Errorf("tts: no speaker configured for %s", req.Language)
}

func (c *VolcengineTTS) synthesizeWith(ctx context.Context, req *speechmodel.TTSRequest, speaker, resourceID string) (*speechmodel.TTSResponse, error) {
	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", c.appID)
	header.Set("X-Api-Access-Key", c.token)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		return nil, volcDialError("tts", resp, err)
	}
	defer conn.Close()

	// ReadMessage 不感知 ctx，取消时主动关闭连接。
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	payload, err := json.Marshal(c.buildPayload(req, speaker))
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, newVolcRequestFrame(payload, volcNoCompression).marshal()); err != nil {
		return nil, fmt.Errorf("send tts request: %w", err)
	}

	var (
		audio    bytes.Buffer
		reqID    = connectID
		duration int64
	)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read tts response: %w", err)
		}
		frame, err := parseVolcFrame(data)
		if err != nil {
			return nil, fmt.Errorf("decode tts frame: %w", err)
		}

		switch frame.msgType {
		case volcErrorResponse:
			return nil, volcFrameError("tts", frame)

		case volcAudioOnlyResponse:
			chunk, err := frame.body()
			if err != nil {
				return nil, fmt.Errorf("decompress audio chunk: %w", err)
			}
			audio.Write(chunk)

		case volcFullServerResponse:
			body, err := frame.body()
			if err != nil {
				return nil, fmt.Errorf("decompress tts payload: %w", err)
			}

			var res volcTTSResult
			if len(body) > 0 {
				if err := json.Unmarshal(body, &res); err != nil {
					log.Warn().Str("component", "tts").Err(err).Msg("unparseable tts payload")
				} else {
					if res.Code != 0 && res.Code != 3000 {
						return nil, &APIError{Provider: config.ProviderVolcengine, Code: res.Code, Message: res.Message}
					}
					if res.ReqID != "" {
						reqID = res.ReqID
					}
					if ms, err := strconv.ParseInt(res.Addition.Duration, 10, 64); err == nil {
						duration = ms
					}
					if res.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(res.Data)
						if err != nil {
							return nil, fmt.Errorf("decode base64 audio chunk: %w", err)
						}
						audio.Write(chunk)
					}
				}
			}

			finished := (frame.hasEvent() && frame.event == volcEventSessionFinished) || frame.last() || res.Sequence < 0
			if finished {
				return &speechmodel.TTSResponse{
					SessionID: req.SessionID,
					AudioData: audio.Bytes(),
					Duration:  duration,
					Format:    "mp3",
					RequestID: reqID,
					CreatedAt: time.Now(),
				}, nil
			}
		}
	}
}

func (c *VolcengineTTS) buildPayload(req *speechmodel.TTSRequest, speaker string) *volcTTSPayload {
	p := &volcTTSPayload{}
	p.User.UID = req.SessionID
	if p.User.UID == "" {
		p.User.UID = uuid.NewString()
	}
	p.ReqParams.Speaker = speaker
	p.ReqParams.Text = req.Text
	p.ReqParams.Language = req.Language

	p.ReqParams.AudioParams.Format = "mp3"
	p.ReqParams.AudioParams.SampleRate = 24000
	if req.Speed > 0 && req.Speed != 1.0 {
		p.ReqParams.AudioParams.SpeedRatio = req.Speed
	}
	volume := req.Volume
	if volume <= 0 {
		volume = c.volume
	}
	if volume > 0 && volume != 1.0 {
		p.ReqParams.AudioParams.VolumeRatio = volume
	}
	return p
}

// volcResourceCandidates orders resource ids by how likely they serve the speaker.
func volcResourceCandidates(speaker string) []string {
	const (
		legacyResource = "volc.service_type.10029"
		megaResource   = "volc.megatts.default"
		seedResource   = "seed-tts-2.0"
	)

	speaker = strings.TrimSpace(speaker)
	if strings.HasPrefix(speaker, "S_") {
		return []string{megaResource}
	}

	lower := strings.ToLower(speaker)
	for _, hint := range []string{"bigtts", "seed", "megatts", "jupiter", "uranus", "moon", "mars"} {
		if strings.Contains(lower, hint) {
			return []string{seedResource, legacyResource}
		}
	}
	return []string{legacyResource, seedResource}
}

// volcSpeakerCandidates returns requested then fallback, without blanks or case-insensitive duplicates.
func volcSpeakerCandidates(requested, fallback string) []string {
	var out []string
	for _, s := range []string{requested, fallback} {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		dup := false
		for _, existing := range out {
			if strings.EqualFold(existing, s) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, s)
		}
	}
	return out
}

func isResourceMismatch(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(apiErr.Message, "resource ID is mismatched with speaker related resource")
}
