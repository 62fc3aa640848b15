package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/voicechat/backend/internal/config"
	"github.com/zhouzirui/voicechat/backend/internal/logger"
	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
)

const (
	volcASREndpoint = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"

	volcASRSuccess = 20000000
	volcASRSilence = 20000003

	// 16kHz 16bit 单声道约 200ms 的数据量
	volcASRChunkSize = 6400
)

// VolcengineASR 火山引擎大模型语音识别客户端（WebSocket 二进制协议）。
type VolcengineASR struct {
	appID      string
	token      string
	resourceID string
	endpoint   string
	dialer     *websocket.Dialer

	// chunkInterval paces audio chunks like a live microphone.
	chunkInterval time.Duration
}

// NewVolcengineASR 创建识别客户端。
func NewVolcengineASR(cfg config.SpeechConfig) (*VolcengineASR, error) {
	appID, token, err := volcCredentials(cfg)
	if err != nil {
		return nil, err
	}

	resourceID := "volc.bigasr.sauc.duration" // 小时版
	if cfg.ConcurrentMode {
		resourceID = "volc.bigasr.sauc.concurrent" // 并发版
	}

	return &VolcengineASR{
		appID:         appID,
		token:         token,
		resourceID:    resourceID,
		endpoint:      volcASREndpoint,
		dialer:        &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
		chunkInterval: 200 * time.Millisecond,
	}, nil
}

type volcASRPayload struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type volcASRResult struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text string `json:"text"`
		} `json:"utterances,omitempty"`
	} `json:"result"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info"`
}

func (r *volcASRResult) text() string {
	if r.Result.Text != "" {
		return r.Result.Text
	}
	parts := make([]string, 0, len(r.Result.Utterances))
	for _, u := range r.Result.Utterances {
		if u.Text != "" {
			parts = append(parts, u.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Recognize uploads the clip and waits for the final transcript.
func (c *VolcengineASR) Recognize(ctx context.Context, req *speechmodel.ASRRequest) (*speechmodel.ASRResponse, error) {
	if len(req.AudioData) == 0 {
		return nil, ErrNoSpeech
	}

	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", c.appID)
	header.Set("X-Api-Access-Key", c.token)
	header.Set("X-Api-Resource-Id", c.resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		return nil, volcDialError("asr", resp, err)
	}
	defer conn.Close()

	logger := logger.Component("asr").With().Str("connect_id", connectID).Logger()
	if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
		logger.Debug().Str("logid", logid).Msg("connected")
	}

	payload, err := json.Marshal(c.buildPayload(req))
	if err != nil {
		return nil, fmt.Errorf("marshal asr request: %w", err)
	}
	compressed, err := gzipBytes(payload)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, newVolcRequestFrame(compressed, volcGzipCompression).marshal()); err != nil {
		return nil, fmt.Errorf("send asr request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 收发并行：服务端提前报错时可以立即停止发送。
	type result struct {
		resp *speechmodel.ASRResponse
		err  error
	}
	recvCh := make(chan result, 1)
	go func() {
		r, err := c.receive(conn, req.SessionID)
		recvCh <- result{r, err}
	}()

	sendCh := make(chan error, 1)
	go func() {
		sendCh <- c.sendAudio(ctx, conn, req.AudioData)
	}()

	for {
		select {
		case err := <-sendCh:
			if err != nil {
				return nil, fmt.Errorf("send audio: %w", err)
			}
			sendCh = nil
		case r := <-recvCh:
			if r.err == nil && r.resp.Text == "" {
				logger.Debug().Str("session", req.SessionID).Msg("empty transcript")
				return nil, ErrNoSpeech
			}
			return r.resp, r.err
		case <-ctx.Done():
			// unblock the reader
			conn.Close()
			return nil, ctx.Err()
		}
	}
}

func (c *VolcengineASR) buildPayload(req *speechmodel.ASRRequest) *volcASRPayload {
	p := &volcASRPayload{}
	p.User.UID = req.SessionID

	p.Audio.Language = req.Language
	p.Audio.Rate = 16000
	p.Audio.Bits = 16
	p.Audio.Channel = 1
	switch strings.ToLower(req.Format) {
	case "mp3":
		p.Audio.Format = "mp3"
	case "ogg", "webm", "opus":
		p.Audio.Format = "ogg"
		p.Audio.Codec = "opus"
	case "pcm":
		p.Audio.Format = "pcm"
		p.Audio.Codec = "raw"
	default:
		p.Audio.Format = "wav"
		p.Audio.Codec = "raw"
	}

	p.Request.ModelName = "bigmodel"
	p.Request.EnableITN = true
	p.Request.EnablePunc = true
	p.Request.ShowUtterances = true
	p.Request.ResultType = "full"
	p.Request.EndWindowSize = 800
	return p
}

func (c *VolcengineASR) sendAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	// 请求帧占用序号 1，音频从 2 开始
	seq := int32(2)
	for start := 0; start < len(audio); start += volcASRChunkSize {
		end := min(start+volcASRChunkSize, len(audio))
		last := end == len(audio)

		chunk, err := gzipBytes(audio[start:end])
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, newVolcAudioFrame(chunk, seq, last).marshal()); err != nil {
			return err
		}
		seq++

		if last || c.chunkInterval <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.chunkInterval):
		}
	}
	return nil
}

func (c *VolcengineASR) receive(conn *websocket.Conn, sessionID string) (*speechmodel.ASRResponse, error) {
	var (
		text     string
		duration int64
	)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read asr response: %w", err)
		}
		frame, err := parseVolcFrame(data)
		if err != nil {
			return nil, fmt.Errorf("decode asr frame: %w", err)
		}

		switch frame.msgType {
		case volcErrorResponse:
			return nil, volcFrameError("asr", frame)

		case volcFullServerResponse:
			body, err := frame.body()
			if err != nil {
				return nil, fmt.Errorf("decompress asr payload: %w", err)
			}

			var res volcASRResult
			if err := json.Unmarshal(body, &res); err != nil {
				log.Warn().Str("component", "asr").Err(err).Msg("unparseable asr payload")
				continue
			}
			switch res.Code {
			case 0, volcASRSuccess:
			case volcASRSilence:
				return nil, ErrNoSpeech
			default:
				return nil, &APIError{Provider: config.ProviderVolcengine, Code: res.Code, Message: res.Message}
			}

			if t := res.text(); t != "" {
				text = t
			}
			if res.AudioInfo.Duration > 0 {
				duration = res.AudioInfo.Duration
			}

			if frame.last() || res.Sequence < 0 {
				return &speechmodel.ASRResponse{
					SessionID:  sessionID,
					Text:       strings.TrimSpace(text),
					Confidence: 0.95,
					Duration:   duration,
					RequestID:  sessionID,
					CreatedAt:  time.Now(),
				}, nil
			}
		}
	}
}

// volcCredentials 返回规范化后的 AppID 与 AccessToken。
func volcCredentials(cfg config.SpeechConfig) (string, string, error) {
	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if appID == "" || token == "" {
		return "", "", fmt.Errorf("%w: volcengine speech requires app id and access token", config.ErrMissingCredentials)
	}
	return appID, token, nil
}

func volcDialError(kind string, resp *http.Response, err error) error {
	if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
		return &APIError{
			Provider:   config.ProviderVolcengine,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("%s handshake rejected: %s", kind, resp.Status),
		}
	}
	return fmt.Errorf("connect %s websocket: %w", kind, err)
}

func volcFrameError(kind string, frame *volcFrame) error {
	body, err := frame.body()
	if err != nil {
		body = frame.payload
	}
	return &APIError{
		Provider: config.ProviderVolcengine,
		Code:     int(frame.errorCode),
		Message:  fmt.Sprintf("%s: %s", kind, strings.TrimSpace(string(body))),
	}
}
