package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	chathandler "github.com/zhouzirui/voicechat/backend/internal/handler/chat"
	"github.com/zhouzirui/voicechat/backend/internal/logger"
	modelchat "github.com/zhouzirui/voicechat/backend/internal/model/chat"
	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
	chatservice "github.com/zhouzirui/voicechat/backend/internal/service/chat"
	"github.com/zhouzirui/voicechat/backend/internal/service/session"
)

const pingInterval = 54 * time.Second

// readTimeout must stay above pingInterval so a pong always lands in time.
var readTimeout = 60 * time.Second

// WebSocketHandler 通过 WebSocket 驱动会话状态机
type WebSocketHandler struct {
	chatSvc  *chatservice.Service
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(chatSvc *chatservice.Service, hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{
		chatSvc: chatSvc,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AudioMessage 一段完整录音，audioData 为 base64
type AudioMessage struct {
	AudioData []byte `json:"audioData"`
	Format    string `json:"format"`
}

// TextMessage 键入的文本
type TextMessage struct {
	Text string `json:"text"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ttsMessage 推送回复音频，避免客户端再走一次下载接口
type ttsMessage struct {
	MessageID uint64 `json:"messageId"`
	AudioData string `json:"audioData"`
	Format    string `json:"format"`
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	machine, ok := chathandler.Lookup(w, r, h.chatSvc)
	if !ok {
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("component", "websocket").Err(err).Msg("upgrade failed")
		return
	}
	conn := &wsConn{conn: raw}
	sessionID := machine.ID()
	logger := logger.Component("websocket").With().Str("session", sessionID).Logger()

	h.hub.add(sessionID, conn)
	defer func() {
		h.hub.remove(sessionID, conn)
		conn.close()
	}()
	logger.Info().Msg("connection opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raw.SetReadLimit(maxClipBytes * 2)
	raw.SetReadDeadline(time.Now().Add(readTimeout))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go pingLoop(ctx, conn)

	h.send(conn, sessionID, "session", machine.Snapshot())

	var pushed uint64
	for {
		var msg inboundMessage
		if err := raw.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			}
			logger.Info().Msg("connection closed")
			return
		}

		// pongs are not read while a turn runs
		h.handleMessage(ctx, conn, machine, &msg, &pushed, logger)
		raw.SetReadDeadline(time.Now().Add(readTimeout))
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, conn *wsConn, machine *session.Machine, msg *inboundMessage, pushed *uint64, logger zerolog.Logger) {
	actions, err := decodeActions(msg)
	if err != nil {
		h.sendError(conn, machine.ID(), err.Error(), nil)
		return
	}

	for _, action := range actions {
		snap, err := machine.Dispatch(ctx, action)
		if err != nil {
			if errors.Is(err, session.ErrSuperseded) {
				logger.Debug().Str("action", action.Name()).Msg("result superseded")
			}
			h.sendError(conn, machine.ID(), err.Error(), &snap)
			return
		}
		h.send(conn, machine.ID(), "session", snap)
		h.pushReplyAudio(ctx, conn, machine, snap, pushed)
	}
}

// decodeActions 将客户端消息翻译为状态机动作
func decodeActions(msg *inboundMessage) ([]session.Action, error) {
	switch msg.Type {
	case "audio":
		var audio AudioMessage
		if err := json.Unmarshal(msg.Data, &audio); err != nil {
			return nil, errors.New("invalid audio payload")
		}
		return []session.Action{session.SubmitAudio{Clip: speechmodel.AudioClip{Data: audio.AudioData, Format: audio.Format}}}, nil
	case "text":
		var text TextMessage
		if err := json.Unmarshal(msg.Data, &text); err != nil {
			return nil, errors.New("invalid text payload")
		}
		return []session.Action{session.SendText{Text: text.Text}}, nil
	case "confirm":
		return []session.Action{session.ConfirmTranscript{}}, nil
	case "discard":
		return []session.Action{session.DiscardTranscript{}}, nil
	case "dismiss":
		return []session.Action{session.DismissStatus{}}, nil
	case "clear":
		return []session.Action{session.ClearChat{}}, nil
	case "config":
		var cfg chathandler.SettingsRequest
		if err := json.Unmarshal(msg.Data, &cfg); err != nil {
			return nil, errors.New("invalid config payload")
		}
		return cfg.Actions(), nil
	default:
		return nil, errors.New("unsupported message type: " + msg.Type)
	}
}

// pushReplyAudio 在新回复带有音频时推送一次
func (h *WebSocketHandler) pushReplyAudio(ctx context.Context, conn *wsConn, machine *session.Machine, snap modelchat.Snapshot, pushed *uint64) {
	if len(snap.Messages) == 0 {
		return
	}
	last := snap.Messages[len(snap.Messages)-1]
	if last.Role != modelchat.RoleAssistant || !last.HasAudio || last.ID <= *pushed {
		return
	}
	result, ok := machine.Audio(ctx, last.ID)
	if !ok {
		return
	}
	*pushed = last.ID
	h.send(conn, machine.ID(), "tts", ttsMessage{
		MessageID: last.ID,
		AudioData: base64.StdEncoding.EncodeToString(result.Audio),
		Format:    result.Format,
	})
}

func (h *WebSocketHandler) send(conn *wsConn, sessionID, kind string, data any) {
	msg := outgoingMessage{
		Type:      kind,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	if err := conn.writeJSON(msg); err != nil {
		log.Debug().Str("component", "websocket").Str("session", sessionID).Err(err).Msg("write failed")
	}
}

func (h *WebSocketHandler) sendError(conn *wsConn, sessionID, message string, snap *modelchat.Snapshot) {
	data := map[string]any{"message": message}
	if snap != nil {
		data["session"] = snap
	}
	h.send(conn, sessionID, "error", data)
}

// pingLoop 定期发送ping消息
func pingLoop(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
