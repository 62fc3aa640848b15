package speech

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	chathandler "github.com/zhouzirui/voicechat/backend/internal/handler/chat"
	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
	chatservice "github.com/zhouzirui/voicechat/backend/internal/service/chat"
	"github.com/zhouzirui/voicechat/backend/internal/service/session"
	speechsvc "github.com/zhouzirui/voicechat/backend/internal/service/speech"
	"github.com/zhouzirui/voicechat/backend/pkg/utils"
)

// maxClipBytes bounds an uploaded recording.
const maxClipBytes = 32 << 20

// Handler 语音服务的HTTP处理器
type Handler struct {
	speechSvc *speechsvc.Service
	chatSvc   *chatservice.Service
	hub       *Hub
}

// New 创建语音处理器
func New(speechSvc *speechsvc.Service, chatSvc *chatservice.Service, hub *Hub) *Handler {
	if hub == nil {
		hub = NewHub()
	}
	return &Handler{
		speechSvc: speechSvc,
		chatSvc:   chatSvc,
		hub:       hub,
	}
}

// RegisterRoutes 注册语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/speech/health", h.handleHealth)
	r.Post("/sessions/{sessionID}/audio", h.handleUploadAudio)
	r.Get("/sessions/{sessionID}/messages/{messageID}/audio", h.handleDownloadAudio)

	ws := NewWebSocketHandler(h.chatSvc, h.hub)
	ws.RegisterWebSocketRoutes(r)
}

// handleUploadAudio 接收录音片段并交给会话状态机转写
func (h *Handler) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	machine, ok := chathandler.Lookup(w, r, h.chatSvc)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxClipBytes)
	if err := r.ParseMultipartForm(maxClipBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to parse multipart form: "+err.Error())
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read audio")
		return
	}

	format := r.FormValue("format")
	if format == "" {
		format = inferAudioFormat(header.Filename, header.Header.Get("Content-Type"))
	}

	log.Debug().Str("component", "speech").Str("session", machine.ID()).Int("bytes", len(data)).Str("format", format).Msg("audio uploaded")

	snap, err := machine.Dispatch(r.Context(), session.SubmitAudio{Clip: speechmodel.AudioClip{Data: data, Format: format}})
	chathandler.RespondAction(w, snap, err)
}

// handleDownloadAudio 返回某条回复已合成的音频
func (h *Handler) handleDownloadAudio(w http.ResponseWriter, r *http.Request) {
	machine, ok := chathandler.Lookup(w, r, h.chatSvc)
	if !ok {
		return
	}

	messageID, err := strconv.ParseUint(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	result, ok := machine.Audio(r.Context(), messageID)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "no audio for message")
		return
	}

	w.Header().Set("Content-Type", audioContentType(result.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Audio)))
	w.Header().Set("Content-Disposition", "inline; filename=reply-"+strconv.FormatUint(messageID, 10)+"."+result.Format)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Audio); err != nil {
		log.Debug().Str("component", "speech").Err(err).Msg("failed to write audio response")
	}
}

// handleHealth 健康检查端点
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.speechSvc.Health()
	status["status"] = "healthy"
	status["sessions"] = h.chatSvc.Count()
	status["connections"] = h.hub.Count()
	utils.RespondJSON(w, http.StatusOK, status)
}

// inferAudioFormat 从文件名或 Content-Type 推断音频格式
func inferAudioFormat(filename, contentType string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp3":
		return "mp3"
	case ".wav":
		return "wav"
	case ".webm":
		return "webm"
	case ".ogg", ".opus":
		return "ogg"
	case ".m4a":
		return "m4a"
	}

	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mediaType {
		case "audio/mpeg", "audio/mp3":
			return "mp3"
		case "audio/webm":
			return "webm"
		case "audio/ogg":
			return "ogg"
		case "audio/mp4", "audio/x-m4a":
			return "m4a"
		}
	}
	return "wav"
}

func audioContentType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "ogg", "ogg_opus":
		return "audio/ogg"
	case "pcm":
		return "audio/L16"
	default:
		return "application/octet-stream"
	}
}
