package stream

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	modelchat "github.com/zhouzirui/voicechat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/voicechat/backend/internal/service/chat"
	"github.com/zhouzirui/voicechat/backend/internal/service/session"
	"github.com/zhouzirui/voicechat/backend/pkg/utils"
)

// Handler runs a typed turn and reports its progress via Server-Sent Events.
type Handler struct {
	chatSvc *chatService.Service
}

// New creates a new stream handler
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	SessionID string              `json:"sessionId"`
	Content   string              `json:"content,omitempty"`
	Message   *modelchat.Message  `json:"message,omitempty"`
	AudioURL  string              `json:"audioUrl,omitempty"`
	Session   *modelchat.Snapshot `json:"session,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// RegisterRoutes registers the SSE endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.handleStream)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userMessage := r.URL.Query().Get("message")
	if userMessage == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	machine, err := h.chatSvc.GetSession(r.Context(), sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)

	before := machine.Snapshot()
	utils.SendSSEEvent(w, flusher, "start", StreamResponse{
		SessionID: sessionID,
		Content:   fmt.Sprintf("%s is replying", before.Personality.Name),
	})

	snap, err := machine.Dispatch(r.Context(), session.SendText{Text: userMessage})
	if err != nil {
		if !errors.Is(err, session.ErrSuperseded) {
			log.Warn().Str("component", "stream").Str("session", sessionID).Err(err).Msg("turn failed")
		}
		utils.SendSSEEvent(w, flusher, "error", StreamResponse{SessionID: sessionID, Error: err.Error(), Session: &snap})
		return
	}

	for _, msg := range newMessages(before, snap) {
		utils.SendSSEEvent(w, flusher, "message", StreamResponse{SessionID: sessionID, Message: &msg})
		if msg.HasAudio {
			utils.SendSSEEvent(w, flusher, "audio", StreamResponse{
				SessionID: sessionID,
				Message:   &msg,
				AudioURL:  fmt.Sprintf("/api/sessions/%s/messages/%d/audio", sessionID, msg.ID),
			})
		}
	}

	utils.SendSSEEvent(w, flusher, "end", StreamResponse{SessionID: sessionID, Session: &snap})
	log.Debug().Str("component", "stream").Str("session", sessionID).Str("persona", snap.Personality.ID).Msg("completed response")
}

// newMessages returns the messages of after that were not in before.
func newMessages(before, after modelchat.Snapshot) []modelchat.Message {
	var lastID uint64
	for _, m := range before.Messages {
		lastID = max(lastID, m.ID)
	}
	var fresh []modelchat.Message
	for _, m := range after.Messages {
		if m.ID > lastID {
			fresh = append(fresh, m)
		}
	}
	return fresh
}
