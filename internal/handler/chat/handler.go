package chat

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	modelchat "github.com/zhouzirui/voicechat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/voicechat/backend/internal/service/chat"
	"github.com/zhouzirui/voicechat/backend/internal/service/session"
	"github.com/zhouzirui/voicechat/backend/pkg/utils"
)

// Handler 会话生命周期与用户动作的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreateSession)
	r.Get("/sessions/{sessionID}", h.handleGetSession)
	r.Delete("/sessions/{sessionID}", h.handleDeleteSession)
	r.Post("/sessions/{sessionID}/messages", h.handleSendText)
	r.Post("/sessions/{sessionID}/transcript/confirm", h.dispatchSimple(session.ConfirmTranscript{}))
	r.Post("/sessions/{sessionID}/transcript/discard", h.dispatchSimple(session.DiscardTranscript{}))
	r.Post("/sessions/{sessionID}/status/dismiss", h.dispatchSimple(session.DismissStatus{}))
	r.Post("/sessions/{sessionID}/clear", h.dispatchSimple(session.ClearChat{}))
	r.Put("/sessions/{sessionID}/settings", h.handleUpdateSettings)
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	machine, err := h.chatSvc.CreateSession(r.Context())
	if err != nil {
		log.Error().Str("component", "chat").Err(err).Msg("create session failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	utils.RespondJSON(w, http.StatusCreated, machine.Snapshot())
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	machine, ok := Lookup(w, r, h.chatSvc)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, machine.Snapshot())
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSendText(w http.ResponseWriter, r *http.Request) {
	machine, ok := Lookup(w, r, h.chatSvc)
	if !ok {
		return
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snap, err := machine.Dispatch(r.Context(), session.SendText{Text: payload.Text})
	RespondAction(w, snap, err)
}

func (h *Handler) dispatchSimple(action session.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		machine, ok := Lookup(w, r, h.chatSvc)
		if !ok {
			return
		}
		snap, err := machine.Dispatch(r.Context(), action)
		RespondAction(w, snap, err)
	}
}

// SettingsRequest 中未设置的字段保持不变。
type SettingsRequest struct {
	Personality   *string `json:"personality,omitempty"`
	Language      *string `json:"language,omitempty"`
	QuickResponse *bool   `json:"quickResponse,omitempty"`
	SpeechOutput  *bool   `json:"speechOutput,omitempty"`
}

// Actions converts the request into session actions in a fixed order.
func (s SettingsRequest) Actions() []session.Action {
	var actions []session.Action
	if s.Personality != nil {
		actions = append(actions, session.SelectPersonality{Personality: *s.Personality})
	}
	if s.Language != nil {
		actions = append(actions, session.SelectLanguage{Language: *s.Language})
	}
	if s.QuickResponse != nil {
		actions = append(actions, session.SetQuickResponse{Enabled: *s.QuickResponse})
	}
	if s.SpeechOutput != nil {
		actions = append(actions, session.SetSpeechOutput{Enabled: *s.SpeechOutput})
	}
	return actions
}

func (h *Handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	machine, ok := Lookup(w, r, h.chatSvc)
	if !ok {
		return
	}

	var payload SettingsRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snap := machine.Snapshot()
	for _, action := range payload.Actions() {
		var err error
		if snap, err = machine.Dispatch(r.Context(), action); err != nil {
			RespondAction(w, snap, err)
			return
		}
	}
	utils.RespondJSON(w, http.StatusOK, snap)
}

// Lookup resolves the {sessionID} URL parameter, writing 404 when it is unknown.
func Lookup(w http.ResponseWriter, r *http.Request, chatSvc *chatService.Service) (*session.Machine, bool) {
	machine, err := chatSvc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return machine, true
}

// RespondAction writes the snapshot of a dispatched action, or maps its error to a status code.
func RespondAction(w http.ResponseWriter, snap modelchat.Snapshot, err error) {
	if err == nil {
		utils.RespondJSON(w, http.StatusOK, snap)
		return
	}
	utils.RespondJSON(w, StatusFor(err), map[string]any{
		"error":   err.Error(),
		"session": snap,
	})
}

// StatusFor maps session errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, chatService.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrEmptyMessage),
		errors.Is(err, session.ErrUnknownPersonality),
		errors.Is(err, session.ErrUnknownLanguage),
		errors.Is(err, session.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNothingToSend),
		errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
