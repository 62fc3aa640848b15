package persona

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voicechat/backend/internal/model/language"
	"github.com/zhouzirui/voicechat/backend/internal/model/persona"
	"github.com/zhouzirui/voicechat/backend/pkg/utils"
)

// Handler 提供人格与语言选项，供侧边栏渲染。
type Handler struct {
	personas persona.Store
}

// New 创建persona处理器
func New(personas persona.Store) *Handler {
	return &Handler{
		personas: personas,
	}
}

// RegisterRoutes 注册persona相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/personas", h.handleListPersonas)
	r.Get("/languages", h.handleListLanguages)
}

func (h *Handler) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.personas.List())
}

func (h *Handler) handleListLanguages(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, language.List())
}
