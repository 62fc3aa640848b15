package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/voicechat/backend/internal/handler/chat"
	"github.com/zhouzirui/voicechat/backend/internal/handler/persona"
	"github.com/zhouzirui/voicechat/backend/internal/handler/speech"
	"github.com/zhouzirui/voicechat/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/voicechat/backend/internal/middleware"
	personaModel "github.com/zhouzirui/voicechat/backend/internal/model/persona"
	chatService "github.com/zhouzirui/voicechat/backend/internal/service/chat"
	speechService "github.com/zhouzirui/voicechat/backend/internal/service/speech"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(personas personaModel.Store, chatSvc *chatService.Service, speechSvc *speechService.Service, hub *speech.Hub) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(api chi.Router) {
		persona.New(personas).RegisterRoutes(api)
		chat.New(chatSvc).RegisterRoutes(api)
		speech.New(speechSvc, chatSvc, hub).RegisterRoutes(api)
		stream.New(chatSvc).RegisterRoutes(api)
	})

	return r
}
