// Package chat keeps the live sessions of the process, one per browser tab.
package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/voicechat/backend/internal/config"
	"github.com/zhouzirui/voicechat/backend/internal/model/persona"
	"github.com/zhouzirui/voicechat/backend/internal/service/session"
	"github.com/zhouzirui/voicechat/backend/internal/service/speech"
)

var ErrSessionNotFound = errors.New("session not found")

// Service encapsulates session lifecycle management.
type Service struct {
	personas  persona.Store
	speech    *speech.Service
	generator session.ReplyGenerator
	cfg       config.SessionConfig

	mu       sync.RWMutex
	sessions map[string]*session.Machine
}

// NewService bootstraps the in-memory session registry.
func NewService(personas persona.Store, speechSvc *speech.Service, generator session.ReplyGenerator, cfg config.SessionConfig) *Service {
	return &Service{
		personas:  personas,
		speech:    speechSvc,
		generator: generator,
		cfg:       cfg,
		sessions:  make(map[string]*session.Machine),
	}
}

// CreateSession provisions an anonymous session with default personality and language.
func (s *Service) CreateSession(_ context.Context) (*session.Machine, error) {
	id := uuid.NewString()

	opts := session.Options{
		ID:             id,
		Personas:       s.personas,
		Transcriber:    s.speech.NewTranscriber(s.cfg.MinClipDuration),
		Generator:      s.generator,
		DefaultRateWPM: s.cfg.DefaultRateWPM,
	}
	// a nil *SynthesisCache must not become a non-nil interface
	if cache := s.speech.NewSynthesisCache(id); cache != nil {
		opts.Audio = cache
	}

	machine, err := session.New(opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[id] = machine
	total := len(s.sessions)
	s.mu.Unlock()

	log.Info().Str("component", "chat").Str("session", id).Int("active", total).Msg("session created")
	return machine, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (*session.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	machine, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return machine, nil
}

// DeleteSession drops a session and its cached audio.
func (s *Service) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	log.Info().Str("component", "chat").Str("session", sessionID).Msg("session deleted")
	return nil
}

// Count returns the number of live sessions.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
