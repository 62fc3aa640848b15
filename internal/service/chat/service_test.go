package chat_test

import (
	"context"
	"errors"
	"testing"

	"github.com/zhouzirui/voicechat/backend/internal/config"
	modelchat "github.com/zhouzirui/voicechat/backend/internal/model/chat"
	"github.com/zhouzirui/voicechat/backend/internal/model/persona"
	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
	chat "github.com/zhouzirui/voicechat/backend/internal/service/chat"
	"github.com/zhouzirui/voicechat/backend/internal/service/session"
	"github.com/zhouzirui/voicechat/backend/internal/service/speech"
)

type stubRecognizer struct{}

func (stubRecognizer) Recognize(_ context.Context, req *speechmodel.ASRRequest) (*speechmodel.ASRResponse, error) {
	return &speechmodel.ASRResponse{SessionID: req.SessionID, Text: "hello"}, nil
}

type stubSynthesizer struct{}

func (stubSynthesizer) Synthesize(context.Context, *speechmodel.TTSRequest) (*speechmodel.TTSResponse, error) {
	return &speechmodel.TTSResponse{AudioData: make([]byte, 2048), Format: "mp3"}, nil
}

type stubGenerator struct{}

func (stubGenerator) GenerateReply(_ context.Context, utterance string, _ []modelchat.Message, _ persona.Persona, _ string) string {
	return "you said " + utterance
}

func newService(ttsEnabled bool) *chat.Service {
	speechSvc := speech.NewServiceWith(config.SpeechConfig{
		Provider:   config.ProviderOpenAI,
		TTSEnabled: ttsEnabled,
	}, stubRecognizer{}, stubSynthesizer{})
	return chat.NewService(persona.NewMemoryStore(persona.Seed()), speechSvc, stubGenerator{}, config.SessionConfig{DefaultRateWPM: 180})
}

func TestServiceGetSession(t *testing.T) {
	svc := newService(true)
	ctx := context.Background()

	machine, err := svc.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	got, err := svc.GetSession(ctx, machine.ID())
	if err != nil {
		t.Fatalf("GetSession err: %v", err)
	}
	if got != machine {
		t.Fatal("expected the same machine back")
	}
	if snap := got.Snapshot(); snap.Personality.ID != persona.DefaultID || !snap.SpeechOutput {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestServiceSessionsAreIsolated(t *testing.T) {
	svc := newService(true)
	ctx := context.Background()

	a, _ := svc.CreateSession(ctx)
	b, _ := svc.CreateSession(ctx)
	if a.ID() == b.ID() {
		t.Fatal("expected distinct ids")
	}

	if _, err := a.Dispatch(ctx, sendText("hi")); err != nil {
		t.Fatalf("Dispatch err: %v", err)
	}
	if n := len(b.Snapshot().Messages); n != 0 {
		t.Fatalf("second session saw %d messages", n)
	}
	if svc.Count() != 2 {
		t.Fatalf("Count = %d", svc.Count())
	}
}

func TestServiceWithoutTTS(t *testing.T) {
	svc := newService(false)
	machine, err := svc.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	snap, err := machine.Dispatch(context.Background(), sendText("hi"))
	if err != nil {
		t.Fatalf("Dispatch err: %v", err)
	}
	if snap.SpeechOutput || snap.Messages[1].HasAudio {
		t.Fatalf("expected text-only session: %+v", snap)
	}
}

func TestServiceDeleteSession(t *testing.T) {
	svc := newService(true)
	ctx := context.Background()
	machine, _ := svc.CreateSession(ctx)

	if err := svc.DeleteSession(ctx, machine.ID()); err != nil {
		t.Fatalf("DeleteSession err: %v", err)
	}
	if _, err := svc.GetSession(ctx, machine.ID()); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := svc.DeleteSession(ctx, machine.ID()); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second delete, got %v", err)
	}
}

func TestServiceGetSessionNotFound(t *testing.T) {
	svc := newService(true)

	if _, err := svc.GetSession(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing session")
	}
}

func sendText(text string) session.SendText {
	return session.SendText{Text: text}
}
