package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/voicechat/backend/internal/config"
	"github.com/zhouzirui/voicechat/backend/internal/model/chat"
	"github.com/zhouzirui/voicechat/backend/internal/model/persona"
	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
	"github.com/zhouzirui/voicechat/backend/internal/service/command"
	"github.com/zhouzirui/voicechat/backend/internal/service/speech"
)

type fakeTranscriber struct {
	mu      sync.Mutex
	calls   int
	outcome speech.Outcome
	started chan struct{}
	release chan struct{}
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, _ string, _ speechmodel.AudioClip, _ string) speech.Outcome {
	f.mu.Lock()
	f.calls++
	out, started, release := f.outcome, f.started, f.release
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return out
}

func (f *fakeTranscriber) set(out speech.Outcome) {
	f.mu.Lock()
	f.outcome = out
	f.mu.Unlock()
}

type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	reply   string
	history []chat.Message
	tag     string
	started chan struct{}
	release chan struct{}
}

func (f *fakeGenerator) GenerateReply(_ context.Context, utterance string, history []chat.Message, _ persona.Persona, tag string) string {
	f.mu.Lock()
	f.calls++
	f.history = history
	f.tag = tag
	reply, started, release := f.reply, f.started, f.release
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if reply == "" {
		return "echo: " + utterance
	}
	return reply
}

type fakeSynth struct {
	mu    sync.Mutex
	calls int
	size  int
	speed float32
}

func (f *fakeSynth) Synthesize(_ context.Context, req *speechmodel.TTSRequest) (*speechmodel.TTSResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.speed = req.Speed
	return &speechmodel.TTSResponse{AudioData: make([]byte, f.size), Format: "mp3"}, nil
}

type harness struct {
	m     *Machine
	tr    *fakeTranscriber
	gen   *fakeGenerator
	synth *fakeSynth
	cache *speech.SynthesisCache
	clips int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tr:    &fakeTranscriber{},
		gen:   &fakeGenerator{},
		synth: &fakeSynth{size: 4096},
	}
	h.cache = speech.NewSynthesisCache(h.synth, config.ProviderOpenAI, "", time.Second, "s1")
	m, err := New(Options{
		ID:          "s1",
		Personas:    persona.NewMemoryStore(persona.Seed()),
		Transcriber: h.tr,
		Generator:   h.gen,
		Audio:       h.cache,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	return h
}

// speak submits a new clip that transcribes to text.
func (h *harness) speak(t *testing.T, text string) chat.Snapshot {
	t.Helper()
	h.tr.set(speech.Outcome{Status: chat.StatusReady, Text: text})
	h.clips++
	snap, err := h.m.Dispatch(context.Background(), SubmitAudio{Clip: speechmodel.AudioClip{Data: make([]byte, 1000+h.clips)}})
	if err != nil {
		t.Fatalf("SubmitAudio: %v", err)
	}
	if snap.Status != chat.StatusReady || snap.PendingTranscript != text {
		t.Fatalf("unexpected snapshot after transcription: %+v", snap)
	}
	return snap
}

func (h *harness) say(t *testing.T, text string) chat.Snapshot {
	t.Helper()
	h.speak(t, text)
	snap, err := h.m.Dispatch(context.Background(), ConfirmTranscript{})
	if err != nil {
		t.Fatalf("ConfirmTranscript(%q): %v", text, err)
	}
	return snap
}

func (h *harness) send(t *testing.T, text string) chat.Snapshot {
	t.Helper()
	snap, err := h.m.Dispatch(context.Background(), SendText{Text: text})
	if err != nil {
		t.Fatalf("SendText(%q): %v", text, err)
	}
	return snap
}

func TestNewDefaults(t *testing.T) {
	snap := newHarness(t).m.Snapshot()
	if snap.Personality.Name != "General Assistant" || snap.Language.Tag != "en-US" {
		t.Fatalf("unexpected defaults %+v", snap)
	}
	if snap.SpeechRateWPM != NormalRateWPM || snap.Status != chat.StatusIdle || !snap.SpeechOutput {
		t.Fatalf("unexpected defaults %+v", snap)
	}
}

func TestVoiceChatTurn(t *testing.T) {
	h := newHarness(t)
	snap := h.say(t, "what is the capital of France")

	if len(snap.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(snap.Messages))
	}
	user, reply := snap.Messages[0], snap.Messages[1]
	if user.Role != chat.RoleUser || user.Content != "what is the capital of France" || user.Index != 0 {
		t.Fatalf("unexpected user message %+v", user)
	}
	if reply.Role != chat.RoleAssistant || reply.Index != 1 || !reply.HasAudio {
		t.Fatalf("unexpected assistant message %+v", reply)
	}
	if snap.TurnCount != 1 || snap.Status != chat.StatusIdle || snap.PendingTranscript != "" {
		t.Fatalf("unexpected state %+v", snap)
	}
	if _, ok := h.m.Audio(context.Background(), reply.ID); !ok {
		t.Fatal("expected synthesized audio for reply")
	}
	if len(h.gen.history) != 0 {
		t.Fatalf("history must exclude the new utterance, got %+v", h.gen.history)
	}

	h.say(t, "and Germany")
	if len(h.gen.history) != 2 {
		t.Fatalf("second turn history = %d messages, want 2", len(h.gen.history))
	}
}

func TestTypedTextIsNeverInterpreted(t *testing.T) {
	h := newHarness(t)
	h.send(t, "hello")
	snap := h.send(t, "clear chat")

	if len(snap.Messages) != 4 {
		t.Fatalf("typed command should be a chat turn, messages = %d", len(snap.Messages))
	}
	if snap.TurnCount != 0 {
		t.Fatalf("typed turns must not count, turnCount = %d", snap.TurnCount)
	}
	if snap.LastCommand != "" {
		t.Fatalf("unexpected command %q", snap.LastCommand)
	}
}

func TestChangePersonalityScenario(t *testing.T) {
	h := newHarness(t)
	first := h.send(t, "hello")
	replyID := first.Messages[1].ID

	snap := h.say(t, "change to fitness")
	if snap.Personality.Name != "Fitness Coach" {
		t.Fatalf("personality = %q", snap.Personality.Name)
	}
	if len(snap.Messages) != 0 || snap.Status != chat.StatusReady || snap.LastCommand != string(command.ChangePersonality) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.PendingTranscript != "" || snap.TurnCount != 0 {
		t.Fatalf("command must clear pending and not count as a turn: %+v", snap)
	}
	if h.cache.Len() != 0 {
		t.Fatal("expected synthesis cache cleared")
	}
	if _, ok := h.m.Audio(context.Background(), replyID); ok {
		t.Fatal("audio from previous personality must be gone")
	}
}

func TestClearChatScenario(t *testing.T) {
	h := newHarness(t)
	var seeded []chat.Message
	h.m.mu.Lock()
	for i := 0; i < 5; i++ {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		seeded = append(seeded, h.m.appendLocked(role, fmt.Sprintf("message %d", i)))
	}
	h.m.mu.Unlock()
	for _, msg := range seeded {
		h.cache.Synthesize(context.Background(), msg.ID, msg.Content, "en-US", NormalRateWPM)
	}
	if h.cache.Len() != 5 {
		t.Fatalf("seeded cache len = %d", h.cache.Len())
	}

	snap := h.say(t, "clear chat")
	if len(snap.Messages) != 0 || snap.Status != chat.StatusReady {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.cache.Len() != 0 {
		t.Fatal("expected synthesis cache cleared")
	}
}

func TestGenerationFailureKeepsSessionInteractive(t *testing.T) {
	h := newHarness(t)
	h.gen.reply = "Error: context deadline exceeded"

	snap, err := h.m.Dispatch(context.Background(), SendText{Text: "hello"})
	if err != nil {
		t.Fatalf("SendText err: %v", err)
	}
	if len(snap.Messages) != 2 || snap.Messages[1].Content != "Error: context deadline exceeded" {
		t.Fatalf("unexpected messages %+v", snap.Messages)
	}
	if snap.Status != chat.StatusIdle {
		t.Fatalf("status = %q", snap.Status)
	}
}

func TestSmallSynthesisPayloadDegradesToText(t *testing.T) {
	h := newHarness(t)
	h.synth.size = 40

	snap := h.send(t, "hello")
	reply := snap.Messages[1]
	if reply.HasAudio {
		t.Fatal("reply must not claim audio")
	}
	if _, ok := h.m.Audio(context.Background(), reply.ID); ok {
		t.Fatal("expected no audio")
	}
	h.cache.Synthesize(context.Background(), reply.ID, reply.Content, "en-US", 180)
	if h.synth.calls != 1 {
		t.Fatalf("synthesizer called %d times, want 1", h.synth.calls)
	}
}

func TestRateCommandsStayOnGrid(t *testing.T) {
	h := newHarness(t)
	rng := rand.New(rand.NewSource(42))
	kinds := []command.Kind{command.SpeedUp, command.SlowDown, command.NormalSpeed}

	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	for i := 0; i < 500; i++ {
		kind := kinds[rng.Intn(len(kinds))]
		if i%7 != 0 && kind == command.NormalSpeed {
			kind = command.SpeedUp
		}
		if err := h.m.applyCommandLocked(command.Command{Kind: kind}); err != nil {
			t.Fatalf("apply %s: %v", kind, err)
		}
		rate := h.m.rateWPM
		if rate < MinRateWPM || rate > MaxRateWPM || (rate-NormalRateWPM)%RateStepWPM != 0 {
			t.Fatalf("step %d (%s): rate %d off grid", i, kind, rate)
		}
	}
}

func TestRateCommandsClearCache(t *testing.T) {
	h := newHarness(t)
	h.send(t, "hello")

	snap := h.say(t, "speak faster")
	if snap.SpeechRateWPM != 205 || snap.Status != chat.StatusReady {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.cache.Len() != 0 {
		t.Fatal("expected cache cleared on rate change")
	}
	if len(snap.Messages) != 2 {
		t.Fatal("rate change must keep messages")
	}

	if snap = h.say(t, "slow down"); snap.SpeechRateWPM != 180 {
		t.Fatalf("rate = %d", snap.SpeechRateWPM)
	}
	h.say(t, "slow down")
	if snap = h.say(t, "normal speed"); snap.SpeechRateWPM != 180 {
		t.Fatalf("rate = %d", snap.SpeechRateWPM)
	}
}

func TestRateChangeResynthesizesOnDemand(t *testing.T) {
	h := newHarness(t)
	reply := h.send(t, "hello").Messages[1]

	snap := h.say(t, "speak faster")
	if snap.Messages[1].HasAudio {
		t.Fatal("reply must not claim audio after the cache was cleared")
	}
	if _, ok := h.cache.Lookup(reply.ID); ok {
		t.Fatal("expected no cached audio before the next request")
	}

	result, ok := h.m.Audio(context.Background(), reply.ID)
	if !ok || result == nil {
		t.Fatal("expected audio synthesized again for the reply")
	}
	if h.synth.calls != 2 {
		t.Fatalf("synthesizer called %d times, want 2", h.synth.calls)
	}
	if want := speech.SpeedRatio(205); h.synth.speed != want {
		t.Fatalf("speed = %v, want %v", h.synth.speed, want)
	}
	if !h.m.Snapshot().Messages[1].HasAudio {
		t.Fatal("HasAudio must follow the new synthesis")
	}

	if _, ok := h.m.Audio(context.Background(), snap.Messages[0].ID); ok {
		t.Fatal("user messages have no audio")
	}
	if h.synth.calls != 2 {
		t.Fatalf("synthesizer called %d times, want 2", h.synth.calls)
	}
}

func TestAudioNotSynthesizedWhenSpeechOutputOff(t *testing.T) {
	h := newHarness(t)
	reply := h.send(t, "hello").Messages[1]
	h.say(t, "slow down")
	if _, err := h.m.Dispatch(context.Background(), SetSpeechOutput{Enabled: false}); err != nil {
		t.Fatalf("SetSpeechOutput: %v", err)
	}

	if _, ok := h.m.Audio(context.Background(), reply.ID); ok {
		t.Fatal("expected no audio with speech output off")
	}
	if h.synth.calls != 1 {
		t.Fatalf("synthesizer called %d times, want 1", h.synth.calls)
	}
}

func TestClampRate(t *testing.T) {
	cases := map[int]int{0: 105, 100: 105, 105: 105, 180: 180, 190: 180, 170: 180, 280: 280, 300: 280, 999: 280}
	for in, want := range cases {
		if got := clampRate(in); got != want {
			t.Fatalf("clampRate(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestHelpAndStopAudio(t *testing.T) {
	h := newHarness(t)
	h.send(t, "hello")

	snap := h.say(t, "what can I say")
	if snap.HelpText != command.HelpText || snap.Status != chat.StatusReady || len(snap.Messages) != 2 {
		t.Fatalf("unexpected help snapshot %+v", snap)
	}

	snap = h.say(t, "stop audio")
	if snap.LastCommand != string(command.StopAudio) || snap.HelpText != "" || len(snap.Messages) != 2 {
		t.Fatalf("unexpected stop snapshot %+v", snap)
	}
	if h.cache.Len() != 1 {
		t.Fatal("stop audio must not touch the cache")
	}
}

func TestSameSizeClipIgnored(t *testing.T) {
	h := newHarness(t)
	h.tr.set(speech.Outcome{Status: chat.StatusReady, Text: "hi"})
	clip := speechmodel.AudioClip{Data: make([]byte, 2048)}

	first, _ := h.m.Dispatch(context.Background(), SubmitAudio{Clip: clip})
	second, err := h.m.Dispatch(context.Background(), SubmitAudio{Clip: speechmodel.AudioClip{Data: make([]byte, 2048)}})
	if err != nil {
		t.Fatalf("second submit err: %v", err)
	}
	if h.tr.calls != 1 {
		t.Fatalf("transcriber called %d times, want 1", h.tr.calls)
	}
	if first.Version != second.Version {
		t.Fatal("ignored clip must not change state")
	}
}

func TestTranscriptionFailureAndDismiss(t *testing.T) {
	h := newHarness(t)
	h.tr.set(speech.Outcome{Status: chat.StatusError, ErrorMessage: speech.ConnectionErrorMessage})

	snap, _ := h.m.Dispatch(context.Background(), SubmitAudio{Clip: speechmodel.AudioClip{Data: []byte{1, 2, 3}}})
	if snap.Status != chat.StatusError || snap.ErrorMessage != speech.ConnectionErrorMessage {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if _, err := h.m.Dispatch(context.Background(), ConfirmTranscript{}); !errors.Is(err, ErrNothingToSend) {
		t.Fatalf("expected ErrNothingToSend, got %v", err)
	}

	snap, _ = h.m.Dispatch(context.Background(), DismissStatus{})
	if snap.Status != chat.StatusIdle || snap.ErrorMessage != "" {
		t.Fatalf("unexpected snapshot after dismiss %+v", snap)
	}
}

func TestDiscardTranscript(t *testing.T) {
	h := newHarness(t)
	h.speak(t, "never mind")

	snap, _ := h.m.Dispatch(context.Background(), DiscardTranscript{})
	if snap.Status != chat.StatusIdle || snap.PendingTranscript != "" || len(snap.Messages) != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestQuickResponseListenAgain(t *testing.T) {
	h := newHarness(t)
	h.m.Dispatch(context.Background(), SetQuickResponse{Enabled: true})

	if snap := h.say(t, "hello"); !snap.ListenAgain || snap.TurnCount != 1 {
		t.Fatalf("voice turn should re-arm microphone: %+v", snap)
	}
	if snap := h.send(t, "typed"); snap.ListenAgain {
		t.Fatal("typed turn must not re-arm microphone")
	}
}

func TestSelectLanguage(t *testing.T) {
	h := newHarness(t)
	h.send(t, "hello")

	snap, err := h.m.Dispatch(context.Background(), SelectLanguage{Language: "en-US"})
	if err != nil || len(snap.Messages) != 2 {
		t.Fatalf("selecting the active language must be a no-op: %+v %v", snap, err)
	}

	snap, err = h.m.Dispatch(context.Background(), SelectLanguage{Language: "Japanese"})
	if err != nil {
		t.Fatalf("SelectLanguage err: %v", err)
	}
	if snap.Language.Tag != "ja-JP" || len(snap.Messages) != 0 || h.cache.Len() != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	h.send(t, "konnichiwa")
	if h.gen.tag != "ja-JP" {
		t.Fatalf("generator got tag %q", h.gen.tag)
	}

	if _, err := h.m.Dispatch(context.Background(), SelectLanguage{Language: "Klingon"}); !errors.Is(err, ErrUnknownLanguage) {
		t.Fatalf("expected ErrUnknownLanguage, got %v", err)
	}
}

func TestSelectPersonality(t *testing.T) {
	h := newHarness(t)
	h.send(t, "hello")

	snap, err := h.m.Dispatch(context.Background(), SelectPersonality{Personality: "Gaming Helper"})
	if err != nil {
		t.Fatalf("SelectPersonality err: %v", err)
	}
	if snap.Personality.ID != persona.GamingHelperID || len(snap.Messages) != 0 || h.cache.Len() != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if _, err := h.m.Dispatch(context.Background(), SelectPersonality{Personality: "pirate"}); !errors.Is(err, ErrUnknownPersonality) {
		t.Fatalf("expected ErrUnknownPersonality, got %v", err)
	}
}

func TestSpeechOutputToggle(t *testing.T) {
	h := newHarness(t)
	h.m.Dispatch(context.Background(), SetSpeechOutput{Enabled: false})

	snap := h.send(t, "hello")
	if snap.SpeechOutput || snap.Messages[1].HasAudio || h.synth.calls != 0 {
		t.Fatalf("synthesis should be off: %+v (calls %d)", snap, h.synth.calls)
	}
}

func TestSidebarClearChat(t *testing.T) {
	h := newHarness(t)
	h.send(t, "hello")

	snap, _ := h.m.Dispatch(context.Background(), ClearChat{})
	if len(snap.Messages) != 0 || h.cache.Len() != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	// ids keep increasing so stale cache keys never collide
	snap = h.send(t, "again")
	if snap.Messages[0].ID != 3 || snap.Messages[0].Index != 0 {
		t.Fatalf("unexpected message %+v", snap.Messages[0])
	}
}

func TestInputValidation(t *testing.T) {
	h := newHarness(t)
	if _, err := h.m.Dispatch(context.Background(), SendText{Text: "   "}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := h.m.Dispatch(context.Background(), ConfirmTranscript{}); !errors.Is(err, ErrNothingToSend) {
		t.Fatalf("expected ErrNothingToSend, got %v", err)
	}
	if _, err := h.m.Dispatch(context.Background(), unknownAction{}); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

type unknownAction struct{}

func (unknownAction) Name() string { return "unknown" }

func TestSupersededTranscriptionIsDropped(t *testing.T) {
	h := newHarness(t)
	h.tr.set(speech.Outcome{Status: chat.StatusReady, Text: "late"})
	h.tr.started = make(chan struct{}, 1)
	h.tr.release = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.m.Dispatch(context.Background(), SubmitAudio{Clip: speechmodel.AudioClip{Data: []byte{1, 2, 3, 4}}})
		errCh <- err
	}()

	<-h.tr.started
	if snap := h.m.Snapshot(); snap.Status != chat.StatusProcessing {
		t.Fatalf("status while transcribing = %q", snap.Status)
	}
	h.m.Dispatch(context.Background(), DismissStatus{})
	close(h.tr.release)

	if err := <-errCh; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if snap := h.m.Snapshot(); snap.Status != chat.StatusIdle || snap.PendingTranscript != "" {
		t.Fatalf("stale transcript applied: %+v", snap)
	}
}

func TestSupersededReplyIsDropped(t *testing.T) {
	h := newHarness(t)
	h.gen.started = make(chan struct{}, 1)
	h.gen.release = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.m.Dispatch(context.Background(), SendText{Text: "slow question"})
		errCh <- err
	}()

	<-h.gen.started
	h.m.Dispatch(context.Background(), ClearChat{})
	close(h.gen.release)

	if err := <-errCh; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if snap := h.m.Snapshot(); len(snap.Messages) != 0 {
		t.Fatalf("stale reply appended: %+v", snap.Messages)
	}
}
