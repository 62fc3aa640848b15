package speech

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/zhouzirui/voicechat/backend/internal/config"
)

func newTestCache(synth *fakeSynthesizer) *SynthesisCache {
	return NewSynthesisCache(synth, config.ProviderGoogle, "", time.Second, "s1")
}

func TestSynthesizeIsIdempotent(t *testing.T) {
	synth := &fakeSynthesizer{size: 2048}
	cache := newTestCache(synth)

	first := cache.Synthesize(context.Background(), 7, "hello", "en-US", 180)
	second := cache.Synthesize(context.Background(), 7, "hello", "en-US", 180)

	if first == nil {
		t.Fatal("expected audio result")
	}
	if first != second {
		t.Fatal("expected the same cached pointer")
	}
	if synth.callCount() != 1 {
		t.Fatalf("synthesizer called %d times, want 1", synth.callCount())
	}
	if first.Voice != "en-US-Standard-C" || first.Format != "mp3" {
		t.Fatalf("unexpected result %+v", first)
	}
}

func TestSynthesizeSmallPayloadCachesFailure(t *testing.T) {
	synth := &fakeSynthesizer{size: 40}
	cache := newTestCache(synth)

	for i := 0; i < 3; i++ {
		if got := cache.Synthesize(context.Background(), 1, "hello", "en-US", 180); got != nil {
			t.Fatalf("call %d: expected nil sentinel, got %+v", i, got)
		}
	}
	if synth.callCount() != 1 {
		t.Fatalf("synthesizer called %d times, want 1", synth.callCount())
	}
	result, ok := cache.Lookup(1)
	if !ok || result != nil {
		t.Fatalf("expected cached nil sentinel, got %+v ok=%v", result, ok)
	}
}

func TestSynthesizeProviderErrorCachesFailure(t *testing.T) {
	synth := &fakeSynthesizer{err: errors.New("boom")}
	cache := newTestCache(synth)

	cache.Synthesize(context.Background(), 3, "hello", "en-US", 180)
	cache.Synthesize(context.Background(), 3, "hello", "en-US", 180)
	if synth.callCount() != 1 {
		t.Fatalf("synthesizer called %d times, want 1", synth.callCount())
	}
}

func TestSynthesizeTruncatesAndMapsRequest(t *testing.T) {
	synth := &fakeSynthesizer{size: 1024}
	cache := newTestCache(synth)

	long := strings.Repeat("é", MaxSynthesisRunes+250)
	cache.Synthesize(context.Background(), 2, long, "zh-CN", 230)

	if n := utf8.RuneCountInString(synth.last.Text); n != MaxSynthesisRunes {
		t.Fatalf("text sent with %d runes, want %d", n, MaxSynthesisRunes)
	}
	if synth.last.Voice != "cmn-CN-Standard-A" {
		t.Fatalf("unexpected voice %q", synth.last.Voice)
	}
	if want := float32(230) / 180; synth.last.Speed != want {
		t.Fatalf("speed = %v, want %v", synth.last.Speed, want)
	}
}

func TestSynthesizeUnmappedTagUsesDefaultVoice(t *testing.T) {
	synth := &fakeSynthesizer{size: 1024}
	cache := NewSynthesisCache(synth, config.ProviderOpenAI, "", 0, "s1")

	cache.Synthesize(context.Background(), 1, "hej", "sv-SE", 180)
	if synth.last.Voice != "alloy" {
		t.Fatalf("unexpected voice %q", synth.last.Voice)
	}
}

func TestClearEmptiesCache(t *testing.T) {
	synth := &fakeSynthesizer{size: 1024}
	cache := newTestCache(synth)

	cache.Synthesize(context.Background(), 1, "a", "en-US", 180)
	cache.Synthesize(context.Background(), 2, "b", "en-US", 180)
	if cache.Len() != 2 {
		t.Fatalf("len = %d, want 2", cache.Len())
	}

	cache.Clear()
	if cache.Len() != 0 {
		t.Fatalf("len after clear = %d", cache.Len())
	}
	cache.Synthesize(context.Background(), 1, "a", "en-US", 180)
	if synth.callCount() != 3 {
		t.Fatalf("expected re-synthesis after clear, calls = %d", synth.callCount())
	}
}

func TestClearDropsInFlightResult(t *testing.T) {
	synth := &fakeSynthesizer{size: 1024, release: make(chan struct{}), started: make(chan struct{}, 1)}
	cache := newTestCache(synth)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if got := cache.Synthesize(context.Background(), 5, "late", "en-US", 180); got != nil {
			t.Errorf("expected superseded synthesis to return nil, got %+v", got)
		}
	}()

	<-synth.started
	cache.Clear()
	close(synth.release)
	<-done

	if _, ok := cache.Lookup(5); ok {
		t.Fatal("result from before clear must not be stored")
	}
}

func TestSpeedRatio(t *testing.T) {
	cases := map[int]float32{180: 1, 0: 1, 90: 0.5, 270: 1.5}
	for wpm, want := range cases {
		if got := SpeedRatio(wpm); got != want {
			t.Fatalf("SpeedRatio(%d) = %v, want %v", wpm, got, want)
		}
	}
}

func TestVoiceForFallback(t *testing.T) {
	if v := VoiceFor(config.ProviderVolcengine, "xx-XX", "custom_voice"); v.Name != "custom_voice" {
		t.Fatalf("expected configured fallback voice, got %+v", v)
	}
	if v := VoiceFor(config.ProviderGoogle, "sv-SE", "sv-SE-Standard-A"); v.LanguageCode != "sv-SE" {
		t.Fatalf("expected language code from voice name, got %+v", v)
	}
	if v := VoiceFor(config.ProviderGoogle, "fr-FR", "ignored"); v.Name != "fr-FR-Standard-A" {
		t.Fatalf("mapped tag should win over fallback, got %+v", v)
	}
}
