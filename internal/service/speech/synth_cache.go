package speech

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/zhouzirui/voicechat/backend/internal/logger"
	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
)

const (
	// MaxSynthesisRunes bounds the text sent to TTS; longer replies are truncated.
	MaxSynthesisRunes = 1000
	// MinAudioBytes is the smallest payload accepted as real audio.
	MinAudioBytes = 512
)

// SynthesisCache synthesizes each message at most once. A nil entry records a
// failed synthesis and is returned as-is on later calls.
type SynthesisCache struct {
	synth     Synthesizer
	provider  string
	fallback  string
	timeout   time.Duration
	sessionID string

	mu         sync.Mutex
	entries    map[uint64]*speechmodel.AudioResult
	inflight   map[uint64]*pendingSynthesis
	generation uint64
}

type pendingSynthesis struct {
	done   chan struct{}
	result *speechmodel.AudioResult
}

// NewSynthesisCache creates an empty cache for one session.
func NewSynthesisCache(synth Synthesizer, provider, fallbackVoice string, timeout time.Duration, sessionID string) *SynthesisCache {
	return &SynthesisCache{
		synth:     synth,
		provider:  provider,
		fallback:  fallbackVoice,
		timeout:   timeout,
		sessionID: sessionID,
		entries:   make(map[uint64]*speechmodel.AudioResult),
		inflight:  make(map[uint64]*pendingSynthesis),
	}
}

// Synthesize returns the cached result for messageID, calling the provider on a miss.
func (c *SynthesisCache) Synthesize(ctx context.Context, messageID uint64, text, tag string, wpm int) *speechmodel.AudioResult {
	c.mu.Lock()
	if result, ok := c.entries[messageID]; ok {
		c.mu.Unlock()
		return result
	}
	if p, ok := c.inflight[messageID]; ok {
		c.mu.Unlock()
		select {
		case <-p.done:
			return p.result
		case <-ctx.Done():
			return nil
		}
	}
	p := &pendingSynthesis{done: make(chan struct{})}
	c.inflight[messageID] = p
	generation := c.generation
	c.mu.Unlock()

	result := c.call(ctx, messageID, text, tag, wpm)

	c.mu.Lock()
	if c.inflight[messageID] == p {
		delete(c.inflight, messageID)
	}
	if c.generation == generation {
		c.entries[messageID] = result
	} else {
		// cleared while synthesizing
		result = nil
	}
	c.mu.Unlock()

	p.result = result
	close(p.done)
	return result
}

func (c *SynthesisCache) call(ctx context.Context, messageID uint64, text, tag string, wpm int) *speechmodel.AudioResult {
	logger := logger.Component("tts").With().Str("session", c.sessionID).Uint64("message", messageID).Logger()

	text = truncateRunes(strings.TrimSpace(text), MaxSynthesisRunes)
	if text == "" {
		return nil
	}
	voice := VoiceFor(c.provider, tag, c.fallback)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.synth.Synthesize(ctx, &speechmodel.TTSRequest{
		SessionID: c.sessionID,
		Text:      text,
		Voice:     voice.Name,
		Speed:     SpeedRatio(wpm),
		Format:    "mp3",
		Language:  tag,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("synthesis failed")
		return nil
	}
	if len(resp.AudioData) < MinAudioBytes {
		logger.Warn().Int("bytes", len(resp.AudioData)).Msg("synthesized audio too small")
		return nil
	}

	format := resp.Format
	if format == "" {
		format = "mp3"
	}
	return &speechmodel.AudioResult{
		MessageID: messageID,
		Audio:     resp.AudioData,
		Format:    format,
		Voice:     voice.Name,
	}
}

// Lookup returns a cached entry without synthesizing.
func (c *SynthesisCache) Lookup(messageID uint64) (*speechmodel.AudioResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.entries[messageID]
	return result, ok
}

// Clear drops every entry. Syntheses already running will not be stored.
func (c *SynthesisCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[uint64]*speechmodel.AudioResult)
	c.inflight = make(map[uint64]*pendingSynthesis)
	c.generation++
	c.mu.Unlock()
}

// Len reports the number of cached entries, failures included.
func (c *SynthesisCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
