package speech

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"time"

	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
)

// makeWAV returns a 16kHz mono 16-bit PCM clip of the given length.
func makeWAV(d time.Duration) []byte {
	const (
		sampleRate = 16000
		channels   = 1
		bits       = 16
	)
	samples := int(d.Seconds() * sampleRate)
	dataSize := samples * channels * bits / 8

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*channels*bits/8))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*bits/8))
	binary.Write(&buf, binary.LittleEndian, uint16(bits))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(make([]byte, dataSize))
	return buf.Bytes()
}

type fakeRecognizer struct {
	mu    sync.Mutex
	calls int
	last  *speechmodel.ASRRequest
	text  string
	err   error
}

func (f *fakeRecognizer) Recognize(_ context.Context, req *speechmodel.ASRRequest) (*speechmodel.ASRResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &speechmodel.ASRResponse{SessionID: req.SessionID, Text: f.text}, nil
}

type fakeSynthesizer struct {
	mu      sync.Mutex
	calls   int
	last    *speechmodel.TTSRequest
	size    int
	err     error
	release chan struct{}
	started chan struct{}
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, req *speechmodel.TTSRequest) (*speechmodel.TTSResponse, error) {
	f.mu.Lock()
	f.calls++
	f.last = req
	release, started := f.release, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &speechmodel.TTSResponse{AudioData: make([]byte, f.size), Format: "mp3"}, nil
}

func (f *fakeSynthesizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
