package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎二进制帧：4 字节头 + 可选 sequence + 可选事件元数据 + payload。

const volcProtocolVersion = 0b0001

type volcMsgType uint8

const (
	volcFullClientRequest  volcMsgType = 0b0001
	volcAudioOnlyRequest   volcMsgType = 0b0010
	volcFullServerResponse volcMsgType = 0b1001
	volcAudioOnlyResponse  volcMsgType = 0b1011
	volcErrorResponse      volcMsgType = 0b1111
)

type volcFlags uint8

const (
	volcNoSequence       volcFlags = 0b0000
	volcPositiveSequence volcFlags = 0b0001
	volcLastNoSequence   volcFlags = 0b0010
	volcNegativeSequence volcFlags = 0b0011
	volcWithEvent        volcFlags = 0b0100
)

type volcSerialization uint8

const (
	volcRawPayload  volcSerialization = 0b0000
	volcJSONPayload volcSerialization = 0b0001
)

type volcCompression uint8

const (
	volcNoCompression   volcCompression = 0b0000
	volcGzipCompression volcCompression = 0b0001
)

const (
	volcEventStartConnection    int32 = 1
	volcEventFinishConnection   int32 = 2
	volcEventConnectionStarted  int32 = 50
	volcEventConnectionFailed   int32 = 51
	volcEventConnectionFinished int32 = 52
	volcEventSessionFinished    int32 = 152
)

type volcFrame struct {
	msgType       volcMsgType
	flags         volcFlags
	serialization volcSerialization
	compression   volcCompression

	sequence  int32
	event     int32
	sessionID string
	connectID string
	errorCode uint32
	payload   []byte
}

func (f *volcFrame) hasSequence() bool {
	s := f.flags & 0b0011
	return s == volcPositiveSequence || s == volcNegativeSequence
}

func (f *volcFrame) hasEvent() bool {
	return f.flags&volcWithEvent != 0
}

func (f *volcFrame) last() bool {
	s := f.flags & 0b0011
	return s == volcLastNoSequence || s == volcNegativeSequence
}

// connection-level events carry a connect id instead of a session id
func volcConnectionEvent(event int32) bool {
	switch event {
	case volcEventStartConnection, volcEventFinishConnection,
		volcEventConnectionStarted, volcEventConnectionFailed, volcEventConnectionFinished:
		return true
	}
	return false
}

func volcEventHasConnectID(event int32) bool {
	return event == volcEventConnectionStarted || event == volcEventConnectionFailed || event == volcEventConnectionFinished
}

func (f *volcFrame) marshal() []byte {
	out := make([]byte, 0, 16+len(f.payload))
	out = append(out,
		volcProtocolVersion<<4|0b0001,
		uint8(f.msgType)<<4|uint8(f.flags),
		uint8(f.serialization)<<4|uint8(f.compression),
		0x00,
	)

	if f.hasSequence() {
		out = binary.BigEndian.AppendUint32(out, uint32(f.sequence))
	}

	if f.hasEvent() {
		out = binary.BigEndian.AppendUint32(out, uint32(f.event))
		if !volcConnectionEvent(f.event) {
			out = appendSized(out, f.sessionID)
		}
		if volcEventHasConnectID(f.event) {
			out = appendSized(out, f.connectID)
		}
	}

	if f.msgType == volcErrorResponse {
		out = binary.BigEndian.AppendUint32(out, f.errorCode)
	}

	out = binary.BigEndian.AppendUint32(out, uint32(len(f.payload)))
	return append(out, f.payload...)
}

func appendSized(out []byte, s string) []byte {
	out = binary.BigEndian.AppendUint32(out, uint32(len(s)))
	return append(out, s...)
}

type frameCursor struct {
	buf []byte
	off int
}

func (c *frameCursor) take(n int, what string) ([]byte, error) {
	if n < 0 || c.off+n > len(c.buf) {
		return nil, fmt.Errorf("frame truncated reading %s: need %d bytes at offset %d, have %d", what, n, c.off, len(c.buf))
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *frameCursor) u32(what string) (uint32, error) {
	b, err := c.take(4, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *frameCursor) sized(what string) (string, error) {
	n, err := c.u32(what + " size")
	if err != nil {
		return "", err
	}
	b, err := c.take(int(n), what)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parseVolcFrame(data []byte) (*volcFrame, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("frame header too short: %d bytes", len(data))
	}
	if version := data[0] >> 4; version != volcProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}

	f := &volcFrame{
		msgType:       volcMsgType(data[1] >> 4),
		flags:         volcFlags(data[1] & 0x0F),
		serialization: volcSerialization(data[2] >> 4),
		compression:   volcCompression(data[2] & 0x0F),
	}

	headerSize := int(data[0]&0x0F) * 4
	if headerSize < 4 {
		headerSize = 4
	}
	cur := &frameCursor{buf: data}
	if _, err := cur.take(headerSize, "header"); err != nil {
		return nil, err
	}

	if f.hasSequence() {
		seq, err := cur.u32("sequence")
		if err != nil {
			return nil, err
		}
		f.sequence = int32(seq)
	}

	if f.hasEvent() {
		event, err := cur.u32("event")
		if err != nil {
			return nil, err
		}
		f.event = int32(event)
		if !volcConnectionEvent(f.event) {
			if f.sessionID, err = cur.sized("session id"); err != nil {
				return nil, err
			}
		}
		if volcEventHasConnectID(f.event) {
			if f.connectID, err = cur.sized("connect id"); err != nil {
				return nil, err
			}
		}
	}

	if f.msgType == volcErrorResponse {
		code, err := cur.u32("error code")
		if err != nil {
			return nil, err
		}
		f.errorCode = code
	}

	size, err := cur.u32("payload size")
	if err != nil {
		return nil, err
	}
	payload, err := cur.take(int(size), "payload")
	if err != nil {
		return nil, err
	}
	f.payload = payload
	return f, nil
}

// body returns the payload with compression removed.
func (f *volcFrame) body() ([]byte, error) {
	switch f.compression {
	case volcNoCompression:
		return f.payload, nil
	case volcGzipCompression:
		if len(f.payload) == 0 {
			return nil, nil
		}
		zr, err := gzip.NewReader(bytes.NewReader(f.payload))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", f.compression)
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func newVolcRequestFrame(payload []byte, compression volcCompression) *volcFrame {
	return &volcFrame{
		msgType:       volcFullClientRequest,
		flags:         volcNoSequence,
		serialization: volcJSONPayload,
		compression:   compression,
		payload:       payload,
	}
}

// newVolcAudioFrame builds an audio chunk; the final chunk carries a negated sequence.
func newVolcAudioFrame(chunk []byte, seq int32, last bool) *volcFrame {
	f := &volcFrame{
		msgType:       volcAudioOnlyRequest,
		serialization: volcRawPayload,
		compression:   volcGzipCompression,
		sequence:      seq,
		payload:       chunk,
	}
	switch {
	case last && seq != 0:
		f.flags = volcNegativeSequence
		f.sequence = -seq
	case last:
		f.flags = volcLastNoSequence
	case seq > 0:
		f.flags = volcPositiveSequence
	default:
		f.flags = volcNoSequence
	}
	return f
}
