package speech

// AudioClip is one recording captured by the browser.
type AudioClip struct {
	Data   []byte `json:"-"`
	Format string `json:"format"` // wav, mp3, webm, etc.
}

// Size returns the clip length in bytes.
func (c AudioClip) Size() int {
	return len(c.Data)
}

// ASRRequest 语音识别请求
type ASRRequest struct {
	SessionID string `json:"sessionId"`
	AudioData []byte `json:"-"`
	Format    string `json:"format"`   // mp3, wav, webm, etc.
	Language  string `json:"language"` // zh-CN, en-US, etc.
}

// TTSRequest 语音合成请求
type TTSRequest struct {
	SessionID string  `json:"sessionId"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice"`    // 声音类型
	Speed     float32 `json:"speed"`    // 语速倍率，1.0 为正常语速
	Volume    float32 `json:"volume"`   // 音量 0.0-1.0
	Format    string  `json:"format"`   // mp3, wav, etc.
	Language  string  `json:"language"` // zh-CN, en-US, etc.
}
