package speech

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNoSpeech 表示识别结果为空或音频中没有可识别的语音。
	ErrNoSpeech = errors.New("no speech detected")
	// ErrPermissionDenied 表示凭证或访问权限问题。
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnsupportedFormat is returned by ClipDuration for containers beep cannot decode.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrEmptyText rejects synthesis requests without text.
	ErrEmptyText = errors.New("text is empty")
)

// APIError is a non-success response from a speech provider.
type APIError struct {
	Provider   string
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s speech api error (status %d, code %d): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s speech api error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrPermissionDenied) match auth failures.
func (e *APIError) Is(target error) bool {
	if target != ErrPermissionDenied {
		return false
	}
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsPermissionError reports whether err is an access fault. Provider
// messages mentioning permission, denied or access are treated the same way.
func IsPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermissionDenied) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "access")
}
