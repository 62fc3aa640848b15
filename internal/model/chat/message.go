package chat

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn. Only HasAudio changes after it is appended.
// ID is monotonic within a session and never reused, so it is safe as a cache key.
type Message struct {
	ID        uint64    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Index     int       `json:"index"`
	HasAudio  bool      `json:"hasAudio"`
	CreatedAt time.Time `json:"createdAt"`
}
