package persona

// DefaultID is the personality every new session starts with.
const DefaultID = "general-assistant"

const (
	StudyBuddyID   = "study-buddy"
	FitnessCoachID = "fitness-coach"
	GamingHelperID = "gaming-helper"
)

// Persona is a named system-instruction preset exposed to the frontend.
type Persona struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Emoji        string `json:"emoji"`
	Description  string `json:"description"`
	SystemPrompt string `json:"-"`
}

// Seed returns the built-in personalities.
func Seed() []Persona {
	return []Persona{
		{
			ID:           DefaultID,
			Name:         "General Assistant",
			Emoji:        "🤖",
			Description:  "A versatile assistant ready to help with any topic",
			SystemPrompt: "You are a helpful and friendly AI assistant. Provide clear, accurate, and helpful responses to user questions.",
		},
		{
			ID:           StudyBuddyID,
			Name:         "Study Buddy",
			Emoji:        "📚",
			Description:  "Your learning companion for academic success",
			SystemPrompt: "You are a supportive study buddy. Help users learn by explaining concepts clearly, asking thoughtful questions, and encouraging understanding. Break down complex topics into digestible pieces.",
		},
		{
			ID:           FitnessCoachID,
			Name:         "Fitness Coach",
			Emoji:        "💪",
			Description:  "Motivational coach for health and fitness goals",
			SystemPrompt: "You are an enthusiastic fitness coach. Provide motivating advice on workouts, nutrition, and healthy lifestyle choices. Be encouraging and supportive while promoting safe exercise practices.",
		},
		{
			ID:           GamingHelperID,
			Name:         "Gaming Helper",
			Emoji:        "🎮",
			Description:  "Your guide to gaming strategies and tips",
			SystemPrompt: "You are a knowledgeable gaming companion. Help with game strategies, tips, walkthroughs, and gaming-related questions. Be enthusiastic and use gaming terminology appropriately.",
		},
	}
}
