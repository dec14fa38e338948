package domain

import "time"

// Dream is a persisted journal entry together with its interpretation.
type Dream struct {
	ID                 string            `json:"id"`
	UserID             string            `json:"userId"`
	Description        string            `json:"description"`
	Title              string            `json:"title"`
	Summary            string            `json:"summary"`
	Emotions           []string          `json:"emotions"`
	Keywords           []string          `json:"keywords"`
	CulturalReferences map[string]string `json:"culturalReferences"`
	Advice             string            `json:"advice"`
	Emoji              string            `json:"emoji"`
	ImagePrompt        string            `json:"imagePrompt"`
	MidjourneyPrompt   string            `json:"midjourneyPrompt,omitempty"`
	ImageURL           string            `json:"imageUrl,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// DreamSummary is a read-only snapshot of a past dream. Emotions carry a
// leading emoji followed by a label, e.g. "😨 fear".
type DreamSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Keywords  []string  `json:"keywords"`
	Emotions  []string  `json:"emotions"`
	CreatedAt time.Time `json:"createdAt"`
	Summary   string    `json:"summary"`
}

// ConnectedDream is a past dream linked to the one being viewed.
type ConnectedDream struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Date       string `json:"date"`
	Connection string `json:"connection"`
}

// RecurringDreamAnalysis is derived on demand and never persisted.
type RecurringDreamAnalysis struct {
	HasConnections  bool             `json:"hasConnections"`
	ConnectedDreams []ConnectedDream `json:"connectedDreams"`
	Patterns        []string         `json:"patterns"`
	Interpretation  string           `json:"interpretation"`
}
