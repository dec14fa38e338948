package domain

// ChatMessage is the provider-agnostic chat message shape used by the LLM
// integration.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DreamAnalysis is the structured interpretation returned by the model.
// The recurring block is the model's own view for the current turn and is
// independent of the deterministic analysis served on the detail view.
type DreamAnalysis struct {
	Title              string                  `json:"title" validate:"required"`
	Summary            string                  `json:"summary" validate:"required"`
	Emotions           []string                `json:"emotions" validate:"len=3,dive,required"`
	Keywords           []string                `json:"keywords" validate:"min=4,dive,required"`
	CulturalReferences map[string]string       `json:"cultural_references" validate:"min=2,max=3,dive,keys,required,endkeys,required"`
	Advice             string                  `json:"advice" validate:"required"`
	Emoji              string                  `json:"emoji" validate:"required"`
	ImagePrompt        string                  `json:"dall-e-prompt" validate:"required"`
	MidjourneyPrompt   string                  `json:"midjourney-prompt"`
	Recurring          *RecurringDreamAnalysis `json:"recurring_dream_analysis,omitempty"`
}
