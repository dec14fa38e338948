package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"dream-journal/internal/domain"
)

const invalidDreamMarker = "invalid_dream"

var errInvalidDream = errors.New("usecase: model rejected input as not a dream")

var analysisValidator = newAnalysisValidator()

func newAnalysisValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func buildAnalysisMessages(dream, compactSummary string) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildAnalysisPrompt()},
	}
	if history := strings.TrimSpace(compactSummary); history != "" {
		messages = append(messages, domain.ChatMessage{
			Role:    "system",
			Content: buildHistoryPrompt(history),
		})
	}
	return append(messages, domain.ChatMessage{Role: "user", Content: dream})
}

func buildAnalysisPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are a dream interpretation expert.",
		"",
		"Task:",
		"Analyze the user's dream and return a single JSON object.",
		"",
		"Fields:",
		analysisFields(),
		"",
		"Behavior Rules:",
		"1) Use a neutral, professional tone.",
		"2) Avoid markdown.",
		"3) Keep the written fields under 200 words in total.",
		"",
		"Output Contract:",
		fmt.Sprintf("Return JSON only. If the text is not a dream, return {\"error\": %q}.", invalidDreamMarker),
	}, "\n")
}

func analysisFields() string {
	return strings.Join([]string{
		`- "title": a short title for the dream.`,
		`- "summary": a 3-4 sentence interpretation.`,
		`- "emoji": the single emoji that best represents the dream.`,
		`- "emotions": the top 3 emotions, each prefixed with an emoji, e.g. ["😨 fear", "🤔 curiosity", "😕 confusion"].`,
		`- "keywords": at least 4 symbolic keywords, e.g. ["ocean", "falling", "darkness", "door"].`,
		`- "cultural_references": an object mapping 2-3 cultures to the symbolic meaning of the dream in that culture.`,
		`- "advice": a short tip for the dreamer.`,
		`- "dall-e-prompt": an image prompt in the form "mood, quality, lens, source, description, subject, setting, purpose, destination".`,
		`- "midjourney-prompt": a detailed image prompt that conveys the emotions of the dream.`,
	}, "\n")
}

func buildHistoryPrompt(history string) string {
	return strings.Join([]string{
		"Dream History:",
		history,
		"",
		"If the current dream shares themes or emotions with this history, add a " +
			`"recurring_dream_analysis" object with keys hasConnections (boolean), ` +
			"connectedDreams (array of objects with id, title, date, connection), " +
			"patterns (array of strings) and interpretation (string). Otherwise omit it.",
	}, "\n")
}

type modelRejection struct {
	Error string `json:"error"`
}

func parseDreamAnalysis(raw string) (domain.DreamAnalysis, error) {
	body := strings.TrimSpace(raw)
	if body == "" {
		return domain.DreamAnalysis{}, errors.New("usecase: decode dream analysis: empty response")
	}

	var rejection modelRejection
	if err := json.Unmarshal([]byte(body), &rejection); err == nil && rejection.Error != "" {
		if rejection.Error == invalidDreamMarker {
			return domain.DreamAnalysis{}, errInvalidDream
		}
		return domain.DreamAnalysis{}, fmt.Errorf("usecase: decode dream analysis: model error %q", rejection.Error)
	}

	var out domain.DreamAnalysis
	dec := json.NewDecoder(bytes.NewBufferString(body))
	if err := dec.Decode(&out); err != nil {
		return domain.DreamAnalysis{}, fmt.Errorf("usecase: decode dream analysis: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return domain.DreamAnalysis{}, errors.New("usecase: decode dream analysis: multiple JSON values")
		}
		return domain.DreamAnalysis{}, fmt.Errorf("usecase: decode dream analysis trailing data: %w", err)
	}
	trimAnalysis(&out)
	if err := analysisValidator.Struct(out); err != nil {
		return domain.DreamAnalysis{}, fmt.Errorf("usecase: validate dream analysis: %w", err)
	}
	return out, nil
}

func trimAnalysis(a *domain.DreamAnalysis) {
	a.Title = strings.TrimSpace(a.Title)
	a.Summary = strings.TrimSpace(a.Summary)
	a.Advice = strings.TrimSpace(a.Advice)
	a.Emoji = strings.TrimSpace(a.Emoji)
	a.ImagePrompt = strings.TrimSpace(a.ImagePrompt)
	a.MidjourneyPrompt = strings.TrimSpace(a.MidjourneyPrompt)
	for i := range a.Emotions {
		a.Emotions[i] = strings.TrimSpace(a.Emotions[i])
	}
	for i := range a.Keywords {
		a.Keywords[i] = strings.TrimSpace(a.Keywords[i])
	}
}
