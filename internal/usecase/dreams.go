package usecase

import (
	"context"
	"errors"
	"html"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"dream-journal/internal/domain"
	"dream-journal/internal/quota"
	"dream-journal/internal/recurrence"
)

const defaultMaxDreamLength = 4000

type QuotaChecker interface {
	CheckAndConsume(ctx context.Context, userID string) (quota.Result, error)
}

type HistoryMatcher interface {
	GetPreviousDreamsContext(ctx context.Context, userID, excludeID string) recurrence.PreviousDreamsContext
	GenerateRecurringAnalysisForDream(ctx context.Context, dream domain.Dream, userID string) *domain.RecurringDreamAnalysis
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type DreamStore interface {
	CreateDream(ctx context.Context, dream domain.Dream) error
	GetDream(ctx context.Context, userID, dreamID string) (domain.Dream, error)
	ListDreams(ctx context.Context, userID string) ([]domain.Dream, error)
}

type DreamService struct {
	quota   QuotaChecker
	matcher HistoryMatcher
	llm     LLMClient
	store   DreamStore
	models  *ModelSettings
	logger  *slog.Logger
	maxLen  int
	policy  *bluemonday.Policy
	now     func() time.Time
}

type AnalyzeInput struct {
	UserID string
	Text   string
}

type AnalyzeOutput struct {
	Dream     domain.Dream
	Recurring *domain.RecurringDreamAnalysis
	Quota     quota.Result
}

type DreamDetail struct {
	Dream     domain.Dream
	Recurring *domain.RecurringDreamAnalysis
}

func NewDreamService(q QuotaChecker, m HistoryMatcher, llm LLMClient, s DreamStore, models *ModelSettings, logger *slog.Logger, maxDreamLength int) (*DreamService, error) {
	if q == nil {
		return nil, errors.New("usecase: quota checker must not be nil")
	}
	if m == nil {
		return nil, errors.New("usecase: history matcher must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: dream store must not be nil")
	}
	if models == nil {
		return nil, errors.New("usecase: model settings must not be nil")
	}
	if logger == nil {
		return nil, errors.New("usecase: logger must not be nil")
	}
	if maxDreamLength <= 0 {
		maxDreamLength = defaultMaxDreamLength
	}
	return &DreamService{
		quota:   q,
		matcher: m,
		llm:     llm,
		store:   s,
		models:  models,
		logger:  logger,
		maxLen:  maxDreamLength,
		policy:  bluemonday.StrictPolicy(),
		now:     time.Now,
	}, nil
}

// Analyze interprets a dream narrative. Quota is consumed before the model is
// called, so a failed call still counts against the allowance.
func (s *DreamService) Analyze(ctx context.Context, in AnalyzeInput) (AnalyzeOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return AnalyzeOutput{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	text := s.normalizeNarrative(in.Text)
	if text == "" {
		return AnalyzeOutput{}, newError(ErrorInvalidInput, "empty_dream", nil)
	}
	if utf8.RuneCountInString(text) > s.maxLen {
		return AnalyzeOutput{}, newError(ErrorInvalidInput, "dream_too_long", nil)
	}
	model, err := s.models.ChatModel(ctx)
	if err != nil {
		return AnalyzeOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	admitted, err := s.quota.CheckAndConsume(ctx, userID)
	if err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			return AnalyzeOutput{}, newError(ErrorQuotaExceeded, "quota_exceeded", err)
		}
		return AnalyzeOutput{}, newError(ErrorInternal, "quota_store_error", err)
	}

	history := s.matcher.GetPreviousDreamsContext(ctx, userID, "")

	raw, err := s.llm.Chat(ctx, model, buildAnalysisMessages(text, history.CompactSummary))
	if err != nil {
		s.logger.ErrorContext(ctx, "dream analysis failed", "user_id", userID, "err", err)
		return AnalyzeOutput{}, upstreamError("openai", err)
	}

	analysis, err := parseDreamAnalysis(raw)
	if err != nil {
		if errors.Is(err, errInvalidDream) {
			return AnalyzeOutput{}, newError(ErrorInvalidInput, "invalid_dream", nil)
		}
		s.logger.ErrorContext(ctx, "malformed dream analysis", "user_id", userID, "err", err)
		return AnalyzeOutput{}, newError(ErrorMalformedOutput, "openai_malformed_response", err)
	}

	now := s.now().UTC()
	dream := domain.Dream{
		ID:                 newDreamID(),
		UserID:             userID,
		Description:        text,
		Title:              analysis.Title,
		Summary:            analysis.Summary,
		Emotions:           analysis.Emotions,
		Keywords:           analysis.Keywords,
		CulturalReferences: analysis.CulturalReferences,
		Advice:             analysis.Advice,
		Emoji:              analysis.Emoji,
		ImagePrompt:        analysis.ImagePrompt,
		MidjourneyPrompt:   analysis.MidjourneyPrompt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateDream(ctx, dream); err != nil {
		return AnalyzeOutput{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}

	s.logger.InfoContext(ctx, "dream analyzed",
		"user_id", userID,
		"dream_id", dream.ID,
		"previous_dreams", history.DreamCount,
		"remaining", admitted.Remaining,
	)
	return AnalyzeOutput{Dream: dream, Recurring: analysis.Recurring, Quota: admitted}, nil
}

// Get returns one of the user's dreams with its connections to earlier
// entries.
func (s *DreamService) Get(ctx context.Context, userID, dreamID string) (DreamDetail, error) {
	userID = strings.TrimSpace(userID)
	dreamID = strings.TrimSpace(dreamID)
	if userID == "" {
		return DreamDetail{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	if dreamID == "" {
		return DreamDetail{}, newError(ErrorInvalidInput, "missing_dream_id", nil)
	}

	dream, err := s.store.GetDream(ctx, userID, dreamID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return DreamDetail{}, newError(ErrorNotFound, "dream_not_found", err)
		}
		return DreamDetail{}, newError(ErrorInternal, "dynamodb_read_error", err)
	}
	return DreamDetail{
		Dream:     dream,
		Recurring: s.matcher.GenerateRecurringAnalysisForDream(ctx, dream, userID),
	}, nil
}

func (s *DreamService) List(ctx context.Context, userID string) ([]domain.Dream, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, newError(ErrorInvalidInput, "missing_user", nil)
	}
	dreams, err := s.store.ListDreams(ctx, userID)
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_read_error", err)
	}
	return dreams, nil
}

func (s *DreamService) normalizeNarrative(text string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(text)))
}

var newDreamID = func() string {
	return uuid.Must(uuid.NewV7()).String()
}
