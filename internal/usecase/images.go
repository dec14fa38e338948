package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"dream-journal/internal/domain"
	"dream-journal/internal/integrations/openai"
	"dream-journal/internal/sanitize"
)

const (
	imageSize    = "1024x1024"
	imageQuality = "standard"
	imageStyle   = "natural"
)

type ImageClient interface {
	Moderate(ctx context.Context, input string) (bool, error)
	GenerateImage(ctx context.Context, in openai.ImageRequest) (openai.Image, error)
}

type DreamImageStore interface {
	GetDream(ctx context.Context, userID, dreamID string) (domain.Dream, error)
	SaveDreamImage(ctx context.Context, userID, dreamID, prompt, imageURL string, at time.Time) (domain.Dream, error)
}

type ImageService struct {
	images ImageClient
	store  DreamImageStore
	models *ModelSettings
	logger *slog.Logger
	now    func() time.Time
}

type ImageInput struct {
	UserID  string
	DreamID string
	// Prompt overrides the dream's stored image prompt when set.
	Prompt string
}

type ImageOutput struct {
	DreamID       string
	ImageURL      string
	Prompt        string
	RevisedPrompt string
}

func NewImageService(images ImageClient, s DreamImageStore, models *ModelSettings, logger *slog.Logger) (*ImageService, error) {
	if images == nil {
		return nil, errors.New("usecase: image client must not be nil")
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
	return &ImageService{images: images, store: s, models: models, logger: logger, now: time.Now}, nil
}

// Generate renders an image for one of the user's dreams. The prompt is
// always rewritten before it leaves the process.
func (s *ImageService) Generate(ctx context.Context, in ImageInput) (ImageOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	dreamID := strings.TrimSpace(in.DreamID)
	if userID == "" {
		return ImageOutput{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	if dreamID == "" {
		return ImageOutput{}, newError(ErrorInvalidInput, "missing_dream_id", nil)
	}
	model, err := s.models.ImageModel(ctx)
	if err != nil {
		return ImageOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	dream, err := s.store.GetDream(ctx, userID, dreamID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ImageOutput{}, newError(ErrorNotFound, "dream_not_found", err)
		}
		return ImageOutput{}, newError(ErrorInternal, "dynamodb_read_error", err)
	}

	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		prompt = strings.TrimSpace(dream.ImagePrompt)
	}
	if prompt == "" {
		return ImageOutput{}, newError(ErrorInvalidInput, "empty_prompt", nil)
	}

	rewritten := sanitize.Rewrite(prompt)
	if rewritten.Changed() {
		s.logger.InfoContext(ctx, "image prompt sanitized",
			"dream_id", dreamID,
			"rules", rewritten.Rules,
			"before", prompt,
			"after", rewritten.Sanitized,
		)
	}

	flagged, err := s.images.Moderate(ctx, rewritten.Sanitized)
	if err != nil {
		return ImageOutput{}, upstreamError("moderation", err)
	}
	if flagged {
		return ImageOutput{}, newError(ErrorInvalidInput, "moderation_flagged", nil)
	}

	img, err := s.images.GenerateImage(ctx, openai.ImageRequest{
		Model:   model,
		Prompt:  rewritten.Sanitized,
		User:    userID,
		Size:    imageSize,
		Quality: imageQuality,
		Style:   imageStyle,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "image generation failed", "dream_id", dreamID, "err", err)
		return ImageOutput{}, upstreamError("image", err)
	}
	if img.URL == "" {
		return ImageOutput{}, newError(ErrorMalformedOutput, "image_missing_url", nil)
	}

	if _, err := s.store.SaveDreamImage(ctx, userID, dreamID, rewritten.Sanitized, img.URL, s.now().UTC()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ImageOutput{}, newError(ErrorNotFound, "dream_not_found", err)
		}
		return ImageOutput{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}

	return ImageOutput{
		DreamID:       dreamID,
		ImageURL:      img.URL,
		Prompt:        rewritten.Sanitized,
		RevisedPrompt: img.RevisedPrompt,
	}, nil
}
