package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"dream-journal/internal/domain"
	"dream-journal/internal/quota"
)

type UsageReader interface {
	Usage(ctx context.Context, userID string) (quota.Usage, error)
}

type AccountStore interface {
	ListDreams(ctx context.Context, userID string) ([]domain.Dream, error)
	DeleteUserDreams(ctx context.Context, userID string) (int, error)
}

// AccountService serves the per-user views that sit outside the journal
// itself: quota usage, data export and erasure.
type AccountService struct {
	usage  UsageReader
	store  AccountStore
	logger *slog.Logger
	now    func() time.Time
}

type Export struct {
	UserID     string         `json:"userId"`
	ExportDate time.Time      `json:"exportDate"`
	DreamCount int            `json:"dreamCount"`
	Dreams     []domain.Dream `json:"dreams"`
}

func NewAccountService(u UsageReader, s AccountStore, logger *slog.Logger) (*AccountService, error) {
	if u == nil {
		return nil, errors.New("usecase: usage reader must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: account store must not be nil")
	}
	if logger == nil {
		return nil, errors.New("usecase: logger must not be nil")
	}
	return &AccountService{usage: u, store: s, logger: logger, now: time.Now}, nil
}

func (s *AccountService) Usage(ctx context.Context, userID string) (quota.Usage, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return quota.Usage{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	u, err := s.usage.Usage(ctx, userID)
	if err != nil {
		return quota.Usage{}, newError(ErrorInternal, "quota_store_error", err)
	}
	return u, nil
}

func (s *AccountService) Export(ctx context.Context, userID string) (Export, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Export{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	dreams, err := s.store.ListDreams(ctx, userID)
	if err != nil {
		return Export{}, newError(ErrorInternal, "dynamodb_read_error", err)
	}
	if dreams == nil {
		dreams = []domain.Dream{}
	}
	return Export{
		UserID:     userID,
		ExportDate: s.now().UTC(),
		DreamCount: len(dreams),
		Dreams:     dreams,
	}, nil
}

// Erase deletes every dream the user owns. The subscription record stays so
// the quota cannot be reset by erasing data.
func (s *AccountService) Erase(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, newError(ErrorInvalidInput, "missing_user", nil)
	}
	n, err := s.store.DeleteUserDreams(ctx, userID)
	if err != nil {
		return n, newError(ErrorInternal, "dynamodb_delete_error", err)
	}
	s.logger.InfoContext(ctx, "user dreams erased", "user_id", userID, "count", n)
	return n, nil
}
