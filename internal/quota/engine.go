// Package quota decides whether a user may spend one more model request in
// the current subscription period and records the spend.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"dream-journal/internal/domain"
)

const defaultMaxAttempts = 5

// ErrContended is returned when the store kept rejecting conditional writes
// for the same user and the engine gave up.
var ErrContended = errors.New("quota: too many concurrent updates")

// Store is the subscription record collaborator. Every mutating call is
// conditional and reports domain.ErrConditionFailed when the record no longer
// matches what the caller read.
type Store interface {
	// GetOrCreateSubscription returns the user's record, creating it from
	// initial when absent.
	GetOrCreateSubscription(ctx context.Context, initial domain.SubscriptionRecord) (domain.SubscriptionRecord, error)
	// ResetPeriod zeroes the counter and moves the period, only if the stored
	// period still ends at expectedEnd.
	ResetPeriod(ctx context.Context, userID string, expectedEnd, start, end time.Time) (domain.SubscriptionRecord, error)
	// IncrementRequestCount adds one request, only if the stored period still
	// ends at periodEnd and the count is below limit.
	IncrementRequestCount(ctx context.Context, userID string, periodEnd time.Time, limit int) (domain.SubscriptionRecord, error)
}

// Result describes the quota left after an admitted request.
type Result struct {
	Remaining int
	Limit     int
	PeriodEnd time.Time
	Plan      domain.Plan
}

// ExceededError rejects a request once the period allowance is spent.
type ExceededError struct {
	Limit      int
	WindowDays int
	PeriodEnd  time.Time
	Plan       domain.Plan
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota: plan limit exceeded, %d requests per %d days", e.Limit, e.WindowDays)
}

// ResetAt is when the allowance refills.
func (e *ExceededError) ResetAt() time.Time {
	return e.PeriodEnd
}

// Usage is a read-only view of the current period.
type Usage struct {
	Plan           domain.Plan
	Label          string
	CurrentCount   int
	Limit          int
	Percentage     float64
	CanUpgrade     bool
	DaysUntilReset int
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// DefaultPlans returns the built-in plan table.
func DefaultPlans() map[domain.Plan]domain.PlanConfig {
	return map[domain.Plan]domain.PlanConfig{
		domain.PlanBasic:   {MonthlyRequests: 10, WindowDays: 30, Label: "Free", UpgradeAvailable: true},
		domain.PlanPremium: {MonthlyRequests: 1000, WindowDays: 30, Label: "Premium", UpgradeAvailable: false},
	}
}

type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMaxAttempts bounds retries after lost conditional writes.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// Engine enforces per-user request quotas.
type Engine struct {
	store       Store
	plans       map[domain.Plan]domain.PlanConfig
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
}

func NewEngine(store Store, plans map[domain.Plan]domain.PlanConfig, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("quota: store must not be nil")
	}
	if logger == nil {
		return nil, errors.New("quota: logger must not be nil")
	}
	if _, ok := plans[domain.PlanBasic]; !ok {
		return nil, errors.New("quota: plan table must define BASIC")
	}
	for plan, cfg := range plans {
		if cfg.MonthlyRequests <= 0 || cfg.WindowDays <= 0 {
			return nil, fmt.Errorf("quota: plan %s must have positive requests and window", plan)
		}
	}
	e := &Engine{
		store:       store,
		plans:       plans,
		logger:      logger,
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// CheckAndConsume admits one request for userID or rejects it with
// *ExceededError. A rejected request is never counted.
func (e *Engine) CheckAndConsume(ctx context.Context, userID string) (Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Result{}, errors.New("quota: user id must not be empty")
	}

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		now := e.now().UTC()
		rec, err := e.currentPeriod(ctx, userID, now)
		if err != nil {
			return Result{}, err
		}
		cfg, err := e.planConfig(rec.Plan)
		if err != nil {
			return Result{}, err
		}

		limit := cfg.MonthlyRequests
		if limit-rec.RequestCount <= 0 {
			e.logger.InfoContext(ctx, "quota exceeded",
				"user_id", userID, "plan", rec.Plan, "limit", limit, "period_end", rec.PeriodEnd)
			return Result{}, &ExceededError{
				Limit:      limit,
				WindowDays: cfg.WindowDays,
				PeriodEnd:  rec.PeriodEnd,
				Plan:       rec.Plan,
			}
		}

		// Check and increment are one conditional write: the store refuses the
		// increment if another request took the last unit or rolled the period.
		updated, err := e.store.IncrementRequestCount(ctx, userID, rec.PeriodEnd, limit)
		if errors.Is(err, domain.ErrConditionFailed) {
			e.logger.DebugContext(ctx, "quota increment lost race, retrying", "user_id", userID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("quota: increment request count: %w", err)
		}
		return Result{
			Remaining: limit - updated.RequestCount,
			Limit:     limit,
			PeriodEnd: updated.PeriodEnd,
			Plan:      updated.Plan,
		}, nil
	}
	return Result{}, ErrContended
}

// Usage reports the user's consumption without spending quota. A lapsed
// period is reported as the fresh period the next request would open.
func (e *Engine) Usage(ctx context.Context, userID string) (Usage, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Usage{}, errors.New("quota: user id must not be empty")
	}
	now := e.now().UTC()
	rec, err := e.store.GetOrCreateSubscription(ctx, e.initialRecord(userID, now))
	if err != nil {
		return Usage{}, fmt.Errorf("quota: get subscription: %w", err)
	}
	cfg, err := e.planConfig(rec.Plan)
	if err != nil {
		return Usage{}, err
	}
	if now.After(rec.PeriodEnd) {
		rec.RequestCount = 0
		rec.PeriodStart = now
		rec.PeriodEnd = now.Add(cfg.Window())
	}
	return Usage{
		Plan:           rec.Plan,
		Label:          cfg.Label,
		CurrentCount:   rec.RequestCount,
		Limit:          cfg.MonthlyRequests,
		Percentage:     usagePercentage(rec.RequestCount, cfg.MonthlyRequests),
		CanUpgrade:     cfg.UpgradeAvailable,
		DaysUntilReset: daysUntil(now, rec.PeriodEnd),
		PeriodStart:    rec.PeriodStart,
		PeriodEnd:      rec.PeriodEnd,
	}, nil
}

// currentPeriod loads the record and rolls it over when the period has
// elapsed. now equal to PeriodEnd still belongs to the old period.
func (e *Engine) currentPeriod(ctx context.Context, userID string, now time.Time) (domain.SubscriptionRecord, error) {
	rec, err := e.store.GetOrCreateSubscription(ctx, e.initialRecord(userID, now))
	if err != nil {
		return domain.SubscriptionRecord{}, fmt.Errorf("quota: get subscription: %w", err)
	}
	if !now.After(rec.PeriodEnd) {
		return rec, nil
	}

	// The new period takes the plan's current window length.
	cfg, err := e.planConfig(rec.Plan)
	if err != nil {
		return domain.SubscriptionRecord{}, err
	}
	reset, err := e.store.ResetPeriod(ctx, userID, rec.PeriodEnd, now, now.Add(cfg.Window()))
	if errors.Is(err, domain.ErrConditionFailed) {
		// Another request already rolled the period over.
		rec, err = e.store.GetOrCreateSubscription(ctx, e.initialRecord(userID, now))
		if err != nil {
			return domain.SubscriptionRecord{}, fmt.Errorf("quota: reload subscription: %w", err)
		}
		return rec, nil
	}
	if err != nil {
		return domain.SubscriptionRecord{}, fmt.Errorf("quota: reset period: %w", err)
	}
	e.logger.InfoContext(ctx, "quota period rolled over",
		"user_id", userID, "plan", reset.Plan, "period_end", reset.PeriodEnd)
	return reset, nil
}

func (e *Engine) initialRecord(userID string, now time.Time) domain.SubscriptionRecord {
	basic := e.plans[domain.PlanBasic]
	return domain.SubscriptionRecord{
		UserID:       userID,
		Plan:         domain.PlanBasic,
		RequestCount: 0,
		PeriodStart:  now,
		PeriodEnd:    now.Add(basic.Window()),
	}
}

func (e *Engine) planConfig(plan domain.Plan) (domain.PlanConfig, error) {
	cfg, ok := e.plans[plan]
	if !ok {
		return domain.PlanConfig{}, fmt.Errorf("quota: unknown plan %q", plan)
	}
	return cfg, nil
}

func usagePercentage(count, limit int) float64 {
	if limit <= 0 {
		return 100
	}
	return math.Min(float64(count)/float64(limit)*100, 100)
}

func daysUntil(now, end time.Time) int {
	diff := end.Sub(now)
	if diff <= 0 {
		return 0
	}
	return int(math.Ceil(diff.Hours() / 24))
}
