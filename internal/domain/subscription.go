package domain

import "time"

// Plan names a subscription tier.
type Plan string

const (
	PlanBasic   Plan = "BASIC"
	PlanPremium Plan = "PREMIUM"
)

// PlanConfig is the static allowance attached to a plan.
type PlanConfig struct {
	MonthlyRequests  int
	WindowDays       int
	Label            string
	UpgradeAvailable bool
}

// Window returns the length of one quota period.
func (c PlanConfig) Window() time.Duration {
	return time.Duration(c.WindowDays) * 24 * time.Hour
}

// SubscriptionRecord holds a user's quota state for the current period.
// PeriodEnd is always PeriodStart plus the plan's window.
type SubscriptionRecord struct {
	UserID       string
	Plan         Plan
	RequestCount int
	PeriodStart  time.Time
	PeriodEnd    time.Time
}
