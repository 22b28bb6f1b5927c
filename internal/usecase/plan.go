// Package usecase wires the application's operations: plan enforcement,
// submission, status checks, and administration.
package usecase

import (
	"fmt"
	"time"

	"github.com/reelforge/reelforge/internal/domain"
)

// PlanService answers entitlement questions. Admins bypass every check and
// are treated as the top tier.
type PlanService struct {
	now func() time.Time
}

// NewPlanService constructs a PlanService.
func NewPlanService() *PlanService {
	return &PlanService{now: time.Now}
}

// WithClock overrides the time source; for tests.
func (s *PlanService) WithClock(now func() time.Time) *PlanService {
	s.now = now
	return s
}

// effectivePolicy resolves the policy the user operates under, accounting
// for admin bypass and expiry downgrades.
func (s *PlanService) effectivePolicy(u domain.User) domain.PlanPolicy {
	if u.IsAdmin() {
		return domain.PolicyFor(domain.TierEmpire)
	}
	if s.IsPlanExpired(u) {
		return domain.PolicyFor(domain.TierFree)
	}
	return domain.PolicyFor(u.Plan)
}

// IsPlanExpired reports whether a paid plan has lapsed. Free plans and
// admins never expire; a paid plan with no expiry runs forever.
func (s *PlanService) IsPlanExpired(u domain.User) bool {
	if u.IsAdmin() || u.Plan == domain.TierFree {
		return false
	}
	if u.PlanExpiresAt == nil {
		return false
	}
	return s.now().After(*u.PlanExpiresAt)
}

// CanAccessTool checks whether the user's tier grants a tool.
func (s *PlanService) CanAccessTool(u domain.User, tool domain.Tool) domain.Decision {
	if u.IsAdmin() {
		return domain.Allow()
	}
	if s.IsPlanExpired(u) {
		return domain.Deny("your plan has expired, renew to keep generating")
	}
	if !s.effectivePolicy(u).HasTool(tool) {
		return domain.Deny(fmt.Sprintf("your plan does not include %s", tool))
	}
	return domain.Allow()
}

// CanGenerateVideo checks the daily quota for n additional videos and
// reports the remaining headroom after them.
func (s *PlanService) CanGenerateVideo(u domain.User, n int) domain.Decision {
	if u.IsAdmin() {
		return domain.Allow()
	}
	if s.IsPlanExpired(u) {
		return domain.Deny("your plan has expired, renew to keep generating")
	}
	policy := s.effectivePolicy(u)
	if policy.DailyLimit <= 0 {
		return domain.Deny("video generation is not included in your plan")
	}
	remaining := policy.DailyLimit - u.DailyCount
	if remaining < n {
		return domain.Deny(fmt.Sprintf("daily limit reached (%d of %d used)", u.DailyCount, policy.DailyLimit))
	}
	return domain.AllowRemaining(remaining - n)
}

// CanBulkGenerate checks bulk access and the per-request prompt cap, then
// the daily quota for the whole batch.
func (s *PlanService) CanBulkGenerate(u domain.User, count int) domain.Decision {
	if d := s.CanAccessTool(u, domain.ToolBulk); !d.Allowed {
		return d
	}
	if u.IsAdmin() {
		return domain.Allow()
	}
	policy := s.effectivePolicy(u)
	if policy.Bulk.MaxPrompts > 0 && count > policy.Bulk.MaxPrompts {
		return domain.Deny(fmt.Sprintf("your plan allows at most %d prompts per request", policy.Bulk.MaxPrompts))
	}
	return s.CanGenerateVideo(u, count)
}

// BatchConfig returns the pacing the user's tier imposes on the submission
// queue, or zeroes when the tier has no bulk policy.
func (s *PlanService) BatchConfig(u domain.User) domain.BulkPolicy {
	return s.effectivePolicy(u).Bulk
}
