package domain

// Tool enumerates gated product features.
type Tool string

const (
	ToolVeo          Tool = "veo"
	ToolBulk         Tool = "bulk"
	ToolScript       Tool = "script"
	ToolTextToImage  Tool = "textToImage"
	ToolImageToVideo Tool = "imageToVideo"
)

// BulkPolicy bounds bulk generation for a tier.
type BulkPolicy struct {
	MaxBatch     int
	DelaySeconds int
	MaxPrompts   int
}

// PlanPolicy is the full entitlement set of one tier.
type PlanPolicy struct {
	DailyLimit int
	Tools      []Tool
	Bulk       BulkPolicy
}

// HasTool reports whether the policy grants the tool.
func (p PlanPolicy) HasTool(t Tool) bool {
	for _, tool := range p.Tools {
		if tool == t {
			return true
		}
	}
	return false
}

var planPolicies = map[PlanTier]PlanPolicy{
	TierFree: {
		DailyLimit: 0,
		Tools:      []Tool{ToolVeo},
		Bulk:       BulkPolicy{},
	},
	TierScale: {
		DailyLimit: 1000,
		Tools:      []Tool{ToolVeo, ToolBulk},
		Bulk:       BulkPolicy{MaxBatch: 7, DelaySeconds: 30, MaxPrompts: 50},
	},
	TierEmpire: {
		DailyLimit: 2000,
		Tools:      []Tool{ToolVeo, ToolBulk, ToolScript, ToolTextToImage, ToolImageToVideo},
		Bulk:       BulkPolicy{MaxBatch: 10, DelaySeconds: 10, MaxPrompts: 100},
	},
}

// PolicyFor returns the policy of a tier, defaulting unknown tiers to free.
func PolicyFor(tier PlanTier) PlanPolicy {
	if p, ok := planPolicies[tier]; ok {
		return p
	}
	return planPolicies[TierFree]
}

// Decision is a plan-enforcement verdict. Checks never use errors as
// control flow; a denial is a value with a human-readable reason.
type Decision struct {
	Allowed         bool
	Reason          string
	RemainingVideos *int
}

// Allow is the affirmative decision.
func Allow() Decision { return Decision{Allowed: true} }

// AllowRemaining is an affirmative decision carrying the remaining quota.
func AllowRemaining(n int) Decision { return Decision{Allowed: true, RemainingVideos: &n} }

// Deny is a denial with a reason.
func Deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }
