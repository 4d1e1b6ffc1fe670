// Package scanner defines the scanner kinds, plan tiers and job states shared
// by every stage of the admission pipeline.
package scanner

import (
	"fmt"
	"strings"
)

// Kind identifies one of the supported scan engines.
type Kind string

const (
	KindNmap    Kind = "nmap"
	KindOpenVAS Kind = "openvas"
	KindZAP     Kind = "zap"
)

// Kinds returns every supported kind in a fixed order.
func Kinds() []Kind {
	return []Kind{KindNmap, KindOpenVAS, KindZAP}
}

// ParseKind parses a scanner kind, ignoring case and surrounding space.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown scanner type %q", s)
	}
	return k, nil
}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case KindNmap, KindOpenVAS, KindZAP:
		return true
	}
	return false
}

// IsWebApp reports whether targets for this kind are URLs rather than hosts.
func (k Kind) IsWebApp() bool {
	return k == KindZAP
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return string(k)
}

// Units maps each scanner kind to a unit count. It is used for both purchased
// limits and consumed counters.
type Units map[Kind]int

// Get returns the count for k, treating a missing entry as zero.
func (u Units) Get(k Kind) int {
	if u == nil {
		return 0
	}
	return u[k]
}

// Total sums all kinds.
func (u Units) Total() int {
	total := 0
	for _, v := range u {
		total += v
	}
	return total
}

// Tier is a subscription plan.
type Tier string

const (
	TierFree      Tier = "free"
	TierEssential Tier = "essential"
	TierPro       Tier = "pro"
	TierScale     Tier = "scale"
)

// ParseTier parses a plan tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TierFree, TierEssential, TierPro, TierScale:
		return t, nil
	}
	return "", fmt.Errorf("unknown plan tier %q", s)
}

// PlanLimits returns the per-kind allowance granted by a plan tier.
func PlanLimits(t Tier) Units {
	per := 0
	switch t {
	case TierEssential:
		per = 5
	case TierPro:
		per = 25
	case TierScale:
		per = 100
	}
	return Units{KindNmap: per, KindOpenVAS: per, KindZAP: per}
}

// SignupAllowance is the free allowance seeded for a new account.
func SignupAllowance() Units {
	return Units{KindNmap: 1, KindOpenVAS: 1, KindZAP: 1}
}

// SubscriptionStatus is the payment processor's view of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionNone     SubscriptionStatus = "none"
)

// PermitsAdmission reports whether new scans may be admitted.
func (s SubscriptionStatus) PermitsAdmission() bool {
	return s == SubscriptionActive
}

// JobStatus is the lifecycle state of a scan job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// NormalizeReportedStatus folds the spellings used by the different workers
// into a JobStatus. An absent status means the worker finished. Unknown
// spellings are treated as failures.
func NormalizeReportedStatus(s string) JobStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "completed", "complete", "done", "success", "succeeded":
		return StatusCompleted
	case "in_progress", "running", "started", "processing":
		return StatusInProgress
	case "queued", "pending":
		return StatusQueued
	default:
		return StatusFailed
	}
}
