// Package decision fuses the quality, forgery and mismatch scores into a disposition.
package decision

import (
	"fmt"

	"github.com/example/docverify/internal/config"
)

// Disposition is the outcome of a verification attempt.
type Disposition string

const (
	Approve         Disposition = "APPROVE"
	ManualReview    Disposition = "MANUAL_REVIEW"
	Reject          Disposition = "REJECT"
	RequestNewImage Disposition = "REQUEST_NEW_IMAGE"
)

// severity orders dispositions so overrides can only escalate.
func (d Disposition) severity() int {
	switch d {
	case Approve:
		return 0
	case ManualReview:
		return 1
	case Reject:
		return 2
	case RequestNewImage:
		return 3
	default:
		return -1
	}
}

// Escalate returns the more severe of d and other.
func (d Disposition) Escalate(other Disposition) Disposition {
	if other.severity() > d.severity() {
		return other
	}
	return d
}

// Result is the fused decision with the reasons that produced it, in evaluation order.
type Result struct {
	Disposition Disposition `json:"disposition"`
	RiskScore   float64     `json:"risk_score"`
	Reasons     []string    `json:"reasons"`
}

// Engine applies the decision policy. It holds no mutable state.
type Engine struct {
	policy config.DecisionPolicy
}

// NewEngine builds an engine from the decision section of the policy.
func NewEngine(policy config.DecisionPolicy) *Engine {
	return &Engine{policy: policy}
}

// Decide fuses the scores. A nil mismatch means no claimant data was compared; its weight
// is then redistributed over quality and forgery instead of counting as a perfect match.
func (e *Engine) Decide(quality, forgery float64, mismatch *float64) Result {
	quality, forgery = clamp01(quality), clamp01(forgery)
	w := e.policy.Weights

	var res Result
	weighted := w.Quality*(1-quality) + w.Forgery*forgery
	total := w.Quality + w.Forgery
	if mismatch != nil {
		m := clamp01(*mismatch)
		mismatch = &m
		weighted += w.Mismatch * m
		total += w.Mismatch
	} else {
		res.Reasons = append(res.Reasons, "no claimant data supplied; mismatch excluded from risk score")
	}
	if total > 0 {
		res.RiskScore = clamp01(weighted / total)
	}

	switch {
	case res.RiskScore > e.policy.RejectAbove:
		res.Disposition = Reject
		res.Reasons = append(res.Reasons, fmt.Sprintf("risk score %.2f above %.2f", res.RiskScore, e.policy.RejectAbove))
	case res.RiskScore > e.policy.ReviewAbove:
		res.Disposition = ManualReview
		res.Reasons = append(res.Reasons, fmt.Sprintf("risk score %.2f above %.2f", res.RiskScore, e.policy.ReviewAbove))
	default:
		res.Disposition = Approve
		res.Reasons = append(res.Reasons, fmt.Sprintf("risk score %.2f at or below %.2f", res.RiskScore, e.policy.ReviewAbove))
	}

	// Overrides in fixed precedence: the first that applies sets the override outcome, every
	// one that applies is recorded.
	var override Disposition
	apply := func(d Disposition, reason string) {
		if override == "" {
			override = d
		}
		res.Reasons = append(res.Reasons, reason)
	}
	if quality < e.policy.QualityOverride {
		apply(RequestNewImage, fmt.Sprintf("quality score %.2f below %.2f; a new image is required", quality, e.policy.QualityOverride))
	}
	if forgery > e.policy.ForgeryOverride {
		apply(Reject, fmt.Sprintf("forgery score %.2f above %.2f", forgery, e.policy.ForgeryOverride))
	}
	if mismatch != nil && *mismatch > e.policy.MismatchOverride {
		apply(ManualReview, fmt.Sprintf("mismatch score %.2f above %.2f", *mismatch, e.policy.MismatchOverride))
	}
	if override != "" {
		res.Disposition = res.Disposition.Escalate(override)
	}
	return res
}

func clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
