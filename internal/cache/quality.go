package cache

import "math"

// QualityPolicy blends rule-check results and an optional judge score into
// the 0-100 quality score stored with a cache entry
type QualityPolicy struct {
	RuleWeight  float64
	JudgeWeight float64
}

// Score returns the quality score. judge is ignored when negative, in which
// case the rule pass rate alone decides.
func (p QualityPolicy) Score(passed, total int, judge float64) float64 {
	rule := 100.0
	if total > 0 {
		rule = 100 * float64(passed) / float64(total)
	}
	if judge < 0 || p.JudgeWeight <= 0 {
		return clamp(rule)
	}
	rw := p.RuleWeight
	if rw < 0 {
		rw = 0
	}
	if rw+p.JudgeWeight == 0 {
		return clamp(rule)
	}
	return clamp((rule*rw + judge*p.JudgeWeight) / (rw + p.JudgeWeight))
}

func clamp(v float64) float64 {
	v = math.Max(0, math.Min(100, v))
	return math.Round(v*100) / 100
}
