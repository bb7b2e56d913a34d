package health

import "time"

// Tier pairs a rolling-mean upper bound with the query budget applied to
// servers whose mean falls under it.
type Tier struct {
	Below  time.Duration // rolling mean strictly below this bound
	Budget time.Duration
}

// TierTable maps rolling mean latency to one of five query budgets. The
// boundaries and budgets are configuration; the five-tier shape is fixed.
type TierTable struct {
	VeryFast Tier
	Fast     Tier
	Normal   Tier
	Slow     Tier
	VerySlow Tier // Below is ignored; catches everything else
}

func (t *TierTable) withDefaults() {
	if t.VeryFast.Budget == 0 {
		*t = DefaultTiers()
	}
}

func DefaultTiers() TierTable {
	return TierTable{
		VeryFast: Tier{Below: 300 * time.Millisecond, Budget: 800 * time.Millisecond},
		Fast:     Tier{Below: 600 * time.Millisecond, Budget: 1200 * time.Millisecond},
		Normal:   Tier{Below: 1200 * time.Millisecond, Budget: 2 * time.Second},
		Slow:     Tier{Below: 2500 * time.Millisecond, Budget: 3500 * time.Millisecond},
		VerySlow: Tier{Budget: 5 * time.Second},
	}
}

// TimeoutFor buckets a rolling mean into its tier budget. It is monotonic:
// a higher mean never yields a shorter budget.
func (t TierTable) TimeoutFor(mean time.Duration) time.Duration {
	switch {
	case mean < t.VeryFast.Below:
		return t.VeryFast.Budget
	case mean < t.Fast.Below:
		return t.Fast.Budget
	case mean < t.Normal.Below:
		return t.Normal.Budget
	case mean < t.Slow.Below:
		return t.Slow.Budget
	default:
		return t.VerySlow.Budget
	}
}
