/*
Package points turns a day's activity logs into countable points.

PURPOSE:
  Recovery-type activity (stretching, mobility, walks) counts toward the
  target only up to a share of it, so it cannot substitute for real effort
  on ordinary days. On the group's recovery weekday, and on a member's
  personal recovery day, the cap is lifted.

RULE:
  recoveryCapLimit = floor(target * fraction)      // fraction defaults to 0.25
  effective        = nonRecoveryRaw + min(recoveryRaw, recoveryCapLimit)

PROPERTIES:
  - More non-recovery points never lower Effective.
  - Recovery points beyond the cap never raise Effective (unless lifted).
  - Deterministic: history views can recompute any past day from the
    immutable logs without separate bookkeeping.

SEE ALSO:
  - target/target.go: Produces the target the cap is derived from
*/
package points

import (
	"github.com/shopspring/decimal"
	"github.com/warp/commitment-engine/core"
)

// CapRule controls how much recovery activity may count.
type CapRule struct {
	Fraction decimal.Decimal
	Lifted   bool
}

// DefaultCapRule caps recovery at a quarter of the target.
func DefaultCapRule() CapRule {
	return CapRule{Fraction: core.DefaultRecoveryCapFraction}
}

// CapRuleFor returns the group's cap rule, lifted when requested.
func CapRuleFor(g core.GroupConfig, lifted bool) CapRule {
	fraction := g.RecoveryCapFraction
	if fraction.IsZero() {
		fraction = core.DefaultRecoveryCapFraction
	}
	return CapRule{Fraction: fraction, Lifted: lifted}
}

// Totals is the aggregation result for one member and day.
type Totals struct {
	Effective        int
	RecoveryRaw      int
	NonRecoveryRaw   int
	RecoveryCapLimit int // meaningless when CapLifted
	RecoveryCounted  int // the part of RecoveryRaw included in Effective
	CapLifted        bool
}

// Raw is the uncapped sum of all activity.
func (t Totals) Raw() int { return t.RecoveryRaw + t.NonRecoveryRaw }

// Met reports whether the effective total reaches target. A tie counts as met.
func (t Totals) Met(target int) bool { return t.Effective >= target }

// CapLimit returns floor(target * fraction).
func CapLimit(target int, fraction decimal.Decimal) int {
	if target <= 0 {
		return 0
	}
	return int(decimal.NewFromInt(int64(target)).Mul(fraction).Floor().IntPart())
}

// Aggregate sums logs for one member and date against target.
func Aggregate(logs []core.ActivityLog, target int, rule CapRule) Totals {
	var t Totals
	for _, l := range logs {
		switch l.Category {
		case core.CategoryRecovery:
			t.RecoveryRaw += l.Points
		default:
			t.NonRecoveryRaw += l.Points
		}
	}

	if rule.Lifted {
		t.CapLifted = true
		t.RecoveryCounted = t.RecoveryRaw
	} else {
		t.RecoveryCapLimit = CapLimit(target, rule.Fraction)
		t.RecoveryCounted = min(t.RecoveryRaw, t.RecoveryCapLimit)
	}
	t.Effective = t.NonRecoveryRaw + t.RecoveryCounted
	return t
}

// RecoveryMinutes sums recovery-category logs. Recovery exercises are logged
// in minutes, one point per minute.
func RecoveryMinutes(logs []core.ActivityLog) int {
	total := 0
	for _, l := range logs {
		if l.Category == core.CategoryRecovery {
			total += l.Points
		}
	}
	return total
}
