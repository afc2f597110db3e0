/*
assess.go - What a member owed on a day, and what counted

PURPOSE:
  Combines the target calculator, the point aggregator and the member's
  per-day state (sick mode, recovery day, flexible rest day) into one
  Assessment. Evaluate decides on penalties from it; the API shows it.

DAY KINDS (first match wins):
  not_started        date before the group's start date     exempt
  sick               member in sick mode on date           exempt
  personal_recovery  recovery day used on date             target 20, cap lifted
  flex_rest          flexible rest day used on date        target 0
  rest               group rest weekday                    target 0
  group_recovery     group recovery weekday                reduced target, cap lifted
  normal             everything else                       progressive target

  Exempt days are never penalized. Zero-target days are always met.

SEE ALSO:
  - target/target.go, points/aggregate.go: The arithmetic
  - manager.go: Turns a missed assessment into a penalty
*/
package penalty

import (
	"context"
	"fmt"

	"github.com/warp/commitment-engine/core"
	"github.com/warp/commitment-engine/points"
	"github.com/warp/commitment-engine/target"
)

type DayKind string

const (
	DayNormal           DayKind = "normal"
	DayRest             DayKind = "rest"
	DayGroupRecovery    DayKind = "group_recovery"
	DayPersonalRecovery DayKind = "personal_recovery"
	DayFlexRest         DayKind = "flex_rest"
	DaySick             DayKind = "sick"
	DayNotStarted       DayKind = "not_started"
)

// Assessment is one member's standing on one day.
type Assessment struct {
	MemberID core.MemberID
	GroupID  core.GroupID
	Date     core.Date
	Kind     DayKind

	// Target is the sane-mode compliance target. DisplayTarget follows the
	// member's difficulty mode and is never used to decide a penalty.
	Target        int
	DisplayTarget int

	Totals points.Totals
	Met    bool
	Exempt bool
}

// Missed reports whether the day warrants a penalty.
func (a Assessment) Missed() bool { return !a.Exempt && !a.Met }

// DayState is the per-member, per-day state an assessment depends on beyond
// the logs themselves.
type DayState struct {
	PersonalRecovery bool
	FlexRestUsed     bool
}

// AssessDay is the pure core of Assess.
func AssessDay(group core.GroupConfig, member core.MemberState, date core.Date, state DayState, logs []core.ActivityLog) Assessment {
	a := Assessment{
		MemberID: member.ID,
		GroupID:  group.ID,
		Date:     date,
	}

	switch {
	case !group.HasStarted(date):
		a.Kind = DayNotStarted
	case member.IsSickOn(date):
		a.Kind = DaySick
	case state.PersonalRecovery:
		a.Kind = DayPersonalRecovery
	case state.FlexRestUsed:
		a.Kind = DayFlexRest
	case group.RestDays.Has(date.Weekday()):
		a.Kind = DayRest
	case group.RecoveryDays.Has(date.Weekday()):
		a.Kind = DayGroupRecovery
	default:
		a.Kind = DayNormal
	}

	calc := target.NewCalculator(group)
	in := target.InputsFor(group, member, date, state.PersonalRecovery)

	switch a.Kind {
	case DayNotStarted, DaySick:
		a.Exempt = true
	case DayFlexRest:
		// target stays 0
	default:
		a.Target = calc.ComplianceTarget(in)
		a.DisplayTarget = calc.DisplayTarget(in)
	}

	lifted := a.Kind == DayGroupRecovery || a.Kind == DayPersonalRecovery
	a.Totals = points.Aggregate(logs, a.Target, points.CapRuleFor(group, lifted))
	a.Met = a.Exempt || a.Totals.Met(a.Target)
	return a
}

// =============================================================================
// ASSESSOR - Loads the day state and logs, then assesses
// =============================================================================

type Assessor struct {
	Logs     core.ActivityStore
	Recovery core.RecoveryStore
	Grants   core.GrantStore
}

func NewAssessor(store core.Store) *Assessor {
	return &Assessor{Logs: store, Recovery: store, Grants: store}
}

// Assess computes the member's assessment for date.
func (a *Assessor) Assess(ctx context.Context, group core.GroupConfig, member core.MemberState, date core.Date) (*Assessment, error) {
	state, err := a.dayState(ctx, member.ID, date)
	if err != nil {
		return nil, err
	}
	logs, err := a.Logs.LogsForDay(ctx, member.ID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load activity: %w", err)
	}
	out := AssessDay(group, member, date, state, logs)
	return &out, nil
}

func (a *Assessor) dayState(ctx context.Context, memberID core.MemberID, date core.Date) (DayState, error) {
	var s DayState
	rd, err := a.Recovery.FindRecoveryDayForWeek(ctx, memberID, date.ISOWeek())
	if err != nil {
		return s, fmt.Errorf("failed to load recovery day: %w", err)
	}
	s.PersonalRecovery = rd != nil && rd.UsedDate.Equal(date)

	if a.Grants != nil {
		g, err := a.Grants.FindGrantUsedOn(ctx, memberID, date)
		if err != nil {
			return s, fmt.Errorf("failed to load flexible rest day: %w", err)
		}
		s.FlexRestUsed = g != nil
	}
	return s, nil
}
