/*
Package rewards grants and redeems the flexible rest day.

PURPOSE:
  A member who clears a day's target by a wide margin earns one flexible
  rest day, to be spent on any later day of their choosing. A spent day has
  no target.

EARNING:
  effective >= FlexRestMultiplier * target, with target > 0, on a normal or
  group recovery day. Holding an unused grant blocks earning another one:
  the entitlement does not stack.

CLAIM-ONCE:
  Grants are records, not a flag on the member. The store enforces one
  unused grant per member, one grant per earning day, and one grant used per
  day; Use is a compare-and-set on the grant, so two devices racing to spend
  it cannot both succeed.

SEE ALSO:
  - penalty/assess.go: A used day assesses as flex_rest with target 0
  - penalty/manager.go: Calls Consider for every non-penalized day
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/warp/commitment-engine/core"
	"github.com/warp/commitment-engine/metrics"
	"github.com/warp/commitment-engine/penalty"
)

type Service struct {
	Grants   core.GrantStore
	Recovery core.RecoveryStore
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

var _ penalty.Rewarder = (*Service)(nil)

func NewService(store core.Store, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Grants:   store,
		Recovery: store,
		Metrics:  m,
		Logger:   logger.With("component", "rewards"),
	}
}

// Qualifies reports whether an assessment earns a flexible rest day.
func Qualifies(group core.GroupConfig, a penalty.Assessment) bool {
	if a.Kind != penalty.DayNormal && a.Kind != penalty.DayGroupRecovery {
		return false
	}
	if a.Target <= 0 {
		return false
	}
	multiplier := group.FlexRestMultiplier
	if multiplier <= 0 {
		multiplier = core.DefaultFlexRestMultiplier
	}
	return a.Totals.Effective >= multiplier*a.Target
}

// Consider grants a flexible rest day when the assessed day qualifies.
func (s *Service) Consider(ctx context.Context, group core.GroupConfig, a penalty.Assessment, now time.Time) error {
	if !Qualifies(group, a) {
		return nil
	}
	_, err := s.Earn(ctx, a.MemberID, a.Date, now)
	return err
}

// Earn records a grant earned on date. It returns nil without error when the
// member already holds one or already earned one that day.
func (s *Service) Earn(ctx context.Context, memberID core.MemberID, date core.Date, now time.Time) (*core.FlexGrant, error) {
	g := core.FlexGrant{
		ID:        core.GrantID(uuid.NewString()),
		MemberID:  memberID,
		EarnedOn:  date,
		CreatedAt: now,
	}
	if err := s.Grants.CreateGrant(ctx, g); err != nil {
		if errors.Is(err, core.ErrDuplicate) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to record flexible rest day: %w", err)
	}
	s.Metrics.FlexGrant("earned")
	s.Logger.Info("flexible rest day earned", "member", memberID, "date", date)
	return &g, nil
}

// Holds reports whether the member has an unused grant.
func (s *Service) Holds(ctx context.Context, memberID core.MemberID) (bool, error) {
	g, err := s.Grants.FindUnusedGrant(ctx, memberID)
	if err != nil {
		return false, err
	}
	return g != nil, nil
}

// Use spends the member's grant on day.
func (s *Service) Use(ctx context.Context, group core.GroupConfig, member core.MemberState, day core.Date) (*core.FlexGrant, error) {
	if !group.HasStarted(day) {
		return nil, fmt.Errorf("%w: group has not started", core.ErrNotActivatable)
	}
	if group.RestDays.Has(day.Weekday()) {
		return nil, fmt.Errorf("%w: already a rest day", core.ErrNotActivatable)
	}
	if s.Recovery != nil {
		rd, err := s.Recovery.FindRecoveryDayForWeek(ctx, member.ID, day.ISOWeek())
		if err != nil {
			return nil, fmt.Errorf("failed to load recovery day: %w", err)
		}
		if rd != nil && rd.UsedDate.Equal(day) {
			return nil, fmt.Errorf("%w: recovery day already active", core.ErrNotActivatable)
		}
	}

	g, err := s.Grants.FindUnusedGrant(ctx, member.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flexible rest day: %w", err)
	}
	if g == nil {
		return nil, core.ErrNoEntitlement
	}
	if err := s.Grants.ClaimGrant(ctx, g.ID, day); err != nil {
		if errors.Is(err, core.ErrDuplicate) {
			return nil, fmt.Errorf("%w: flexible rest day already taken on %s", core.ErrNotActivatable, day)
		}
		return nil, err
	}
	used := day
	g.UsedOn = &used
	s.Metrics.FlexGrant("used")
	s.Logger.Info("flexible rest day used", "member", member.ID, "date", day, "earned_on", g.EarnedOn)
	return g, nil
}

// History lists the member's grants, oldest first.
func (s *Service) History(ctx context.Context, memberID core.MemberID) ([]core.FlexGrant, error) {
	return s.Grants.ListGrants(ctx, memberID)
}
