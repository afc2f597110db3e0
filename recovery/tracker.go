/*
tracker.go - Weekly recovery day entitlement

PURPOSE:
  Each member may turn one day per ISO week into a recovery day. While it is
  active the member's target for that day is RecoveryDayTargetMinutes of
  (uncapped) activity instead of the progressive target.

STATE MACHINE (per member, per ISO week):
  Unused ──Activate──▶ Active ──RecordProgress(≥ target)──▶ Completed
                         │
                         └──Cancel──▶ Cancelled (record deleted → Unused)

INVARIANT:
  At most one RecoveryDay per (member, ISO week). The store's unique index is
  the enforcement point: two concurrent activations both pass CanActivate,
  exactly one insert succeeds, the other gets ErrAlreadyUsedThisWeek.

WEEKLY RESET:
  There is no reset job. "Already used" is scoped to the ISO week of
  UsedDate, so a new week starts Unused.

SIDE EFFECTS:
  Activation posts an announcement to the member's group. A failed post is
  logged and counted; it never fails the activation.

SEE ALSO:
  - target/target.go: RecoveryDayTargetMinutes
  - penalty/assess.go: Reads the active record when assessing a day
*/
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/warp/commitment-engine/core"
	"github.com/warp/commitment-engine/metrics"
	"github.com/warp/commitment-engine/points"
	"github.com/warp/commitment-engine/target"
)

// State is the derived lifecycle state of a member's week.
type State string

const (
	StateUnused    State = "unused"
	StateActive    State = "active"
	StateCompleted State = "completed"
)

// StateOf derives the state from the week's record (nil = unused).
func StateOf(rd *core.RecoveryDay) State {
	switch {
	case rd == nil:
		return StateUnused
	case rd.IsComplete:
		return StateCompleted
	default:
		return StateActive
	}
}

// =============================================================================
// TRACKER
// =============================================================================

type Tracker struct {
	Store    core.RecoveryStore
	Logs     core.ActivityStore
	Grants   core.GrantStore // optional: a day already taken as flexible rest cannot be a recovery day
	Notifier core.Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	TargetMinutes int
}

// NewTracker wires a tracker over a full store.
func NewTracker(store core.Store, notifier core.Notifier, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	if notifier == nil {
		notifier = core.NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		Store:         store,
		Logs:          store,
		Grants:        store,
		Notifier:      notifier,
		Metrics:       m,
		Logger:        logger.With("component", "recovery"),
		TargetMinutes: target.RecoveryDayTargetMinutes,
	}
}

// ForWeek returns the member's record for the ISO week containing day.
func (t *Tracker) ForWeek(ctx context.Context, memberID core.MemberID, day core.Date) (*core.RecoveryDay, error) {
	rd, err := t.Store.FindRecoveryDayForWeek(ctx, memberID, day.ISOWeek())
	if err != nil {
		return nil, fmt.Errorf("failed to load recovery day: %w", err)
	}
	return rd, nil
}

// Active returns the recovery day used on exactly this day, if any.
// A completed record still counts: completion does not end the designation.
func (t *Tracker) Active(ctx context.Context, memberID core.MemberID, day core.Date) (*core.RecoveryDay, error) {
	rd, err := t.ForWeek(ctx, memberID, day)
	if err != nil || rd == nil {
		return nil, err
	}
	if !rd.UsedDate.Equal(day) {
		return nil, nil
	}
	return rd, nil
}

// CanActivate reports whether the member may activate a recovery day today:
// nothing used this ISO week, and today is not already excluded (group not
// started, group rest day, or a flexible rest day taken today).
func (t *Tracker) CanActivate(ctx context.Context, group core.GroupConfig, member core.MemberState, today core.Date) (bool, error) {
	if reason := excludedReason(group, today); reason != "" {
		return false, nil
	}
	rd, err := t.ForWeek(ctx, member.ID, today)
	if err != nil {
		return false, err
	}
	if rd != nil {
		return false, nil
	}
	if t.Grants != nil {
		g, err := t.Grants.FindGrantUsedOn(ctx, member.ID, today)
		if err != nil {
			return false, fmt.Errorf("failed to check flexible rest day: %w", err)
		}
		if g != nil {
			return false, nil
		}
	}
	return true, nil
}

func excludedReason(group core.GroupConfig, day core.Date) string {
	switch {
	case !group.HasStarted(day):
		return "group has not started"
	case group.RestDays.Has(day.Weekday()):
		return "rest day"
	}
	return ""
}

// Activate designates today as the member's recovery day.
func (t *Tracker) Activate(ctx context.Context, group core.GroupConfig, member core.MemberState, today core.Date, now time.Time) (*core.RecoveryDay, error) {
	if reason := excludedReason(group, today); reason != "" {
		return nil, fmt.Errorf("%w: %s", core.ErrNotActivatable, reason)
	}
	if existing, err := t.ForWeek(ctx, member.ID, today); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, &core.RecoveryWeekError{MemberID: member.ID, Week: existing.Week, UsedDate: existing.UsedDate}
	}
	if t.Grants != nil {
		if g, err := t.Grants.FindGrantUsedOn(ctx, member.ID, today); err != nil {
			return nil, fmt.Errorf("failed to check flexible rest day: %w", err)
		} else if g != nil {
			return nil, fmt.Errorf("%w: flexible rest day already taken today", core.ErrNotActivatable)
		}
	}

	rd := core.RecoveryDay{
		ID:        core.RecoveryDayID(uuid.NewString()),
		MemberID:  member.ID,
		UsedDate:  today,
		Week:      today.ISOWeek(),
		CreatedAt: now,
	}

	// Recovery minutes already logged today count immediately.
	if t.Logs != nil {
		logs, err := t.Logs.LogsForDay(ctx, member.ID, today)
		if err != nil {
			return nil, fmt.Errorf("failed to load activity: %w", err)
		}
		rd.RecoveryMinutes = points.RecoveryMinutes(logs)
		rd.IsComplete = rd.RecoveryMinutes >= t.targetMinutes()
	}

	if err := t.Store.CreateRecoveryDay(ctx, rd); err != nil {
		if errors.Is(err, core.ErrDuplicate) {
			// Lost the race to a concurrent activation.
			return nil, &core.RecoveryWeekError{MemberID: member.ID, Week: rd.Week}
		}
		return nil, fmt.Errorf("failed to save recovery day: %w", err)
	}
	t.Metrics.RecoveryDay("activated")
	t.Logger.Info("recovery day activated", "member", member.ID, "date", today, "week", rd.Week)

	t.announce(ctx, core.Announcement{
		GroupID:  group.ID,
		MemberID: member.ID,
		Kind:     core.AnnounceRecoveryDay,
		Message:  fmt.Sprintf("%s is taking a recovery day today (%d min target)", displayName(member), t.targetMinutes()),
		At:       now,
	})
	return &rd, nil
}

// RecordProgress sets today's accumulated recovery minutes. It is absolute,
// not additive, so repeated calls with the same total are harmless.
func (t *Tracker) RecordProgress(ctx context.Context, memberID core.MemberID, today core.Date, minutes int) (*core.RecoveryDay, error) {
	rd, err := t.Active(ctx, memberID, today)
	if err != nil {
		return nil, err
	}
	if rd == nil {
		return nil, core.ErrNotActive
	}
	if minutes < 0 {
		minutes = 0
	}
	if rd.RecoveryMinutes == minutes && rd.IsComplete == (minutes >= t.targetMinutes()) {
		return rd, nil
	}

	wasComplete := rd.IsComplete
	rd.RecoveryMinutes = minutes
	rd.IsComplete = minutes >= t.targetMinutes()
	if err := t.Store.UpdateRecoveryDay(ctx, *rd); err != nil {
		return nil, fmt.Errorf("failed to update recovery day: %w", err)
	}
	if rd.IsComplete && !wasComplete {
		t.Metrics.RecoveryDay("completed")
		t.Logger.Info("recovery day completed", "member", memberID, "date", today, "minutes", minutes)
	}
	return rd, nil
}

// SyncProgress recomputes the day's minutes from its recovery logs. Called
// after a log is added or deleted. A day with no active record is a no-op.
func (t *Tracker) SyncProgress(ctx context.Context, memberID core.MemberID, day core.Date) (*core.RecoveryDay, error) {
	rd, err := t.Active(ctx, memberID, day)
	if err != nil || rd == nil {
		return nil, err
	}
	logs, err := t.Logs.LogsForDay(ctx, memberID, day)
	if err != nil {
		return nil, fmt.Errorf("failed to load activity: %w", err)
	}
	return t.RecordProgress(ctx, memberID, day, points.RecoveryMinutes(logs))
}

// Cancel removes today's recovery day designation. Logged activity stays.
func (t *Tracker) Cancel(ctx context.Context, memberID core.MemberID, today core.Date) error {
	rd, err := t.Active(ctx, memberID, today)
	if err != nil {
		return err
	}
	if rd == nil || rd.IsComplete {
		return core.ErrNotActive
	}
	if err := t.Store.DeleteRecoveryDay(ctx, rd.ID); err != nil {
		if core.IsNotFound(err) {
			return core.ErrNotActive
		}
		return fmt.Errorf("failed to cancel recovery day: %w", err)
	}
	t.Metrics.RecoveryDay("cancelled")
	t.Logger.Info("recovery day cancelled", "member", memberID, "date", today)
	return nil
}

func (t *Tracker) targetMinutes() int {
	if t.TargetMinutes > 0 {
		return t.TargetMinutes
	}
	return target.RecoveryDayTargetMinutes
}

func (t *Tracker) announce(ctx context.Context, a core.Announcement) {
	if err := t.Notifier.Announce(ctx, a); err != nil {
		t.Metrics.NotifyFailed()
		t.Logger.Warn("announcement failed", "kind", a.Kind, "group", a.GroupID, "error", err)
	}
}

func displayName(m core.MemberState) string {
	if m.Name != "" {
		return m.Name
	}
	return string(m.ID)
}
