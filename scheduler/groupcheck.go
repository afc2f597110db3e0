package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/commitment-engine/core"
	"github.com/warp/commitment-engine/metrics"
	"github.com/warp/commitment-engine/penalty"
)

// =============================================================================
// GROUP CHECK - Group-wide penalty check for one finalized day
// =============================================================================

// GroupCheck evaluates every member of a group for one past day, auto-accepts
// the group's expired penalties, and posts a summary to the group channel.
//
// Each (group, date) completes at most once: the CheckRun record is created
// first and its uniqueness gates the rest. A run that failed, or that had to
// defer members whose local day was still running, is reclaimed by a later
// call through a status compare-and-set. Member evaluation goes through the
// same idempotent path as the session resolver, so neither a retry nor a check
// racing a member's own session produces a second penalty. The summary is
// announced once, when the run completes.
type GroupCheck struct {
	Store     core.Store
	Penalties *penalty.Manager
	Notifier  core.Notifier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func NewGroupCheck(store core.Store, penalties *penalty.Manager, notifier core.Notifier, m *metrics.Metrics, logger *slog.Logger) *GroupCheck {
	if notifier == nil {
		notifier = core.NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GroupCheck{
		Store:     store,
		Penalties: penalties,
		Notifier:  notifier,
		Metrics:   m,
		Logger:    logger.With("component", "group-check"),
	}
}

// Run checks groupID for date. If the check already completed, or another
// caller holds it, the stored run is returned unchanged and the second result
// is false.
func (c *GroupCheck) Run(ctx context.Context, groupID core.GroupID, date core.Date, now time.Time) (*core.CheckRun, bool, error) {
	group, err := c.Store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, false, err
	}

	started := time.Now()
	r := core.CheckRun{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Date:      date,
		Status:    core.CheckRunning,
		StartedAt: now,
	}
	if err := c.Store.CreateCheckRun(ctx, r); err != nil {
		if !errors.Is(err, core.ErrDuplicate) {
			return nil, false, fmt.Errorf("failed to record check run: %w", err)
		}
		existing, err := c.Store.FindCheckRun(ctx, groupID, date)
		if err != nil {
			return nil, false, err
		}
		if existing == nil || !existing.Status.Retryable() {
			return existing, false, nil
		}
		ok, err := c.Store.ReclaimCheckRun(ctx, groupID, date, existing.Status, now)
		if err != nil {
			return nil, false, fmt.Errorf("failed to reclaim check run: %w", err)
		}
		if !ok {
			current, err := c.Store.FindCheckRun(ctx, groupID, date)
			if err != nil {
				return nil, false, err
			}
			return current, false, nil
		}
		c.Logger.Info("retrying group check", "group", groupID, "date", date, "previous", existing.Status)
		r.ID = existing.ID
	}

	summary, err := c.check(ctx, *group, date, now)
	completed := now
	r.CompletedAt = &completed
	if err != nil {
		r.Status = core.CheckFailed
		r.Error = err.Error()
	} else if summary.Deferred > 0 {
		r.Status = core.CheckDeferred
		r.Summary = *summary
	} else {
		r.Status = core.CheckCompleted
		r.Summary = *summary
	}
	if uerr := c.Store.UpdateCheckRun(ctx, r); uerr != nil {
		c.Logger.Error("failed to update check run", "group", groupID, "date", date, "error", uerr)
	}
	c.Metrics.CheckRun(r.Status, time.Since(started))

	if err != nil {
		c.Logger.Error("group check failed", "group", groupID, "date", date, "error", err)
		return &r, true, err
	}

	if r.Status == core.CheckDeferred {
		c.Logger.Info("group check deferred", "group", groupID, "date", date, "deferred", summary.Deferred)
		return &r, true, nil
	}

	c.Logger.Info("group check completed",
		"group", groupID, "date", date,
		"met", summary.Met, "missed", summary.Missed, "disputed", summary.Disputed,
		"exempt", summary.Exempt, "auto_accepted", summary.Accepted, "failed", summary.Failed)

	if nerr := c.Notifier.Announce(ctx, core.Announcement{
		GroupID: groupID,
		Kind:    core.AnnouncePenaltyCheck,
		Message: SummaryMessage(*group, *summary),
		Summary: summary,
		At:      now,
	}); nerr != nil {
		c.Metrics.NotifyFailed()
		c.Logger.Warn("announcement failed", "group", groupID, "error", nerr)
	}
	return &r, true, nil
}

func (c *GroupCheck) check(ctx context.Context, group core.GroupConfig, date core.Date, now time.Time) (*core.CheckSummary, error) {
	members, err := c.Store.ListMembers(ctx, group.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	s := &core.CheckSummary{GroupID: group.ID, Date: date}
	for _, m := range members {
		if !date.Before(core.DateOf(now, m.Location(group))) {
			s.Deferred++
			continue
		}
		out, err := c.Penalties.EvaluateMember(ctx, group, m, date, now)
		if err != nil {
			s.Failed++
			c.Metrics.EvaluationFailed()
			c.Logger.Error("evaluation failed", "member", m.ID, "date", date, "error", err)
			continue
		}
		switch {
		case out.Penalty != nil && out.Penalty.Status == core.PenaltyDisputed:
			s.Disputed++
		case out.Penalty != nil && out.Penalty.Status == core.PenaltyWaived:
			s.Exempt++
		case out.Penalty != nil:
			s.Missed++
		case out.Assessment != nil && out.Assessment.Exempt:
			s.Exempt++
		default:
			s.Met++
		}
	}

	pending, err := c.Store.ListPenalties(ctx, core.PenaltyFilter{
		GroupID:  group.ID,
		Statuses: []core.PenaltyStatus{core.PenaltyPending},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending penalties: %w", err)
	}
	for _, p := range pending {
		if !p.IsExpired(now) {
			continue
		}
		if _, err := c.Penalties.AutoAcceptExpired(ctx, p, now); err != nil {
			if !errors.Is(err, core.ErrAlreadyResolved) {
				c.Metrics.AutoAcceptFailed()
				c.Logger.Error("auto-accept failed", "penalty", p.ID, "error", err)
			}
			continue
		}
		s.Accepted++
	}
	return s, nil
}

// SummaryMessage renders the plain-text announcement for a check.
func SummaryMessage(group core.GroupConfig, s core.CheckSummary) string {
	var b strings.Builder
	name := group.Name
	if name == "" {
		name = string(group.ID)
	}
	fmt.Fprintf(&b, "%s check for %s: %d met, %d missed", name, s.Date, s.Met, s.Missed)
	if s.Disputed > 0 {
		fmt.Fprintf(&b, ", %d disputed", s.Disputed)
	}
	if s.Exempt > 0 {
		fmt.Fprintf(&b, ", %d exempt", s.Exempt)
	}
	if s.Accepted > 0 {
		fmt.Fprintf(&b, "; %d expired penalties auto-accepted", s.Accepted)
	}
	return b.String()
}
