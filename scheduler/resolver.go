/*
Package scheduler drives the penalty engine for sessions and for groups.

AUTO-RESOLVER (once per member session):
  1. yesterday := member-local calendar day before now
  2. Evaluate(member, yesterday)          idempotent, safe to repeat
  3. list the member's pending penalties
  4. split them by IsExpired(now)
  5. AutoAcceptExpired each expired one   independently; one failure never
                                          stops the others
  6. return the rest as Active            needs accept or dispute

  A failure in step 2 is recorded in the result and does not block 3-6: a
  member can always clear old business. Only a failure to load the member
  or list penalties is returned as an error.

  Nothing here is transactional across penalties. A transition committed
  before the context is cancelled stays committed.

SEE ALSO:
  - groupcheck.go: The same evaluation for a whole group at once
  - api/scheduler.go: Ticker that runs group checks in the background
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/commitment-engine/core"
	"github.com/warp/commitment-engine/metrics"
	"github.com/warp/commitment-engine/penalty"
)

// Failure is a penalty the resolver could not auto-accept.
type Failure struct {
	PenaltyID core.PenaltyID
	Err       error
}

// Result is what one session run did and what the member still has to do.
type Result struct {
	MemberID  core.MemberID
	Evaluated core.Date

	// Created is yesterday's penalty, whether created now or earlier.
	Created       *core.Penalty
	EvaluationErr error

	AutoAccepted []core.Penalty
	Active       []core.Penalty
	Failures     []Failure
}

// Clear reports whether nothing awaits the member.
func (r *Result) Clear() bool { return len(r.Active) == 0 }

type AutoResolver struct {
	Store     core.Store
	Penalties *penalty.Manager
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func NewAutoResolver(store core.Store, penalties *penalty.Manager, m *metrics.Metrics, logger *slog.Logger) *AutoResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoResolver{
		Store:     store,
		Penalties: penalties,
		Metrics:   m,
		Logger:    logger.With("component", "auto-resolver"),
	}
}

// Run executes one session pass for the member at instant now.
func (r *AutoResolver) Run(ctx context.Context, memberID core.MemberID, now time.Time) (*Result, error) {
	member, err := r.Store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	group, err := r.Store.GetGroup(ctx, member.GroupID)
	if err != nil {
		return nil, err
	}

	loc := member.Location(*group)
	yesterday := core.DateOf(now, loc).AddDays(-1)
	res := &Result{MemberID: memberID, Evaluated: yesterday}

	out, err := r.Penalties.EvaluateMember(ctx, *group, *member, yesterday, now)
	if err != nil {
		res.EvaluationErr = err
		r.Metrics.EvaluationFailed()
		r.Logger.Error("evaluation failed", "member", memberID, "date", yesterday, "error", err)
	} else {
		res.Created = out.Penalty
	}

	pending, err := r.Penalties.Pending(ctx, memberID)
	if err != nil {
		return res, fmt.Errorf("failed to list pending penalties: %w", err)
	}

	for _, p := range pending {
		if !p.IsExpired(now) {
			res.Active = append(res.Active, p)
			continue
		}
		accepted, err := r.Penalties.AutoAcceptExpired(ctx, p, now)
		switch {
		case err == nil:
			res.AutoAccepted = append(res.AutoAccepted, *accepted)
		case errors.Is(err, core.ErrAlreadyResolved):
			// Another session resolved it between the list and the accept.
			r.Logger.Debug("penalty already resolved", "penalty", p.ID)
		default:
			res.Failures = append(res.Failures, Failure{PenaltyID: p.ID, Err: err})
			r.Metrics.AutoAcceptFailed()
			r.Logger.Error("auto-accept failed", "penalty", p.ID, "member", memberID, "error", err)
		}
	}
	return res, nil
}
