/*
manager.go - Penalty lifecycle

STATES:
  pending ──member accept────────▶ accepted   (amount into the group pot)
  pending ──member dispute───────▶ disputed   (reason visible to the group)
  pending ──auto, once expired───▶ accepted   (ResolvedBy = auto)
  pending|disputed ──admin───────▶ waived | rejected | accepted

  Member actions are only allowed while the penalty is pending and not
  expired. Everything except pending is terminal for the engine's own paths.

IDEMPOTENCY:
  One penalty per (member, date), enforced by the store. Evaluate looks for
  an existing record first, and a create that loses a race reads back the
  winner's record. Both paths return the stored penalty unchanged.

ATOMICITY:
  Each transition is one compare-and-set in the store. An accept appends the
  pot entry in the same unit of work, keyed "penalty-<id>", so a penalty can
  never be paid twice.

SEE ALSO:
  - assess.go: Decides whether a day was missed
  - scheduler/resolver.go: Per-session batch that drives Evaluate and
    AutoAcceptExpired
*/
package penalty

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
)

// Action is a member's response to a pending penalty.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionDispute Action = "dispute"
)

// Reason accompanies a dispute.
type Reason struct {
	Category core.ReasonCategory
	Message  string
}

// Rewarder is told about every assessed, non-penalized day so it can grant
// overperformance rewards. Failures are logged, never returned.
type Rewarder interface {
	Consider(ctx context.Context, group core.GroupConfig, a Assessment, now time.Time) error
}

// Outcome is the detailed result of evaluating one member-day.
type Outcome struct {
	// Assessment is nil when an existing penalty short-circuited evaluation.
	Assessment *Assessment
	Penalty    *core.Penalty
	Existing   bool
}

// =============================================================================
// MANAGER
// =============================================================================

type Manager struct {
	Store    core.Store
	Assessor *Assessor
	Rewards  Rewarder // optional
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

func NewManager(store core.Store, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Store:    store,
		Assessor: NewAssessor(store),
		Metrics:  m,
		Logger:   logger.With("component", "penalty"),
	}
}

// Assess loads member and group and assesses date.
func (m *Manager) Assess(ctx context.Context, memberID core.MemberID, date core.Date) (*Assessment, error) {
	member, group, err := m.load(ctx, memberID)
	if err != nil {
		return nil, err
	}
	return m.Assessor.Assess(ctx, *group, *member, date)
}

// Evaluate returns the penalty for (member, date), creating it if the day was
// missed. It returns nil when the member met the target or was exempt.
func (m *Manager) Evaluate(ctx context.Context, memberID core.MemberID, date core.Date, now time.Time) (*core.Penalty, error) {
	member, group, err := m.load(ctx, memberID)
	if err != nil {
		return nil, err
	}
	out, err := m.EvaluateMember(ctx, *group, *member, date, now)
	if err != nil {
		return nil, err
	}
	return out.Penalty, nil
}

// EvaluateMember is Evaluate for callers that already hold the member and
// group, such as the group check. A date that is still running in the
// member's zone fails with core.ErrDayNotOver.
func (m *Manager) EvaluateMember(ctx context.Context, group core.GroupConfig, member core.MemberState, date core.Date, now time.Time) (*Outcome, error) {
	loc := member.Location(group)
	if today := core.DateOf(now, loc); !date.Before(today) {
		return nil, fmt.Errorf("%s for member %s (local today %s): %w", date, member.ID, today, core.ErrDayNotOver)
	}

	existing, err := m.Store.FindPenalty(ctx, member.ID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to look up penalty: %w", err)
	}
	if existing != nil {
		return &Outcome{Penalty: existing, Existing: true}, nil
	}

	a, err := m.Assessor.Assess(ctx, group, member, date)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Assessment: a}
	if !a.Missed() {
		m.reward(ctx, group, *a, now)
		return out, nil
	}

	p := core.Penalty{
		ID:           core.PenaltyID(uuid.NewString()),
		MemberID:     member.ID,
		GroupID:      group.ID,
		Date:         date,
		TargetPoints: a.Target,
		ActualPoints: a.Totals.Effective,
		Amount:       group.PenaltyAmount,
		Status:       core.PenaltyPending,
		CreatedAt:    now,
		Deadline:     core.DateOf(now, loc).EndIn(loc),
	}
	if err := m.Store.CreatePenalty(ctx, p); err != nil {
		if !errors.Is(err, core.ErrDuplicate) {
			return nil, fmt.Errorf("failed to create penalty: %w", err)
		}
		// A concurrent evaluation created it first.
		stored, err := m.Store.FindPenalty(ctx, member.ID, date)
		if err != nil {
			return nil, fmt.Errorf("failed to read existing penalty: %w", err)
		}
		if stored == nil {
			return nil, fmt.Errorf("penalty for %s on %s reported duplicate but not found: %w", member.ID, date, core.ErrConcurrentModification)
		}
		out.Penalty, out.Existing = stored, true
		return out, nil
	}

	m.Metrics.PenaltyCreated(group.ID)
	m.Logger.Info("penalty created",
		"penalty", p.ID, "member", member.ID, "date", date,
		"target", p.TargetPoints, "actual", p.ActualPoints, "deadline", p.Deadline)
	out.Penalty = &p
	return out, nil
}

func (m *Manager) reward(ctx context.Context, group core.GroupConfig, a Assessment, now time.Time) {
	if m.Rewards == nil {
		return
	}
	if err := m.Rewards.Consider(ctx, group, a, now); err != nil {
		m.Logger.Warn("reward check failed", "member", a.MemberID, "date", a.Date, "error", err)
	}
}

// =============================================================================
// MEMBER RESPONSE
// =============================================================================

// Respond applies a member's accept or dispute.
func (m *Manager) Respond(ctx context.Context, id core.PenaltyID, action Action, reason Reason, now time.Time) (*core.Penalty, error) {
	reason.Message = strings.TrimSpace(reason.Message)
	switch action {
	case ActionAccept:
	case ActionDispute:
		if reason.Message == "" {
			return nil, core.ErrReasonRequired
		}
		if reason.Category == "" {
			reason.Category = core.ReasonOther
		}
		if !reason.Category.Valid() {
			return nil, &core.ValidationError{Field: "reason_category", Message: fmt.Sprintf("unknown category %q", reason.Category)}
		}
	default:
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidAction, action)
	}

	p, err := m.Store.GetPenalty(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsPending() {
		return nil, &core.TransitionError{PenaltyID: id, From: p.Status, To: targetStatus(action), Err: core.ErrAlreadyResolved}
	}
	if p.IsExpired(now) {
		return nil, core.ErrExpired
	}

	t := core.PenaltyTransition{
		ID:         id,
		From:       []core.PenaltyStatus{core.PenaltyPending},
		To:         targetStatus(action),
		ResolvedBy: core.ResolvedByMember,
		ResolvedAt: now,
	}
	if action == ActionAccept {
		t.PotEntry = potEntry(*p, core.PotPenaltyAccepted, "accepted by member", now)
	} else {
		t.ReasonCategory = reason.Category
		t.ReasonMessage = reason.Message
	}
	return m.transition(ctx, t)
}

func targetStatus(a Action) core.PenaltyStatus {
	if a == ActionDispute {
		return core.PenaltyDisputed
	}
	return core.PenaltyAccepted
}

// AutoAcceptExpired accepts a pending penalty whose response window closed.
func (m *Manager) AutoAcceptExpired(ctx context.Context, p core.Penalty, now time.Time) (*core.Penalty, error) {
	if !p.IsPending() {
		return nil, &core.TransitionError{PenaltyID: p.ID, From: p.Status, To: core.PenaltyAccepted, Err: core.ErrAlreadyResolved}
	}
	if !p.IsExpired(now) {
		return nil, core.ErrNotExpired
	}
	return m.transition(ctx, core.PenaltyTransition{
		ID:         p.ID,
		From:       []core.PenaltyStatus{core.PenaltyPending},
		To:         core.PenaltyAccepted,
		ResolvedBy: core.ResolvedByAuto,
		ResolvedAt: now,
		PotEntry:   potEntry(p, core.PotPenaltyAuto, "auto-accepted after deadline", now),
	})
}

// =============================================================================
// ADMIN ADJUDICATION
// =============================================================================

// Adjudicate records an admin decision on a pending or disputed penalty:
// waived forgives it, rejected upholds it over a dispute, accepted
// accepts it on the member's behalf. Rejected and accepted penalties are paid
// into the pot.
func (m *Manager) Adjudicate(ctx context.Context, id core.PenaltyID, decision core.PenaltyStatus, adminID, note string, now time.Time) (*core.Penalty, error) {
	var potType core.PotEntryType
	switch decision {
	case core.PenaltyWaived:
	case core.PenaltyRejected:
		potType = core.PotPenaltyUpheld
	case core.PenaltyAccepted:
		potType = core.PotPenaltyAccepted
	default:
		return nil, fmt.Errorf("%w: cannot adjudicate to %q", core.ErrInvalidAction, decision)
	}

	p, err := m.Store.GetPenalty(ctx, id)
	if err != nil {
		return nil, err
	}
	t := core.PenaltyTransition{
		ID:         id,
		From:       []core.PenaltyStatus{core.PenaltyPending, core.PenaltyDisputed},
		To:         decision,
		ResolvedBy: core.ResolvedByAdmin,
		ResolvedAt: now,
	}
	if potType != "" {
		reason := fmt.Sprintf("%s by admin %s", decision, adminID)
		if note != "" {
			reason += ": " + note
		}
		t.PotEntry = potEntry(*p, potType, reason, now)
	}
	return m.transition(ctx, t)
}

// =============================================================================
// QUERIES
// =============================================================================

func (m *Manager) Get(ctx context.Context, id core.PenaltyID) (*core.Penalty, error) {
	return m.Store.GetPenalty(ctx, id)
}

// Pending returns the member's penalties still awaiting a decision.
func (m *Manager) Pending(ctx context.Context, memberID core.MemberID) ([]core.Penalty, error) {
	return m.Store.ListPenalties(ctx, core.PenaltyFilter{
		MemberID: memberID,
		Statuses: []core.PenaltyStatus{core.PenaltyPending},
	})
}

func (m *Manager) List(ctx context.Context, f core.PenaltyFilter) ([]core.Penalty, error) {
	return m.Store.ListPenalties(ctx, f)
}

// =============================================================================
// HELPERS
// =============================================================================

func (m *Manager) transition(ctx context.Context, t core.PenaltyTransition) (*core.Penalty, error) {
	p, err := m.Store.TransitionPenalty(ctx, t)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateIdempotencyKey) {
			return nil, &core.TransitionError{PenaltyID: t.ID, To: t.To, Err: core.ErrAlreadyResolved}
		}
		return nil, err
	}
	m.Metrics.PenaltyTransition(t.To, t.ResolvedBy)
	m.Logger.Info("penalty resolved", "penalty", p.ID, "member", p.MemberID, "status", p.Status, "by", p.ResolvedBy)
	return p, nil
}

func potEntry(p core.Penalty, typ core.PotEntryType, reason string, now time.Time) *core.PotEntry {
	return &core.PotEntry{
		ID:             core.PotEntryID(uuid.NewString()),
		GroupID:        p.GroupID,
		MemberID:       p.MemberID,
		Amount:         p.Amount,
		Type:           typ,
		ReferenceID:    string(p.ID),
		Reason:         reason,
		IdempotencyKey: core.PenaltyPotKey(p.ID),
		CreatedAt:      now,
	}
}

func (m *Manager) load(ctx context.Context, memberID core.MemberID) (*core.MemberState, *core.GroupConfig, error) {
	member, err := m.Store.GetMember(ctx, memberID)
	if err != nil {
		return nil, nil, err
	}
	group, err := m.Store.GetGroup(ctx, member.GroupID)
	if err != nil {
		return nil, nil, err
	}
	return member, group, nil
}
