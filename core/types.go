/*
Package core provides the data model and contracts of the commitment engine.

PURPOSE:
  Holds the types every other package speaks in: groups and their target
  configuration, members, activity logs, recovery days, penalties and the
  group pot. Domain packages (target, points, recovery, penalty, rewards,
  scheduler) build their rules on top of these types; storage adapters
  implement the interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - GroupConfig: How a group's daily target grows and which days are special
  - MemberState: Difficulty mode, sick mode, derived entitlements
  - ActivityLog: One logged exercise on a member-local calendar day
  - RecoveryDay: A member's weekly reduced-target day
  - Penalty: A missed day awaiting accept/dispute, with a response deadline

DESIGN PRINCIPLES:
  1. Explicit time: Every operation takes the evaluation instant as a parameter
  2. Closed variants: Categories, modes and statuses are typed constants
  3. Precision: Money and fractions use decimal.Decimal, points are integers
  4. Derived, not stored: Expiry and days-since-start are computed on read

SEE ALSO:
  - time.go: Date, ISO weeks, weekday sets
  - errors.go: Sentinel and structured errors
  - store.go: Persistence and notification contracts
  - ledger.go: Append-only group pot
*/
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type GroupID string
type MemberID string
type LogID string
type PenaltyID string
type RecoveryDayID string
type GrantID string
type PotEntryID string

// =============================================================================
// DIFFICULTY MODE
// =============================================================================

// Mode is a member's selected difficulty. It changes what the member is shown
// as their personal goal, never what the penalty engine judges them against.
type Mode string

const (
	ModeSane   Mode = "sane"
	ModeInsane Mode = "insane"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeSane || m == ModeInsane }

// =============================================================================
// ACTIVITY CATEGORY
// =============================================================================

// Category is resolved once when a log is ingested.
type Category string

const (
	CategoryRecovery Category = "recovery"
	CategoryOther    Category = "other"
)

// ParseCategory maps an exercise type to its category. Anything that is not
// explicitly recovery counts as other.
func ParseCategory(s string) Category {
	switch s {
	case "recovery", "stretching", "mobility", "yoga", "foam_rolling", "walk":
		return CategoryRecovery
	default:
		return CategoryOther
	}
}

// =============================================================================
// GROUP CONFIG
// =============================================================================

// Defaults applied by the factory when a group omits them.
var (
	DefaultRecoveryCapFraction = decimal.RequireFromString("0.25")
	DefaultRecoveryDayFactor   = decimal.RequireFromString("0.5")
)

const DefaultFlexRestMultiplier = 2

// GroupConfig is owned by the group admin. StartDate changes apply
// retroactively: days-since-start is never cached on logs or penalties.
type GroupConfig struct {
	ID        GroupID
	Name      string
	StartDate Date
	TimeZone  string // reference zone for days-since-start and group "today"

	RestDays     WeekdaySet // no target, always met
	RecoveryDays WeekdaySet // reduced target, recovery cap lifted

	DailyTargetBase int
	DailyIncrement  int

	PenaltyAmount decimal.Decimal
	Currency      string

	RecoveryCapFraction decimal.Decimal // share of target recovery activity may cover
	RecoveryDayFactor   decimal.Decimal // target multiplier on group recovery weekdays
	FlexRestMultiplier  int             // effective >= multiplier*target earns a flexible rest day

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Location returns the group's reference zone, UTC if unset or invalid.
func (g GroupConfig) Location() *time.Location {
	loc, err := LoadLocation(g.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DaysSinceStart is the number of whole days from StartDate to date, clamped
// at zero. It is always computed from the current config.
func (g GroupConfig) DaysSinceStart(date Date) int {
	n := DaysBetween(g.StartDate, date)
	if n < 0 {
		return 0
	}
	return n
}

// HasStarted reports whether the group is running on date.
func (g GroupConfig) HasStarted(date Date) bool {
	return !date.Before(g.StartDate)
}

// =============================================================================
// MEMBER STATE
// =============================================================================

type MemberState struct {
	ID             MemberID
	GroupID        GroupID
	Name           string
	DifficultyMode Mode
	IsSickMode     bool
	SickSince      *Date  // first sick day; nil means "for as long as the flag is set"
	SickUntil      *Date  // last sick day of a period that has been switched off
	TimeZone       string // member-local calendar; falls back to the group zone

	// HasFlexibleRestDay is derived from the grant records (see rewards),
	// populated by the store on read.
	HasFlexibleRestDay bool

	CreatedAt time.Time
}

// IsSickOn reports whether sick mode exempts the member on date. Once sick
// mode is switched off, the closed period [SickSince, SickUntil] still counts.
func (m MemberState) IsSickOn(date Date) bool {
	if m.IsSickMode {
		return m.SickSince == nil || !date.Before(*m.SickSince)
	}
	if m.SickSince == nil || m.SickUntil == nil {
		return false
	}
	return !date.Before(*m.SickSince) && !date.After(*m.SickUntil)
}

// EndSickMode switches sick mode off on today. The period keeps covering
// every day before today; a period that started today is dropped.
func (m *MemberState) EndSickMode(today Date) {
	m.IsSickMode = false
	m.SickUntil = nil
	if m.SickSince == nil {
		return
	}
	last := today.AddDays(-1)
	if last.Before(*m.SickSince) {
		m.SickSince = nil
		return
	}
	m.SickUntil = &last
}

// Location returns the member's zone, falling back to the group's.
func (m MemberState) Location(group GroupConfig) *time.Location {
	if m.TimeZone != "" {
		if loc, err := LoadLocation(m.TimeZone); err == nil {
			return loc
		}
	}
	return group.Location()
}

// =============================================================================
// ACTIVITY LOG
// =============================================================================

// ActivityLog is append-only. Date is the member-local calendar day, so a log
// entered at 23:50 stays on that day.
type ActivityLog struct {
	ID        LogID
	MemberID  MemberID
	Date      Date
	Category  Category
	Exercise  string
	Points    int
	CreatedAt time.Time
}

// =============================================================================
// RECOVERY DAY
// =============================================================================

// RecoveryDay is a member's activated weekly recovery day. At most one exists
// per member per ISO week.
type RecoveryDay struct {
	ID              RecoveryDayID
	MemberID        MemberID
	UsedDate        Date
	Week            Week
	RecoveryMinutes int
	IsComplete      bool
	CreatedAt       time.Time
}

// =============================================================================
// PENALTY
// =============================================================================

type PenaltyStatus string

const (
	PenaltyPending  PenaltyStatus = "pending"
	PenaltyAccepted PenaltyStatus = "accepted"
	PenaltyDisputed PenaltyStatus = "disputed"
	PenaltyWaived   PenaltyStatus = "waived"
	PenaltyRejected PenaltyStatus = "rejected"
)

// Resolution records who moved a penalty out of pending.
type Resolution string

const (
	ResolvedByMember Resolution = "member"
	ResolvedByAuto   Resolution = "auto"
	ResolvedByAdmin  Resolution = "admin"
)

// ReasonCategory classifies a dispute.
type ReasonCategory string

const (
	ReasonInjury    ReasonCategory = "injury"
	ReasonIllness   ReasonCategory = "illness"
	ReasonTechnical ReasonCategory = "technical"
	ReasonTravel    ReasonCategory = "travel"
	ReasonOther     ReasonCategory = "other"
)

// Valid reports whether c is a known reason category.
func (c ReasonCategory) Valid() bool {
	switch c {
	case ReasonInjury, ReasonIllness, ReasonTechnical, ReasonTravel, ReasonOther:
		return true
	}
	return false
}

// Penalty is a missed day. Exactly one exists per (member, date).
type Penalty struct {
	ID       PenaltyID
	MemberID MemberID
	GroupID  GroupID
	Date     Date // the evaluated day, always in the past

	TargetPoints int
	ActualPoints int // effective, post-cap
	Amount       decimal.Decimal

	Status    PenaltyStatus
	CreatedAt time.Time
	Deadline  time.Time

	ReasonCategory ReasonCategory
	ReasonMessage  string

	ResolvedAt *time.Time
	ResolvedBy Resolution
}

// IsExpired is derived, never stored.
func (p Penalty) IsExpired(now time.Time) bool {
	return now.After(p.Deadline)
}

// IsPending reports whether the penalty still awaits a decision.
func (p Penalty) IsPending() bool { return p.Status == PenaltyPending }

// =============================================================================
// FLEXIBLE REST DAY GRANT
// =============================================================================

// FlexGrant is a one-shot flexible rest day earned by overperformance.
// Consumption is a claim on the record, not a flag toggle.
type FlexGrant struct {
	ID        GrantID
	MemberID  MemberID
	EarnedOn  Date
	UsedOn    *Date
	CreatedAt time.Time
}

// =============================================================================
// GROUP CHECK
// =============================================================================

// CheckSummary is the human-readable result of a group-wide penalty check.
type CheckSummary struct {
	GroupID  GroupID
	Date     Date
	Met      int
	Missed   int
	Disputed int
	Exempt   int
	Accepted int // penalties auto-accepted during the check
	Failed   int // members whose evaluation failed
	Deferred int // members whose local day had not ended yet
}

type CheckRunStatus string

const (
	CheckRunning   CheckRunStatus = "running"
	CheckCompleted CheckRunStatus = "completed"
	CheckFailed    CheckRunStatus = "failed"
	CheckDeferred  CheckRunStatus = "deferred"
)

// Retryable reports whether a later run may reclaim the record.
func (s CheckRunStatus) Retryable() bool {
	return s == CheckFailed || s == CheckDeferred
}

// CheckRun records one group check, unique per (group, date).
type CheckRun struct {
	ID          string
	GroupID     GroupID
	Date        Date
	Status      CheckRunStatus
	Summary     CheckSummary
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// =============================================================================
// ANNOUNCEMENTS
// =============================================================================

type AnnouncementKind string

const (
	AnnounceRecoveryDay  AnnouncementKind = "recovery_day_activated"
	AnnouncePenaltyCheck AnnouncementKind = "penalty_check_completed"
)

// Announcement is a plain summary posted into a group's shared channel.
type Announcement struct {
	GroupID  GroupID          `json:"group_id"`
	MemberID MemberID         `json:"member_id,omitempty"`
	Kind     AnnouncementKind `json:"kind"`
	Message  string           `json:"message"`
	Summary  *CheckSummary    `json:"summary,omitempty"`
	At       time.Time        `json:"at"`
}
