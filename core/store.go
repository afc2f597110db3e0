/*
store.go - Persistence and messaging contracts

PURPOSE:
  Defines the interface between the engine and its collaborators. The
  engine assumes each call returns a consistent snapshot and that an
  acknowledged write is durable.

KEY INTERFACES:
  GroupStore, MemberStore:  Configuration owned outside the engine
  ActivityStore:            Append-only activity logs (owner may delete)
  RecoveryStore:            Recovery days, unique per (member, ISO week)
  PenaltyStore:             Penalties, unique per (member, date), CAS transitions
  PotStore:                 Append-only group pot ledger
  GrantStore:               Claim-once flexible rest days
  CheckRunStore:            Group-wide check records, unique per (group, date)
  Notifier:                 Posts announcements into a group channel

UNIQUENESS IS THE LOCK:
  Concurrent sessions for the same member are expected. Invariants are
  enforced by the store (unique indexes, compare-and-set updates), never by
  in-process locks in the domain packages. A create that hits an existing
  record returns ErrDuplicate and the caller reads the existing one.

LOOKUP CONVENTIONS:
  Get*  returns a *NotFoundError when the record is missing.
  Find* returns (nil, nil) when the record is missing.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - core/store/memory.go: In-memory for tests and demos

SEE ALSO:
  - ledger.go: Pot ledger built on PotStore
*/
package core

import (
	"context"
	"time"
)

// =============================================================================
// CONFIGURATION STORES
// =============================================================================

type GroupStore interface {
	SaveGroup(ctx context.Context, g GroupConfig) error
	GetGroup(ctx context.Context, id GroupID) (*GroupConfig, error)
	ListGroups(ctx context.Context) ([]GroupConfig, error)
}

type MemberStore interface {
	SaveMember(ctx context.Context, m MemberState) error
	GetMember(ctx context.Context, id MemberID) (*MemberState, error)
	ListMembers(ctx context.Context, groupID GroupID) ([]MemberState, error)
}

// =============================================================================
// ACTIVITY STORE
// =============================================================================

type ActivityStore interface {
	// AppendLog persists a new log. Logs are never updated.
	AppendLog(ctx context.Context, log ActivityLog) error

	// LogsForDay returns a member's logs for one calendar day.
	LogsForDay(ctx context.Context, memberID MemberID, date Date) ([]ActivityLog, error)

	// LogsInRange returns logs in [from, to], ordered by date.
	LogsInRange(ctx context.Context, memberID MemberID, from, to Date) ([]ActivityLog, error)

	// DeleteLog removes a log owned by memberID.
	DeleteLog(ctx context.Context, memberID MemberID, id LogID) error
}

// =============================================================================
// RECOVERY STORE
// =============================================================================

type RecoveryStore interface {
	// CreateRecoveryDay returns ErrDuplicate if the member already has a
	// recovery day in rd.Week.
	CreateRecoveryDay(ctx context.Context, rd RecoveryDay) error
	FindRecoveryDayForWeek(ctx context.Context, memberID MemberID, week Week) (*RecoveryDay, error)
	UpdateRecoveryDay(ctx context.Context, rd RecoveryDay) error
	DeleteRecoveryDay(ctx context.Context, id RecoveryDayID) error
}

// =============================================================================
// PENALTY STORE
// =============================================================================

// PenaltyFilter narrows ListPenalties. Zero fields match everything.
type PenaltyFilter struct {
	MemberID MemberID
	GroupID  GroupID
	Statuses []PenaltyStatus
	Date     *Date
}

// PenaltyTransition is a compare-and-set on a penalty's status. The store
// applies it only if the current status is one of From, and appends PotEntry
// (when set) in the same unit of work.
type PenaltyTransition struct {
	ID             PenaltyID
	From           []PenaltyStatus
	To             PenaltyStatus
	ResolvedBy     Resolution
	ResolvedAt     time.Time
	ReasonCategory ReasonCategory
	ReasonMessage  string
	PotEntry       *PotEntry
}

type PenaltyStore interface {
	// CreatePenalty returns ErrDuplicate if a penalty exists for
	// (p.MemberID, p.Date). Either every field is written or nothing is.
	CreatePenalty(ctx context.Context, p Penalty) error
	GetPenalty(ctx context.Context, id PenaltyID) (*Penalty, error)
	FindPenalty(ctx context.Context, memberID MemberID, date Date) (*Penalty, error)
	ListPenalties(ctx context.Context, filter PenaltyFilter) ([]Penalty, error)

	// TransitionPenalty returns the updated penalty, or a *TransitionError
	// wrapping ErrAlreadyResolved when the current status is not in t.From.
	TransitionPenalty(ctx context.Context, t PenaltyTransition) (*Penalty, error)
}

// =============================================================================
// POT STORE
// =============================================================================

type PotStore interface {
	// AppendPotEntry returns ErrDuplicateIdempotencyKey if the key exists.
	AppendPotEntry(ctx context.Context, e PotEntry) error
	PotEntries(ctx context.Context, groupID GroupID) ([]PotEntry, error)
	PotEntryExists(ctx context.Context, idempotencyKey string) (bool, error)
}

// =============================================================================
// GRANT STORE
// =============================================================================

type GrantStore interface {
	// CreateGrant returns ErrDuplicate if the member already holds an unused
	// grant or already earned one on g.EarnedOn.
	CreateGrant(ctx context.Context, g FlexGrant) error
	FindUnusedGrant(ctx context.Context, memberID MemberID) (*FlexGrant, error)
	FindGrantUsedOn(ctx context.Context, memberID MemberID, date Date) (*FlexGrant, error)

	// ClaimGrant marks the grant used on date. Returns ErrNoEntitlement if it
	// was already used.
	ClaimGrant(ctx context.Context, id GrantID, date Date) error
	ListGrants(ctx context.Context, memberID MemberID) ([]FlexGrant, error)
}

// =============================================================================
// CHECK RUN STORE
// =============================================================================

type CheckRunStore interface {
	// CreateCheckRun returns ErrDuplicate if a run exists for (group, date).
	CreateCheckRun(ctx context.Context, run CheckRun) error
	UpdateCheckRun(ctx context.Context, run CheckRun) error
	// ReclaimCheckRun moves the run for (group, date) from status from back
	// to running. It reports false when another caller got there first.
	ReclaimCheckRun(ctx context.Context, groupID GroupID, date Date, from CheckRunStatus, startedAt time.Time) (bool, error)
	FindCheckRun(ctx context.Context, groupID GroupID, date Date) (*CheckRun, error)
	ListCheckRuns(ctx context.Context, groupID GroupID) ([]CheckRun, error)
}

// =============================================================================
// COMPOSITE STORE
// =============================================================================

// Store is everything a full deployment persists.
type Store interface {
	GroupStore
	MemberStore
	ActivityStore
	RecoveryStore
	PenaltyStore
	PotStore
	GrantStore
	CheckRunStore
}

// =============================================================================
// NOTIFIER
// =============================================================================

// Notifier posts announcements to a group's shared channel. A failed post
// must never block or roll back an engine state transition.
type Notifier interface {
	Announce(ctx context.Context, a Announcement) error
}

// NopNotifier drops every announcement.
type NopNotifier struct{}

func (NopNotifier) Announce(context.Context, Announcement) error { return nil }
