/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's model from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. Handlers run
  h.Validate.Struct before touching the engine; rules that need the store
  (does the group exist, is the date in the future) stay in the handlers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/group.go: GroupJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commitment-engine/core"
	"github.com/warp/commitment-engine/factory"
	"github.com/warp/commitment-engine/penalty"
	"github.com/warp/commitment-engine/recovery"
	"github.com/warp/commitment-engine/scheduler"
)

// =============================================================================
// GROUPS AND MEMBERS
// =============================================================================

// GroupDTO is a group's rules plus derived "today" information.
type GroupDTO struct {
	factory.GroupJSON
	Today          string `json:"today"`
	DaysSinceStart int    `json:"days_since_start"`
}

type MemberDTO struct {
	ID                 string `json:"id"`
	GroupID            string `json:"group_id"`
	Name               string `json:"name"`
	DifficultyMode     string `json:"difficulty_mode"`
	IsSickMode         bool   `json:"is_sick_mode"`
	SickSince          string `json:"sick_since,omitempty"`
	SickUntil          string `json:"sick_until,omitempty"`
	TimeZone           string `json:"time_zone,omitempty"`
	HasFlexibleRestDay bool   `json:"has_flexible_rest_day"`
}

type CreateMemberRequest struct {
	ID             string `json:"id" validate:"required,max=64"`
	GroupID        string `json:"group_id" validate:"required"`
	Name           string `json:"name" validate:"required,max=100"`
	DifficultyMode string `json:"difficulty_mode" validate:"omitempty,oneof=sane insane"`
	TimeZone       string `json:"time_zone" validate:"omitempty,max=64"`
}

// UpdateMemberRequest changes only the fields that are present.
type UpdateMemberRequest struct {
	Name           *string `json:"name" validate:"omitempty,min=1,max=100"`
	DifficultyMode *string `json:"difficulty_mode" validate:"omitempty,oneof=sane insane"`
	IsSickMode     *bool   `json:"is_sick_mode"`
	SickSince      *string `json:"sick_since"`
	TimeZone       *string `json:"time_zone" validate:"omitempty,max=64"`
}

// =============================================================================
// ACTIVITY
// =============================================================================

type LogActivityRequest struct {
	ID       string `json:"id" validate:"omitempty,max=64"`
	Exercise string `json:"exercise" validate:"required,max=64"`
	Category string `json:"category" validate:"omitempty,oneof=recovery other"`
	Points   int    `json:"points" validate:"min=1,max=100000"`
	Date     string `json:"date"` // member-local day, defaults to today
}

type ActivityLogDTO struct {
	ID        string `json:"id"`
	MemberID  string `json:"member_id"`
	Date      string `json:"date"`
	Category  string `json:"category"`
	Exercise  string `json:"exercise,omitempty"`
	Points    int    `json:"points"`
	CreatedAt string `json:"created_at,omitempty"`
}

// LogActivityResponse echoes the log and, on a recovery day, the updated
// progress.
type LogActivityResponse struct {
	Log         ActivityLogDTO  `json:"log"`
	RecoveryDay *RecoveryDayDTO `json:"recovery_day,omitempty"`
}

// =============================================================================
// TARGETS AND ASSESSMENTS
// =============================================================================

type AssessmentDTO struct {
	MemberID         string `json:"member_id"`
	Date             string `json:"date"`
	Kind             string `json:"kind"`
	Target           int    `json:"target"`
	DisplayTarget    int    `json:"display_target"`
	Effective        int    `json:"effective"`
	RecoveryRaw      int    `json:"recovery_raw"`
	NonRecoveryRaw   int    `json:"non_recovery_raw"`
	RecoveryCapLimit int    `json:"recovery_cap_limit"`
	RecoveryCounted  int    `json:"recovery_counted"`
	CapLifted        bool   `json:"cap_lifted"`
	Remaining        int    `json:"remaining"`
	Met              bool   `json:"met"`
	Exempt           bool   `json:"exempt"`
}

func toAssessmentDTO(a penalty.Assessment) AssessmentDTO {
	remaining := a.Target - a.Totals.Effective
	if remaining < 0 || a.Exempt {
		remaining = 0
	}
	return AssessmentDTO{
		MemberID:         string(a.MemberID),
		Date:             a.Date.String(),
		Kind:             string(a.Kind),
		Target:           a.Target,
		DisplayTarget:    a.DisplayTarget,
		Effective:        a.Totals.Effective,
		RecoveryRaw:      a.Totals.RecoveryRaw,
		NonRecoveryRaw:   a.Totals.NonRecoveryRaw,
		RecoveryCapLimit: a.Totals.RecoveryCapLimit,
		RecoveryCounted:  a.Totals.RecoveryCounted,
		CapLifted:        a.Totals.CapLifted,
		Remaining:        remaining,
		Met:              a.Met,
		Exempt:           a.Exempt,
	}
}

// =============================================================================
// PENALTIES
// =============================================================================

type PenaltyDTO struct {
	ID             string          `json:"id"`
	MemberID       string          `json:"member_id"`
	GroupID        string          `json:"group_id"`
	Date           string          `json:"date"`
	TargetPoints   int             `json:"target_points"`
	ActualPoints   int             `json:"actual_points"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	IsExpired      bool            `json:"is_expired"`
	CreatedAt      string          `json:"created_at"`
	Deadline       string          `json:"deadline"`
	ReasonCategory string          `json:"reason_category,omitempty"`
	ReasonMessage  string          `json:"reason_message,omitempty"`
	ResolvedAt     string          `json:"resolved_at,omitempty"`
	ResolvedBy     string          `json:"resolved_by,omitempty"`
}

func toPenaltyDTO(p core.Penalty, now time.Time) PenaltyDTO {
	dto := PenaltyDTO{
		ID:             string(p.ID),
		MemberID:       string(p.MemberID),
		GroupID:        string(p.GroupID),
		Date:           p.Date.String(),
		TargetPoints:   p.TargetPoints,
		ActualPoints:   p.ActualPoints,
		Amount:         p.Amount,
		Status:         string(p.Status),
		IsExpired:      p.IsPending() && p.IsExpired(now),
		CreatedAt:      p.CreatedAt.Format(time.RFC3339),
		Deadline:       p.Deadline.Format(time.RFC3339),
		ReasonCategory: string(p.ReasonCategory),
		ReasonMessage:  p.ReasonMessage,
		ResolvedBy:     string(p.ResolvedBy),
	}
	if p.ResolvedAt != nil {
		dto.ResolvedAt = p.ResolvedAt.Format(time.RFC3339)
	}
	return dto
}

func toPenaltyDTOs(ps []core.Penalty, now time.Time) []PenaltyDTO {
	dtos := make([]PenaltyDTO, len(ps))
	for i, p := range ps {
		dtos[i] = toPenaltyDTO(p, now)
	}
	return dtos
}

type RespondRequest struct {
	Action         string `json:"action" validate:"required,oneof=accept dispute"`
	ReasonCategory string `json:"reason_category" validate:"omitempty,oneof=injury illness technical travel other"`
	Message        string `json:"message" validate:"max=500"`
}

type AdjudicateRequest struct {
	Decision string `json:"decision" validate:"required,oneof=waived rejected accepted"`
	AdminID  string `json:"admin_id" validate:"required"`
	Note     string `json:"note" validate:"max=500"`
}

// =============================================================================
// SESSION
// =============================================================================

// SessionDTO is the result of opening the app: yesterday evaluated, expired
// penalties auto-accepted, the rest still awaiting a response.
type SessionDTO struct {
	MemberID        string          `json:"member_id"`
	Evaluated       string          `json:"evaluated"`
	Created         *PenaltyDTO     `json:"created,omitempty"`
	EvaluationError string          `json:"evaluation_error,omitempty"`
	AutoAccepted    []PenaltyDTO    `json:"auto_accepted"`
	Active          []PenaltyDTO    `json:"active"`
	Failures        []FailureDTO    `json:"failures,omitempty"`
	Today           *AssessmentDTO  `json:"today,omitempty"`
	RecoveryDay     *RecoveryDayDTO `json:"recovery_day,omitempty"`
}

type FailureDTO struct {
	PenaltyID string `json:"penalty_id"`
	Error     string `json:"error"`
}

func toSessionDTO(res *scheduler.Result, now time.Time) SessionDTO {
	dto := SessionDTO{
		MemberID:     string(res.MemberID),
		Evaluated:    res.Evaluated.String(),
		AutoAccepted: toPenaltyDTOs(res.AutoAccepted, now),
		Active:       toPenaltyDTOs(res.Active, now),
	}
	if res.Created != nil {
		p := toPenaltyDTO(*res.Created, now)
		dto.Created = &p
	}
	if res.EvaluationErr != nil {
		dto.EvaluationError = res.EvaluationErr.Error()
	}
	for _, f := range res.Failures {
		dto.Failures = append(dto.Failures, FailureDTO{PenaltyID: string(f.PenaltyID), Error: f.Err.Error()})
	}
	return dto
}

// =============================================================================
// RECOVERY DAYS AND FLEXIBLE REST DAYS
// =============================================================================

type RecoveryDayDTO struct {
	ID              string `json:"id"`
	MemberID        string `json:"member_id"`
	UsedDate        string `json:"used_date"`
	Week            string `json:"week"`
	RecoveryMinutes int    `json:"recovery_minutes"`
	TargetMinutes   int    `json:"target_minutes"`
	IsComplete      bool   `json:"is_complete"`
	State           string `json:"state"`
}

func toRecoveryDayDTO(rd *core.RecoveryDay, targetMinutes int) *RecoveryDayDTO {
	if rd == nil {
		return nil
	}
	return &RecoveryDayDTO{
		ID:              string(rd.ID),
		MemberID:        string(rd.MemberID),
		UsedDate:        rd.UsedDate.String(),
		Week:            string(rd.Week),
		RecoveryMinutes: rd.RecoveryMinutes,
		TargetMinutes:   targetMinutes,
		IsComplete:      rd.IsComplete,
		State:           string(recovery.StateOf(rd)),
	}
}

// RecoveryWeekDTO answers "can I take a recovery day today?".
type RecoveryWeekDTO struct {
	Week        string          `json:"week"`
	CanActivate bool            `json:"can_activate"`
	RecoveryDay *RecoveryDayDTO `json:"recovery_day,omitempty"`
}

type RecoveryProgressRequest struct {
	Minutes int `json:"minutes" validate:"min=0,max=1440"`
}

type FlexGrantDTO struct {
	ID       string `json:"id"`
	EarnedOn string `json:"earned_on"`
	UsedOn   string `json:"used_on,omitempty"`
}

func toFlexGrantDTO(g core.FlexGrant) FlexGrantDTO {
	dto := FlexGrantDTO{ID: string(g.ID), EarnedOn: g.EarnedOn.String()}
	if g.UsedOn != nil {
		dto.UsedOn = g.UsedOn.String()
	}
	return dto
}

type UseFlexRestDayRequest struct {
	Date string `json:"date"` // defaults to today
}

// =============================================================================
// POT AND CHECKS
// =============================================================================

type PotDTO struct {
	GroupID       string                     `json:"group_id"`
	Currency      string                     `json:"currency"`
	Balance       decimal.Decimal            `json:"balance"`
	Contributions map[string]decimal.Decimal `json:"contributions"`
	Entries       []PotEntryDTO              `json:"entries"`
}

type PotEntryDTO struct {
	ID          string          `json:"id"`
	MemberID    string          `json:"member_id"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	ReferenceID string          `json:"reference_id,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

type PotAdjustmentRequest struct {
	MemberID string          `json:"member_id" validate:"required"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason" validate:"required,max=200"`
}

type CheckRunDTO struct {
	ID          string          `json:"id"`
	GroupID     string          `json:"group_id"`
	Date        string          `json:"date"`
	Status      string          `json:"status"`
	Summary     CheckSummaryDTO `json:"summary"`
	Message     string          `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   string          `json:"started_at"`
	CompletedAt string          `json:"completed_at,omitempty"`
	Ran         bool            `json:"ran"`
}

type CheckSummaryDTO struct {
	Met      int `json:"met"`
	Missed   int `json:"missed"`
	Disputed int `json:"disputed"`
	Exempt   int `json:"exempt"`
	Accepted int `json:"auto_accepted"`
	Failed   int `json:"failed"`
	Deferred int `json:"deferred"`
}

func toCheckRunDTO(group core.GroupConfig, r core.CheckRun, ran bool) CheckRunDTO {
	dto := CheckRunDTO{
		ID:      r.ID,
		GroupID: string(r.GroupID),
		Date:    r.Date.String(),
		Status:  string(r.Status),
		Summary: CheckSummaryDTO{
			Met:      r.Summary.Met,
			Missed:   r.Summary.Missed,
			Disputed: r.Summary.Disputed,
			Exempt:   r.Summary.Exempt,
			Accepted: r.Summary.Accepted,
			Failed:   r.Summary.Failed,
			Deferred: r.Summary.Deferred,
		},
		Error:     r.Error,
		StartedAt: r.StartedAt.Format(time.RFC3339),
		Ran:       ran,
	}
	if r.Status == core.CheckCompleted {
		dto.Message = scheduler.SummaryMessage(group, r.Summary)
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

type RunCheckRequest struct {
	Date string `json:"date"` // defaults to yesterday in the group's zone
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
