/*
handlers.go - HTTP API handlers for the commitment engine

PURPOSE:
  Exposes the engine via REST. Handles HTTP request/response, JSON
  serialization and validation, reads the clock, and delegates to the
  domain packages. Everything below this layer takes explicit instants.

ENDPOINTS:
  Groups:
    GET    /api/groups                      List groups
    GET    /api/groups/{id}                 Group rules and today's day number
    PUT    /api/groups/{id}                 Create or replace rules (GroupJSON)
    GET    /api/groups/{id}/members         Members of the group
    GET    /api/groups/{id}/penalties       Penalties (?status=pending,disputed&date=)
    GET    /api/groups/{id}/pot             Pot balance, contributions, entries
    POST   /api/groups/{id}/pot/adjustments Manual pot correction
    GET    /api/groups/{id}/checks          Group check history
    POST   /api/groups/{id}/checks          Run the group check for a day

  Members:
    POST   /api/members                          Create member
    GET    /api/members/{id}                     Member details
    PATCH  /api/members/{id}                     Mode, sick mode, zone
    POST   /api/members/{id}/session             Evaluate yesterday, auto-accept expired
    GET    /api/members/{id}/assessment          Target and progress (?date=)
    GET    /api/members/{id}/logs                Logs (?from=&to=)
    POST   /api/members/{id}/logs                Log activity
    DELETE /api/members/{id}/logs/{logID}        Delete own log
    GET    /api/members/{id}/penalties           Member penalties (?status=)
    GET    /api/members/{id}/recovery-day        This week's recovery day
    POST   /api/members/{id}/recovery-day        Activate today
    DELETE /api/members/{id}/recovery-day        Cancel today's
    PUT    /api/members/{id}/recovery-day/progress  Set minutes done
    GET    /api/members/{id}/flex-rest-days      Grants earned and used
    POST   /api/members/{id}/flex-rest-days/use  Spend the grant

  Penalties:
    GET    /api/penalties/{id}              Penalty details
    POST   /api/penalties/{id}/respond      Member accept or dispute
    POST   /api/penalties/{id}/adjudicate   Admin waive, reject or accept

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status derived from the error:
  - 400: Validation errors (core.IsValidation, validator errors)
  - 404: Missing records (core.IsNotFound)
  - 409: Precondition no longer holds (core.IsConflict)
  - 500: Everything else, logged

SECURITY NOTE:
  No authentication. Member and admin identity are taken from the request.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/commitment-engine/core"
	"github.com/warp/commitment-engine/factory"
	"github.com/warp/commitment-engine/metrics"
	"github.com/warp/commitment-engine/penalty"
	"github.com/warp/commitment-engine/recovery"
	"github.com/warp/commitment-engine/rewards"
	"github.com/warp/commitment-engine/scheduler"
	"github.com/warp/commitment-engine/target"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     core.Store
	Groups    *factory.GroupFactory
	Penalties *penalty.Manager
	Recovery  *recovery.Tracker
	Rewards   *rewards.Service
	Resolver  *scheduler.AutoResolver
	Checks    *scheduler.GroupCheck
	Pot       *core.PotLedger
	Clock     core.Clock
	Validate  *validator.Validate
	Logger    *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the engine services over one store.
func NewHandler(store core.Store, notifier core.Notifier, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = core.NopNotifier{}
	}

	penalties := penalty.NewManager(store, m, logger)
	flex := rewards.NewService(store, m, logger)
	penalties.Rewards = flex

	return &Handler{
		Store:     store,
		Groups:    factory.NewGroupFactory(),
		Penalties: penalties,
		Recovery:  recovery.NewTracker(store, notifier, m, logger),
		Rewards:   flex,
		Resolver:  scheduler.NewAutoResolver(store, penalties, m, logger),
		Checks:    scheduler.NewGroupCheck(store, penalties, notifier, m, logger),
		Pot:       core.NewPotLedger(store),
		Clock:     core.SystemClock{},
		Validate:  validator.New(),
		Logger:    logger.With("component", "api"),
	}
}

// =============================================================================
// GROUP HANDLERS
// =============================================================================

// ListGroups returns all groups.
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Store.ListGroups(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list groups", err)
		return
	}
	dtos := make([]GroupDTO, len(groups))
	for i, g := range groups {
		dtos[i] = h.toGroupDTO(g)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetGroup returns one group's rules.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.Store.GetGroup(r.Context(), core.GroupID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get group", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toGroupDTO(*g))
}

// PutGroup creates or replaces a group's rules. Changing start_date applies
// retroactively to every past target.
func (h *Handler) PutGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var gj factory.GroupJSON
	if err := h.decode(r, &gj); err != nil {
		h.writeDomainError(w, "Invalid request body", err)
		return
	}
	if gj.ID == "" {
		gj.ID = id
	}
	if gj.ID != id {
		writeError(w, http.StatusBadRequest, "Group id in body does not match URL", nil)
		return
	}

	group, err := h.Groups.FromJSON(gj)
	if err != nil {
		h.writeDomainError(w, "Invalid group", err)
		return
	}

	status := http.StatusCreated
	existing, err := h.Store.GetGroup(ctx, group.ID)
	switch {
	case err == nil:
		status = http.StatusOK
		group.CreatedAt = existing.CreatedAt
	case !core.IsNotFound(err):
		h.writeDomainError(w, "Failed to load group", err)
		return
	}

	if err := h.Store.SaveGroup(ctx, *group); err != nil {
		h.writeDomainError(w, "Failed to save group", err)
		return
	}
	h.Logger.Info("group saved", "group", group.ID, "start_date", group.StartDate)
	writeJSON(w, status, h.toGroupDTO(*group))
}

// ListGroupMembers returns the members of a group.
func (h *Handler) ListGroupMembers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	group, err := h.Store.GetGroup(ctx, core.GroupID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get group", err)
		return
	}
	members, err := h.Store.ListMembers(ctx, group.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to list members", err)
		return
	}
	dtos := make([]MemberDTO, len(members))
	for i, m := range members {
		dtos[i] = toMemberDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListGroupPenalties returns a group's penalties, optionally filtered by
// status list and date.
func (h *Handler) ListGroupPenalties(w http.ResponseWriter, r *http.Request) {
	filter, err := penaltyFilter(r)
	if err != nil {
		h.writeDomainError(w, "Invalid query", err)
		return
	}
	filter.GroupID = core.GroupID(chi.URLParam(r, "id"))

	penalties, err := h.Penalties.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list penalties", err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltyDTOs(penalties, h.Clock.Now()))
}

// GetPot returns the group pot.
func (h *Handler) GetPot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	group, err := h.Store.GetGroup(ctx, core.GroupID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get group", err)
		return
	}

	entries, err := h.Pot.Entries(ctx, group.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to load pot", err)
		return
	}
	balance, err := h.Pot.Balance(ctx, group.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to load pot", err)
		return
	}
	byMember, err := h.Pot.ContributionsByMember(ctx, group.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to load pot", err)
		return
	}

	dto := PotDTO{
		GroupID:       string(group.ID),
		Currency:      group.Currency,
		Balance:       balance,
		Contributions: make(map[string]decimal.Decimal, len(byMember)),
		Entries:       make([]PotEntryDTO, len(entries)),
	}
	for id, amount := range byMember {
		dto.Contributions[string(id)] = amount
	}
	for i, e := range entries {
		dto.Entries[i] = PotEntryDTO{
			ID:          string(e.ID),
			MemberID:    string(e.MemberID),
			Amount:      e.Amount,
			Type:        string(e.Type),
			ReferenceID: e.ReferenceID,
			Reason:      e.Reason,
			CreatedAt:   e.CreatedAt.Format(timeLayout),
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// AdjustPot appends a manual correction to the pot.
func (h *Handler) AdjustPot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groupID := core.GroupID(chi.URLParam(r, "id"))

	var req PotAdjustmentRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request body", err)
		return
	}
	if req.Amount.IsZero() {
		writeError(w, http.StatusBadRequest, "Adjustment amount must not be zero", nil)
		return
	}
	if _, err := h.Store.GetGroup(ctx, groupID); err != nil {
		h.writeDomainError(w, "Failed to get group", err)
		return
	}

	entry := core.PotEntry{
		ID:        core.PotEntryID(uuid.NewString()),
		GroupID:   groupID,
		MemberID:  core.MemberID(req.MemberID),
		Amount:    req.Amount,
		Type:      core.PotAdjustment,
		Reason:    req.Reason,
		CreatedAt: h.Clock.Now(),
	}
	if err := h.Pot.Append(ctx, entry); err != nil {
		h.writeDomainError(w, "Failed to adjust pot", err)
		return
	}
	writeJSON(w, http.StatusCreated, PotEntryDTO{
		ID:        string(entry.ID),
		MemberID:  string(entry.MemberID),
		Amount:    entry.Amount,
		Type:      string(entry.Type),
		Reason:    entry.Reason,
		CreatedAt: entry.CreatedAt.Format(timeLayout),
	})
}

// ListChecks returns a group's check history, newest first.
func (h *Handler) ListChecks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	group, err := h.Store.GetGroup(ctx, core.GroupID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get group", err)
		return
	}
	runs, err := h.Store.ListCheckRuns(ctx, group.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to list checks", err)
		return
	}
	dtos := make([]CheckRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toCheckRunDTO(*group, run, false)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunCheck runs the group check for a finished day. A day that was already
// checked returns the earlier run with ran=false.
func (h *Handler) RunCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.Clock.Now()

	group, err := h.Store.GetGroup(ctx, core.GroupID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get group", err)
		return
	}

	var req RunCheckRequest
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			h.writeDomainError(w, "Invalid request body", err)
			return
		}
	}

	today := core.DateOf(now, group.Location())
	date, err := parseDate("date", req.Date, today.AddDays(-1))
	if err != nil {
		h.writeDomainError(w, "Invalid date", err)
		return
	}
	if !date.Before(today) {
		writeError(w, http.StatusBadRequest, "Only finished days can be checked", nil)
		return
	}

	run, ran, err := h.Checks.Run(ctx, group.ID, date, now)
	if err != nil {
		h.writeDomainError(w, "Group check failed", err)
		return
	}
	status := http.StatusOK
	if ran {
		status = http.StatusCreated
	}
	writeJSON(w, status, toCheckRunDTO(*group, *run, ran))
}

func (h *Handler) toGroupDTO(g core.GroupConfig) GroupDTO {
	today := core.DateOf(h.Clock.Now(), g.Location())
	return GroupDTO{
		GroupJSON:      h.Groups.ToJSON(g),
		Today:          today.String(),
		DaysSinceStart: g.DaysSinceStart(today),
	}
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// CreateMember adds a member to an existing group.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateMemberRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request body", err)
		return
	}
	if req.TimeZone != "" {
		if _, err := core.LoadLocation(req.TimeZone); err != nil {
			h.writeDomainError(w, "Invalid time zone", &core.ValidationError{Field: "time_zone", Message: err.Error()})
			return
		}
	}
	if _, err := h.Store.GetGroup(ctx, core.GroupID(req.GroupID)); err != nil {
		h.writeDomainError(w, "Failed to get group", err)
		return
	}
	if _, err := h.Store.GetMember(ctx, core.MemberID(req.ID)); err == nil {
		writeError(w, http.StatusConflict, "Member already exists", core.ErrDuplicate)
		return
	} else if !core.IsNotFound(err) {
		h.writeDomainError(w, "Failed to check member", err)
		return
	}

	mode := core.Mode(req.DifficultyMode)
	if mode == "" {
		mode = core.ModeSane
	}
	member := core.MemberState{
		ID:             core.MemberID(req.ID),
		GroupID:        core.GroupID(req.GroupID),
		Name:           req.Name,
		DifficultyMode: mode,
		TimeZone:       req.TimeZone,
		CreatedAt:      h.Clock.Now(),
	}
	if err := h.Store.SaveMember(ctx, member); err != nil {
		h.writeDomainError(w, "Failed to create member", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(member))
}

// GetMember returns one member.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.Store.GetMember(r.Context(), core.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get member", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(*m))
}

// UpdateMember changes difficulty mode, sick mode, name or zone. Turning
// sick mode on starts a period today unless sick_since says otherwise;
// turning it off closes the period yesterday so finished sick days stay
// exempt.
func (h *Handler) UpdateMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	member, group, err := h.loadMember(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get member", err)
		return
	}

	var req UpdateMemberRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request body", err)
		return
	}

	if req.Name != nil {
		member.Name = *req.Name
	}
	if req.DifficultyMode != nil {
		member.DifficultyMode = core.Mode(*req.DifficultyMode)
	}
	if req.TimeZone != nil {
		if _, err := core.LoadLocation(*req.TimeZone); err != nil {
			h.writeDomainError(w, "Invalid time zone", &core.ValidationError{Field: "time_zone", Message: err.Error()})
			return
		}
		member.TimeZone = *req.TimeZone
	}
	if req.IsSickMode != nil && *req.IsSickMode != member.IsSickMode {
		today := h.today(*member, *group)
		if *req.IsSickMode {
			member.IsSickMode = true
			member.SickSince = &today
			member.SickUntil = nil
		} else {
			member.EndSickMode(today)
		}
	}
	if req.SickSince != nil {
		since, err := parseDate("sick_since", *req.SickSince, core.Date{})
		if err != nil {
			h.writeDomainError(w, "Invalid sick_since", err)
			return
		}
		if since.IsZero() {
			member.SickSince = nil
		} else {
			member.SickSince = &since
		}
	}

	if err := h.Store.SaveMember(ctx, *member); err != nil {
		h.writeDomainError(w, "Failed to update member", err)
		return
	}
	h.Logger.Info("member updated", "member", member.ID, "mode", member.DifficultyMode, "sick", member.IsSickMode)
	writeJSON(w, http.StatusOK, toMemberDTO(*member))
}

// RunSession is called when the member opens the app: yesterday is
// evaluated, expired penalties are auto-accepted, and the remaining pending
// penalties are returned for the member to answer.
func (h *Handler) RunSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.Clock.Now()
	member, group, err := h.loadMember(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get member", err)
		return
	}

	res, err := h.Resolver.Run(ctx, member.ID, now)
	if err != nil {
		h.writeDomainError(w, "Session failed", err)
		return
	}
	dto := toSessionDTO(res, now)

	today := h.today(*member, *group)
	if a, err := h.Penalties.Assessor.Assess(ctx, *group, *member, today); err != nil {
		h.Logger.Warn("today's assessment failed", "member", member.ID, "error", err)
	} else {
		ad := toAssessmentDTO(*a)
		dto.Today = &ad
	}
	if rd, err := h.Recovery.Active(ctx, member.ID, today); err != nil {
		h.Logger.Warn("recovery day lookup failed", "member", member.ID, "error", err)
	} else {
		dto.RecoveryDay = toRecoveryDayDTO(rd, h.recoveryTarget())
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetAssessment returns the member's target and progress for a day.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	member, group, err := h.loadMember(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get member", err)
		return
	}
	date, err := parseDate("date", r.URL.Query().Get("date"), h.today(*member, *group))
	if err != nil {
		h.writeDomainError(w, "Invalid date", err)
		return
	}

	a, err := h.Penalties.Assessor.Assess(ctx, *group, *member, date)
	if err != nil {
		h.writeDomainError(w, "Failed to assess day", err)
		return
	}
	writeJSON(w, http.StatusOK, toAssessmentDTO(*a))
}

// =============================================================================
// ACTIVITY HANDLERS
// =============================================================================

// LogActivity appends a log on the member-local day. Recovery logs update
// the progress of an active recovery day.
func (h *Handler) LogActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	member, group, err := h.loadMember(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get member", err)
		return
	}

	var req LogActivityRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request body", err)
		return
	}

	now := h.Clock.Now()
	today := h.today(*member, *group)
	date, err := parseDate("date", req.Date, today)
	if err != nil {
		h.writeDomainError(w, "Invalid date", err)
		return
	}
	if date.After(today) {
		writeError(w, http.StatusBadRequest, "Cannot log activity for a future day", nil)
		return
	}

	category := core.Category(req.Category)
	if category == "" {
		category = core.ParseCategory(req.Exercise)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	log := core.ActivityLog{
		ID:        core.LogID(id),
		MemberID:  member.ID,
		Date:      date,
		Category:  category,
		Exercise:  req.Exercise,
		Points:    req.Points,
		CreatedAt: now,
	}
	if err := h.Store.AppendLog(ctx, log); err != nil {
		h.writeDomainError(w, "Failed to log activity", err)
		return
	}

	resp := LogActivityResponse{Log: toActivityLogDTO(log)}
	if category == core.CategoryRecovery {
		rd, err := h.Recovery.SyncProgress(ctx, member.ID, date)
		if err != nil {
			h.Logger.Warn("recovery progress sync failed", "member", member.ID, "date", date, "error", err)
		}
		resp.RecoveryDay = toRecoveryDayDTO(rd, h.recoveryTarget())
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListLogs returns the member's logs in [from, to], defaulting to the last
// seven days.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	member, group, err := h.loadMember(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get member", err)
		return
	}

	today := h.today(*member, *group)
	q := r.URL.Query()
	to, err := parseDate("to", q.Get("to"), today)
	if err != nil {
		h.writeDomainError(w, "Invalid date", err)
		return
	}
	from, err := parseDate("from", q.Get("from"), to.AddDays(-6))
	if err != nil {
		h.writeDomainError(w, "Invalid date", err)
		return
	}
	if from.After(to) {
		writeError(w, http.StatusBadRequest, "from must not be after to", nil)
		return
	}

	logs, err := h.Store.LogsInRange(ctx, member.ID, from, to)
	if err != nil {
		h.writeDomainError(w, "Failed to list logs", err)
		return
	}
	dtos := make([]ActivityLogDTO, len(logs))
	for i, l := range logs {
		dtos[i] = toActivityLogDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DeleteLog removes one of the member's own logs and resyncs today's
// recovery progress.
func (h *Handler) DeleteLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	member, group, err := h.loadMember(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get member", err)
		return
	}

	if err := h.Store.DeleteLog(ctx, member.ID, core.LogID(chi.URLParam(r, "logID"))); err != nil {
		h.writeDomainError(w, "Failed to delete log", err)
		return
	}
	if _, err := h.Recovery.SyncProgress(ctx, member.ID, h.today(*member, *group)); err != nil {
		h.Logger.Warn("recovery progress sync failed", "member", member.ID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PENALTY HANDLERS
// =============================================================================

// ListMemberPenalties returns a member's penalties (?status=pending).
func (h *Handler) ListMemberPenalties(w http.ResponseWriter, r *http.Request) {
	filter, err := penaltyFilter(r)
	if err != nil {
		h.writeDomainError(w, "Invalid query", err)
		return
	}
	filter.MemberID = core.MemberID(chi.URLParam(r, "id"))

	penalties, err := h.Penalties.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list penalties", err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltyDTOs(penalties, h.Clock.Now()))
}

// GetPenalty returns one penalty.
func (h *Handler) GetPenalty(w http.ResponseWriter, r *http.Request) {
	p, err := h.Penalties.Get(r.Context(), core.PenaltyID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get penalty", err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltyDTO(*p, h.Clock.Now()))
}

// RespondPenalty records the member's accept or dispute.
func (h *Handler) RespondPenalty(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request body", err)
		return
	}

	now := h.Clock.Now()
	p, err := h.Penalties.Respond(r.Context(),
		core.PenaltyID(chi.URLParam(r, "id")),
		penalty.Action(req.Action),
		penalty.Reason{Category: core.ReasonCategory(req.ReasonCategory), Message: req.Message},
		now,
	)
	if err != nil {
		h.writeDomainError(w, "Failed to respond to penalty", err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltyDTO(*p, now))
}

// AdjudicatePenalty records an admin decision on a pending or disputed
// penalty.
func (h *Handler) AdjudicatePenalty(w http.ResponseWriter, r *http.Request) {
	var req AdjudicateRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request body", err)
		return
	}

	now := h.Clock.Now()
	p, err := h.Penalties.Adjudicate(r.Context(),
		core.PenaltyID(chi.URLParam(r, "id")),
		core.PenaltyStatus(req.Decision),
		req.AdminID, req.Note, now,
	)
	if err != nil {
		h.writeDomainError(w, "Failed to adjudicate penalty", err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltyDTO(*p, now))
}

// =============================================================================
// RECOVERY DAY HANDLERS
// =============================================================================

// GetRecoveryWeek reports this week's recovery day and whether one can be
// activated today.
func (h *Handler) GetRecoveryWeek(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	member, group, err := h.loadMember(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get member", err)
		return
	}
	today := h.today(*member, *group)

	rd, err := h.Recovery.ForWeek(ctx, member.ID, today)
	if err != nil {
		h.writeDomainError(w, "Failed to load recovery day", err)
		return
	}
	can, err := h.Recovery.CanActivate(ctx, *group, *member, today)
	if err != nil {
		h.writeDomainError(w, "Failed to check recovery day", err)
		return
	}
	writeJSON(w, http.StatusOK, RecoveryWeekDTO{
		Week:        string(today.ISOWeek()),
		CanActivate: can,
		RecoveryDay: toRecoveryDayDTO(rd, h.recoveryTarget()),
	})
}

// ActivateRecoveryDay makes today the member's recovery day for the week.
func (h *Handler) ActivateRecoveryDay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	member, group, err := h.loadMember(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get member", err)
		return
	}

	now := h.Clock.Now()
	rd, err := h.Recovery.Activate(ctx, *group, *member, h.today(*member, *group), now)
	if err != nil {
		h.writeDomainError(w, "Failed to activate recovery day", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecoveryDayDTO(rd, h.recoveryTarget()))
}

// CancelRecoveryDay withdraws today's recovery day.
func (h *Handler) CancelRecoveryDay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	member, group, err := h.loadMember(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get member", err)
		return
	}
	if err := h.Recovery.Cancel(ctx, member.ID, h.today(*member, *group)); err != nil {
		h.writeDomainError(w, "Failed to cancel recovery day", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordRecoveryProgress sets today's recovery minutes. The value is the
// running total, so retries are harmless.
func (h *Handler) RecordRecoveryProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	member, group, err := h.loadMember(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get member", err)
		return
	}

	var req RecoveryProgressRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request body", err)
		return
	}

	rd, err := h.Recovery.RecordProgress(ctx, member.ID, h.today(*member, *group), req.Minutes)
	if err != nil {
		h.writeDomainError(w, "Failed to record progress", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecoveryDayDTO(rd, h.recoveryTarget()))
}

// =============================================================================
// FLEXIBLE REST DAY HANDLERS
// =============================================================================

// ListFlexRestDays returns the member's grants.
func (h *Handler) ListFlexRestDays(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	member, err := h.Store.GetMember(ctx, core.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get member", err)
		return
	}
	grants, err := h.Rewards.History(ctx, member.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to list flexible rest days", err)
		return
	}
	dtos := make([]FlexGrantDTO, len(grants))
	for i, g := range grants {
		dtos[i] = toFlexGrantDTO(g)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UseFlexRestDay spends the member's flexible rest day on today or a later
// day.
func (h *Handler) UseFlexRestDay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	member, group, err := h.loadMember(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get member", err)
		return
	}

	var req UseFlexRestDayRequest
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			h.writeDomainError(w, "Invalid request body", err)
			return
		}
	}
	today := h.today(*member, *group)
	day, err := parseDate("date", req.Date, today)
	if err != nil {
		h.writeDomainError(w, "Invalid date", err)
		return
	}
	if day.Before(today) {
		writeError(w, http.StatusBadRequest, "A flexible rest day cannot be used retroactively", nil)
		return
	}

	g, err := h.Rewards.Use(ctx, *group, *member, day)
	if err != nil {
		h.writeDomainError(w, "Failed to use flexible rest day", err)
		return
	}
	writeJSON(w, http.StatusOK, toFlexGrantDTO(*g))
}

// =============================================================================
// HELPERS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05Z07:00"

func (h *Handler) loadMember(ctx context.Context, id string) (*core.MemberState, *core.GroupConfig, error) {
	member, err := h.Store.GetMember(ctx, core.MemberID(id))
	if err != nil {
		return nil, nil, err
	}
	group, err := h.Store.GetGroup(ctx, member.GroupID)
	if err != nil {
		return nil, nil, err
	}
	return member, group, nil
}

// today is the member-local calendar day at the handler's clock.
func (h *Handler) today(m core.MemberState, g core.GroupConfig) core.Date {
	return core.DateOf(h.Clock.Now(), m.Location(g))
}

func (h *Handler) recoveryTarget() int {
	if h.Recovery.TargetMinutes > 0 {
		return h.Recovery.TargetMinutes
	}
	return target.RecoveryDayTargetMinutes
}

// decode reads a JSON body and runs struct validation.
func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &core.ValidationError{Field: "body", Message: err.Error()}
	}
	return h.Validate.Struct(dst)
}

func parseDate(field, value string, fallback core.Date) (core.Date, error) {
	if strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	d, err := core.ParseDate(value)
	if err != nil {
		return core.Date{}, &core.ValidationError{Field: field, Message: err.Error()}
	}
	return d, nil
}

func penaltyFilter(r *http.Request) (core.PenaltyFilter, error) {
	var f core.PenaltyFilter
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			status := core.PenaltyStatus(strings.TrimSpace(part))
			switch status {
			case core.PenaltyPending, core.PenaltyAccepted, core.PenaltyDisputed, core.PenaltyWaived, core.PenaltyRejected:
				f.Statuses = append(f.Statuses, status)
			default:
				return f, &core.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", part)}
			}
		}
	}
	if s := q.Get("date"); s != "" {
		d, err := parseDate("date", s, core.Date{})
		if err != nil {
			return f, err
		}
		f.Date = &d
	}
	return f, nil
}

func toMemberDTO(m core.MemberState) MemberDTO {
	dto := MemberDTO{
		ID:                 string(m.ID),
		GroupID:            string(m.GroupID),
		Name:               m.Name,
		DifficultyMode:     string(m.DifficultyMode),
		IsSickMode:         m.IsSickMode,
		TimeZone:           m.TimeZone,
		HasFlexibleRestDay: m.HasFlexibleRestDay,
	}
	if m.SickSince != nil {
		dto.SickSince = m.SickSince.String()
	}
	if m.SickUntil != nil {
		dto.SickUntil = m.SickUntil.String()
	}
	return dto
}

func toActivityLogDTO(l core.ActivityLog) ActivityLogDTO {
	dto := ActivityLogDTO{
		ID:       string(l.ID),
		MemberID: string(l.MemberID),
		Date:     l.Date.String(),
		Category: string(l.Category),
		Exercise: l.Exercise,
		Points:   l.Points,
	}
	if !l.CreatedAt.IsZero() {
		dto.CreatedAt = l.CreatedAt.Format(timeLayout)
	}
	return dto
}

func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs), core.IsValidation(err):
		return http.StatusBadRequest
	case core.IsNotFound(err):
		return http.StatusNotFound
	case core.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, "error", err)
	}
	writeError(w, status, message, describe(err))
}

// describe flattens validator errors into "field: rule" pairs.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, len(verrs))
	for i, fe := range verrs {
		parts[i] = fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), fe.Tag())
	}
	return errors.New(strings.Join(parts, "; "))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
