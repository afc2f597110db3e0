/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with realistic data
  relative to the handler's clock. Each scenario creates a group, members
  and activity, then drives the engine's own operations (evaluate, respond,
  activate) so the resulting state is exactly what real usage produces.

AVAILABLE SCENARIOS:
  first-week:      New progressive group, one member missed yesterday
  dispute-season:  Pending, disputed, accepted and expired penalties
  recovery-week:   Recovery day in progress, recovery cap in action
  overachiever:    Double target yesterday earns a flexible rest day

HOW SCENARIOS WORK:
  1. Reset the store (clear all data)
  2. Create the group via the factory
  3. Create members
  4. Append activity logs
  5. Run engine operations at instants in the past

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "dispute-season"}

NOTE:
  Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - factory/group.go: Group presets
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commitment-engine/core"
	"github.com/warp/commitment-engine/factory"
	"github.com/warp/commitment-engine/penalty"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "first-week",
		Name:        "First Week",
		Description: "Progressive group in its first days; one member missed yesterday",
	},
	{
		ID:          "dispute-season",
		Name:        "Dispute Season",
		Description: "Pending, disputed, accepted and expired penalties feeding the pot",
	},
	{
		ID:          "recovery-week",
		Name:        "Recovery Week",
		Description: "Recovery day in progress and the recovery cap on a normal day",
	},
	{
		ID:          "overachiever",
		Name:        "Overachiever",
		Description: "Double target yesterday earned a flexible rest day",
	},
}

// resetter is implemented by stores that can drop all data.
type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request body", err)
		return
	}
	if !knownScenario(req.ScenarioID) {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// LoadScenarioByID resets the store and seeds one scenario. The caller must
// hold h.mu when called from a request.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	rs, ok := h.Store.(resetter)
	if !ok {
		return fmt.Errorf("store %T cannot be reset", h.Store)
	}
	if err := rs.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset store: %w", err)
	}
	h.currentScenario = ""

	var err error
	switch id {
	case "first-week":
		err = h.loadFirstWeekScenario(ctx)
	case "dispute-season":
		err = h.loadDisputeSeasonScenario(ctx)
	case "recovery-week":
		err = h.loadRecoveryWeekScenario(ctx)
	case "overachiever":
		err = h.loadOverachieverScenario(ctx)
	default:
		return &core.ValidationError{Field: "scenario_id", Message: fmt.Sprintf("unknown scenario %q", id)}
	}
	if err != nil {
		return fmt.Errorf("scenario %s: %w", id, err)
	}

	h.currentScenario = id
	h.Logger.Info("scenario loaded", "scenario", id)
	return nil
}

func knownScenario(id string) bool {
	for _, s := range scenarios {
		if s.ID == id {
			return true
		}
	}
	return false
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadFirstWeekScenario(ctx context.Context) error {
	today := core.DateOf(h.Clock.Now(), time.UTC)
	group, err := h.seedGroup(ctx, factory.ProgressiveGroupJSON("morning-crew", "Morning Crew", today.AddDays(-3).String()))
	if err != nil {
		return err
	}

	alice, err := h.seedMember(ctx, group, "alice", "Alice", core.ModeSane)
	if err != nil {
		return err
	}
	bob, err := h.seedMember(ctx, group, "bob", "Bob", core.ModeInsane)
	if err != nil {
		return err
	}
	if _, err := h.seedMember(ctx, group, "carol", "Carol", core.ModeSane); err != nil {
		return err
	}

	// Alice covered every day so far with plenty of margin.
	for d := 3; d >= 1; d-- {
		if err := h.seedLog(ctx, alice, today.AddDays(-d), "pushups", 40); err != nil {
			return err
		}
	}
	if err := h.seedLog(ctx, alice, today, "squats", 8); err != nil {
		return err
	}

	// Bob skipped yesterday entirely; his next session creates the penalty.
	for _, d := range []int{3, 2} {
		if err := h.seedLog(ctx, bob, today.AddDays(-d), "burpees", 30); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadDisputeSeasonScenario(ctx context.Context) error {
	now := h.Clock.Now()
	today := core.DateOf(now, time.UTC)
	group, err := h.seedGroup(ctx, factory.FlatGroupJSON("lunch-league", "Lunch League", today.AddDays(-21).String(), 20, "3.00"))
	if err != nil {
		return err
	}

	dana, err := h.seedMember(ctx, group, "dana", "Dana", core.ModeSane)
	if err != nil {
		return err
	}
	eli, err := h.seedMember(ctx, group, "eli", "Eli", core.ModeSane)
	if err != nil {
		return err
	}
	if _, err := h.seedMember(ctx, group, "fay", "Fay", core.ModeInsane); err != nil {
		return err
	}

	// Each missed day is evaluated at noon of the following day, which sets
	// the response deadline to the end of that day.
	evaluate := func(m core.MemberState, ago int) (*core.Penalty, error) {
		day := today.AddDays(-ago)
		p, err := h.Penalties.Evaluate(ctx, m.ID, day, h.dayAfter(day, 12))
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("%s on %s: expected a missed day", m.ID, day)
		}
		return p, nil
	}
	// Dana: one expired (auto-accepts on next session), one accepted, one
	// still pending. Weekend days are rest days and never produce penalties.
	for _, ago := range []int{8, 9, 10, 11, 12, 13, 14} {
		day := today.AddDays(-ago)
		if group.RestDays.Has(day.Weekday()) {
			continue
		}
		if err := h.seedLog(ctx, dana, day, "plank", 25); err != nil {
			return err
		}
	}
	var danaPenalties []*core.Penalty
	for _, ago := range []int{1, 2, 3, 4, 5, 6, 7} {
		day := today.AddDays(-ago)
		if group.RestDays.Has(day.Weekday()) {
			continue
		}
		if err := h.seedLog(ctx, dana, day, "plank", 5); err != nil {
			return err
		}
		p, err := evaluate(dana, ago)
		if err != nil {
			return err
		}
		danaPenalties = append(danaPenalties, p)
		if len(danaPenalties) == 3 {
			break
		}
	}
	if len(danaPenalties) >= 2 {
		p := danaPenalties[1]
		at := p.CreatedAt.Add(time.Hour)
		if _, err := h.Penalties.Respond(ctx, p.ID, penalty.ActionAccept, penalty.Reason{}, at); err != nil {
			return err
		}
	}

	// Eli disputed a day lost to travel.
	for _, ago := range []int{1, 2, 3, 4} {
		day := today.AddDays(-ago)
		if group.RestDays.Has(day.Weekday()) {
			continue
		}
		p, err := evaluate(eli, ago)
		if err != nil {
			return err
		}
		reason := penalty.Reason{Category: core.ReasonTravel, Message: "Flight delayed, no place to train"}
		if _, err := h.Penalties.Respond(ctx, p.ID, penalty.ActionDispute, reason, p.CreatedAt.Add(time.Hour)); err != nil {
			return err
		}
		break
	}
	return nil
}

func (h *Handler) loadRecoveryWeekScenario(ctx context.Context) error {
	now := h.Clock.Now()
	today := core.DateOf(now, time.UTC)

	// No rest days so the recovery day can be activated whatever today is.
	group, err := h.Groups.FromJSON(factory.GroupJSON{
		ID:              "yoga-crew",
		Name:            "Yoga Crew",
		StartDate:       today.AddDays(-10).String(),
		DailyTargetBase: 30,
		DailyIncrement:  0,
		PenaltyAmount:   decimal.RequireFromString("2.00"),
	})
	if err != nil {
		return err
	}
	if err := h.Store.SaveGroup(ctx, *group); err != nil {
		return err
	}

	gus, err := h.seedMember(ctx, group, "gus", "Gus", core.ModeSane)
	if err != nil {
		return err
	}
	hana, err := h.seedMember(ctx, group, "hana", "Hana", core.ModeSane)
	if err != nil {
		return err
	}

	// Gus is on his recovery day, twelve minutes in.
	if err := h.seedLogCategory(ctx, gus, today, "yoga", core.CategoryRecovery, 12); err != nil {
		return err
	}
	if _, err := h.Recovery.Activate(ctx, *group, gus, today, now); err != nil {
		return err
	}

	// Hana leaned on recovery work yesterday. Only a quarter of the target
	// may come from recovery, which leaves her short.
	yesterday := today.AddDays(-1)
	if err := h.seedLog(ctx, hana, yesterday, "running", 20); err != nil {
		return err
	}
	return h.seedLogCategory(ctx, hana, yesterday, "stretching", core.CategoryRecovery, 25)
}

func (h *Handler) loadOverachieverScenario(ctx context.Context) error {
	now := h.Clock.Now()
	today := core.DateOf(now, time.UTC)

	group, err := h.Groups.FromJSON(factory.GroupJSON{
		ID:              "iron-club",
		Name:            "Iron Club",
		StartDate:       today.AddDays(-5).String(),
		DailyTargetBase: 20,
		DailyIncrement:  0,
		PenaltyAmount:   decimal.RequireFromString("5.00"),
	})
	if err != nil {
		return err
	}
	if err := h.Store.SaveGroup(ctx, *group); err != nil {
		return err
	}

	ivy, err := h.seedMember(ctx, group, "ivy", "Ivy", core.ModeInsane)
	if err != nil {
		return err
	}
	if _, err := h.seedMember(ctx, group, "jon", "Jon", core.ModeSane); err != nil {
		return err
	}

	// Twice the target yesterday qualifies for a flexible rest day.
	yesterday := today.AddDays(-1)
	if err := h.seedLog(ctx, ivy, yesterday, "deadlifts", 45); err != nil {
		return err
	}
	_, err = h.Penalties.Evaluate(ctx, ivy.ID, yesterday, h.dayAfter(yesterday, 8))
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// dayAfter is the given hour of the day after day, capped at the clock's now.
func (h *Handler) dayAfter(day core.Date, hour int) time.Time {
	at := day.AddDays(1).StartIn(time.UTC).Add(time.Duration(hour) * time.Hour)
	if now := h.Clock.Now(); at.After(now) {
		return now
	}
	return at
}

func (h *Handler) seedGroup(ctx context.Context, groupJSON string) (*core.GroupConfig, error) {
	g, err := h.Groups.ParseGroup(groupJSON)
	if err != nil {
		return nil, err
	}
	if err := h.Store.SaveGroup(ctx, *g); err != nil {
		return nil, err
	}
	return g, nil
}

func (h *Handler) seedMember(ctx context.Context, g *core.GroupConfig, id, name string, mode core.Mode) (core.MemberState, error) {
	m := core.MemberState{
		ID:             core.MemberID(id),
		GroupID:        g.ID,
		Name:           name,
		DifficultyMode: mode,
		CreatedAt:      h.Clock.Now(),
	}
	return m, h.Store.SaveMember(ctx, m)
}

func (h *Handler) seedLog(ctx context.Context, m core.MemberState, day core.Date, exercise string, points int) error {
	return h.seedLogCategory(ctx, m, day, exercise, core.ParseCategory(exercise), points)
}

func (h *Handler) seedLogCategory(ctx context.Context, m core.MemberState, day core.Date, exercise string, cat core.Category, points int) error {
	return h.Store.AppendLog(ctx, core.ActivityLog{
		ID:        core.LogID(fmt.Sprintf("%s-%s-%s", m.ID, day, exercise)),
		MemberID:  m.ID,
		Date:      day,
		Category:  cat,
		Exercise:  exercise,
		Points:    points,
		CreatedAt: day.StartIn(time.UTC).Add(18 * time.Hour),
	})
}
