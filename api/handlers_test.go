/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Group upsert and member creation
- Sessions: evaluation of yesterday and auto-accept of expired penalties
- Member responses, admin adjudication and the pot
- Recovery days, flexible rest days and group checks
- Demo scenarios and the metrics endpoint
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commitment-engine/core"
	"github.com/warp/commitment-engine/core/store"
	"github.com/warp/commitment-engine/factory"
	"github.com/warp/commitment-engine/metrics"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Group "g1" started Monday March 3 2025: base 10, +1/day, Sundays off,
// Saturdays at half target. The clock reads Wednesday March 12, 09:00 UTC,
// so yesterday (Tuesday, day 8) had a target of 18.
var wednesday = time.Date(2025, time.March, 12, 9, 0, 0, 0, time.UTC)

type testServer struct {
	t      *testing.T
	h      *Handler
	mem    *store.Memory
	router http.Handler
	reg    *prometheus.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	reg := prometheus.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := NewHandler(mem, nil, metrics.New(reg), logger)
	h.Clock = core.FixedClock{At: wednesday}
	h.Groups = factory.NewGroupFactory()

	ts := &testServer{
		t:      t,
		h:      h,
		mem:    mem,
		router: NewRouter(h, RouterOptions{Gatherer: reg}),
		reg:    reg,
	}

	ts.do(http.MethodPut, "/api/groups/g1", factory.ProgressiveGroupJSON("g1", "Morning Crew", "2025-03-03"), http.StatusCreated, nil)
	ts.do(http.MethodPost, "/api/members", `{"id":"alice","group_id":"g1","name":"Alice"}`, http.StatusCreated, nil)
	return ts
}

func (ts *testServer) at(now time.Time) {
	ts.h.Clock = core.FixedClock{At: now}
}

// do sends a request, asserts the status and decodes the body into out.
func (ts *testServer) do(method, path, body string, wantStatus int, out any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	require.Equal(ts.t, wantStatus, rec.Code, "%s %s: %s", method, path, rec.Body.String())
	if out != nil {
		require.NoError(ts.t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(out))
	}
	return rec
}

func (ts *testServer) session(memberID string) SessionDTO {
	ts.t.Helper()
	var dto SessionDTO
	ts.do(http.MethodPost, "/api/members/"+memberID+"/session", "", http.StatusOK, &dto)
	return dto
}

// =============================================================================
// GROUPS AND MEMBERS
// =============================================================================

func TestPutGroup_CreateThenReplace(t *testing.T) {
	// GIVEN: An existing group
	ts := newTestServer(t)

	// WHEN: Its rules are replaced with a later start date
	var dto GroupDTO
	ts.do(http.MethodPut, "/api/groups/g1", factory.ProgressiveGroupJSON("g1", "Morning Crew", "2025-03-10"), http.StatusOK, &dto)

	// THEN: Days since start is recomputed from the new date
	assert.Equal(t, "2025-03-10", dto.StartDate)
	assert.Equal(t, "2025-03-12", dto.Today)
	assert.Equal(t, 2, dto.DaysSinceStart)
}

func TestPutGroup_Invalid(t *testing.T) {
	ts := newTestServer(t)

	var resp ErrorResponse
	ts.do(http.MethodPut, "/api/groups/g2", `{"id":"g2","name":"Bad","start_date":"yesterday"}`, http.StatusBadRequest, &resp)
	assert.Contains(t, resp.Details, "start_date")

	ts.do(http.MethodPut, "/api/groups/g2", `{"id":"other","name":"X","start_date":"2025-03-03"}`, http.StatusBadRequest, nil)
}

func TestCreateMember_Errors(t *testing.T) {
	ts := newTestServer(t)

	ts.do(http.MethodPost, "/api/members", `{"id":"bob","group_id":"nope","name":"Bob"}`, http.StatusNotFound, nil)
	ts.do(http.MethodPost, "/api/members", `{"id":"alice","group_id":"g1","name":"Alice"}`, http.StatusConflict, nil)
	ts.do(http.MethodPost, "/api/members", `{"id":"bob","group_id":"g1","name":"Bob","difficulty_mode":"easy"}`, http.StatusBadRequest, nil)
	ts.do(http.MethodPost, "/api/members", `{"id":"bob","group_id":"g1"}`, http.StatusBadRequest, nil)
}

func TestUpdateMember_SickMode(t *testing.T) {
	ts := newTestServer(t)

	// WHEN: Sick mode is switched on without a date
	var dto MemberDTO
	ts.do(http.MethodPatch, "/api/members/alice", `{"is_sick_mode":true}`, http.StatusOK, &dto)

	// THEN: It starts today
	assert.True(t, dto.IsSickMode)
	assert.Equal(t, "2025-03-12", dto.SickSince)

	// WHEN: Switched off
	ts.do(http.MethodPatch, "/api/members/alice", `{"is_sick_mode":false}`, http.StatusOK, &dto)

	// THEN: A period that started today is dropped
	assert.False(t, dto.IsSickMode)
	assert.Empty(t, dto.SickSince)
	assert.Empty(t, dto.SickUntil)
}

func TestUpdateMember_SickModeOffKeepsFinishedDaysExempt(t *testing.T) {
	// GIVEN: Alice has been sick since Monday
	ts := newTestServer(t)
	var dto MemberDTO
	ts.do(http.MethodPatch, "/api/members/alice", `{"is_sick_mode":true,"sick_since":"2025-03-10"}`, http.StatusOK, &dto)
	assert.Equal(t, "2025-03-10", dto.SickSince)

	// WHEN: She recovers on Wednesday morning, before her session ran
	ts.do(http.MethodPatch, "/api/members/alice", `{"is_sick_mode":false}`, http.StatusOK, &dto)

	// THEN: The period is closed on Tuesday
	assert.False(t, dto.IsSickMode)
	assert.Equal(t, "2025-03-10", dto.SickSince)
	assert.Equal(t, "2025-03-11", dto.SickUntil)

	// AND: Tuesday, a sick day, is not penalized
	session := ts.session("alice")
	assert.Nil(t, session.Created)
	assert.Empty(t, session.Active)
}

// =============================================================================
// SESSIONS AND PENALTIES
// =============================================================================

func TestSession_MissedYesterdayCreatesPenalty(t *testing.T) {
	// GIVEN: Alice logged nothing on Tuesday
	ts := newTestServer(t)

	// WHEN: She opens the app on Wednesday
	dto := ts.session("alice")

	// THEN: Tuesday is penalized and awaits her answer
	require.NotNil(t, dto.Created)
	assert.Equal(t, "2025-03-11", dto.Evaluated)
	assert.Equal(t, "2025-03-11", dto.Created.Date)
	assert.Equal(t, 18, dto.Created.TargetPoints)
	assert.Equal(t, 0, dto.Created.ActualPoints)
	assert.True(t, decimal.NewFromInt(5).Equal(dto.Created.Amount))
	assert.Equal(t, "pending", dto.Created.Status)
	require.Len(t, dto.Active, 1)
	assert.Empty(t, dto.AutoAccepted)

	// AND: Today's assessment is included
	require.NotNil(t, dto.Today)
	assert.Equal(t, 19, dto.Today.Target)

	// WHEN: The session runs again
	again := ts.session("alice")

	// THEN: The same penalty is returned, not a second one
	require.NotNil(t, again.Created)
	assert.Equal(t, dto.Created.ID, again.Created.ID)
	require.Len(t, again.Active, 1)
}

func TestSession_MetTargetNoPenalty(t *testing.T) {
	ts := newTestServer(t)

	var resp LogActivityResponse
	ts.do(http.MethodPost, "/api/members/alice/logs", `{"exercise":"pushups","points":18,"date":"2025-03-11"}`, http.StatusCreated, &resp)
	assert.Equal(t, "other", resp.Log.Category)

	dto := ts.session("alice")
	assert.Nil(t, dto.Created)
	assert.Empty(t, dto.Active)
}

func TestLogActivity_FutureDateRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/api/members/alice/logs", `{"exercise":"pushups","points":5,"date":"2025-03-13"}`, http.StatusBadRequest, nil)
	ts.do(http.MethodPost, "/api/members/alice/logs", `{"exercise":"pushups","points":0}`, http.StatusBadRequest, nil)
}

func TestSession_AutoAcceptsExpired(t *testing.T) {
	// GIVEN: A penalty for Tuesday whose deadline was Wednesday midnight
	ts := newTestServer(t)
	first := ts.session("alice")
	require.NotNil(t, first.Created)

	// WHEN: Alice next opens the app on Friday
	ts.at(time.Date(2025, time.March, 14, 8, 0, 0, 0, time.UTC))
	dto := ts.session("alice")

	// THEN: Tuesday was auto-accepted and Thursday is the new pending penalty
	require.Len(t, dto.AutoAccepted, 1)
	assert.Equal(t, first.Created.ID, dto.AutoAccepted[0].ID)
	assert.Equal(t, "accepted", dto.AutoAccepted[0].Status)
	require.Len(t, dto.Active, 1)
	assert.Equal(t, "2025-03-13", dto.Active[0].Date)

	var pot PotDTO
	ts.do(http.MethodGet, "/api/groups/g1/pot", "", http.StatusOK, &pot)
	assert.True(t, decimal.NewFromInt(5).Equal(pot.Balance))
	require.Len(t, pot.Entries, 1)
	assert.Equal(t, string(core.PotPenaltyAuto), pot.Entries[0].Type)
}

func TestRespond_AcceptPaysPotOnce(t *testing.T) {
	ts := newTestServer(t)
	id := ts.session("alice").Created.ID

	var p PenaltyDTO
	ts.do(http.MethodPost, "/api/penalties/"+id+"/respond", `{"action":"accept"}`, http.StatusOK, &p)
	assert.Equal(t, "accepted", p.Status)
	assert.Equal(t, "member", p.ResolvedBy)

	// A second answer conflicts and changes nothing.
	ts.do(http.MethodPost, "/api/penalties/"+id+"/respond", `{"action":"accept"}`, http.StatusConflict, nil)

	var pot PotDTO
	ts.do(http.MethodGet, "/api/groups/g1/pot", "", http.StatusOK, &pot)
	assert.True(t, decimal.NewFromInt(5).Equal(pot.Balance))
	assert.True(t, decimal.NewFromInt(5).Equal(pot.Contributions["alice"]))
}

func TestRespond_DisputeThenWaive(t *testing.T) {
	ts := newTestServer(t)
	id := ts.session("alice").Created.ID

	// A dispute needs a reason.
	ts.do(http.MethodPost, "/api/penalties/"+id+"/respond", `{"action":"dispute"}`, http.StatusBadRequest, nil)
	ts.do(http.MethodPost, "/api/penalties/"+id+"/respond", `{"action":"shrug"}`, http.StatusBadRequest, nil)

	var p PenaltyDTO
	ts.do(http.MethodPost, "/api/penalties/"+id+"/respond",
		`{"action":"dispute","reason_category":"injury","message":"Sprained ankle"}`, http.StatusOK, &p)
	assert.Equal(t, "disputed", p.Status)
	assert.Equal(t, "injury", p.ReasonCategory)

	var disputed []PenaltyDTO
	ts.do(http.MethodGet, "/api/groups/g1/penalties?status=disputed", "", http.StatusOK, &disputed)
	require.Len(t, disputed, 1)

	ts.do(http.MethodPost, "/api/penalties/"+id+"/adjudicate", `{"decision":"waived","admin_id":"admin-1"}`, http.StatusOK, &p)
	assert.Equal(t, "waived", p.Status)
	assert.Equal(t, "admin", p.ResolvedBy)

	var pot PotDTO
	ts.do(http.MethodGet, "/api/groups/g1/pot", "", http.StatusOK, &pot)
	assert.True(t, pot.Balance.IsZero())
}

func TestRespond_AfterDeadline(t *testing.T) {
	ts := newTestServer(t)
	id := ts.session("alice").Created.ID

	ts.at(time.Date(2025, time.March, 13, 0, 0, 1, 0, time.UTC))
	var p PenaltyDTO
	ts.do(http.MethodGet, "/api/penalties/"+id, "", http.StatusOK, &p)
	assert.True(t, p.IsExpired)

	ts.do(http.MethodPost, "/api/penalties/"+id+"/respond", `{"action":"accept"}`, http.StatusConflict, nil)
}

func TestListPenalties_BadStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodGet, "/api/members/alice/penalties?status=lost", "", http.StatusBadRequest, nil)
	ts.do(http.MethodGet, "/api/penalties/missing", "", http.StatusNotFound, nil)
}

// =============================================================================
// RECOVERY DAYS AND FLEXIBLE REST DAYS
// =============================================================================

func TestRecoveryDay_Lifecycle(t *testing.T) {
	// GIVEN: Wednesday is a normal training day
	ts := newTestServer(t)

	var week RecoveryWeekDTO
	ts.do(http.MethodGet, "/api/members/alice/recovery-day", "", http.StatusOK, &week)
	assert.True(t, week.CanActivate)
	assert.Nil(t, week.RecoveryDay)

	// WHEN: Alice activates it and logs recovery work
	var rd RecoveryDayDTO
	ts.do(http.MethodPost, "/api/members/alice/recovery-day", "", http.StatusCreated, &rd)
	assert.Equal(t, "2025-03-12", rd.UsedDate)
	assert.Equal(t, 20, rd.TargetMinutes)

	var logged LogActivityResponse
	ts.do(http.MethodPost, "/api/members/alice/logs", `{"exercise":"yoga","points":12}`, http.StatusCreated, &logged)
	assert.Equal(t, "recovery", logged.Log.Category)
	require.NotNil(t, logged.RecoveryDay)
	assert.Equal(t, 12, logged.RecoveryDay.RecoveryMinutes)
	assert.False(t, logged.RecoveryDay.IsComplete)

	// THEN: A second activation in the same week conflicts
	ts.do(http.MethodPost, "/api/members/alice/recovery-day", "", http.StatusConflict, nil)

	// WHEN: Progress reaches the target
	ts.do(http.MethodPut, "/api/members/alice/recovery-day/progress", `{"minutes":20}`, http.StatusOK, &rd)
	assert.True(t, rd.IsComplete)

	// THEN: A completed day can no longer be cancelled
	ts.do(http.MethodDelete, "/api/members/alice/recovery-day", "", http.StatusConflict, nil)
}

func TestRecoveryDay_CancelBeforeComplete(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/api/members/alice/recovery-day", "", http.StatusCreated, nil)
	ts.do(http.MethodDelete, "/api/members/alice/recovery-day", "", http.StatusNoContent, nil)
	ts.do(http.MethodPut, "/api/members/alice/recovery-day/progress", `{"minutes":5}`, http.StatusConflict, nil)
}

func TestFlexRestDay_EarnAndUse(t *testing.T) {
	// GIVEN: Alice did double her Tuesday target
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/api/members/alice/logs", `{"exercise":"pushups","points":36,"date":"2025-03-11"}`, http.StatusCreated, nil)

	// Nothing to spend yet.
	ts.do(http.MethodPost, "/api/members/alice/flex-rest-days/use", "", http.StatusConflict, nil)

	// WHEN: Tuesday is evaluated
	dto := ts.session("alice")
	assert.Nil(t, dto.Created)

	// THEN: She holds a flexible rest day
	var member MemberDTO
	ts.do(http.MethodGet, "/api/members/alice", "", http.StatusOK, &member)
	assert.True(t, member.HasFlexibleRestDay)

	// WHEN: She spends it today
	var g FlexGrantDTO
	ts.do(http.MethodPost, "/api/members/alice/flex-rest-days/use", "", http.StatusOK, &g)
	assert.Equal(t, "2025-03-11", g.EarnedOn)
	assert.Equal(t, "2025-03-12", g.UsedOn)

	// THEN: Today has no target and the grant is gone
	var a AssessmentDTO
	ts.do(http.MethodGet, "/api/members/alice/assessment", "", http.StatusOK, &a)
	assert.Equal(t, "flex_rest", a.Kind)
	assert.Equal(t, 0, a.Target)
	assert.True(t, a.Met)
	ts.do(http.MethodPost, "/api/members/alice/flex-rest-days/use", "", http.StatusConflict, nil)
}

// =============================================================================
// GROUP CHECKS AND POT
// =============================================================================

func TestRunCheck_OncePerDay(t *testing.T) {
	ts := newTestServer(t)

	var run CheckRunDTO
	ts.do(http.MethodPost, "/api/groups/g1/checks", "", http.StatusCreated, &run)
	assert.True(t, run.Ran)
	assert.Equal(t, "2025-03-11", run.Date)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, 1, run.Summary.Missed)
	assert.NotEmpty(t, run.Message)

	ts.do(http.MethodPost, "/api/groups/g1/checks", `{"date":"2025-03-11"}`, http.StatusOK, &run)
	assert.False(t, run.Ran)

	// Today is not finished.
	ts.do(http.MethodPost, "/api/groups/g1/checks", `{"date":"2025-03-12"}`, http.StatusBadRequest, nil)

	var runs []CheckRunDTO
	ts.do(http.MethodGet, "/api/groups/g1/checks", "", http.StatusOK, &runs)
	assert.Len(t, runs, 1)
}

func TestCheckScheduler_RunNow(t *testing.T) {
	ts := newTestServer(t)
	s := NewCheckScheduler(ts.h, time.Hour)

	assert.Equal(t, 1, s.RunNow(context.Background()))
	assert.Equal(t, 0, s.RunNow(context.Background()))
}

func TestCheckScheduler_RetriesDeferredDay(t *testing.T) {
	// GIVEN: Bob lives in Los Angeles, where Tuesday is still running at
	// 02:00 UTC on Wednesday
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/api/members", `{"id":"bob","group_id":"g1","name":"Bob","time_zone":"America/Los_Angeles"}`, http.StatusCreated, nil)
	ts.at(time.Date(2025, time.March, 12, 2, 0, 0, 0, time.UTC))
	s := NewCheckScheduler(ts.h, time.Hour)

	// WHEN: The scheduler checks Tuesday
	assert.Equal(t, 1, s.RunNow(context.Background()))

	// THEN: Bob is deferred and only Alice has a penalty
	var runs []CheckRunDTO
	ts.do(http.MethodGet, "/api/groups/g1/checks", "", http.StatusOK, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "deferred", runs[0].Status)
	assert.Equal(t, 1, runs[0].Summary.Deferred)
	assert.Equal(t, 1, runs[0].Summary.Missed)

	// WHEN: Bob logs enough before his midnight and a later tick fires on
	// Thursday, after his Tuesday has ended
	ts.at(time.Date(2025, time.March, 12, 6, 0, 0, 0, time.UTC))
	ts.do(http.MethodPost, "/api/members/bob/logs", `{"exercise":"pushups","points":20,"date":"2025-03-11"}`, http.StatusCreated, nil)
	ts.at(time.Date(2025, time.March, 13, 9, 0, 0, 0, time.UTC))
	s.Clock = ts.h.Clock
	assert.Equal(t, 2, s.RunNow(context.Background()))

	// THEN: Tuesday completes with Bob counted as met
	var tuesday CheckRunDTO
	found := false
	ts.do(http.MethodGet, "/api/groups/g1/checks", "", http.StatusOK, &runs)
	for _, r := range runs {
		if r.Date == "2025-03-11" {
			tuesday, found = r, true
		}
	}
	require.True(t, found)
	assert.Equal(t, "completed", tuesday.Status)
	assert.Equal(t, 0, tuesday.Summary.Deferred)
	assert.Equal(t, 1, tuesday.Summary.Met)
	assert.Equal(t, 1, tuesday.Summary.Missed)

	var bobs []PenaltyDTO
	ts.do(http.MethodGet, "/api/members/bob/penalties", "", http.StatusOK, &bobs)
	for _, p := range bobs {
		assert.NotEqual(t, "2025-03-11", p.Date)
	}
}

func TestAdjustPot(t *testing.T) {
	ts := newTestServer(t)

	ts.do(http.MethodPost, "/api/groups/g1/pot/adjustments", `{"member_id":"alice","amount":"0","reason":"noop"}`, http.StatusBadRequest, nil)

	var e PotEntryDTO
	ts.do(http.MethodPost, "/api/groups/g1/pot/adjustments", `{"member_id":"alice","amount":"-2.50","reason":"refund"}`, http.StatusCreated, &e)
	assert.Equal(t, "adjustment", e.Type)

	var pot PotDTO
	ts.do(http.MethodGet, "/api/groups/g1/pot", "", http.StatusOK, &pot)
	assert.True(t, decimal.RequireFromString("-2.5").Equal(pot.Balance))
}

// =============================================================================
// SCENARIOS AND METRICS
// =============================================================================

func TestLoadScenario_All(t *testing.T) {
	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			ts := newTestServer(t)
			ts.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id":"`+s.ID+`"}`, http.StatusOK, nil)

			var current ScenarioDTO
			ts.do(http.MethodGet, "/api/scenarios/current", "", http.StatusOK, &current)
			assert.Equal(t, s.ID, current.ID)

			// The fixture group is gone after the reset.
			ts.do(http.MethodGet, "/api/groups/g1", "", http.StatusNotFound, nil)
		})
	}
}

func TestLoadScenario_Overachiever(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id":"overachiever"}`, http.StatusOK, nil)

	var grants []FlexGrantDTO
	ts.do(http.MethodGet, "/api/members/ivy/flex-rest-days", "", http.StatusOK, &grants)
	require.Len(t, grants, 1)
	assert.Equal(t, "2025-03-11", grants[0].EarnedOn)
}

func TestLoadScenario_Unknown(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id":"nope"}`, http.StatusBadRequest, nil)
	ts.do(http.MethodPost, "/api/scenarios/load", `{}`, http.StatusBadRequest, nil)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.session("alice")

	rec := ts.do(http.MethodGet, "/metrics", "", http.StatusOK, nil)
	assert.Contains(t, rec.Body.String(), `commitment_penalties_created_total{group="g1"} 1`)

	ts.do(http.MethodGet, "/healthz", "", http.StatusOK, nil)
}
