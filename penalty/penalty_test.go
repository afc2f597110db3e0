package penalty_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commitment-engine/core"
	"github.com/warp/commitment-engine/core/store"
	"github.com/warp/commitment-engine/penalty"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Group started Monday March 3 2025: base 10, +1/day, Sundays off, Saturdays
// are the group recovery day. Tuesday March 11 is day 8, target 18.
var (
	tuesday  = core.MustParseDate("2025-03-11")
	morning  = time.Date(2025, time.March, 12, 9, 0, 0, 0, time.UTC)
	deadline = time.Date(2025, time.March, 13, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	mem     *store.Memory
	manager *penalty.Manager
	group   core.GroupConfig
	member  core.MemberState
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	group := core.GroupConfig{
		ID:              "g1",
		Name:            "Morning Crew",
		StartDate:       core.MustParseDate("2025-03-03"),
		RestDays:        core.NewWeekdaySet(time.Sunday),
		RecoveryDays:    core.NewWeekdaySet(time.Saturday),
		DailyTargetBase: 10,
		DailyIncrement:  1,
		PenaltyAmount:   decimal.NewFromInt(5),
		Currency:        "EUR",
	}
	member := core.MemberState{ID: "alice", GroupID: "g1", Name: "Alice", DifficultyMode: core.ModeSane}
	require.NoError(t, mem.SaveGroup(ctx, group))
	require.NoError(t, mem.SaveMember(ctx, member))

	return &fixture{mem: mem, manager: penalty.NewManager(mem, nil, nil), group: group, member: member}
}

func (f *fixture) log(t *testing.T, id string, day core.Date, cat core.Category, pts int) {
	t.Helper()
	require.NoError(t, f.mem.AppendLog(context.Background(), core.ActivityLog{
		ID:       core.LogID(id),
		MemberID: f.member.ID,
		Date:     day,
		Category: cat,
		Points:   pts,
	}))
}

func (f *fixture) saveGroup(t *testing.T) {
	t.Helper()
	require.NoError(t, f.mem.SaveGroup(context.Background(), f.group))
}

func (f *fixture) saveMember(t *testing.T) {
	t.Helper()
	require.NoError(t, f.mem.SaveMember(context.Background(), f.member))
}

func (f *fixture) missed(t *testing.T) *core.Penalty {
	t.Helper()
	p, err := f.manager.Evaluate(context.Background(), f.member.ID, tuesday, morning)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

// =============================================================================
// EVALUATE
// =============================================================================

func TestEvaluate_Missed_CreatesPendingPenalty(t *testing.T) {
	// GIVEN: Target 18 on Tuesday, the member logged 5
	// WHEN: Evaluating Tuesday on Wednesday morning
	// THEN: A pending penalty with the group's amount, due at Wednesday midnight

	f := setup(t)
	f.log(t, "l1", tuesday, core.CategoryOther, 5)

	p := f.missed(t)

	assert.Equal(t, core.PenaltyPending, p.Status)
	assert.Equal(t, tuesday, p.Date)
	assert.Equal(t, 18, p.TargetPoints)
	assert.Equal(t, 5, p.ActualPoints)
	assert.True(t, decimal.NewFromInt(5).Equal(p.Amount))
	assert.Equal(t, core.GroupID("g1"), p.GroupID)
	assert.Equal(t, morning, p.CreatedAt)
	assert.True(t, deadline.Equal(p.Deadline), "deadline %s", p.Deadline)
	assert.False(t, p.IsExpired(morning))
	assert.True(t, p.IsExpired(deadline.Add(time.Second)))
}

func TestEvaluate_Met_NoPenalty(t *testing.T) {
	f := setup(t)
	f.log(t, "l1", tuesday, core.CategoryOther, 18)

	p, err := f.manager.Evaluate(context.Background(), f.member.ID, tuesday, morning)

	require.NoError(t, err)
	assert.Nil(t, p)
	stored, err := f.mem.FindPenalty(context.Background(), f.member.ID, tuesday)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestEvaluate_Idempotent(t *testing.T) {
	// GIVEN: A missed day
	// WHEN: Evaluating it twice
	// THEN: The same record, unchanged, both times

	f := setup(t)

	first := f.missed(t)
	second, err := f.manager.Evaluate(context.Background(), f.member.ID, tuesday, morning.Add(3*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestEvaluate_Concurrent_OnePenalty(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	const sessions = 10
	results := make([]*core.Penalty, sessions)
	errs := make([]error, sessions)
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.manager.Evaluate(ctx, f.member.ID, tuesday, morning)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, results[0].ID, results[i].ID)
	}
	all, err := f.mem.ListPenalties(ctx, core.PenaltyFilter{MemberID: f.member.ID})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEvaluate_SickMember_Exempt(t *testing.T) {
	// GIVEN: A member flagged sick, with no activity and a nonzero target
	// WHEN: Evaluating
	// THEN: No penalty

	f := setup(t)
	f.member.IsSickMode = true
	f.saveMember(t)

	p, err := f.manager.Evaluate(context.Background(), f.member.ID, tuesday, morning)

	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestEvaluate_SickSinceLaterDate_StillPenalized(t *testing.T) {
	f := setup(t)
	since := tuesday.AddDays(1)
	f.member.IsSickMode = true
	f.member.SickSince = &since
	f.saveMember(t)

	f.missed(t)
}

func TestEvaluate_DayStillRunningInMemberZone(t *testing.T) {
	// GIVEN: Alice lives in Los Angeles; at 02:00 UTC Wednesday her Tuesday
	// is not over
	f := setup(t)
	f.member.TimeZone = "America/Los_Angeles"
	require.NoError(t, f.mem.SaveMember(context.Background(), f.member))
	early := time.Date(2025, time.March, 12, 2, 0, 0, 0, time.UTC)

	// WHEN: Tuesday is evaluated
	p, err := f.manager.Evaluate(context.Background(), f.member.ID, tuesday, early)

	// THEN: Nothing is created
	assert.ErrorIs(t, err, core.ErrDayNotOver)
	assert.True(t, core.IsValidation(err))
	assert.Nil(t, p)
	stored, err := f.mem.FindPenalty(context.Background(), f.member.ID, tuesday)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestEvaluate_RestDay_NeverPenalized(t *testing.T) {
	f := setup(t)
	sunday := core.MustParseDate("2025-03-09")

	p, err := f.manager.Evaluate(context.Background(), f.member.ID, sunday, morning)

	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestEvaluate_BeforeGroupStart_Exempt(t *testing.T) {
	f := setup(t)

	p, err := f.manager.Evaluate(context.Background(), f.member.ID, core.MustParseDate("2025-02-28"), morning)

	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestEvaluate_RecoveryCapScenario(t *testing.T) {
	// GIVEN: target 40 (cap 10); 30 non-recovery and 50 recovery logged
	// WHEN: Evaluating
	// THEN: effective 40 meets the target although only 40 of 80 counted

	f := setup(t)
	f.group.DailyTargetBase = 40
	f.group.DailyIncrement = 0
	f.saveGroup(t)
	f.log(t, "l1", tuesday, core.CategoryOther, 30)
	f.log(t, "l2", tuesday, core.CategoryRecovery, 50)

	a, err := f.manager.Assess(context.Background(), f.member.ID, tuesday)
	require.NoError(t, err)
	assert.Equal(t, 40, a.Target)
	assert.Equal(t, 40, a.Totals.Effective)

	p, err := f.manager.Evaluate(context.Background(), f.member.ID, tuesday, morning)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestEvaluate_RecoveryBeyondCap_StillMissed(t *testing.T) {
	f := setup(t)
	f.log(t, "l1", tuesday, core.CategoryRecovery, 60)

	p := f.missed(t)

	// target 18 -> cap floor(4.5) = 4
	assert.Equal(t, 4, p.ActualPoints)
}

func TestEvaluate_GroupRecoveryDay_ReducedTargetUncapped(t *testing.T) {
	// Saturday March 8 is day 5: 15 * 0.5 = 7, and recovery counts in full.
	f := setup(t)
	saturday := core.MustParseDate("2025-03-08")
	f.log(t, "l1", saturday, core.CategoryRecovery, 7)

	a, err := f.manager.Assess(context.Background(), f.member.ID, saturday)
	require.NoError(t, err)
	assert.Equal(t, penalty.DayGroupRecovery, a.Kind)
	assert.Equal(t, 7, a.Target)
	assert.True(t, a.Met)
}

func TestEvaluate_InsaneMember_JudgedAgainstSaneTarget(t *testing.T) {
	f := setup(t)
	f.member.DifficultyMode = core.ModeInsane
	f.saveMember(t)
	f.log(t, "l1", tuesday, core.CategoryOther, 18)

	a, err := f.manager.Assess(context.Background(), f.member.ID, tuesday)
	require.NoError(t, err)
	assert.Equal(t, 36, a.DisplayTarget)
	assert.Equal(t, 18, a.Target)

	p, err := f.manager.Evaluate(context.Background(), f.member.ID, tuesday, morning)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestEvaluate_PersonalRecoveryDay(t *testing.T) {
	// GIVEN: Tuesday was the member's recovery day
	// WHEN: They logged 12 recovery minutes, then 20
	// THEN: Judged against 20 minutes, uncapped

	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.mem.CreateRecoveryDay(ctx, core.RecoveryDay{
		ID: "rd-1", MemberID: f.member.ID, UsedDate: tuesday, Week: tuesday.ISOWeek(),
	}))
	f.log(t, "l1", tuesday, core.CategoryRecovery, 12)

	a, err := f.manager.Assess(ctx, f.member.ID, tuesday)
	require.NoError(t, err)
	assert.Equal(t, penalty.DayPersonalRecovery, a.Kind)
	assert.Equal(t, 20, a.Target)
	assert.False(t, a.Met)

	f.log(t, "l2", tuesday, core.CategoryRecovery, 8)
	p, err := f.manager.Evaluate(ctx, f.member.ID, tuesday, morning)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestEvaluate_FlexRestDayUsed_NoTarget(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.mem.CreateGrant(ctx, core.FlexGrant{ID: "fg-1", MemberID: f.member.ID, EarnedOn: core.MustParseDate("2025-03-05")}))
	require.NoError(t, f.mem.ClaimGrant(ctx, "fg-1", tuesday))

	a, err := f.manager.Assess(ctx, f.member.ID, tuesday)
	require.NoError(t, err)
	assert.Equal(t, penalty.DayFlexRest, a.Kind)
	assert.Zero(t, a.Target)

	p, err := f.manager.Evaluate(ctx, f.member.ID, tuesday, morning)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestEvaluate_StartDateChange_ShiftsPastTargets(t *testing.T) {
	// GIVEN: Tuesday assessed as day 8 (target 18)
	// WHEN: The admin moves the start date forward to Sunday March 9
	// THEN: The same Tuesday is now day 2 (target 12)

	f := setup(t)
	ctx := context.Background()

	a, err := f.manager.Assess(ctx, f.member.ID, tuesday)
	require.NoError(t, err)
	assert.Equal(t, 18, a.Target)

	f.group.StartDate = core.MustParseDate("2025-03-09")
	f.saveGroup(t)

	a, err = f.manager.Assess(ctx, f.member.ID, tuesday)
	require.NoError(t, err)
	assert.Equal(t, 12, a.Target)
}

type recordingRewarder struct {
	seen []penalty.Assessment
}

func (r *recordingRewarder) Consider(_ context.Context, _ core.GroupConfig, a penalty.Assessment, _ time.Time) error {
	r.seen = append(r.seen, a)
	return nil
}

func TestEvaluate_MetDay_OfferedToRewarder(t *testing.T) {
	f := setup(t)
	rw := &recordingRewarder{}
	f.manager.Rewards = rw
	f.log(t, "l1", tuesday, core.CategoryOther, 40)

	_, err := f.manager.Evaluate(context.Background(), f.member.ID, tuesday, morning)
	require.NoError(t, err)

	require.Len(t, rw.seen, 1)
	assert.Equal(t, 40, rw.seen[0].Totals.Effective)

	// Missed days are not offered
	p, err := f.manager.Evaluate(context.Background(), f.member.ID, tuesday.AddDays(-1), morning)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Len(t, rw.seen, 1)
}

// =============================================================================
// RESPOND
// =============================================================================

func TestRespond_Accept_PaysIntoPot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p := f.missed(t)

	accepted, err := f.manager.Respond(ctx, p.ID, penalty.ActionAccept, penalty.Reason{}, morning)
	require.NoError(t, err)

	assert.Equal(t, core.PenaltyAccepted, accepted.Status)
	assert.Equal(t, core.ResolvedByMember, accepted.ResolvedBy)
	require.NotNil(t, accepted.ResolvedAt)

	entries, err := f.mem.PotEntries(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.PotPenaltyAccepted, entries[0].Type)
	assert.Equal(t, core.PenaltyPotKey(p.ID), entries[0].IdempotencyKey)
	assert.True(t, decimal.NewFromInt(5).Equal(entries[0].Amount))

	_, err = f.manager.Respond(ctx, p.ID, penalty.ActionAccept, penalty.Reason{}, morning)
	assert.ErrorIs(t, err, core.ErrAlreadyResolved)
	entries, err = f.mem.PotEntries(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRespond_DisputeThenAccept_AlreadyResolved(t *testing.T) {
	// GIVEN: A pending penalty
	// WHEN: The member disputes with "app glitch", then tries to accept
	// THEN: disputed with the reason stored; the accept fails AlreadyResolved

	f := setup(t)
	ctx := context.Background()
	p := f.missed(t)

	disputed, err := f.manager.Respond(ctx, p.ID, penalty.ActionDispute,
		penalty.Reason{Category: core.ReasonTechnical, Message: "app glitch"}, morning)
	require.NoError(t, err)
	assert.Equal(t, core.PenaltyDisputed, disputed.Status)
	assert.Equal(t, core.ReasonTechnical, disputed.ReasonCategory)
	assert.Equal(t, "app glitch", disputed.ReasonMessage)

	_, err = f.manager.Respond(ctx, p.ID, penalty.ActionAccept, penalty.Reason{}, morning)
	assert.ErrorIs(t, err, core.ErrAlreadyResolved)
	assert.True(t, core.IsConflict(err))

	entries, err := f.mem.PotEntries(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRespond_DisputeWithoutReason_Rejected(t *testing.T) {
	f := setup(t)
	p := f.missed(t)

	_, err := f.manager.Respond(context.Background(), p.ID, penalty.ActionDispute, penalty.Reason{Message: "   "}, morning)

	assert.ErrorIs(t, err, core.ErrReasonRequired)
	stored, err := f.mem.GetPenalty(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PenaltyPending, stored.Status)
}

func TestRespond_DisputeDefaultsToOther(t *testing.T) {
	f := setup(t)
	p := f.missed(t)

	disputed, err := f.manager.Respond(context.Background(), p.ID, penalty.ActionDispute, penalty.Reason{Message: "travelling"}, morning)

	require.NoError(t, err)
	assert.Equal(t, core.ReasonOther, disputed.ReasonCategory)
}

func TestRespond_InvalidInput(t *testing.T) {
	f := setup(t)
	p := f.missed(t)
	ctx := context.Background()

	_, err := f.manager.Respond(ctx, p.ID, penalty.Action("ignore"), penalty.Reason{}, morning)
	assert.ErrorIs(t, err, core.ErrInvalidAction)

	_, err = f.manager.Respond(ctx, p.ID, penalty.ActionDispute, penalty.Reason{Category: "bored", Message: "x"}, morning)
	assert.True(t, core.IsValidation(err))

	_, err = f.manager.Respond(ctx, "missing", penalty.ActionAccept, penalty.Reason{}, morning)
	assert.True(t, core.IsNotFound(err))
}

func TestRespond_AfterDeadline_Expired(t *testing.T) {
	f := setup(t)
	p := f.missed(t)

	_, err := f.manager.Respond(context.Background(), p.ID, penalty.ActionAccept, penalty.Reason{}, deadline.Add(time.Minute))

	assert.ErrorIs(t, err, core.ErrExpired)
}

// =============================================================================
// AUTO-ACCEPT
// =============================================================================

func TestAutoAcceptExpired(t *testing.T) {
	// GIVEN: A pending penalty past its deadline
	// WHEN: Auto-accepting
	// THEN: accepted by "auto", paid into the pot, and closed to the member

	f := setup(t)
	ctx := context.Background()
	p := f.missed(t)
	later := deadline.Add(time.Hour)

	accepted, err := f.manager.AutoAcceptExpired(ctx, *p, later)
	require.NoError(t, err)
	assert.Equal(t, core.PenaltyAccepted, accepted.Status)
	assert.Equal(t, core.ResolvedByAuto, accepted.ResolvedBy)

	entries, err := f.mem.PotEntries(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.PotPenaltyAuto, entries[0].Type)

	_, err = f.manager.Respond(ctx, p.ID, penalty.ActionDispute, penalty.Reason{Message: "too late"}, later)
	assert.ErrorIs(t, err, core.ErrAlreadyResolved)
}

func TestAutoAcceptExpired_NotYetExpired(t *testing.T) {
	f := setup(t)
	p := f.missed(t)

	_, err := f.manager.AutoAcceptExpired(context.Background(), *p, deadline)

	assert.ErrorIs(t, err, core.ErrNotExpired)
}

func TestAutoAcceptExpired_StaleSnapshot(t *testing.T) {
	// GIVEN: The member accepted while the scheduler held an old copy
	// WHEN: The scheduler auto-accepts its stale copy
	// THEN: The store refuses; only one pot entry exists

	f := setup(t)
	ctx := context.Background()
	p := f.missed(t)
	stale := *p

	_, err := f.manager.Respond(ctx, p.ID, penalty.ActionAccept, penalty.Reason{}, morning)
	require.NoError(t, err)

	_, err = f.manager.AutoAcceptExpired(ctx, stale, deadline.Add(time.Hour))
	assert.ErrorIs(t, err, core.ErrAlreadyResolved)

	entries, err := f.mem.PotEntries(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// =============================================================================
// ADJUDICATE
// =============================================================================

func TestAdjudicate_WaiveDispute(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p := f.missed(t)
	_, err := f.manager.Respond(ctx, p.ID, penalty.ActionDispute, penalty.Reason{Category: core.ReasonIllness, Message: "flu"}, morning)
	require.NoError(t, err)

	waived, err := f.manager.Adjudicate(ctx, p.ID, core.PenaltyWaived, "admin-1", "get well", morning)
	require.NoError(t, err)

	assert.Equal(t, core.PenaltyWaived, waived.Status)
	assert.Equal(t, core.ResolvedByAdmin, waived.ResolvedBy)
	assert.Equal(t, "flu", waived.ReasonMessage)
	entries, err := f.mem.PotEntries(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAdjudicate_RejectDispute_Upheld(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p := f.missed(t)
	_, err := f.manager.Respond(ctx, p.ID, penalty.ActionDispute, penalty.Reason{Message: "forgot"}, morning)
	require.NoError(t, err)

	rejected, err := f.manager.Adjudicate(ctx, p.ID, core.PenaltyRejected, "admin-1", "", morning)
	require.NoError(t, err)
	assert.Equal(t, core.PenaltyRejected, rejected.Status)

	entries, err := f.mem.PotEntries(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.PotPenaltyUpheld, entries[0].Type)

	_, err = f.manager.Adjudicate(ctx, p.ID, core.PenaltyWaived, "admin-1", "", morning)
	assert.ErrorIs(t, err, core.ErrAlreadyResolved)
}

func TestAdjudicate_InvalidDecision(t *testing.T) {
	f := setup(t)
	p := f.missed(t)

	_, err := f.manager.Adjudicate(context.Background(), p.ID, core.PenaltyPending, "admin-1", "", morning)

	assert.ErrorIs(t, err, core.ErrInvalidAction)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestPending_ListsOnlyPending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p := f.missed(t)
	monday := tuesday.AddDays(-1)
	other, err := f.manager.Evaluate(ctx, f.member.ID, monday, morning)
	require.NoError(t, err)
	require.NotNil(t, other)

	_, err = f.manager.Respond(ctx, p.ID, penalty.ActionAccept, penalty.Reason{}, morning)
	require.NoError(t, err)

	pending, err := f.manager.Pending(ctx, f.member.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, other.ID, pending[0].ID)
}
