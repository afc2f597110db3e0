package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commitment-engine/core"
	"github.com/warp/commitment-engine/store/sqlite"
)

var (
	tuesday = core.MustParseDate("2025-03-11")
	created = time.Date(2025, time.March, 12, 0, 5, 0, 0, time.UTC)
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func pending(id string) core.Penalty {
	return core.Penalty{
		ID:           core.PenaltyID(id),
		MemberID:     "alice",
		GroupID:      "g1",
		Date:         tuesday,
		TargetPoints: 18,
		ActualPoints: 11,
		Amount:       decimal.RequireFromString("5.00"),
		Status:       core.PenaltyPending,
		CreatedAt:    created,
		Deadline:     tuesday.AddDays(1).EndIn(time.UTC),
	}
}

func TestGroupAndMember_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	group := core.GroupConfig{
		ID:                  "g1",
		Name:                "Morning crew",
		StartDate:           core.MustParseDate("2025-03-03"),
		TimeZone:            "Europe/Berlin",
		RestDays:            core.NewWeekdaySet(time.Sunday),
		RecoveryDays:        core.NewWeekdaySet(time.Saturday),
		DailyTargetBase:     10,
		DailyIncrement:      1,
		PenaltyAmount:       decimal.RequireFromString("2.50"),
		Currency:            "EUR",
		RecoveryCapFraction: decimal.RequireFromString("0.25"),
		FlexRestMultiplier:  3,
	}
	require.NoError(t, s.SaveGroup(ctx, group))

	got, err := s.GetGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, group.StartDate, got.StartDate)
	assert.Equal(t, group.RestDays, got.RestDays)
	assert.Equal(t, group.RecoveryDays, got.RecoveryDays)
	assert.True(t, group.PenaltyAmount.Equal(got.PenaltyAmount))
	assert.True(t, got.RecoveryDayFactor.IsZero())
	assert.Equal(t, 3, got.FlexRestMultiplier)

	since := core.MustParseDate("2025-03-10")
	member := core.MemberState{ID: "alice", GroupID: "g1", Name: "Alice", DifficultyMode: core.ModeInsane, IsSickMode: true, SickSince: &since}
	require.NoError(t, s.SaveMember(ctx, member))

	m, err := s.GetMember(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.ModeInsane, m.DifficultyMode)
	require.NotNil(t, m.SickSince)
	assert.Equal(t, since, *m.SickSince)
	assert.Nil(t, m.SickUntil)
	assert.False(t, m.HasFlexibleRestDay)

	m.EndSickMode(core.MustParseDate("2025-03-12"))
	require.NoError(t, s.SaveMember(ctx, *m))
	m, err = s.GetMember(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, m.IsSickMode)
	require.NotNil(t, m.SickUntil)
	assert.Equal(t, "2025-03-11", m.SickUntil.String())
	assert.True(t, m.IsSickOn(core.MustParseDate("2025-03-11")))

	_, err = s.GetGroup(ctx, "missing")
	assert.True(t, core.IsNotFound(err))
}

func TestLogs_RangeAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	for i, day := range []string{"2025-03-10", "2025-03-11", "2025-03-11", "2025-03-12"} {
		require.NoError(t, s.AppendLog(ctx, core.ActivityLog{
			ID:       core.LogID([]string{"a", "b", "c", "d"}[i]),
			MemberID: "alice",
			Date:     core.MustParseDate(day),
			Category: core.CategoryOther,
			Points:   5,
		}))
	}

	logs, err := s.LogsForDay(ctx, "alice", tuesday)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	err = s.AppendLog(ctx, core.ActivityLog{ID: "a", MemberID: "alice", Date: tuesday, Category: core.CategoryOther})
	assert.ErrorIs(t, err, core.ErrDuplicate)

	assert.True(t, core.IsNotFound(s.DeleteLog(ctx, "bob", "b")))
	require.NoError(t, s.DeleteLog(ctx, "alice", "b"))

	logs, err = s.LogsInRange(ctx, "alice", tuesday.AddDays(-1), tuesday.AddDays(1))
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestRecoveryDay_OnePerWeek(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	rd := core.RecoveryDay{ID: "rd1", MemberID: "alice", UsedDate: tuesday, Week: tuesday.ISOWeek()}
	require.NoError(t, s.CreateRecoveryDay(ctx, rd))

	again := core.RecoveryDay{ID: "rd2", MemberID: "alice", UsedDate: tuesday.AddDays(2), Week: tuesday.ISOWeek()}
	assert.ErrorIs(t, s.CreateRecoveryDay(ctx, again), core.ErrDuplicate)

	rd.RecoveryMinutes = 20
	rd.IsComplete = true
	require.NoError(t, s.UpdateRecoveryDay(ctx, rd))

	got, err := s.FindRecoveryDayForWeek(ctx, "alice", tuesday.ISOWeek())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 20, got.RecoveryMinutes)
	assert.True(t, got.IsComplete)

	none, err := s.FindRecoveryDayForWeek(ctx, "alice", tuesday.AddDays(7).ISOWeek())
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.DeleteRecoveryDay(ctx, "rd1"))
	require.NoError(t, s.CreateRecoveryDay(ctx, again))
}

func TestPenalty_OnePerDay(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CreatePenalty(ctx, pending("p1")))
	assert.ErrorIs(t, s.CreatePenalty(ctx, pending("p2")), core.ErrDuplicate)

	p, err := s.FindPenalty(ctx, "alice", tuesday)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, core.PenaltyID("p1"), p.ID)
	assert.True(t, p.Deadline.Equal(tuesday.AddDays(1).EndIn(time.UTC)))
	assert.True(t, decimal.RequireFromString("5").Equal(p.Amount))

	list, err := s.ListPenalties(ctx, core.PenaltyFilter{GroupID: "g1", Statuses: []core.PenaltyStatus{core.PenaltyPending}})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = s.ListPenalties(ctx, core.PenaltyFilter{Statuses: []core.PenaltyStatus{core.PenaltyAccepted}})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTransitionPenalty_CASWithPotEntry(t *testing.T) {
	// GIVEN: A pending penalty
	// WHEN: The member accepts it and a late auto-accept tries the same
	// THEN: One transition wins, and exactly one pot entry exists

	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreatePenalty(ctx, pending("p1")))

	entry := core.PotEntry{
		ID:             "e1",
		GroupID:        "g1",
		MemberID:       "alice",
		Amount:         decimal.RequireFromString("5"),
		Type:           core.PotPenaltyAccepted,
		ReferenceID:    "p1",
		IdempotencyKey: core.PenaltyPotKey("p1"),
	}
	at := created.Add(time.Hour)
	p, err := s.TransitionPenalty(ctx, core.PenaltyTransition{
		ID: "p1", From: []core.PenaltyStatus{core.PenaltyPending}, To: core.PenaltyAccepted,
		ResolvedBy: core.ResolvedByMember, ResolvedAt: at, PotEntry: &entry,
	})
	require.NoError(t, err)
	assert.Equal(t, core.PenaltyAccepted, p.Status)
	require.NotNil(t, p.ResolvedAt)
	assert.True(t, p.ResolvedAt.Equal(at))

	auto := entry
	auto.ID = "e2"
	auto.Type = core.PotPenaltyAuto
	_, err = s.TransitionPenalty(ctx, core.PenaltyTransition{
		ID: "p1", From: []core.PenaltyStatus{core.PenaltyPending}, To: core.PenaltyAccepted,
		ResolvedBy: core.ResolvedByAuto, ResolvedAt: at, PotEntry: &auto,
	})
	var te *core.TransitionError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, core.ErrAlreadyResolved)
	assert.Equal(t, core.PenaltyAccepted, te.From)

	entries, err := s.PotEntries(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTransitionPenalty_DuplicatePotKeyRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreatePenalty(ctx, pending("p1")))
	require.NoError(t, s.AppendPotEntry(ctx, core.PotEntry{
		ID: "e0", GroupID: "g1", MemberID: "alice", Amount: decimal.NewFromInt(5),
		Type: core.PotPenaltyAccepted, IdempotencyKey: core.PenaltyPotKey("p1"),
	}))

	_, err := s.TransitionPenalty(ctx, core.PenaltyTransition{
		ID: "p1", From: []core.PenaltyStatus{core.PenaltyPending}, To: core.PenaltyAccepted,
		ResolvedBy: core.ResolvedByMember, ResolvedAt: created,
		PotEntry: &core.PotEntry{
			ID: "e1", GroupID: "g1", MemberID: "alice", Amount: decimal.NewFromInt(5),
			Type: core.PotPenaltyAccepted, IdempotencyKey: core.PenaltyPotKey("p1"),
		},
	})
	assert.ErrorIs(t, err, core.ErrDuplicateIdempotencyKey)

	p, err := s.GetPenalty(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, core.PenaltyPending, p.Status)
}

func TestTransitionPenalty_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreatePenalty(ctx, pending("p1")))

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.TransitionPenalty(ctx, core.PenaltyTransition{
				ID: "p1", From: []core.PenaltyStatus{core.PenaltyPending}, To: core.PenaltyAccepted,
				ResolvedBy: core.ResolvedByAuto, ResolvedAt: created,
				PotEntry: &core.PotEntry{
					ID: core.PotEntryID("e" + string(rune('a'+i))), GroupID: "g1", MemberID: "alice",
					Amount: decimal.NewFromInt(5), Type: core.PotPenaltyAuto, IdempotencyKey: core.PenaltyPotKey("p1"),
				},
			})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, core.ErrAlreadyResolved)
		}
	}
	assert.Equal(t, 1, won)

	ok, err := s.PotEntryExists(ctx, core.PenaltyPotKey("p1"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGrants_ClaimOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.SaveMember(ctx, core.MemberState{ID: "alice", GroupID: "g1", Name: "Alice", DifficultyMode: core.ModeSane}))

	require.NoError(t, s.CreateGrant(ctx, core.FlexGrant{ID: "f1", MemberID: "alice", EarnedOn: tuesday}))
	assert.ErrorIs(t, s.CreateGrant(ctx, core.FlexGrant{ID: "f2", MemberID: "alice", EarnedOn: tuesday.AddDays(1)}), core.ErrDuplicate)

	m, err := s.GetMember(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, m.HasFlexibleRestDay)

	friday := tuesday.AddDays(3)
	require.NoError(t, s.ClaimGrant(ctx, "f1", friday))
	assert.ErrorIs(t, s.ClaimGrant(ctx, "f1", friday.AddDays(1)), core.ErrNoEntitlement)
	assert.True(t, core.IsNotFound(s.ClaimGrant(ctx, "nope", friday)))

	used, err := s.FindGrantUsedOn(ctx, "alice", friday)
	require.NoError(t, err)
	require.NotNil(t, used)
	assert.Equal(t, core.GrantID("f1"), used.ID)

	unused, err := s.FindUnusedGrant(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, unused)

	// a new grant is allowed once the old one is spent
	require.NoError(t, s.CreateGrant(ctx, core.FlexGrant{ID: "f2", MemberID: "alice", EarnedOn: tuesday.AddDays(7)}))
	grants, err := s.ListGrants(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, grants, 2)
}

func TestCheckRun_OncePerDay(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	run := core.CheckRun{ID: "r1", GroupID: "g1", Date: tuesday, Status: core.CheckRunning, StartedAt: created}
	require.NoError(t, s.CreateCheckRun(ctx, run))
	assert.ErrorIs(t, s.CreateCheckRun(ctx, core.CheckRun{ID: "r2", GroupID: "g1", Date: tuesday, StartedAt: created}), core.ErrDuplicate)

	done := created.Add(time.Minute)
	run.Status = core.CheckCompleted
	run.CompletedAt = &done
	run.Summary = core.CheckSummary{GroupID: "g1", Date: tuesday, Met: 3, Missed: 1}
	require.NoError(t, s.UpdateCheckRun(ctx, run))

	got, err := s.FindCheckRun(ctx, "g1", tuesday)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, core.CheckCompleted, got.Status)
	assert.Equal(t, 3, got.Summary.Met)
	assert.Equal(t, tuesday, got.Summary.Date)

	runs, err := s.ListCheckRuns(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestCheckRun_ReclaimFailed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	done := created.Add(time.Minute)
	run := core.CheckRun{ID: "r1", GroupID: "g1", Date: tuesday, Status: core.CheckFailed, Error: "boom", StartedAt: created, CompletedAt: &done}
	require.NoError(t, s.CreateCheckRun(ctx, run))

	// Only the caller that still sees "failed" wins.
	later := created.Add(time.Hour)
	ok, err := s.ReclaimCheckRun(ctx, "g1", tuesday, core.CheckFailed, later)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ReclaimCheckRun(ctx, "g1", tuesday, core.CheckFailed, later)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.FindCheckRun(ctx, "g1", tuesday)
	require.NoError(t, err)
	assert.Equal(t, core.CheckRunning, got.Status)
	assert.Empty(t, got.Error)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, "r1", got.ID)

	ok, err = s.ReclaimCheckRun(ctx, "g1", tuesday.AddDays(1), core.CheckFailed, later)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreatePenalty(ctx, pending("p1")))
	require.NoError(t, s.Reset(ctx))

	p, err := s.FindPenalty(ctx, "alice", tuesday)
	require.NoError(t, err)
	assert.Nil(t, p)
}
