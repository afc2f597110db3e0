// Package store provides an in-memory core.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/commitment-engine/core"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory enforces the same uniqueness rules as the SQLite store under one
// mutex, so tests exercise the same conflict paths.
type Memory struct {
	mu sync.RWMutex

	groups    map[core.GroupID]core.GroupConfig
	members   map[core.MemberID]core.MemberState
	logs      map[core.MemberID][]core.ActivityLog
	recovery  map[recoveryKey]core.RecoveryDay
	penalties map[core.PenaltyID]core.Penalty
	byDay     map[penaltyKey]core.PenaltyID
	pot       []core.PotEntry
	potKeys   map[string]bool
	grants    map[core.GrantID]core.FlexGrant
	runs      map[runKey]core.CheckRun
}

type recoveryKey struct {
	MemberID core.MemberID
	Week     core.Week
}

type penaltyKey struct {
	MemberID core.MemberID
	Date     string
}

type runKey struct {
	GroupID core.GroupID
	Date    string
}

var _ core.Store = (*Memory)(nil)

func NewMemory() *Memory {
	m := &Memory{}
	m.init()
	return m
}

// Reset drops all data.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return nil
}

func (m *Memory) init() {
	m.groups = make(map[core.GroupID]core.GroupConfig)
	m.members = make(map[core.MemberID]core.MemberState)
	m.logs = make(map[core.MemberID][]core.ActivityLog)
	m.recovery = make(map[recoveryKey]core.RecoveryDay)
	m.penalties = make(map[core.PenaltyID]core.Penalty)
	m.byDay = make(map[penaltyKey]core.PenaltyID)
	m.pot = nil
	m.potKeys = make(map[string]bool)
	m.grants = make(map[core.GrantID]core.FlexGrant)
	m.runs = make(map[runKey]core.CheckRun)
}

// =============================================================================
// GROUPS AND MEMBERS
// =============================================================================

func (m *Memory) SaveGroup(_ context.Context, g core.GroupConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = g
	return nil
}

func (m *Memory) GetGroup(_ context.Context, id core.GroupID) (*core.GroupConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "group", ID: string(id)}
	}
	return &g, nil
}

func (m *Memory) ListGroups(_ context.Context) ([]core.GroupConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.GroupConfig, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) SaveMember(_ context.Context, member core.MemberState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[member.ID] = member
	return nil
}

func (m *Memory) GetMember(_ context.Context, id core.MemberID) (*core.MemberState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "member", ID: string(id)}
	}
	member.HasFlexibleRestDay = m.unusedGrantLocked(id) != nil
	return &member, nil
}

func (m *Memory) ListMembers(_ context.Context, groupID core.GroupID) ([]core.MemberState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.MemberState
	for _, member := range m.members {
		if member.GroupID == groupID {
			member.HasFlexibleRestDay = m.unusedGrantLocked(member.ID) != nil
			out = append(out, member)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// =============================================================================
// ACTIVITY LOGS
// =============================================================================

func (m *Memory) AppendLog(_ context.Context, log core.ActivityLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.logs[log.MemberID] {
		if existing.ID == log.ID {
			return core.ErrDuplicate
		}
	}
	logs := m.logs[log.MemberID]
	i := sort.Search(len(logs), func(i int) bool { return logs[i].Date.After(log.Date) })
	logs = append(logs, core.ActivityLog{})
	copy(logs[i+1:], logs[i:])
	logs[i] = log
	m.logs[log.MemberID] = logs
	return nil
}

func (m *Memory) LogsForDay(ctx context.Context, memberID core.MemberID, date core.Date) ([]core.ActivityLog, error) {
	return m.LogsInRange(ctx, memberID, date, date)
}

func (m *Memory) LogsInRange(_ context.Context, memberID core.MemberID, from, to core.Date) ([]core.ActivityLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.ActivityLog
	for _, log := range m.logs[memberID] {
		if from.BeforeOrEqual(log.Date) && log.Date.BeforeOrEqual(to) {
			out = append(out, log)
		}
	}
	return out, nil
}

func (m *Memory) DeleteLog(_ context.Context, memberID core.MemberID, id core.LogID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	logs := m.logs[memberID]
	for i, log := range logs {
		if log.ID == id {
			m.logs[memberID] = append(logs[:i:i], logs[i+1:]...)
			return nil
		}
	}
	return &core.NotFoundError{Kind: "activity log", ID: string(id)}
}

// =============================================================================
// RECOVERY DAYS
// =============================================================================

func (m *Memory) CreateRecoveryDay(_ context.Context, rd core.RecoveryDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recoveryKey{MemberID: rd.MemberID, Week: rd.Week}
	if _, exists := m.recovery[k]; exists {
		return core.ErrDuplicate
	}
	m.recovery[k] = rd
	return nil
}

func (m *Memory) FindRecoveryDayForWeek(_ context.Context, memberID core.MemberID, week core.Week) (*core.RecoveryDay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rd, ok := m.recovery[recoveryKey{MemberID: memberID, Week: week}]
	if !ok {
		return nil, nil
	}
	return &rd, nil
}

func (m *Memory) UpdateRecoveryDay(_ context.Context, rd core.RecoveryDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recoveryKey{MemberID: rd.MemberID, Week: rd.Week}
	existing, ok := m.recovery[k]
	if !ok || existing.ID != rd.ID {
		return &core.NotFoundError{Kind: "recovery day", ID: string(rd.ID)}
	}
	m.recovery[k] = rd
	return nil
}

func (m *Memory) DeleteRecoveryDay(_ context.Context, id core.RecoveryDayID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, rd := range m.recovery {
		if rd.ID == id {
			delete(m.recovery, k)
			return nil
		}
	}
	return &core.NotFoundError{Kind: "recovery day", ID: string(id)}
}

// =============================================================================
// PENALTIES
// =============================================================================

func (m *Memory) CreatePenalty(_ context.Context, p core.Penalty) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := penaltyKey{MemberID: p.MemberID, Date: p.Date.String()}
	if _, exists := m.byDay[k]; exists {
		return core.ErrDuplicate
	}
	if _, exists := m.penalties[p.ID]; exists {
		return core.ErrDuplicate
	}
	m.penalties[p.ID] = p
	m.byDay[k] = p.ID
	return nil
}

func (m *Memory) GetPenalty(_ context.Context, id core.PenaltyID) (*core.Penalty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.penalties[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "penalty", ID: string(id)}
	}
	return &p, nil
}

func (m *Memory) FindPenalty(_ context.Context, memberID core.MemberID, date core.Date) (*core.Penalty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byDay[penaltyKey{MemberID: memberID, Date: date.String()}]
	if !ok {
		return nil, nil
	}
	p := m.penalties[id]
	return &p, nil
}

func (m *Memory) ListPenalties(_ context.Context, f core.PenaltyFilter) ([]core.Penalty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Penalty
	for _, p := range m.penalties {
		if f.MemberID != "" && p.MemberID != f.MemberID {
			continue
		}
		if f.GroupID != "" && p.GroupID != f.GroupID {
			continue
		}
		if f.Date != nil && !p.Date.Equal(*f.Date) {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, p.Status) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].MemberID < out[j].MemberID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

func (m *Memory) TransitionPenalty(_ context.Context, t core.PenaltyTransition) (*core.Penalty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.penalties[t.ID]
	if !ok {
		return nil, &core.NotFoundError{Kind: "penalty", ID: string(t.ID)}
	}
	if !hasStatus(t.From, p.Status) {
		return nil, &core.TransitionError{PenaltyID: t.ID, From: p.Status, To: t.To, Err: core.ErrAlreadyResolved}
	}
	if t.PotEntry != nil && t.PotEntry.IdempotencyKey != "" && m.potKeys[t.PotEntry.IdempotencyKey] {
		return nil, core.ErrDuplicateIdempotencyKey
	}

	resolvedAt := t.ResolvedAt
	p.Status = t.To
	p.ResolvedBy = t.ResolvedBy
	p.ResolvedAt = &resolvedAt
	if t.ReasonCategory != "" {
		p.ReasonCategory = t.ReasonCategory
	}
	if t.ReasonMessage != "" {
		p.ReasonMessage = t.ReasonMessage
	}
	m.penalties[p.ID] = p

	if t.PotEntry != nil {
		m.appendPotLocked(*t.PotEntry)
	}
	return &p, nil
}

func hasStatus(list []core.PenaltyStatus, s core.PenaltyStatus) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}

// =============================================================================
// POT
// =============================================================================

func (m *Memory) AppendPotEntry(_ context.Context, e core.PotEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.IdempotencyKey != "" && m.potKeys[e.IdempotencyKey] {
		return core.ErrDuplicateIdempotencyKey
	}
	m.appendPotLocked(e)
	return nil
}

func (m *Memory) appendPotLocked(e core.PotEntry) {
	m.pot = append(m.pot, e)
	if e.IdempotencyKey != "" {
		m.potKeys[e.IdempotencyKey] = true
	}
}

func (m *Memory) PotEntries(_ context.Context, groupID core.GroupID) ([]core.PotEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.PotEntry
	for _, e := range m.pot {
		if e.GroupID == groupID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) PotEntryExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.potKeys[key], nil
}

// =============================================================================
// FLEXIBLE REST DAY GRANTS
// =============================================================================

func (m *Memory) CreateGrant(_ context.Context, g core.FlexGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unusedGrantLocked(g.MemberID) != nil {
		return core.ErrDuplicate
	}
	for _, existing := range m.grants {
		if existing.MemberID == g.MemberID && existing.EarnedOn.Equal(g.EarnedOn) {
			return core.ErrDuplicate
		}
	}
	m.grants[g.ID] = g
	return nil
}

func (m *Memory) unusedGrantLocked(memberID core.MemberID) *core.FlexGrant {
	for _, g := range m.grants {
		if g.MemberID == memberID && g.UsedOn == nil {
			g := g
			return &g
		}
	}
	return nil
}

func (m *Memory) FindUnusedGrant(_ context.Context, memberID core.MemberID) (*core.FlexGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unusedGrantLocked(memberID), nil
}

func (m *Memory) FindGrantUsedOn(_ context.Context, memberID core.MemberID, date core.Date) (*core.FlexGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.grants {
		if g.MemberID == memberID && g.UsedOn != nil && g.UsedOn.Equal(date) {
			g := g
			return &g, nil
		}
	}
	return nil, nil
}

func (m *Memory) ClaimGrant(_ context.Context, id core.GrantID, date core.Date) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return &core.NotFoundError{Kind: "grant", ID: string(id)}
	}
	if g.UsedOn != nil {
		return core.ErrNoEntitlement
	}
	for _, other := range m.grants {
		if other.MemberID == g.MemberID && other.UsedOn != nil && other.UsedOn.Equal(date) {
			return core.ErrDuplicate
		}
	}
	used := date
	g.UsedOn = &used
	m.grants[id] = g
	return nil
}

func (m *Memory) ListGrants(_ context.Context, memberID core.MemberID) ([]core.FlexGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.FlexGrant
	for _, g := range m.grants {
		if g.MemberID == memberID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EarnedOn.Before(out[j].EarnedOn) })
	return out, nil
}

// =============================================================================
// CHECK RUNS
// =============================================================================

func (m *Memory) CreateCheckRun(_ context.Context, run core.CheckRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := runKey{GroupID: run.GroupID, Date: run.Date.String()}
	if _, exists := m.runs[k]; exists {
		return core.ErrDuplicate
	}
	m.runs[k] = run
	return nil
}

func (m *Memory) UpdateCheckRun(_ context.Context, run core.CheckRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := runKey{GroupID: run.GroupID, Date: run.Date.String()}
	if _, exists := m.runs[k]; !exists {
		return &core.NotFoundError{Kind: "check run", ID: run.ID}
	}
	m.runs[k] = run
	return nil
}

func (m *Memory) ReclaimCheckRun(_ context.Context, groupID core.GroupID, date core.Date, from core.CheckRunStatus, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := runKey{GroupID: groupID, Date: date.String()}
	run, exists := m.runs[k]
	if !exists || run.Status != from {
		return false, nil
	}
	run.Status = core.CheckRunning
	run.Error = ""
	run.StartedAt = startedAt
	run.CompletedAt = nil
	m.runs[k] = run
	return true, nil
}

func (m *Memory) FindCheckRun(_ context.Context, groupID core.GroupID, date core.Date) (*core.CheckRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runKey{GroupID: groupID, Date: date.String()}]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (m *Memory) ListCheckRuns(_ context.Context, groupID core.GroupID) ([]core.CheckRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.CheckRun
	for _, run := range m.runs {
		if run.GroupID == groupID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}
