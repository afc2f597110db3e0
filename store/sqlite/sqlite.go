/*
Package sqlite provides a SQLite-backed implementation of core.Store.

PURPOSE:
  Persists groups, members, activity logs, recovery days, penalties, the
  group pot, flexible rest day grants and check runs. Every uniqueness rule
  the engine depends on is a unique index here, so two sessions racing on
  the same member resolve in the database rather than in process memory.

KEY TABLES:
  groups, members:  Configuration owned by group admins
  activity_logs:    Append-only exercise logs (owner may delete)
  recovery_days:    One per (member, ISO week)
  penalties:        One per (member, penalty date), status moved by CAS
  pot_entries:      Append-only ledger, idempotency_key unique
  flex_grants:      At most one unused grant per member
  check_runs:       One per (group, check date)

INDEXES:
  - idx_recovery_member_week:  Weekly recovery day limit
  - idx_penalty_member_date:   One penalty per missed day
  - idx_flex_unused:           Partial index, a member holds one grant at most
  - idx_flex_used_on:          One grant spent per day
  - idx_check_group_date:      Group check runs once per day

CONCURRENCY:
  The mutex serializes writers the same way SQLite does internally. The
  compare-and-set on penalty status is an UPDATE ... WHERE status IN (...)
  inside a transaction with the pot insert, so an accepted penalty and its
  pot entry land together or not at all.

WAL MODE:
  File databases are opened with WAL. ":memory:" databases are pinned to a
  single connection because every new connection would see an empty
  database.

USAGE:
  store, err := sqlite.New("./data/commitment.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - core/store.go: Interface definitions
  - core/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/commitment-engine/core"
)

// Store implements core.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ core.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		start_date TEXT NOT NULL,
		time_zone TEXT,
		rest_days INTEGER NOT NULL DEFAULT 0,
		recovery_days INTEGER NOT NULL DEFAULT 0,
		daily_target_base INTEGER NOT NULL,
		daily_increment INTEGER NOT NULL,
		penalty_amount TEXT NOT NULL,
		currency TEXT,
		recovery_cap_fraction TEXT NOT NULL,
		recovery_day_factor TEXT NOT NULL,
		flex_rest_multiplier INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		name TEXT NOT NULL,
		difficulty_mode TEXT NOT NULL,
		is_sick_mode INTEGER NOT NULL DEFAULT 0,
		sick_since TEXT,
		sick_until TEXT,
		time_zone TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_members_group ON members(group_id);

	-- Activity logs (append-only, owner may delete)
	CREATE TABLE IF NOT EXISTS activity_logs (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		log_date TEXT NOT NULL,
		category TEXT NOT NULL,
		exercise TEXT,
		points INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_logs_member_date ON activity_logs(member_id, log_date);

	CREATE TABLE IF NOT EXISTS recovery_days (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		used_date TEXT NOT NULL,
		iso_week TEXT NOT NULL,
		recovery_minutes INTEGER NOT NULL DEFAULT 0,
		is_complete INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_recovery_member_week ON recovery_days(member_id, iso_week);

	CREATE TABLE IF NOT EXISTS penalties (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		penalty_date TEXT NOT NULL,
		target_points INTEGER NOT NULL,
		actual_points INTEGER NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		deadline TEXT NOT NULL,
		reason_category TEXT,
		reason_message TEXT,
		resolved_at TEXT,
		resolved_by TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_penalty_member_date ON penalties(member_id, penalty_date);
	CREATE INDEX IF NOT EXISTS idx_penalty_group_status ON penalties(group_id, status);

	-- Pot ledger (append-only)
	CREATE TABLE IF NOT EXISTS pot_entries (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pot_group ON pot_entries(group_id);

	CREATE TABLE IF NOT EXISTS flex_grants (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		earned_on TEXT NOT NULL,
		used_on TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_flex_earned ON flex_grants(member_id, earned_on);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_flex_unused ON flex_grants(member_id) WHERE used_on IS NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_flex_used_on ON flex_grants(member_id, used_on);

	CREATE TABLE IF NOT EXISTS check_runs (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		check_date TEXT NOT NULL,
		status TEXT NOT NULL,
		summary_json TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_check_group_date ON check_runs(group_id, check_date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// GROUPS
// =============================================================================

const groupColumns = `id, name, start_date, time_zone, rest_days, recovery_days,
	daily_target_base, daily_increment, penalty_amount, currency,
	recovery_cap_fraction, recovery_day_factor, flex_rest_multiplier, created_at, updated_at`

// SaveGroup inserts or replaces a group's configuration.
func (s *Store) SaveGroup(ctx context.Context, g core.GroupConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO groups (` + groupColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			start_date = excluded.start_date,
			time_zone = excluded.time_zone,
			rest_days = excluded.rest_days,
			recovery_days = excluded.recovery_days,
			daily_target_base = excluded.daily_target_base,
			daily_increment = excluded.daily_increment,
			penalty_amount = excluded.penalty_amount,
			currency = excluded.currency,
			recovery_cap_fraction = excluded.recovery_cap_fraction,
			recovery_day_factor = excluded.recovery_day_factor,
			flex_rest_multiplier = excluded.flex_rest_multiplier,
			updated_at = excluded.updated_at
	`

	created := g.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := g.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	_, err := s.db.ExecContext(ctx, query,
		string(g.ID), g.Name, g.StartDate.String(), nullString(g.TimeZone),
		int(g.RestDays), int(g.RecoveryDays),
		g.DailyTargetBase, g.DailyIncrement,
		g.PenaltyAmount.String(), nullString(g.Currency),
		g.RecoveryCapFraction.String(), g.RecoveryDayFactor.String(), g.FlexRestMultiplier,
		formatTime(created), formatTime(updated),
	)
	return err
}

// GetGroup retrieves a group by ID.
func (s *Store) GetGroup(ctx context.Context, id core.GroupID) (*core.GroupConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+groupColumns+" FROM groups WHERE id = ?", string(id))
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "group", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ListGroups returns every group ordered by name.
func (s *Store) ListGroups(ctx context.Context) ([]core.GroupConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+groupColumns+" FROM groups ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []core.GroupConfig
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func scanGroup(row scanner) (*core.GroupConfig, error) {
	var g core.GroupConfig
	var id, startDate, amount, capFraction, factor, createdAt, updatedAt string
	var tz, currency sql.NullString
	var restDays, recoveryDays int

	err := row.Scan(&id, &g.Name, &startDate, &tz, &restDays, &recoveryDays,
		&g.DailyTargetBase, &g.DailyIncrement, &amount, &currency,
		&capFraction, &factor, &g.FlexRestMultiplier, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	g.ID = core.GroupID(id)
	g.TimeZone = tz.String
	g.Currency = currency.String
	g.RestDays = core.WeekdaySet(restDays)
	g.RecoveryDays = core.WeekdaySet(recoveryDays)
	if g.StartDate, err = core.ParseDate(startDate); err != nil {
		return nil, fmt.Errorf("group %s start_date: %w", id, err)
	}
	if g.PenaltyAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("group %s penalty_amount: %w", id, err)
	}
	g.RecoveryCapFraction = parseDecimal(capFraction)
	g.RecoveryDayFactor = parseDecimal(factor)
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)
	return &g, nil
}

// =============================================================================
// MEMBERS
// =============================================================================

// HasFlexibleRestDay is derived from flex_grants on every read.
const memberColumns = `m.id, m.group_id, m.name, m.difficulty_mode, m.is_sick_mode, m.sick_since,
	m.sick_until, m.time_zone, m.created_at,
	EXISTS (SELECT 1 FROM flex_grants f WHERE f.member_id = m.id AND f.used_on IS NULL)`

// SaveMember inserts or replaces a member.
func (s *Store) SaveMember(ctx context.Context, m core.MemberState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO members (id, group_id, name, difficulty_mode, is_sick_mode, sick_since, sick_until, time_zone, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			group_id = excluded.group_id,
			name = excluded.name,
			difficulty_mode = excluded.difficulty_mode,
			is_sick_mode = excluded.is_sick_mode,
			sick_since = excluded.sick_since,
			sick_until = excluded.sick_until,
			time_zone = excluded.time_zone
	`

	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		string(m.ID), string(m.GroupID), m.Name, string(m.DifficultyMode),
		m.IsSickMode, nullDate(m.SickSince), nullDate(m.SickUntil), nullString(m.TimeZone), formatTime(created),
	)
	return err
}

// GetMember retrieves a member by ID.
func (s *Store) GetMember(ctx context.Context, id core.MemberID) (*core.MemberState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+memberColumns+" FROM members m WHERE m.id = ?", string(id))
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "member", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMembers returns a group's members ordered by name.
func (s *Store) ListMembers(ctx context.Context, groupID core.GroupID) ([]core.MemberState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+memberColumns+" FROM members m WHERE m.group_id = ? ORDER BY m.name",
		string(groupID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []core.MemberState
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

func scanMember(row scanner) (*core.MemberState, error) {
	var m core.MemberState
	var id, groupID, mode, createdAt string
	var sickSince, sickUntil, tz sql.NullString

	err := row.Scan(&id, &groupID, &m.Name, &mode, &m.IsSickMode, &sickSince, &sickUntil, &tz, &createdAt, &m.HasFlexibleRestDay)
	if err != nil {
		return nil, err
	}

	m.ID = core.MemberID(id)
	m.GroupID = core.GroupID(groupID)
	m.DifficultyMode = core.Mode(mode)
	m.TimeZone = tz.String
	m.CreatedAt = parseTime(createdAt)
	if m.SickSince, err = parseNullDate(sickSince); err != nil {
		return nil, fmt.Errorf("member %s sick_since: %w", id, err)
	}
	if m.SickUntil, err = parseNullDate(sickUntil); err != nil {
		return nil, fmt.Errorf("member %s sick_until: %w", id, err)
	}
	return &m, nil
}

// =============================================================================
// ACTIVITY LOGS
// =============================================================================

const logColumns = "id, member_id, log_date, category, exercise, points, created_at"

// AppendLog persists a new log. Logs are never updated.
func (s *Store) AppendLog(ctx context.Context, log core.ActivityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := log.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO activity_logs ("+logColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		string(log.ID), string(log.MemberID), log.Date.String(), string(log.Category),
		nullString(log.Exercise), log.Points, formatTime(created),
	)
	if isUniqueConstraintError(err) {
		return core.ErrDuplicate
	}
	return err
}

// LogsForDay returns a member's logs for one calendar day.
func (s *Store) LogsForDay(ctx context.Context, memberID core.MemberID, date core.Date) ([]core.ActivityLog, error) {
	return s.LogsInRange(ctx, memberID, date, date)
}

// LogsInRange returns logs in [from, to], ordered by date. Dates are stored
// as YYYY-MM-DD so string comparison is date comparison.
func (s *Store) LogsInRange(ctx context.Context, memberID core.MemberID, from, to core.Date) ([]core.ActivityLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+logColumns+` FROM activity_logs
		WHERE member_id = ? AND log_date >= ? AND log_date <= ?
		ORDER BY log_date, created_at, rowid
	`, string(memberID), from.String(), to.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []core.ActivityLog
	for rows.Next() {
		var l core.ActivityLog
		var id, member, date, category, createdAt string
		var exercise sql.NullString
		if err := rows.Scan(&id, &member, &date, &category, &exercise, &l.Points, &createdAt); err != nil {
			return nil, err
		}
		l.ID = core.LogID(id)
		l.MemberID = core.MemberID(member)
		l.Category = core.Category(category)
		l.Exercise = exercise.String
		l.CreatedAt = parseTime(createdAt)
		if l.Date, err = core.ParseDate(date); err != nil {
			return nil, fmt.Errorf("log %s date: %w", id, err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// DeleteLog removes a log owned by memberID.
func (s *Store) DeleteLog(ctx context.Context, memberID core.MemberID, id core.LogID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM activity_logs WHERE id = ? AND member_id = ?", string(id), string(memberID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "activity log", ID: string(id)}
	}
	return nil
}

// =============================================================================
// RECOVERY DAYS
// =============================================================================

// CreateRecoveryDay relies on idx_recovery_member_week for the weekly limit.
func (s *Store) CreateRecoveryDay(ctx context.Context, rd core.RecoveryDay) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := rd.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_days (id, member_id, used_date, iso_week, recovery_minutes, is_complete, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(rd.ID), string(rd.MemberID), rd.UsedDate.String(), string(rd.Week),
		rd.RecoveryMinutes, rd.IsComplete, formatTime(created))
	if isUniqueConstraintError(err) {
		return core.ErrDuplicate
	}
	return err
}

// FindRecoveryDayForWeek returns nil, nil when the week is unused.
func (s *Store) FindRecoveryDayForWeek(ctx context.Context, memberID core.MemberID, week core.Week) (*core.RecoveryDay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rd core.RecoveryDay
	var id, member, usedDate, isoWeek, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, member_id, used_date, iso_week, recovery_minutes, is_complete, created_at
		FROM recovery_days WHERE member_id = ? AND iso_week = ?
	`, string(memberID), string(week)).Scan(&id, &member, &usedDate, &isoWeek, &rd.RecoveryMinutes, &rd.IsComplete, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rd.ID = core.RecoveryDayID(id)
	rd.MemberID = core.MemberID(member)
	rd.Week = core.Week(isoWeek)
	rd.CreatedAt = parseTime(createdAt)
	if rd.UsedDate, err = core.ParseDate(usedDate); err != nil {
		return nil, fmt.Errorf("recovery day %s used_date: %w", id, err)
	}
	return &rd, nil
}

// UpdateRecoveryDay writes progress. The member and week never change.
func (s *Store) UpdateRecoveryDay(ctx context.Context, rd core.RecoveryDay) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE recovery_days SET used_date = ?, recovery_minutes = ?, is_complete = ?
		WHERE id = ? AND member_id = ? AND iso_week = ?
	`, rd.UsedDate.String(), rd.RecoveryMinutes, rd.IsComplete, string(rd.ID), string(rd.MemberID), string(rd.Week))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "recovery day", ID: string(rd.ID)}
	}
	return nil
}

func (s *Store) DeleteRecoveryDay(ctx context.Context, id core.RecoveryDayID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM recovery_days WHERE id = ?", string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "recovery day", ID: string(id)}
	}
	return nil
}

// =============================================================================
// PENALTIES
// =============================================================================

const penaltyColumns = `id, member_id, group_id, penalty_date, target_points, actual_points, amount,
	status, created_at, deadline, reason_category, reason_message, resolved_at, resolved_by`

// CreatePenalty writes the whole record in one INSERT; idx_penalty_member_date
// turns a second evaluation of the same day into ErrDuplicate.
func (s *Store) CreatePenalty(ctx context.Context, p core.Penalty) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO penalties (`+penaltyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(p.ID), string(p.MemberID), string(p.GroupID), p.Date.String(),
		p.TargetPoints, p.ActualPoints, p.Amount.String(), string(p.Status),
		formatTime(p.CreatedAt), formatTime(p.Deadline),
		nullString(string(p.ReasonCategory)), nullString(p.ReasonMessage),
		nullTime(p.ResolvedAt), nullString(string(p.ResolvedBy)),
	)
	if isUniqueConstraintError(err) {
		return core.ErrDuplicate
	}
	return err
}

// GetPenalty retrieves a penalty by ID.
func (s *Store) GetPenalty(ctx context.Context, id core.PenaltyID) (*core.Penalty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPenalty(ctx, s.db, id)
}

func getPenalty(ctx context.Context, q querier, id core.PenaltyID) (*core.Penalty, error) {
	row := q.QueryRowContext(ctx, "SELECT "+penaltyColumns+" FROM penalties WHERE id = ?", string(id))
	p, err := scanPenalty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "penalty", ID: string(id)}
	}
	return p, err
}

// FindPenalty returns nil, nil when the day has no penalty.
func (s *Store) FindPenalty(ctx context.Context, memberID core.MemberID, date core.Date) (*core.Penalty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+penaltyColumns+" FROM penalties WHERE member_id = ? AND penalty_date = ?",
		string(memberID), date.String(),
	)
	p, err := scanPenalty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListPenalties returns matching penalties ordered by date, then member.
func (s *Store) ListPenalties(ctx context.Context, f core.PenaltyFilter) ([]core.Penalty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if f.MemberID != "" {
		where = append(where, "member_id = ?")
		args = append(args, string(f.MemberID))
	}
	if f.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, string(f.GroupID))
	}
	if f.Date != nil {
		where = append(where, "penalty_date = ?")
		args = append(args, f.Date.String())
	}
	if len(f.Statuses) > 0 {
		clause, statusArgs := statusIn(f.Statuses)
		where = append(where, clause)
		args = append(args, statusArgs...)
	}

	query := "SELECT " + penaltyColumns + " FROM penalties"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY penalty_date, member_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var penalties []core.Penalty
	for rows.Next() {
		p, err := scanPenalty(rows)
		if err != nil {
			return nil, err
		}
		penalties = append(penalties, *p)
	}
	return penalties, rows.Err()
}

// TransitionPenalty is a compare-and-set on status. The UPDATE only matches
// while the status is still in t.From, and the pot entry is inserted in the
// same transaction.
func (s *Store) TransitionPenalty(ctx context.Context, t core.PenaltyTransition) (*core.Penalty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	clause, statusArgs := statusIn(t.From)
	args := []any{
		string(t.To), string(t.ResolvedBy), formatTime(t.ResolvedAt),
		string(t.ReasonCategory), t.ReasonMessage, string(t.ID),
	}
	args = append(args, statusArgs...)

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE penalties SET
			status = ?,
			resolved_by = ?,
			resolved_at = ?,
			reason_category = COALESCE(NULLIF(?, ''), reason_category),
			reason_message = COALESCE(NULLIF(?, ''), reason_message)
		WHERE id = ? AND `+clause, args...)
	if err != nil {
		return nil, err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		current, err := getPenalty(ctx, sqlTx, t.ID)
		if err != nil {
			return nil, err
		}
		return nil, &core.TransitionError{PenaltyID: t.ID, From: current.Status, To: t.To, Err: core.ErrAlreadyResolved}
	}

	if t.PotEntry != nil {
		if err := insertPotEntry(ctx, sqlTx, *t.PotEntry); err != nil {
			return nil, err
		}
	}

	p, err := getPenalty(ctx, sqlTx, t.ID)
	if err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return p, nil
}

func scanPenalty(row scanner) (*core.Penalty, error) {
	var p core.Penalty
	var id, member, group, date, amount, status, createdAt, deadline string
	var reasonCategory, reasonMessage, resolvedAt, resolvedBy sql.NullString

	err := row.Scan(&id, &member, &group, &date, &p.TargetPoints, &p.ActualPoints, &amount,
		&status, &createdAt, &deadline, &reasonCategory, &reasonMessage, &resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}

	p.ID = core.PenaltyID(id)
	p.MemberID = core.MemberID(member)
	p.GroupID = core.GroupID(group)
	p.Status = core.PenaltyStatus(status)
	p.CreatedAt = parseTime(createdAt)
	p.Deadline = parseTime(deadline)
	p.ReasonCategory = core.ReasonCategory(reasonCategory.String)
	p.ReasonMessage = reasonMessage.String
	p.ResolvedBy = core.Resolution(resolvedBy.String)
	if resolvedAt.Valid {
		at := parseTime(resolvedAt.String)
		p.ResolvedAt = &at
	}
	if p.Date, err = core.ParseDate(date); err != nil {
		return nil, fmt.Errorf("penalty %s date: %w", id, err)
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("penalty %s amount: %w", id, err)
	}
	return &p, nil
}

func statusIn(statuses []core.PenaltyStatus) (string, []any) {
	if len(statuses) == 0 {
		return "0", nil
	}
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return "status IN (" + strings.Join(marks, ", ") + ")", args
}

// =============================================================================
// POT
// =============================================================================

// AppendPotEntry appends to the pot. The ledger is never updated in place.
func (s *Store) AppendPotEntry(ctx context.Context, e core.PotEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertPotEntry(ctx, s.db, e)
}

// insertPotEntry works on either the database or an open transaction.
func insertPotEntry(ctx context.Context, exec execer, e core.PotEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO pot_entries (id, group_id, member_id, amount, entry_type, reference_id, reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(e.ID), string(e.GroupID), string(e.MemberID), e.Amount.String(), string(e.Type),
		nullString(e.ReferenceID), nullString(e.Reason), nullString(e.IdempotencyKey), formatTime(created))
	if isUniqueConstraintError(err) {
		if e.IdempotencyKey != "" && strings.Contains(err.Error(), "idempotency_key") {
			return core.ErrDuplicateIdempotencyKey
		}
		return core.ErrDuplicate
	}
	return err
}

// PotEntries returns a group's pot in append order.
func (s *Store) PotEntries(ctx context.Context, groupID core.GroupID) ([]core.PotEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, member_id, amount, entry_type, reference_id, reason, idempotency_key, created_at
		FROM pot_entries WHERE group_id = ? ORDER BY rowid
	`, string(groupID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []core.PotEntry
	for rows.Next() {
		var e core.PotEntry
		var id, group, member, amount, entryType, createdAt string
		var ref, reason, key sql.NullString
		if err := rows.Scan(&id, &group, &member, &amount, &entryType, &ref, &reason, &key, &createdAt); err != nil {
			return nil, err
		}
		e.ID = core.PotEntryID(id)
		e.GroupID = core.GroupID(group)
		e.MemberID = core.MemberID(member)
		e.Type = core.PotEntryType(entryType)
		e.ReferenceID = ref.String
		e.Reason = reason.String
		e.IdempotencyKey = key.String
		e.CreatedAt = parseTime(createdAt)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("pot entry %s amount: %w", id, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PotEntryExists checks whether an idempotency key has been used.
func (s *Store) PotEntryExists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pot_entries WHERE idempotency_key = ?", key,
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// FLEXIBLE REST DAY GRANTS
// =============================================================================

const grantColumns = "id, member_id, earned_on, used_on, created_at"

// CreateGrant relies on idx_flex_unused and idx_flex_earned; either one
// firing means the member already holds or already earned a grant.
func (s *Store) CreateGrant(ctx context.Context, g core.FlexGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := g.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO flex_grants ("+grantColumns+") VALUES (?, ?, ?, ?, ?)",
		string(g.ID), string(g.MemberID), g.EarnedOn.String(), nullDate(g.UsedOn), formatTime(created),
	)
	if isUniqueConstraintError(err) {
		return core.ErrDuplicate
	}
	return err
}

func (s *Store) FindUnusedGrant(ctx context.Context, memberID core.MemberID) (*core.FlexGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+grantColumns+" FROM flex_grants WHERE member_id = ? AND used_on IS NULL",
		string(memberID),
	)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (s *Store) FindGrantUsedOn(ctx context.Context, memberID core.MemberID, date core.Date) (*core.FlexGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+grantColumns+" FROM flex_grants WHERE member_id = ? AND used_on = ?",
		string(memberID), date.String(),
	)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

// ClaimGrant marks the grant used. The UPDATE only matches an unused grant,
// so of two concurrent claims exactly one affects a row.
func (s *Store) ClaimGrant(ctx context.Context, id core.GrantID, date core.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE flex_grants SET used_on = ? WHERE id = ? AND used_on IS NULL",
		date.String(), string(id),
	)
	if isUniqueConstraintError(err) {
		return core.ErrDuplicate
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM flex_grants WHERE id = ?", string(id)).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return &core.NotFoundError{Kind: "grant", ID: string(id)}
	}
	return core.ErrNoEntitlement
}

// ListGrants returns a member's grants ordered by the day they were earned.
func (s *Store) ListGrants(ctx context.Context, memberID core.MemberID) ([]core.FlexGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+grantColumns+" FROM flex_grants WHERE member_id = ? ORDER BY earned_on",
		string(memberID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []core.FlexGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, *g)
	}
	return grants, rows.Err()
}

func scanGrant(row scanner) (*core.FlexGrant, error) {
	var g core.FlexGrant
	var id, member, earnedOn, createdAt string
	var usedOn sql.NullString
	if err := row.Scan(&id, &member, &earnedOn, &usedOn, &createdAt); err != nil {
		return nil, err
	}

	var err error
	g.ID = core.GrantID(id)
	g.MemberID = core.MemberID(member)
	g.CreatedAt = parseTime(createdAt)
	if g.EarnedOn, err = core.ParseDate(earnedOn); err != nil {
		return nil, fmt.Errorf("grant %s earned_on: %w", id, err)
	}
	if g.UsedOn, err = parseNullDate(usedOn); err != nil {
		return nil, fmt.Errorf("grant %s used_on: %w", id, err)
	}
	return &g, nil
}

// =============================================================================
// CHECK RUNS
// =============================================================================

const checkColumns = "id, group_id, check_date, status, summary_json, error, started_at, completed_at"

// CreateCheckRun relies on idx_check_group_date so a group is checked once
// per day no matter how many schedulers fire.
func (s *Store) CreateCheckRun(ctx context.Context, run core.CheckRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO check_runs ("+checkColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		run.ID, string(run.GroupID), run.Date.String(), string(run.Status), string(summary),
		nullString(run.Error), formatTime(run.StartedAt), nullTime(run.CompletedAt),
	)
	if isUniqueConstraintError(err) {
		return core.ErrDuplicate
	}
	return err
}

func (s *Store) UpdateCheckRun(ctx context.Context, run core.CheckRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE check_runs SET status = ?, summary_json = ?, error = ?, completed_at = ?
		WHERE group_id = ? AND check_date = ?
	`, string(run.Status), string(summary), nullString(run.Error), nullTime(run.CompletedAt),
		string(run.GroupID), run.Date.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "check run", ID: run.ID}
	}
	return nil
}

// ReclaimCheckRun is a compare-and-set on status so that only one retry of a
// failed or deferred check proceeds.
func (s *Store) ReclaimCheckRun(ctx context.Context, groupID core.GroupID, date core.Date, from core.CheckRunStatus, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE check_runs SET status = ?, error = NULL, started_at = ?, completed_at = NULL
		WHERE group_id = ? AND check_date = ? AND status = ?
	`, string(core.CheckRunning), formatTime(startedAt), string(groupID), date.String(), string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) FindCheckRun(ctx context.Context, groupID core.GroupID, date core.Date) (*core.CheckRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+checkColumns+" FROM check_runs WHERE group_id = ? AND check_date = ?",
		string(groupID), date.String(),
	)
	run, err := scanCheckRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListCheckRuns returns a group's runs, most recent first.
func (s *Store) ListCheckRuns(ctx context.Context, groupID core.GroupID) ([]core.CheckRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+checkColumns+" FROM check_runs WHERE group_id = ? ORDER BY check_date DESC",
		string(groupID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []core.CheckRun
	for rows.Next() {
		run, err := scanCheckRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanCheckRun(row scanner) (*core.CheckRun, error) {
	var run core.CheckRun
	var group, date, status, startedAt string
	var summary, runErr, completedAt sql.NullString
	if err := row.Scan(&run.ID, &group, &date, &status, &summary, &runErr, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	var err error
	run.GroupID = core.GroupID(group)
	run.Status = core.CheckRunStatus(status)
	run.Error = runErr.String
	run.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		at := parseTime(completedAt.String)
		run.CompletedAt = &at
	}
	if run.Date, err = core.ParseDate(date); err != nil {
		return nil, fmt.Errorf("check run %s date: %w", run.ID, err)
	}
	if summary.Valid && summary.String != "" {
		if err := json.Unmarshal([]byte(summary.String), &run.Summary); err != nil {
			return nil, fmt.Errorf("check run %s summary: %w", run.ID, err)
		}
	}
	return &run, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"check_runs", "flex_grants", "pot_entries", "penalties",
		"recovery_days", "activity_logs", "members", "groups",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullDate(d *core.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDate(s sql.NullString) (*core.Date, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := core.ParseDate(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
