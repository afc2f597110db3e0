/*
scheduler.go - Periodic group checks

PURPOSE:
  Runs the group-wide penalty check for every group once its previous
  day has ended in the group's zone. Members who never open the app are
  still evaluated and the group gets its summary announcement.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - For each group, the candidate day is yesterday in the group zone
  - Groups that have not started yet are skipped
  - A day already checked is a no-op: check runs are unique per
    (group, date), so restarts and overlapping ticks are harmless
  - Earlier days whose run failed, or was deferred because some member's
    local day had not ended, are retried on every tick until they complete

USAGE:
  s := NewCheckScheduler(handler, 15*time.Minute)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - scheduler/groupcheck.go: The check itself
  - handlers.go: RunCheck (manual trigger)
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/commitment-engine/core"
	"github.com/warp/commitment-engine/scheduler"
)

// CheckScheduler triggers group checks on a ticker.
type CheckScheduler struct {
	Store         core.Store
	Checks        *scheduler.GroupCheck
	Clock         core.Clock
	Logger        *slog.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCheckScheduler creates a scheduler sharing the handler's store, clock
// and check service.
func NewCheckScheduler(h *Handler, interval time.Duration) *CheckScheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &CheckScheduler{
		Store:         h.Store,
		Checks:        h.Checks,
		Clock:         h.Clock,
		Logger:        h.Logger.With("component", "check-scheduler"),
		CheckInterval: interval,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (s *CheckScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()

	s.Logger.Info("started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (s *CheckScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("stopped")
}

func (s *CheckScheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	s.RunNow(ctx)
	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow checks every group's previous day, retries earlier failed or
// deferred days, and returns how many checks actually ran.
func (s *CheckScheduler) RunNow(ctx context.Context) int {
	now := s.Clock.Now()

	groups, err := s.Store.ListGroups(ctx)
	if err != nil {
		s.Logger.Error("listing groups failed", "error", err)
		return 0
	}

	ran := 0
	for _, g := range groups {
		if ctx.Err() != nil {
			break
		}
		for _, date := range s.pendingDates(ctx, g, now) {
			run, didRun, err := s.Checks.Run(ctx, g.ID, date, now)
			if err != nil {
				s.Logger.Error("group check failed", "group", g.ID, "date", date, "error", err)
				continue
			}
			if didRun {
				ran++
				s.Logger.Info("group check ran", "group", g.ID, "date", date, "status", run.Status,
					"missed", run.Summary.Missed, "met", run.Summary.Met, "deferred", run.Summary.Deferred)
			}
		}
	}
	return ran
}

// pendingDates lists the retryable earlier days, oldest first, followed by
// the group's yesterday.
func (s *CheckScheduler) pendingDates(ctx context.Context, g core.GroupConfig, now time.Time) []core.Date {
	yesterday := core.DateOf(now, g.Location()).AddDays(-1)

	var dates []core.Date
	runs, err := s.Store.ListCheckRuns(ctx, g.ID)
	if err != nil {
		s.Logger.Error("listing check runs failed", "group", g.ID, "error", err)
	}
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Status.Retryable() && runs[i].Date.Before(yesterday) {
			dates = append(dates, runs[i].Date)
		}
	}
	if g.HasStarted(yesterday) {
		dates = append(dates, yesterday)
	}
	return dates
}
