// Package scanner runs the scan loop: fetch, record, detect, dedupe and
// dispatch, repeated every poll interval.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rewired-gh/polywatch/internal/logger"
	"github.com/rewired-gh/polywatch/internal/models"
	"github.com/rewired-gh/polywatch/internal/monitor"
	"github.com/rewired-gh/polywatch/internal/storage"
)

// Source supplies the active market snapshots for one cycle.
type Source interface {
	FetchActiveMarkets(ctx context.Context, now time.Time) ([]models.Snapshot, error)
}

// Sink delivers alerts and operator notifications.
type Sink interface {
	Deliver(ctx context.Context, alert models.CandidateAlert) error
	SendError(ctx context.Context, cycleErr error) error
	SendRecovery(ctx context.Context, failureCount int) error
}

// State is the scan loop's position within a cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateUpdating
	StateDetecting
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "FETCHING"
	case StateUpdating:
		return "UPDATING"
	case StateDetecting:
		return "DETECTING"
	case StateDispatching:
		return "DISPATCHING"
	default:
		return "IDLE"
	}
}

type Config struct {
	PollInterval time.Duration
	// CycleBudget is the soft deadline after which remaining dispatches are abandoned.
	CycleBudget              time.Duration
	MaxConsecutiveFatalSends int
	Once                     bool
}

// CycleStats summarizes one cycle.
type CycleStats struct {
	Fetched      int
	Recorded     int
	Forgotten    int
	StoreSize    int
	Candidates   int
	Accepted     int
	Delivered    int
	Cooldown     int
	Capped       int
	DailyCapped  int
	SendFailures int
	Abandoned    bool
	Duration     time.Duration
}

// Scanner owns the rolling store and deduper; nothing else mutates them.
type Scanner struct {
	cfg     Config
	source  Source
	sink    Sink
	store   *storage.Storage
	monitor *monitor.Monitor
	deduper *monitor.Deduper

	state               atomic.Int32
	consecutiveFailures int
	fatalSends          int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, source Source, sink Sink, store *storage.Storage, mon *monitor.Monitor, deduper *monitor.Deduper) *Scanner {
	if cfg.CycleBudget <= 0 {
		cfg.CycleBudget = 2 * cfg.PollInterval
	}
	return &Scanner{
		cfg:     cfg,
		source:  source,
		sink:    sink,
		store:   store,
		monitor: mon,
		deduper: deduper,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State reports the current cycle phase.
func (s *Scanner) State() State {
	return State(s.state.Load())
}

func (s *Scanner) setState(st State) {
	s.state.Store(int32(st))
}

// Run executes cycles until ctx is cancelled, a single cycle completes in
// once mode, or too many consecutive fatal sends occur.
func (s *Scanner) Run(ctx context.Context) error {
	logger.Info("Starting scan loop (interval: %v, budget: %v, once: %t)", s.cfg.PollInterval, s.cfg.CycleBudget, s.cfg.Once)

	for {
		start := s.now()
		_, err := s.RunCycle(ctx)
		if errors.Is(err, models.ErrTooManyFatalSends) {
			return err
		}
		s.handleCycleResult(ctx, err)

		if s.cfg.Once {
			return nil
		}
		if ctx.Err() != nil {
			logger.Info("Scan loop stopped")
			return nil
		}

		wait := s.cfg.PollInterval - s.now().Sub(start)
		if wait <= 0 {
			logger.Warn("Cycle overran poll interval by %v, starting next cycle immediately", -wait)
			continue
		}
		if err := s.sleep(ctx, wait); err != nil {
			logger.Info("Scan loop stopped")
			return nil
		}
	}
}

// handleCycleResult notifies on the first failure of a streak and on recovery.
func (s *Scanner) handleCycleResult(ctx context.Context, err error) {
	if err != nil {
		s.consecutiveFailures++
		logger.Error("Scan cycle failed: %v", err)
		if s.consecutiveFailures == 1 && ctx.Err() == nil {
			if sendErr := s.sink.SendError(ctx, err); sendErr != nil {
				logger.Warn("Failed to send error notification: %v", sendErr)
			}
		}
		return
	}

	if s.consecutiveFailures > 0 && ctx.Err() == nil {
		if sendErr := s.sink.SendRecovery(ctx, s.consecutiveFailures); sendErr != nil {
			logger.Warn("Failed to send recovery notification: %v", sendErr)
		}
	}
	s.consecutiveFailures = 0
}

// RunCycle performs one fetch, update, detect and dispatch pass. A fetch
// failure aborts the cycle; send failures skip only the affected alert.
func (s *Scanner) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	start := s.now()
	defer s.setState(StateIdle)

	s.setState(StateFetching)
	logger.Debug("Fetching active markets")
	snaps, err := s.source.FetchActiveMarkets(ctx, start)
	if err != nil {
		return stats, fmt.Errorf("fetch markets: %w", err)
	}
	stats.Fetched = len(snaps)

	s.setState(StateUpdating)
	fresh := s.update(snaps, start, &stats)

	s.setState(StateDetecting)
	candidates := s.monitor.Evaluate(fresh)
	stats.Candidates = len(candidates)

	s.setState(StateDispatching)
	if err := s.dispatch(ctx, candidates, start, &stats); err != nil {
		return stats, err
	}

	stats.Duration = s.now().Sub(start)
	logger.Info("Cycle complete in %v: fetched=%d store=%d candidates=%d accepted=%d delivered=%d cooldown=%d capped=%d daily_capped=%d failed=%d forgotten=%d",
		stats.Duration, stats.Fetched, stats.StoreSize, stats.Candidates, stats.Accepted,
		stats.Delivered, stats.Cooldown, stats.Capped, stats.DailyCapped, stats.SendFailures, stats.Forgotten)
	return stats, nil
}

// update records snapshots and forgets markets absent for longer than the
// store's retention. It returns the snapshots the store accepted.
func (s *Scanner) update(snaps []models.Snapshot, now time.Time, stats *CycleStats) []models.Snapshot {
	fresh := make([]models.Snapshot, 0, len(snaps))
	seen := make(map[string]struct{}, len(snaps))
	for _, snap := range snaps {
		seen[snap.Market.ID] = struct{}{}
		if !s.store.Record(snap) {
			logger.Debug("Dropped out-of-order snapshot for market %s at %v", snap.Market.ID, snap.TS)
			continue
		}
		fresh = append(fresh, snap)
	}
	stats.Recorded = len(fresh)

	retention := s.store.Retention()
	for _, id := range s.store.MarketIDs() {
		if _, ok := seen[id]; ok {
			continue
		}
		last, ok := s.store.LastSeen(id)
		if !ok || now.Sub(last) <= retention {
			continue
		}
		s.store.Forget(id)
		s.deduper.Forget(id)
		stats.Forgotten++
		logger.Debug("Forgot market %s, last seen %v", id, last)
	}
	stats.StoreSize = s.store.Len()
	return fresh
}

// dispatch sends admitted candidates one at a time in severity order. When
// the daily cap leaves fewer slots than candidates, the best-ranked ones get
// them. On shutdown the in-flight send completes and the rest are skipped.
func (s *Scanner) dispatch(ctx context.Context, candidates []models.CandidateAlert, start time.Time, stats *CycleStats) error {
	s.deduper.BeginCycle(start)
	s.deduper.ReserveDailySlots(candidates, start)
	sendCtx := context.WithoutCancel(ctx)

	for i, a := range candidates {
		if ctx.Err() != nil {
			stats.Abandoned = true
			logger.Info("Shutdown requested, skipping %d remaining candidates", len(candidates)-i)
			break
		}
		if elapsed := s.now().Sub(start); elapsed > s.cfg.CycleBudget {
			stats.Abandoned = true
			logger.Warn("Cycle budget %v exceeded after %v, abandoning %d remaining candidates", s.cfg.CycleBudget, elapsed, len(candidates)-i)
			break
		}

		switch v := s.deduper.Admit(a, s.now()); v {
		case monitor.Cooldown:
			stats.Cooldown++
			logger.Debug("Suppressed %s alert %s for market %s: %s", a.Kind, a.ID, a.MarketID, v)
			continue
		case monitor.Capped:
			stats.Capped++
			logger.Debug("Suppressed %s alert %s for market %s: %s", a.Kind, a.ID, a.MarketID, v)
			continue
		case monitor.DailyCapped:
			stats.DailyCapped++
			logger.Debug("Suppressed %s alert %s for market %s: %s", a.Kind, a.ID, a.MarketID, v)
			continue
		}
		stats.Accepted++

		if err := s.sink.Deliver(sendCtx, a); err != nil {
			stats.SendFailures++
			if errors.Is(err, models.ErrFatalSend) {
				s.fatalSends++
				logger.Error("Fatal send error for %s alert %s on market %s (%d consecutive): %v", a.Kind, a.ID, a.MarketID, s.fatalSends, err)
				if s.cfg.MaxConsecutiveFatalSends > 0 && s.fatalSends >= s.cfg.MaxConsecutiveFatalSends {
					return fmt.Errorf("%w: %w", models.ErrTooManyFatalSends, err)
				}
				continue
			}
			logger.Error("Dropped %s alert %s for market %s: %v", a.Kind, a.ID, a.MarketID, err)
			continue
		}

		s.fatalSends = 0
		s.deduper.MarkSent(a, s.now())
		stats.Delivered++
		logger.Info("Dispatched %s alert %s for market %s (severity %.3f, %s, %s)", a.Kind, a.ID, a.MarketID, a.Severity, a.Confidence, a.Recommendation.Action)
	}
	return nil
}
