// Package storage provides the in-memory rolling store of per-market history.
package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/polywatch/internal/models"
)

type series struct {
	entries  []models.HistoryEntry
	lastSeen time.Time
}

// Storage keeps a bounded, time-ordered history per market id.
// Entries within a market are strictly increasing in TS.
type Storage struct {
	mu        sync.RWMutex
	series    map[string]*series
	retention time.Duration
	baseline  time.Time
}

// New creates a store that discards entries older than retention relative to
// the newest entry of the same market.
func New(retention time.Duration) *Storage {
	return &Storage{
		series:    make(map[string]*series),
		retention: retention,
	}
}

// Retention returns the configured retention horizon.
func (s *Storage) Retention() time.Duration {
	return s.retention
}

// Record appends a snapshot to its market's history. It returns false when the
// snapshot is not newer than the latest entry (monotonic guard) and is dropped.
func (s *Storage) Record(snap models.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.baseline.IsZero() {
		s.baseline = snap.TS
	}

	id := snap.Market.ID
	ser, ok := s.series[id]
	if !ok {
		ser = &series{}
		s.series[id] = ser
	}
	if snap.TS.After(ser.lastSeen) {
		ser.lastSeen = snap.TS
	}

	if n := len(ser.entries); n > 0 && !ser.entries[n-1].TS.Before(snap.TS) {
		return false
	}

	ser.entries = append(ser.entries, models.HistoryEntry{
		TS:        snap.TS,
		Outcomes:  append([]models.Outcome(nil), snap.Market.Outcomes...),
		Volume24h: snap.Volume24h,
		Liquidity: snap.Liquidity,
	})
	s.evict(ser, snap.TS)
	return true
}

// evict drops entries strictly older than now - retention.
func (s *Storage) evict(ser *series, now time.Time) {
	if s.retention <= 0 {
		return
	}
	cutoff := now.Add(-s.retention)
	i := sort.Search(len(ser.entries), func(i int) bool {
		return !ser.entries[i].TS.Before(cutoff)
	})
	if i > 0 {
		ser.entries = append(ser.entries[:0], ser.entries[i:]...)
	}
}

// PriceAtOrBefore returns the price of the outcome labelled label from the
// latest entry whose TS is <= ts. It reports false when that entry carries no
// such outcome.
func (s *Storage) PriceAtOrBefore(marketID, label string, ts time.Time) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.series[marketID]
	if !ok {
		return 0, false
	}
	// first index with entry.TS > ts
	i := sort.Search(len(ser.entries), func(i int) bool {
		return ser.entries[i].TS.After(ts)
	})
	if i == 0 {
		return 0, false
	}
	return ser.entries[i-1].Price(label)
}

// VolumeStats summarizes volume_24h over entries with TS in [latest-window, latest).
// With excludeLatest false the latest entry is included. ok is false when fewer
// than two entries cover the window.
func (s *Storage) VolumeStats(marketID string, window time.Duration, excludeLatest bool) (models.VolumeStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.series[marketID]
	if !ok || len(ser.entries) == 0 {
		return models.VolumeStats{}, false
	}

	entries := ser.entries
	latest := entries[len(entries)-1].TS
	if excludeLatest {
		entries = entries[:len(entries)-1]
	}
	from := latest.Add(-window)
	start := sort.Search(len(entries), func(i int) bool {
		return !entries[i].TS.Before(from)
	})

	var acc welford
	for _, e := range entries[start:] {
		acc.add(e.Volume24h)
	}
	if acc.count < 2 {
		return models.VolumeStats{Samples: acc.count}, false
	}
	return models.VolumeStats{
		Mean:    acc.mean,
		StdDev:  acc.stdDev(),
		Samples: acc.count,
	}, true
}

// MeanVolume returns the arithmetic mean of volume_24h over the window.
func (s *Storage) MeanVolume(marketID string, window time.Duration, excludeLatest bool) (float64, bool) {
	stats, ok := s.VolumeStats(marketID, window, excludeLatest)
	return stats.Mean, ok
}

// FirstSeen returns the timestamp of the earliest retained entry.
func (s *Storage) FirstSeen(marketID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.series[marketID]
	if !ok || len(ser.entries) == 0 {
		return time.Time{}, false
	}
	return ser.entries[0].TS, true
}

// LastSeen returns the newest snapshot timestamp observed for the market.
func (s *Storage) LastSeen(marketID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.series[marketID]
	if !ok {
		return time.Time{}, false
	}
	return ser.lastSeen, true
}

// Baseline returns the timestamp of the first snapshot ever recorded.
func (s *Storage) Baseline() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseline
}

// Forget drops all state for a market.
func (s *Storage) Forget(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.series, marketID)
}

// MarketIDs returns the ids of all tracked markets in lexical order.
func (s *Storage) MarketIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.series))
	for id := range s.series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entries returns a copy of a market's retained history.
func (s *Storage) Entries(marketID string) []models.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.series[marketID]
	if !ok {
		return nil
	}
	out := make([]models.HistoryEntry, len(ser.entries))
	copy(out, ser.entries)
	return out
}

// Len returns the number of tracked markets.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series)
}
