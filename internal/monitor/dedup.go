package monitor

import (
	"sort"
	"time"

	"github.com/rewired-gh/polywatch/internal/models"
)

// Verdict is the deduper's decision for one candidate.
type Verdict int

const (
	Accepted Verdict = iota
	Cooldown
	Capped
	DailyCapped
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Cooldown:
		return "cooldown"
	case Capped:
		return "capped"
	case DailyCapped:
		return "daily cap"
	default:
		return "unknown"
	}
}

type dedupKey struct {
	marketID string
	kind     models.AlertKind
}

type sentRecord struct {
	SentAt  time.Time
	OneShot bool
}

// Deduper suppresses repeats of the same (market, kind) within a cooldown and
// caps how many alerts one cycle, and optionally one UTC day, may dispatch.
// One-shot records never expire.
type Deduper struct {
	cooldown    time.Duration
	maxPerCycle int
	maxPerDay   int
	sent        map[dedupKey]sentRecord
	cycleKeys   map[dedupKey]struct{}
	admitted    int

	day       string
	sentToday int
	// reserved limits admission to the best-ranked keys when fewer daily
	// slots remain than candidates. Nil means no restriction.
	reserved map[dedupKey]struct{}
}

// NewDeduper builds a deduper. maxPerDay <= 0 disables the daily cap.
func NewDeduper(cooldown time.Duration, maxPerCycle, maxPerDay int) *Deduper {
	return &Deduper{
		cooldown:    cooldown,
		maxPerCycle: maxPerCycle,
		maxPerDay:   maxPerDay,
		sent:        make(map[dedupKey]sentRecord),
		cycleKeys:   make(map[dedupKey]struct{}),
	}
}

// BeginCycle resets the per-cycle counter and drops expired records.
func (d *Deduper) BeginCycle(now time.Time) {
	d.admitted = 0
	d.cycleKeys = make(map[dedupKey]struct{})
	d.reserved = nil
	d.rollDay(now)
	for k, rec := range d.sent {
		if !rec.OneShot && now.Sub(rec.SentAt) >= d.cooldown {
			delete(d.sent, k)
		}
	}
}

// rollDay resets the daily counter at UTC midnight.
func (d *Deduper) rollDay(now time.Time) {
	day := now.UTC().Format(time.DateOnly)
	if day != d.day {
		d.day = day
		d.sentToday = 0
	}
}

// DailyRemaining returns how many alerts may still be sent today, or -1 when
// the daily cap is disabled.
func (d *Deduper) DailyRemaining(now time.Time) int {
	if d.maxPerDay <= 0 {
		return -1
	}
	d.rollDay(now)
	return max(0, d.maxPerDay-d.sentToday)
}

// ReserveDailySlots ranks the candidates that are not on cooldown by
// RankScore and, when they outnumber the remaining daily slots, restricts
// admission for the rest of the cycle to the best of them.
func (d *Deduper) ReserveDailySlots(candidates []models.CandidateAlert, now time.Time) {
	d.reserved = nil
	remaining := d.DailyRemaining(now)
	if remaining < 0 {
		return
	}

	type ranked struct {
		key   dedupKey
		score float64
	}
	eligible := make([]ranked, 0, len(candidates))
	seen := make(map[dedupKey]struct{}, len(candidates))
	for _, a := range candidates {
		k := dedupKey{marketID: a.MarketID, kind: a.Kind}
		if _, ok := seen[k]; ok || d.onCooldown(k, now) {
			continue
		}
		seen[k] = struct{}{}
		eligible = append(eligible, ranked{key: k, score: RankScore(a)})
	}
	if len(eligible) <= remaining {
		return
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].score > eligible[j].score
	})
	d.reserved = make(map[dedupKey]struct{}, remaining)
	for _, e := range eligible[:remaining] {
		d.reserved[e.key] = struct{}{}
	}
}

func (d *Deduper) onCooldown(k dedupKey, now time.Time) bool {
	rec, ok := d.sent[k]
	return ok && (rec.OneShot || now.Sub(rec.SentAt) < d.cooldown)
}

// Admit decides whether a candidate may be dispatched now. An accepted
// candidate counts against the cycle cap whether or not its send succeeds, and
// its key is not admitted again in the same cycle. Only delivered alerts count
// against the daily cap.
func (d *Deduper) Admit(a models.CandidateAlert, now time.Time) Verdict {
	k := dedupKey{marketID: a.MarketID, kind: a.Kind}

	if d.onCooldown(k, now) {
		return Cooldown
	}
	if _, ok := d.cycleKeys[k]; ok {
		return Cooldown
	}
	if d.admitted >= d.maxPerCycle {
		return Capped
	}
	if d.maxPerDay > 0 {
		if d.DailyRemaining(now) == 0 {
			return DailyCapped
		}
		if _, ok := d.reserved[k]; d.reserved != nil && !ok {
			return DailyCapped
		}
	}

	d.cycleKeys[k] = struct{}{}
	d.admitted++
	return Accepted
}

// MarkSent starts the cooldown for a delivered alert.
func (d *Deduper) MarkSent(a models.CandidateAlert, now time.Time) {
	k := dedupKey{marketID: a.MarketID, kind: a.Kind}
	rec := d.sent[k]
	d.sent[k] = sentRecord{SentAt: now, OneShot: rec.OneShot || a.OneShot}
	d.rollDay(now)
	d.sentToday++
}

// Forget drops the cooldown records for a market. One-shot records are kept
// so a market that disappears and returns does not fire them again.
func (d *Deduper) Forget(marketID string) {
	for k, rec := range d.sent {
		if k.marketID == marketID && !rec.OneShot {
			delete(d.sent, k)
		}
	}
}

// LastSent returns when the (market, kind) pair was last delivered.
func (d *Deduper) LastSent(marketID string, kind models.AlertKind) (time.Time, bool) {
	rec, ok := d.sent[dedupKey{marketID: marketID, kind: kind}]
	return rec.SentAt, ok
}

// Len returns the number of live dedup records.
func (d *Deduper) Len() int {
	return len(d.sent)
}
