package monitor

import (
	"math"
	"time"

	"github.com/rewired-gh/polywatch/internal/models"
)

// Epsilon absorbs float rounding in threshold comparisons.
const Epsilon = 1e-9

// View is the read-only slice of the rolling store that detectors consult.
type View interface {
	PriceAtOrBefore(marketID, label string, ts time.Time) (float64, bool)
	VolumeStats(marketID string, window time.Duration, excludeLatest bool) (models.VolumeStats, bool)
	FirstSeen(marketID string) (time.Time, bool)
	Baseline() time.Time
}

// Detector inspects one snapshot and returns zero or more candidate alerts.
// Detectors must be pure: identical inputs yield identical output.
type Detector func(snap models.Snapshot, view View, cfg Config) []models.CandidateAlert

// Registration binds a detector to the kind it emits.
type Registration struct {
	Kind   models.AlertKind
	Detect Detector
}

// DefaultDetectors returns the built-in detectors in evaluation order.
func DefaultDetectors() []Registration {
	return []Registration{
		{Kind: models.KindOddsShift, Detect: DetectOddsShift},
		{Kind: models.KindVolumeSpike, Detect: DetectVolumeSpike},
		{Kind: models.KindResolvingSoon, Detect: DetectResolvingSoon},
		{Kind: models.KindNewMarket, Detect: DetectNewMarket},
		{Kind: models.KindMispriced, Detect: DetectMispriced},
	}
}

func atLeast(v, threshold float64) bool {
	return v+Epsilon >= threshold
}

func newCandidate(kind models.AlertKind, snap models.Snapshot, severity float64, conf models.Confidence) models.CandidateAlert {
	return models.CandidateAlert{
		Kind:       kind,
		MarketID:   snap.Market.ID,
		Question:   snap.Market.Question,
		URL:        snap.Market.URL,
		Severity:   severity,
		Confidence: conf,
		ProducedAt: snap.TS,
		Payload: models.Payload{
			Liquidity: snap.Liquidity,
			Outcomes:  snap.Market.Outcomes,
		},
	}
}

// DetectOddsShift fires per outcome whose price moved at least the threshold
// against the price one window ago.
func DetectOddsShift(snap models.Snapshot, view View, cfg Config) []models.CandidateAlert {
	if snap.Market.Grouped {
		return nil
	}

	then := snap.TS.Add(-cfg.OddsShiftWindow)
	var alerts []models.CandidateAlert
	for _, o := range snap.Market.Outcomes {
		pThen, ok := view.PriceAtOrBefore(snap.Market.ID, o.Label, then)
		if !ok {
			// insufficient history, or the outcome was not priced then
			continue
		}
		delta := math.Abs(o.Price - pThen)
		if !atLeast(delta, cfg.OddsShiftThreshold) {
			continue
		}

		conf := models.ConfidenceLow
		switch {
		case atLeast(delta, 0.25):
			conf = models.ConfidenceHigh
		case atLeast(delta, 0.15):
			conf = models.ConfidenceMedium
		}

		a := newCandidate(models.KindOddsShift, snap, delta, conf)
		a.Payload.Outcome = o.Label
		a.Payload.OldPrice = pThen
		a.Payload.NewPrice = o.Price
		a.Payload.Window = cfg.OddsShiftWindow
		alerts = append(alerts, a)
	}
	return alerts
}

// DetectVolumeSpike fires when the current 24h volume is a multiple of the
// mean over the preceding window.
func DetectVolumeSpike(snap models.Snapshot, view View, cfg Config) []models.CandidateAlert {
	if snap.Market.Grouped {
		return nil
	}
	if snap.Volume24h < cfg.VolumeSpikeMinVolume {
		return nil
	}

	stats, ok := view.VolumeStats(snap.Market.ID, cfg.VolumeWindow, true)
	if !ok || stats.Samples < cfg.MinHistoryEntries || stats.Mean <= 0 {
		return nil
	}
	if !atLeast(snap.Volume24h, cfg.VolumeSpikeMultiplier*stats.Mean) {
		return nil
	}

	ratio := snap.Volume24h / stats.Mean
	conf := models.ConfidenceLow
	switch {
	case ratio >= 10:
		conf = models.ConfidenceHigh
	case ratio >= 5:
		conf = models.ConfidenceMedium
	}

	a := newCandidate(models.KindVolumeSpike, snap, ratio, conf)
	a.Payload.Volume24h = snap.Volume24h
	a.Payload.MeanVolume = stats.Mean
	a.Payload.VolumeStdDev = stats.StdDev
	a.Payload.Samples = stats.Samples
	a.Payload.Multiplier = ratio
	return []models.CandidateAlert{a}
}

// DetectResolvingSoon fires for markets closing within the horizon whose
// outcomes all sit inside the price band.
func DetectResolvingSoon(snap models.Snapshot, _ View, cfg Config) []models.CandidateAlert {
	if snap.Market.Grouped || snap.Market.EndTime == nil || cfg.ResolvingSoonHours <= 0 {
		return nil
	}

	hoursLeft := snap.Market.EndTime.Sub(snap.TS).Hours()
	if hoursLeft <= 0 || hoursLeft > cfg.ResolvingSoonHours {
		return nil
	}
	for _, o := range snap.Market.Outcomes {
		if o.Price < cfg.PriceBandLow || o.Price > cfg.PriceBandHigh {
			return nil
		}
	}

	conf := models.ConfidenceLow
	switch {
	case hoursLeft <= 6:
		conf = models.ConfidenceHigh
	case hoursLeft <= 24:
		conf = models.ConfidenceMedium
	}

	a := newCandidate(models.KindResolvingSoon, snap, 1-hoursLeft/cfg.ResolvingSoonHours, conf)
	a.Payload.HoursLeft = hoursLeft
	a.Payload.EndTime = *snap.Market.EndTime
	return []models.CandidateAlert{a}
}

// DetectNewMarket fires once for young markets with enough liquidity. Without a
// creation time the first observation is used, except for markets already
// listed when monitoring began.
func DetectNewMarket(snap models.Snapshot, view View, cfg Config) []models.CandidateAlert {
	if snap.Market.Grouped || cfg.NewMarketAge <= 0 {
		return nil
	}

	var created time.Time
	if snap.Market.CreatedAt != nil {
		created = *snap.Market.CreatedAt
	} else {
		first, ok := view.FirstSeen(snap.Market.ID)
		if !ok || first.Equal(view.Baseline()) {
			return nil
		}
		created = first
	}

	age := snap.TS.Sub(created)
	if age < 0 {
		age = 0
	}
	if age > cfg.NewMarketAge || snap.Liquidity < cfg.NewMarketMinLiquidity {
		return nil
	}

	conf := models.ConfidenceLow
	if len(snap.Market.Outcomes) > 0 {
		lead := snap.Market.Outcomes[0].Price
		if lead <= 0.20 || lead >= 0.80 {
			conf = models.ConfidenceMedium
		}
	}

	a := newCandidate(models.KindNewMarket, snap, 1-age.Seconds()/cfg.NewMarketAge.Seconds(), conf)
	a.OneShot = true
	a.Payload.Age = age
	return []models.CandidateAlert{a}
}

// DetectMispriced fires for markets with three or more outcomes whose prices
// sum away from one by at least the tolerance.
func DetectMispriced(snap models.Snapshot, _ View, cfg Config) []models.CandidateAlert {
	if len(snap.Market.Outcomes) < 3 || snap.Liquidity < cfg.MispricingMinLiquidity {
		return nil
	}

	sum := snap.Market.PriceSum()
	dev := math.Abs(sum - 1)
	if !atLeast(dev, cfg.MispricingSumTolerance) {
		return nil
	}

	conf := models.ConfidenceLow
	switch {
	case atLeast(dev, 0.15):
		conf = models.ConfidenceHigh
	case atLeast(dev, 0.08):
		conf = models.ConfidenceMedium
	}

	a := newCandidate(models.KindMispriced, snap, dev, conf)
	a.Payload.Sum = sum
	return []models.CandidateAlert{a}
}
