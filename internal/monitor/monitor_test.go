package monitor

import (
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/rewired-gh/polywatch/internal/models"
	"github.com/rewired-gh/polywatch/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func binary(id string, ts time.Time, yes, volume, liquidity float64) models.Snapshot {
	return models.Snapshot{
		TS: ts,
		Market: models.Market{
			ID:       id,
			Question: "Will " + id + " happen?",
			URL:      "https://polymarket.com/event/" + id,
			Outcomes: []models.Outcome{{Label: "Yes", Price: yes}, {Label: "No", Price: 1 - yes}},
		},
		Volume24h: volume,
		Liquidity: liquidity,
	}
}

func yesOnly(id string, ts time.Time, yes float64) models.Snapshot {
	s := binary(id, ts, yes, 100, 5000)
	s.Market.Outcomes = s.Market.Outcomes[:1]
	return s
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func newStore() *storage.Storage {
	return storage.New(48 * time.Hour)
}

func TestDetectOddsShift_Fires(t *testing.T) {
	s := newStore()
	s.Record(yesOnly("M1", t0, 0.40))
	cur := yesOnly("M1", t0.Add(86400*time.Second), 0.55)
	s.Record(cur)

	alerts := DetectOddsShift(cur, s, DefaultConfig())
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Kind != models.KindOddsShift {
		t.Errorf("Kind = %s", a.Kind)
	}
	if !approx(a.Severity, 0.15) {
		t.Errorf("Severity = %f, want 0.15", a.Severity)
	}
	if !approx(a.Payload.OldPrice, 0.40) || !approx(a.Payload.NewPrice, 0.55) {
		t.Errorf("payload prices = %f -> %f", a.Payload.OldPrice, a.Payload.NewPrice)
	}
	if a.Payload.Outcome != "Yes" || a.Payload.Window != 24*time.Hour {
		t.Errorf("payload = %+v", a.Payload)
	}
	if a.Confidence != models.ConfidenceMedium {
		t.Errorf("Confidence = %s, want MEDIUM", a.Confidence)
	}
	if !a.ProducedAt.Equal(cur.TS) {
		t.Errorf("ProducedAt = %v", a.ProducedAt)
	}
}

func TestDetectOddsShift_InsufficientHistory(t *testing.T) {
	s := newStore()
	s.Record(yesOnly("M1", t0, 0.10))
	// history spans 23h, less than the 24h window
	cur := yesOnly("M1", t0.Add(23*time.Hour), 0.90)
	s.Record(cur)

	if alerts := DetectOddsShift(cur, s, DefaultConfig()); len(alerts) != 0 {
		t.Errorf("expected no alerts with short history, got %d", len(alerts))
	}
}

func TestDetectOddsShift_BelowThreshold(t *testing.T) {
	s := newStore()
	s.Record(yesOnly("M1", t0, 0.40))
	cur := yesOnly("M1", t0.Add(25*time.Hour), 0.45)
	s.Record(cur)

	if alerts := DetectOddsShift(cur, s, DefaultConfig()); len(alerts) != 0 {
		t.Errorf("expected no alerts below threshold, got %d", len(alerts))
	}
}

func TestDetectOddsShift_PerOutcome(t *testing.T) {
	s := newStore()
	s.Record(binary("M1", t0, 0.30, 100, 5000))
	cur := binary("M1", t0.Add(24*time.Hour), 0.60, 100, 5000)
	s.Record(cur)

	alerts := DetectOddsShift(cur, s, DefaultConfig())
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want one per outcome", len(alerts))
	}
	if alerts[0].Payload.Outcome != "Yes" || alerts[1].Payload.Outcome != "No" {
		t.Errorf("outcome order = %s, %s", alerts[0].Payload.Outcome, alerts[1].Payload.Outcome)
	}
	if alerts[0].Confidence != models.ConfidenceHigh {
		t.Errorf("Confidence = %s, want HIGH for 0.30 move", alerts[0].Confidence)
	}
}

func TestDetectOddsShift_MatchesOutcomesByLabel(t *testing.T) {
	s := newStore()
	s.Record(binary("M1", t0, 0.40, 100, 5000))

	// Yes arrived without a price and was dropped; No is unchanged
	cur := binary("M1", t0.Add(24*time.Hour), 0.40, 100, 5000)
	cur.Market.Outcomes = []models.Outcome{{Label: "No", Price: 0.60}}
	s.Record(cur)

	if alerts := DetectOddsShift(cur, s, DefaultConfig()); len(alerts) != 0 {
		t.Errorf("got %d alerts for an unchanged outcome: %+v", len(alerts), alerts[0].Payload)
	}
}

func TestDetectVolumeSpike_Fires(t *testing.T) {
	s := newStore()
	for i, v := range []float64{1000, 1100, 900, 1050} {
		s.Record(binary("M2", t0.Add(time.Duration(i)*time.Hour), 0.5, v, 5000))
	}
	cur := binary("M2", t0.Add(4*time.Hour), 0.5, 4000, 5000)
	s.Record(cur)

	alerts := DetectVolumeSpike(cur, s, DefaultConfig())
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	a := alerts[0]
	if !approx(a.Severity, 4000/1012.5) {
		t.Errorf("Severity = %f, want ~3.95", a.Severity)
	}
	if !approx(a.Payload.MeanVolume, 1012.5) || a.Payload.Samples != 4 {
		t.Errorf("payload = %+v", a.Payload)
	}
	if a.Confidence != models.ConfidenceLow {
		t.Errorf("Confidence = %s, want LOW", a.Confidence)
	}
}

func TestDetectVolumeSpike_MinHistory(t *testing.T) {
	s := newStore()
	s.Record(binary("M2", t0, 0.5, 1000, 5000))
	s.Record(binary("M2", t0.Add(time.Hour), 0.5, 1000, 5000))
	cur := binary("M2", t0.Add(2*time.Hour), 0.5, 9000, 5000)
	s.Record(cur)

	if alerts := DetectVolumeSpike(cur, s, DefaultConfig()); len(alerts) != 0 {
		t.Errorf("expected no alert with 2 historical samples, got %d", len(alerts))
	}
}

func TestDetectVolumeSpike_ZeroMeanAndMinVolume(t *testing.T) {
	s := newStore()
	for i := 0; i < 4; i++ {
		s.Record(binary("M2", t0.Add(time.Duration(i)*time.Hour), 0.5, 0, 5000))
	}
	cur := binary("M2", t0.Add(4*time.Hour), 0.5, 500, 5000)
	s.Record(cur)

	if alerts := DetectVolumeSpike(cur, s, DefaultConfig()); len(alerts) != 0 {
		t.Error("expected no alert when historical mean is zero")
	}

	s2 := newStore()
	for i, v := range []float64{10, 10, 10} {
		s2.Record(binary("M3", t0.Add(time.Duration(i)*time.Hour), 0.5, v, 5000))
	}
	cur2 := binary("M3", t0.Add(3*time.Hour), 0.5, 100, 5000)
	s2.Record(cur2)

	cfg := DefaultConfig()
	cfg.VolumeSpikeMinVolume = 1000
	if alerts := DetectVolumeSpike(cur2, s2, cfg); len(alerts) != 0 {
		t.Error("expected no alert below volume_spike_min_volume")
	}
	cfg.VolumeSpikeMinVolume = 0
	if alerts := DetectVolumeSpike(cur2, s2, cfg); len(alerts) != 1 {
		t.Errorf("expected alert without min volume, got %d", len(alerts))
	}
}

func TestDetectResolvingSoon(t *testing.T) {
	end := t0.Add(6 * time.Hour)
	cur := binary("M3", t0, 0.62, 100, 5000)
	cur.Market.EndTime = &end

	alerts := DetectResolvingSoon(cur, newStore(), DefaultConfig())
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	if !approx(alerts[0].Severity, 0.75) {
		t.Errorf("Severity = %f, want 0.75", alerts[0].Severity)
	}
	if !approx(alerts[0].Payload.HoursLeft, 6) {
		t.Errorf("HoursLeft = %f", alerts[0].Payload.HoursLeft)
	}
	if alerts[0].Confidence != models.ConfidenceHigh {
		t.Errorf("Confidence = %s, want HIGH", alerts[0].Confidence)
	}
}

func TestDetectResolvingSoon_Skips(t *testing.T) {
	past := t0.Add(-time.Hour)
	far := t0.Add(48 * time.Hour)
	soon := t0.Add(2 * time.Hour)

	tests := []struct {
		name string
		end  *time.Time
		yes  float64
	}{
		{"no end time", nil, 0.5},
		{"already ended", &past, 0.5},
		{"beyond horizon", &far, 0.5},
		{"collapsed high", &soon, 0.97},
		{"collapsed low", &soon, 0.03},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := binary("M3", t0, tt.yes, 100, 5000)
			cur.Market.EndTime = tt.end
			if alerts := DetectResolvingSoon(cur, newStore(), DefaultConfig()); len(alerts) != 0 {
				t.Errorf("expected no alert, got %d", len(alerts))
			}
		})
	}
}

func TestDetectMispriced(t *testing.T) {
	cur := models.Snapshot{
		TS: t0,
		Market: models.Market{
			ID: "M4",
			Outcomes: []models.Outcome{
				{Label: "A", Price: 0.30}, {Label: "B", Price: 0.30},
				{Label: "C", Price: 0.30}, {Label: "D", Price: 0.30},
			},
		},
		Liquidity: 5000,
	}

	alerts := DetectMispriced(cur, newStore(), DefaultConfig())
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	if !approx(alerts[0].Severity, 0.20) || !approx(alerts[0].Payload.Sum, 1.20) {
		t.Errorf("Severity = %f, Sum = %f", alerts[0].Severity, alerts[0].Payload.Sum)
	}
	if len(alerts[0].Payload.Outcomes) != 4 {
		t.Errorf("expected per-outcome prices in payload")
	}

	cfg := DefaultConfig()
	cfg.MispricingMinLiquidity = 10000
	if alerts := DetectMispriced(cur, newStore(), cfg); len(alerts) != 0 {
		t.Error("expected no alert below mispricing_min_liquidity")
	}
}

func TestDetectMispriced_FewerThanThreeOutcomes(t *testing.T) {
	cur := binary("M4", t0, 0.70, 100, 5000)
	cur.Market.Outcomes[1].Price = 0.70 // sum 1.40

	if alerts := DetectMispriced(cur, newStore(), DefaultConfig()); len(alerts) != 0 {
		t.Errorf("expected no alert for binary market, got %d", len(alerts))
	}
}

func TestDetectNewMarket(t *testing.T) {
	created := t0.Add(-time.Hour)
	cur := binary("M5", t0, 0.5, 100, 5000)
	cur.Market.CreatedAt = &created

	alerts := DetectNewMarket(cur, newStore(), DefaultConfig())
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	if !alerts[0].OneShot {
		t.Error("expected one-shot alert")
	}
	if !approx(alerts[0].Severity, 1-1.0/24) {
		t.Errorf("Severity = %f", alerts[0].Severity)
	}

	cur.Liquidity = 10
	if alerts := DetectNewMarket(cur, newStore(), DefaultConfig()); len(alerts) != 0 {
		t.Error("expected no alert below min liquidity")
	}
}

func TestDetectNewMarket_FirstSeenFallback(t *testing.T) {
	s := newStore()
	s.Record(binary("OLD", t0, 0.5, 100, 5000))
	s.Record(binary("OLD", t0.Add(time.Hour), 0.5, 100, 5000))
	s.Record(binary("NEW", t0.Add(time.Hour), 0.5, 100, 5000))
	cur := binary("NEW", t0.Add(2*time.Hour), 0.5, 100, 5000)
	s.Record(cur)

	if alerts := DetectNewMarket(cur, s, DefaultConfig()); len(alerts) != 1 {
		t.Errorf("expected fallback alert for market first seen after start, got %d", len(alerts))
	}

	old := binary("OLD", t0.Add(2*time.Hour), 0.5, 100, 5000)
	s.Record(old)
	if alerts := DetectNewMarket(old, s, DefaultConfig()); len(alerts) != 0 {
		t.Error("expected no alert for market listed at start")
	}
}

func TestGroupedMarketsOnlyMispriced(t *testing.T) {
	s := newStore()
	end := t0.Add(time.Hour)
	created := t0.Add(-time.Minute)
	cur := models.Snapshot{
		TS: t0,
		Market: models.Market{
			ID:        "event:9",
			Grouped:   true,
			EndTime:   &end,
			CreatedAt: &created,
			Outcomes: []models.Outcome{
				{Label: "A", Price: 0.5}, {Label: "B", Price: 0.4}, {Label: "C", Price: 0.4},
			},
		},
		Liquidity: 50000,
	}
	s.Record(cur)

	alerts := New(s, DefaultConfig()).Evaluate([]models.Snapshot{cur})
	if len(alerts) != 1 || alerts[0].Kind != models.KindMispriced {
		t.Fatalf("expected only MISPRICED for grouped market, got %+v", alerts)
	}
}

func TestDetectorPurity(t *testing.T) {
	s := newStore()
	for i, v := range []float64{1000, 1100, 900, 1050} {
		s.Record(binary("P", t0.Add(time.Duration(i)*6*time.Hour), 0.3, v, 5000))
	}
	end := t0.Add(30 * time.Hour)
	cur := binary("P", t0.Add(25*time.Hour), 0.6, 5000, 5000)
	cur.Market.EndTime = &end
	s.Record(cur)

	for _, d := range DefaultDetectors() {
		first := d.Detect(cur, s, DefaultConfig())
		second := d.Detect(cur, s, DefaultConfig())
		if !reflect.DeepEqual(first, second) {
			t.Errorf("%s: output differs across runs", d.Kind)
		}
	}
}

func TestEvaluate_SortAndIDs(t *testing.T) {
	s := newStore()
	end := t0.Add(6 * time.Hour)
	resolving := binary("R", t0, 0.62, 100, 5000)
	resolving.Market.EndTime = &end
	mispriced := models.Snapshot{
		TS: t0,
		Market: models.Market{ID: "X", Outcomes: []models.Outcome{
			{Label: "A", Price: 0.30}, {Label: "B", Price: 0.30}, {Label: "C", Price: 0.30}, {Label: "D", Price: 0.30},
		}},
		Liquidity: 5000,
	}
	s.Record(resolving)
	s.Record(mispriced)

	m := New(s, DefaultConfig())
	alerts := m.Evaluate([]models.Snapshot{mispriced, resolving})
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want 2", len(alerts))
	}
	if alerts[0].Kind != models.KindResolvingSoon || alerts[1].Kind != models.KindMispriced {
		t.Errorf("order = %s, %s; want severity descending", alerts[0].Kind, alerts[1].Kind)
	}
	for _, a := range alerts {
		if a.ID == "" {
			t.Error("expected alert ID to be assigned")
		}
	}
	if alerts[0].ID == alerts[1].ID {
		t.Error("expected unique alert IDs")
	}
}

func TestEvaluate_MinConfidence(t *testing.T) {
	s := newStore()
	end := t0.Add(20 * time.Hour) // MEDIUM
	cur := binary("R", t0, 0.5, 100, 5000)
	cur.Market.EndTime = &end
	s.Record(cur)

	cfg := DefaultConfig()
	cfg.MinConfidence = models.ConfidenceHigh
	if alerts := New(s, cfg).Evaluate([]models.Snapshot{cur}); len(alerts) != 0 {
		t.Errorf("expected MEDIUM alert to be filtered, got %d", len(alerts))
	}
	cfg.MinConfidence = models.ConfidenceMedium
	if alerts := New(s, cfg).Evaluate([]models.Snapshot{cur}); len(alerts) != 1 {
		t.Errorf("expected MEDIUM alert to pass, got %d", len(alerts))
	}
}

func TestEvaluate_DetectorPanicIsolated(t *testing.T) {
	s := newStore()
	end := t0.Add(6 * time.Hour)
	cur := binary("R", t0, 0.62, 100, 5000)
	cur.Market.EndTime = &end
	s.Record(cur)

	m := New(s, DefaultConfig())
	m.Register(models.KindOddsShift, func(models.Snapshot, View, Config) []models.CandidateAlert {
		panic("boom")
	})

	alerts := m.Evaluate([]models.Snapshot{cur})
	if len(alerts) != 1 || alerts[0].Kind != models.KindResolvingSoon {
		t.Errorf("expected other detectors to still run, got %+v", alerts)
	}
}

func TestRegister(t *testing.T) {
	m := New(newStore(), DefaultConfig())
	custom := models.AlertKind("CUSTOM")
	m.Register(custom, func(snap models.Snapshot, _ View, _ Config) []models.CandidateAlert {
		return []models.CandidateAlert{{Kind: custom, MarketID: snap.Market.ID, Severity: 9}}
	})

	kinds := m.Kinds()
	if len(kinds) != 6 || kinds[5] != custom {
		t.Fatalf("Kinds = %v", kinds)
	}
	alerts := m.Evaluate([]models.Snapshot{binary("C", t0, 0.5, 100, 5000)})
	if len(alerts) != 1 || alerts[0].Kind != custom {
		t.Errorf("expected custom alert, got %+v", alerts)
	}
}

func TestDetectorError(t *testing.T) {
	err := &DetectorError{Kind: models.KindMispriced, MarketID: "M9", Cause: "nil map"}
	want := fmt.Sprintf("detector %s failed on market %s: %v", models.KindMispriced, "M9", "nil map")
	if err.Error() != want {
		t.Errorf("Error() = %q", err.Error())
	}
}
