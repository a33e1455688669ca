package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/rewired-gh/polywatch/internal/models"
)

func candidate(marketID string, kind models.AlertKind) models.CandidateAlert {
	return models.CandidateAlert{MarketID: marketID, Kind: kind, Severity: 0.5}
}

func TestDeduper_Cooldown(t *testing.T) {
	d := NewDeduper(time.Hour, 20, 0)
	a := candidate("M1", models.KindOddsShift)

	d.BeginCycle(t0)
	if v := d.Admit(a, t0); v != Accepted {
		t.Fatalf("first admit = %s, want accepted", v)
	}
	d.MarkSent(a, t0)

	next := t0.Add(100 * time.Second)
	d.BeginCycle(next)
	if v := d.Admit(a, next); v != Cooldown {
		t.Errorf("admit within cooldown = %s, want cooldown", v)
	}

	// other kinds on the same market are independent
	if v := d.Admit(candidate("M1", models.KindVolumeSpike), next); v != Accepted {
		t.Errorf("different kind = %s, want accepted", v)
	}

	later := t0.Add(time.Hour)
	d.BeginCycle(later)
	if v := d.Admit(a, later); v != Accepted {
		t.Errorf("admit after cooldown = %s, want accepted", v)
	}
}

func TestDeduper_UnsentDoesNotStartCooldown(t *testing.T) {
	d := NewDeduper(time.Hour, 20, 0)
	a := candidate("M1", models.KindOddsShift)

	d.BeginCycle(t0)
	if v := d.Admit(a, t0); v != Accepted {
		t.Fatalf("admit = %s", v)
	}
	if v := d.Admit(a, t0); v != Cooldown {
		t.Errorf("same key twice in one cycle = %s, want cooldown", v)
	}

	next := t0.Add(time.Minute)
	d.BeginCycle(next)
	if v := d.Admit(a, next); v != Accepted {
		t.Errorf("failed send should not start cooldown, got %s", v)
	}
}

func TestDeduper_Cap(t *testing.T) {
	d := NewDeduper(time.Hour, 2, 0)
	d.BeginCycle(t0)

	verdicts := []Verdict{
		d.Admit(candidate("A", models.KindOddsShift), t0),
		d.Admit(candidate("B", models.KindOddsShift), t0),
		d.Admit(candidate("C", models.KindOddsShift), t0),
	}
	want := []Verdict{Accepted, Accepted, Capped}
	for i := range want {
		if verdicts[i] != want[i] {
			t.Errorf("verdict[%d] = %s, want %s", i, verdicts[i], want[i])
		}
	}

	d.BeginCycle(t0.Add(time.Minute))
	if v := d.Admit(candidate("C", models.KindOddsShift), t0.Add(time.Minute)); v != Accepted {
		t.Errorf("cap should reset each cycle, got %s", v)
	}
}

func TestDeduper_OneShot(t *testing.T) {
	d := NewDeduper(time.Hour, 20, 0)
	a := candidate("M5", models.KindNewMarket)
	a.OneShot = true

	d.BeginCycle(t0)
	if v := d.Admit(a, t0); v != Accepted {
		t.Fatalf("admit = %s", v)
	}
	d.MarkSent(a, t0)

	far := t0.Add(30 * 24 * time.Hour)
	d.BeginCycle(far)
	if v := d.Admit(a, far); v != Cooldown {
		t.Errorf("one-shot admit after a month = %s, want cooldown", v)
	}
	if d.Len() != 1 {
		t.Errorf("one-shot record pruned, Len = %d", d.Len())
	}
}

func TestDeduper_PruneAndForget(t *testing.T) {
	d := NewDeduper(time.Hour, 20, 0)
	d.BeginCycle(t0)
	for _, id := range []string{"A", "B"} {
		a := candidate(id, models.KindOddsShift)
		d.Admit(a, t0)
		d.MarkSent(a, t0)
	}
	if _, ok := d.LastSent("A", models.KindOddsShift); !ok {
		t.Fatal("expected record for A")
	}

	d.Forget("A")
	if _, ok := d.LastSent("A", models.KindOddsShift); ok {
		t.Error("expected A to be forgotten")
	}

	d.BeginCycle(t0.Add(2 * time.Hour))
	if d.Len() != 0 {
		t.Errorf("expected expired records to be pruned, Len = %d", d.Len())
	}
}

func TestDeduper_ForgetKeepsOneShot(t *testing.T) {
	d := NewDeduper(time.Hour, 20, 0)
	listed := candidate("M5", models.KindNewMarket)
	listed.OneShot = true
	shift := candidate("M5", models.KindOddsShift)

	d.BeginCycle(t0)
	for _, a := range []models.CandidateAlert{listed, shift} {
		d.Admit(a, t0)
		d.MarkSent(a, t0)
	}

	d.Forget("M5")
	if _, ok := d.LastSent("M5", models.KindOddsShift); ok {
		t.Error("expected the cooldown record to be forgotten")
	}

	back := t0.Add(72 * time.Hour)
	d.BeginCycle(back)
	if v := d.Admit(listed, back); v != Cooldown {
		t.Errorf("returning market NEW_MARKET = %s, want cooldown", v)
	}
}

func TestDeduper_DailyCap(t *testing.T) {
	d := NewDeduper(time.Minute, 20, 2)
	morning := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	if got := d.DailyRemaining(morning); got != 2 {
		t.Fatalf("DailyRemaining = %d, want 2", got)
	}

	d.BeginCycle(morning)
	for _, id := range []string{"A", "B"} {
		a := candidate(id, models.KindOddsShift)
		if v := d.Admit(a, morning); v != Accepted {
			t.Fatalf("admit %s = %s", id, v)
		}
		d.MarkSent(a, morning)
	}
	if v := d.Admit(candidate("C", models.KindOddsShift), morning); v != DailyCapped {
		t.Errorf("third alert of the day = %s, want daily cap", v)
	}

	evening := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	d.BeginCycle(evening)
	if v := d.Admit(candidate("C", models.KindOddsShift), evening); v != DailyCapped {
		t.Errorf("same UTC day = %s, want daily cap", v)
	}

	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	d.BeginCycle(midnight)
	if got := d.DailyRemaining(midnight); got != 2 {
		t.Errorf("DailyRemaining after midnight = %d, want 2", got)
	}
	if v := d.Admit(candidate("C", models.KindOddsShift), midnight); v != Accepted {
		t.Errorf("after UTC midnight = %s, want accepted", v)
	}
}

func TestDeduper_DailyCapDisabled(t *testing.T) {
	d := NewDeduper(time.Hour, 20, 0)
	if got := d.DailyRemaining(t0); got != -1 {
		t.Errorf("DailyRemaining = %d, want -1", got)
	}
	d.BeginCycle(t0)
	for i := range 10 {
		a := candidate(fmt.Sprintf("M%d", i), models.KindOddsShift)
		if v := d.Admit(a, t0); v != Accepted {
			t.Fatalf("admit %d = %s", i, v)
		}
		d.MarkSent(a, t0)
	}
}

func TestDeduper_ReserveDailySlotsRanks(t *testing.T) {
	d := NewDeduper(time.Hour, 20, 3)
	d.BeginCycle(t0)
	warm := candidate("W", models.KindOddsShift)
	d.Admit(warm, t0)
	d.MarkSent(warm, t0)

	next := t0.Add(time.Minute)
	d.BeginCycle(next)

	weak := candidate("weak", models.KindOddsShift)
	weak.Recommendation.Edge = 5
	strong := candidate("strong", models.KindOddsShift)
	strong.Recommendation.Edge = 30
	strong.Confidence = models.ConfidenceHigh
	medium := candidate("medium", models.KindMispriced)
	medium.Recommendation.Edge = 12
	// on cooldown, so it must not take a slot
	onCooldown := warm
	onCooldown.Recommendation.Edge = 99

	cands := []models.CandidateAlert{weak, onCooldown, medium, strong}
	d.ReserveDailySlots(cands, next)

	got := make(map[string]Verdict)
	for _, a := range cands {
		got[a.MarketID] = d.Admit(a, next)
	}
	want := map[string]Verdict{"weak": DailyCapped, "W": Cooldown, "medium": Accepted, "strong": Accepted}
	for id, v := range want {
		if got[id] != v {
			t.Errorf("%s = %s, want %s", id, got[id], v)
		}
	}
}

func TestDeduper_ReserveDailySlotsNoPressure(t *testing.T) {
	d := NewDeduper(time.Hour, 20, 5)
	d.BeginCycle(t0)
	cands := []models.CandidateAlert{candidate("A", models.KindOddsShift), candidate("B", models.KindOddsShift)}
	d.ReserveDailySlots(cands, t0)
	for _, a := range cands {
		if v := d.Admit(a, t0); v != Accepted {
			t.Errorf("%s = %s, want accepted", a.MarketID, v)
		}
	}
}

func TestVerdictString(t *testing.T) {
	for v, want := range map[Verdict]string{Accepted: "accepted", Cooldown: "cooldown", Capped: "capped", DailyCapped: "daily cap", Verdict(9): "unknown"} {
		if got := v.String(); got != want {
			t.Errorf("Verdict(%d).String() = %q, want %q", v, got, want)
		}
	}
}
