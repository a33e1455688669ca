package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/polywatch/internal/logger"
	"github.com/rewired-gh/polywatch/internal/models"
)

type Config struct {
	OddsShiftThreshold     float64
	OddsShiftWindow        time.Duration
	VolumeSpikeMultiplier  float64
	VolumeWindow           time.Duration
	MinHistoryEntries      int
	VolumeSpikeMinVolume   float64
	ResolvingSoonHours     float64
	PriceBandLow           float64
	PriceBandHigh          float64
	NewMarketAge           time.Duration
	NewMarketMinLiquidity  float64
	MispricingSumTolerance float64
	MispricingMinLiquidity float64
	MinConfidence          models.Confidence
	// AllowedActions keeps only candidates whose recommendation is listed.
	// Empty allows every action.
	AllowedActions []models.Action
}

func DefaultConfig() Config {
	return Config{
		OddsShiftThreshold:     0.10,
		OddsShiftWindow:        24 * time.Hour,
		VolumeSpikeMultiplier:  3.0,
		VolumeWindow:           24 * time.Hour,
		MinHistoryEntries:      3,
		ResolvingSoonHours:     24,
		PriceBandLow:           0.05,
		PriceBandHigh:          0.95,
		NewMarketAge:           24 * time.Hour,
		NewMarketMinLiquidity:  1000,
		MispricingSumTolerance: 0.05,
		MinConfidence:          models.ConfidenceLow,
	}
}

// DetectorError reports a detector that panicked on one market.
type DetectorError struct {
	Kind     models.AlertKind
	MarketID string
	Cause    interface{}
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector %s failed on market %s: %v", e.Kind, e.MarketID, e.Cause)
}

// Monitor runs the registered detectors over each cycle's snapshots.
type Monitor struct {
	view      View
	detectors []Registration
	config    Config
	newID     func() string
}

func New(view View, config Config) *Monitor {
	return &Monitor{
		view:      view,
		detectors: DefaultDetectors(),
		config:    config,
		newID:     func() string { return uuid.New().String() },
	}
}

// Register adds a detector, or replaces the one already registered for kind.
// New kinds are evaluated after the existing ones.
func (m *Monitor) Register(kind models.AlertKind, fn Detector) {
	for i := range m.detectors {
		if m.detectors[i].Kind == kind {
			m.detectors[i].Detect = fn
			return
		}
	}
	m.detectors = append(m.detectors, Registration{Kind: kind, Detect: fn})
}

// Kinds lists the registered detector kinds in evaluation order.
func (m *Monitor) Kinds() []models.AlertKind {
	kinds := make([]models.AlertKind, len(m.detectors))
	for i, d := range m.detectors {
		kinds[i] = d.Kind
	}
	return kinds
}

func (m *Monitor) runDetector(d Registration, snap models.Snapshot) (alerts []models.CandidateAlert, err error) {
	defer func() {
		if r := recover(); r != nil {
			alerts = nil
			err = &DetectorError{Kind: d.Kind, MarketID: snap.Market.ID, Cause: r}
		}
	}()
	return d.Detect(snap, m.view, m.config), nil
}

func (m *Monitor) actionAllowed(action models.Action) bool {
	if len(m.config.AllowedActions) == 0 {
		return true
	}
	for _, allowed := range m.config.AllowedActions {
		if allowed == action {
			return true
		}
	}
	return false
}

// Evaluate runs every detector against every snapshot and returns candidates
// at or above the configured confidence whose recommended action is allowed,
// ordered by severity descending. Ties keep detector order, then snapshot
// order.
func (m *Monitor) Evaluate(snaps []models.Snapshot) []models.CandidateAlert {
	var candidates []models.CandidateAlert
	var failed, belowConfidence, filtered int

	for _, d := range m.detectors {
		for _, snap := range snaps {
			alerts, err := m.runDetector(d, snap)
			if err != nil {
				failed++
				logger.Error("%v", err)
				continue
			}
			for _, a := range alerts {
				if a.Confidence < m.config.MinConfidence {
					belowConfidence++
					continue
				}
				a.Recommendation = Recommend(a, m.view, m.config)
				if !m.actionAllowed(a.Recommendation.Action) {
					filtered++
					continue
				}
				a.ID = m.newID()
				candidates = append(candidates, a)
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Severity > candidates[j].Severity
	})

	logger.Debug("Evaluated %d snapshots: %d candidates, %d below confidence, %d filtered by action, %d detector failures",
		len(snaps), len(candidates), belowConfidence, filtered, failed)

	return candidates
}
