package models

import (
	"fmt"
	"strings"
	"time"
)

// AlertKind tags which detector produced a candidate alert.
type AlertKind string

const (
	KindOddsShift     AlertKind = "ODDS_SHIFT"
	KindVolumeSpike   AlertKind = "VOLUME_SPIKE"
	KindResolvingSoon AlertKind = "RESOLVING_SOON"
	KindNewMarket     AlertKind = "NEW_MARKET"
	KindMispriced     AlertKind = "MISPRICED"
)

// Confidence is a coarse quality tier attached to each alert.
type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "HIGH"
	case ConfidenceMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// ParseConfidence parses HIGH, MEDIUM or LOW (case-insensitive).
func ParseConfidence(s string) (Confidence, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIGH":
		return ConfidenceHigh, nil
	case "MEDIUM":
		return ConfidenceMedium, nil
	case "LOW", "":
		return ConfidenceLow, nil
	default:
		return ConfidenceLow, fmt.Errorf("unknown confidence %q", s)
	}
}

// Action is the trade a recommendation suggests for the named outcome.
type Action string

const (
	ActionBuyYes Action = "BUY YES"
	ActionBuyNo  Action = "BUY NO"
	ActionWatch  Action = "WATCH"
)

// ParseAction parses an action name (case-insensitive, surrounding space ignored).
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.Join(strings.Fields(s), " "))); a {
	case ActionBuyYes, ActionBuyNo, ActionWatch:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// BetSize is a coarse position size suggestion.
type BetSize string

const (
	BetLarge  BetSize = "LARGE"
	BetMedium BetSize = "MEDIUM"
	BetSmall  BetSize = "SMALL"
	BetNone   BetSize = "NONE"
)

// Recommendation is the suggested reaction to an alert. Edge is an estimate
// in percentage points.
type Recommendation struct {
	Action      Action
	Outcome     string
	BetSize     BetSize
	Edge        float64
	Explanation string
}

// Payload holds the kind-specific fields needed to render an alert.
// Only the fields relevant to the alert's kind are populated.
type Payload struct {
	// ODDS_SHIFT
	Outcome  string
	OldPrice float64
	NewPrice float64
	Window   time.Duration

	// VOLUME_SPIKE
	Volume24h    float64
	MeanVolume   float64
	VolumeStdDev float64
	Samples      int
	Multiplier   float64

	// RESOLVING_SOON
	HoursLeft float64
	EndTime   time.Time

	// NEW_MARKET
	Age time.Duration

	// MISPRICED
	Sum float64

	// shared
	Liquidity float64
	Outcomes  []Outcome
}

// CandidateAlert is a detector finding that has not yet passed deduplication.
type CandidateAlert struct {
	ID         string
	Kind       AlertKind
	MarketID   string
	Question   string
	URL        string
	Severity   float64
	Confidence Confidence
	// OneShot alerts fire at most once per market for the process lifetime.
	OneShot        bool
	Payload        Payload
	Recommendation Recommendation
	ProducedAt     time.Time
}

// Key returns the deduplication key "market_id:kind".
func (a *CandidateAlert) Key() string {
	return a.MarketID + ":" + string(a.Kind)
}
