// Package models defines the core domain entities: markets, snapshots, history entries and alerts.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Outcome is one tradable answer of a market. Price is the implied probability in [0,1].
type Outcome struct {
	Label string  `json:"label"`
	Price float64 `json:"price"`
}

// Market is a tradable question observed on the prediction market.
// Grouped markets are synthesized from a multi-market event: every outcome is the
// YES price of one sub-market.
type Market struct {
	ID        string     `json:"id"`
	Question  string     `json:"question"`
	URL       string     `json:"url"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	TopicTags []string   `json:"topic_tags"`
	Outcomes  []Outcome  `json:"outcomes"`
	Grouped   bool       `json:"grouped,omitempty"`
}

// Validate checks market field constraints.
func (m *Market) Validate() error {
	if m.ID == "" {
		return errors.New("market ID must not be empty")
	}
	if len(m.Outcomes) == 0 {
		return errors.New("market must have at least one outcome")
	}
	for _, o := range m.Outcomes {
		if o.Price < 0.0 || o.Price > 1.0 {
			return fmt.Errorf("outcome %q price must be between 0.0 and 1.0", o.Label)
		}
	}
	return nil
}

// PriceSum returns the sum of all outcome prices.
func (m *Market) PriceSum() float64 {
	var sum float64
	for _, o := range m.Outcomes {
		sum += o.Price
	}
	return sum
}

// HasAnyTag reports whether the market's topic tags intersect keywords.
// An empty keyword set accepts every market.
func (m *Market) HasAnyTag(keywords map[string]struct{}) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, tag := range m.TopicTags {
		if _, ok := keywords[tag]; ok {
			return true
		}
	}
	return false
}

// Tokenize lowercases text and splits it into unique alphanumeric tokens.
// Topic tags and keywords both go through it so they compare equal.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	tags := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		tags = append(tags, f)
	}
	return tags
}

// Snapshot is one timestamped observation of a market.
type Snapshot struct {
	TS        time.Time `json:"ts"`
	Market    Market    `json:"market"`
	Volume24h float64   `json:"volume_24h"`
	Liquidity float64   `json:"liquidity"`
}

// Validate checks snapshot field constraints.
func (s *Snapshot) Validate() error {
	if s.TS.IsZero() {
		return errors.New("snapshot timestamp must be set")
	}
	if err := s.Market.Validate(); err != nil {
		return err
	}
	if s.Volume24h < 0 {
		return errors.New("volume 24h must not be negative")
	}
	if s.Liquidity < 0 {
		return errors.New("liquidity must not be negative")
	}
	return nil
}

// HistoryEntry is what the rolling store keeps per observation.
type HistoryEntry struct {
	TS        time.Time
	Outcomes  []Outcome
	Volume24h float64
	Liquidity float64
}

// Price returns the recorded price of the outcome with the given label.
func (e *HistoryEntry) Price(label string) (float64, bool) {
	for _, o := range e.Outcomes {
		if o.Label == label {
			return o.Price, true
		}
	}
	return 0, false
}

// VolumeStats summarizes volume_24h over a window of history entries.
type VolumeStats struct {
	Mean    float64
	StdDev  float64
	Samples int
}
