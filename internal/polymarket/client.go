package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/polywatch/internal/logger"
	"github.com/rewired-gh/polywatch/internal/models"
)

const (
	// maxPages stops paging if the upstream never returns a short page.
	maxPages        = 50
	maxResponseSize = 16 << 20
	marketURLPrefix = "https://polymarket.com/event/"
)

// ClientConfig configures the Gamma market source.
type ClientConfig struct {
	GammaAPIURL    string
	Timeout        time.Duration
	PageSize       int
	MaxMarkets     int
	MaxConcurrency int
	MaxRetries     int
	RetryDelay     time.Duration
	Keywords       map[string]struct{}
}

// Client provides access to the Polymarket Gamma API
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

// gammaEvent represents an event from the Polymarket Gamma API
type gammaEvent struct {
	ID        flexString    `json:"id"`
	Slug      string        `json:"slug"`
	Title     string        `json:"title"`
	NegRisk   bool          `json:"negRisk"`
	EndDate   string        `json:"endDate"`
	CreatedAt string        `json:"createdAt"`
	Markets   []gammaMarket `json:"markets"`
}

// gammaMarket represents one market inside an event. Outcomes and prices arrive
// either as JSON-encoded strings ("[\"Yes\",\"No\"]"), plain arrays or arrays of
// {label, price} objects.
type gammaMarket struct {
	ID              flexString      `json:"id"`
	Question        string          `json:"question"`
	Slug            string          `json:"slug"`
	GroupItemTitle  string          `json:"groupItemTitle"`
	Outcomes        json.RawMessage `json:"outcomes"`
	OutcomePrices   json.RawMessage `json:"outcomePrices"`
	Volume24hr      flexDecimal     `json:"volume24hr"`
	LiquidityNum    flexDecimal     `json:"liquidityNum"`
	Liquidity       flexDecimal     `json:"liquidity"`
	EndDate         string          `json:"endDate"`
	CreatedAt       string          `json:"createdAt"`
	Active          *bool           `json:"active"`
	Closed          bool            `json:"closed"`
	EnableOrderBook *bool           `json:"enableOrderBook"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(b)
	return nil
}

// flexDecimal accepts a JSON number or numeric string. Empty, null and
// malformed values decode as invalid rather than failing the page.
type flexDecimal struct {
	decimal.NullDecimal
}

func (f *flexDecimal) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		f.Valid = false
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		f.Valid = false
		return nil
	}
	f.Decimal, f.Valid = d, true
	return nil
}

// NewClient creates a new Polymarket client
func NewClient(cfg ClientConfig) *Client {
	if cfg.PageSize < 1 {
		cfg.PageSize = 100
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxMarkets < 1 {
		cfg.MaxMarkets = 500
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = cfg.MaxConcurrency

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// FetchActiveMarkets pages through active events, most traded first, and
// returns one snapshot per eligible market stamped with now.
func (c *Client) FetchActiveMarkets(ctx context.Context, now time.Time) ([]models.Snapshot, error) {
	seenEvents := make(map[string]struct{})
	seenMarkets := make(map[string]struct{})
	var snaps []models.Snapshot
	var pages, dropped int

	for offset := 0; pages < maxPages && len(snaps) < c.cfg.MaxMarkets; {
		batch := c.cfg.MaxConcurrency
		if remaining := maxPages - pages; batch > remaining {
			batch = remaining
		}
		offsets := make([]int, batch)
		for i := range offsets {
			offsets[i] = offset + i*c.cfg.PageSize
		}

		results, err := c.fetchBatch(ctx, offsets)
		if err != nil {
			return nil, err
		}

		exhausted := false
		for _, events := range results {
			pages++
			for _, ev := range events {
				id := string(ev.ID)
				if _, ok := seenEvents[id]; ok {
					continue
				}
				seenEvents[id] = struct{}{}

				evSnaps, evDropped := c.eventSnapshots(ev, now, seenMarkets)
				dropped += evDropped
				snaps = append(snaps, evSnaps...)
			}
			if len(events) < c.cfg.PageSize {
				exhausted = true
				break
			}
		}
		if exhausted {
			break
		}
		offset += batch * c.cfg.PageSize
	}

	if len(snaps) > c.cfg.MaxMarkets {
		snaps = snaps[:c.cfg.MaxMarkets]
	}

	logger.Debug("Fetched %d pages: %d events, %d snapshots, %d markets dropped",
		pages, len(seenEvents), len(snaps), dropped)

	return snaps, nil
}

func (c *Client) fetchBatch(ctx context.Context, offsets []int) ([][]gammaEvent, error) {
	results := make([][]gammaEvent, len(offsets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, off := range offsets {
		g.Go(func() error {
			events, err := c.fetchPage(gctx, off)
			if err != nil {
				return err
			}
			results[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) fetchPage(ctx context.Context, offset int) ([]gammaEvent, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.GammaAPIURL, "/") + "/events")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse URL: %w", models.ErrFatalFetch, err)
	}

	q := u.Query()
	q.Set("active", "true")
	q.Set("closed", "false")
	q.Set("order", "volume24hr")
	q.Set("ascending", "false")
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()

	body, err := c.doRequest(ctx, u.String())
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: malformed JSON at offset %d", models.ErrTransientFetch, offset)
	}
	// Response is array directly, not wrapped
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: expected event list at offset %d", models.ErrFatalFetch, offset)
	}

	var events []gammaEvent
	if err := json.Unmarshal(trimmed, &events); err != nil {
		return nil, fmt.Errorf("%w: failed to decode events: %w", models.ErrFatalFetch, err)
	}
	return events, nil
}

// doRequest performs an HTTP GET with linear backoff on network errors, 429
// and 5xx. Other 4xx responses are not retried.
func (c *Client) doRequest(ctx context.Context, urlStr string) ([]byte, error) {
	var lastErr error

	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, time.Duration(i)*c.cfg.RetryDelay); err != nil {
				return nil, fmt.Errorf("%w: %w", models.ErrTransientFetch, err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrFatalFetch, err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", models.ErrTransientFetch, ctx.Err())
			}
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("%w: status %d: %s", models.ErrFatalFetch, resp.StatusCode, truncate(string(body), 200))
		}
		if readErr != nil {
			lastErr = readErr
			continue
		}
		return body, nil
	}

	return nil, fmt.Errorf("%w: max retries exceeded: %w", models.ErrTransientFetch, lastErr)
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

func eligible(m gammaMarket) bool {
	if m.Active != nil && !*m.Active {
		return false
	}
	if m.Closed {
		return false
	}
	return m.EnableOrderBook == nil || *m.EnableOrderBook
}

// eventSnapshots converts one event into binary market snapshots plus, for
// mutually exclusive events with at least three markets, one grouped snapshot.
func (c *Client) eventSnapshots(ev gammaEvent, now time.Time, seen map[string]struct{}) ([]models.Snapshot, int) {
	var snaps []models.Snapshot
	var dropped int

	var group []models.Outcome
	var groupVolume, groupLiquidity decimal.Decimal

	for _, pm := range ev.Markets {
		if !eligible(pm) {
			continue
		}
		id := string(pm.ID)
		if id == "" {
			dropped++
			continue
		}

		outcomes := parseOutcomes(pm.Outcomes, pm.OutcomePrices)
		if len(outcomes) == 0 || !pm.Volume24hr.Valid {
			dropped++
			continue
		}
		volume := nonNegative(pm.Volume24hr.Decimal)
		liquidity := nonNegative(marketLiquidity(pm))

		label := pm.GroupItemTitle
		if label == "" {
			label = pm.Question
		}
		group = append(group, models.Outcome{Label: label, Price: outcomes[0].Price})
		groupVolume = groupVolume.Add(volume)
		groupLiquidity = groupLiquidity.Add(liquidity)

		if _, ok := seen[id]; ok {
			continue
		}

		snap := models.Snapshot{
			TS: now,
			Market: models.Market{
				ID:        id,
				Question:  pm.Question,
				URL:       marketURL(ev.Slug, pm.Slug),
				EndTime:   parseTime(firstNonEmpty(pm.EndDate, ev.EndDate)),
				CreatedAt: parseTime(pm.CreatedAt),
				TopicTags: models.Tokenize(pm.Question),
				Outcomes:  outcomes,
			},
			Volume24h: volume.InexactFloat64(),
			Liquidity: liquidity.InexactFloat64(),
		}
		if !snap.Market.HasAnyTag(c.cfg.Keywords) {
			continue
		}
		if err := snap.Validate(); err != nil {
			logger.Debug("Dropping market %s: %v", id, err)
			dropped++
			continue
		}
		seen[id] = struct{}{}
		snaps = append(snaps, snap)
	}

	if ev.NegRisk && len(group) >= 3 && ev.ID != "" {
		id := "event:" + string(ev.ID)
		snap := models.Snapshot{
			TS: now,
			Market: models.Market{
				ID:        id,
				Question:  ev.Title,
				URL:       marketURL(ev.Slug, ""),
				EndTime:   parseTime(ev.EndDate),
				CreatedAt: parseTime(ev.CreatedAt),
				TopicTags: models.Tokenize(ev.Title),
				Outcomes:  group,
				Grouped:   true,
			},
			Volume24h: groupVolume.InexactFloat64(),
			Liquidity: groupLiquidity.InexactFloat64(),
		}
		if _, ok := seen[id]; !ok && snap.Market.HasAnyTag(c.cfg.Keywords) && snap.Validate() == nil {
			seen[id] = struct{}{}
			snaps = append(snaps, snap)
		}
	}

	return snaps, dropped
}

func marketLiquidity(m gammaMarket) decimal.Decimal {
	if m.LiquidityNum.Valid {
		return m.LiquidityNum.Decimal
	}
	if m.Liquidity.Valid {
		return m.Liquidity.Decimal
	}
	return decimal.Zero
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

var (
	priceFloor = decimal.Zero
	priceCeil  = decimal.NewFromInt(1)
)

// parseOutcomes pairs outcome labels with prices, clamping prices to [0,1] and
// dropping outcomes without a usable price.
func parseOutcomes(rawOutcomes, rawPrices json.RawMessage) []models.Outcome {
	items := decodeList(rawOutcomes)
	prices := decodeList(rawPrices)

	var outcomes []models.Outcome
	for i, item := range items {
		var label string
		var price flexDecimal

		trimmed := bytes.TrimSpace(item)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			var obj struct {
				Label   string      `json:"label"`
				Outcome string      `json:"outcome"`
				Price   flexDecimal `json:"price"`
			}
			if err := json.Unmarshal(trimmed, &obj); err != nil {
				continue
			}
			label = firstNonEmpty(obj.Label, obj.Outcome)
			price = obj.Price
		} else {
			if err := json.Unmarshal(trimmed, &label); err != nil {
				continue
			}
			if i < len(prices) {
				_ = price.UnmarshalJSON(prices[i])
			}
		}

		if !price.Valid {
			continue
		}
		p := decimal.Min(decimal.Max(price.Decimal, priceFloor), priceCeil)
		outcomes = append(outcomes, models.Outcome{Label: label, Price: p.InexactFloat64()})
	}
	return outcomes
}

// decodeList decodes a JSON array, unwrapping it first if it arrives as a
// JSON-encoded string.
func decodeList(raw json.RawMessage) []json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil
		}
		raw = []byte(inner)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}

// parseTime parses RFC 3339 timestamps with a date-only fallback.
func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func marketURL(eventSlug, marketSlug string) string {
	if slug := firstNonEmpty(eventSlug, marketSlug); slug != "" {
		return marketURLPrefix + slug
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
