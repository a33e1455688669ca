// Package telegram delivers alerts to a Telegram chat via the Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/polywatch/internal/logger"
	"github.com/rewired-gh/polywatch/internal/models"
)

const (
	DefaultAPIURL = "https://api.telegram.org"
	maxBodySize   = 1 << 20
)

// Config configures the chat API client.
type Config struct {
	Token       string
	ChatID      string
	APIURL      string
	SendTimeout time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Client handles Telegram notifications.
type Client struct {
	cfg        Config
	httpClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func(d time.Duration) time.Duration
}

// SendError describes a failed sendMessage call. It unwraps to ErrFatalSend
// or ErrTransientSend and to the chat API's *tgbotapi.Error.
type SendError struct {
	StatusCode  int
	Description string
	RetryAfter  time.Duration
	Fatal       bool
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s send error: %s", kind, e.Description)
	}
	return fmt.Sprintf("%s send error: status %d: %s", kind, e.StatusCode, e.Description)
}

func (e *SendError) Unwrap() []error {
	sentinel := models.ErrTransientSend
	if e.Fatal {
		sentinel = models.ErrFatalSend
	}
	return []error{sentinel, &tgbotapi.Error{
		Code:    e.StatusCode,
		Message: e.Description,
		ResponseParameters: tgbotapi.ResponseParameters{
			RetryAfter: int(e.RetryAfter / time.Second),
		},
	}}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// NewClient creates a new Telegram client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("telegram chat ID is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 30 * time.Second
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		sleep:      sleepCtx,
		jitter:     halfJitter,
	}, nil
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

// halfJitter picks a delay uniformly in [d/2, d].
func halfJitter(d time.Duration) time.Duration {
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int64N(half+1))
}

// backoff returns the wait before the given retry (1-based). A retry_after
// from the chat API takes precedence.
func (c *Client) backoff(retry int, lastErr error) time.Duration {
	var se *SendError
	if errors.As(lastErr, &se) && se.RetryAfter > 0 {
		return se.RetryAfter
	}
	d := c.cfg.BackoffBase
	for i := 1; i < retry && d < c.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	return c.jitter(d)
}

// send posts a Markdown message with exponential backoff. Fatal errors are
// returned immediately.
func (c *Client) send(ctx context.Context, text string) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.backoff(attempt-1, lastErr)); err != nil {
				return fmt.Errorf("%w: %w", models.ErrTransientSend, err)
			}
		}

		err := c.post(ctx, text)
		if err == nil {
			return nil
		}
		if errors.Is(err, models.ErrFatalSend) {
			return err
		}
		lastErr = err
		logger.Warn("Telegram send attempt %d/%d failed: %v", attempt, c.cfg.MaxAttempts, err)
	}
	return fmt.Errorf("failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                c.cfg.ChatID,
		Text:                  text,
		ParseMode:             tgbotapi.ModeMarkdown,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return &SendError{Description: err.Error(), Fatal: true}
	}

	endpoint := c.cfg.APIURL + "/bot" + c.cfg.Token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return &SendError{Description: c.redact(err.Error()), Fatal: true}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &SendError{Description: c.redact(err.Error())}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &SendError{StatusCode: resp.StatusCode, Description: c.redact(err.Error())}
	}

	var apiResp tgbotapi.APIResponse
	_ = json.Unmarshal(body, &apiResp)

	if resp.StatusCode < 300 && apiResp.Ok {
		return nil
	}

	code := resp.StatusCode
	if code < 300 && apiResp.ErrorCode != 0 {
		code = apiResp.ErrorCode
	}
	desc := apiResp.Description
	if desc == "" {
		desc = http.StatusText(code)
	}
	se := &SendError{StatusCode: code, Description: desc}
	if apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
		se.RetryAfter = time.Duration(apiResp.Parameters.RetryAfter) * time.Second
	}
	// 429 and 5xx are retried; any other 4xx means a bad token or chat
	se.Fatal = code >= 400 && code < 500 && code != http.StatusTooManyRequests
	return se
}

func (c *Client) redact(s string) string {
	return strings.ReplaceAll(s, c.cfg.Token, "<redacted>")
}

// Deliver formats and sends one alert.
func (c *Client) Deliver(ctx context.Context, alert models.CandidateAlert) error {
	return c.send(ctx, FormatAlert(alert))
}

// SendStartup sends the online banner.
func (c *Client) SendStartup(ctx context.Context, banner string) error {
	return c.send(ctx, banner)
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, cycleErr error) error {
	return c.send(ctx, FormatError(cycleErr))
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, failureCount int) error {
	return c.send(ctx, FormatRecovery(failureCount))
}

// botLogger routes the bot library's log output through the application logger.
type botLogger struct{}

func (botLogger) Println(v ...interface{}) {
	logger.Warn("telegram: %s", strings.TrimSpace(fmt.Sprintln(v...)))
}

func (botLogger) Printf(format string, v ...interface{}) {
	logger.Warn("telegram: "+format, v...)
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns once the bot is authorized; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) error {
	_ = tgbotapi.SetLogger(botLogger{})

	pollClient := &http.Client{Timeout: 75 * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(c.cfg.Token, c.cfg.APIURL+"/bot%s/%s", pollClient)
	if err != nil {
		return fmt.Errorf("failed to create Telegram bot: %s", c.redact(err.Error()))
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					handleCommand(bot, update.Message)
				}
			}
		}
	}()

	logger.Info("Listening for Telegram commands as @%s", bot.Self.UserName)
	return nil
}

func handleCommand(bot *tgbotapi.BotAPI, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		if _, err := bot.Send(reply); err != nil {
			logger.Warn("Failed to answer /ping: %v", err)
		}
	}
}
