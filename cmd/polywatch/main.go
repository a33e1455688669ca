package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/polywatch/internal/config"
	"github.com/rewired-gh/polywatch/internal/logger"
	"github.com/rewired-gh/polywatch/internal/models"
	"github.com/rewired-gh/polywatch/internal/monitor"
	"github.com/rewired-gh/polywatch/internal/polymarket"
	"github.com/rewired-gh/polywatch/internal/scanner"
	"github.com/rewired-gh/polywatch/internal/storage"
	"github.com/rewired-gh/polywatch/internal/telegram"
)

const (
	exitOK          = 0
	exitError       = 1
	exitFatalSend   = 2
	fetchRetryDelay = time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("polywatch", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "Path to an optional configuration file")
	once := flags.Bool("once", false, "Run a single scan cycle and exit")
	dryRun := flags.Bool("dry-run", false, "Print alerts to stdout instead of sending them")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	cfg.Once = cfg.Once || *once
	cfg.DryRun = cfg.DryRun || *dryRun
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return exitError
	}

	logger.InitWriter(stderr, cfg.Logging.Level, cfg.Logging.Format)
	if *configPath != "" {
		logger.Info("Configuration loaded from %s", *configPath)
	}

	mon, store, err := newMonitor(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return exitError
	}

	source := polymarket.NewClient(polymarket.ClientConfig{
		GammaAPIURL:    cfg.Polymarket.GammaAPIURL,
		Timeout:        cfg.RequestTimeout(),
		PageSize:       cfg.Polymarket.PageSize,
		MaxMarkets:     cfg.Polymarket.MaxMarkets,
		MaxConcurrency: cfg.Polymarket.MaxConcurrency,
		MaxRetries:     cfg.Polymarket.MaxRetries,
		RetryDelay:     fetchRetryDelay,
		Keywords:       cfg.KeywordSet(),
	})
	deduper := monitor.NewDeduper(cfg.Cooldown(), cfg.Alerts.MaxAlertsPerCycle, cfg.Alerts.MaxAlertsPerDay)

	sink, err := newSink(ctx, cfg, mon.Kinds(), stdout)
	if err != nil {
		logger.Error("Failed to set up alert delivery: %v", err)
		if errors.Is(err, models.ErrFatalSend) {
			return exitFatalSend
		}
		return exitError
	}

	scan := scanner.New(scanner.Config{
		PollInterval:             cfg.PollInterval(),
		CycleBudget:              cfg.CycleBudget(),
		MaxConsecutiveFatalSends: cfg.Alerts.MaxConsecutiveFatalSends,
		Once:                     cfg.Once,
	}, source, sink, store, mon, deduper)

	if err := scan.Run(ctx); err != nil {
		logger.Error("Stopping: %v", err)
		if errors.Is(err, models.ErrTooManyFatalSends) {
			return exitFatalSend
		}
		return exitError
	}

	logger.Info("Service stopped")
	return exitOK
}

func newMonitor(cfg *config.Config) (*monitor.Monitor, *storage.Storage, error) {
	minConfidence, err := models.ParseConfidence(cfg.Monitor.MinConfidence)
	if err != nil {
		return nil, nil, err
	}
	actions, err := cfg.Monitor.Actions()
	if err != nil {
		return nil, nil, err
	}

	store := storage.New(cfg.Retention())
	mon := monitor.New(store, monitor.Config{
		OddsShiftThreshold:     cfg.Monitor.OddsShiftThreshold,
		OddsShiftWindow:        cfg.Monitor.OddsShiftWindow(),
		VolumeSpikeMultiplier:  cfg.Monitor.VolumeSpikeMultiplier,
		VolumeWindow:           cfg.Monitor.VolumeWindow(),
		MinHistoryEntries:      cfg.Monitor.MinHistoryEntries,
		VolumeSpikeMinVolume:   cfg.Monitor.VolumeSpikeMinVolume,
		ResolvingSoonHours:     cfg.Monitor.ResolvingSoonHours,
		PriceBandLow:           cfg.Monitor.ResolvingPriceBandLow,
		PriceBandHigh:          cfg.Monitor.ResolvingPriceBandHigh,
		NewMarketAge:           cfg.Monitor.NewMarketAge(),
		NewMarketMinLiquidity:  cfg.Monitor.NewMarketMinLiquidity,
		MispricingSumTolerance: cfg.Monitor.MispricingSumTolerance,
		MispricingMinLiquidity: cfg.Monitor.MispricingMinLiquidity,
		MinConfidence:          minConfidence,
		AllowedActions:         actions,
	})
	return mon, store, nil
}

// newSink returns the stdout sink in dry-run mode. Otherwise it builds the
// chat client and sends the startup banner; a rejected banner is returned as
// ErrFatalSend.
func newSink(ctx context.Context, cfg *config.Config, kinds []models.AlertKind, stdout io.Writer) (scanner.Sink, error) {
	if cfg.DryRun {
		logger.Info("Dry run: alerts are printed to stdout, the chat API is not contacted")
		return telegram.NewStdoutSink(stdout), nil
	}

	tg, err := telegram.NewClient(telegram.Config{
		Token:       cfg.Telegram.ChatToken,
		ChatID:      cfg.Telegram.ChatID,
		APIURL:      cfg.Telegram.APIURL,
		SendTimeout: cfg.SendTimeout(),
		MaxAttempts: cfg.Telegram.MaxAttempts,
		BackoffBase: floatSeconds(cfg.Telegram.BackoffBaseSeconds),
		BackoffMax:  floatSeconds(cfg.Telegram.BackoffMaxSeconds),
	})
	if err != nil {
		return nil, err
	}

	banner := telegram.FormatStartup(kinds, cfg.PollInterval())
	if err := tg.SendStartup(ctx, banner); err != nil {
		if errors.Is(err, models.ErrFatalSend) {
			return nil, fmt.Errorf("chat API rejected the startup message: %w", err)
		}
		logger.Warn("Failed to send startup message: %v", err)
	}

	if cfg.Telegram.CommandsEnabled {
		if err := tg.ListenForCommands(ctx); err != nil {
			logger.Warn("Telegram command listener disabled: %v", err)
		}
	}
	return tg, nil
}

func floatSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
