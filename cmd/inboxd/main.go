package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rutgerdv/inboxd/internal/analysis"
	"github.com/rutgerdv/inboxd/internal/credential"
	"github.com/rutgerdv/inboxd/internal/jobs"
	"github.com/rutgerdv/inboxd/internal/model"
	"github.com/rutgerdv/inboxd/internal/source/imapmail"
	"github.com/rutgerdv/inboxd/internal/store"
	"github.com/rutgerdv/inboxd/internal/sync"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "inboxd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()

	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured in %s", configPath)
	}
	accounts, err := resolvePasswords(cfg.Accounts)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("store opened", zap.String("path", cfg.DBPath))

	llm := analysis.NewClient(
		cfg.LLM.URL,
		cfg.LLM.Model,
		time.Duration(cfg.LLM.TimeoutSec)*time.Second,
	)
	analyzer := analysis.NewService(db, llm, analysis.Options{
		MaxBodyChars:   cfg.LLM.MaxBodyChars,
		MemoryMaxChars: cfg.LLM.MemoryMaxChars,
	}, log)

	// Surface model availability at startup without refusing to run: mail
	// sync works with the analysis backend down.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if models, pingErr := llm.ListModels(ctx); pingErr != nil {
		log.Warn("analysis backend unreachable", zap.Error(pingErr))
	} else {
		log.Info("analysis backend up", zap.Int("models", len(models)))
	}
	cancel()

	engine := sync.NewEngine(db, &imapmail.IMAPDialer{}, sync.Policy{
		BackfillDaysMax: cfg.Sync.BackfillDaysMax,
		OnlyUnseen:      cfg.Sync.OnlyUnseen,
		FlagSyncRecent:  cfg.Sync.FlagSyncRecent,
	}, log)

	runner := jobs.NewRunner(db, analyzer, jobs.NewMemoryRegistry(), log)

	scheduler := sync.NewScheduler(
		engine,
		accounts,
		time.Duration(cfg.Sync.PollIntervalSec)*time.Second,
		log,
	)
	// After each pass, queue analysis for anything still missing one.
	scheduler.OnSummary(func(sum sync.Summary) {
		if sum.TotalInserted == 0 {
			return
		}
		job, err := runner.Submit(context.Background(), jobs.Selector{
			UnreadOnly: cfg.Sync.OnlyUnseen,
			Limit:      sum.TotalInserted,
		})
		if err != nil {
			log.Warn("submitting analysis batch", zap.Error(err))
			return
		}
		log.Info("analysis batch submitted",
			zap.String("job_id", job.ID), zap.Int("total", job.Total))
	})
	scheduler.Start()
	log.Info("scheduler started",
		zap.Int("accounts", len(accounts)),
		zap.Int("poll_interval_sec", cfg.Sync.PollIntervalSec))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	scheduler.Stop()
	return nil
}

// resolvePasswords fills in passwords left empty in the config from the OS
// keyring, under "imap/<account id>".
func resolvePasswords(accounts []model.AccountConfig) ([]model.AccountConfig, error) {
	out := make([]model.AccountConfig, len(accounts))
	for i, acct := range accounts {
		if acct.Password == "" {
			pw, err := credential.AccountPassword(acct.ID)
			if err != nil {
				return nil, fmt.Errorf("password for account %q: %w", acct.ID, err)
			}
			acct.Password = pw
		}
		out[i] = acct
	}
	return out, nil
}
