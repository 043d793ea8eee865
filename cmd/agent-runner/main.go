// Package main is the entry point for the Crypton Agent Runner: the
// state-machine-driven orchestrator of the Evaluate -> Plan -> Research
// -> Analyze -> Synthesize -> wait -> repeat learning loop.
//
// Wiring: load config, build the logger, wire every collaborator by
// hand (no DI container — this system has no database tier to justify
// one), start the HTTP server in a goroutine, then block on an
// interrupt signal and shut down gracefully.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cryptonhq/crypton/internal/platform/backup"
	"github.com/cryptonhq/crypton/internal/platform/config"
	"github.com/cryptonhq/crypton/internal/platform/eventlog"
	"github.com/cryptonhq/crypton/internal/platform/logging"
	"github.com/cryptonhq/crypton/internal/runner/api"
	"github.com/cryptonhq/crypton/internal/runner/artifacts"
	runnercontext "github.com/cryptonhq/crypton/internal/runner/context"
	"github.com/cryptonhq/crypton/internal/runner/cycle"
	"github.com/cryptonhq/crypton/internal/runner/invoker"
	"github.com/cryptonhq/crypton/internal/runner/llm"
	"github.com/cryptonhq/crypton/internal/runner/mailbox"
	"github.com/cryptonhq/crypton/internal/runner/orchestrator"
	"github.com/cryptonhq/crypton/internal/runner/state"
	"github.com/cryptonhq/crypton/internal/runner/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info", true)
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New(cfg.LogLevel, cfg.DevMode)
	log.Info().Msg("starting Crypton Agent Runner")

	bus := eventlog.NewBus()
	ring := eventlog.NewRing(1000)
	bus.SubscribeAll(func(e eventlog.Event) { ring.Add(e) })

	logDir := filepath.Join(cfg.DataDir, "logs")
	writer, err := eventlog.NewWriter(log, logDir, "runner_events", true, 256)
	if err != nil {
		// Fatal: an unwritable log path fails startup fast.
		log.Fatal().Err(err).Msg("failed to open event log writer")
	}
	bus.SubscribeAll(writer.Enqueue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archiver, err := backup.New(ctx, log, backup.Config{
		Enabled:   cfg.BackupEnabled,
		Bucket:    cfg.BackupBucket,
		Endpoint:  cfg.BackupEndpoint,
		Region:    cfg.BackupRegion,
		AccessKey: cfg.BackupAccessKey,
		SecretKey: cfg.BackupSecretKey,
	})
	if err != nil {
		log.Error().Err(err).Msg("backup archiver disabled: construction failed")
	}
	if archiver != nil {
		bus.Subscribe(eventlog.EventCycleCompleted, func(e eventlog.Event) {
			data, ok := e.Data.(map[string]string)
			if !ok {
				return
			}
			cycleID := data["cycleId"]
			dir := filepath.Join(cfg.DataDir, "artifacts", "cycles", "history", cycleID)
			if _, err := archiver.ArchiveDirectory(ctx, dir, "cycles/"+cycleID+".tar.gz"); err != nil {
				log.Error().Err(err).Str("cycleId", cycleID).Msg("cycle archival failed")
			}
		})
	}

	store := artifacts.New(filepath.Join(cfg.DataDir, "artifacts"))
	mailboxes := mailbox.New(5)

	toolExecutor := tools.NewExecutor(5)
	tools.RegisterBuiltins(toolExecutor, store, cfg.ExecutionServiceURL)

	llmClient := llm.New(cfg.LLMBaseURL, cfg.LLMModel, cfg.StepTimeoutDefault)
	inv := invoker.New(llmClient, toolExecutor, cfg.IterationCap)
	builder := runnercontext.New()
	orch := orchestrator.New(log, builder, inv, store, mailboxes)

	machine, warnRecovered := state.New(filepath.Join(cfg.DataDir, "state", "runner.json"), bus, orch)
	if warnRecovered {
		log.Warn().Msg("persisted runner state was corrupt; starting from Idle")
	}

	// Step completions feed each agent's memory file, so the next cycle
	// carries continuity beyond the bounded mailbox.
	bus.Subscribe(eventlog.EventStepCompleted, func(e eventlog.Event) {
		data, ok := e.Data.(map[string]string)
		if !ok {
			return
		}
		agent, ok := orchestrator.MailboxAgentForStep(state.LoopState(data["step"]))
		if !ok {
			return
		}
		note := "completed " + data["step"] + " step"
		if cycleID := data["cycleId"]; cycleID != "" {
			note += " for cycle " + cycleID
		}
		if err := orchestrator.RecordMemory(store, agent, note, time.Now().UTC()); err != nil {
			log.Warn().Err(err).Str("agent", agent).Msg("record step memory failed")
		}
	})

	recordsDir := filepath.Join(cfg.DataDir, "state", "cycles")
	controller := cycle.New(log, machine, orch, orch, store, mailboxes, bus, recordsDir, cycle.Config{
		StepTimeout:       cfg.StepTimeoutDefault,
		MaxCycleDuration:  cfg.MaxCycleDuration,
		RetryMax:          cfg.RetryMax,
		BackoffCapMinutes: cfg.RetryBackoffCapMin,
		CycleInterval:     cfg.CycleIntervalDefault,
		TickInterval:      30 * time.Second,
	})

	srv := api.New(api.Config{
		Log:         log,
		Machine:     machine,
		Mailboxes:   mailboxes,
		Bus:         bus,
		Ring:        ring,
		Store:       store,
		RecordsDir:  recordsDir,
		Overrider:   controller,
		ConfigStore: controller,
		AuthToken:   cfg.OverrideToken,
		DevMode:     cfg.DevMode,
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.RunnerPort,
		Handler: srv.Router(),
	}

	controller.Start(ctx)
	log.Info().Msg("cycle controller started")

	go func() {
		log.Info().Str("port", cfg.RunnerPort).Msg("control API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("control API failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down Agent Runner")
	cancel()
	controller.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control API forced to shutdown")
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("event log writer close failed")
	}
	log.Info().Msg("Agent Runner stopped")
}
