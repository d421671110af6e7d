package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/valet/pkg/valet/agent"
	"github.com/jholhewres/valet/pkg/valet/bridge"
	"github.com/jholhewres/valet/pkg/valet/bridge/discord"
	"github.com/jholhewres/valet/pkg/valet/capability"
	"github.com/jholhewres/valet/pkg/valet/config"
	"github.com/jholhewres/valet/pkg/valet/conversation"
	"github.com/jholhewres/valet/pkg/valet/router"
	"github.com/jholhewres/valet/pkg/valet/store"
	"github.com/jholhewres/valet/pkg/valet/trigger"
)

// vaultPath is the encrypted credential vault location.
const vaultPath = ".valet.vault"

// newServeCmd creates the `valet serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant daemon",
		Long: `Start valet as a daemon: the HTTP gateway, the trigger scheduler,
the agent pool, and any configured bridge front ends.

Examples:
  valet serve
  valet serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	// ── Resolve secrets ──
	vault := capability.NewVault(vaultPath)
	if vault.Exists() {
		password, err := capability.ReadPassword("Vault password: ")
		if err == nil && password != "" {
			if err := vault.Unlock(password); err != nil {
				logger.Warn("vault unlock failed, falling back to keyring and environment", "error", err)
			}
		}
	}
	cfg.Inference.APIKey = capability.ResolveAPIKey(vault, cfg.Inference.APIKey, logger)
	cfg.Mail.Token = capability.ResolveMailToken(vault, cfg.Mail.Token, logger)

	// ── Open store ──
	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	// ── Build the core ──
	log := conversation.NewLog(st.DB, logger)
	inference := capability.NewInferenceClient(cfg.Inference, logger)
	mail := capability.NewMailClient(cfg.Mail, logger)

	pool := agent.NewPool(cfg.Agents, inference, mail, logger)
	pool.SetDB(st.DB)
	if n := pool.RecoverInterrupted(); n > 0 {
		logger.Warn("failed interrupted agent runs from previous session", "count", n)
	}
	if n := pool.PruneOld(30); n > 0 {
		logger.Info("pruned old agent runs", "count", n)
	}

	rt := router.New(log, pool, inference, logger)

	triggers := trigger.NewStorage(st.DB, logger)
	rt.SetTriggerCanceller(triggers.CancelByAgent)
	pool.SetTriggerService(func(ctx context.Context, userID, _, when, payload string) (string, error) {
		// User-owned on purpose: a reminder must outlive the agent that
		// created it.
		t, err := trigger.FromSpec(userID, "", when, payload)
		if err != nil {
			return "", err
		}
		if err := triggers.Create(ctx, t); err != nil {
			return "", err
		}
		return t.ID, nil
	})
	scheduler := trigger.New(cfg.Triggers, triggers, rt, mail, logger)

	cursors := bridge.NewCursorStore(st.DB, logger)
	gateway := bridge.New(cfg.Gateway, rt, log, pool, triggers, cursors, logger)

	// ── Start ──
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler.Start(ctx)
	if err := gateway.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	var dc *discord.Adapter
	if cfg.Discord.Token != "" {
		dc = discord.New(cfg.Discord, rt, log, cursors, logger)
		if err := dc.Start(ctx); err != nil {
			logger.Error("discord bridge failed to start", "error", err)
			dc = nil
		}
	}

	logger.Info("valet running, press Ctrl+C to stop",
		"name", cfg.Name,
		"gateway", cfg.Gateway.Address,
		"discord", dc != nil,
	)

	// ── Wait for shutdown ──
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping")

	done := make(chan struct{})
	go func() {
		if dc != nil {
			_ = dc.Stop()
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = gateway.Stop(shutdownCtx)
		scheduler.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// resolveConfig loads the configuration from the explicit flag or standard
// locations.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.Find()
	}
	if path == "" {
		return nil, fmt.Errorf("no configuration file found; run 'valet setup' first")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, nil
}
