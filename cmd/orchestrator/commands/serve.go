package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiautoagent/orchestrator/internal/checkpoint"
	"github.com/kiautoagent/orchestrator/internal/config"
	"github.com/kiautoagent/orchestrator/internal/credential"
	"github.com/kiautoagent/orchestrator/internal/ctxbus"
	"github.com/kiautoagent/orchestrator/internal/gateway"
	"github.com/kiautoagent/orchestrator/internal/history"
	"github.com/kiautoagent/orchestrator/internal/logging"
	"github.com/kiautoagent/orchestrator/internal/memory"
	"github.com/kiautoagent/orchestrator/internal/permission"
	"github.com/kiautoagent/orchestrator/internal/registry"
	"github.com/kiautoagent/orchestrator/internal/storage"
	"github.com/kiautoagent/orchestrator/internal/supervisor"
)

var (
	serveAddr string
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator server",
	Long: `Start the orchestrator as a headless server: it validates every
configured agent's credentials, launches each agent subprocess, and exposes
a WebSocket endpoint that routes client conversations across them.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides config socketAddr)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Info().Str("version", Version).Msg("starting orchestrator server")
	logging.Info().Str("directory", workDir).Msg("working directory")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}

	ctx := context.Background()

	validator := credential.New(cfg.Credentials)
	if err := validator.Validate(ctx); err != nil {
		return err
	}
	logging.Info().Int("count", len(cfg.Credentials)).Msg("credentials validated")

	store := storage.New(paths.Sessions)
	hist, err := history.New(ctx, store, cfg.MaxMessagesPerSession, cfg.MaxSessions)
	if err != nil {
		return fmt.Errorf("initialize conversation history: %w", err)
	}

	mem := memory.New(memory.NewHashEncoder(), cfg.MaxMemories)
	bus := ctxbus.New()
	perm := permission.New(cfg.Agents)

	// The Supervisor, Registry, and Checkpoint Controller form a
	// construction cycle (each needs one of the others as a dependency).
	// Construct the Supervisor first with its registry and pause gate
	// unset, then wire them in once the Registry and Controller exist.
	sup := supervisor.New(*cfg, nil, hist, mem, bus, perm, nil)

	reg := registry.New(sup.OnAgentNotify)
	sup.SetRegistry(reg)

	ctl := checkpoint.New(bus, hist, reg, sup)
	sup.SetCheckpointSink(ctl)
	sup.SetPauseGate(ctl)

	for name, descriptor := range cfg.Agents {
		descriptor.Name = name
		if _, err := reg.Start(ctx, descriptor); err != nil {
			logging.Warn().Str("agent", name).Err(err).Msg("failed to start agent, continuing without it")
			continue
		}
		logging.Info().Str("agent", name).Msg("agent started")
	}

	gwCfg := gateway.DefaultConfig()
	if serveAddr != "" {
		gwCfg.Addr = serveAddr
	} else if cfg.SocketAddr != "" {
		gwCfg.Addr = cfg.SocketAddr
	}
	gwCfg.Metrics = reg.MetricsRegistry()

	gw := gateway.New(gwCfg, sup, hist, ctl)

	go func() {
		logging.Info().Str("addr", gwCfg.Addr).Msg("gateway listening")
		if err := gw.Start(); err != nil {
			logging.Fatal().Err(err).Msg("gateway error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down orchestrator server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("gateway shutdown error")
	}

	for name := range cfg.Agents {
		if err := reg.Stop(name, 5*time.Second); err != nil {
			logging.Warn().Str("agent", name).Err(err).Msg("agent shutdown error")
		}
	}

	logging.Info().Msg("orchestrator server stopped")
	return nil
}
