// Command agentctl runs the session orchestrator and event bus: the
// local control plane driving concurrent AI coding agent sessions
// across many source repositories, per spec.md §1-§2.
//
// Grounded on the teacher's cmd/warren/main.go: cobra.OnInitialize for
// logging setup, metrics/health HTTP handlers, and signal-driven
// shutdown. The metrics and health endpoints are served by the same
// HTTP server and port as the WebSocket transport. Shutdown closes that
// server and then the durable store; it does not drain in-flight
// commands or stop the supervisor first.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/agentctl/internal/broker"
	"github.com/cuemby/agentctl/internal/config"
	"github.com/cuemby/agentctl/internal/containerfacade"
	"github.com/cuemby/agentctl/internal/eventlog"
	"github.com/cuemby/agentctl/internal/hostfacade"
	"github.com/cuemby/agentctl/internal/ingest"
	"github.com/cuemby/agentctl/internal/log"
	"github.com/cuemby/agentctl/internal/metrics"
	"github.com/cuemby/agentctl/internal/reconcile"
	"github.com/cuemby/agentctl/internal/registry"
	"github.com/cuemby/agentctl/internal/router"
	"github.com/cuemby/agentctl/internal/scfacade"
	"github.com/cuemby/agentctl/internal/session"
	"github.com/cuemby/agentctl/internal/snapshot"
	"github.com/cuemby/agentctl/internal/store"
	"github.com/cuemby/agentctl/internal/supervisor"
	"github.com/cuemby/agentctl/internal/transport"
)

var (
	// Version information (set via ldflags during build).
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "agentctl",
	Short:   "agentctl orchestrates concurrent AI coding agent sessions",
	Version: Version,
}

var (
	flagConfigFile string
	flagLogLevel   string
	flagLogJSON    bool
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("agentctl version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	log.Init(log.Config{
		Level:      log.Level(flagLogLevel),
		JSONOutput: flagLogJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator, accepting sandbox and observer connections",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.WithComponent("main")

	db, err := store.NewBoltStore(cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("opening durable store: %w", err)
	}
	metrics.SetComponentHealth("store", true, "")

	b := broker.New()
	eventLog := eventlog.New(db, b)

	scFacade := scfacade.New(cfg.WorkspaceRoot)

	hostToken := os.Getenv("AGENTCTL_GITHUB_TOKEN")
	hostFacade := hostfacade.New(hostToken)

	containerSocket := os.Getenv("AGENTCTL_CONTAINERD_SOCKET")
	if containerSocket == "" {
		containerSocket = "/run/containerd/containerd.sock"
	}
	containerFacade, err := containerfacade.New(containerSocket)
	if err != nil {
		metrics.SetComponentHealth("containerd", false, err.Error())
		logger.Warn().Err(err).Msg("containerd facade unavailable, provisioning will fail until it is")
	} else {
		metrics.SetComponentHealth("containerd", true, "")
		defer containerFacade.Close()
	}

	reg := registry.New(func(old *registry.Connection) {
		_ = old.Transport.Close()
	})

	managerURL := containerFacade.HostURL(cfg.Port)
	sessionCtrl := session.New(db, eventLog, reg, scFacade, hostFacade, containerFacade, managerURL, cfg.ContainerImage)

	ing := ingest.New(eventLog, sessionCtrl)
	snap := snapshot.New(db)
	rt := router.New(db, sessionCtrl, b, reg, snap, hostFacade, scFacade)

	sup := supervisor.New(reg, heartbeatInterval(cfg), func(connID, sessionID string) {
		sessionCtrl.HandleDisconnect(sessionID)
	})

	listener := transport.New(reg, ing, rt, sessionCtrl, sup, b)

	reconciled := reconcile.Run(sessionCtrl, func(sessionID string) bool { return false })
	if reconciled > 0 {
		logger.Warn().Int("count", reconciled).Msg("orphaned sessions reconciled on boot")
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", listener)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("listener error")
	}

	_ = srv.Close()
	_ = db.Close()

	logger.Info().Msg("shutdown complete")
	return nil
}

func heartbeatInterval(cfg config.Config) time.Duration {
	return time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond
}

