package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/fleetwatch"
	"github.com/loykin/fleetwatch/internal/logger"
)

const shutdownTimeout = 15 * time.Second

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the fleetwatch monitor and API",
		Long: `Start the monitor loop, the HTTP API and the subscriber websocket.
All configuration is loaded from the TOML config file.

Examples:
  fleetwatch serve --config fleetwatch.toml
  fleetwatch serve fleetwatch.toml
  fleetwatch serve fleetwatch.toml --daemonize --pidfile /run/fleetwatch.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			return runServe(cmd.Context(), configPath, serveFlags)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func runServe(ctx context.Context, configPath string, flags *ServeFlags) error {
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=fleetwatch.toml or provide as argument")
	}

	cfg, err := fleetwatch.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		if !isDaemonSupported() {
			return fmt.Errorf("--daemonize is not supported on this platform")
		}
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("error configuring logger: %w", err)
	}
	defer func() { _ = closer.Close() }()

	app, err := fleetwatch.New(cfg, fleetwatch.WithLogger(log), fleetwatch.WithVersion(version))
	if err != nil {
		return err
	}
	if err := app.Start(); err != nil {
		return err
	}

	ctx, stop := signalContext(ctx)
	defer stop()
	<-ctx.Done()

	log.Info("Shutting down fleetwatch")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown finished with errors", "error", err)
		return err
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
