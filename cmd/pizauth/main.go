// Command pizauth is both the daemon and its own CLI front-end: run with
// no subcommand (or `pizauth daemon`) to start the long-running process,
// or with one of `show`/`refresh`/`revoke`/`reload`/`shutdown`/`dump`/
// `restore`/`info`/`status` to talk to an already-running daemon over its
// UNIX-domain control socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ltratt/pizauthd/internal/config"
	"github.com/ltratt/pizauthd/internal/controlsocket"
	"github.com/ltratt/pizauthd/internal/logs"
	"github.com/ltratt/pizauthd/internal/socket"
	"github.com/ltratt/pizauthd/internal/supervisor"
)

const (
	ExitOK     = 0
	ExitFailed = 1

	// clientDialTimeout bounds how long a CLI invocation waits to connect
	// to the daemon's control socket before giving up.
	clientDialTimeout = 5 * time.Second
)

var (
	configFile string
	socketPath string
	logLevel   string
	logToFile  bool

	version = "v0.1.0"
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := &cobra.Command{
		Use:     "pizauth",
		Short:   "OAuth2 access-token daemon for command-line programs",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath(), "Path to the pizauth TOML config file")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Control socket path (default: $XDG_RUNTIME_DIR/pizauth.sock)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Also write logs to a rotating file under the user's cache dir")

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon in the foreground",
		RunE:  runDaemon,
	}
	rootCmd.AddCommand(daemonCmd)
	rootCmd.RunE = runDaemon // bare `pizauth` with no subcommand also runs the daemon

	rootCmd.AddCommand(
		newShowCmd(),
		newRefreshCmd(),
		newRevokeCmd(),
		newReloadCmd(),
		newShutdownCmd(),
		newDumpCmd(),
		newRestoreCmd(),
		newInfoCmd(),
		newStatusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitFailed
	}
	return exitCode
}

// exitCode lets a RunE function request a non-zero exit without cobra
// printing "Error: <msg>" for conditions that already printed their own
// message (e.g. "token unavailable until authorised with URL ...").
var exitCode = ExitOK

func fail(format string, args ...any) error {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	exitCode = ExitFailed
	return nil
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "pizauth.conf"
	}
	return dir + "/pizauth/config.toml"
}

func resolveSocketPath() string {
	if socketPath != "" {
		return socketPath
	}
	return socket.DetectSocketPath("")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger, err := logs.Setup(logCfg())
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	sup, err := supervisor.New(logger, configFile)
	if err != nil {
		return fmt.Errorf("initialise daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.RunStartupCmd(ctx); err != nil {
		logger.Warn("startup_cmd failed", zap.Error(err))
	}

	sockPath := resolveSocketPath()
	srv, err := controlsocket.Listen(logger, sup, sockPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	go srv.Serve()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				logger.Info("reloading config on SIGHUP")
				if err := sup.Reload(); err != nil {
					logger.Error("reload failed, keeping previous config", zap.Error(err))
				}
			case syscall.SIGTERM, syscall.SIGINT:
				logger.Info("shutting down", zap.String("signal", sig.String()))
				_ = sup.Shutdown()
				return
			}
		}
	}()

	go sup.Run(ctx)
	<-sup.Done()
	srv.Close()
	return nil
}

// logCfg builds the daemon's logging config from CLI flags alone, since
// the daemon must be able to log before it has parsed pizauth.conf.
func logCfg() *config.LogConfig {
	cfg := logs.DefaultConfig()
	if logLevel != "" {
		cfg.Level = logLevel
	}
	cfg.EnableFile = logToFile
	return cfg
}
