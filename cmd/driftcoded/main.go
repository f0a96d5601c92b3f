// Command driftcoded constructs the backend command surface
// (internal/service) and keeps it running until SIGINT/SIGTERM; it opens
// no listener through which another process could call those commands,
// only the optional loopback diagnostics stream. It also carries a
// handful of scripting-friendly CLI subcommands over the host-key store
// and diagnostics export.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jordandevai/driftcode-backend/internal/config"
	"github.com/jordandevai/driftcode-backend/internal/diagnostics"
	"github.com/jordandevai/driftcode-backend/internal/service"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/hostkeys"
	"github.com/jordandevai/driftcode-backend/internal/trace"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "driftcoded",
		Short: "SSH/SFTP/PTY connection backend",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newHostKeysCmd())
	root.AddCommand(newDiagnosticsCmd())
	return root
}

func loadConfigOrExit() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the connection backend until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit()
			setupLogger(cfg)

			if cfg.DebugTrace {
				trace.Enable()
			}

			log.Info().Str("config_dir", cfg.ConfigDir).Msg("starting driftcoded")

			backend := service.New(cfg.ConfigDir, service.Events{
				ConnectionStatusChanged: func(connID, status, detail string) {
					log.Info().Str("connection_id", connID).Str("status", status).Str("detail", detail).Msg("connection status changed")
				},
				TerminalOutput: func(terminalID string, data []byte) {
					log.Debug().Str("terminal_id", terminalID).Int("bytes", len(data)).Msg("terminal output")
				},
			})

			var diagSrv *diagnostics.Server
			if trace.Enabled() {
				srv, err := diagnostics.Start(cfg.DebugTraceAddr)
				if err != nil {
					log.Warn().Err(err).Msg("failed to start diagnostics stream")
				} else {
					diagSrv = srv
					log.Info().Str("addr", srv.Addr()).Msg("diagnostics stream listening")
				}
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down driftcoded")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			backend.Shutdown(ctx)
			if diagSrv != nil {
				_ = diagSrv.Shutdown(ctx)
			}
			return nil
		},
	}
}

func newHostKeysCmd() *cobra.Command {
	hostKeysCmd := &cobra.Command{
		Use:   "hostkeys",
		Short: "Inspect and manage the trusted host-key store",
	}
	hostKeysCmd.AddCommand(newHostKeysListCmd())
	hostKeysCmd.AddCommand(newHostKeysTrustCmd())
	hostKeysCmd.AddCommand(newHostKeysForgetCmd())
	return hostKeysCmd
}

func openHostKeyStore() *hostkeys.Store {
	cfg := loadConfigOrExit()
	return hostkeys.NewStore(cfg.ConfigDir)
}

func newHostKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trusted host keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := openHostKeyStore().List()
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s:%d\t%s\t%s\n", e.Host, e.Port, e.KeyType, e.FingerprintSha256)
			}
			return nil
		},
	}
}

func newHostKeysTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <host> <port> <key-type> <fingerprint> <public-key-openssh>",
		Short: "Trust a host key explicitly",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[1], err)
			}
			cfg := loadConfigOrExit()
			backend := service.New(cfg.ConfigDir, service.Events{})
			if svcErr := backend.SSHTrustHostKey(context.Background(), args[0], port, args[2], args[3], args[4]); svcErr != nil {
				return svcErr
			}
			return nil
		},
	}
}

func newHostKeysForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <host> <port>",
		Short: "Forget a trusted host key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[1], err)
			}
			return openHostKeyStore().Remove(args[0], port)
		},
	}
}

func newDiagnosticsCmd() *cobra.Command {
	diagCmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Diagnostics ring buffer tools",
	}
	diagCmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Print the diagnostics export JSON to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := trace.ExportJSON("driftcoded", runtime.GOOS)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	})
	return diagCmd
}
