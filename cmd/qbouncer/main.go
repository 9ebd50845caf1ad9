package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vegardx/qbouncer/pkg/config"
	"github.com/vegardx/qbouncer/pkg/log"
	"github.com/vegardx/qbouncer/pkg/metrics"
	"github.com/vegardx/qbouncer/pkg/supervisor"
)

// parseLevel maps both the config's uppercase level names (DEBUG, INFO,
// WARNING, ERROR) and the CLI's free-form input onto pkg/log's levels.
func parseLevel(level string) log.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return log.DebugLevel
	case "WARNING", "WARN":
		return log.WarnLevel
	case "ERROR":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	err := rootCmd.Execute()
	if err != nil && !errors.Is(err, errInterrupted) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

var rootCmd = &cobra.Command{
	Use:   "qbouncer",
	Short: "VPN-aware port-forwarding supervisor for qBittorrent",
	Long: `qbouncer supervises a WireGuard VPN interface, a NAT-PMP port
lease, and a qBittorrent Web API connection, keeping the torrent
client's listening port and interface binding in sync with the VPN's
forwarded port, and enforcing a firewall killswitch so traffic never
leaks outside the tunnel.`,
	Version:       Version,
	RunE:          run,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"qbouncer version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().StringP("config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warning, error); overrides service.log_level")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Shorthand for --log-level debug")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	level := log.InfoLevel
	switch {
	case logLevel != "":
		level = parseLevel(logLevel)
	case verbose:
		level = log.DebugLevel
	}

	log.Init(log.Config{
		Level:      level,
		JSONOutput: logJSON,
	})
}

// errInterrupted signals a shutdown triggered by SIGINT (Ctrl-C), as
// opposed to a configuration or collaborator error. A SIGTERM shutdown
// returns no error.
var errInterrupted = errors.New("interrupted")

// exitCode maps a top-level error to the process exit code documented for
// operators: 0 on a clean shutdown (including SIGTERM), 130 when SIGINT
// interrupted the run, 1 on any configuration or service error.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errInterrupted):
		return 130
	default:
		return 1
	}
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// --log-level/-v on the CLI wins over service.log_level; otherwise
	// re-apply the configured level now that it's known.
	cliLevel, _ := cmd.Flags().GetString("log-level")
	cliVerbose, _ := cmd.Flags().GetBool("verbose")
	if cliLevel == "" && !cliVerbose {
		logJSON, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{
			Level:      parseLevel(cfg.Service.LogLevel),
			JSONOutput: logJSON,
		})
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize supervisor: %w", err)
	}

	if cfg.Service.MetricsAddr != "" {
		go serveMetrics(cfg.Service.MetricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var received os.Signal
	go func() {
		select {
		case received = <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("supervisor error: %w", err)
	}

	if received == os.Interrupt {
		return errInterrupted
	}
	return nil
}

func serveMetrics(addr string) {
	logger := log.WithComponent("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	logger.Info().Str("addr", addr).Msg("starting metrics endpoint")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
