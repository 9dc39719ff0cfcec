// termchat-relay runs the store-and-forward relay server.
//
// Usage:
//
//	# Run on the default address 0.0.0.0:9000
//	termchat-relay
//
//	# Run on a custom address
//	termchat-relay --bind 127.0.0.1:8080
//
//	# Or via environment variable
//	RELAY_ADDR=127.0.0.1:8080 termchat-relay
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 bind failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/termchat-project/termchat/config"
	"github.com/termchat-project/termchat/internal/logger"
	"github.com/termchat-project/termchat/pkg/health"
	"github.com/termchat-project/termchat/pkg/version"
	"github.com/termchat-project/termchat/relay"
)

const (
	exitConfigError = 1
	exitBindError   = 2
)

var (
	flagBind           string
	flagMaxPayloadSize int
	flagMaxQueueSize   int
	flagLogLevel       string
	flagConfigFile     string
	flagMetricsAddr    string
	flagVersion        bool
)

var rootCmd = &cobra.Command{
	Use:   "termchat-relay",
	Short: "TermChat store-and-forward relay server",
	Long: `termchat-relay routes end-to-end encrypted payloads between termchat
peers and queues them for offline recipients. The relay never sees
plaintext and holds no key material; pending queues are in-memory and do
not survive restarts.

Configuration precedence: CLI flag > environment variable > config file >
built-in default.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func main() {
	// A local .env is a convenience, not a requirement.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, relay.ErrBind) {
			os.Exit(exitBindError)
		}
		os.Exit(exitConfigError)
	}
}

func init() {
	rootCmd.Flags().StringVar(&flagBind, "bind", "", "listen address (default 0.0.0.0:9000)")
	rootCmd.Flags().IntVar(&flagMaxPayloadSize, "max-payload-size", 0, "maximum routed payload in bytes (default 1 MiB)")
	rootCmd.Flags().IntVar(&flagMaxQueueSize, "max-queue-size", 0, "pending frames kept per offline peer (default 100)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&flagConfigFile, "config", "", "path to a YAML or JSON config file")
	rootCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "metrics/health listen address (empty disables)")
	rootCmd.Flags().BoolVar(&flagVersion, "version", false, "print version and exit")
}

func run(cmd *cobra.Command, args []string) error {
	if flagVersion {
		fmt.Println(version.Get().String())
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.New(os.Stderr, logger.ParseLevel(cfg.Logging.Level))
	log.Info("starting termchat relay",
		logger.String("version", version.Version),
		logger.String("addr", cfg.Relay.BindAddr))

	server := relay.New(relay.Config{
		BindAddr:       cfg.Relay.BindAddr,
		MaxPayloadSize: cfg.Relay.MaxPayloadSize,
		MaxQueueSize:   cfg.Relay.MaxQueueSize,
		Logger:         log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		checker := health.NewChecker()
		checker.Register("relay", func(context.Context) error { return nil })
		healthServer := health.NewServer(cfg.Metrics.Addr, checker, log)
		healthServer.Start()
		defer func() { _ = healthServer.Stop(context.Background()) }()
		log.Info("metrics listening", logger.String("addr", cfg.Metrics.Addr))
	}

	if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("relay shut down cleanly")
	return nil
}

// loadConfig resolves the effective configuration with flag > env > file >
// default precedence.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if flagConfigFile != "" {
		cfg, err = config.LoadFromFile(flagConfigFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	// Flags override everything.
	if flagBind != "" {
		cfg.Relay.BindAddr = flagBind
	}
	if flagMaxPayloadSize > 0 {
		cfg.Relay.MaxPayloadSize = flagMaxPayloadSize
	}
	if flagMaxQueueSize > 0 {
		cfg.Relay.MaxQueueSize = flagMaxQueueSize
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagMetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = flagMetricsAddr
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
