package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/moonblokz/probe/internal/config"
	"github.com/moonblokz/probe/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "moonblokz-probe",
	Short: "Field daemon bridging a moonblokz node to the telemetry hub",
	Long: `moonblokz-probe collects the attached node's serial log, uploads it to the telemetry hub on a
schedule, applies commands returned by the hub, and keeps both the node firmware and its own binary
up to date.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(firstNonEmpty(rootLogLevel, config.String(config.EnvLogLevel, "info")), rootLogJSON)
	},
}

var (
	rootConfigPath string
	rootUSBPort    string
	rootServerURL  string
	rootNodeID     string
	rootLogLevel   string
	rootLogJSON    bool
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", config.DefaultPath, "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&rootUSBPort, "usb-port", "", "Override usb_port / PROBE_USB_PORT")
	rootCmd.PersistentFlags().StringVar(&rootServerURL, "server-url", "", "Override server_url / PROBE_SERVER_URL")
	rootCmd.PersistentFlags().StringVar(&rootNodeID, "node-id", "", "Override node_id / PROBE_NODE_ID")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level: trace, debug, info, warn, error (default from PROBE_LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&rootLogJSON, "log-json", false, "Emit JSON log lines instead of console output")
	rootCmd.AddCommand(
		newRunCmd(),
		newCheckUpdatesCmd(),
		newHistoryCmd(),
		newVersionCmd(),
	)
	_ = env.Ensure()
}

func setupLogging(level string, jsonOutput bool) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return err
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if jsonOutput {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}

// loadConfig reads the configuration and, unless --log-level was given,
// applies its log_level.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(rootConfigPath, config.Overrides{
		USBPort:   rootUSBPort,
		ServerURL: rootServerURL,
		NodeID:    rootNodeID,
	})
	if err != nil {
		return cfg, err
	}
	if rootLogLevel == "" && cfg.LogLevel != "" {
		if err := setupLogging(cfg.LogLevel, rootLogJSON); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("moonblokz-probe command failed")
	}
}
