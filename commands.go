package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cwsl/mixerpanel/channels"
	"github.com/cwsl/mixerpanel/levels"
	"github.com/cwsl/mixerpanel/mixer"
	"github.com/cwsl/mixerpanel/snapshot"
	"github.com/cwsl/mixerpanel/tui"
	"github.com/cwsl/mixerpanel/watchdog"
)

type commandContext struct {
	configPath string
	debug      bool
}

// loadConfig reads the config file. A missing default config.yaml falls back
// to built-in defaults; a missing file named with --config is an error.
func (cc *commandContext) loadConfig(cmd *cobra.Command) (*Config, error) {
	explicit := cmd.Flags().Changed("config")
	config, err := LoadConfigOrDefault(cc.configPath, explicit)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func userAgent() string {
	return "mixerpanel/" + Version
}

// useTerminalUI decides whether the panel takes over the terminal.
func useTerminalUI(mode string, out *os.File) bool {
	switch mode {
	case UIModeTUI:
		return true
	case UIModeHeadless:
		return false
	}
	if out == nil {
		return false
	}
	fd := out.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func newRunCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Show live levels (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := cc.loadConfig(cmd)
			if err != nil {
				return err
			}
			withTUI := useTerminalUI(config.UI.Mode, os.Stdout)
			logger, err := NewLogger(config.Logging, cc.debug, withTUI)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return runPanel(cmd.Context(), config, logger, withTUI)
		},
	}
}

// runPanel wires metrics, MQTT and the mixer session, then blocks in the UI
// or until ctx is done.
func runPanel(ctx context.Context, config *Config, logger *zap.Logger, withTUI bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	policy, err := watchdog.ParsePolicy(config.VU.ReopenPolicy)
	if err != nil {
		return err
	}

	metrics := NewVUMetrics()
	observers := []watchdog.Observer{metrics}

	if config.Prometheus.Enabled {
		if _, err := metrics.StartMetricsServer(ctx, &config.Prometheus, logger.Named("prometheus")); err != nil {
			return err
		}
	}
	metrics.StartPushgatewayWorker(ctx, config.Prometheus.Pushgateway, logger.Named("pushgateway"))

	if config.MQTT.Enabled {
		publisher, err := NewMQTTPublisher(&config.MQTT, metrics.Gatherer(), logger.Named("mqtt"))
		if err != nil {
			return err
		}
		defer publisher.Disconnect()
		observers = append(observers, publisher)
		publisher.StartMetricsPublisher(ctx)
	}

	m, err := mixer.New(mixer.Options{
		APIURL:            config.Mixer.APIURL,
		Channels:          config.ChannelConfig(),
		StaleThreshold:    config.StaleThreshold(),
		TickInterval:      config.TickInterval(),
		Policy:            policy,
		UserAgent:         userAgent(),
		Logger:            logger,
		Sinks:             []levels.Sink{metrics},
		StreamObserver:    metrics,
		WatchdogObservers: observers,
	})
	if err != nil {
		return err
	}
	if err := m.Setup(ctx); err != nil {
		return err
	}
	defer m.Close()

	if withTUI {
		return tui.Run(ctx, m, tui.Options{
			Title:   config.UI.Title,
			Refresh: config.RefreshInterval(),
		})
	}

	logger.Info("running headless, press ctrl+c to stop", zap.String("mixer", config.Mixer.APIURL))
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newSnapshotCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the mixer's channels and routing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := cc.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := NewLogger(config.Logging, cc.debug, false)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return printSnapshot(cmd.Context(), cmd.OutOrStdout(), config, logger)
		},
	}
}

func printSnapshot(ctx context.Context, out io.Writer, config *Config, logger *zap.Logger) error {
	client := snapshot.NewClient(config.Mixer.APIURL, nil, userAgent(), logger.Named("snapshot"))
	snap, err := client.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to load mixer snapshot: %w", err)
	}
	reg := channels.NewRegistry(snap.Info.Topology(), config.ChannelConfig())

	fmt.Fprintln(out, renderChannels(reg, snap))
	if matrix := renderMuteMatrix(reg, snap); matrix != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, matrix)
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mixerpanel %s\n", Version)
		},
	}
}
