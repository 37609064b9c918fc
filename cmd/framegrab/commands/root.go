package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/framegrab/internal/config"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "framegrab",
		Short: "framegrab - on-demand frame delivery from capture devices",
		Long: `framegrab captures frames continuously from cameras, screens and
GStreamer pipelines and hands the newest one to consumers on demand.

Features:
  • V4L2, X11, GStreamer and synthetic devices
  • Pull (read on access) and push (update tick) delivery
  • Runtime orientation and frame rate changes
  • Bright-spot and motion analysis stages
  • MJPEG preview and REST/websocket API`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// quiet until the config picks the real level
			level, _ := cmd.Flags().GetString("log-level")
			if level == "" {
				level = "warn"
			}
			logger.InitWriter(level, true, os.Stderr)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/framegrab/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig opens the config file and layers the persistent flags over it.
func loadConfig(cmd *cobra.Command) (*config.Manager, error) {
	m, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	v := m.Viper()
	flags := cmd.Flags()
	if f := flags.Lookup("port"); f != nil && f.Changed {
		if err := v.BindPFlag("server_port", f); err != nil {
			return nil, err
		}
	}
	if f := flags.Lookup("log-level"); f != nil && f.Changed {
		if err := v.BindPFlag("log_level", f); err != nil {
			return nil, err
		}
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}
