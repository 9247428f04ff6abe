// Package commands implements the prism-board command line.
package commands

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/config"
)

// cli carries state shared by every subcommand once the root has loaded
// the configuration.
type cli struct {
	version    string
	configPath string
	cfg        config.Config
	logger     *log.Logger
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	c := &cli{version: version}
	root := &cobra.Command{
		Use:   "prism-board",
		Short: "Prism Board - lane-based task board",
		Long: `Prism Board keeps tasks in five lanes (backlog, todo, in_progress, done,
recovery) and pushes every change to connected websocket clients.

Settings come from defaults, an optional YAML file (--config) and
environment variables, in that order.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			c.cfg = cfg
			// stdout carries the MCP stdio transport, so logs go to stderr.
			c.logger = newLogger(cfg, cmd.ErrOrStderr())
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("BOARD_CONFIG"), "path to a YAML config file")
	root.AddCommand(newServeCmd(c), newMCPCmd(c), newInitStorageCmd(c))
	return root
}

// newLogger configures a logger from the DEBUG and LOG_FORMAT settings.
func newLogger(cfg config.Config, out io.Writer) *log.Logger {
	logger := log.New()
	logger.SetOutput(out)
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}
