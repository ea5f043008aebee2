package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xtxerr/tsdb/internal/config"
	"github.com/xtxerr/tsdb/internal/daemon"
	"github.com/xtxerr/tsdb/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("config", "c", "config.yaml", "config file path")
	f.String("listen", "", "replication listen address (overrides config)")
	f.String("node-id", "", "node id (overrides config)")
	f.String("data-dir", "", "data directory (overrides config)")
	f.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		logging.Info("no config file found, using defaults", "path", path)
		cfg = config.DefaultConfig()
	} else if cfg, err = config.Load(path); err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Cluster.Listen = v
		cfg.Cluster.Advertise = ""
	}
	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.Node.ID = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Node.DataDir = v
		cfg.WAL.Dir = ""
		cfg.Archive.Dir = ""
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.Init(level, cfg.Logging.JSON)
	logging.Info("tsdbd starting", "version", Version, "node", cfg.Node.ID)

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	if addr := d.Addr(); addr != nil {
		logging.Info("replication listening", "address", addr.String())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logging.Info("shutting down", "signal", s.String())

	if err := d.Stop(); err != nil {
		return fmt.Errorf("stop node: %w", err)
	}
	return nil
}
