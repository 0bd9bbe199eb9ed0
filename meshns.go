package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meshns/meshns/api"
	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/directory"
	"github.com/meshns/meshns/hostsfile"
	"github.com/meshns/meshns/middleware"
	"github.com/meshns/meshns/middleware/authority"
	"github.com/meshns/meshns/server"
	"github.com/meshns/meshns/updater"
)

// Version is set via ldflags during build.
var Version = "0.3.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "meshns",
	Short: "meshns - DNS authority for overlay network members",
	Long: `meshns answers DNS queries for the members of an overlay network.

Member names are fetched from the network directory on a fixed interval
and served authoritatively; every other query is forwarded upstream.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var startCmd = &cobra.Command{
	Use:   "start <network-id>",
	Short: "Serve DNS for a network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgpath, _ := cmd.Flags().GetString("config")
		loglevel, _ := cmd.Flags().GetString("loglevel")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return start(ctx, cfgpath, loglevel, args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "meshns v%s\n", Version)
	},
}

func init() {
	rootCmd.SetVersionTemplate("meshns v{{.Version}}\n")

	startCmd.Flags().StringP("config", "c", "meshns.conf", "location of the config file, if config file not found, a config will generate")
	startCmd.Flags().StringP("loglevel", "l", "", "log verbosity (debug, info, warn, error), overrides MESHNS_LOG and the config")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogger(level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}

	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())
	logger.SetLevel(lvl)
	zlog.SetDefault(logger)

	return nil
}

func parseLevel(level string) (zlog.Level, error) {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return zlog.LevelDebug, nil
	case "", "info":
		return zlog.LevelInfo, nil
	case "warn", "warning":
		return zlog.LevelWarn, nil
	case "error", "crit":
		return zlog.LevelError, nil
	}

	return zlog.LevelInfo, fmt.Errorf("log verbosity level unknown: %q", level)
}

// logLevel picks the flag first, then MESHNS_LOG, then the config.
func logLevel(flag string, cfg *config.Config) string {
	if flag != "" {
		return flag
	}

	if env := os.Getenv("MESHNS_LOG"); env != "" {
		return env
	}

	return cfg.LogLevel
}

func newDirectory(cfg *config.Config) (directory.Directory, error) {
	switch strings.ToLower(cfg.Directory.Kind) {
	case "", "central":
		return directory.NewCentral(cfg.Directory.URL, cfg.Directory.Token, cfg.Directory.TokenFile, cfg.ServerVersion())
	case "kubernetes":
		return directory.NewKubernetes(cfg.Directory.Kubeconfig, cfg.Directory.Namespace, cfg.Directory.Selector)
	}

	return nil, fmt.Errorf("unknown directory kind %q", cfg.Directory.Kind)
}

func start(ctx context.Context, cfgpath, loglevel, network string) error {
	cfg, err := config.Load(cfgpath, Version)
	if err != nil {
		return fmt.Errorf("config loading failed: %w", err)
	}

	cfg.Network = network

	if err := setupLogger(logLevel(loglevel, cfg)); err != nil {
		return err
	}

	zlog.Info("Starting meshns...", "version", Version, "network", network, "zone", cfg.Domain)

	dir, err := newDirectory(cfg)
	if err != nil {
		return fmt.Errorf("directory setup failed: %w", err)
	}

	registerMiddlewares()

	if err := middleware.Setup(cfg); err != nil {
		return err
	}

	return run(ctx, cfg, dir)
}

func run(ctx context.Context, cfg *config.Config, dir directory.Directory) error {
	auth, ok := middleware.Get("authority").(*authority.Authority)
	if !ok {
		return errors.New("authority middleware not registered")
	}

	var hosts *hostsfile.Hostsfile
	if cfg.Hostsfile != "" {
		hosts = hostsfile.New(cfg.Hostsfile)
	}

	upd := updater.New(cfg, dir, auth.Store(), hosts)
	srv := server.New(cfg)
	a := api.New(cfg, auth.Store(), upd)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return upd.Run(gctx) })
	g.Go(func() error { return a.Run(gctx) })

	if hosts != nil {
		g.Go(func() error {
			if err := hosts.Watch(gctx, upd.Trigger); err != nil {
				zlog.Warn("Hosts file watcher stopped", "path", hosts.Path(), "error", err.Error())
			}
			return nil
		})
	}

	err := g.Wait()
	closeMiddlewares()

	if err != nil {
		return err
	}

	zlog.Info("Stopping meshns...")

	return nil
}

func closeMiddlewares() {
	for _, h := range middleware.Handlers() {
		if c, ok := h.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				zlog.Warn("Middleware close failed", "name", h.Name(), "error", err.Error())
			}
		}
	}
}
