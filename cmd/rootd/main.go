// Package main is the CLI entry point for rootd.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/client"
	"github.com/eliteGoblin/rootd/internal/config"
	"github.com/eliteGoblin/rootd/internal/daemon"
	"github.com/eliteGoblin/rootd/internal/domain"
)

var (
	// Version info (set via ldflags)
	Version     = "27.0"
	VersionCode = "27000"
	Commit      = "dev"
	BuildTime   = "unknown"
	Debug       = "false"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rootd",
	Short: "Root daemon and its client",
	Long: `rootd is a privileged background daemon that grants root to apps and
shells, runs boot-stage scripts for installed modules and serves the
runtime injection layer.

The same binary is the client: each subcommand talks to the daemon over
its unix socket, starting it when run as root.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	RunE:   runDaemon,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print client and daemon version",
	Run:   runVersion,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().Stop(cmd.Context())
	},
}

var removeModulesCmd = &cobra.Command{
	Use:   "remove-modules",
	Short: "Uninstall every module",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().RemoveModules(cmd.Context(), rebootAfter); err != nil {
			return err
		}
		fmt.Println("modules removed")
		return nil
	},
}

var sqliteCmd = &cobra.Command{
	Use:   "sqlite <statement>",
	Short: "Run a statement against the settings database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rows, err := newClient().SQLite(cmd.Context(), args[0])
		for _, row := range rows {
			fmt.Println(row)
		}
		return err
	},
}

var (
	configPath  string
	logLevel    string
	jsonOutput  bool
	rebootAfter bool
)

// stageCommand notifies the daemon of a boot stage and waits until it
// hangs up.
func stageCommand(use, short string, code domain.RequestCode) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().Notify(cmd.Context(), code)
		},
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	removeModulesCmd.Flags().BoolVar(&rebootAfter, "reboot", false, "Reboot after removing modules")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(stageCommand("post-fs-data", "Run the post-fs-data stage", domain.RequestPostFsData))
	rootCmd.AddCommand(stageCommand("service", "Run the late start service stage", domain.RequestLateStart))
	rootCmd.AddCommand(stageCommand("boot-complete", "Run the boot-completed stage", domain.RequestBootComplete))
	rootCmd.AddCommand(stageCommand("zygote-restart", "Tell the daemon zygote restarted", domain.RequestZygoteRestart))
	rootCmd.AddCommand(removeModulesCmd)
	rootCmd.AddCommand(sqliteCmd)
	rootCmd.AddCommand(suCmd)
	rootCmd.AddCommand(denylistCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newClient() *client.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
		cfg = config.Default()
	}
	level := "warn"
	if logLevel != "" {
		level = logLevel
	}
	return client.New(cfg.SocketPath(), client.Options{
		Start: func() error { return daemon.StartDaemon(configPath) },
	}, createCLILogger(level))
}

func versionInfo() daemon.VersionInfo {
	code, _ := strconv.ParseInt(VersionCode, 10, 32)
	debug, _ := strconv.ParseBool(Debug)
	return daemon.VersionInfo{Name: Version, Code: int32(code), Debug: debug}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, sink := createDaemonLogger(cfg.Log.File, cfg.Log.Level)
	defer func() { _ = logger.Sync() }()

	reopen := func() {
		if sink == nil {
			return
		}
		if err := sink.Reopen(); err != nil {
			logger.Warn("failed to reopen log file", zap.Error(err))
		}
	}

	d, err := daemon.New(cfg, versionInfo(), daemon.Options{ReopenLog: reopen}, logger)
	if err != nil {
		logger.Error("failed to initialize daemon", zap.Error(err))
		return err
	}
	defer d.Close()

	// Set up graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}

func runVersion(cmd *cobra.Command, args []string) {
	remote, err := newClient().Version(cmd.Context())
	if err != nil {
		remote = ""
	}
	if jsonOutput {
		fmt.Printf(`{"version":"%s","version_code":%s,"commit":"%s","build_time":"%s","daemon":"%s"}`+"\n",
			Version, VersionCode, Commit, BuildTime, remote)
		return
	}
	fmt.Printf("rootd %s (%s) (commit: %s, built: %s)\n", Version, VersionCode, Commit, BuildTime)
	if remote != "" {
		fmt.Printf("daemon: %s\n", remote)
	} else if errors.Is(err, domain.ErrDaemonNotRunning) {
		fmt.Println("daemon: not running")
	}
}

// parseUser accepts a numeric uid or one of the well-known names.
func parseUser(s string) (int, error) {
	switch strings.ToLower(s) {
	case "root":
		return domain.AIDRoot, nil
	case "shell":
		return domain.AIDShell, nil
	}
	uid, err := strconv.Atoi(s)
	if err != nil || uid < 0 {
		return 0, fmt.Errorf("unknown user %q", s)
	}
	return uid, nil
}
