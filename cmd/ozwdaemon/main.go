// Package main implements ozwdaemon, which supervises a Z-Wave controller
// driver on a serial port and shuts it down cleanly on termination signals.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"

	rootpkg "tools.zach/dev/ozwdaemon"
	"tools.zach/dev/ozwdaemon/internal/config"
	"tools.zach/dev/ozwdaemon/internal/daemon"
	"tools.zach/dev/ozwdaemon/internal/devwatch"
	"tools.zach/dev/ozwdaemon/internal/driver"
	"tools.zach/dev/ozwdaemon/internal/eventloop"
	"tools.zach/dev/ozwdaemon/internal/logger"
	"tools.zach/dev/ozwdaemon/internal/metrics"
	"tools.zach/dev/ozwdaemon/internal/paths"
	"tools.zach/dev/ozwdaemon/internal/update"
	"tools.zach/dev/ozwdaemon/internal/zwave"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time via ldflags:
//   - goreleaser: -X main.version={{.Version}}  -> "0.1.0"
//   - make build: -X main.version=$(VERSION)    -> "0.0.0-dev+05ffee5"
//
// A bare go build falls back to the VCS info embedded by the toolchain.
var version = "dev"

// resolveVersion returns [version] when set via ldflags, otherwise
// "dev+<hash>" from the embedded VCS revision.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// ///////////////////////////////////////////////
// Default Data Directory
// ///////////////////////////////////////////////

// defaultDataDir returns ~/.ozwdaemon, or ./.ozwdaemon when the home
// directory cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", paths.UserDirRel)
	}
	return filepath.Join(home, paths.UserDirRel)
}

// ///////////////////////////////////////////////
// Command Line
// ///////////////////////////////////////////////

// rootFlags holds the root command's flags.
type rootFlags struct {
	dataDir    string
	settings   string
	serialPort string
	configPath string
	userPath   string
	foreground bool
}

// exitCodeError carries a process exit status out of a command.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   paths.BinaryName,
		Short: "Supervise a Z-Wave controller driver",
		Long: `ozwdaemon opens a Z-Wave controller on a serial port, waits for it to
answer, and keeps the link up until it receives SIGINT, SIGTERM or SIGHUP,
or the device disappears. The driver is always released before exit.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := runDaemon(cmd, flags)
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.dataDir, "data-dir", defaultDataDir(), "Directory for settings, PID file and logs")
	f.StringVar(&flags.settings, "settings", "", "Settings file (default <data-dir>/"+paths.SettingsFile+")")
	f.StringVarP(&flags.serialPort, "serial-port", "s", "", "Controller serial device; overrides driver.serial_port")
	f.StringVarP(&flags.configPath, "config-path", "c", "", "Device database directory; overrides driver.config_path")
	f.StringVarP(&flags.userPath, "user-path", "u", "", "Driver runtime data directory; overrides driver.user_path")
	f.BoolVarP(&flags.foreground, "foreground", "f", false, "Also log to stderr")

	cmd.AddCommand(newPortsCmd(flags), newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", paths.BinaryName, resolveVersion())
		},
	}
}

// newPortsCmd lists the serial devices discovery would consider, in the
// order it would try them.
func newPortsCmd(root *rootFlags) *cobra.Command {
	var patterns []string
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List candidate controller serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(patterns) == 0 {
				cfg, err := config.Load(settingsPath(root))
				if err != nil {
					return fmt.Errorf("load settings: %w", err)
				}
				patterns = cfg.Driver.PortPatterns
			}
			ports, err := zwave.ListPorts(patterns)
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				return zwave.ErrNoPorts
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&patterns, "pattern", "p", nil, "Glob pattern to scan (repeatable; default from settings)")
	return cmd
}

// settingsPath returns the settings file named by the flags.
func settingsPath(flags *rootFlags) string {
	if flags.settings != "" {
		return flags.settings
	}
	return UserPaths{Root: flags.dataDir}.Settings()
}

// applyFlags overrides the loaded settings with flags given on the command
// line.
func applyFlags(cmd *cobra.Command, flags *rootFlags, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("serial-port") {
		cfg.Driver.SerialPort = flags.serialPort
	}
	if f.Changed("config-path") {
		cfg.Driver.ConfigPath = flags.configPath
	}
	if f.Changed("user-path") {
		cfg.Driver.UserPath = flags.userPath
	}
	if flags.foreground {
		cfg.Log.Stderr = true
	}
}

// driverConfig builds the driver configuration. An empty user_path uses
// the data directory.
func driverConfig(cfg *config.Config, dirs UserPaths) driver.Config {
	userPath := cfg.Driver.UserPath
	if userPath == "" {
		userPath = dirs.Root
	}
	return driver.Config{
		SerialPort: cfg.Driver.SerialPort,
		ConfigPath: cfg.Driver.ConfigPath,
		UserPath:   userPath,
	}
}

// supervisorOptions wires the Z-Wave driver and port discovery into the
// supervisor.
func supervisorOptions(cfg *config.Config, loop *eventloop.Loop, log *slog.Logger, rec *metrics.Recorder) daemon.Options {
	opts := daemon.Options{
		Loop: loop,
		NewDriver: func() driver.Driver {
			return zwave.New(zwave.Options{
				HandshakeTimeout: cfg.HandshakeTimeout(),
				Logger:           log.With("component", "zwave"),
				Frames:           rec,
			})
		},
		Signals: shutdownSignals(),
		Logger:  log,
	}
	if cfg.Driver.Discover {
		opts.Discoverer = zwave.PortScanner{Patterns: cfg.Driver.PortPatterns}
	}
	return opts
}

// ///////////////////////////////////////////////
// Main
// ///////////////////////////////////////////////

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit status.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	fmt.Fprintf(stderr, "%s: %v\n", paths.BinaryName, err)
	return 1
}

// ///////////////////////////////////////////////
// Daemon
// ///////////////////////////////////////////////

// runDaemon starts the supervisor and runs the event loop until shutdown.
// The returned status is the loop's exit code. A non-nil error means
// startup failed before the loop ran.
func runDaemon(cmd *cobra.Command, flags *rootFlags) (int, error) {
	dirs := UserPaths{Root: flags.dataDir}
	if err := os.MkdirAll(dirs.Root, 0o755); err != nil {
		return 1, fmt.Errorf("create data dir: %w", err)
	}

	if alive, pid := checkStalePID(dirs); alive {
		return 1, fmt.Errorf("daemon already running (pid %d)", pid)
	}

	settings := settingsPath(flags)
	wroteDefault, writeErr := config.WriteDefault(settings, rootpkg.DefaultConfigTOML)

	cfg, err := config.Load(settings)
	if err != nil {
		return 1, fmt.Errorf("load settings: %w", err)
	}
	applyFlags(cmd, flags, cfg)

	log, logCloser := logger.New(logger.Options{
		Path:      dirs.Log(),
		Level:     cfg.LogLevel(),
		MaxSizeMB: cfg.Log.MaxSizeMB,
		Stderr:    cfg.Log.Stderr,
	})
	defer logCloser.Close()
	slog.SetDefault(log)

	ver := resolveVersion()
	log.Info("ozwdaemon starting", "version", ver, "data_dir", dirs.Root, "settings", settings)
	switch {
	case writeErr != nil:
		log.Warn("failed to write default settings", "path", settings, "error", writeErr)
	case wroteDefault:
		log.Info("wrote default settings", "path", settings)
	}
	for _, key := range cfg.UnknownKeys() {
		log.Warn("ignoring unknown config key", "key", key)
	}

	token := pidToken()
	pidFile, err := writePID(dirs, token)
	if err != nil {
		logger.Fail(log, "failed to write PID file", "error", err)
		return 1, err
	}
	defer removePID(dirs, token, pidFile)

	ctx := cmd.Context()
	loop := eventloop.New()
	rec := metrics.New()
	sup, err := daemon.New(driverConfig(cfg, dirs), supervisorOptions(cfg, loop, log, rec))
	if err != nil {
		logger.Fail(log, "failed to start supervisor", "error", err)
		return 1, err
	}
	defer sup.Close()

	rec.SetState("", sup.State().String())
	sup.OnStateChange(func(from, to daemon.State) {
		rec.SetState(from.String(), to.String())
	})

	if addr := cfg.Daemon.MetricsAddr; addr != "" {
		srv, err := metrics.Serve(addr, rec.Handler(), log.With("component", "metrics"))
		if err != nil {
			log.Warn("metrics endpoint disabled", "error", err)
		} else {
			log.Info("serving metrics", "addr", srv.Addr())
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Warn("metrics shutdown", "error", err)
				}
			}()
		}
	}

	sup.OnStateChange(func(_, to daemon.State) {
		if to == daemon.Serving {
			recordController(sup, log, rec)
		}
	})

	var watcher *devwatch.Watcher
	if cfg.Daemon.WatchDevice {
		sup.OnStateChange(func(_, to daemon.State) {
			if to == daemon.Serving {
				watcher = watchDevice(sup, loop, log, rec)
			}
		})
	}

	loop.Post(func() {
		if err := sup.StartDriver(ctx); err != nil {
			log.Error("driver start failed", "error", err)
		}
	})

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("update check panic", "error", r)
			}
		}()
		update.Check(ctx, log, cfg.Daemon.UpdateManifestURL, ver)
	}()

	code := loop.Run(ctx)
	if watcher != nil {
		watcher.Close()
	}
	log.Info("ozwdaemon exiting", "status", code)
	return code, nil
}

// recordController publishes the serving controller's library version.
func recordController(sup *daemon.Supervisor, log *slog.Logger, rec *metrics.Recorder) {
	err := sup.Exec(func(d driver.Driver) error {
		zd, ok := d.(*zwave.Driver)
		if !ok {
			return nil
		}
		v := zd.Version()
		rec.SetController(v.Library, v.LibraryType)
		return nil
	})
	if err != nil {
		log.Debug("controller version unavailable", "error", err)
	}
}

// watchDevice requests shutdown when the controller's device node goes
// away. It runs on the loop goroutine once the driver is serving.
func watchDevice(sup *daemon.Supervisor, loop *eventloop.Loop, log *slog.Logger, rec *metrics.Recorder) *devwatch.Watcher {
	port := sup.Controller().Port()
	w, err := devwatch.New(port, log.With("component", "devwatch"))
	if err != nil {
		log.Warn("not watching serial device", "port", port, "error", err)
		return nil
	}
	if w.Polling() {
		log.Info("using polling mode for device watching", "port", port)
	}
	go func() {
		select {
		case <-w.Removed():
			log.Warn("serial device removed, shutting down", "port", port)
			rec.IncDeviceRemoved()
			sup.RequestShutdown()
		case <-loop.Exiting():
		}
	}()
	return w
}
