// Command dsepd is the Dynamic Script Engine Plugin daemon: it accepts
// one TCP connection from the host, maintains the instance/engine
// registry, and evaluates scripts on press/release/update/repeat per
// spec §4.5.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/mpaperno/DSEP4TP-sub000/internal/config"
	"github.com/mpaperno/DSEP4TP-sub000/internal/connectorstore"
	"github.com/mpaperno/DSEP4TP-sub000/internal/filewatch"
	"github.com/mpaperno/DSEP4TP-sub000/internal/hostbridge"
	"github.com/mpaperno/DSEP4TP-sub000/internal/logging"
	"github.com/mpaperno/DSEP4TP-sub000/internal/metrics"
	"github.com/mpaperno/DSEP4TP-sub000/internal/registry"
	"github.com/mpaperno/DSEP4TP-sub000/internal/scheduler"
	"github.com/mpaperno/DSEP4TP-sub000/internal/settings"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		stdoutLevel = flag.IntP("stdout", "s", int(logging.LevelInfo), "stdout log level (0=Debug..5=Off)")
		fileLevel   = flag.IntP("file", "f", int(logging.LevelOff), "log file level (0=Debug..5=Off)")
		jsFileLevel = flag.IntP("jsfile", "j", int(logging.LevelOff), "JS-console log file level (0=Debug..5=Off)")
		keep        = flag.IntP("keep", "k", 5, "number of rotated log files to keep (handed to an external rotator)")
		scriptsPath = flag.StringP("path", "p", "", "scripts base directory non-absolute script paths resolve against")
		rotateSize  = flag.StringP("rotate", "r", "", "log file size threshold that triggers rotation, e.g. 10MB (handed to an external rotator)")
		exitAfter   = flag.BoolP("exit", "x", false, "initialize, run settings-restore, then exit immediately (smoke-test mode)")
		tpHost      = flag.StringP("tphost", "t", hostbridge.DefaultAddr, "host address to accept the plugin connection on, HOST[:PORT]")
		settingsDir = flag.String("settings-dir", defaultSettingsDir(), "directory holding the persisted settings file")
		showVersion = flag.BoolP("version", "V", false, "print version and exit")
	)
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("dsepd version %s\n", version)
		return 0
	}
	// -k/--keep and -r/--rotate describe an external log-file rotator
	// (out of scope per spec.md); they are accepted and ignored here so
	// a wrapping supervisor can pass them through unconditionally.
	_ = keep
	_ = rotateSize

	var fileWriter, jsWriter io.Writer
	if logging.ParseLevel(*fileLevel) != logging.LevelOff {
		if f, err := openLogFile(*settingsDir, "dsepd.log"); err == nil {
			fileWriter = f
			defer f.Close()
		}
	}
	if logging.ParseLevel(*jsFileLevel) != logging.LevelOff {
		if f, err := openLogFile(*settingsDir, "dsepd-js.log"); err == nil {
			jsWriter = f
			defer f.Close()
		}
	}

	logger := logging.New(logging.Config{
		StdoutLevel: logging.ParseLevel(*stdoutLevel),
		FileLevel:   logging.ParseLevel(*fileLevel),
		JSFileLevel: logging.ParseLevel(*jsFileLevel),
		FileWriter:  fileWriter,
		JSWriter:    jsWriter,
	})
	log := logger.Stdout.WithField("component", "dsepd")

	proc := config.NewProcessState()
	if *scriptsPath != "" {
		proc.SetScriptsBaseDir(*scriptsPath)
	}

	store, err := connectorstore.Open(context.Background())
	if err != nil {
		log.WithError(err).Error("failed to open connector store")
		return 1
	}
	defer store.Close()
	reader, err := store.OpenReader(context.Background())
	if err != nil {
		log.WithError(err).Error("failed to open connector store reader")
		return 1
	}
	defer reader.Close()

	bridge := hostbridge.New(proc, store, log)
	reg := registry.New(proc, reader, bridge, bridge)
	defer reg.Shutdown()

	mtr := metrics.New()
	sched := scheduler.New(reg, proc, bridge, reg, log).WithMetrics(mtr)
	bridge.Attach(reg, sched)

	settingsPath := filepath.Join(*settingsDir, "dsepd-settings.yaml")
	store2, err := settings.Open(settingsPath)
	if err != nil {
		log.WithError(err).Warn("failed to open settings file, starting with empty settings")
		store2, _ = settings.Open(filepath.Join(os.TempDir(), "dsepd-settings.yaml"))
	}
	settingsMgr := settings.NewManager(store2, reg, proc, log)
	bridge.WithSettingsSink(settingsMgr)
	if plugin := store2.Plugin(); plugin.DefaultRepeatRateMs > 0 {
		proc.SetDefaultRepeatRateMs(plugin.DefaultRepeatRateMs)
	}
	if plugin := store2.Plugin(); plugin.DefaultRepeatDelayMs > 0 {
		proc.SetDefaultRepeatDelayMs(plugin.DefaultRepeatDelayMs)
	}
	if plugin := store2.Plugin(); plugin.ScriptsBaseDir != "" && *scriptsPath == "" {
		proc.SetScriptsBaseDir(plugin.ScriptsBaseDir)
	}
	settingsMgr.RestoreAll()

	bridge.OnClose(func() {
		if err := settingsMgr.SaveAll(reg.Instances()); err != nil {
			log.WithError(err).Warn("failed to save settings on shutdown")
		}
	})

	if dir := proc.ScriptsBaseDir(); dir != "" {
		if watcher, err := filewatch.New(reg, sched, log); err == nil {
			if err := watcher.WatchDir(dir); err != nil {
				log.WithError(err).Warn("failed to watch scripts base directory")
			} else {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				watcher.Run(ctx)
			}
		} else {
			log.WithError(err).Warn("failed to start file watcher")
		}
	}

	if *exitAfter {
		log.Info("exit flag set, shutting down after initialization")
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("signal received, shutting down")
		cancel()
	}()

	go sampleGauges(ctx, mtr, reg)

	log.WithField("addr", *tpHost).Info("listening for host connection")
	if err := bridge.ListenAndServe(ctx, *tpHost); err != nil {
		log.WithError(err).Error("host bridge exited with error")
		return 1
	}
	return 0
}

// sampleGauges periodically refreshes the ActiveTimers/EngineCount/
// InstanceCount gauges from the registry. These are sampled rather than
// incremented/decremented inline because the repeat-timer stop
// conditions (Release, max-repeat-count, repeater-id invalidation) have
// too many independent exit points to pair reliably with an Inc/Dec.
func sampleGauges(ctx context.Context, mtr *metrics.Registry, reg *registry.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mtr.InstanceCount.Set(float64(len(reg.Instances())))
			engines := reg.Engines()
			mtr.EngineCount.Set(float64(len(engines)))
			var timers int
			for _, e := range engines {
				timers += e.Timers.Count()
			}
			mtr.ActiveTimers.Set(float64(timers))
		case <-ctx.Done():
			return
		}
	}
}

// openLogFile opens name under dir for append, creating dir if needed.
// Rotation itself is out of scope (spec.md "Out of scope" list); this
// just hands logrus a plain growing file.
func openLogFile(dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

func defaultSettingsDir() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "."
	}
	return filepath.Join(dir, "dsepd")
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `dsepd - Dynamic Script Engine Plugin daemon

Usage:
  dsepd [flags]

Flags:
`)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nExit code 0 on graceful shutdown.\n")
}
