/*
Dork - agent messaging and discovery substrate.
Copyright © 2025-2026 The Dork Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package dork implements the dork executable: configuration and
// directory bootstrap, logging setup and the lifecycle of the relay
// core, the mesh registry and the configured adapters.
package dork

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"

	"github.com/urfave/cli/v2"

	"github.com/dorklabs/dork/framework/config"
	"github.com/dorklabs/dork/framework/log"
	dorkcli "github.com/dorklabs/dork/internal/cli"
	"github.com/dorklabs/dork/internal/mesh"
	"github.com/dorklabs/dork/internal/relay"
	"github.com/dorklabs/dork/internal/relay/adapters"
)

// logTargets remembers the active -log value so SIGUSR1 can reopen the
// same targets after rotation.
var logTargets []string

func init() {
	config.StateDirectory = DefaultStateDirectory

	dorkcli.AddGlobalFlag(
		&cli.PathFlag{
			Name:    "config",
			Usage:   "Configuration file to use",
			EnvVars: []string{"DORK_CONFIG"},
			Value:   filepath.Join(ConfigDirectory, "dork.yml"),
		},
	)
	dorkcli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "Start the message bus daemon",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "enable debug logging early",
				Destination: &log.DefaultLogger.Debug,
			},
			&cli.StringSliceFlag{
				Name:  "log",
				Usage: "default logging target(s)",
				Value: cli.NewStringSlice("stderr"),
			},
			&cli.StringFlag{
				Name:  "debug.pprof",
				Usage: "enable live profiler HTTP endpoint and listen on the specified address",
			},
			&cli.IntFlag{
				Name:  "debug.blockprofrate",
				Usage: "set blocking profile rate",
			},
			&cli.IntFlag{
				Name:  "debug.mutexproffract",
				Usage: "set mutex profile fraction",
			},
		},
		Action: Run,
	})
	dorkcli.AddSubcommand(&cli.Command{
		Name:  "version",
		Usage: "Print version and build metadata, then exit",
		Action: func(c *cli.Context) error {
			fmt.Println(BuildInfo())
			return nil
		},
	})
}

// Run starts the daemon. It reads the configuration, initializes logging
// and directories and hands control to moduleMain until a termination
// signal arrives.
func Run(c *cli.Context) error {
	cfgPath := c.Path("config")
	cfg, err := config.Load(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Running without a configuration file uses the platform
		// defaults. Useful for local-first setups.
		def := config.Default()
		cfg = &def
	case err != nil:
		systemdStatusErr(err)
		return cli.Exit(fmt.Sprintf("Error: failed to load config: %v", err), 2)
	}

	targets := cfg.Log.Targets
	if c.IsSet("log") {
		targets = c.StringSlice("log")
	}
	out, err := log.ParseOutput(targets)
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	log.DefaultLogger.Out = out
	logTargets = targets
	if cfg.Log.Debug {
		log.DefaultLogger.Debug = true
	}

	initDebug(c)

	if err := InitDirs(cfg); err != nil {
		systemdStatusErr(err)
		return err
	}

	// Close whatever output is active at exit, not the one set now;
	// SIGUSR1 may have swapped it.
	defer func() {
		if log.DefaultLogger.Out != nil {
			log.DefaultLogger.Out.Close()
		}
	}()
	return moduleMain(c.Context, cfgPath, cfg)
}

func initDebug(c *cli.Context) {
	if endpoint := c.String("debug.pprof"); endpoint != "" {
		go func() {
			log.Println("listening on", "http://"+endpoint, "for profiler requests")
			log.Println("failed to listen on profiler endpoint:", http.ListenAndServe(endpoint, nil))
		}()
	}

	// These values can also be affected by environment so set them
	// only if the argument is specified.
	if fract := c.Int("debug.mutexproffract"); fract != 0 {
		runtime.SetMutexProfileFraction(fract)
	}
	if rate := c.Int("debug.blockprofrate"); rate != 0 {
		runtime.SetBlockProfileRate(rate)
	}
}

// InitDirs makes sure the state directory exists and is writable, then
// changes the working directory there so relative paths in the
// configuration resolve against it. The management CLI calls it too, so
// commands against a fresh system create the state layout instead of
// failing.
func InitDirs(cfg *config.Config) error {
	if config.StateDirectory == "" {
		config.StateDirectory = DefaultStateDirectory
	}

	stateDir := cfg.EffectiveStateDir()
	if !filepath.IsAbs(stateDir) {
		return errors.New("state_dir should be absolute")
	}
	if err := ensureDirectoryWritable(stateDir); err != nil {
		return err
	}
	if err := ensureDirectoryWritable(cfg.MailboxRootDir()); err != nil {
		return err
	}

	if err := os.Chdir(stateDir); err != nil {
		log.Println(err)
	}
	return nil
}

func ensureDirectoryWritable(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}

	testFile, err := os.Create(filepath.Join(path, "writeable-test"))
	if err != nil {
		return err
	}
	testFile.Close()
	return os.Remove(testFile.Name())
}

func reinitLogging() {
	if len(logTargets) == 0 {
		return
	}
	out, err := log.ParseOutput(logTargets)
	if err != nil {
		log.Println("failed to reinitialize logging:", err)
		return
	}
	// Swap first so concurrent writes never hit a closed target.
	prev := log.DefaultLogger.Out
	log.DefaultLogger.Out = out
	if prev != nil {
		prev.Close()
	}
}

// moduleMain assembles the daemon: the relay core, the mesh wired to it,
// the adapter registry and the configuration watcher. It blocks until a
// termination signal arrives, then tears everything down in reverse
// order.
func moduleMain(ctx context.Context, cfgPath string, cfg *config.Config) error {
	relayCore, err := relay.New(ctx, relay.Options{
		MailboxRoot: cfg.MailboxRootDir(),
		IndexPath:   cfg.RelayIndexPath(),
		Reliability: cfg.Relay.Reliability,
		SeedRules:   cfg.Relay.Access.Rules,
	})
	if err != nil {
		return err
	}

	meshCore, err := mesh.New(ctx, mesh.Options{
		RegistryPath: cfg.AgentRegistryPath(),
		Registrar:    relayCore,
		Rules:        relayCore,
		Signals:      relayCore.Signals(),
		Scan:         cfg.Mesh.Scan,
		Health:       cfg.Mesh.Health,
	})
	if err != nil {
		relayCore.Close()
		return err
	}

	adapterReg := adapters.New(relayCore)
	adapterReg.Load(cfg.Dir, cfg.Adapters)
	relayCore.AttachAdapters(adapterReg)

	watcher, err := config.Watch(cfgPath, log.DefaultLogger, func(next *config.Config) {
		systemdStatus(sdReloading, "Applying configuration...")
		relayCore.ReloadConfig(next.Relay.Reliability)
		adapterReg.Load(next.Dir, next.Adapters)
		systemdStatus(sdReady, "Relaying messages...")
	})
	if err != nil {
		// Hot reload is best effort; the daemon runs fine without it.
		log.DefaultLogger.Error("config watch disabled", err, "path", cfgPath)
	}

	systemdStatus(sdReady, "Relaying messages...")
	handleSignals()
	systemdStatus(sdStopping, "Waiting for deliveries to complete...")

	if watcher != nil {
		watcher.Close()
	}
	if err := adapterReg.Shutdown(); err != nil {
		log.DefaultLogger.Error("adapter shutdown failed", err)
	}
	if err := meshCore.Close(); err != nil {
		log.DefaultLogger.Error("mesh shutdown failed", err)
	}
	if err := relayCore.Close(); err != nil {
		log.DefaultLogger.Error("relay shutdown failed", err)
	}
	return nil
}
