package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ligustah/gulp/internal/app"
	"github.com/ligustah/gulp/internal/config"
)

// globalFlags are shared by every command. Zero values leave the configured
// setting alone.
type globalFlags struct {
	configPath   string
	envFile      string
	store        string
	downloadDirs []string
	logLevel     string
	logFormat    string
	network      string
}

type cli struct {
	flags globalFlags
	app   *app.App
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "gulp",
		Short: "Persistent, resumable HTTP download queue",
		Long: `gulp keeps a queue of HTTP downloads in a persistent store and fetches
them in the background. Interrupted downloads resume with conditional range
requests, and downloads can be paused, resumed, canceled and restarted.

Enqueue downloads with 'gulp enqueue', then process the queue with 'gulp run'.

Configuration is layered: built-in defaults, the YAML config file, a .env
file, GULP_* environment variables and finally command line flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch cmd.Name() {
			case "help", "completion":
				return nil
			}
			return c.open(cmd.Context())
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&c.flags.configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/gulp/config.yaml)")
	pf.StringVar(&c.flags.envFile, "env-file", ".env", "dotenv file to load")
	pf.StringVar(&c.flags.store, "store", "", "record store URL (sqlite://PATH, file://DIR, mem://, s3://..., gs://...)")
	pf.StringSliceVar(&c.flags.downloadDirs, "download-dir", nil, "download directory, repeatable")
	pf.StringVar(&c.flags.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&c.flags.logFormat, "log-format", "", "log format (console, json)")
	pf.StringVar(&c.flags.network, "network", "", "current network (none, mobile, wifi, ethernet)")

	root.AddCommand(
		newEnqueueCmd(c),
		newListCmd(c),
		newShowCmd(c),
		newControlCmd(c, "pause", "Pause downloads and keep their partial files", c.pause),
		newControlCmd(c, "resume", "Resume paused downloads", c.resume),
		newControlCmd(c, "cancel", "Cancel downloads and delete their partial files", c.cancel),
		newControlCmd(c, "remove", "Remove downloads and their files", c.remove),
		newControlCmd(c, "restart", "Restart completed or paused downloads from scratch", c.restart),
		newRunCmd(c),
	)
	return root
}

// loadConfig layers the configuration sources.
func (c *cli) loadConfig() (config.Config, error) {
	if err := config.LoadDotEnv(c.flags.envFile); err != nil {
		return config.Config{}, usageError{err}
	}

	cfg := config.Default()
	path, explicit := c.configPath()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		switch {
		case err == nil:
			cfg = loaded
		case !explicit && errors.Is(err, fs.ErrNotExist):
		default:
			return config.Config{}, usageError{err}
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, usageError{err}
	}

	cfg = cfg.Merge(config.Config{
		Store:        c.flags.store,
		DownloadDirs: c.flags.downloadDirs,
		Network:      config.NetworkConfig{Type: c.flags.network},
		Log: config.LogConfig{
			Level:  c.flags.logLevel,
			Format: c.flags.logFormat,
		},
	})
	return cfg, nil
}

func (c *cli) configPath() (string, bool) {
	if c.flags.configPath != "" {
		return c.flags.configPath, true
	}
	if v := os.Getenv("GULP_CONFIG"); v != "" {
		return v, true
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(dir, "gulp", "config.yaml"), false
}

func (c *cli) open(ctx context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return usageError{err}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return storageError{fmt.Errorf("open store: %w", err)}
	}
	c.app = a
	return nil
}

func (c *cli) close() {
	if c.app != nil {
		_ = c.app.Close()
		c.app = nil
	}
}

// usageArgs marks positional argument errors as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}
