package main

import (
	"fmt"
	"log/slog"
	"os"

	"go.uber.org/dig"

	archive "github.com/luhtfiimanal/go-shard-archive"
)

// config is what the command line and the environment resolve to.
type config struct {
	Dir     string
	EnvFile string
	Create  bool
	Verbose bool
	Options archive.Options
}

func loadConfig(c cliFlags) (config, error) {
	base := archive.DefaultOptions()
	base.ElementSize = c.element
	base.KeySize = c.key
	base.Shards = c.shards
	opts, err := archive.LoadOptionsFromEnv(c.envFile, base)
	if err != nil {
		return config{}, err
	}
	return config{Dir: c.dir, EnvFile: c.envFile, Create: c.create, Verbose: c.verbose, Options: opts}, nil
}

func newLogger(cfg config) *slog.Logger {
	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openArchive(cfg config, log *slog.Logger) (*archive.Archive, error) {
	opts := cfg.Options
	opts.Logger = log
	if cfg.Create {
		return archive.Create(cfg.Dir, opts)
	}
	if _, err := os.Stat(cfg.Dir); err != nil {
		return nil, fmt.Errorf("archive %s: %w", cfg.Dir, err)
	}
	return archive.Open(cfg.Dir, opts)
}

// run builds the container and invokes cmd with the opened archive. The
// archive is closed afterwards and its close error reported.
func run(flags cliFlags, cmd func(*archive.Archive, config) error) (err error) {
	container := dig.New()
	constructors := []interface{}{
		func() (config, error) { return loadConfig(flags) },
		newLogger,
		openArchive,
	}
	for _, c := range constructors {
		if err := container.Provide(c); err != nil {
			return err
		}
	}
	return container.Invoke(func(a *archive.Archive, cfg config) (err error) {
		defer func() {
			if cerr := a.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		return cmd(a, cfg)
	})
}
