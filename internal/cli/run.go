// Package cli implements the shmcache command: an interactive shell and
// one-shot commands over a named shared cache.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shmcache/internal/logging"
	"github.com/calvinalkan/shmcache/pkg/region"
	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

var errUsage = errors.New("usage")

type globalFlags struct {
	fs *flag.FlagSet

	workDir     string
	configPath  string
	dir         string
	capacity    int
	ttl         string
	reset       bool
	base        bool
	sync        bool
	lockTimeout time.Duration
	logLevel    string
	logFormat   string
	help        bool
}

func newGlobalFlags() *globalFlags {
	g := &globalFlags{fs: flag.NewFlagSet("shmcache", flag.ContinueOnError)}

	fs := g.fs
	fs.SetInterspersed(false)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false

	fs.StringVarP(&g.dir, "dir", "d", "", "directory holding the backing file (default: temp dir)")
	fs.IntVarP(&g.capacity, "capacity", "c", 0, "bytes per region, fixed at creation")
	fs.StringVarP(&g.ttl, "ttl", "t", "", "default TTL for set, e.g. 30s or 90")
	fs.BoolVar(&g.reset, "reset", false, "clear all entries on open")
	fs.BoolVar(&g.base, "base", false, "open without expiration support")
	fs.BoolVar(&g.sync, "sync", false, "msync after every mutation")
	fs.DurationVar(&g.lockTimeout, "lock-timeout", 0, "max wait for the cache lock (default 5s)")
	fs.StringVar(&g.configPath, "config", "", "use specified config file")
	fs.StringVarP(&g.workDir, "cwd", "C", "", "run as if started in `dir`")
	fs.StringVar(&g.logLevel, "log-level", "", "trace, debug, info, warn, error, disabled")
	fs.StringVar(&g.logFormat, "log-format", "", "console or json")
	fs.BoolVarP(&g.help, "help", "h", false, "show help")

	return g
}

// apply layers explicitly set flags over cfg.
func (g *globalFlags) apply(cfg Config) (Config, error) {
	if g.fs.Changed("dir") {
		cfg.Dir = g.dir
	}

	if g.fs.Changed("capacity") {
		cfg.Capacity = g.capacity
	}

	if g.fs.Changed("ttl") {
		ttl, err := parseTTL(g.ttl)
		if err != nil {
			return Config{}, err
		}

		cfg.TTL = Duration(ttl)
	}

	if g.fs.Changed("base") {
		cfg.Base = g.base
	}

	if g.fs.Changed("sync") {
		cfg.Sync = g.sync
	}

	if g.fs.Changed("lock-timeout") {
		cfg.LockTimeout = Duration(g.lockTimeout)
	}

	if g.fs.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}

	if g.fs.Changed("log-format") {
		cfg.LogFormat = g.logFormat
	}

	return cfg, nil
}

// Run is the main entry point. Returns exit code.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string) int {
	flags := newGlobalFlags()

	err := flags.fs.Parse(args[1:])
	if err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, flags.fs)

		return 1
	}

	if flags.help {
		printUsage(out, flags.fs)

		return 0
	}

	positional := flags.fs.Args()
	if len(positional) == 0 {
		fprintln(errOut, "error: missing cache name")
		printUsage(errOut, flags.fs)

		return 1
	}

	name, rest := positional[0], positional[1:]

	var cmd *command

	if len(rest) > 0 {
		cmd = lookupCommand(rest[0])
		if cmd == nil || cmd.name() == "exit" {
			fprintln(errOut, "error: unknown command:", rest[0])
			printUsage(errOut, flags.fs)

			return 1
		}
	}

	workDir := flags.workDir
	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			fprintln(errOut, "error: cannot get working directory:", err)

			return 1
		}
	}

	cfg, _, err := LoadConfig(workDir, flags.configPath, env)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	cfg, err = flags.apply(cfg)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	if !filepath.IsAbs(cfg.Dir) {
		cfg.Dir = filepath.Join(workDir, cfg.Dir)
	}

	logger, err := newLogger(cfg, env, errOut)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	o := NewIO(out, errOut)

	s, err := openSession(name, cfg, flags.reset, &logger)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	ctx := context.Background()

	if cmd == nil {
		err = runREPL(ctx, s, o, in, historyFile(cfg, env))
	} else {
		err = cmd.run(ctx, s, o, rest[1:])
	}

	closeErr := s.Close()

	if err != nil {
		fprintln(errOut, "error:", err)

		if cmd != nil && errors.Is(err, errUsage) {
			fprintln(errOut, "usage:", cmd.usage)
		}

		return 1
	}

	if closeErr != nil {
		o.Warn("close %s: %v", name, closeErr)
	}

	return o.Finish()
}

// newLogger builds the CLI logger: defaults, then config file, then
// SHMCACHE_LOG_* environment, then flags (already folded into cfg).
func newLogger(cfg Config, env map[string]string, errOut io.Writer) (zerolog.Logger, error) {
	lcfg := logging.FromEnv(logging.DefaultConfig(), func(k string) string { return env[k] })
	lcfg.Out = errOut

	if cfg.LogLevel != "" {
		level, err := logging.ParseLevel(cfg.LogLevel)
		if err != nil {
			return zerolog.Logger{}, err
		}

		lcfg.Level = level
	}

	if cfg.LogFormat != "" {
		format, err := logging.ParseFormat(cfg.LogFormat)
		if err != nil {
			return zerolog.Logger{}, err
		}

		lcfg.Format = format
	}

	return logging.New(lcfg), nil
}

func historyFile(cfg Config, env map[string]string) string {
	if cfg.History != "" {
		return cfg.History
	}

	home := env["HOME"]
	if home == "" {
		return ""
	}

	return filepath.Join(home, ".shmcache_history")
}

func writebackMode(sync bool) region.WritebackMode {
	if sync {
		return region.WritebackSync
	}

	return region.WritebackNone
}

func cacheOptions(name string, cfg Config, reset bool, logger *zerolog.Logger) shmcache.Options {
	return shmcache.Options{
		Name:        name,
		Dir:         cfg.Dir,
		Capacity:    cfg.Capacity,
		DefaultTTL:  time.Duration(cfg.TTL),
		ForceReset:  reset,
		Writeback:   writebackMode(cfg.Sync),
		LockTimeout: time.Duration(cfg.LockTimeout),
		Logger:      logger,
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fprintln(w, `shmcache - process-shared key-value cache

Usage:
  shmcache [flags] <name>                 Start an interactive shell
  shmcache [flags] <name> <cmd> [args]    Run one command and exit

The backing file is removed when the last attached process exits, so
one-shot commands only persist while another handle is attached.

Flags:`)

	var buf strings.Builder

	fs.SetOutput(&buf)
	fs.PrintDefaults()
	fs.SetOutput(io.Discard)

	_, _ = io.WriteString(w, buf.String())

	fprintln(w, "\nCommands:")

	for _, c := range commandTable() {
		fprintln(w, c.helpLine())
	}
}
