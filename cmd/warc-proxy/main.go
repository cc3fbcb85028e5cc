package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/fidiego/warc-proxy/pkg/addons"
	"github.com/fidiego/warc-proxy/pkg/affinity"
	"github.com/fidiego/warc-proxy/pkg/capture"
	"github.com/fidiego/warc-proxy/pkg/config"
	"github.com/fidiego/warc-proxy/pkg/logger"
	"github.com/fidiego/warc-proxy/pkg/metrics"
	"github.com/fidiego/warc-proxy/pkg/proxy"
	"github.com/fidiego/warc-proxy/pkg/tui"
	"github.com/fidiego/warc-proxy/pkg/warc"
	"github.com/fidiego/warc-proxy/pkg/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type flags struct {
	config     string
	listen     string
	output     string
	queueSize  int
	overflow   string
	filter     string
	webPort    int
	maxFlows   int
	noTUI      bool
	logLevel   string
	logFormat  string
	affinityDB string
	upstream   string
	routes     []string
}

func newRootCmd() *cobra.Command {
	fl := &flags{}
	cmd := &cobra.Command{
		Use:   "warc-proxy",
		Short: "HTTP proxy that archives every transaction to a WARC file",
		Long: `warc-proxy is an intercepting HTTP proxy. Every request/response pair
that passes through it is written to a WARC/1.0 file as a request record and
a response record, while the traffic itself is forwarded unchanged.

Config file (warc-proxy.yml) is loaded automatically from the current
directory. CLI flags override config file values.

Examples:
  # Forward proxy, archive to out.warc.gz
  warc-proxy -f out.warc.gz
  curl -x http://localhost:8000 http://example.com/

  # Only archive one site, fail fast when the writer falls behind
  warc-proxy --filter '~d example.com' --overflow fail

  # Reverse proxy in front of a local service
  warc-proxy --upstream http://localhost:8081

  # Print an example config file
  warc-proxy init`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, fl)
		},
	}

	bindFlags(cmd.Flags(), fl)
	cmd.AddCommand(newInitCmd(), newInspectCmd(), newVersionCmd())
	return cmd
}

func bindFlags(f *pflag.FlagSet, fl *flags) {
	f.StringVar(&fl.config, "config", "",
		"path to config file (default: warc-proxy.yml in current directory)")
	f.StringVar(&fl.listen, "listen", "",
		"proxy listen address (default: "+proxy.DefaultListenAddr+")")
	f.StringVarP(&fl.output, "output", "f", "",
		"WARC output file; .gz or .gzip writes gzip members (default: "+config.DefaultOutput+")")
	f.IntVar(&fl.queueSize, "queue-size", 0,
		"records that may wait for the writer (default: 1024)")
	f.StringVar(&fl.overflow, "overflow", "",
		`full-queue policy: "block" or "fail" (default: block)`)
	f.StringVar(&fl.filter, "filter", "",
		"only archive flows matching this filter expression (e.g. '~d example.com')")
	f.IntVar(&fl.webPort, "web-port", 0,
		"port for the web inspection UI (default: 8001; set to 0 to disable)")
	f.IntVar(&fl.maxFlows, "max-flows", 0,
		"maximum number of flows kept in memory for inspection (default: 1000)")
	f.BoolVar(&fl.noTUI, "no-tui", false,
		"disable the interactive terminal UI and log flows instead")
	f.StringVar(&fl.logLevel, "log-level", "",
		"log level: trace, debug, info, warn, error (default: info)")
	f.StringVar(&fl.logFormat, "log-format", "",
		`log format: "json" or "text" (default: json)`)
	f.StringVar(&fl.affinityDB, "affinity-db", "",
		"bbolt file the host affinity table is restored from and saved to")
	f.StringVar(&fl.upstream, "upstream", "",
		"single upstream target URL; switches to reverse-proxy mode")
	f.StringArrayVar(&fl.routes, "route", nil,
		"path-routed upstream in PREFIX=TARGET form; repeatable")
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Print an example warc-proxy.yml to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), config.Example())
			return err
		},
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "List the records in a WARC file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), args[0])
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "warc-proxy", version)
		},
	}
}

// inspect prints one line per record: type, ID, length and target URI.
func inspect(w io.Writer, path string) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	r, err := warc.NewReader(fh)
	if err != nil {
		return err
	}
	defer r.Close()

	counts := map[warc.RecordType]int{}
	total := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		total++
		counts[rec.Type]++
		fmt.Fprintf(w, "%-9s %s %8d %s\n", rec.Type, rec.ID, len(rec.Block), rec.TargetURI)
	}
	fmt.Fprintf(w, "%d records (%d request, %d response)\n", total, counts[warc.TypeRequest], counts[warc.TypeResponse])
	return nil
}

// loadConfig reads the explicit config path, or the default file if present.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		path = config.FindDefault(".")
	}
	if path == "" {
		return &config.Config{}, "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(fs *pflag.FlagSet, fl *flags, cfg *config.Config) error {
	if fs.Changed("listen") {
		cfg.Listen = fl.listen
	}
	if fs.Changed("output") {
		cfg.Output = fl.output
	}
	if fs.Changed("queue-size") {
		cfg.QueueSize = &fl.queueSize
	}
	if fs.Changed("overflow") {
		cfg.Overflow = fl.overflow
	}
	if fs.Changed("filter") {
		cfg.ArchiveFilter = fl.filter
	}
	if fs.Changed("web-port") {
		cfg.WebPort = &fl.webPort
	}
	if fs.Changed("max-flows") {
		cfg.MaxFlows = &fl.maxFlows
	}
	if fs.Changed("no-tui") {
		cfg.NoTUI = fl.noTUI
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = fl.logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = fl.logFormat
	}
	if fs.Changed("affinity-db") {
		cfg.AffinityDB = fl.affinityDB
	}

	// --upstream and --route replace the config file's upstreams.
	if fs.Changed("upstream") || fs.Changed("route") {
		cfg.Upstream = fl.upstream
		cfg.Upstreams = nil
		for _, r := range fl.routes {
			prefix, target, ok := strings.Cut(r, "=")
			if !ok || target == "" {
				return fmt.Errorf("invalid --route %q: expected PREFIX=TARGET", r)
			}
			cfg.Upstreams = append(cfg.Upstreams, config.UpstreamConfig{
				Name:   strings.TrimPrefix(prefix, "/"),
				Prefix: prefix,
				Target: target,
			})
		}
	}
	return nil
}

func run(cmd *cobra.Command, fl *flags) error {
	cfg, cfgPath, err := loadConfig(fl.config)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd.Flags(), fl, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	useTUI := !cfg.NoTUI && isTerminal()
	var logOut io.Writer = os.Stderr
	if useTUI {
		// The TUI owns the terminal; it shows sink failures in its title bar.
		logOut = io.Discard
	}
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, logOut)
	if cfgPath != "" {
		log.Info().Str("path", cfgPath).Msg("loaded config")
	}
	metrics.Register()

	match, err := cfg.ArchiveMatcher()
	if err != nil {
		return err
	}
	capOpts, err := cfg.CaptureOptions("warc-proxy/" + version)
	if err != nil {
		return err
	}
	capOpts.Logger = log.With().Str("component", "capture").Logger()

	// Nothing is served until the output file is open and locked.
	var guard capture.Guard
	sink, err := guard.Acquire(capOpts)
	if err != nil {
		return err
	}

	engine, err := proxy.New(cfg.ToOptions())
	if err != nil {
		_ = guard.Close()
		return fmt.Errorf("create engine: %w", err)
	}

	hosts := affinity.NewTable()
	var hostDB *affinity.BoltStore
	if cfg.AffinityDB != "" {
		if hostDB, err = restoreHosts(cfg.AffinityDB, hosts); err != nil {
			_ = guard.Close()
			return err
		}
	}

	engine.Addons().Add(addons.NewWarcAddon(sink, match, log.With().Str("component", "warc").Logger()))
	engine.Addons().Add(addons.NewAffinityAddon(hosts))
	if !useTUI {
		engine.Addons().Add(addons.NewLogAddon(log))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	opts := engine.Options()
	g.Go(func() error {
		log.Info().Str("addr", opts.ListenAddr).Str("output", sink.Path()).Msg("proxy listening")
		return engine.Start(ctx)
	})

	if opts.WebPort > 0 {
		srv := web.New(web.Options{
			Engine:  engine,
			Port:    opts.WebPort,
			Archive: sink,
			Hosts:   hosts,
			Logger:  log.With().Str("component", "web").Logger(),
		})
		g.Go(func() error { return srv.Start(ctx) })
	}

	if useTUI {
		g.Go(func() error {
			// Quitting the TUI stops the proxy.
			defer cancel()
			return tui.Run(ctx, tui.Options{Engine: engine, Archive: sink, Hosts: hosts, WebPort: opts.WebPort})
		})
	}

	runErr := g.Wait()
	closeErr := guard.Close()
	if hostDB != nil {
		closeErr = errors.Join(closeErr, saveHosts(hostDB, hosts, log))
	}
	return errors.Join(runErr, closeErr)
}

func restoreHosts(path string, hosts *affinity.Table) (*affinity.BoltStore, error) {
	db, err := affinity.Open(path)
	if err != nil {
		return nil, err
	}
	snap, err := db.Load()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	hosts.Restore(snap)
	return db, nil
}

func saveHosts(db *affinity.BoltStore, hosts *affinity.Table, log zerolog.Logger) error {
	err := db.Save(hosts.Snapshot())
	if err == nil {
		log.Info().Int("hosts", hosts.Len()).Msg("affinity table saved")
	}
	return errors.Join(err, db.Close())
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
