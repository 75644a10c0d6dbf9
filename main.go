package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"kvs/client"
	"kvs/config"
	"kvs/server"
	"kvs/storage"
	"kvs/storage/boltstore"
	"kvs/storage/logstore"
	"kvs/worker"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]

	switch os.Args[1] {
	case "serve":
		os.Exit(serveCmd(args))
	case "set":
		os.Exit(setCmd(args))
	case "get":
		os.Exit(getCmd(args))
	case "rm":
		os.Exit(rmCmd(args))
	case "version", "-V", "--version":
		fmt.Println("kvs", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`kvs - log-structured key-value store

Usage:
  kvs <command> [arguments] [options]

Commands:
  serve             Run the server
  set KEY VALUE     Set the value of a key
  get KEY           Print the value of a key
  rm KEY            Remove a key
  version           Print the version

Examples:
  kvs serve -engine kvs -addr 127.0.0.1:4000
  kvs set language go
  kvs get language`)
}

// parseArgs parses flags that may appear before, between or after the
// positional arguments, which are returned in order.
func parseArgs(fs *flag.FlagSet, args []string) []string {
	var positional []string

	for {
		fs.Parse(args)
		args = fs.Args()

		if len(args) == 0 {
			return positional
		}

		positional = append(positional, args[0])
		args = args[1:]
	}
}

func newLogger(lvl string) log.Logger {
	var filter level.Option

	switch lvl {
	case "debug":
		filter = level.AllowDebug()
	case "warn":
		filter = level.AllowWarn()
	case "error":
		filter = level.AllowError()
	default:
		filter = level.AllowInfo()
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, filter)

	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func serveCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configFile := fs.String("config", "", "YAML config file")
	addr := fs.String("addr", config.DefaultAddr, "Listen address")
	engine := fs.String("engine", config.EngineKvs, "Storage engine (kvs or bolt)")
	dir := fs.String("dir", "", "Data directory (default current directory)")
	workers := fs.Int("workers", 0, "Connection worker pool size (default number of CPUs)")
	inline := fs.Bool("inline", false, "Serve connections one at a time without a worker pool")
	metricsAddr := fs.String("metrics-addr", "", "Address serving /metrics")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")

	if rest := parseArgs(fs, args); len(rest) > 0 {
		fmt.Fprintf(os.Stderr, "Unexpected argument: %s\n", rest[0])
		return 1
	}

	cfg := config.Default()

	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	// Flags given on the command line win over the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = *addr
		case "engine":
			cfg.Storage.Engine = *engine
		case "dir":
			cfg.Storage.Dir = *dir
		case "workers":
			cfg.Server.Workers = *workers
		case "inline":
			cfg.Server.Inline = *inline
		case "metrics-addr":
			cfg.Server.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Log.Level)

	if err := serve(logger, cfg); err != nil {
		level.Error(logger).Log("msg", "server failed", "err", err)
		return 1
	}

	return 0
}

func openEngine(logger log.Logger, registerer prometheus.Registerer, cfg config.Config) (storage.Engine, error) {
	if err := storage.ClaimDir(cfg.Storage.Dir, cfg.Storage.Engine); err != nil {
		return nil, err
	}

	switch cfg.Storage.Engine {
	case config.EngineBolt:
		return boltstore.Open(log.With(logger, "component", "boltstore"), cfg.Storage.Dir)
	default:
		return logstore.Open(log.With(logger, "component", "logstore"), registerer, cfg.Storage.Dir, cfg.LogstoreOptions())
	}
}

func serve(logger log.Logger, cfg config.Config) error {
	level.Info(logger).Log("msg", "starting kvs", "version", version, "engine", cfg.Storage.Engine, "dir", cfg.Storage.Dir, "addr", cfg.Server.Addr)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := openEngine(logger, registry, cfg)
	if err != nil {
		return errors.Wrap(err, "open engine")
	}
	defer engine.Close()

	var pool *worker.Pool
	if !cfg.Server.Inline {
		if pool, err = worker.NewPool(log.With(logger, "component", "worker"), registry, cfg.Server.Workers); err != nil {
			return err
		}
		defer pool.Close()
	}

	srv := server.New(log.With(logger, "component", "server"), registry, engine, pool)

	l, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.Server.Addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(l); !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})

	var metricsServer *http.Server

	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}

		g.Go(func() error {
			level.Info(logger).Log("msg", "serving metrics", "addr", cfg.Server.MetricsAddr)

			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		level.Info(logger).Log("msg", "shutting down")

		srv.Close()

		if metricsServer != nil {
			metricsServer.Close()
		}

		return nil
	})

	return g.Wait()
}

func clientFlags(name string, args []string, want int) (string, []string, bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	addr := fs.String("addr", config.DefaultAddr, "Server address")

	positional := parseArgs(fs, args)

	if len(positional) != want {
		fmt.Fprintf(os.Stderr, "Error: %s takes %d argument(s), got %d\n", name, want, len(positional))
		return "", nil, false
	}

	return *addr, positional, true
}

func setCmd(args []string) int {
	addr, pos, ok := clientFlags("set", args, 2)
	if !ok {
		return 1
	}

	c, err := client.Connect(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer c.Close()

	if err := c.Set(pos[0], pos[1]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return 0
}

func getCmd(args []string) int {
	addr, pos, ok := clientFlags("get", args, 1)
	if !ok {
		return 1
	}

	c, err := client.Connect(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer c.Close()

	value, found, err := c.Get(pos[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if !found {
		fmt.Println(storage.ErrKeyNotFound.Error())
		return 0
	}

	fmt.Println(value)

	return 0
}

func rmCmd(args []string) int {
	addr, pos, ok := clientFlags("rm", args, 1)
	if !ok {
		return 1
	}

	c, err := client.Connect(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer c.Close()

	if err := c.Remove(pos[0]); err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			fmt.Fprintln(os.Stderr, storage.ErrKeyNotFound.Error())
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}

	return 0
}
