// Package app wires configuration into a running download queue: logger,
// record store, control surface and, for the daemon, the engine with its
// worker, notifiers and metrics endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ligustah/gulp/internal/config"
	"github.com/ligustah/gulp/internal/destination"
	"github.com/ligustah/gulp/internal/engine"
	gulphttp "github.com/ligustah/gulp/internal/http"
	"github.com/ligustah/gulp/internal/logging"
	"github.com/ligustah/gulp/internal/metrics"
	"github.com/ligustah/gulp/internal/netpolicy"
	"github.com/ligustah/gulp/internal/notify"
	"github.com/ligustah/gulp/internal/queue"
	"github.com/ligustah/gulp/internal/store"
	"github.com/ligustah/gulp/internal/store/blobstore"
	"github.com/ligustah/gulp/internal/store/sqlitestore"
	"github.com/ligustah/gulp/internal/worker"
)

// App holds the long-lived dependencies shared by every command.
type App struct {
	Config  config.Config
	Logger  zerolog.Logger
	Store   store.Store
	Queue   *queue.Manager
	Monitor *netpolicy.StaticMonitor

	watch *watchTarget
	ctx   context.Context
}

// watchTarget is an on-disk location whose changes come from other
// processes sharing the store.
type watchTarget struct {
	dir   string
	match func(name string) bool
	feed  *store.Feed
}

// New validates cfg and opens the configured store.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.Log.Format
	logger := logging.New(logCfg)
	ctx = logging.WithContext(ctx, logger)

	networkType, err := netpolicy.ParseType(cfg.Network.Type)
	if err != nil {
		return nil, err
	}

	st, watch, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("store", cfg.Store).Msg("store opened")

	return &App{
		Config: cfg,
		Logger: logger,
		Store:  st,
		Queue:  queue.New(st),
		Monitor: netpolicy.NewStaticMonitor(netpolicy.Network{
			Type:    networkType,
			Roaming: cfg.Network.Roaming,
		}),
		watch: watch,
		ctx:   ctx,
	}, nil
}

// Ctx returns a context carrying the app logger.
func (a *App) Ctx() context.Context {
	return a.ctx
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// OpenStore opens the record store named by rawURL. sqlite://<path> selects
// the SQLite store; any other URL is opened as a gocloud.dev bucket.
func OpenStore(ctx context.Context, rawURL string) (store.Store, error) {
	st, _, err := openStore(ctx, rawURL)
	return st, err
}

func openStore(ctx context.Context, rawURL string) (store.Store, *watchTarget, error) {
	if path, ok := strings.CutPrefix(rawURL, "sqlite://"); ok {
		if path == "" {
			return nil, nil, errors.New("app: sqlite store needs a path")
		}
		st, err := sqlitestore.Open(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		base := filepath.Base(path)
		return st, &watchTarget{
			dir: filepath.Dir(path),
			match: func(name string) bool {
				return name == base || name == base+"-wal"
			},
			feed: st.Feed(),
		}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("app: parse store url: %w", err)
	}

	st, err := blobstore.Open(ctx, rawURL)
	if err != nil {
		return nil, nil, err
	}
	if u.Scheme != "file" {
		return st, nil, nil
	}

	dir := filepath.Join(filepath.FromSlash(u.Path), filepath.FromSlash(blobstore.Prefix))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("app: create store dir: %w", err)
	}
	return st, &watchTarget{
		dir:   dir,
		match: func(name string) bool { return strings.HasSuffix(name, ".json") },
		feed:  st.Feed(),
	}, nil
}

// RunOptions configures the daemon.
type RunOptions struct {
	// UntilIdle stops the daemon once nothing is pending or running.
	UntilIdle bool

	// MetricsAddr serves Prometheus metrics on /metrics when set.
	MetricsAddr string

	// Notifiers receive the active set next to the log and metrics
	// notifiers.
	Notifiers []notify.Notifier
}

// Worker builds the transfer worker from the configuration.
func (a *App) Worker() *worker.Worker {
	cfg := a.Config

	client := gulphttp.NewClient(gulphttp.Options{
		MaxIdleConnsPerHost: cfg.HTTP.MaxIdleConnsPerHost,
		HeaderTimeout:       cfg.HTTP.HeaderTimeout,
		UserAgent:           cfg.UserAgent,
	})
	resolver := destination.NewResolver(cfg.DownloadDirs, destination.WithCreateDirs(true))

	return worker.New(a.Store, client, a.Monitor, resolver, worker.Options{
		MaxRetries:          cfg.Retry.MaxRetries,
		MaxRedirects:        cfg.MaxRedirects,
		MinRetryAfter:       cfg.Retry.MinRetryAfter,
		MaxRetryAfter:       cfg.Retry.MaxRetryAfter,
		FirstDelay:          cfg.Retry.FirstDelay,
		BufferSize:          int(cfg.BufferSize),
		ProgressMinBytes:    cfg.Progress.MinBytes,
		ProgressMinInterval: cfg.Progress.MinInterval,
		Limits:              a.limits(),
		UserAgent:           cfg.UserAgent,
	})
}

func (a *App) limits() netpolicy.Limits {
	return netpolicy.Limits{
		MaxBytesOverMobile:         a.Config.Network.MaxBytesOverMobile,
		RecommendedBytesOverMobile: a.Config.Network.RecommendedBytesOverMobile,
	}
}

// Run runs the engine until ctx is done or, with UntilIdle, until the queue
// drains. It also watches an on-disk store for changes made by other gulp
// processes and serves metrics when asked to.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx = logging.WithContext(ctx, a.Logger)
	log := logging.FromContext(ctx)

	registry := prometheus.NewRegistry()
	notifiers := notify.Multi{notify.NewLog(a.Logger), metrics.New(registry)}
	notifiers = append(notifiers, opts.Notifiers...)

	engOpts := engine.Options{
		MaxConcurrent: a.Config.MaxConcurrent,
		MaxRetained:   a.Config.MaxRetained,
		Limits:        a.limits(),
		UntilIdle:     opts.UntilIdle,
	}
	if a.Config.SweepSpurious {
		engOpts.SweepDirs = a.Config.DownloadDirs
	}
	eng := engine.New(a.Store, a.Worker(), a.Monitor, notifiers, engOpts)

	// Helpers stop when the engine returns.
	helperCtx, stopHelpers := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(helperCtx)

	g.Go(func() error {
		defer stopHelpers()
		return eng.Run(gctx)
	})

	if a.watch != nil {
		g.Go(func() error {
			return store.WatchDir(gctx, a.watch.dir, a.watch.match, a.watch.feed)
		})
	}

	addr := opts.MetricsAddr
	if addr == "" {
		addr = a.Config.MetricsAddr
	}
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(registry))
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
