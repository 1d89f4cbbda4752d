package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/canvasrelay/internal/auth"
	"github.com/agentworkforce/canvasrelay/internal/config"
	"github.com/agentworkforce/canvasrelay/internal/docsync"
	"github.com/agentworkforce/canvasrelay/internal/eventlog"
	"github.com/agentworkforce/canvasrelay/internal/gateway"
	"github.com/agentworkforce/canvasrelay/internal/logging"
	"github.com/agentworkforce/canvasrelay/internal/membership"
	"github.com/agentworkforce/canvasrelay/internal/store"
)

const startupTimeout = 5 * time.Second

var errShutdownTimeout = errors.New("shutdown deadline exceeded")

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit code. serve
// stops when ctx is cancelled or the process is signalled.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "canvasrelay: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "canvasrelay",
		Short:         "Real-time sync, document persistence and signaling for canvas projects",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway",
		Long: `Run the websocket gateway.

Settings come from the optional --config YAML file and CANVASRELAY_*
environment variables, e.g. CANVASRELAY_AUTH_JWT_SECRET.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logs, err := logging.New().
				FromWriter(cmd.ErrOrStderr()).
				FromPath(cfg.Log.File).
				Level(cfg.Log.Level).
				Format(cfg.Log.Format).
				Make()
			if err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}
			defer logs.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()
			return run(ctx, cfg, logs.Logger, nil)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	return cmd
}

// run serves until ctx is cancelled, then shuts down within
// cfg.Server.ShutdownTimeout. ready, when set, receives the bound address.
func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, ready func(addr string)) error {
	st, err := store.BuildStoreFromDSN(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()
	if err := withTimeout(ctx, st.Ready); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}

	cache, err := docsync.BuildCacheFromDSN(cfg.Cache.DSN)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cache.Close()
	if err := withTimeout(ctx, cache.Ping); err != nil {
		return fmt.Errorf("cache unavailable: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Membership.SeedFile != "" {
		seed := membership.NewSeedFile(cfg.Membership.SeedFile, st, log)
		n, err := seed.Load(runCtx)
		if err != nil {
			return fmt.Errorf("failed to load seed file: %w", err)
		}
		log.Info().Int("projects", n).Str("path", cfg.Membership.SeedFile).Msg("seed file loaded")
		go func() {
			if err := seed.Watch(runCtx); err != nil {
				log.Error().Err(err).Msg("seed file watch stopped")
			}
		}()
	}

	var consumer *eventlog.Consumer
	consumerDone := make(chan struct{})
	if len(cfg.EventLog.Brokers) > 0 {
		opts := eventlog.Options{
			Brokers: cfg.EventLog.Brokers,
			GroupID: cfg.EventLog.GroupID,
			TLS:     cfg.EventLog.TLS,
			Logger:  log,
		}
		if err := withTimeout(ctx, func(ctx context.Context) error { return eventlog.Dial(ctx, opts) }); err != nil {
			return err
		}
		consumer, err = eventlog.NewConsumer(opts, membership.NewMirror(st, log))
		if err != nil {
			return err
		}
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(runCtx); err != nil {
				log.Error().Err(err).Msg("event log consumer stopped")
			}
		}()
	} else {
		close(consumerDone)
	}

	pipeline := docsync.NewPipeline(docsync.Options{
		Cache:    cache,
		Store:    st,
		TTL:      cfg.Cache.TTL,
		Debounce: cfg.DocSync.Debounce,
		Logger:   log,
	})
	gw, err := gateway.New(gateway.Options{
		Auth:            auth.NewAuthenticator(cfg.Auth.JWTSecret),
		Tree:            st,
		Guard:           membership.NewGuard(st),
		Documents:       pipeline,
		Logger:          log,
		SendQueue:       cfg.Server.SendQueue,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}
	srv := &http.Server{Handler: gw, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	log.Info().Str("addr", ln.Addr().String()).Msg("canvasrelay listening")
	if ready != nil {
		ready(ln.Addr().String())
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	return shutdown(shutdownCtx, log, srv, gw, consumer, consumerDone, cancel)
}

func shutdown(ctx context.Context, log zerolog.Logger, srv *http.Server, gw *gateway.Gateway, consumer *eventlog.Consumer, consumerDone <-chan struct{}, stopWorkers context.CancelFunc) error {
	var failed error
	if err := srv.Shutdown(ctx); err != nil {
		failed = errors.Join(failed, fmt.Errorf("http shutdown: %w", err))
	}
	if err := gw.Shutdown(ctx); err != nil {
		failed = errors.Join(failed, fmt.Errorf("gateway shutdown: %w", err))
	}
	stopWorkers()
	if consumer != nil {
		select {
		case <-consumerDone:
		case <-ctx.Done():
		}
		if err := consumer.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close event log consumer")
		}
	}
	if ctx.Err() != nil {
		failed = errors.Join(errShutdownTimeout, failed)
	}
	if failed != nil {
		log.Error().Err(failed).Msg("shutdown incomplete")
		return failed
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	return fn(ctx)
}
