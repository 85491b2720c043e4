// Command atem-proxy runs the hosted ATEM camera-control-and-tally proxy:
// one UDP socket serving many camera/tally peers, relayed to a single
// upstream ATEM switcher connection.
//
// Flag and config-file layering uses cobra for the command tree and koanf
// (via internal/proxy/config) for file/env layering underneath, with CLI
// flags applied last as the final override, so the bare -l/-r/-p options
// work standalone without a config file. The addressing flag is named -s
// rather than -h: cobra reserves -h for --help, so the switcher address
// flag is remapped rather than fighting cobra's default help binding.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/client"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/clock"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/wire"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/proxy/cache"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/proxy/config"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/proxy/metrics"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/proxy/server"
)

type flags struct {
	configPath   string
	listenAddr   string
	switcherAddr string
	sessionLimit int
	retransmitMs int
	pingMs       int
}

func main() {
	var f flags
	root := &cobra.Command{
		Use:   "atem-proxy",
		Short: "Relay ATEM camera-control-and-tally traffic between one switcher and many peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &f)
		},
	}
	root.Flags().StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file")
	root.Flags().StringVarP(&f.listenAddr, "listen", "a", "", "downstream UDP listen address (overrides config)")
	root.Flags().StringVarP(&f.switcherAddr, "switcher", "s", "", "upstream ATEM switcher address, host:port (overrides config)")
	root.Flags().IntVarP(&f.sessionLimit, "limit", "l", 0, "maximum concurrent sessions, 0 = use config")
	root.Flags().IntVarP(&f.retransmitMs, "retransmit", "r", 0, "retransmit interval in ms, 0 = use config")
	root.Flags().IntVarP(&f.pingMs, "ping", "p", 0, "ping interval in ms, 0 = use config")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("atem-proxy exited with error")
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.LoadRaw(f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f.listenAddr != "" {
		cfg.Listen.Addr = f.listenAddr
	}
	if f.switcherAddr != "" {
		cfg.Listen.SwitcherAddr = f.switcherAddr
	}
	if f.sessionLimit != 0 {
		cfg.Timing.SessionLimit = f.sessionLimit
	}
	if f.retransmitMs != 0 {
		cfg.Timing.RetransmitIntervalMs = f.retransmitMs
	}
	if f.pingMs != 0 {
		cfg.Timing.PingIntervalMs = f.pingMs
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := newLogger(cfg.Log)
	runID := uuid.New().String()
	log = log.WithField("run_id", runID)
	log.WithFields(logrus.Fields{
		"listen":   cfg.Listen.Addr,
		"switcher": cfg.Listen.SwitcherAddr,
	}).Info("starting atem-proxy")

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	cmdCache := cache.New(cfg.Cache.MaxCommands)
	if cfg.Cache.SnapshotPath != "" {
		if err := cmdCache.LoadFile(cfg.Cache.SnapshotPath); err != nil {
			log.WithError(err).Warn("could not restore cache snapshot, starting empty")
		}
	}

	srv, err := server.New(cfg, clock.System{}, log.WithField("component", "server"), collector, cmdCache)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	// A camera/tally peer can push a command upstream (e.g. CCdP) via its
	// ACKREQ payload, but client.Session exposes no outbound send path for
	// arbitrary commands today — only the handshake and receive side are
	// implemented — so it is logged rather than relayed. See DESIGN.md.
	upstreamLog := log.WithField("component", "upstream-command")
	srv.OnUpstreamCommand = func(cmd wire.Command) {
		upstreamLog.WithField("name", cmd.Name).Warn("downstream command not relayed upstream: no outbound path on client.Session")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})

	g.Go(func() error {
		return runMetricsServer(ctx, cfg.Metrics.Addr, cfg.Metrics.Path, reg, log.WithField("component", "metrics"))
	})

	g.Go(func() error {
		return runSwitcherPump(ctx, srv, cfg.Listen.SwitcherAddr, log.WithField("component", "switcher"))
	})

	g.Go(func() error {
		<-ctx.Done()
		srv.BeginClosing()
		return srv.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	if cfg.Cache.SnapshotPath != "" {
		if err := cmdCache.SaveFile(cfg.Cache.SnapshotPath); err != nil {
			log.WithError(err).Warn("could not persist cache snapshot")
		}
	}
	log.Info("atem-proxy shut down cleanly")
	return nil
}

func newLogger(cfg config.LogConfig) *logrus.Entry {
	l := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		l.SetLevel(level)
	}
	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(l)
}

func runMetricsServer(ctx context.Context, addr, path string, reg *prometheus.Registry, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("serving metrics")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// runSwitcherPump owns the single upstream client.Session and forwards every
// command it receives to Broadcast, redialing on drop. Commands pushed the
// other way (OnUpstreamCommand, e.g. a camera's CCdP request) have no
// outbound path on client.Session today — Session exposes only the receive
// side of the handshake — so they are logged, not relayed; see DESIGN.md.
func runSwitcherPump(ctx context.Context, srv *server.Server, addr string, log *logrus.Entry) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sess, err := client.Dial(addr, clock.System{}, log)
		if err != nil {
			log.WithError(err).Warn("failed to dial switcher, retrying in 1s")
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		pumpSwitcherSession(ctx, srv, sess, log)
		sess.Close()
	}
}

func pumpSwitcherSession(ctx context.Context, srv *server.Server, sess *client.Session, log *logrus.Entry) {
	for {
		if ctx.Err() != nil {
			return
		}
		cmd, status, err := sess.Next(time.Second)
		if err != nil {
			log.WithError(err).Warn("switcher session error, reconnecting")
			return
		}
		switch status {
		case client.StatusCommand:
			c := cmd
			srv.Dispatch(func() { srv.Broadcast(c) })
		case client.StatusRejected, client.StatusClosing, client.StatusClosed:
			log.WithField("status", status).Warn("switcher session ended, reconnecting")
			return
		}
	}
}
