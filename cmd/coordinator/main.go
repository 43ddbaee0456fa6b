package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"meshwatch/internal/config"
	"meshwatch/internal/eventbus"
	"meshwatch/internal/hub"
	"meshwatch/internal/metrics"
	"meshwatch/internal/probe"
	"meshwatch/internal/protocol"
	"meshwatch/internal/registry"
	"meshwatch/internal/scheduler"
	"meshwatch/internal/server"
	"meshwatch/internal/stats"
	"meshwatch/internal/sysinfo"
)

func main() {
	cfg, err := config.LoadCoordinator()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	log := logrus.NewEntry(logger)
	log.WithFields(logrus.Fields{"version": cfg.Version, "listen": cfg.ListenAddr}).Info("Starting coordinator")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("Coordinator failed")
	}
	log.Info("Coordinator stopped")
}

func run(ctx context.Context, cfg *config.Coordinator, log *logrus.Entry) error {
	m := metrics.New()
	defer m.Close()

	// The probe layer is where platform-specific mesh tooling plugs in;
	// the no-op implementations keep the coordinator useful on hosts
	// without a mesh interface.
	netProbe := probe.NopNetworkProbe{}
	overlayProbe := probe.NopOverlayProbe{}
	access := probe.NopAccessControl{}

	reg := registry.New(netProbe, access, registry.Config{
		OfflineThreshold: cfg.OfflineThreshold,
		ProbeTimeout:     cfg.ProbeTimeout,
	}, m, log)

	agg := stats.New(netProbe, overlayProbe, sysinfo.Collect, log)

	hubCfg := hub.DefaultConfig()
	hubCfg.IdleTimeout = cfg.SessionIdleTimeout
	h := hub.New(reg, agg, hubCfg, m, log)

	srv := server.New(cfg.ListenAddr, reg, agg, h, cfg.Version, log)
	h.SetStatusFunc(srv.Status)

	bus, err := eventbus.Connect(cfg.NATSURL, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	sched := scheduler.New(m, log)
	sched.Add(scheduler.Task{
		Name:     "discovery-health",
		Interval: cfg.DiscoveryInterval,
		Run: func(ctx context.Context) error {
			return discoveryCycle(ctx, reg, netProbe, overlayProbe, h, bus, log)
		},
	})
	sched.Add(scheduler.Task{
		Name:     "stats",
		Interval: cfg.StatsInterval,
		Run: func(ctx context.Context) error {
			snap := agg.Collect(ctx)
			h.BroadcastStats()
			h.BroadcastTopology()
			h.BroadcastGateway()
			bus.Publish(eventbus.SubjectStats, snap)
			return nil
		},
	})
	sched.Add(scheduler.Task{
		Name:     "access-sweep",
		Interval: cfg.SweepInterval,
		Run:      reg.SweepAccess,
	})
	sched.Add(scheduler.Task{
		Name:     "session-reaper",
		Interval: time.Minute,
		Run:      h.ReapIdle,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error {
		if err := sched.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h.Shutdown(shutdownCtx)

	return err
}

// discoveryCycle is one pass of the discovery and health task: merge
// freshly discovered neighbors and overlay peers, advance the health
// state machine and fan resulting changes out to observers and the
// event bus.
func discoveryCycle(
	ctx context.Context,
	reg *registry.Registry,
	netProbe probe.NetworkProbe,
	overlayProbe probe.OverlayProbe,
	h *hub.Hub,
	bus *eventbus.Bus,
	log *logrus.Entry,
) error {
	neighbors, err := netProbe.ListNeighbors(ctx)
	if err != nil {
		log.WithError(err).Debug("Neighbor listing failed")
	}
	peers, err := overlayProbe.ListPeers(ctx)
	if err != nil {
		log.WithError(err).Debug("Overlay peer listing failed")
	}
	reg.Discover(neighbors, peers)

	transitions := reg.RefreshHealth(ctx)
	if len(transitions) == 0 {
		return nil
	}

	h.BroadcastNodes()
	for _, t := range transitions {
		alert := protocol.Alert{
			NodeID:   t.NodeID,
			Severity: severityFor(t.To),
			From:     t.From,
			To:       t.To,
			Message:  "node " + t.NodeID + " is now " + string(t.To),
		}
		if t.To == protocol.StateBlocked {
			h.BroadcastSecurityAlert(alert)
		} else {
			h.BroadcastAlert(alert)
		}
		bus.Publish(eventbus.SubjectTransitions, t)
		bus.Publish(eventbus.SubjectAlerts, alert)
	}
	return nil
}

func severityFor(state protocol.NodeState) string {
	switch state {
	case protocol.StateOffline, protocol.StateError:
		return "critical"
	case protocol.StateWarning, protocol.StateBlocked:
		return "warning"
	default:
		return "info"
	}
}
