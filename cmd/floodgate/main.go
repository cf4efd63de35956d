// floodgate — port-level traffic anomaly detection and mitigation for SDN switches.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	nethttp "net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/floodgate-sdn/floodgate/internal/anomaly"
	"github.com/floodgate-sdn/floodgate/internal/api"
	"github.com/floodgate-sdn/floodgate/internal/config"
	"github.com/floodgate-sdn/floodgate/internal/dataplane"
	"github.com/floodgate-sdn/floodgate/internal/events"
	"github.com/floodgate-sdn/floodgate/internal/history"
	"github.com/floodgate-sdn/floodgate/internal/logging"
	"github.com/floodgate-sdn/floodgate/internal/macvendor"
	"github.com/floodgate-sdn/floodgate/internal/metrics"
	"github.com/floodgate-sdn/floodgate/internal/mitigation"
	"github.com/floodgate-sdn/floodgate/internal/monitor"
	syslogfwd "github.com/floodgate-sdn/floodgate/internal/syslog"
	"github.com/floodgate-sdn/floodgate/internal/telemetry"
	"github.com/floodgate-sdn/floodgate/internal/topology"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/floodgate/config.toml", "path to configuration file")
	debugPort := flag.String("debug-port", "", "enable pprof debug server on this port (e.g. 6060)")
	flag.Parse()

	if *debugPort != "" {
		runtime.SetMutexProfileFraction(5)
		runtime.SetBlockProfileRate(1)
		go func() {
			addr := "127.0.0.1:" + *debugPort
			fmt.Fprintf(os.Stderr, "pprof debug server on http://%s/debug/pprof/\n", addr)
			if err := nethttp.ListenAndServe(addr, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server failed: %v\n", err)
			}
		}()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Server.LogLevel, cfg.Server.LogFormat, os.Stdout)
	logger.Info("floodgate starting",
		"config", *configPath,
		"version", version,
		"dataplane", cfg.Dataplane.Mode,
		"switches", len(cfg.Dataplane.Switches))

	metrics.ServerStartTime.SetToCurrentTime()
	metrics.ServerInfo.WithLabelValues(version).Set(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// State database: topology bindings and mitigation history
	db, err := bolt.Open(cfg.Server.StateDB, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		logger.Error("failed to open state database", "path", cfg.Server.StateDB, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Event bus and hooks
	bus := events.NewBus(cfg.Hooks.EventBufferSize, logger)
	go bus.Start()
	defer bus.Stop()

	hooks := events.NewDispatcher(bus, logger, cfg.Hooks.ScriptConcurrency, cfg.WebhookTimeout())
	for _, sc := range cfg.Hooks.ScriptConfigs() {
		hooks.AddScript(sc)
	}
	for _, wc := range cfg.Hooks.WebhookConfigs() {
		hooks.AddWebhook(wc)
	}
	hooks.Start()
	defer hooks.Stop()

	if cfg.Syslog.Enabled {
		fwd := syslogfwd.NewForwarder(cfg.Syslog, bus, logger)
		if err := fwd.Start(); err != nil {
			logger.Error("failed to start SIEM forwarder", "error", err)
		} else {
			defer fwd.Stop()
		}
	}

	hist, err := history.NewLog(db, bus, logger)
	if err != nil {
		logger.Error("failed to initialize mitigation history", "error", err)
		os.Exit(1)
	}
	go hist.Start()
	defer hist.Stop()
	logger.Info("mitigation history opened", "records", hist.Count())

	// Topology
	topoMap, err := topology.NewMap(db, logger)
	if err != nil {
		logger.Error("failed to initialize topology map", "error", err)
		os.Exit(1)
	}
	if cfg.Topology.VendorDB != "" {
		vendors, err := macvendor.LoadFile(cfg.Topology.VendorDB)
		if err != nil {
			logger.Warn("MAC vendor database unavailable", "error", err)
		} else {
			topoMap.SetVendorLookup(vendors)
			logger.Info("MAC vendor database loaded", "entries", vendors.Count())
		}
	}
	if cfg.Topology.Enabled && cfg.Topology.HostsFile != "" {
		if err := loadHosts(topoMap, cfg.Topology.HostsFile); err != nil {
			logger.Error("failed to load hosts file", "error", err)
			os.Exit(1)
		}
	}

	// Detection and mitigation
	table := anomaly.NewTable(anomaly.ParseScope(cfg.Detection.ActiveSetScope))
	fabric := dataplane.NewFabric(dataplane.WithAsyncReplies())

	disp := mitigation.NewDispatcher(fabric, table, bus, logger,
		mitigation.WithPriority(cfg.Mitigation.DropPriority),
		mitigation.WithExpiry(expiryPolicy(cfg)),
		mitigation.WithHostLabeler(topoMap),
	)

	sinks, err := openSinks(cfg.Telemetry, logger)
	if err != nil {
		logger.Error("failed to open telemetry sink", "error", err)
		os.Exit(1)
	}
	defer sinks.Close()

	engineOpts := []monitor.Option{
		monitor.WithSwitchObserver(topoMap),
		monitor.WithSink(sinks),
	}
	if cfg.Topology.Enabled {
		engineOpts = append(engineOpts, monitor.WithEdgeResolver(topoMap))
	} else {
		logger.Warn("topology disabled, every port is treated as an edge port")
	}
	engine := monitor.NewEngine(monitor.Config{
		Estimator: anomaly.NewEstimator(
			cfg.Detection.BaseThreshold,
			cfg.Detection.AdaptiveMargin,
			cfg.Detection.LowActivityFloor),
		StateMachine: anomaly.StateMachine{
			Base:            cfg.Detection.BaseThreshold,
			StrikeThreshold: cfg.Detection.StrikeThreshold,
		},
		PollInterval: cfg.PollInterval(),
	}, table, fabric, disp, bus, logger, engineOpts...)
	fabric.SetReplyHandler(engine.HandleReply)

	// Simulated dataplane
	for _, sw := range cfg.Dataplane.Switches {
		id := sw.DPID
		ports := make([]uint32, 0, len(sw.Ports))
		for _, p := range sw.Ports {
			ports = append(ports, p.No)
		}
		fabric.AddSwitch(id, ports...)
		for _, p := range sw.Ports {
			if err := fabric.SetRate(id, p.No, p.RxRate, p.TxRate); err != nil {
				logger.Warn("setting simulated port rate failed", "switch", events.SwitchHex(id), "port", p.No, "error", err)
			}
		}
		engine.SwitchConnected(id)
	}
	go fabric.Run(ctx, cfg.SimStep())

	// API server
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, table, disp, bus, logger,
			api.WithVersion(version),
			api.WithEngine(engine),
			api.WithTopologyMap(topoMap),
			api.WithHistory(hist),
		)
		ln, err := apiServer.Listen()
		if err != nil {
			logger.Error("failed to start API server", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := apiServer.Serve(ln); err != nil {
				logger.Error("API server failed", "error", err)
			}
		}()
	}

	engineDone := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(engineDone)
	}()

	logger.Info("floodgate ready",
		"poll_interval", cfg.PollInterval().String(),
		"base_threshold", cfg.Detection.BaseThreshold,
		"unblock_policy", disp.Policy().String(),
		"api", cfg.API.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, reloading hosts file and API users")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				logger.Error("failed to reload config", "error", err)
				continue
			}
			if newCfg.Topology.Enabled && newCfg.Topology.HostsFile != "" {
				if err := loadHosts(topoMap, newCfg.Topology.HostsFile); err != nil {
					logger.Error("failed to reload hosts file", "error", err)
					continue
				}
			}
			if apiServer != nil {
				apiServer.UpdateUsers(newCfg.API.Auth.Users)
			}
			logger.Info("configuration reloaded successfully")

		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("received shutdown signal", "signal", sig.String())

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			if apiServer != nil {
				apiServer.Stop(shutdownCtx)
			}

			// Stop polling before the sinks and bus go away
			cancel()
			select {
			case <-engineDone:
			case <-shutdownCtx.Done():
				logger.Warn("poll loop did not stop in time")
			}

			logger.Info("floodgate stopped", "blocked", len(table.Blocks()))
			return
		}
	}
}

func loadHosts(tm *topology.Map, path string) error {
	f, err := topology.LoadHostsFile(path)
	if err != nil {
		return err
	}
	_, err = tm.Apply(f, topology.SourceFile)
	return err
}

func expiryPolicy(cfg *config.Config) anomaly.ExpiryPolicy {
	if cfg.Mitigation.UnblockPolicy == "sweeps" {
		return anomaly.SweepPolicy(cfg.Mitigation.UnblockSweeps)
	}
	return anomaly.DurationPolicy(cfg.BlockDuration())
}

// openSinks opens every configured telemetry sink. A failed NATS connection
// is logged and skipped; a CSV file that cannot be opened is fatal.
func openSinks(cfg config.TelemetryConfig, logger *slog.Logger) (*telemetry.Multi, error) {
	var sinks []telemetry.Sink
	if cfg.CSVPath != "" {
		csvSink, err := telemetry.NewCSVSink(cfg.CSVPath, cfg.CSVAppend)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, csvSink)
		logger.Info("telemetry CSV sink opened", "path", cfg.CSVPath, "append", cfg.CSVAppend)
	}
	if cfg.NATSURL != "" {
		natsSink, err := telemetry.NewNATSSink(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			logger.Warn("telemetry NATS sink unavailable", "url", cfg.NATSURL, "error", err)
		} else {
			sinks = append(sinks, natsSink)
		}
	}
	return telemetry.NewMulti(logger, sinks...), nil
}
