// Command loopcache-node runs a data node: the LRU storage engine, the
// migration engine, and the server loop that speaks the wire protocol to
// clients, the master, and peer nodes.
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

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LoopLLC/LoopCache-sub001/internal/config"
	"github.com/LoopLLC/LoopCache-sub001/internal/logging"
	"github.com/LoopLLC/LoopCache-sub001/internal/node"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config-file", "", "path to a YAML config file (optional; flags below are used otherwise)")
	host := flag.String("host", "0.0.0.0", "bind host")
	port := flag.Uint("port", 7100, "bind port")
	maxBytes := flag.Uint64("max-bytes", 1<<30, "byte budget for this node's cache")
	masterAddr := flag.String("master-address", "127.0.0.1:7000", "host:port of the master")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	maxConns := flag.Int("max-concurrent-conns", 256, "maximum concurrent client connections")
	migrationQueueSize := flag.Int("migration-queue-size", 1024, "outbound migration handoff queue depth")
	migrationWorkers := flag.Int("migration-workers", 4, "outbound migration sender worker count")
	metricsAddr := flag.String("metrics-addr", ":9101", "bind address for the Prometheus /metrics endpoint (empty disables it)")
	flag.Parse()

	logger := logging.New(*logLevel)

	cfg := node.Config{
		Host:               *host,
		Port:               uint32(*port),
		MaxBytes:           *maxBytes,
		MasterAddress:      *masterAddr,
		MigrationQueueSize: *migrationQueueSize,
		MigrationWorkers:   *migrationWorkers,
		MaxConcurrentConns: *maxConns,
	}
	if *configFile != "" {
		f, err := config.Load(*configFile)
		if err != nil {
			level.Error(logger).Log("msg", "failed to load config file", "err", err)
			return 1
		}
		if f.Role != config.RoleNode {
			level.Error(logger).Log("msg", "config file role is not node", "role", f.Role)
			return 1
		}
		cfg.Host = f.Node.Host
		cfg.Port = f.Node.Port
		cfg.MaxBytes = f.Node.MaxBytes
		cfg.MasterAddress = f.Node.MasterAddress
	}

	reg := prometheus.NewRegistry()
	n := node.New(cfg, logger, reg)

	if *metricsAddr != "" {
		metricsSrv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				level.Error(logger).Log("msg", "metrics server exited with error", "err", err)
			}
		}()
		level.Info(logger).Log("msg", "metrics listening", "addr", *metricsAddr)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		level.Error(logger).Log("msg", "failed to bind", "addr", addr, "err", err)
		return 1
	}
	level.Info(logger).Log("msg", "node listening", "addr", addr, "master", cfg.MasterAddress)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n.Start()
	go n.RunHeartbeat(ctx)

	if err := n.Serve(ctx, ln); err != nil {
		level.Error(logger).Log("msg", "serve exited with error", "err", err)
		return 1
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), node.ShutdownGracePeriod)
	defer stopCancel()
	if err := n.Stop(stopCtx); err != nil {
		level.Error(logger).Log("msg", "error during shutdown", "err", err)
		return 1
	}
	level.Info(logger).Log("msg", "node stopped cleanly")
	return 0
}
