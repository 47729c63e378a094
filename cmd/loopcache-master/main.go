// Command loopcache-master runs the authoritative ring holder: the admin
// mutation surface, the node health probe, and the text stats endpoint.
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
	"github.com/LoopLLC/LoopCache-sub001/internal/master"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config-file", "", "path to a YAML config file (optional; flags below are used otherwise)")
	host := flag.String("host", "0.0.0.0", "bind host")
	port := flag.Uint("port", 7000, "bind port")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	maxConns := flag.Int("max-concurrent-conns", 256, "maximum concurrent client connections")
	pushConcurrency := flag.Int("push-concurrency", 8, "maximum concurrent ChangeConfig pushes")
	metricsAddr := flag.String("metrics-addr", ":9100", "bind address for the Prometheus /metrics endpoint (empty disables it)")
	flag.Parse()

	logger := logging.New(*logLevel)

	bindHost, bindPort := *host, uint32(*port)
	if *configFile != "" {
		f, err := config.Load(*configFile)
		if err != nil {
			level.Error(logger).Log("msg", "failed to load config file", "err", err)
			return 1
		}
		if f.Role != config.RoleMaster {
			level.Error(logger).Log("msg", "config file role is not master", "role", f.Role)
			return 1
		}
		bindHost, bindPort = f.Master.Host, f.Master.Port
	}

	reg := prometheus.NewRegistry()
	m := master.New(master.Config{PushConcurrency: *pushConcurrency}, logger, reg)

	if *metricsAddr != "" {
		metricsSrv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				level.Error(logger).Log("msg", "metrics server exited with error", "err", err)
			}
		}()
		level.Info(logger).Log("msg", "metrics listening", "addr", *metricsAddr)
	}

	addr := fmt.Sprintf("%s:%d", bindHost, bindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		level.Error(logger).Log("msg", "failed to bind", "addr", addr, "err", err)
		return 1
	}
	level.Info(logger).Log("msg", "master listening", "addr", addr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go m.RunProbe(ctx)

	if err := m.Serve(ctx, ln, *maxConns); err != nil {
		level.Error(logger).Log("msg", "serve exited with error", "err", err)
		return 1
	}
	level.Info(logger).Log("msg", "master stopped cleanly")
	return 0
}
