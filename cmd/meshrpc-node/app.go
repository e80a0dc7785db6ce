package main

import (
    "net/http"
    "os"
    "os/signal"
    "syscall"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"

    "meshrpc/pkg/config"
    "meshrpc/pkg/nodes"
    "meshrpc/pkg/observability"
    "meshrpc/pkg/protocol"
    "meshrpc/pkg/registry"
    "meshrpc/pkg/transit"
    "meshrpc/pkg/transport/mem"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("meshrpc-node started",
        zap.String("app", cfg.AppName), zap.String("node", cfg.NodeID))
    zap.L().Info("effective configuration", zap.Any("config", cfg))

    local := nodes.NewLocalNode(cfg.NodeID, map[string]any{"app": cfg.AppName})
    catalog := nodes.New(local, nodes.WithLiveness(cfg.NodeLiveness()))
    reg := registry.New(cfg.NodeID)

    format := protocol.FormatJSON
    if cfg.Codec == "cbor" {
        format = protocol.FormatCBOR
    }
    bus := mem.NewBus(mem.WithFormat(format), mem.WithPrefix(cfg.Namespace))

    var metrics *observability.TransitMetrics
    if cfg.MetricsAddr != "" {
        promReg := prometheus.NewRegistry()
        metrics = observability.NewTransitMetrics(promReg)
        go serveMetrics(cfg.MetricsAddr, promReg)
    }

    tr := transit.New(catalog, reg, bus.NewTransport(cfg.NodeID),
        transit.WithRequestTimeout(cfg.RequestTimeout()),
        transit.WithTopicPrefix(cfg.Namespace),
        transit.WithMetrics(metrics))
    if err := tr.Connect(); err != nil {
        zap.L().Error("failed to connect transit", zap.Error(err))
        return 1
    }
    catalog.StartSweep()

    disc := transit.NewDiscoverer(tr, transit.WithInterval(cfg.HeartbeatInterval()))
    disc.Start()

    zap.L().Info("node is running; press Ctrl+C to exit")
    sig := make(chan os.Signal, 1)
    signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
    <-sig

    zap.L().Info("shutting down")
    disc.Stop()
    catalog.StopSweep()
    if err := tr.Disconnect(); err != nil {
        zap.L().Warn("transit disconnect failed", zap.Error(err))
    }
    return 0
}

func serveMetrics(addr string, reg *prometheus.Registry) {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
    zap.L().Info("metrics listening", zap.String("addr", addr))
    if err := http.ListenAndServe(addr, mux); err != nil {
        zap.L().Error("metrics server stopped", zap.Error(err))
    }
}
