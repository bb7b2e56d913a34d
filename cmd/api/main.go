package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"

	"go.uber.org/zap"

	"dnspick/internal/config"
	"dnspick/internal/health"
	"dnspick/internal/httpapi"
	"dnspick/internal/logging"
	"dnspick/internal/notify"
	"dnspick/internal/pipeline"
	"dnspick/internal/probe"
	"dnspick/internal/ranking"
	"dnspick/internal/repo"
	"dnspick/internal/repo/memory"
	"dnspick/internal/repo/postgres"
	"dnspick/internal/resolver"
	"dnspick/internal/scheduler"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.NewLogger(cfg.LogDir, os.Getenv("LOG_LEVEL"))
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	reg := health.NewRegistry(cfg.DNSServers, cfg.Health.Options(), cfg.Health.TierTable())
	res := resolver.New(logger, reg, nil)
	res.Workers = cfg.Test.DNSThreads
	res.FanOut = cfg.Test.DNSFanOut
	res.EnableIPv6 = cfg.Test.EnableIPv6

	prober := probe.NewEngine(logger, probe.DetectPinger(), &probe.NetProber{
		Port:         80,
		Duration:     cfg.Test.TestDuration,
		Connections:  cfg.Test.ConcurrentConnections,
		ChunkSize:    cfg.Test.PacketSize,
		Proto:        cfg.Test.SpeedTestType,
		Download:     cfg.Test.EnableDownloadTest,
		Upload:       cfg.Test.EnableUploadTest,
		MinValidData: cfg.Test.MinValidData,
	}, probe.Options{
		PingCount:   cfg.Test.PingCount,
		PingTimeout: cfg.Test.PingTimeout,
		PacketSize:  cfg.Test.PacketSize,
		Workers:     cfg.Test.MaxThreads,
	})

	policy, err := ranking.ParsePolicy(cfg.Policy)
	if err != nil {
		log.Fatal(err)
	}
	mode := pipeline.Comprehensive
	if cfg.Mode == "sequential" {
		mode = pipeline.Sequential
	}
	pipe := pipeline.New(logger, res, prober, ranking.Options{
		Policy:        policy,
		TopN:          cfg.Test.TopN,
		MinSpeedMbps:  cfg.Test.MinSpeedMbps,
		MinDataBytes:  cfg.Test.MinDataThreshold,
		OutlierSigma:  cfg.Test.OutlierSigma,
		LatencyWeight: cfg.Test.LatencyWeight,
		LossWeight:    cfg.Test.LossWeight,
		SpeedWeight:   cfg.Test.SpeedWeight,
	}, mode)

	var store repo.RunStore = memory.New()
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			log.Fatal(err)
		}
		defer pg.Close()
		store = pg
		logger.Info("run_store", zap.String("kind", "postgres"))
	} else {
		logger.Info("run_store", zap.String("kind", "memory"))
	}

	api := httpapi.NewServer(logger, store, pipe, reg, res)
	if cfg.WebhookURL != "" {
		api.Notify = notify.NewWebhook(cfg.WebhookURL)
	}

	sched := scheduler.New(logger, pipe, store, api.Notify, cfg.Domains, cfg.RecheckInterval)
	go sched.Run(context.Background())

	logger.Info("api_listen", zap.String("addr", cfg.Addr))
	if err := http.ListenAndServe(cfg.Addr, api.Router()); err != nil {
		log.Fatal(err)
	}
}
