// Command dnspick runs one resolve, probe and rank pass over the domains
// given on the command line and prints the ranking plus hosts entries.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dnspick/internal/config"
	"dnspick/internal/domain"
	"dnspick/internal/export"
	"dnspick/internal/health"
	"dnspick/internal/logging"
	"dnspick/internal/notify"
	"dnspick/internal/pipeline"
	"dnspick/internal/probe"
	"dnspick/internal/ranking"
	"dnspick/internal/resolver"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config file")
	policyFlag := flag.String("policy", "", "ranking policy: latency, speed or balanced")
	sequential := flag.Bool("sequential", false, "process one domain at a time")
	unique := flag.Bool("unique", false, "map every domain to the single best address")
	flag.Parse()

	domains := flag.Args()
	if len(domains) == 0 {
		fmt.Fprintln(os.Stderr, "usage: dnspick [flags] domain [domain ...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if *policyFlag != "" {
		cfg.Policy = *policyFlag
	}
	if *sequential {
		cfg.Mode = "sequential"
	}
	if *unique {
		cfg.HostsMode = "unique"
	}

	logger, err := logging.NewLogger(cfg.LogDir, os.Getenv("LOG_LEVEL"))
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	policy, err := ranking.ParsePolicy(cfg.Policy)
	if err != nil {
		log.Fatal(err)
	}
	mode := pipeline.Comprehensive
	if cfg.Mode == "sequential" {
		mode = pipeline.Sequential
	}

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := pipe.Run(ctx, domains)
	if err != nil && len(run.Results) == 0 {
		log.Fatal(err)
	}

	printRun(run)

	hostsMode, _ := export.ParseMode(cfg.HostsMode)
	fmt.Println(export.Build(run.Domains, run.Results, run.Candidates, hostsMode).Render(time.Now().UTC()))

	if cfg.WebhookURL != "" {
		if err := notify.NewWebhook(cfg.WebhookURL).RunCompleted(ctx, run); err != nil {
			fmt.Fprintln(os.Stderr, "webhook:", err)
		}
	}
}

func printRun(run *domain.Run) {
	fmt.Printf("ranked %d addresses for %d domains in %s\n\n",
		len(run.Results), len(run.Domains), run.Elapsed.Round(time.Millisecond))

	fmt.Printf("%-4s %-40s %10s %7s %10s %8s\n",
		"#", "address", "rtt", "loss", "download", "score")
	for _, r := range run.Results {
		fmt.Printf("%-4d %-40s %10s %6.0f%% %8.1fMb %8.3f\n",
			r.Rank,
			r.Candidate.Address,
			r.Metrics.AdjustedRTT.Round(100*time.Microsecond),
			r.Metrics.LossRatio*100,
			r.Metrics.DownloadMbps,
			r.Score,
		)
	}
	for _, f := range run.Failures {
		fmt.Printf("failed: %s (%s)\n", f.Domain, f.Reason)
	}
	for _, d := range run.Suspect {
		fmt.Printf("warning: server answers for %s disagree, possible tampering\n", d)
	}
	fmt.Println()
}
