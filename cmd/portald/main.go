package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Konzui/Quixel-Portal-sub001/internal/config"
	"github.com/Konzui/Quixel-Portal-sub001/internal/coordinator"
	"github.com/Konzui/Quixel-Portal-sub001/internal/importer"
	"github.com/Konzui/Quixel-Portal-sub001/internal/metrics"
	"github.com/Konzui/Quixel-Portal-sub001/internal/queue"
	"github.com/Konzui/Quixel-Portal-sub001/internal/state"

	adminsrv "github.com/Konzui/Quixel-Portal-sub001/internal/admin"
)

var (
	configPath   = flag.String("config", "", "path to TOML config file")
	ipcPort      = flag.Int("ipc-port", 0, "coordination endpoint port")
	exportPort   = flag.Int("export-port", 0, "export endpoint port")
	adminAddr    = flag.String("admin", "", "admin endpoint address (disabled if empty)")
	metricsAddr  = flag.String("metrics", "", "metrics endpoint address (disabled if empty)")
	dataDir      = flag.String("data-dir", "", "shared directory for the cluster-state file")
	journalDir   = flag.String("journal-dir", "", "per-instance directory for the import journal")
	displayName  = flag.String("name", "", "display name shown to other instances")
	claimOnStart = flag.Bool("claim", false, "claim the active designation on startup")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	store, err := state.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}

	var journal *queue.Journal
	if cfg.JournalDir != "" {
		journal, err = queue.OpenJournal(cfg.JournalDir)
		if err != nil {
			log.Fatalf("Failed to open import journal: %v", err)
		}
	}

	// The import pipeline proper lives in the editor plugin; the
	// daemon logs deliveries.
	imp := importer.Func(func(req importer.Request) error {
		log.Printf("Importing %s (name=%q resolution=%s)", req.Path, req.Name, req.Resolution)
		return nil
	})

	q := queue.New(imp, journal, cfg.IdlePoll.Duration, cfg.BusyPoll.Duration)
	if err := q.Start(); err != nil {
		log.Fatalf("Failed to start import queue: %v", err)
	}

	coord := coordinator.New(coordinator.Config{
		DisplayName:       cfg.DisplayName,
		IPCAddr:           cfg.IPCAddr(),
		ExportAddr:        cfg.ExportAddr(),
		HeartbeatInterval: cfg.HeartbeatInterval.Duration,
		SweepInterval:     cfg.SweepInterval.Duration,
		EvictAfter:        cfg.EvictAfter.Duration,
		RequestTimeout:    cfg.RequestTimeout.Duration,
		ExportReadTimeout: cfg.ExportReadTimeout.Duration,
		OnActiveChanged: func(activeID string) {
			log.Printf("Active instance is now %q", activeID)
		},
	}, store, q)

	if err := coord.Start(); err != nil {
		log.Fatalf("Failed to start coordinator: %v", err)
	}
	log.Printf("Coordinator up: role=%s instance=%s", coord.Role(), coord.InstanceID())

	var admin *adminsrv.Server
	if cfg.AdminAddr != "" {
		admin = adminsrv.NewServer(cfg.AdminAddr, coord)
		go func() {
			if err := admin.Start(); err != nil {
				log.Printf("Admin endpoint stopped: %v", err)
			}
		}()
	}

	var exporter *metrics.Exporter
	if cfg.MetricsAddr != "" {
		exporter = metrics.NewExporter(cfg.MetricsAddr)
		go func() {
			if err := exporter.Start(); err != nil {
				log.Printf("Metrics exporter stopped: %v", err)
			}
		}()
	}

	if *claimOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := coord.Claim(ctx); err != nil {
			log.Printf("Startup claim failed: %v", err)
		}
		cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")

	if admin != nil {
		if err := admin.Stop(); err != nil {
			log.Printf("Error stopping admin endpoint: %v", err)
		}
	}
	if exporter != nil {
		if err := exporter.Stop(); err != nil {
			log.Printf("Error stopping metrics exporter: %v", err)
		}
	}
	if err := coord.Close(); err != nil {
		log.Printf("Error stopping coordinator: %v", err)
	}
	q.Close()
	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Printf("Error closing import journal: %v", err)
		}
	}
}

func applyFlags(cfg *config.Config) {
	if *ipcPort != 0 {
		cfg.IPCPort = *ipcPort
	}
	if *exportPort != 0 {
		cfg.ExportPort = *exportPort
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *journalDir != "" {
		cfg.JournalDir = *journalDir
	}
	if *displayName != "" {
		cfg.DisplayName = *displayName
	}
}
