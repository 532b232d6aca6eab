package main

import (
	"context"
	_ "embed"
	"flag"
	"os"
	"strings"

	"nexusfs/pkg/cloud"
	"nexusfs/pkg/config"
	"nexusfs/pkg/dedup"
	"nexusfs/pkg/index"
	"nexusfs/pkg/janitor"
	"nexusfs/pkg/log"
	"nexusfs/pkg/owner"
	"nexusfs/pkg/server"
	"nexusfs/pkg/session"
	"nexusfs/pkg/upload"
)

const dataDirPerm = 0750

//go:embed VERSION
var Version string

func main() {
	cfg := config.Load()

	listenAddr := flag.String("listen", cfg.ListenAddr, "Listen address")
	dataDir := flag.String("data", cfg.DataDir, "Data directory path")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg.ListenAddr = *listenAddr
	cfg.DataDir = *dataDir
	if *debug {
		log.SetDebugMode()
	}

	for _, dir := range []string{cfg.DataDir, cfg.UploadDir(), cfg.TempDir()} {
		if err := os.MkdirAll(dir, dataDirPerm); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("Failed to create data directory")
		}
	}

	sessions, err := session.NewStore(cfg.SessionDBPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session store")
	}
	defer func() { _ = sessions.Close() }()

	idx, err := index.NewStore(cfg.IndexDBPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open file index")
	}
	defer func() { _ = idx.Close() }()

	deduplicator, err := dedup.New(cfg.DedupDBPath(), 0)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open dedup index")
	}
	defer func() { _ = deduplicator.Close() }()

	auth, err := owner.NewFileAuthenticator(cfg.OwnersPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load owner credentials")
	}
	roots := &owner.DirResolver{Base: cfg.UploadDir()}

	finalizer := upload.NewFinalizer(sessions, idx, deduplicator, roots, owner.LogNotifier{}, cfg.TempDir())
	manager := upload.NewManager(sessions, auth, cfg.TempDir(), finalizer)

	var usage *cloud.UsageTracker
	if cfg.CloudEnabled() {
		usage, err = cloud.NewUsageTracker(cfg.UsagePath(),
			cfg.Cloud.LimitClassA, cfg.Cloud.LimitClassB, cfg.Cloud.LimitBytes)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load cloud usage counters")
		}

		client, err := cloud.NewClient(context.Background(), cfg.Cloud)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create cloud client")
		}

		manager.EnableCloud(
			cloud.NewBackend(client, usage, cfg.TempDir()),
			cloud.NewArbiter(cfg.Cloud.ThresholdBytes, cfg.Cloud.MaxConcurrent, usage),
		)
		usage.Start(cfg.Cloud.FlushInterval)
		log.Info().Str("endpoint", cfg.Cloud.Endpoint).Msg("Cloud offload enabled")
	}

	// Disk is the ground truth; repair the index before serving.
	if _, err := index.NewReconciler(idx, cfg.UploadDir()).Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("Startup reconciliation failed")
	}

	sweeper := janitor.New(sessions, manager, cfg.TempDir(), cfg.RetentionWindow, cfg.JanitorInterval)
	sweeper.Start()

	srv := server.NewNexusServer(manager, idx, strings.TrimSpace(Version))
	if err := srv.Start(cfg.ListenAddr); err != nil {
		log.Fatal().Err(err).Msg("Server failed to start")
	}

	sweeper.Stop()
	if usage != nil {
		usage.Stop()
	}
}
