package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/cratere/internal/cms"
	cfgpkg "github.com/local/cratere/internal/config"
	"github.com/local/cratere/internal/designer"
	"github.com/local/cratere/internal/dispatcher"
	"github.com/local/cratere/internal/export"
	"github.com/local/cratere/internal/images"
	logpkg "github.com/local/cratere/internal/logger"
	"github.com/local/cratere/internal/metrics"
	"github.com/local/cratere/internal/proxy"
	"github.com/local/cratere/internal/queue"
	"github.com/local/cratere/internal/server"
	"github.com/local/cratere/internal/statuscheck"
	"github.com/local/cratere/internal/storage"
	"github.com/local/cratere/internal/store"
	"github.com/local/cratere/internal/web"
)

func main() {
	cfg, err := cfgpkg.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Init logging
	_ = logpkg.Init(logpkg.Options{
		Level:         cfg.Logging.Level,
		Pretty:        cfg.Logging.Pretty,
		File:          cfg.Logging.File,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxBackups:    cfg.Logging.MaxBackups,
		MaxAgeDays:    cfg.Logging.MaxAgeDays,
		Compress:      cfg.Logging.Compress,
		Service:       "cratere",
		SendToAxiom:   cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:   cfg.Axiom.APIKey,
		AxiomOrgID:    cfg.Axiom.OrgID,
		AxiomDataset:  cfg.Axiom.Dataset,
		AxiomFlush:    cfg.Axiom.FlushInterval,
		AxiomMinLevel: cfg.Axiom.MinLevel,
	})
	defer logpkg.Close()
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmsClient := cms.NewClient(cms.Config{
		ProjectID:  cfg.CMS.ProjectID,
		Dataset:    cfg.CMS.Dataset,
		APIVersion: cfg.CMS.APIVersion,
		Token:      cfg.CMS.Token,
		UseCDN:     cfg.CMS.UseCDN,
		CacheTTL:   cfg.CMS.CacheTTL,
		Timeout:    cfg.CMS.Timeout,
	})

	// The exporter reads images through our own proxy, the same path the
	// browser uses, unless EXPORT_PROXY_BASE points elsewhere.
	proxyBase := cfg.Export.ProxyBase
	if proxyBase == "" {
		proxyBase = "http://127.0.0.1:" + cfg.Server.Port
	}
	fetcher := images.NewFetcher(images.FetcherConfig{
		ProxyBase:  proxyBase,
		Attempts:   cfg.Export.FetchAttempts,
		RetryDelay: cfg.Export.RetryDelay,
		Timeout:    cfg.Export.FetchTimeout,
	})
	exporter := export.New(fetcher, cms.NewURLBuilder(cfg.CMS.ProjectID, cfg.CMS.Dataset), export.Options{
		DPI:            cfg.Export.DPI,
		JPEGQuality:    cfg.Export.JPEGQuality,
		SourceWidth:    cfg.Export.SourceWidth,
		SourceQuality:  cfg.Export.SourceQuality,
		MarkUnassigned: cfg.Export.MarkUnassigned,
	})

	deps := server.Dependencies{
		Exporter: exporter,
		Catalog:  cmsClient,
		Proxy: proxy.New(proxy.Config{
			AllowedHosts: cfg.Proxy.AllowedHosts,
			MaxBytes:     cfg.Proxy.MaxBytes,
			Timeout:      cfg.Proxy.Timeout,
		}),
		Web: web.New(cmsClient, cms.NewURLBuilder(cfg.CMS.ProjectID, cfg.CMS.Dataset)),
	}
	statusOpts := statuscheck.Options{CMS: cmsClient, Async: cfg.AsyncEnabled()}

	var worker *dispatcher.Worker
	if cfg.AsyncEnabled() {
		rc, err := store.Connect(ctx, cfg.Queue.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rc.Close()

		rq, err := queue.NewRedisQueue(ctx, rc, cfg.Queue.Stream, cfg.Queue.Group)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init export queue")
		}
		sessions := store.NewRedisSessions(rc, cfg.Server.SessionTTL)
		jobs := store.NewRedisJobs(rc, cfg.Storage.Retention)

		sink, pinger := openSink(ctx, cfg)
		deps.Sessions, deps.Queue, deps.Jobs, deps.Sink = sessions, rq, jobs, sink
		statusOpts.Redis, statusOpts.Storage, statusOpts.Bucket = sessions, pinger, cfg.Storage.Bucket

		// Dispatcher worker (optional)
		runDispatcher := os.Getenv("RUN_DISPATCHER")
		if runDispatcher == "" || runDispatcher == "1" || runDispatcher == "true" {
			worker = dispatcher.New(dispatcher.Config{
				Concurrency: cfg.Worker.Concurrency,
				JobTimeout:  cfg.Worker.JobTimeout,
				PollTimeout: cfg.Queue.PollInterval,
			}, rq, jobs, exporter, sink)
			worker.Start(ctx)
		}
	} else {
		deps.Sessions = designer.NewMemoryStore(cfg.Server.SessionTTL)
		log.Warn().Msg("REDIS_URL not set: sessions kept in memory, async exports disabled")
	}
	deps.Status = statuscheck.New(statusOpts)

	api := server.New(deps, server.Options{
		ExportRatePerMinute:  cfg.Server.ExportRatePerMinute,
		MaxConcurrentExports: cfg.Server.MaxConcurrentExports,
		PreviewDPI:           cfg.Worker.PreviewDPI,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("env", cfg.Environment).Bool("async", cfg.AsyncEnabled()).Msgf("HTTP server listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if worker != nil {
		if err := worker.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("worker shutdown")
		}
	}
	log.Info().Msg("shutdown complete")
}

// openSink picks S3 when a bucket is configured and a local directory
// otherwise. The returned pinger is nil for the local directory.
func openSink(ctx context.Context, cfg cfgpkg.Config) (storage.Sink, statuscheck.Pinger) {
	if cfg.Storage.Bucket != "" {
		s3c, err := storage.NewS3Client(ctx, storage.S3Options{
			Bucket:          cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			Prefix:          cfg.Storage.Prefix,
			PresignTTL:      cfg.Storage.PresignTTL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init s3 storage")
		}
		log.Info().Str("bucket", s3c.Bucket()).Msg("exports stored in s3")
		return s3c, s3c
	}
	local, err := storage.NewLocalDir(cfg.Storage.LocalDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init export directory")
	}
	go local.RunCleanup(ctx, cfg.Storage.Retention, time.Hour)
	log.Info().Str("dir", cfg.Storage.LocalDir).Dur("retention", cfg.Storage.Retention).Msg("exports stored on disk")
	return local, nil
}
