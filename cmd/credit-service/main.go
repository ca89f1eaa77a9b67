package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/credit-service/internal/archive"
	"github.com/ILLUVRSE/credit-service/internal/auth"
	"github.com/ILLUVRSE/credit-service/internal/config"
	"github.com/ILLUVRSE/credit-service/internal/httpserver"
	"github.com/ILLUVRSE/credit-service/internal/identity"
	"github.com/ILLUVRSE/credit-service/internal/notify"
	"github.com/ILLUVRSE/credit-service/internal/service"
	"github.com/ILLUVRSE/credit-service/internal/signature"
	"github.com/ILLUVRSE/credit-service/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("db ping: %v", err)
	}

	keys, err := signature.NewKeyRegistry(cfg.ProviderSecretKeys)
	if err != nil {
		log.Fatalf("provider secret keys: %v", err)
	}

	var identityClient identity.Client = &identity.Static{}
	if cfg.IdentityURL != "" {
		httpClient, err := identity.NewHTTPClient(identity.HTTPClientConfig{
			BaseURL: cfg.IdentityURL,
			Timeout: 5 * time.Second,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("identity client init: %v", err)
		}
		identityClient = httpClient
	}

	var notifier notify.Publisher = notify.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := notify.NewKafkaPublisher(notify.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka publisher init: %v", err)
		}
		defer kafkaPublisher.Close()
		notifier = kafkaPublisher
	}

	var archiver archive.Archiver = archive.NopArchiver{}
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := archive.NewS3Archiver(context.Background(), cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("archiver init: %v", err)
		}
		archiver = s3Archiver
	}

	svc := service.New(service.Config{
		Store:               store.NewPGStore(db),
		Keys:                keys,
		Identity:            identityClient,
		Notifier:            notifier,
		Archiver:            archiver,
		EligibilityWindow:   cfg.EligibilityWindow,
		TimestampExpiration: cfg.TimestampExpiration,
	})
	server := httpserver.New(svc, auth.NewVerifier(cfg.AuthSecret))

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("credit service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
