package main

import (
	"context"
	"log"
	"time"

	"github.com/IBM/sarama"

	"gitlab.ozon.dev/qwestard/lockerhub/internal/audit"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/cache"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/config"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/credentials"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/db"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/kafka"
	taskprocessor "gitlab.ozon.dev/qwestard/lockerhub/internal/processor"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/repository"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/server"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/service"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/sweeper"
)

func main() {
	cfg := config.LoadConfig()

	database, err := db.NewDB(cfg.DSN, "migrations")
	if err != nil {
		log.Fatalf("Error in connection to db: %v", err)
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := repository.NewLockerRepository(database)
	tasks := repository.NewPostgresTaskRepository(database)

	processors := []audit.Processor{
		&audit.DBProcessor{DB: database},
		&audit.OutboxProcessor{Tasks: tasks},
	}
	if cfg.AuditFilter != "" {
		processors = append(processors, &audit.StdoutProcessor{Filter: cfg.AuditFilter})
	}
	pool := audit.NewWorkerPool(audit.PoolConfig{
		BatchSize:   16,
		Timeout:     time.Second,
		ChannelSize: 256,
	}, processors...)
	pool.Start(ctx, 2)
	defer pool.Shutdown(cancel)

	producer, err := kafka.NewSaramaProducer(cfg.KafkaBrokers)
	if err != nil {
		log.Printf("Kafka unavailable, audit events stay in the outbox: %v", err)
	} else {
		defer producer.Close()
		proc := taskprocessor.NewTaskProcessor(tasks, producer, cfg.KafkaTopic, 5*time.Second, 50)
		go proc.Start(ctx)
		go kafka.StartSaramaConsumer(ctx, sarama.NewConfig(), cfg.KafkaBrokers, cfg.KafkaGroupID, []string{cfg.KafkaTopic})
	}

	gen, err := credentials.New(cfg.CodeLength, cfg.CodeAlphabet, cfg.PINLength)
	if err != nil {
		log.Fatalf("Bad credential config: %v", err)
	}

	svc := service.NewReservationService(repo, gen, pool, service.Config{
		PINEnabled:      cfg.PINEnabled,
		MaxCodeAttempts: cfg.MaxCodeAttempts,
		DefaultExpiry:   cfg.DefaultExpiry,
	})

	sw := sweeper.New(repo, pool, sweeper.LogNotifier{}, sweeper.Config{
		Interval:     cfg.SweepInterval,
		WarnInterval: cfg.WarnInterval,
		WarnWindow:   cfg.WarnWindow,
	})
	sw.Start(ctx)

	capCache := cache.NewCapacityCache(repo)
	go capCache.StartAutoRefresh(ctx, 30*time.Second)

	srv := server.NewServer(svc, capCache, pool, cfg)

	if err := srv.Run(); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}
