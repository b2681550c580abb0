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

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ehslabs/lab-ledger/internal/adapter/events"
	"github.com/ehslabs/lab-ledger/internal/adapter/handler"
	"github.com/ehslabs/lab-ledger/internal/adapter/storage"
	"github.com/ehslabs/lab-ledger/internal/config"
	"github.com/ehslabs/lab-ledger/internal/core/domain"
	"github.com/ehslabs/lab-ledger/internal/core/service"
	"github.com/ehslabs/lab-ledger/internal/port"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize the ledger store
	var store port.LedgerStore
	var db *sql.DB
	switch cfg.StoreDriver {
	case "mysql":
		db, err = sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			log.Fatalf("failed to connect mysql: %v", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("failed to ping mysql: %v", err)
		}
		store = storage.NewMySQLAdapter(db)
		log.Println("connected to mysql")
	case "postgres":
		db, err = sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		store = storage.NewPostgresAdapter(db)
		log.Println("connected to postgres")
	default:
		store = storage.NewMemoryAdapter()
		log.Println("using in-memory store")
	}

	// Initialize Redis for request deduplication
	var cache port.CacheRepository
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		cache = storage.NewRedisAdapter(rdb)
		log.Println("connected to redis")
	}

	// Initialize Kafka audit event stream
	var publisher port.EventPublisher
	var kafkaPublisher *events.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		publisher = kafkaPublisher
		log.Printf("publishing ledger events to %s", cfg.KafkaTopic)
	}

	ledger := service.NewLedgerService(store, domain.DefaultFamilies(), cache, publisher)

	mux := http.NewServeMux()
	httpHandler := handler.NewHTTPHandler(ledger)
	httpHandler.Register(mux)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	log.Println("HTTP server stopped")

	if kafkaPublisher != nil {
		kafkaPublisher.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	if db != nil {
		db.Close()
	}
	log.Println("connections closed")
}
