package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	"classtest/internal/app"
	"classtest/internal/db"
	"classtest/internal/store"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := app.LoadConfig()

	var (
		recordStore store.RecordStore
		dbConn      *sql.DB
	)

	switch cfg.StoreDriver {
	case "memory":
		recordStore = store.NewMemStore()
		log.Printf("classtest using in-memory record store (development only)")
	default:
		conn, err := db.OpenPostgresWithConfig(context.Background(), cfg.DBDSN, db.PostgresConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifeMins) * time.Minute,
		})
		if err != nil {
			log.Printf("database error: %v", err)
			os.Exit(1)
		}
		defer conn.Close()
		dbConn = conn

		pg := store.NewPGStore(conn)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			log.Printf("schema error: %v", err)
			os.Exit(1)
		}
		recordStore = pg
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		recordStore = store.NewRedisFeed(recordStore, rdb, cfg.RedisChannel)
		log.Printf("classtest change feed bridged through redis at %s", cfg.RedisAddr)
	}

	r := app.NewRouter(cfg, recordStore, dbConn)

	log.Printf("classtest web listening on %s", cfg.HTTPAddr)
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
