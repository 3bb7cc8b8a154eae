package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/transcriptio/collab/internal/api"
	"github.com/transcriptio/collab/internal/collab"
	"github.com/transcriptio/collab/internal/config"
	"github.com/transcriptio/collab/internal/db"
	"github.com/transcriptio/collab/internal/presence"
	"github.com/transcriptio/collab/internal/room"
	"github.com/transcriptio/collab/internal/sweep"
	"github.com/transcriptio/collab/internal/ws"
)

// userDirectory adapts the database to the manager's lookup interface.
type userDirectory struct {
	database *db.Database
}

func (d *userDirectory) GetUser(ctx context.Context, userID string) (*collab.UserInfo, error) {
	user, err := d.database.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &collab.UserInfo{ID: user.ID, Name: user.Name, Email: user.Email, Avatar: user.Avatar}, nil
}

func main() {
	cfg := config.FromEnv()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	var store presence.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		store = presence.NewRedisStore(rdb)
		log.Printf("Presence store: redis (%s)", cfg.RedisAddr)
	} else {
		store = presence.NewMemoryStore()
		log.Println("Presence store: in-memory")
	}

	router := room.NewRouter()
	manager := collab.NewManager(store, router, &userDirectory{database: database})
	manager.SetActiveWindow(cfg.ActiveWindow)

	sweeper := sweep.New(store, sweep.Config{
		Interval: cfg.SweepInterval,
		StaleTTL: cfg.StaleTTL,
	})
	sweeper.Start()

	apiHandler := api.New(manager, store, database)
	apiHandler.SetActiveWindow(cfg.ActiveWindow)

	mux := apiHandler.Routes()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(manager, w, r)
	})

	handler := corsMiddleware(mux)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		sweeper.Stop()
		database.Close()
		os.Exit(0)
	}()

	log.Printf("Collab server starting on :%s", cfg.Port)
	log.Printf("Database: %s", cfg.DBPath)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")
	log.Println("  - Presence:  GET /api/transcripts/{id}/presence")
	log.Println("  - Snapshot:  GET/PUT /api/transcripts/{id}/snapshot")

	if err := http.ListenAndServe(":"+cfg.Port, handler); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
