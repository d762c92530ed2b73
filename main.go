package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pliu/heartline/internal/auth"
	"github.com/pliu/heartline/internal/backend"
	"github.com/pliu/heartline/internal/config"
	"github.com/pliu/heartline/internal/handlers"
	"github.com/pliu/heartline/internal/inbox"
	"github.com/pliu/heartline/internal/logger"
	"github.com/pliu/heartline/internal/middleware"
	"github.com/pliu/heartline/internal/personality"
	"github.com/pliu/heartline/internal/store/sqlstore"
	"github.com/pliu/heartline/internal/ws"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var configPath = flag.String("config", "", "path to a YAML config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	lg, err := logger.New(logger.Config{Development: cfg.Log.Development})
	if err != nil {
		log.Fatal(err)
	}
	defer lg.Sync()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Database
	store, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Initialize the change feed, shared across instances when Redis is configured
	hub := ws.NewHub(cfg.Realtime.Buffer, lg.Named("hub"))
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		relay := ws.NewRedisRelay(rdb, cfg.Redis.Channel, lg.Named("relay"))
		hub.SetRelay(relay)
		go func() {
			if err := relay.Run(ctx, hub.Dispatch); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("relay stopped", zap.Error(err))
			}
		}()
	}
	go hub.Run()
	defer hub.Close()

	be := backend.New(store, hub, lg.Named("backend"))
	signer := auth.NewSigner(cfg.Session.Secret, auth.DefaultSession)

	// Initialize Handlers
	authHandler := &handlers.AuthHandler{Store: store, Signer: signer, Logger: lg}
	messageHandler := &handlers.MessageHandler{Backend: be, Logger: lg}
	personalityHandler := &handlers.PersonalityHandler{Store: store, Bank: personality.DefaultBank(), Logger: lg}
	realtimeHandler := &handlers.RealtimeHandler{
		Backend: be,
		Options: inbox.Options{
			TypingTimeout: cfg.Realtime.TypingTimeout,
			FetchTimeout:  cfg.Realtime.FetchTimeout,
			FullRefetch:   cfg.Realtime.FullRefetch,
			Logger:        lg.Named("inbox"),
		},
	}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(lg))

	// Public endpoints
	r.HandleFunc("/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/logout", authHandler.Logout).Methods("POST")
	r.HandleFunc("/personality/questions", personalityHandler.GetQuestions).Methods("GET")

	// Session endpoints
	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware(signer))
	api.HandleFunc("/users/search", authHandler.SearchUsers).Methods("GET")
	api.HandleFunc("/users/{id}", authHandler.GetProfile).Methods("GET")
	api.HandleFunc("/conversations", messageHandler.GetConversations).Methods("GET")
	api.HandleFunc("/messages", messageHandler.SendMessage).Methods("POST")
	api.HandleFunc("/messages/{id}", messageHandler.GetThread).Methods("GET")
	api.HandleFunc("/messages/{id}/typing", messageHandler.SignalTyping).Methods("POST")
	api.HandleFunc("/personality", personalityHandler.Submit).Methods("POST")
	api.HandleFunc("/personality", personalityHandler.GetLatest).Methods("GET")

	// WebSocket Endpoint
	api.HandleFunc("/ws", realtimeHandler.ServeWS)

	// Serve static files with cache-busting headers for development
	static := http.FileServer(http.Dir(cfg.Server.StaticDir))
	r.PathPrefix("/").Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".css") || strings.HasSuffix(r.URL.Path, ".js") {
			w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
			w.Header().Set("Pragma", "no-cache")
			w.Header().Set("Expires", "0")
		}
		static.ServeHTTP(w, r)
	}))

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		lg.Info("starting server", zap.String("addr", cfg.Server.Addr), zap.String("driver", cfg.Database.Driver))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
