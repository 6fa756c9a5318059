package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	log "github.com/sirupsen/logrus"

	config "github.com/sru-kri/BidCraft/configs"

	"github.com/sru-kri/BidCraft/internal/backend"
	"github.com/sru-kri/BidCraft/internal/session"
	"github.com/sru-kri/BidCraft/internal/socketsvc/handlers"
	"github.com/sru-kri/BidCraft/internal/socketsvc/routes"
	"github.com/sru-kri/BidCraft/internal/socketsvc/ws"
)

const SERVICE_NAME = "socket"

func init() {
	config.LoadEnv(SERVICE_NAME)
	instanceId := config.CreateUniqueInstance(SERVICE_NAME)
	config.Logging(SERVICE_NAME + "_service_" + instanceId[:8])
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx := context.Background()

	b, err := backend.Open(ctx, cfg, SERVICE_NAME)
	if err != nil {
		log.Errorf("Error: unable to open %s store %v", cfg.StoreBackend, err)
		os.Exit(1)
	}
	defer b.Close()

	var opts []session.Option
	recorder, err := backend.OpenArchive(ctx, cfg)
	if err != nil {
		log.Errorf("Error: round history disabled %v", err)
	} else if recorder != nil {
		opts = append(opts, session.WithRecorder(recorder))
	}

	// Setup router
	r := chi.NewRouter()
	c := config.CORS()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(c.Handler)

	// to protect the service api from any over requests
	r.Use(httprate.LimitByIP(cfg.RateLimit, 1*time.Minute))

	// Initialize websocket handler, one room session per socket
	s := ws.NewWs(ws.SessionFactoryFor(b.Store, b.Feed, opts...), cfg.MaxRounds)

	// Initialize routes
	routes.SetRoutes(r, handlers.NewHandler(s, cfg.Port), routes.InitAuth(cfg.JWTSecret))

	// Create server with timeout settings
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s with %s store", SERVICE_NAME, server.Addr, cfg.StoreBackend)

	// Wait for interrupt signal to gracefully shutdown the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
