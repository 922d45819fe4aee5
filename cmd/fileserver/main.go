// Command fileserver exposes the buckets of a configured hub over HTTP.
//
//	fileserver -config fileserver.yaml -env .env
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/koustreak/filestorage/internal/config"
	"github.com/koustreak/filestorage/internal/download"
	"github.com/koustreak/filestorage/internal/filestore"
	_ "github.com/koustreak/filestorage/internal/filestore/local"
	_ "github.com/koustreak/filestorage/internal/filestore/memory"
	_ "github.com/koustreak/filestorage/internal/filestore/minio"
	_ "github.com/koustreak/filestorage/internal/filestore/sftp"
	_ "github.com/koustreak/filestorage/internal/filestore/sqlblob"
	"github.com/koustreak/filestorage/internal/logger"
)

func main() {
	configPath := flag.String("config", "fileserver.yaml", "path to the YAML configuration")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		logger.New(nil).ErrorWith("configuration error", err, map[string]any{"path": *configPath})
		os.Exit(1)
	}

	log := logger.New(&cfg.Log)

	hub, err := cfg.NewHub(log)
	if err != nil {
		log.ErrorWith("unable to build storage hub", err, nil)
		os.Exit(1)
	}
	log.InfoWith("storage hub ready", map[string]any{
		"storages": hub.StorageNames(),
		"types":    filestore.StorageTypes(),
	})

	r := initRouter(cfg, hub, log)
	listen(cfg, r, hub, log)
}

func initRouter(cfg *config.Config, hub *filestore.Hub, log *logger.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(download.RequestLogger(log))
	r.Use(middleware.Recoverer)

	r.NotFound(download.NotFound())
	r.MethodNotAllowed(download.MethodNotAllowed())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Mount(cfg.Download.Route, download.New(hub, &cfg.Download, log).Routes())
	return r
}

func listen(cfg *config.Config, r http.Handler, hub *filestore.Hub, log *logger.Logger) {
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	go func() {
		log.Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.ErrorWith("listen error", err, nil)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.ErrorWith("server shutdown failed", err, nil)
	}
	if err := hub.Close(); err != nil {
		log.ErrorWith("unable to release storages", err, nil)
		os.Exit(1)
	}
	log.Info("server stopped")
}
