package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"medscan/internal/config"
	"medscan/internal/repository/mongodb"
	"medscan/internal/repository/sheets"
	"medscan/internal/scheduler"
	"medscan/internal/server/handlers"
	"medscan/internal/server/router"
	inventorysvc "medscan/internal/service/inventory"
	reportingsvc "medscan/internal/service/reporting"
	usagesvc "medscan/internal/service/usage"
	"medscan/pkg/clients/fhirstore"
	"medscan/pkg/logger"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}

	baseLogger := logger.Must(logger.New())
	defer func() { _ = baseLogger.Sync() }()

	zap.ReplaceGlobals(baseLogger)

	store := fhirstore.NewClient(cfg.FHIR)

	inventorySvc := inventorysvc.NewService(store, cfg.FHIR, baseLogger.Named("svc.inventory"))
	usageSvc := usagesvc.NewService(store, cfg.FHIR, baseLogger.Named("svc.usage"))

	var sinks []reportingsvc.SnapshotSink
	if cfg.MongoDB.URI != "" {
		mongoRepo, err := mongodb.NewMongoDBRepository(context.Background(), cfg.MongoDB.URI, cfg.MongoDB.DBName)
		if err != nil {
			baseLogger.Fatal("failed to init mongodb repository", zap.Error(err))
		}
		defer func() {
			if err := mongoRepo.Close(context.Background()); err != nil {
				baseLogger.Error("failed to close mongodb connection", zap.Error(err))
			}
		}()
		sinks = append(sinks, mongoRepo)
	}
	if cfg.Sheets.SpreadsheetID != "" {
		sheetsRepo, err := sheets.NewGoogleSheetRepository(context.Background(), cfg.Sheets, baseLogger.Named("repo.sheets"))
		if err != nil {
			baseLogger.Fatal("failed to init sheets repository", zap.Error(err))
		}
		sinks = append(sinks, sheetsRepo)
	}

	handler := handlers.NewInventoryHandler(inventorySvc, usageSvc, store, cfg.FHIR, baseLogger.Named("handlers.inventory"))
	engine := router.New(handler, baseLogger.Named("router"))

	if len(sinks) > 0 {
		reportingSvc := reportingsvc.NewService(usageSvc, sinks, baseLogger.Named("svc.reporting"))
		sched := scheduler.NewScheduler(cfg.Reporting, reportingSvc, baseLogger.Named("scheduler"))
		sched.Start()
		defer sched.Stop()
	} else {
		baseLogger.Warn("no snapshot sinks configured, scheduler disabled")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go func() {
		baseLogger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			baseLogger.Fatal("http server crashed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	baseLogger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		baseLogger.Error("graceful shutdown failed", zap.Error(err))
	}
}
