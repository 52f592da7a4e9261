package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gpuledger/app/handler"
	"gpuledger/app/router"
	"gpuledger/internal/aggregator"
	"gpuledger/internal/collector"
	"gpuledger/internal/gpucount"
	"gpuledger/internal/metrics"
	"gpuledger/internal/pipeline"
	"gpuledger/internal/publisher"
	"gpuledger/internal/reconciler"
	"gpuledger/pkg/config"
	"gpuledger/pkg/logger"
	mysqlstore "gpuledger/pkg/store/mysql"
	"gpuledger/pkg/trackhub"
)

// initConfig initializes configuration
func (app *Application) initConfig() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	app.config = cfg
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(logger.Config{
		Level:    app.config.Logger.Level,
		Output:   app.config.Logger.Output,
		FilePath: app.config.Logger.FilePath,
	}); err != nil {
		return err
	}
	app.registerCleanup(func() {
		logger.Sync()
	})
	return nil
}

// initMySQL initializes MySQL and migrates the history and report tables.
func (app *Application) initMySQL() error {
	ds, err := mysqlstore.NewDatastore(app.config.MySQL.DSN())
	if err != nil {
		return err
	}
	if err := ds.Migrate(); err != nil {
		ds.Close()
		return fmt.Errorf("failed to migrate history tables: %w", err)
	}

	app.datastore = ds
	app.historyRepo = mysqlstore.NewUsageHistoryRepository(ds)
	app.reportRepo = mysqlstore.NewReportRepository(ds, app.config.Report.TagForLatest)

	if err := app.reportRepo.EnsureTables(publisher.UsageTables(), publisher.SummaryTables()); err != nil {
		ds.Close()
		return err
	}

	app.registerCleanup(func() {
		ds.Close()
		logger.InfoCtx(app.ctx, "MySQL connection has been closed")
	})
	return nil
}

// initTrackingClient initializes the upstream tracking platform client.
func (app *Application) initTrackingClient() error {
	app.trackingClient = trackhub.NewClient(&app.config.TrackHub)
	return nil
}

// initPipeline wires the accounting pipeline stages.
func (app *Application) initPipeline() error {
	loc, err := app.config.Location()
	if err != nil {
		return err
	}

	resolver, err := gpucount.NewResolver(app.config, app.trackingClient)
	if err != nil {
		return err
	}
	retriever := metrics.NewRetriever(app.trackingClient, &app.config.Collector, loc)

	col, err := collector.New(app.config, app.trackingClient, resolver, retriever)
	if err != nil {
		return err
	}
	app.collector = col

	app.reconciler = reconciler.New(app.trackingClient)
	app.aggregator = aggregator.New(app.config)

	pub, err := publisher.New(app.config, app.reportRepo)
	if err != nil {
		return err
	}
	app.publisher = pub

	p, err := pipeline.New(app.config, app.collector, app.reconciler, app.aggregator, app.historyRepo, app.publisher)
	if err != nil {
		return err
	}
	app.pipeline = p
	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.pipelineHandler = handler.NewPipelineHandler(app.pipeline)
	app.reportHandler = handler.NewReportHandler(app.historyRepo, app.reportRepo)
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	if app.config.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	app.ginEngine = gin.New()
	r := router.NewRouter(app.pipelineHandler, app.reportHandler, app.config.Server.APIKey)
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:      app.ginEngine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return nil
}
