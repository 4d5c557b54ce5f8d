// Package main is the gateway server entry point: configuration, database
// schema, component wiring and graceful shutdown.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/antihub/gateway/internal/account"
	"github.com/antihub/gateway/internal/api"
	"github.com/antihub/gateway/internal/config"
	"github.com/antihub/gateway/internal/dispatch"
	"github.com/antihub/gateway/internal/logging"
	"github.com/antihub/gateway/internal/oauthflow"
	"github.com/antihub/gateway/internal/quota"
	"github.com/antihub/gateway/internal/token"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.json", "path to the generated configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFile)

	db, err := openDatabase(cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	ctx := context.Background()
	store := account.NewStore(db)
	if err = store.Init(ctx); err != nil {
		log.Fatalf("migrate account schema: %v", err)
	}
	ledger := quota.NewLedger(db)
	if err = ledger.Init(ctx); err != nil {
		log.Fatalf("migrate quota schema: %v", err)
	}

	tokens := token.NewManager(store, os.Getenv("GATEWAY_ANTIGRAVITY_CLIENT_SECRET"))
	engine := dispatch.NewEngine(store, tokens, ledger, cfg.RequestTimeout())

	refresher := quota.NewRefresher(ledger, quota.FetcherFunc(engine.FetchQuota), cfg.QuotaRefreshWorkers)
	engine.SetRefresher(refresher)
	defer refresher.Close()

	flow := oauthflow.NewFlow(store, oauthflow.NewRegistry(),
		os.Getenv("GATEWAY_ANTIGRAVITY_CLIENT_SECRET"), cfg.OAuthCallbackURL)

	server := api.NewServer(cfg, store, ledger, tokens, engine, flow)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-errCh:
		if err != nil {
			log.Fatalf("server failed: %v", err)
		}
		return
	case sig := <-stop:
		log.Infof("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err = server.Stop(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	if strings.EqualFold(cfg.Database.Driver, "postgres") {
		return gorm.Open(postgres.Open(cfg.Database.DSN()), gormCfg)
	}
	return gorm.Open(sqlite.Open(cfg.Database.DSN()), gormCfg)
}
