package main

import (
	"flag"
	"log"
	"net/http"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"stampd/config"
	"stampd/ledger"
	"stampd/loyalty"
	"stampd/models"
	"stampd/observability/logging"
	"stampd/server"
	"stampd/token"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file (optional; env vars override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("stampd", cfg.Env)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	store := ledger.NewStore(db)
	guard := loyalty.NewRateGuard(store, cfg.StampCooldown.Std(), cfg.StampDailyCap, cfg.Location)
	stamps := loyalty.NewService(store, guard, logger)
	authority := token.NewAuthority(db, cfg.TokenTTL.Std())
	tap := loyalty.NewTap(authority, stamps, logger)

	srv := server.New(server.Config{
		Store:           store,
		Stamps:          stamps,
		Tap:             tap,
		Tokens:          authority,
		Logger:          logger,
		TapRatePerMin:   cfg.TapRatePerMin,
		TokenRatePerMin: cfg.TokenRatePerMin,
	})

	logger.Info("starting stampd", "addr", cfg.ListenAddress, "tz", cfg.Timezone)
	if err := http.ListenAndServe(cfg.ListenAddress, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
