package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"solgate/bot"
	"solgate/chain"
	"solgate/config"
	"solgate/handlers"
	"solgate/logging"
	"solgate/models"
	"solgate/services"
	"solgate/store"
	"solgate/utils"
	"solgate/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration: ", err)
	}
	logging.Init(cfg.AppEnv)
	defer logging.Sync()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database: ", err)
	}

	if err := db.AutoMigrate(
		&models.Guild{},
		&models.WalletLink{},
		&models.VerifySession{},
		&models.GatingRule{},
		&models.AuditEntry{},
		&models.PriceQuote{},
		&models.OAuthState{},
	); err != nil {
		log.Fatal("failed to migrate database: ", err)
	}

	st := store.New(db)

	session, err := bot.NewSession(cfg.BotToken)
	if err != nil {
		log.Fatal("failed to create discord session: ", err)
	}
	gateway := bot.NewGateway(session)

	runLock, err := services.NewRunLock(db)
	if err != nil {
		log.Fatal("failed to initialize run lock: ", err)
	}

	holdings := chain.NewClient(cfg.SolanaRPCURL, cfg.DasAPIURL, utils.HTTPClient)
	prices := services.NewPriceCache(st, cfg.PriceAPIURL, utils.HTTPClient)

	reconciler := workers.NewReconciler(st, holdings, prices, gateway, runLock,
		cfg.WorkerConcurrency, cfg.AuditRetentionDays)

	verify := services.NewVerifyService(st, reconciler, cfg.VerifyTokenSecret, cfg.VerifyPublicURL)
	reconciler.SetSessionCleaner(verify)

	if cfg.ArchiveBucket != "" {
		archiver, err := workers.NewAuditArchiver(context.Background(),
			cfg.ArchiveAccountID, cfg.ArchiveAccessKeyID, cfg.ArchiveAccessKeySecret, cfg.ArchiveBucket)
		if err != nil {
			log.Fatal("failed to initialize audit archiver: ", err)
		}
		reconciler.SetAuditArchiver(archiver)
	}

	b := bot.New(session, cfg, verify, st, reconciler)
	if err := b.Start(); err != nil {
		log.Fatal("failed to start discord bot: ", err)
	}

	if err := reconciler.Start(cfg.ReconcileCron); err != nil {
		log.Fatal("failed to start reconciliation worker: ", err)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AdminBaseURL,
		AllowMethods:     "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept",
		AllowCredentials: true,
	}))

	handlers.SetupVerifyRoutes(app, verify)
	handlers.SetupInternalRoutes(app, verify, reconciler, cfg.InternalAPISecret)
	handlers.SetupAdminRoutes(app, handlers.NewAdminHandler(cfg, st, reconciler))

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logging.Error("http server stopped", zap.Error(err))
		}
	}()
	logging.Info("✅ solgate running", zap.String("port", cfg.Port), zap.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logging.Info("shutting down…")
	reconciler.Stop()
	if err := app.Shutdown(); err != nil {
		logging.Error("http shutdown failed", zap.Error(err))
	}
	b.Stop()
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
