package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"collab-editor-be/internal/bootstrap"
	"collab-editor-be/internal/config"
	"collab-editor-be/internal/model"
	"collab-editor-be/internal/server"
	"collab-editor-be/internal/tracer"
	"collab-editor-be/pkg/database"

	"gorm.io/gorm"
)

func main() {
	// 1. Load Configuration
	cfg := config.Load()

	// 2. Initialize Tracer
	shutdownTracer := tracer.InitTracer("collab-sync", cfg)
	defer shutdownTracer(context.Background())

	// 3. Initialize Database. Without a DSN the server keeps its bookkeeping
	// in memory.
	var gormDB *gorm.DB
	if cfg.Database.Connection != "" {
		db, err := database.NewGormDBFromDSN(cfg.Database.Connection, cfg.IsProduction())
		if err != nil {
			log.Panicf("Unable to connect to GORM DB: %v", err)
		}
		if err := database.Migrate(db, &model.Document{}, &model.DocumentPermission{}); err != nil {
			log.Panicf("Unable to migrate: %v", err)
		}
		gormDB = db
	}

	// 4. Bootstrap Dependencies (Container)
	container := bootstrap.NewContainer(gormDB, cfg)
	defer container.Close()

	// 5. Start Background Services
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	container.Start(ctx)

	// 6. Initialize Server
	srv := server.New(cfg, container)

	go func() {
		<-ctx.Done()
		log.Println("Shutting down sync server...")
		if err := srv.Shutdown(); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	// 7. Run Server
	if err := srv.Run(); err != nil {
		log.Printf("Server stopped: %v", err)
	}
}
