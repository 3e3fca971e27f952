package main

import (
	"log"

	"collab-editor-be/internal/config"
	"collab-editor-be/internal/model"
	"collab-editor-be/pkg/database"
)

func main() {
	cfg := config.Load()
	if cfg.Database.Connection == "" {
		log.Fatal("Error: DB_CONNECTION_STRING is not set")
	}

	db, err := database.NewGormDBFromDSN(cfg.Database.Connection, cfg.IsProduction())
	if err != nil {
		log.Fatal("Error: Failed to connect to database:", err)
	}

	log.Println("Running AutoMigrate for documents and permissions...")
	if err := database.Migrate(db, &model.Document{}, &model.DocumentPermission{}); err != nil {
		log.Fatalf("Error: Migration failed: %v", err)
	}
	log.Println("Migration completed")
}
