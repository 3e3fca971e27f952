package bootstrap

import (
	"context"
	"log"

	"collab-editor-be/internal/auth"
	"collab-editor-be/internal/config"
	"collab-editor-be/internal/handler"
	"collab-editor-be/internal/pkg/logger"
	"collab-editor-be/internal/repository/contract"
	"collab-editor-be/internal/repository/implementation"
	"collab-editor-be/internal/repository/memory"
	"collab-editor-be/internal/service"
	"collab-editor-be/internal/websocket"

	pktNats "collab-editor-be/pkg/nats"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Container holds the sync server's dependencies.
type Container struct {
	Logger          logger.ILogger
	Hub             *websocket.Hub
	DocumentService *service.DocumentService
	DocumentHandler *handler.DocumentHandler

	natsSub *pktNats.Subscriber
	rdb     *redis.Client
}

// NewContainer wires the sync server. A nil db keeps documents and
// permissions in memory.
func NewContainer(db *gorm.DB, cfg *config.Config) *Container {
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.IsProduction())

	// 1. Repositories
	var docRepo contract.DocumentRepository
	var permRepo contract.PermissionRepository
	if db != nil {
		docRepo = implementation.NewDocumentRepository(db)
		permRepo = implementation.NewPermissionRepository(db)
	} else {
		log.Printf("[WARN] No database configured, documents and permissions are kept in memory")
		docRepo = memory.NewDocumentRepository()
		permRepo = memory.NewPermissionRepository()
	}

	// 2. Infrastructure
	// NATS
	var natsSub *pktNats.Subscriber
	if cfg.App.NatsURL != "" {
		sub, err := pktNats.NewSubscriber(cfg.App.NatsURL)
		if err != nil {
			log.Printf("[WARN] Failed to connect to NATS Subscriber: %v", err)
		} else {
			natsSub = sub
		}
	}

	// Redis
	rdb := newRedis(cfg.App.RedisURL)

	// 3. Services
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	docService := service.NewDocumentService(docRepo, permRepo, sysLogger)

	// WebSocket Hub
	wsLogger := logger.NewIsolatedLogger(cfg.App.SyncLogFilePath)
	wsHub := websocket.NewHub(rdb, verifier, docService, wsLogger)

	return &Container{
		Logger:          sysLogger,
		Hub:             wsHub,
		DocumentService: docService,
		DocumentHandler: handler.NewDocumentHandler(docService, wsHub, verifier, sysLogger),
		natsSub:         natsSub,
		rdb:             rdb,
	}
}

func newRedis(url string) *redis.Client {
	if url == "" {
		return nil
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Printf("[WARN] Failed to parse Redis URL: %v. Using direct Addr", err)
		opt = &redis.Options{Addr: url}
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		log.Printf("[WARN] Failed to connect to Redis: %v. Rooms stay local to this instance", err)
		rdb.Close()
		return nil
	}
	return rdb
}

// Start runs the background workers until ctx is done.
func (c *Container) Start(ctx context.Context) {
	go c.Hub.Run(ctx)
	if c.natsSub != nil {
		if err := c.DocumentService.Start(c.natsSub); err != nil {
			log.Printf("[WARN] Document save events are not consumed: %v", err)
		}
	}
}

func (c *Container) Close() {
	if c.natsSub != nil {
		c.natsSub.Close()
	}
	if c.rdb != nil {
		c.rdb.Close()
	}
	c.Logger.Sync()
}
