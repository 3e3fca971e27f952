package bootstrap

import (
	"context"
	"fmt"
	"log"

	"collab-editor-be/internal/auth"
	"collab-editor-be/internal/config"
	"collab-editor-be/internal/metadata"
	"collab-editor-be/internal/persistence/localcache"
	"collab-editor-be/internal/persistence/remote"
	"collab-editor-be/internal/pkg/logger"
	"collab-editor-be/internal/session"

	pktNats "collab-editor-be/pkg/nats"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Editor holds the client-side engine and what it owns.
type Editor struct {
	Engine *session.Engine
	Logger logger.ILogger

	store   *localcache.Store
	pubSub  *gochannel.GoChannel
	natsPub *pktNats.Publisher
}

func NewEditor(cfg *config.Config) (*Editor, error) {
	// The CLI owns stdout, so the editor only logs to files.
	sysLogger := logger.NewIsolatedLogger(cfg.App.LogFilePath)
	syncLogger := logger.NewIsolatedLogger(cfg.App.SyncLogFilePath)

	store, err := localcache.Open(cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("open local cache: %w", err)
	}

	// In-process bus between surfaces and autosave
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewStdLogger(false, false))

	provider := auth.NewJWTProvider(auth.NewVerifier(cfg.Auth.JWTSecret), cfg.Auth.Token)
	currentToken := func() string {
		st, _ := provider.Current(context.Background())
		return st.Token
	}

	deps := session.Deps{
		Cache:       store,
		Auth:        provider,
		Dialer:      remote.NewWebsocketDialer(),
		Publisher:   pubSub,
		Subscriber:  pubSub,
		Permissions: metadata.NewPermissionService(cfg.Sync.APIURL, currentToken, cfg.Auth.PermissionCacheTTL),
		Logger:      sysLogger,
	}

	var natsPub *pktNats.Publisher
	if cfg.App.NatsURL != "" {
		natsPub, err = pktNats.NewPublisher(cfg.App.NatsURL)
		if err != nil {
			log.Printf("[WARN] Failed to connect to NATS Publisher: %v", err)
			natsPub = nil
		} else {
			deps.Events = natsPub
		}
	}

	engine := session.NewEngine(session.Config{
		ServerURL: cfg.Sync.ServerURL,
		Remote: remote.Options{
			ReconnectMin: cfg.Sync.ReconnectMin,
			ReconnectMax: cfg.Sync.ReconnectMax,
			PingInterval: cfg.Sync.PingInterval,
			Logger:       syncLogger,
		},
		Debounce: cfg.Autosave.Debounce,
	}, deps)

	return &Editor{
		Engine:  engine,
		Logger:  sysLogger,
		store:   store,
		pubSub:  pubSub,
		natsPub: natsPub,
	}, nil
}

// Close shuts the engine down, flushing the open document, then releases the
// cache and the buses.
func (e *Editor) Close(ctx context.Context) error {
	e.Engine.Shutdown(ctx)
	if e.natsPub != nil {
		e.natsPub.Close()
	}
	if err := e.pubSub.Close(); err != nil {
		e.Logger.Warn("Editor", "Failed to close event bus", map[string]interface{}{"error": err.Error()})
	}
	e.Logger.Sync()
	return e.store.Close()
}
