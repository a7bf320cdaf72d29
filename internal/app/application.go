package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marcodejongh/boardsesh-sub009/internal/api"
	"github.com/marcodejongh/boardsesh-sub009/internal/config"
	"github.com/marcodejongh/boardsesh-sub009/internal/database"
	"github.com/marcodejongh/boardsesh-sub009/internal/pubsub"
	"github.com/marcodejongh/boardsesh-sub009/internal/queue"
	"github.com/marcodejongh/boardsesh-sub009/internal/replay"
	"github.com/marcodejongh/boardsesh-sub009/internal/room"
	"github.com/marcodejongh/boardsesh-sub009/internal/store"
	"github.com/marcodejongh/boardsesh-sub009/internal/websocket"
	dbconfig "github.com/marcodejongh/boardsesh-sub009/pkg/database"
	"github.com/marcodejongh/boardsesh-sub009/pkg/interfaces"
	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

// Application owns every component and wires them in dependency order:
// durable store, cache, pub/sub bridge, registry, replay, mutation
// handler, then the HTTP surface.
type Application struct {
	config *config.Config

	database    *database.Manager
	redisClient *redis.Client
	broker      pubsub.Broker
	store       *store.Store
	bridge      *pubsub.Bridge
	registry    *room.Registry
	replay      *replay.Service
	mutation    *queue.Handler
	httpServer  *http.Server
}

// New builds the application. Nothing is listening yet; call Run.
func New(cfg *config.Config) (*Application, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbCfg := dbconfig.DefaultConfig()
	dbCfg.DatabasePath = cfg.Database.Path
	manager, err := database.NewManager(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open durable store: %w", err)
	}

	app := &Application{config: cfg, database: manager}

	var cache interfaces.SessionCache
	if cfg.Standalone() {
		log.Printf("[app] no redis configured, running standalone")
		cache = store.NewMemorySessionStore()
		app.broker = pubsub.NewLocalHub().Broker()
	} else {
		app.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = store.NewRedisSessionStore(app.redisClient, store.RedisOptions{
			SessionTTL:      cfg.Session.TTL,
			EventBufferSize: cfg.Session.EventBufferSize,
			EventBufferTTL:  cfg.Session.EventBufferTTL,
		})
		app.broker = pubsub.NewRedisBroker(context.Background(), app.redisClient)
	}

	app.store = store.NewStore(cache, manager, store.Options{
		WriteDelay: cfg.Session.WriteDelay,
		LockTTL:    cfg.Session.RestoreLockTTL,
	})
	app.bridge = pubsub.NewBridge(app.broker)
	app.registry = room.NewRegistry(app.store, app.bridge)
	app.replay = replay.NewService(app.store)
	app.mutation = queue.NewHandler(app.registry, app.store, app.replay, app.bridge)
	app.registry.OnSessionIdle = app.mutation.ReleaseSession

	// Events from other instances fan out to this instance's clients.
	app.bridge.OnQueueMessage(func(sessionID string, event *types.QueueEvent) {
		app.registry.Broadcast(sessionID, &types.QueueEventMessage{
			Type:  types.MessageTypeQueueEvent,
			Event: *event,
		}, "")
	})
	app.bridge.OnSessionMessage(func(sessionID string, event *types.SessionEvent) {
		app.registry.Broadcast(sessionID, &types.SessionEventMessage{
			Type:  types.MessageTypeSessionEvent,
			Event: *event,
		}, "")
	})

	wsHandler := websocket.NewHandler(app.registry, app.mutation, app.replay, app.store, nil, websocket.Options{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		SendBufferSize: cfg.WebSocket.SendBufferSize,
	})
	apiServer := api.NewServer(app.store)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/api/", apiServer)

	app.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[app] instance %s listening on %s", a.bridge.InstanceID(), a.config.Addr())
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("[app] shutting down")
	return a.Stop()
}

// Stop drains connections and flushes state in reverse wiring order.
func (a *Application) Stop() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(a.httpServer.Shutdown(shutdownCtx))
	record(a.store.Close(shutdownCtx))
	record(a.broker.Close())
	if a.redisClient != nil {
		record(a.redisClient.Close())
	}
	record(a.database.Close())
	return firstErr
}
