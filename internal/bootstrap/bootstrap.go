package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/darkhaniop/simple-task-api-htc/controllers"
	"github.com/darkhaniop/simple-task-api-htc/internal/archive"
	"github.com/darkhaniop/simple-task-api-htc/internal/config"
	"github.com/darkhaniop/simple-task-api-htc/internal/reconcile"
	"github.com/darkhaniop/simple-task-api-htc/internal/schedd"
	"github.com/darkhaniop/simple-task-api-htc/internal/state"
)

// Runtime is a fully wired server: store, engine client, reconciliation
// engine and both background loops.
type Runtime struct {
	Config     config.Config
	Store      state.Store
	Client     schedd.Client
	Engine     *reconcile.Engine
	Dispatch   *controllers.DispatchController
	Expiration *controllers.ExpirationController
}

func New(cfg config.Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	client, err := newClient(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	archiver, err := newArchiver(cfg)
	if err != nil {
		_ = client.Close()
		_ = store.Close()
		return nil, err
	}
	engine := reconcile.NewEngine(store, client, reconcile.Options{
		SubmitTimeout:  cfg.SubmitTimeout,
		TaskRoot:       cfg.TaskRoot,
		EventLog:       cfg.EventLog,
		DefaultRetries: cfg.DefaultRetries,
		EventCacheSize: cfg.EventCacheSize,
		Archiver:       archiver,
	})
	rt := &Runtime{
		Config: cfg,
		Store:  store,
		Client: client,
		Engine: engine,
		Dispatch: controllers.NewDispatchController(engine, controllers.DispatchOptions{
			Tick:     cfg.LoopTick,
			Interval: cfg.DispatchInterval,
			Jitter:   cfg.DispatchJitter,
		}),
		Expiration: controllers.NewExpirationController(engine, cfg.LoopTick, cfg.ExpirationInterval),
	}
	log.Printf("bootstrap ready store=%s engine=%s archive=%s dispatch_interval=%s expiration_interval=%s",
		cfg.Store, cfg.Engine, cfg.Archive, rt.Dispatch.Interval(), rt.Expiration.Interval())
	return rt, nil
}

// Start launches both loops.
func (r *Runtime) Start(ctx context.Context) {
	r.Dispatch.Start(ctx)
	r.Expiration.Start(ctx)
}

// Close stops the loops, waits for their current tick and releases the
// engine client and store.
func (r *Runtime) Close() error {
	r.Dispatch.Stop()
	r.Expiration.Stop()
	r.Dispatch.Wait()
	r.Expiration.Wait()
	return errors.Join(r.Client.Close(), r.Store.Close())
}

func newStore(cfg config.Config) (state.Store, error) {
	switch cfg.Store {
	case "memory":
		return state.NewMemoryStore(), nil
	case "sqlite":
		return state.NewSQLiteStore(cfg.SQLitePath, cfg.SQLiteDriver)
	case "postgres":
		return state.NewPostgresStore(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported STAPI_STORE value %q", cfg.Store)
	}
}

func newClient(cfg config.Config) (schedd.Client, error) {
	switch cfg.Engine {
	case "memory":
		return schedd.NewMemoryClient(schedd.MemoryOptions{
			EventLogPath: cfg.EventLog,
			AutoComplete: cfg.EngineAutoComplete,
		}), nil
	case "redis":
		return schedd.NewRedisClient(schedd.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			Prefix:       cfg.Redis.Prefix,
			Queue:        cfg.Redis.Queue,
			EventLogPath: cfg.EventLog,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported STAPI_ENGINE value %q", cfg.Engine)
	}
}

func newArchiver(cfg config.Config) (archive.Archiver, error) {
	switch cfg.Archive {
	case "", "none":
		return nil, nil
	case "local":
		return archive.NewLocalArchiver(cfg.ArchiveDir)
	case "minio":
		return archive.NewMinIOArchiver(archive.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unsupported STAPI_ARCHIVE value %q", cfg.Archive)
	}
}
