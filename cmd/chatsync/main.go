package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"realtimechat/internal/chat"
	"realtimechat/internal/config"
	"realtimechat/internal/media"
	"realtimechat/internal/ratelimit"
	"realtimechat/internal/util"
	"realtimechat/pkg/auth"
	"realtimechat/pkg/docstore"
	"realtimechat/pkg/storage"
	"realtimechat/pkg/store"
)

func main() {
	path := os.Getenv("CHATSYNC_CONFIG")
	if path == "" {
		path = config.ConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel, os.Stderr)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	docs, db, err := openDocstore(cfg, rdb, logger)
	if err != nil {
		util.Fatal("failed to init docstore", "driver", cfg.Docstore.Driver, "err", err)
	}
	defer docs.Close()

	authSvc, err := newAuth(cfg, db, rdb)
	if err != nil {
		util.Fatal("failed to init auth", "err", err)
	}
	uploader, err := newUploader(cfg, logger)
	if err != nil {
		util.Fatal("failed to init blob storage", "err", err)
	}
	limiter, err := newLimiter(cfg, rdb)
	if err != nil {
		util.Fatal("failed to init sign-in limiter", "err", err)
	}
	opTimeout, _ := config.ParseDuration("opTimeout", cfg.OpTimeout, 10*time.Second)

	client, err := chat.New(chat.Config{
		Docs:      docs,
		Auth:      authSvc,
		Uploader:  uploader,
		Limiter:   limiter,
		Logger:    logger,
		OpTimeout: opTimeout,
	})
	if err != nil {
		util.Fatal("failed to init chat client", "err", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("chatsync ready", "docstore", cfg.Docstore.Driver, "feed", cfg.Feed)
	newREPL(client, os.Stdin, os.Stdout).run(ctx)
}

// openDocstore builds the document store. rdb is the shared Redis pool, nil
// when no redisAddr is configured.
func openDocstore(cfg config.FileConfig, rdb *redis.Client, logger *slog.Logger) (*docstore.Store, *gorm.DB, error) {
	var (
		backend docstore.Backend
		db      *gorm.DB
		err     error
	)
	switch cfg.Docstore.Driver {
	case config.DriverRedis:
		backend, err = docstore.NewRedisBackend(docstore.RedisBackendConfig{Client: rdb})
	case config.DriverPostgres:
		db, err = docstore.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		backend, err = docstore.NewGormBackend(db)
	default:
		backend = docstore.NewMemoryBackend()
	}
	if err != nil {
		return nil, nil, err
	}
	var feed docstore.Feed
	if cfg.Feed == config.DriverRedis {
		if feed, err = docstore.NewRedisFeed(docstore.RedisFeedConfig{Client: rdb}); err != nil {
			_ = backend.Close()
			return nil, nil, err
		}
	}
	return docstore.New(backend, feed, docstore.WithLogger(logger)), db, nil
}

func newAuth(cfg config.FileConfig, db *gorm.DB, rdb *redis.Client) (*auth.Service, error) {
	var creds store.CredentialStore = store.NewMemoryCredentialStore()
	if db != nil {
		gs, err := store.NewGormCredentialStore(db)
		if err != nil {
			return nil, err
		}
		creds = gs
	}
	var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
	if rdb != nil {
		revoker = store.NewRedisTokenRevokerFromClient(rdb)
	}
	ttl, err := config.ParseDuration("sessionTTL", cfg.SessionTTL, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, ttl, revoker)
	if err != nil {
		return nil, err
	}
	return auth.NewService(auth.Config{Credentials: creds, Sessions: sessions})
}

func newUploader(cfg config.FileConfig, logger *slog.Logger) (*media.Uploader, error) {
	var objects storage.ObjectStore
	if cfg.Minio.Endpoint != "" {
		ms, err := storage.NewMinioStore(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.UseSSL)
		if err != nil {
			return nil, err
		}
		objects = ms
	} else {
		fs, err := storage.NewFileStore(cfg.StorageDir)
		if err != nil {
			return nil, err
		}
		objects = fs
	}
	expiry, err := config.ParseDuration("blobURLExpiry", cfg.BlobURLExpiry, 0)
	if err != nil {
		return nil, err
	}
	return media.NewUploader(objects,
		media.WithURLExpiry(expiry),
		media.WithLogger(logger),
		media.WithProgress(func(p media.Progress) {
			logger.Debug("upload_progress", "key", p.Key, "sent", p.Sent, "total", p.Total)
		}),
	)
}

func newLimiter(cfg config.FileConfig, rdb *redis.Client) (chat.Limiter, error) {
	if cfg.SignInLimit == 0 {
		return nil, nil
	}
	window, err := config.ParseDuration("signInWindow", cfg.SignInWindow, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		return ratelimit.NewRedisFixedWindowLimiterFromClient(rdb, "", cfg.SignInLimit, window)
	}
	return ratelimit.NewMemoryFixedWindowLimiter(cfg.SignInLimit, window)
}
