// Command batchserv runs the batch scheduler service: the REST frontend,
// the driver loops and the database migrations, all in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchserv/config"
	"github.com/remiges-tech/batchserv/driver"
	"github.com/remiges-tech/batchserv/frontend"
	"github.com/remiges-tech/batchserv/logstore"
	"github.com/remiges-tech/batchserv/store"
	"github.com/remiges-tech/batchserv/workerclient"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "batchserv:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "BatchServ", os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := pgx.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("could not connect for migration: %w", err)
	}
	if err := store.MigrateDatabase(ctx, conn); err != nil {
		conn.Close(ctx)
		return fmt.Errorf("migration failed: %w", err)
	}
	conn.Close(ctx)

	db, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer redisClient.Close()
	}

	st := store.New(db, redisClient, logger.WithModule("store"), nil)
	globals, err := st.EnsureGlobals(ctx)
	if err != nil {
		return err
	}
	if globals.MaxJobAttempts > 0 {
		cfg.Driver.MaxJobAttempts = globals.MaxJobAttempts
	}

	var logs *logstore.LogStore
	if cfg.ObjectStore.Endpoint != "" {
		minioClient, err := minio.New(cfg.ObjectStore.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.ObjectStore.AccessKey, cfg.ObjectStore.SecretKey, ""),
			Secure: cfg.ObjectStore.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("could not create object store client: %w", err)
		}
		logs = logstore.New(logstore.NewMinioObjectStore(minioClient), cfg.ObjectStore.Bucket, globals.InstanceID)
	}

	worker := workerclient.New(logger.WithModule("workerclient"), nil)
	d := driver.New(st, worker, logs, cfg, logger.WithModule("driver"))

	userAuth, err := buildUserAuth(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}

	srv := frontend.NewServer(st, d, logs, worker, cfg, logger.WithModule("frontend"))
	router := frontend.NewRouter(srv, userAuth, frontend.InternalAuth(globals.InternalToken))

	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}
	errCh := make(chan error, 2)
	go func() {
		logger.Info().LogActivity("http server listening", map[string]any{"addr": cfg.HTTP.Addr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		shutdownHTTP(httpServer)
		return err
	}

	shutdownHTTP(httpServer)
	logger.Info().LogActivity("shutdown complete", nil)
	return nil
}

// buildUserAuth returns the OIDC middleware, or a hard 401 when no issuer
// is configured so the user API is never silently open.
func buildUserAuth(ctx context.Context, cfg *config.Config, redisClient *redis.Client,
	logger *logharbour.Logger) (gin.HandlerFunc, error) {
	if cfg.Auth.OIDCIssuer == "" {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication is not configured"})
		}, nil
	}
	provider, err := oidc.NewProvider(ctx, cfg.Auth.OIDCIssuer)
	if err != nil {
		return nil, fmt.Errorf("could not reach OIDC issuer: %w", err)
	}
	var cache frontend.TokenCache
	if redisClient != nil {
		cache = frontend.NewRedisTokenCache(redisClient, 0)
	} else {
		cache = noTokenCache{}
	}
	mw := frontend.NewAuthMiddleware(cfg.Auth.ClientID, provider, cache, logger.WithModule("auth"))
	return mw.MiddlewareFunc(), nil
}

// noTokenCache verifies every request when Redis is not configured.
type noTokenCache struct{}

func (noTokenCache) Get(string) (string, bool, error) { return "", false, nil }
func (noTokenCache) Set(string, string) error         { return nil }

func shutdownHTTP(s *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Shutdown(ctx)
}
