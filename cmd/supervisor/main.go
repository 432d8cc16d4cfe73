package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"marlinsup/internal/config"
	"marlinsup/internal/introspect"
	"marlinsup/internal/mds"
	"marlinsup/internal/ratelimit"
	"marlinsup/internal/supervisor"
)

func main() {
	cfg := config.Load()

	log, err := newLogger(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		log.Info("shutdown signal received")
		cancel()
	}()

	self := selfID(cfg.UUID)
	log.Info("starting supervisor", zap.String("uuid", self))

	locator, err := mds.NewS3Locator(ctx, cfg.LocateBucket, cfg.LocateHosts, true, 16)
	if err != nil {
		log.Fatal("init locator", zap.Error(err))
	}

	gw, err := mds.NewPostgresGateway(ctx, cfg.PostgresDSN, locator, cfg.StalenessThreshold, log)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer gw.Close()

	if err := gw.RunMigrations(ctx); err != nil {
		log.Fatal("run migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.DiscoveryRateCapacity, cfg.DiscoveryRateRefill, time.Hour)

	sup := supervisor.New(self, gw, limiter, cfg, log)

	introServer := introspect.New(supervisorAdapter{sup})
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: introServer.Router(),
	}
	go func() {
		log.Info("introspection listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("introspection server stopped", zap.Error(err))
		}
	}()

	err = sup.Run(ctx)
	log.Info("supervisor run loop exited", zap.Error(err))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// selfID derives this process's stable MDS worker identity: the configured
// override, else hostname, else pid.
func selfID(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fmt.Sprintf("supervisor-%d", os.Getpid())
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// supervisorAdapter satisfies introspect.Snapshotter without the supervisor
// package needing to know about introspect's wire shape.
type supervisorAdapter struct {
	sup *supervisor.Supervisor
}

func (a supervisorAdapter) Self() string { return a.sup.Self() }

func (a supervisorAdapter) Snapshot() []introspect.JobView {
	snaps := a.sup.Snapshot()
	out := make([]introspect.JobView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, introspect.JobView{
			JobID:       s.JobID,
			State:       s.State,
			PhaseIndex:  s.PhaseIndex,
			FatalReason: s.FatalReason,
		})
	}
	return out
}
