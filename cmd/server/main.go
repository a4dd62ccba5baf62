package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"todo-realtime/internal/api"
	"todo-realtime/internal/chat"
	"todo-realtime/internal/config"
	"todo-realtime/internal/hub"
	"todo-realtime/internal/lease"
	"todo-realtime/internal/logging"
	"todo-realtime/internal/notify"
	"todo-realtime/internal/retry"
	"todo-realtime/internal/scheduler"
	"todo-realtime/internal/store"
)

func main() {
	cfg := config.Load()
	logging.Init(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "todo-realtime"})
	l := logging.L()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		l.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		l.Fatal().Err(err).Msg("migrations")
	}

	var messages chat.MessageStore = st
	if cfg.MessageBackend == "cassandra" {
		cm, err := store.NewCassandraMessages(store.CassandraConfig{
			Hosts:             cfg.CassandraHosts,
			Keyspace:          cfg.CassandraKeyspace,
			Consistency:       cfg.CassandraConsistency,
			Timeout:           cfg.CassandraTimeout,
			DisableHostLookup: cfg.CassandraDirect,
		})
		if err != nil {
			l.Fatal().Err(err).Msg("connect cassandra")
		}
		defer cm.Close()
		if err := cm.EnsureSchema(ctx); err != nil {
			l.Fatal().Err(err).Msg("cassandra schema")
		}
		messages = cm
	}

	var locker lease.Locker
	switch cfg.LockBackend {
	case "local":
		locker = lease.NewLocal()
	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			l.Fatal().Err(err).Msg("connect redis")
		}
		locker = lease.NewRedis(rdb, cfg.JobLeaseTTL)
	}

	registry := hub.NewRegistry()

	sched, err := scheduler.New(scheduler.Config{Timezone: cfg.SchedulerTimezone, Timeout: cfg.JobTimeout}, st, locker)
	if err != nil {
		l.Fatal().Err(err).Msg("scheduler")
	}
	if err := sched.Register(scheduler.CountTodosJob, cfg.CountTodosSpec, scheduler.CountTodos(st)); err != nil {
		l.Fatal().Err(err).Msg("register job")
	}
	sched.Observe(notify.NewBridge(registry))

	server := api.New(cfg, st, retry.NewDispatcher(st, sched), sched, registry, chat.NewService(messages, registry, cfg.ChatHistoryLimit))
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Info().Str("addr", httpServer.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.SchedulerEnabled {
		g.Go(func() error {
			if err := sched.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.JobTimeout+5*time.Second)
			defer stopCancel()
			sched.Stop(stopCtx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		l.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
	l.Info().Msg("shutdown complete")
}
