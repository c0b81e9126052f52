package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"discosat/internal/api"
	"discosat/internal/config"
	"discosat/internal/coordinator"
	"discosat/internal/monitor"
	"discosat/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults are used when empty)")
	flag.Parse()

	cfg := config.Load(*configPath)

	// 1. 初始化存储
	var (
		ds     store.DocStore
		locker store.Locker
	)
	switch cfg.Coordinator.Store {
	case "memory":
		log.Println("[Coordinator] Using in-memory store, data is lost on restart")
		ds = store.NewMemoryStore()
	default:
		etcdStore, err := store.NewEtcdStore(cfg.Etcd.Endpoints, cfg.Etcd.Prefix, cfg.Etcd.DialTimeout())
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		log.Println("Connected to Etcd successfully.")
		ds = etcdStore

		if cfg.Coordinator.LockMode == config.LockEtcd {
			l, err := store.NewEtcdLocker(etcdStore.Client(), etcdStore.Prefix(), cfg.Coordinator.LockTTL())
			if err != nil {
				log.Fatalf("Failed to create etcd locker: %v", err)
			}
			defer l.Close()
			locker = l
		}
	}
	defer ds.Close()

	// 2. 初始化 Engine
	opts := []coordinator.Option{
		coordinator.WithOnlineWindow(cfg.Coordinator.OnlineWindow()),
		coordinator.WithPastJobs(cfg.Coordinator.AllowPastJobs),
	}
	switch {
	case locker != nil:
		opts = append(opts, coordinator.WithLocker(locker))
	case cfg.Coordinator.LockMode == config.LockNone:
		log.Println("[Coordinator] Locking disabled, concurrent updates are not serialized")
		opts = append(opts, coordinator.WithLocker(store.NopLocker{}))
	}
	engine := coordinator.New(ds, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 任务监控 (后台运行)
	mon := monitor.NewMonitor(engine, time.Minute)
	go mon.Run(ctx)

	// 4. HTTP 接口
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))
	srv := api.NewServer(cfg, engine, logger)
	srv.SetMonitor(mon)
	go func() {
		if err := srv.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// 5. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down coordinator...")
	if err := srv.Shutdown(5 * time.Second); err != nil {
		log.Printf("server shutdown: %v", err)
	}
}
